// Package message defines the typed values exchanged between the controller,
// node agents and client utilities.
//
// Msg is the envelope for every RPC: a message-type tag plus a body whose
// concrete Go type is fixed by the tag. The codec package packs the body into
// a frame and rebuilds it on the other side.
package message

import (
	"fmt"
	"strconv"
)

// MsgType is the tag carried in every frame header. Numbering follows the
// controller protocol families: 1xxx daemon control, 2xxx info queries,
// 5xxx job steps, 8xxx generic responses.
type MsgType uint16

const (
	RequestNodeRegistrationStatus MsgType = 1001 // no body
	MessageNodeRegistrationStatus MsgType = 1002 // *NodeRegistrationStatus
	RequestReconfigure            MsgType = 1003 // no body
	RequestShutdown               MsgType = 1004 // *ShutdownRequest
	RequestPing                   MsgType = 1006 // no body

	RequestJobInfo      MsgType = 2003 // *JobInfoRequest
	ResponseJobInfo     MsgType = 2004 // *JobInfoResponse
	RequestJobStepInfo  MsgType = 2005 // *JobStepInfoRequest
	ResponseJobStepInfo MsgType = 2006 // *JobStepInfoResponse
	RequestNodeInfo     MsgType = 2007 // *NodeInfoRequest
	ResponseNodeInfo    MsgType = 2008 // *NodeInfoResponse

	RequestJobStepCreate  MsgType = 5001 // *JobStepCreateRequest
	ResponseJobStepCreate MsgType = 5002 // *JobStepCreateResponse
	MessageJobCompletion  MsgType = 5017 // *JobCompletion

	ResponseSlurmRC MsgType = 8001 // *ReturnCodeMsg
)

var typeNames = map[MsgType]string{
	RequestNodeRegistrationStatus: "REQUEST_NODE_REGISTRATION_STATUS",
	MessageNodeRegistrationStatus: "MESSAGE_NODE_REGISTRATION_STATUS",
	RequestReconfigure:            "REQUEST_RECONFIGURE",
	RequestShutdown:               "REQUEST_SHUTDOWN",
	RequestPing:                   "REQUEST_PING",
	RequestJobInfo:                "REQUEST_JOB_INFO",
	ResponseJobInfo:               "RESPONSE_JOB_INFO",
	RequestJobStepInfo:            "REQUEST_JOB_STEP_INFO",
	ResponseJobStepInfo:           "RESPONSE_JOB_STEP_INFO",
	RequestNodeInfo:               "REQUEST_NODE_INFO",
	ResponseNodeInfo:              "RESPONSE_NODE_INFO",
	RequestJobStepCreate:          "REQUEST_JOB_STEP_CREATE",
	ResponseJobStepCreate:         "RESPONSE_JOB_STEP_CREATE",
	MessageJobCompletion:          "MESSAGE_JOB_COMPLETION",
	ResponseSlurmRC:               "RESPONSE_SLURM_RC",
}

// ParseMsgType maps a name produced by String, or a decimal tag, back to a
// type.
func ParseMsgType(name string) (MsgType, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	if v, err := strconv.ParseUint(name, 10, 16); err == nil {
		return MsgType(v), nil
	}
	return 0, fmt.Errorf("unknown message type %q", name)
}

// Idempotent reports whether handling a message of type t twice leaves the
// daemon as handling it once does. Step creation allocates a new step each
// time, completion logs a record each time and shutdown is not repeatable.
func (t MsgType) Idempotent() bool {
	switch t {
	case RequestJobStepCreate, MessageJobCompletion, RequestShutdown:
		return false
	}
	return true
}

func (t MsgType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MSG_TYPE_%d", uint16(t))
}

// Msg is one RPC message. Body is nil for bodiless types (pings, reconfigure)
// and otherwise a pointer to the body struct listed next to the tag above.
// A decoded Msg owns all of its strings and slices.
type Msg struct {
	Type MsgType
	Body any
}

// New wraps body in an envelope tagged t.
func New(t MsgType, body any) *Msg {
	return &Msg{Type: t, Body: body}
}

// RC builds a ResponseSlurmRC envelope.
func RC(code ReturnCode) *Msg {
	return &Msg{Type: ResponseSlurmRC, Body: &ReturnCodeMsg{ReturnCode: code}}
}

// ReturnCode is the status carried by ResponseSlurmRC.
type ReturnCode int32

const (
	Success               ReturnCode = 0
	Error                 ReturnCode = -1
	ErrorUnknownMsgType   ReturnCode = 1001
	ErrorNoHandler        ReturnCode = 1002
	ErrorProtocolTimeout  ReturnCode = 1003
	ErrorRateLimited      ReturnCode = 1004
	ErrorNoChangeInData   ReturnCode = 1900
	ErrorInvalidJobID     ReturnCode = 2017
	ErrorInvalidStepID    ReturnCode = 2018
	ErrorJobCompLogFailed ReturnCode = 2050
)

var returnCodeText = map[ReturnCode]string{
	Success:               "success",
	Error:                 "unspecified error",
	ErrorUnknownMsgType:   "unknown message type",
	ErrorNoHandler:        "no handler for message type",
	ErrorProtocolTimeout:  "request timed out",
	ErrorRateLimited:      "rate limit exceeded",
	ErrorNoChangeInData:   "data has not changed since time specified",
	ErrorInvalidJobID:     "invalid job id",
	ErrorInvalidStepID:    "invalid job step id",
	ErrorJobCompLogFailed: "job completion logging failed",
}

func (rc ReturnCode) String() string {
	if text, ok := returnCodeText[rc]; ok {
		return text
	}
	return fmt.Sprintf("return code %d", int32(rc))
}

// Retryable reports whether a caller may resend a request of type t
// unchanged after this code. A rate-limited request never reached its
// handler; a timed-out one may have, so only idempotent types resend it.
func (rc ReturnCode) Retryable(t MsgType) bool {
	switch rc {
	case ErrorRateLimited:
		return true
	case ErrorProtocolTimeout:
		return t.Idempotent()
	}
	return false
}

// ReturnCodeMsg is the body of ResponseSlurmRC.
type ReturnCodeMsg struct {
	ReturnCode ReturnCode
}

// ShutdownRequest is the body of RequestShutdown.
type ShutdownRequest struct {
	Core uint16 // non-zero asks the daemon to dump core on exit
}
