// Package codec maps message-type tags to the routines that pack and unpack
// each message body.
//
// PackMsg and UnpackMsg hide the tag table from callers. Adding a message type
// means one tag in package message, one pack and one unpack routine here, and
// one entry in table; no existing entry changes.
package codec

import (
	"errors"
	"fmt"
	"slices"

	"slurm-rpc/message"
	"slurm-rpc/pack"
)

var (
	// ErrUnknownMessageType means the tag has no entry in the table.
	ErrUnknownMessageType = errors.New("codec: unknown message type")
	// ErrBodyType means a Msg body is not the Go type its tag requires.
	ErrBodyType = errors.New("codec: body type does not match message type")
)

type entry struct {
	pack   func(body any, b *pack.Buffer) error
	unpack func(b *pack.Buffer) (any, error)
	zero   func() any // nil for bodiless types
}

// typed adapts a pair of body routines over *T to a table entry.
func typed[T any](put func(*T, *pack.Buffer), get func(*pack.Buffer) (*T, error)) entry {
	return entry{
		pack: func(body any, b *pack.Buffer) error {
			v, ok := body.(*T)
			if !ok || v == nil {
				return fmt.Errorf("%w: got %T, want %T", ErrBodyType, body, (*T)(nil))
			}
			put(v, b)
			return nil
		},
		unpack: func(b *pack.Buffer) (any, error) {
			return get(b)
		},
		zero: func() any { return new(T) },
	}
}

// bodiless is the entry for messages that carry only a header.
func bodiless() entry {
	return entry{
		pack: func(body any, _ *pack.Buffer) error {
			if body != nil {
				return fmt.Errorf("%w: got %T, want no body", ErrBodyType, body)
			}
			return nil
		},
		unpack: func(*pack.Buffer) (any, error) { return nil, nil },
	}
}

var table = map[message.MsgType]entry{
	message.RequestNodeRegistrationStatus: bodiless(),
	message.MessageNodeRegistrationStatus: typed(packNodeRegistrationStatus, unpackNodeRegistrationStatus),
	message.RequestReconfigure:            bodiless(),
	message.RequestShutdown:               typed(packShutdownRequest, unpackShutdownRequest),
	message.RequestPing:                   bodiless(),

	message.RequestJobInfo:      typed(packJobInfoRequest, unpackJobInfoRequest),
	message.ResponseJobInfo:     typed(packJobInfoResponse, unpackJobInfoResponse),
	message.RequestJobStepInfo:  typed(packJobStepInfoRequest, unpackJobStepInfoRequest),
	message.ResponseJobStepInfo: typed(packJobStepInfoResponse, unpackJobStepInfoResponse),
	message.RequestNodeInfo:     typed(packNodeInfoRequest, unpackNodeInfoRequest),
	message.ResponseNodeInfo:    typed(packNodeInfoResponse, unpackNodeInfoResponse),

	message.RequestJobStepCreate:  typed(packJobStepCreateRequest, unpackJobStepCreateRequest),
	message.ResponseJobStepCreate: typed(packJobStepCreateResponse, unpackJobStepCreateResponse),
	message.MessageJobCompletion:  typed(packJobCompletion, unpackJobCompletion),

	message.ResponseSlurmRC: typed(packReturnCode, unpackReturnCode),
}

// PackMsg appends the body of msg to b and returns the number of body bytes
// written, which the caller records as the header's body length. It fails
// with ErrUnknownMessageType for a tag outside the table, ErrBodyType for a
// mismatched body and the buffer's sticky error if the buffer hit its limit.
func PackMsg(msg *message.Msg, b *pack.Buffer) (int, error) {
	e, ok := table[msg.Type]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint16(msg.Type))
	}
	start := b.Len()
	if err := e.pack(msg.Body, b); err != nil {
		return 0, fmt.Errorf("pack %s: %w", msg.Type, err)
	}
	if err := b.Err(); err != nil {
		return 0, fmt.Errorf("pack %s: %w", msg.Type, err)
	}
	return b.Len() - start, nil
}

// UnpackMsg decodes a body of type t from b into a freshly allocated Msg. The
// tag comes from a header the caller has already read. Body codec errors keep
// their kind (pack.ErrTruncatedInput, pack.ErrInvalidLength); on any error b
// is left where it was and no partial message is returned.
func UnpackMsg(t message.MsgType, b *pack.Buffer) (*message.Msg, error) {
	e, ok := table[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint16(t))
	}
	body, err := pack.Unpack(b, e.unpack)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", t, err)
	}
	return &message.Msg{Type: t, Body: body}, nil
}

// Has reports whether t has an entry in the table.
func Has(t message.MsgType) bool {
	_, ok := table[t]
	return ok
}

// Registered returns every tag in the table in ascending order.
func Registered() []message.MsgType {
	tags := make([]message.MsgType, 0, len(table))
	for t := range table {
		tags = append(tags, t)
	}
	slices.Sort(tags)
	return tags
}

// NewBody returns a pointer to a zero body of the Go type t carries, or nil
// for bodiless types. Tools fill it from JSON before packing.
func NewBody(t message.MsgType) (any, error) {
	e, ok := table[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint16(t))
	}
	if e.zero == nil {
		return nil, nil
	}
	return e.zero(), nil
}
