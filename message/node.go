package message

import "time"

// NodeState is a compute node's scheduling state.
type NodeState uint16

const (
	NodeUnknown NodeState = iota
	NodeDown
	NodeIdle
	NodeAllocated
)

// NodeDrain may be or-ed onto any base state.
const NodeDrain NodeState = 0x0200

// NodeRegistrationStatus is what a node agent reports when it starts or when
// the controller asks for it.
type NodeRegistrationStatus struct {
	Timestamp  time.Time
	NodeName   string
	CPUs       uint32
	RealMemory uint32 // MB
	TmpDisk    uint32 // MB
	JobIDs     []uint32
	StepIDs    []uint16 // StepIDs[i] belongs to JobIDs[i]
}

// NodeInfo describes one node for client utilities.
type NodeInfo struct {
	Name       string
	NodeState  NodeState
	CPUs       uint32
	RealMemory uint32
	TmpDisk    uint32
	Weight     uint32
	Features   string
	Reason     string
}

// NodeInfoRequest asks for nodes changed since LastUpdate.
type NodeInfoRequest struct {
	LastUpdate time.Time
	ShowFlags  uint16
}

// NodeInfoResponse is the body of ResponseNodeInfo.
type NodeInfoResponse struct {
	LastUpdate time.Time
	Nodes      []NodeInfo
}
