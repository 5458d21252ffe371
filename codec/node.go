package codec

import (
	"slurm-rpc/message"
	"slurm-rpc/pack"
)

func packNodeRegistrationStatus(st *message.NodeRegistrationStatus, b *pack.Buffer) {
	b.PutTime(st.Timestamp)
	b.PutString(st.NodeName)
	b.PutU32(st.CPUs)
	b.PutU32(st.RealMemory)
	b.PutU32(st.TmpDisk)
	pack.PutList(b, st.JobIDs, pack.PutU32Elem)
	pack.PutList(b, st.StepIDs, pack.PutU16Elem)
}

func unpackNodeRegistrationStatus(b *pack.Buffer) (*message.NodeRegistrationStatus, error) {
	st := &message.NodeRegistrationStatus{}
	r := fieldReader{b: b}
	r.timestamp(&st.Timestamp)
	r.str(&st.NodeName)
	r.u32(&st.CPUs)
	r.u32(&st.RealMemory)
	r.u32(&st.TmpDisk)
	list(&r, &st.JobIDs, pack.U32)
	list(&r, &st.StepIDs, pack.U16)
	if r.err != nil {
		return nil, r.err
	}
	return st, nil
}

func putNodeInfoElem(b *pack.Buffer, node message.NodeInfo) {
	b.PutString(node.Name)
	b.PutU16(uint16(node.NodeState))
	b.PutU32(node.CPUs)
	b.PutU32(node.RealMemory)
	b.PutU32(node.TmpDisk)
	b.PutU32(node.Weight)
	b.PutString(node.Features)
	b.PutString(node.Reason)
}

func getNodeInfoElem(b *pack.Buffer) (message.NodeInfo, error) {
	var node message.NodeInfo
	var state uint16
	r := fieldReader{b: b}
	r.str(&node.Name)
	r.u16(&state)
	r.u32(&node.CPUs)
	r.u32(&node.RealMemory)
	r.u32(&node.TmpDisk)
	r.u32(&node.Weight)
	r.str(&node.Features)
	r.str(&node.Reason)
	node.NodeState = message.NodeState(state)
	return node, r.err
}

func packNodeInfoRequest(req *message.NodeInfoRequest, b *pack.Buffer) {
	b.PutTime(req.LastUpdate)
	b.PutU16(req.ShowFlags)
}

func unpackNodeInfoRequest(b *pack.Buffer) (*message.NodeInfoRequest, error) {
	req := &message.NodeInfoRequest{}
	r := fieldReader{b: b}
	r.timestamp(&req.LastUpdate)
	r.u16(&req.ShowFlags)
	if r.err != nil {
		return nil, r.err
	}
	return req, nil
}

func packNodeInfoResponse(resp *message.NodeInfoResponse, b *pack.Buffer) {
	b.PutTime(resp.LastUpdate)
	pack.PutList(b, resp.Nodes, putNodeInfoElem)
}

func unpackNodeInfoResponse(b *pack.Buffer) (*message.NodeInfoResponse, error) {
	resp := &message.NodeInfoResponse{}
	r := fieldReader{b: b}
	r.timestamp(&resp.LastUpdate)
	list(&r, &resp.Nodes, getNodeInfoElem)
	if r.err != nil {
		return nil, r.err
	}
	return resp, nil
}
