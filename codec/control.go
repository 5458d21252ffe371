package codec

import (
	"slurm-rpc/message"
	"slurm-rpc/pack"
)

func packShutdownRequest(req *message.ShutdownRequest, b *pack.Buffer) {
	b.PutU16(req.Core)
}

func unpackShutdownRequest(b *pack.Buffer) (*message.ShutdownRequest, error) {
	core, err := b.GetU16()
	if err != nil {
		return nil, err
	}
	return &message.ShutdownRequest{Core: core}, nil
}

// The return code is signed but travels as its u32 bit pattern.
func packReturnCode(rc *message.ReturnCodeMsg, b *pack.Buffer) {
	b.PutU32(uint32(rc.ReturnCode))
}

func unpackReturnCode(b *pack.Buffer) (*message.ReturnCodeMsg, error) {
	v, err := b.GetU32()
	if err != nil {
		return nil, err
	}
	return &message.ReturnCodeMsg{ReturnCode: message.ReturnCode(int32(v))}, nil
}
