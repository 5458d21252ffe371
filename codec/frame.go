package codec

import (
	"fmt"

	"slurm-rpc/message"
	"slurm-rpc/pack"
	"slurm-rpc/protocol"
)

// PackBody packs msg into a standalone body.
func PackBody(msg *message.Msg, limits pack.Limits) ([]byte, error) {
	b := pack.NewWithLimits(256, limits)
	if _, err := PackMsg(msg, b); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// EncodeFrame returns the complete uncompressed frame for msg: a header whose
// body length is the exact size of the packed body, followed by the body.
func EncodeFrame(msg *message.Msg, flags uint16, limits pack.Limits) ([]byte, error) {
	body, err := PackBody(msg, limits)
	if err != nil {
		return nil, err
	}
	h := &protocol.Header{
		Version: protocol.Version,
		Flags:   flags &^ (protocol.FlagCompressZstd | protocol.FlagCompressLZ4),
		MsgType: msg.Type,
		BodyLen: uint32(len(body)),
	}

	b := pack.NewWithLimits(protocol.HeaderSize+len(body), limits)
	protocol.PackHeader(h, b)
	if err := b.Err(); err != nil {
		return nil, err
	}
	frame := append(b.Bytes(), body...)
	return frame, nil
}

// DecodeFrame decodes body as a message of type h.MsgType. body is the
// uncompressed body returned by protocol.ReadFrame. The body codec must
// consume every byte: leftovers mean the sender and receiver disagree on the
// layout and the frame fails with pack.ErrInvalidLength.
func DecodeFrame(h *protocol.Header, body []byte, limits pack.Limits) (*message.Msg, error) {
	b := pack.FromBytes(body, limits)
	msg, err := UnpackMsg(h.MsgType, b)
	if err != nil {
		return nil, err
	}
	if b.Remaining() != 0 {
		return nil, fmt.Errorf("unpack %s: %w: %d of %d body bytes left over",
			h.MsgType, pack.ErrInvalidLength, b.Remaining(), len(body))
	}
	return msg, nil
}

// ParseFrame decodes one complete uncompressed frame held in raw.
func ParseFrame(raw []byte, limits pack.Limits, supported ...uint16) (*protocol.Header, *message.Msg, error) {
	b := pack.FromBytes(raw, limits)
	h, err := protocol.UnpackHeader(b, supported...)
	if err != nil {
		return nil, nil, err
	}
	if h.Compressed() {
		return nil, nil, fmt.Errorf("parse frame: compressed body, use protocol.ReadFrame")
	}
	if int64(h.BodyLen) != int64(b.Remaining()) {
		if int64(h.BodyLen) > int64(b.Remaining()) {
			return nil, nil, fmt.Errorf("parse frame: %w: body length %d, %d bytes follow the header",
				pack.ErrTruncatedInput, h.BodyLen, b.Remaining())
		}
		return nil, nil, fmt.Errorf("parse frame: %w: body length %d, %d bytes follow the header",
			pack.ErrInvalidLength, h.BodyLen, b.Remaining())
	}
	msg, err := DecodeFrame(h, raw[protocol.HeaderSize:], limits)
	if err != nil {
		return nil, nil, err
	}
	return h, msg, nil
}
