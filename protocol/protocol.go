// Package protocol implements the fixed header that precedes every slurm-rpc
// message and the frame I/O built on it.
//
// The receiver reads the header first to learn the message type and body
// length, then reads exactly that many body bytes.
//
// Frame format (all fields big-endian):
//
//	0       2       4       6               10
//	┌───────┬───────┬───────┬───────────────┬───────────────┐
//	│version│ flags │msgtype│    bodyLen    │    body ...   │
//	│uint16 │uint16 │uint16 │    uint32     │ bodyLen bytes │
//	└───────┴───────┴───────┴───────────────┴───────────────┘
package protocol

import (
	"errors"
	"fmt"
	"slices"

	"slurm-rpc/message"
	"slurm-rpc/pack"
)

const (
	// Version is the only body layout this build packs.
	Version    uint16 = 0x0001
	HeaderSize int    = 10 // 2 (version) + 2 (flags) + 2 (msgType) + 4 (bodyLen)
)

// Header flag bits.
const (
	FlagCompressZstd uint16 = 0x0001 // body is zstd-compressed
	FlagCompressLZ4  uint16 = 0x0002 // body is lz4-compressed
	FlagNoResponse   uint16 = 0x0004 // sender does not wait for a reply

	compressMask = FlagCompressZstd | FlagCompressLZ4
)

// ErrUnsupportedVersion means the header names a body layout this build
// cannot decode. Callers must check it before touching the body.
var ErrUnsupportedVersion = errors.New("protocol: unsupported version")

// Header is the fixed envelope in front of every message body.
type Header struct {
	Version uint16
	Flags   uint16
	MsgType message.MsgType
	BodyLen uint32 // bytes of body on the wire, after compression
}

// PackHeader writes h in wire order. The body length is written as given;
// keeping it equal to the body is the caller's job (see codec.EncodeFrame).
func PackHeader(h *Header, b *pack.Buffer) {
	b.PutU16(h.Version)
	b.PutU16(h.Flags)
	b.PutU16(uint16(h.MsgType))
	b.PutU32(h.BodyLen)
}

// UnpackHeader reads a header from b. It fails with pack.ErrTruncatedInput
// when fewer than HeaderSize bytes remain and with ErrUnsupportedVersion when
// the version is not in supported (Version alone when supported is empty).
// On failure b is left untouched.
func UnpackHeader(b *pack.Buffer, supported ...uint16) (*Header, error) {
	if b.Remaining() < HeaderSize {
		return nil, fmt.Errorf("header: %w: need %d bytes, %d remain",
			pack.ErrTruncatedInput, HeaderSize, b.Remaining())
	}
	return pack.Unpack(b, func(b *pack.Buffer) (*Header, error) {
		h := &Header{}
		var err error
		if h.Version, err = b.GetU16(); err != nil {
			return nil, err
		}
		if !versionSupported(h.Version, supported) {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
		}
		if h.Flags, err = b.GetU16(); err != nil {
			return nil, err
		}
		t, err := b.GetU16()
		if err != nil {
			return nil, err
		}
		h.MsgType = message.MsgType(t)
		if h.BodyLen, err = b.GetU32(); err != nil {
			return nil, err
		}
		return h, nil
	})
}

func versionSupported(v uint16, supported []uint16) bool {
	if len(supported) == 0 {
		return v == Version
	}
	return slices.Contains(supported, v)
}

// Compressed reports whether the body bytes on the wire are compressed.
func (h *Header) Compressed() bool { return h.Flags&compressMask != 0 }

func (h *Header) String() string {
	return fmt.Sprintf("v%d flags=%#04x type=%s len=%d", h.Version, h.Flags, h.MsgType, h.BodyLen)
}
