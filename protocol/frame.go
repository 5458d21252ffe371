package protocol

import (
	"errors"
	"fmt"
	"io"

	"slurm-rpc/pack"
)

// DefaultMaxBodyLen bounds a frame body when FrameOptions leaves it unset.
const DefaultMaxBodyLen uint32 = 64 << 20

// FrameOptions controls frame I/O.
type FrameOptions struct {
	MaxBodyLen        uint32   // largest body accepted, before and after decompression
	SupportedVersions []uint16 // versions ReadFrame accepts; empty means Version only
}

func (o FrameOptions) maxBodyLen() uint32 {
	if o.MaxBodyLen == 0 {
		return DefaultMaxBodyLen
	}
	return o.MaxBodyLen
}

// WriteFrame writes a complete frame (header + body) to w. If h.Flags asks
// for compression the body is compressed and h.BodyLen set to the wire size;
// a body that does not shrink is sent plain with the compression flag
// cleared. Otherwise h.BodyLen is set to len(body).
//
// The caller must hold a write lock if multiple goroutines share w, or frames
// from different requests will interleave and corrupt the stream.
func WriteFrame(w io.Writer, h *Header, body []byte, opts FrameOptions) error {
	if uint64(len(body)) > uint64(opts.maxBodyLen()) {
		return fmt.Errorf("%w: body of %d bytes exceeds limit %d",
			pack.ErrInvalidLength, len(body), opts.maxBodyLen())
	}

	if flag := h.Flags & compressMask; flag != 0 {
		compressed, err := compressBody(body, flag)
		switch {
		case errors.Is(err, errIncompressible):
			h.Flags &^= compressMask
		case err != nil:
			return err
		default:
			body = compressed
		}
	}
	h.BodyLen = uint32(len(body))

	hb := pack.New(HeaderSize)
	PackHeader(h, hb)

	if _, err := w.Write(hb.Bytes()); err != nil {
		return err
	}
	// Body may be empty for bodiless messages such as pings.
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads a complete frame from r and returns the header together
// with the uncompressed body. It rejects an unsupported version before
// reading the body and an oversize body length before allocating it.
//
// Errors from r are returned unwrapped (io.EOF on a clean close between
// frames). Malformed frames wrap pack.ErrInvalidLength,
// pack.ErrTruncatedInput or ErrUnsupportedVersion.
func ReadFrame(r io.Reader, opts FrameOptions) (*Header, []byte, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, nil, err
	}

	h, err := UnpackHeader(pack.FromBytes(raw[:], pack.Limits{}), opts.SupportedVersions...)
	if err != nil {
		return nil, nil, err
	}
	if h.BodyLen > opts.maxBodyLen() {
		return nil, nil, fmt.Errorf("%w: body length %d exceeds limit %d",
			pack.ErrInvalidLength, h.BodyLen, opts.maxBodyLen())
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, fmt.Errorf("%w: body cut short: %v", pack.ErrTruncatedInput, err)
		}
		return nil, nil, err
	}

	if h.Compressed() {
		body, err = decompressBody(body, h.Flags, opts.maxBodyLen())
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", pack.ErrInvalidLength, err)
		}
	}
	return h, body, nil
}

// Malformed reports whether err came from bad frame bytes rather than from
// the underlying connection.
func Malformed(err error) bool {
	return errors.Is(err, pack.ErrInvalidLength) ||
		errors.Is(err, pack.ErrTruncatedInput) ||
		errors.Is(err, ErrUnsupportedVersion)
}
