package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// A compressed body is carried as a u32 uncompressed size followed by the
// compressed block. Block-mode lz4 needs the size to decode; zstd uses it to
// bound the output before decoding.
const sizePrefix = 4

// errIncompressible is returned by the compressors when the output would not
// be smaller than the input. WriteFrame then sends the body uncompressed.
var errIncompressible = errors.New("protocol: body is incompressible")

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("protocol: zstd encoder initialization failed: " + err.Error())
	}
}

// compressBody compresses body with the algorithm selected by flag.
func compressBody(body []byte, flag uint16) ([]byte, error) {
	var out []byte
	switch flag {
	case FlagCompressZstd:
		out = zstdEncoder.EncodeAll(body, make([]byte, sizePrefix, sizePrefix+len(body)))
	case FlagCompressLZ4:
		out = make([]byte, sizePrefix+lz4.CompressBlockBound(len(body)))
		n, err := lz4.CompressBlock(body, out[sizePrefix:], nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			return nil, errIncompressible
		}
		out = out[:sizePrefix+n]
	default:
		return nil, fmt.Errorf("unsupported compression flags %#04x", flag)
	}
	if len(out) >= len(body) {
		return nil, errIncompressible
	}
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	return out, nil
}

// decompressBody reverses compressBody. The declared uncompressed size is
// checked against maxLen before any output is allocated.
func decompressBody(wire []byte, flags uint16, maxLen uint32) ([]byte, error) {
	if len(wire) < sizePrefix {
		return nil, fmt.Errorf("compressed body: %d bytes, missing size prefix", len(wire))
	}
	size := binary.BigEndian.Uint32(wire)
	if size > maxLen {
		return nil, fmt.Errorf("compressed body expands to %d bytes, limit is %d", size, maxLen)
	}
	block := wire[sizePrefix:]

	switch flags & compressMask {
	case FlagCompressZstd:
		return zstdDecompress(block, size, maxLen)
	case FlagCompressLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(block, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint32(n) != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("conflicting compression flags %#04x", flags)
	}
}

// zstdDecompress streams block into exactly size bytes. The decoder's window
// is bounded by maxLen and its output by size+1, so a frame that lies about
// its size fails before it can allocate more than the limit.
func zstdDecompress(block []byte, size, maxLen uint32) ([]byte, error) {
	zr, err := zstd.NewReader(bytes.NewReader(block),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
		zstd.WithDecoderMaxMemory(uint64(max(maxLen, 1))),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, int64(size)+1))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if uint32(len(out)) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
	}
	return out, nil
}
