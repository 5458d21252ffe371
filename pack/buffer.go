// Package pack implements the growable byte buffer every slurm-rpc message is
// packed into and unpacked from.
//
// A Buffer has two independent cursors: writes append at the end of the used
// region, reads consume from the front. All multi-byte integers use network
// byte order (big-endian). Variable-length fields carry a u32 prefix:
//
//	string/bytes: ┌────────────┬──────────────┐
//	              │ len uint32 │ len raw bytes│   len=0 => absent or empty
//	              └────────────┴──────────────┘
//	list:         ┌────────────┬────────────────────────────┐
//	              │ cnt uint32 │ cnt elements, each encoded │
//	              └────────────┴────────────────────────────┘
//
// Reads never run past the used length: a read that cannot be satisfied
// returns an error and leaves the read cursor where it was.
package pack

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Buffer is a single-writer, single-reader byte container. It is not safe for
// concurrent use; each pack/unpack call should own its buffer.
type Buffer struct {
	data   []byte // data[:len(data)] is the used region, cap(data) the capacity
	offset int    // read cursor, always <= len(data)
	limits Limits
	err    error // sticky write failure, see Err
}

// New returns an empty buffer with room for capacity bytes and default limits.
func New(capacity int) *Buffer {
	return NewWithLimits(capacity, DefaultLimits())
}

// NewWithLimits returns an empty buffer that enforces the given limits.
// Zero-valued limit fields fall back to their defaults.
func NewWithLimits(capacity int, limits Limits) *Buffer {
	limits = limits.withDefaults()
	if capacity < 0 {
		capacity = 0
	}
	if capacity > limits.MaxBufferSize {
		capacity = limits.MaxBufferSize
	}
	return &Buffer{
		data:   make([]byte, 0, capacity),
		limits: limits,
	}
}

// FromBytes returns a buffer positioned at the start of data, ready for
// decoding. The buffer reads data in place; the caller must not modify it
// until decoding is finished. Decoded strings and byte fields are copies.
func FromBytes(data []byte, limits Limits) *Buffer {
	return &Buffer{
		data:   data[:len(data):len(data)],
		limits: limits.withDefaults(),
	}
}

// Bytes returns the used region. The slice aliases the buffer until the next write.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the currently allocated capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Remaining returns the number of bytes not yet consumed by reads.
func (b *Buffer) Remaining() int { return len(b.data) - b.offset }

// Limits returns the limits this buffer enforces.
func (b *Buffer) Limits() Limits { return b.limits }

// Err returns the first write failure, if any. Once a write fails every later
// write is dropped, so packers only need to check Err once at the end.
func (b *Buffer) Err() error { return b.err }

// grow makes room for n more bytes. Capacity at least doubles so a long run of
// small writes stays amortized O(1) per byte.
func (b *Buffer) grow(n int) bool {
	if b.err != nil {
		return false
	}
	need := len(b.data) + n
	if need <= cap(b.data) {
		return true
	}
	if need > b.limits.MaxBufferSize {
		b.err = fmt.Errorf("%w: buffer needs %d bytes, limit is %d",
			ErrResourceExhausted, need, b.limits.MaxBufferSize)
		return false
	}
	newCap := 2 * cap(b.data)
	if newCap < need {
		newCap = need
	}
	if newCap < minGrowth {
		newCap = minGrowth
	}
	if newCap > b.limits.MaxBufferSize {
		newCap = b.limits.MaxBufferSize
	}
	grown := make([]byte, len(b.data), newCap)
	copy(grown, b.data)
	b.data = grown
	return true
}

const minGrowth = 64

// PutU8 appends one byte.
func (b *Buffer) PutU8(v uint8) {
	if !b.grow(1) {
		return
	}
	b.data = append(b.data, v)
}

// PutU16 appends v in big-endian order.
func (b *Buffer) PutU16(v uint16) {
	if !b.grow(2) {
		return
	}
	b.data = binary.BigEndian.AppendUint16(b.data, v)
}

// PutU32 appends v in big-endian order.
func (b *Buffer) PutU32(v uint32) {
	if !b.grow(4) {
		return
	}
	b.data = binary.BigEndian.AppendUint32(b.data, v)
}

// PutU64 appends v in big-endian order.
func (b *Buffer) PutU64(v uint64) {
	if !b.grow(8) {
		return
	}
	b.data = binary.BigEndian.AppendUint64(b.data, v)
}

// PutString appends a u32 byte count followed by the raw bytes of s.
// The empty string is written as a bare zero count.
func (b *Buffer) PutString(s string) {
	if !b.putLength(len(s)) || len(s) == 0 {
		return
	}
	if !b.grow(len(s)) {
		return
	}
	b.data = append(b.data, s...)
}

// PutBytes appends p with the same layout as PutString. A nil slice is
// written as a zero count.
func (b *Buffer) PutBytes(p []byte) {
	if !b.putLength(len(p)) || len(p) == 0 {
		return
	}
	if !b.grow(len(p)) {
		return
	}
	b.data = append(b.data, p...)
}

func (b *Buffer) putLength(n int) bool {
	if b.err != nil {
		return false
	}
	if uint64(n) > math.MaxUint32 {
		b.err = fmt.Errorf("%w: field of %d bytes does not fit a u32 prefix", ErrInvalidLength, n)
		return false
	}
	b.PutU32(uint32(n))
	return b.err == nil
}

// PutTime appends t as u64 unix seconds. The zero time is written as 0.
func (b *Buffer) PutTime(t time.Time) {
	if t.IsZero() {
		b.PutU64(0)
		return
	}
	b.PutU64(uint64(t.Unix()))
}

// take consumes n bytes or fails without moving the read cursor.
func (b *Buffer) take(n int) ([]byte, error) {
	if n > b.Remaining() {
		return nil, fmt.Errorf("%w: need %d bytes, %d remain", ErrTruncatedInput, n, b.Remaining())
	}
	p := b.data[b.offset : b.offset+n]
	b.offset += n
	return p, nil
}

// GetU8 consumes one byte.
func (b *Buffer) GetU8() (uint8, error) {
	p, err := b.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// GetU16 consumes a big-endian uint16.
func (b *Buffer) GetU16() (uint16, error) {
	p, err := b.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

// GetU32 consumes a big-endian uint32.
func (b *Buffer) GetU32() (uint32, error) {
	p, err := b.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

// GetU64 consumes a big-endian uint64.
func (b *Buffer) GetU64() (uint64, error) {
	p, err := b.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

// GetString consumes a length-prefixed string and returns an owned copy. A
// zero length yields "". A length above Limits.MaxStringLen fails with
// ErrInvalidLength before anything is allocated.
func (b *Buffer) GetString() (string, error) {
	p, err := b.getField()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// GetBytes consumes a length-prefixed byte field and returns an owned copy.
// A zero length yields nil.
func (b *Buffer) GetBytes() ([]byte, error) {
	p, err := b.getField()
	if err != nil || len(p) == 0 {
		return nil, err
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}

func (b *Buffer) getField() ([]byte, error) {
	mark := b.offset
	n, err := b.GetU32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if n > b.limits.MaxStringLen {
		b.offset = mark
		return nil, fmt.Errorf("%w: field length %d exceeds limit %d",
			ErrInvalidLength, n, b.limits.MaxStringLen)
	}
	p, err := b.take(int(n))
	if err != nil {
		b.offset = mark
		return nil, err
	}
	return p, nil
}

// GetTime consumes u64 unix seconds. A stored 0 decodes to the zero time;
// other values decode in UTC.
func (b *Buffer) GetTime() (time.Time, error) {
	v, err := b.GetU64()
	if err != nil || v == 0 {
		return time.Time{}, err
	}
	return time.Unix(int64(v), 0).UTC(), nil
}
