package pack

import (
	"fmt"
	"math"
)

// PutList appends a u32 element count followed by each element written by
// put. A nil or empty slice is written as a bare zero count.
func PutList[T any](b *Buffer, items []T, put func(*Buffer, T)) {
	if uint64(len(items)) > math.MaxUint32 {
		if b.err == nil {
			b.err = fmt.Errorf("%w: list of %d elements does not fit a u32 count", ErrInvalidLength, len(items))
		}
		return
	}
	b.PutU32(uint32(len(items)))
	for _, item := range items {
		put(b, item)
	}
}

// GetList consumes a u32 count and exactly that many elements read by get.
// A zero count yields a nil slice. If any element fails the whole list is
// abandoned, the read cursor is restored and the element error is returned.
func GetList[T any](b *Buffer, get func(*Buffer) (T, error)) ([]T, error) {
	mark := b.offset
	count, err := b.GetU32()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	if count > b.limits.MaxListLen {
		b.offset = mark
		return nil, fmt.Errorf("%w: list count %d exceeds limit %d", ErrInvalidLength, count, b.limits.MaxListLen)
	}

	// Every element occupies at least one byte, so a count larger than the
	// remaining input is already known to be truncated.
	if int64(count) > int64(b.Remaining()) {
		b.offset = mark
		return nil, fmt.Errorf("%w: list count %d but only %d bytes remain", ErrTruncatedInput, count, b.Remaining())
	}

	items := make([]T, 0, count)
	for i := uint32(0); i < count; i++ {
		item, err := get(b)
		if err != nil {
			b.offset = mark
			return nil, fmt.Errorf("list element %d of %d: %w", i, count, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Unpack runs fn against b and restores the read cursor if fn fails, so a
// multi-field decode either consumes a whole record or nothing at all.
func Unpack[T any](b *Buffer, fn func(*Buffer) (T, error)) (T, error) {
	mark := b.offset
	v, err := fn(b)
	if err != nil {
		b.offset = mark
		var zero T
		return zero, err
	}
	return v, nil
}

// U8 adapts GetU8 for GetList.
func U8(b *Buffer) (uint8, error) { return b.GetU8() }

// U16 adapts GetU16 for GetList.
func U16(b *Buffer) (uint16, error) { return b.GetU16() }

// U32 adapts GetU32 for GetList.
func U32(b *Buffer) (uint32, error) { return b.GetU32() }

// U64 adapts GetU64 for GetList.
func U64(b *Buffer) (uint64, error) { return b.GetU64() }

// String adapts GetString for GetList.
func String(b *Buffer) (string, error) { return b.GetString() }

// PutU16Elem and friends adapt the Put methods for PutList.
func PutU16Elem(b *Buffer, v uint16) { b.PutU16(v) }

// PutU32Elem writes one uint32 list element.
func PutU32Elem(b *Buffer, v uint32) { b.PutU32(v) }

// PutStringElem writes one string list element.
func PutStringElem(b *Buffer, s string) { b.PutString(s) }
