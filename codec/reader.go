package codec

import (
	"time"

	"slurm-rpc/pack"
)

// fieldReader decodes a record field by field and keeps the first error.
// Once a read fails every later read is skipped, so a body codec lists its
// fields in wire order and checks err once at the end.
type fieldReader struct {
	b   *pack.Buffer
	err error
}

func (r *fieldReader) u16(dst *uint16) {
	if r.err == nil {
		*dst, r.err = r.b.GetU16()
	}
}

func (r *fieldReader) u32(dst *uint32) {
	if r.err == nil {
		*dst, r.err = r.b.GetU32()
	}
}

func (r *fieldReader) str(dst *string) {
	if r.err == nil {
		*dst, r.err = r.b.GetString()
	}
}

func (r *fieldReader) raw(dst *[]byte) {
	if r.err == nil {
		*dst, r.err = r.b.GetBytes()
	}
}

func (r *fieldReader) timestamp(dst *time.Time) {
	if r.err == nil {
		*dst, r.err = r.b.GetTime()
	}
}

// list decodes a u32-counted list into dst.
func list[T any](r *fieldReader, dst *[]T, get func(*pack.Buffer) (T, error)) {
	if r.err == nil {
		*dst, r.err = pack.GetList(r.b, get)
	}
}
