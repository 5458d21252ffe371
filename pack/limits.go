package pack

// Limits bounds what a Buffer will accept. Decoders use the string and list
// bounds to reject corrupt or hostile length prefixes; encoders use the size
// bound to refuse unbounded growth.
type Limits struct {
	MaxStringLen  uint32 // longest string or byte field GetString/GetBytes accept
	MaxListLen    uint32 // largest element count GetList accepts
	MaxBufferSize int    // hard ceiling on a buffer's capacity
}

const (
	DefaultMaxStringLen  = 1 << 20
	DefaultMaxListLen    = 1 << 20
	DefaultMaxBufferSize = 64 << 20
)

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxStringLen:  DefaultMaxStringLen,
		MaxListLen:    DefaultMaxListLen,
		MaxBufferSize: DefaultMaxBufferSize,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxStringLen == 0 {
		l.MaxStringLen = DefaultMaxStringLen
	}
	if l.MaxListLen == 0 {
		l.MaxListLen = DefaultMaxListLen
	}
	if l.MaxBufferSize <= 0 {
		l.MaxBufferSize = DefaultMaxBufferSize
	}
	return l
}
