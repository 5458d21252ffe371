package pack

import "errors"

var (
	// ErrTruncatedInput means fewer bytes remain than a field requires.
	ErrTruncatedInput = errors.New("pack: truncated input")
	// ErrInvalidLength means a length or count prefix is implausibly large.
	ErrInvalidLength = errors.New("pack: invalid length")
	// ErrResourceExhausted means a write would grow the buffer past Limits.MaxBufferSize.
	ErrResourceExhausted = errors.New("pack: buffer size limit exceeded")
)
