package smtp

import (
	"bytes"
	"errors"
)

// ErrMessageTooLarge is returned once a transaction's data exceeds the
// configured maximum message size.
var ErrMessageTooLarge = errors.New("message exceeds maximum message size")

// RawMessageBuffer accumulates the DATA bytes of one transaction. After the
// limit is exceeded further writes are counted but not stored, so the
// session can drain the client up to the terminator before rejecting.
type RawMessageBuffer struct {
	max      int64
	size     int64
	exceeded bool
	buf      bytes.Buffer
}

// NewRawMessageBuffer creates a buffer holding at most max bytes.
// A max of zero or less means unlimited.
func NewRawMessageBuffer(max int64) *RawMessageBuffer {
	return &RawMessageBuffer{max: max}
}

// Write implements io.Writer.
func (b *RawMessageBuffer) Write(p []byte) (int, error) {
	b.size += int64(len(p))
	if b.exceeded {
		return 0, ErrMessageTooLarge
	}
	if b.max > 0 && b.size > b.max {
		b.exceeded = true
		b.buf = bytes.Buffer{}
		return 0, ErrMessageTooLarge
	}
	return b.buf.Write(p)
}

// Exceeded reports whether the limit was crossed.
func (b *RawMessageBuffer) Exceeded() bool {
	return b.exceeded
}

// Size returns the number of bytes offered so far, stored or not.
func (b *RawMessageBuffer) Size() int64 {
	return b.size
}

// Bytes returns the stored payload.
func (b *RawMessageBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
