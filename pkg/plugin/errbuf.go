package plugin

import (
	"fmt"

	xerrors "MetaHost/internal/errors"
)

// ErrorBuffer is the caller-owned diagnostic buffer passed to every failable
// module call. The limit counts the terminating NUL a C module writes, so at
// most limit-1 bytes of text are kept.
type ErrorBuffer struct {
	limit int
	msg   string
}

// NewErrorBuffer returns an empty buffer holding at most limit bytes.
func NewErrorBuffer(limit int) *ErrorBuffer {
	if limit <= 0 {
		limit = DefaultErrorLimit
	}
	return &ErrorBuffer{limit: limit}
}

// Printf replaces the buffer contents, truncating to fit.
func (b *ErrorBuffer) Printf(format string, args ...any) {
	if b == nil {
		return
	}
	b.Set(fmt.Sprintf(format, args...))
}

// Set replaces the buffer contents, truncating to fit.
func (b *ErrorBuffer) Set(msg string) {
	if b == nil {
		return
	}
	b.msg = xerrors.TruncateMessage(msg, b.limit)
}

// Reset empties the buffer.
func (b *ErrorBuffer) Reset() {
	if b != nil {
		b.msg = ""
	}
}

// Limit returns the buffer capacity including the terminator.
func (b *ErrorBuffer) Limit() int {
	if b == nil {
		return 0
	}
	return b.limit
}

func (b *ErrorBuffer) String() string {
	if b == nil {
		return ""
	}
	return b.msg
}

// Empty reports whether nothing has been written.
func (b *ErrorBuffer) Empty() bool {
	return b == nil || b.msg == ""
}
