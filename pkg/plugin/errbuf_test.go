package plugin

import (
	"strings"
	"testing"
)

func TestErrorBufferTruncatesToLimit(t *testing.T) {
	buf := NewErrorBuffer(8)
	buf.Printf("module %s refused", "stats")
	if got := buf.String(); got != "module " {
		t.Fatalf("expected 7 bytes kept, got %q", got)
	}
	if buf.Limit() != 8 {
		t.Fatalf("unexpected limit %d", buf.Limit())
	}
	buf.Reset()
	if !buf.Empty() {
		t.Fatalf("reset buffer should be empty")
	}
}

func TestErrorBufferDefaults(t *testing.T) {
	buf := NewErrorBuffer(0)
	if buf.Limit() != DefaultErrorLimit {
		t.Fatalf("expected default limit, got %d", buf.Limit())
	}
	buf.Set(strings.Repeat("a", 1000))
	if len(buf.String()) != DefaultErrorLimit-1 {
		t.Fatalf("expected %d bytes, got %d", DefaultErrorLimit-1, len(buf.String()))
	}
}

func TestNilErrorBufferIsSafe(t *testing.T) {
	var buf *ErrorBuffer
	buf.Set("ignored")
	buf.Printf("%d", 1)
	buf.Reset()
	if !buf.Empty() || buf.String() != "" || buf.Limit() != 0 {
		t.Fatalf("nil buffer should behave as empty")
	}
}
