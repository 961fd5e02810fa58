package exec

import "sync"

// TruncationMarker is appended to the text of a LimitedBuffer that dropped
// output.
const TruncationMarker = "\n[output truncated]"

// LimitedBuffer is an io.Writer that keeps the first max bytes written to it
// and discards the rest. It is safe for concurrent writers, so one buffer can
// back both ends of a child process.
type LimitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

// NewLimitedBuffer returns a buffer that keeps at most max bytes.
func NewLimitedBuffer(max int) *LimitedBuffer {
	return &LimitedBuffer{max: max}
}

// Write never fails; bytes beyond the limit are counted as written.
func (b *LimitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - len(b.buf)
	if remaining <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Truncated reports whether any output was dropped.
func (b *LimitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// String returns the kept bytes, followed by TruncationMarker when output
// was dropped.
func (b *LimitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + TruncationMarker
	}
	return string(b.buf)
}
