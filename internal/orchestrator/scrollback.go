package orchestrator

import (
	"bytes"
	"sync"
)

// defaultScrollbackSize is the default maximum capture buffer size (1 MB).
const defaultScrollbackSize = 1024 * 1024

// summaryLines is how many trailing lines of a capture survive when the
// session does not embed full scrollback.
const summaryLines = 10

// CaptureBuffer is a thread-safe byte buffer holding captured terminal
// output for a session. When the buffer exceeds maxLen, older data is
// trimmed from the front. Attached readers are woken through the notify
// channel.
type CaptureBuffer struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
	closed bool
	notify chan struct{}
}

// NewCaptureBuffer creates a capture buffer with the given maximum size.
// If maxLen <= 0, defaultScrollbackSize is used.
func NewCaptureBuffer(maxLen int) *CaptureBuffer {
	if maxLen <= 0 {
		maxLen = defaultScrollbackSize
	}
	return &CaptureBuffer{
		maxLen: maxLen,
		notify: make(chan struct{}, 1),
	}
}

// Write appends data, trimming from the front when the total exceeds maxLen,
// and wakes any waiting reader.
func (b *CaptureBuffer) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	b.data = append(b.data, p...)
	if len(b.data) > b.maxLen {
		b.data = b.data[len(b.data)-b.maxLen:]
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// WriteSummary appends only the trailing summaryLines lines of a capture,
// used when embed_scrollback is off.
func (b *CaptureBuffer) WriteSummary(p []byte) {
	b.Write(tailLines(p, summaryLines))
}

// tailLines returns the last n lines of p (trailing newline preserved).
func tailLines(p []byte, n int) []byte {
	trimmed := bytes.TrimRight(p, "\n")
	if len(trimmed) == 0 {
		return nil
	}
	idx := len(trimmed)
	for i := 0; i < n; i++ {
		next := bytes.LastIndexByte(trimmed[:idx], '\n')
		if next < 0 {
			idx = 0
			break
		}
		idx = next
	}
	if idx > 0 {
		idx++ // skip the newline itself
	}
	out := make([]byte, 0, len(p)-idx)
	out = append(out, p[idx:]...)
	return out
}

// Close marks the buffer closed and wakes readers.
func (b *CaptureBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the current contents.
func (b *CaptureBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the current buffer length.
func (b *CaptureBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// IsClosed reports whether the buffer has been closed.
func (b *CaptureBuffer) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Notify returns the channel signaled when new data arrives or the buffer
// closes.
func (b *CaptureBuffer) Notify() <-chan struct{} {
	return b.notify
}
