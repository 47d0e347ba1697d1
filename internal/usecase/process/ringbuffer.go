package process

import "sync"

// DefaultTailBytes bounds the stderr kept per stream for error reports.
const DefaultTailBytes = 64 * 1024

// ringBuffer keeps the last max bytes written to it. Safe for concurrent use.
type ringBuffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	written int64
}

func newRingBuffer(maxBytes int) *ringBuffer {
	return &ringBuffer{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

// Write implements io.Writer and never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data = append(rb.data, p...)
	rb.written += int64(len(p))
	if len(rb.data) > rb.max {
		rb.data = append(rb.data[:0], rb.data[len(rb.data)-rb.max:]...)
	}
	return len(p), nil
}

func (rb *ringBuffer) String() string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return string(rb.data)
}

// Truncated reports whether older bytes were dropped.
func (rb *ringBuffer) Truncated() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.written > int64(len(rb.data))
}
