package executor

import (
	"fmt"
	"sync"
)

// CaptureLimit bounds each output stream to 64 KiB.
const CaptureLimit = 64 * 1024

// ringBuffer is an io.Writer that keeps the newest bytes of a stream within a
// fixed capacity. On overflow the older half is discarded so that a runaway
// child cannot grow daemon memory without bound.
type ringBuffer struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	dropped int64
}

func newRingBuffer(max int) *ringBuffer {
	return &ringBuffer{max: max}
}

// Write appends p, discarding the oldest bytes once capacity is exceeded.
// It never returns an error so the child's pipe stays writable.
func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, p...)
	if len(r.buf) > r.max {
		keep := r.max / 2
		drop := len(r.buf) - keep
		r.dropped += int64(drop)
		r.buf = append([]byte(nil), r.buf[drop:]...)
	}
	return len(p), nil
}

// String returns the captured tail, prefixed with a truncation marker when
// older bytes were dropped.
func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dropped > 0 {
		return fmt.Sprintf("[truncated: %d bytes dropped]\n%s", r.dropped, r.buf)
	}
	return string(r.buf)
}
