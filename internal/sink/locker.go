package sink

import (
	"context"
	"sync"
	"sync/atomic"
)

// Locker serializes mutations on a shared sink: at most one append or
// remove is outstanding at any instant, across every scheduler using the
// sink (audio and video typically share one).
type Locker struct {
	mu   sync.Mutex
	sink Sink

	// outstanding counts in-flight mutations; it can only ever read 0 or
	// 1 and exists to let callers assert the invariant.
	outstanding atomic.Int32
}

// NewLocker wraps a sink with the serialization lock.
func NewLocker(s Sink) *Locker {
	return &Locker{sink: s}
}

// Append performs a locked append. It blocks while another mutation is in
// flight.
func (l *Locker) Append(ctx context.Context, blob Blob) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.outstanding.Add(1)
	defer l.outstanding.Add(-1)
	return l.sink.Append(ctx, blob)
}

// Remove performs a locked remove.
func (l *Locker) Remove(ctx context.Context, start, end float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.outstanding.Add(1)
	defer l.outstanding.Add(-1)
	return l.sink.Remove(ctx, start, end)
}

// Buffered returns the sink's authoritative buffered intervals.
func (l *Locker) Buffered() []Interval {
	return l.sink.Buffered()
}

// Outstanding returns the number of in-flight mutations (0 or 1).
func (l *Locker) Outstanding() int {
	return int(l.outstanding.Load())
}
