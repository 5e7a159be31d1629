package sink

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/shirou/gopsutil/v4/mem"
)

// Memory sink capacity bounds. The default capacity derives from system
// memory; these clamp it to a sane window.
const (
	MinCapacityBytes      = 16 * 1024 * 1024
	MaxCapacityBytes      = 512 * 1024 * 1024
	defaultMemoryFraction = 8
)

// DefaultCapacity derives a byte capacity from available system memory,
// clamped to [MinCapacityBytes, MaxCapacityBytes]. Falls back to the
// minimum when system stats are unavailable.
func DefaultCapacity() int64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return MinCapacityBytes
	}
	capacity := int64(vm.Available / defaultMemoryFraction)
	if capacity < MinCapacityBytes {
		return MinCapacityBytes
	}
	if capacity > MaxCapacityBytes {
		return MaxCapacityBytes
	}
	return capacity
}

// chunk is one appended blob's bookkeeping record.
type chunk struct {
	start float64
	end   float64
	bytes int64
}

// MemorySink is an in-process Sink holding media bytes up to a byte
// quota. It backs the simulator and tests; its quota behaviour mirrors a
// real source buffer's QuotaExceededError.
type MemorySink struct {
	mu       sync.Mutex
	chunks   []chunk
	used     int64
	capacity int64
	updating bool

	initBytes int64

	logger *slog.Logger
}

// NewMemorySink creates a memory sink with the given capacity; a
// non-positive capacity selects DefaultCapacity.
func NewMemorySink(capacity int64, logger *slog.Logger) *MemorySink {
	if capacity <= 0 {
		capacity = DefaultCapacity()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemorySink{capacity: capacity, logger: logger}
}

// Append stores a blob, failing with QuotaError when the quota would be
// exceeded.
func (s *MemorySink) Append(ctx context.Context, blob Blob) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.updating = true
	defer func() { s.updating = false }()

	size := int64(len(blob.Data))
	if s.used+size > s.capacity {
		return &QuotaError{Requested: size, Capacity: s.capacity}
	}

	if blob.IsInit {
		// Init segments occupy quota but no media time.
		s.initBytes += size
		s.used += size
		return nil
	}

	s.chunks = append(s.chunks, chunk{start: blob.Start, end: blob.End, bytes: size})
	sort.Slice(s.chunks, func(i, j int) bool { return s.chunks[i].start < s.chunks[j].start })
	s.used += size
	return nil
}

// Remove drops buffered data overlapping [start, end), freeing quota
// proportionally for partially covered chunks.
func (s *MemorySink) Remove(ctx context.Context, start, end float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.updating = true
	defer func() { s.updating = false }()

	kept := s.chunks[:0:0]
	for _, c := range s.chunks {
		if c.end <= start || c.start >= end {
			kept = append(kept, c)
			continue
		}
		span := c.end - c.start
		if span <= 0 {
			s.used -= c.bytes
			continue
		}
		freed := c.bytes
		if c.start < start {
			keptBytes := int64(float64(c.bytes) * (start - c.start) / span)
			kept = append(kept, chunk{start: c.start, end: start, bytes: keptBytes})
			freed -= keptBytes
		}
		if c.end > end {
			keptBytes := int64(float64(c.bytes) * (c.end - end) / span)
			kept = append(kept, chunk{start: end, end: c.end, bytes: keptBytes})
			freed -= keptBytes
		}
		s.used -= freed
	}
	s.chunks = kept
	return nil
}

// Buffered returns the merged buffered intervals.
func (s *MemorySink) Buffered() []Interval {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Interval
	for _, c := range s.chunks {
		if n := len(out); n > 0 && c.start-out[n-1].End < 1e-6 {
			if c.end > out[n-1].End {
				out[n-1].End = c.end
			}
			continue
		}
		out = append(out, Interval{Start: c.start, End: c.end})
	}
	return out
}

// Updating reports whether a mutation is currently applying.
func (s *MemorySink) Updating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updating
}

// Used returns the bytes currently held.
func (s *MemorySink) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Capacity returns the byte quota.
func (s *MemorySink) Capacity() int64 {
	return s.capacity
}

// BufferedEnd returns the end of the last buffered interval, or 0.
func (s *MemorySink) BufferedEnd() float64 {
	intervals := s.Buffered()
	if len(intervals) == 0 {
		return 0
	}
	return math.Max(0, intervals[len(intervals)-1].End)
}
