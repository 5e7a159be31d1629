package fetch

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jmylchreest/mediabuf/internal/media"
)

// Stub is a deterministic in-process pipeline used by the simulator and
// tests. It synthesizes segment bytes sized from the representation
// bitrate and can inject failures per segment id.
type Stub struct {
	// Latency is added to every fetch.
	Latency time.Duration
	// BandwidthBps throttles the synthetic transfer when positive.
	BandwidthBps int64
	// SegmentDuration is the duration reported for open-ended segments,
	// in seconds.
	SegmentDuration float64

	mu       sync.Mutex
	failures map[string]error
	fetched  []string
}

var _ Pipeline = (*Stub)(nil)

// NewStub creates a stub pipeline.
func NewStub() *Stub {
	return &Stub{
		SegmentDuration: 4,
		failures:        make(map[string]error),
	}
}

// FailNext makes the next fetch of the given segment id return err once.
func (s *Stub) FailNext(segmentID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[segmentID] = err
}

// Fetched returns the segment ids fetched so far, in order.
func (s *Stub) Fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.fetched))
	copy(out, s.fetched)
	return out
}

// Fetch synthesizes a segment transfer.
func (s *Stub) Fetch(ctx context.Context, req Request, onProgress ProgressFunc) (*Parsed, error) {
	seg := req.Segment

	s.mu.Lock()
	if err, ok := s.failures[seg.ID]; ok {
		delete(s.failures, seg.ID)
		s.mu.Unlock()
		return nil, err
	}
	s.fetched = append(s.fetched, seg.ID)
	s.mu.Unlock()

	if s.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Latency):
		}
	}

	durationSec := seg.DurationSec()
	if math.IsInf(durationSec, 1) || durationSec <= 0 {
		durationSec = s.SegmentDuration
	}

	size := int64(1024)
	if req.Representation != nil && req.Representation.Bitrate > 0 && !seg.IsInit {
		size = int64(float64(req.Representation.Bitrate) * durationSec / 8)
	}

	if s.BandwidthBps > 0 {
		transfer := time.Duration(float64(size*8) / float64(s.BandwidthBps) * float64(time.Second))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(transfer):
		}
	}
	if onProgress != nil {
		onProgress(size, time.Now())
	}

	parsed := &Parsed{Blob: make([]byte, size)}
	if seg.IsInit {
		return parsed, nil
	}

	timescale := seg.Timescale
	if timescale <= 0 {
		timescale = 1
	}
	duration := seg.Duration
	if duration == media.UnknownDuration {
		duration = int64(durationSec * float64(timescale))
	}
	parsed.Timescale = timescale
	parsed.CurrentSegment = &media.SegmentInfo{
		Time:      seg.Time,
		Duration:  duration,
		Timescale: timescale,
	}
	return parsed, nil
}
