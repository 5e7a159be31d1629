package abr

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// PendingRequestInfo describes a segment request at begin time.
type PendingRequestInfo struct {
	// Time is the segment's start position in seconds.
	Time float64
	// Duration is the segment duration in seconds.
	Duration float64
	// RequestTimestamp is when the request was issued.
	RequestTimestamp time.Time
}

// progressSample is one progress event of an in-flight request.
type progressSample struct {
	size      int64
	timestamp time.Time
}

type pendingRequest struct {
	info     PendingRequestInfo
	progress []progressSample
}

// lastProgress returns the most recent progress sample.
func (p *pendingRequest) lastProgress() (progressSample, bool) {
	if len(p.progress) == 0 {
		return progressSample{}, false
	}
	return p.progress[len(p.progress)-1], true
}

// pendingRegistry tracks in-flight segment requests so the chooser can
// project their effective bandwidth and pre-empt stalls.
type pendingRegistry struct {
	mu       sync.Mutex
	requests map[string]*pendingRequest
	logger   *slog.Logger
}

func newPendingRegistry(logger *slog.Logger) *pendingRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &pendingRegistry{
		requests: make(map[string]*pendingRequest),
		logger:   logger,
	}
}

// add registers a request begin. A duplicate id is overwritten with a
// warning; it means a begin/end pair leaked upstream.
func (r *pendingRegistry) add(id string, info PendingRequestInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[id]; ok {
		r.logger.Warn("pending request already registered, replacing",
			slog.String("request_id", id))
	}
	r.requests[id] = &pendingRequest{info: info}
}

// addProgress records a progress event. Events must arrive in
// non-decreasing timestamp order; violations are dropped silently.
func (r *pendingRegistry) addProgress(id string, size int64, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		r.logger.Warn("progress for unknown pending request",
			slog.String("request_id", id))
		return
	}
	if last, ok := req.lastProgress(); ok && timestamp.Before(last.timestamp) {
		return
	}
	req.progress = append(req.progress, progressSample{size: size, timestamp: timestamp})
}

// remove unregisters a request. Unknown ids are logged and ignored.
func (r *pendingRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[id]; !ok {
		r.logger.Warn("removing unknown pending request",
			slog.String("request_id", id))
		return
	}
	delete(r.requests, id)
}

func (r *pendingRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// worstProjectedBandwidth returns the lowest projected effective bandwidth
// (bits per second) among requests older than half their segment duration,
// and false when no request qualifies. The projection divides bytes seen
// so far by the time since request start.
func (r *pendingRegistry) worstProjectedBandwidth(now time.Time) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	worst := math.Inf(1)
	found := false
	for _, req := range r.requests {
		elapsed := now.Sub(req.info.RequestTimestamp).Seconds()
		if req.info.Duration <= 0 || elapsed < req.info.Duration/2 {
			continue
		}
		var bytes int64
		if last, ok := req.lastProgress(); ok {
			bytes = last.size
		}
		projected := float64(bytes) * 8 / elapsed
		if projected < worst {
			worst = projected
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return worst, true
}
