package abr

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/mediabuf/internal/clock"
	"github.com/jmylchreest/mediabuf/internal/media"
)

// DefaultStabilityWindow is the minimum interval between unforced
// representation up-switches.
const DefaultStabilityWindow = 2 * time.Second

// Unlimited disables a bitrate ceiling.
const Unlimited = -1

// Chooser selects a representation for one media type from throughput
// estimates, in-flight request projections and user-imposed ceilings.
// The chooser never fails: degenerate inputs select the lowest
// representation.
type Chooser struct {
	mediaType media.Type
	estimator *Estimator
	pending   *pendingRegistry

	mu              sync.Mutex
	manualBitrate   int // Unlimited = auto
	maxAutoBitrate  int // Unlimited = no ceiling
	limitWidth      int // 0 = no width limit
	throttleBitrate int // Unlimited = no throttle

	stabilityWindow time.Duration
	lastSelected    *media.Representation
	lastCandidate   *media.Representation
	lastSwitch      time.Time

	// kick wakes the selection loop when an input changed.
	kick chan struct{}

	now    func() time.Time
	logger *slog.Logger
}

// NewChooser creates a chooser for the given media type.
func NewChooser(mediaType media.Type, stabilityWindow time.Duration, logger *slog.Logger) *Chooser {
	if logger == nil {
		logger = slog.Default()
	}
	if stabilityWindow <= 0 {
		stabilityWindow = DefaultStabilityWindow
	}
	return &Chooser{
		mediaType:       mediaType,
		estimator:       NewEstimator(),
		pending:         newPendingRegistry(logger),
		manualBitrate:   Unlimited,
		maxAutoBitrate:  Unlimited,
		throttleBitrate: Unlimited,
		stabilityWindow: stabilityWindow,
		kick:            make(chan struct{}, 1),
		now:             time.Now,
		logger:          logger,
	}
}

// Estimator exposes the chooser's bandwidth estimator, mainly for seeding
// from the bandwidth store.
func (c *Chooser) Estimator() *Estimator { return c.estimator }

// AddEstimate feeds a completed transfer into the bandwidth estimator.
func (c *Chooser) AddEstimate(durationSec float64, sizeBytes int64) {
	c.estimator.AddSample(durationSec, sizeBytes)
	c.wake()
}

// AddPendingRequest registers an in-flight segment request.
func (c *Chooser) AddPendingRequest(id string, info PendingRequestInfo) {
	c.pending.add(id, info)
}

// AddRequestProgress records a progress event for an in-flight request.
// Out-of-order timestamps are dropped silently.
func (c *Chooser) AddRequestProgress(id string, sizeBytes int64, timestamp time.Time) {
	c.pending.addProgress(id, sizeBytes, timestamp)
	c.wake()
}

// RemovePendingRequest unregisters a request; unknown ids warn and
// continue.
func (c *Chooser) RemovePendingRequest(id string) {
	c.pending.remove(id)
}

// PendingCount returns the number of in-flight requests tracked.
func (c *Chooser) PendingCount() int { return c.pending.len() }

// SetManualBitrate forces (a ceiling on) the selection; Unlimited
// restores automatic mode.
func (c *Chooser) SetManualBitrate(bitrate int) {
	c.mu.Lock()
	c.manualBitrate = bitrate
	c.mu.Unlock()
	c.wake()
}

// SetMaxAutoBitrate caps automatic selection.
func (c *Chooser) SetMaxAutoBitrate(bitrate int) {
	c.mu.Lock()
	c.maxAutoBitrate = bitrate
	c.mu.Unlock()
	c.wake()
}

// SetLimitWidth restricts selection to representations not wider than the
// viewport; 0 removes the limit.
func (c *Chooser) SetLimitWidth(width int) {
	c.mu.Lock()
	c.limitWidth = width
	c.mu.Unlock()
	c.wake()
}

// SetThrottle caps the bitrate under external throttling (hidden page);
// Unlimited removes the throttle.
func (c *Chooser) SetThrottle(bitrate int) {
	c.mu.Lock()
	c.throttleBitrate = bitrate
	c.mu.Unlock()
	c.wake()
}

func (c *Chooser) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// candidate computes the representation the current inputs point at.
// Representations must be sorted by ascending bitrate; the caller
// guarantees a non-empty list.
func (c *Chooser) candidate(reps []*media.Representation) *media.Representation {
	c.mu.Lock()
	manual := c.manualBitrate
	maxAuto := c.maxAutoBitrate
	limitWidth := c.limitWidth
	throttle := c.throttleBitrate
	c.mu.Unlock()

	if manual >= 0 {
		return highestUnder(reps, float64(manual))
	}

	estimate, ok := c.estimator.Estimate()
	if !ok {
		return reps[0]
	}

	// Emergency down-switch: a request projected to finish slower than
	// the average pre-empts a stall.
	if worst, found := c.pending.worstProjectedBandwidth(c.now()); found && worst < estimate {
		estimate = worst
	}

	ceiling := estimate
	if maxAuto >= 0 {
		ceiling = math.Min(ceiling, float64(maxAuto))
	}
	if throttle >= 0 {
		ceiling = math.Min(ceiling, float64(throttle))
	}

	pool := reps
	if limitWidth > 0 {
		if filtered := widthLimited(reps, limitWidth); len(filtered) > 0 {
			pool = filtered
		} else {
			pool = reps[:1]
		}
	}
	return highestUnder(pool, ceiling)
}

// highestUnder returns the highest representation with bitrate <= ceiling,
// or the lowest one when none qualifies.
func highestUnder(reps []*media.Representation, ceiling float64) *media.Representation {
	chosen := reps[0]
	for _, r := range reps {
		if float64(r.Bitrate) <= ceiling {
			chosen = r
		}
	}
	return chosen
}

// widthLimited keeps representations no wider than width. Representations
// without width metadata pass the filter.
func widthLimited(reps []*media.Representation, width int) []*media.Representation {
	var out []*media.Representation
	for _, r := range reps {
		if r.Width == 0 || r.Width <= width {
			out = append(out, r)
		}
	}
	return out
}

// decide applies switch damping to a candidate: down-switches and first
// selections take effect immediately, up-switches only when the candidate
// repeated across two consecutive evaluations and the stability window
// elapsed since the last switch.
func (c *Chooser) decide(cand *media.Representation) (selected *media.Representation, switched bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevCandidate := c.lastCandidate
	c.lastCandidate = cand

	if c.lastSelected == nil || cand.Bitrate < c.lastSelected.Bitrate {
		if c.lastSelected == nil || cand.ID != c.lastSelected.ID {
			c.lastSelected = cand
			c.lastSwitch = c.now()
			return cand, true
		}
		return cand, false
	}
	if cand.ID == c.lastSelected.ID {
		return cand, false
	}
	if prevCandidate != nil && prevCandidate.ID == cand.ID &&
		c.now().Sub(c.lastSwitch) >= c.stabilityWindow {
		c.lastSelected = cand
		c.lastSwitch = c.now()
		return cand, true
	}
	return c.lastSelected, false
}

// Selected returns the current selection, or nil before the first
// evaluation.
func (c *Chooser) Selected() *media.Representation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSelected
}

// Get evaluates the selection on every clock tick and input change,
// emitting the chosen representation whenever it switches. The first
// emission fires immediately. The stream closes when ctx is done.
func (c *Chooser) Get(ctx context.Context, ticks <-chan clock.Tick, reps []*media.Representation) <-chan *media.Representation {
	out := make(chan *media.Representation, 1)

	sorted := make([]*media.Representation, len(reps))
	copy(sorted, reps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Bitrate < sorted[j].Bitrate })

	go func() {
		defer close(out)

		if len(sorted) == 0 {
			return
		}

		emit := func() {
			sel, switched := c.decide(c.candidate(sorted))
			if !switched {
				return
			}
			c.logger.Info("representation switch",
				slog.String("media_type", string(c.mediaType)),
				slog.String("representation", sel.ID),
				slog.Int("bitrate", sel.Bitrate))
			select {
			case out <- sel:
			case <-ctx.Done():
			}
		}

		emit()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ticks:
				if !ok {
					return
				}
				emit()
			case <-c.kick:
				emit()
			}
		}
	}()

	return out
}
