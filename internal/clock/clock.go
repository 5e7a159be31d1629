// Package clock models the playback timing stream: raw time ticks
// augmented with live gap and derived playback state, plus the seek
// observer feeding scheduler rebuilds.
package clock

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/jmylchreest/mediabuf/internal/media"
)

// State describes the playback state carried by a tick.
type State string

// Playback states.
const (
	StateLoading State = "loading"
	StateLoaded  State = "loaded"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateSeeking State = "seeking"
	StateStalled State = "stalled"
	StateEnded   State = "ended"
)

const (
	// stallGap is the buffer gap under which a playing stream is
	// considered stalled.
	stallGap = 0.5

	// impossibleGap flags a negative buffer gap that well-formed input
	// cannot produce; accepted defensively as "unbuffered".
	impossibleGap = -2.0
)

// Tick is one observation of the playback clock.
type Tick struct {
	CurrentTime float64
	// BufferGap is the buffered time ahead of the playhead, +Inf when no
	// range covers it.
	BufferGap float64
	// LiveGap is the distance to the live edge, +Inf for on-demand.
	LiveGap float64
	// Duration is the presentation duration in seconds, 0 when unknown.
	Duration   float64
	ReadyState int
	State      State
	Timestamp  time.Time
}

// Observer augments raw ticks with the live gap and derives the seekings
// stream.
type Observer struct {
	manifest *media.Manifest
	// skipInitialSeek swallows the first qualifying seeking tick, which
	// corresponds to the initial programmatic seek at load time.
	skipInitialSeek bool
	logger          *slog.Logger
}

// NewObserver creates a clock observer for the given manifest.
func NewObserver(manifest *media.Manifest, skipInitialSeek bool, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		manifest:        manifest,
		skipInitialSeek: skipInitialSeek,
		logger:          logger,
	}
}

// Augment fills in derived tick fields: live gap, duration and the
// stalled state.
func (o *Observer) Augment(t Tick) Tick {
	if o.manifest != nil && o.manifest.Live {
		t.LiveGap = o.manifest.MaxBufferPosition() - t.CurrentTime
	} else {
		t.LiveGap = math.Inf(1)
	}
	if t.Duration == 0 && o.manifest != nil {
		t.Duration = o.manifest.Duration
	}
	if t.State == StatePlaying && !math.IsInf(t.BufferGap, 1) && t.BufferGap <= stallGap {
		t.State = StateStalled
	}
	return t
}

// isSeekTick reports whether the tick is a real seek into unbuffered
// territory.
func isSeekTick(t Tick) bool {
	return t.State == StateSeeking &&
		(math.IsInf(t.BufferGap, 1) || t.BufferGap < impossibleGap)
}

// Run consumes raw ticks until ctx is done and returns the augmented tick
// stream plus the seekings stream. The seekings stream starts with one
// synthetic emission to seed downstream subscribers; after that, the first
// qualifying seek is skipped when skipInitialSeek is set.
func (o *Observer) Run(ctx context.Context, raw <-chan Tick) (<-chan Tick, <-chan Tick) {
	ticks := make(chan Tick, 1)
	seekings := make(chan Tick, 1)

	// Synthetic seed so subscribers start their first cycle immediately.
	seekings <- Tick{Timestamp: time.Now()}

	go func() {
		defer close(ticks)
		defer close(seekings)

		skippedInitial := !o.skipInitialSeek
		for {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-raw:
				if !ok {
					return
				}
				t = o.Augment(t)

				select {
				case ticks <- t:
				case <-ctx.Done():
					return
				}

				if isSeekTick(t) {
					if !skippedInitial {
						skippedInitial = true
						o.logger.Debug("skipping initial seek tick",
							slog.Float64("current_time", t.CurrentTime))
						continue
					}
					select {
					case seekings <- t:
					default:
						// A pending seek not yet consumed is enough;
						// coalesce bursts.
					}
				}
			}
		}
	}()

	return ticks, seekings
}
