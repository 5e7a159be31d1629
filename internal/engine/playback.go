package engine

import (
	"context"
	"sync"

	"github.com/jmylchreest/mediabuf/internal/buffer"
	"github.com/jmylchreest/mediabuf/internal/clock"
	"github.com/jmylchreest/mediabuf/internal/fetch"
	"github.com/jmylchreest/mediabuf/internal/media"
	"github.com/jmylchreest/mediabuf/internal/ranges"
	"github.com/jmylchreest/mediabuf/internal/sink"
)

// Playback is one loaded source: the set of running schedulers plus the
// clock plumbing feeding them.
type Playback struct {
	manifest  *media.Manifest
	sourceURL string
	autoPlay  bool

	cancel   context.CancelFunc
	rawTicks chan clock.Tick
	events   chan buffer.Event

	schedulers map[media.Type]*buffer.Scheduler

	initialPosition float64

	stopOnce sync.Once
}

// newPlayback wires schedulers, choosers and the clock observer for the
// manifest's media types.
func newPlayback(ctx context.Context, s *Session, manifest *media.Manifest, pipeline fetch.Pipeline, mediaSink sink.Sink, lo LoadOptions) *Playback {
	pctx, cancel := context.WithCancel(ctx)

	pb := &Playback{
		manifest:        manifest,
		sourceURL:       lo.URL,
		autoPlay:        lo.AutoPlay,
		cancel:          cancel,
		rawTicks:        make(chan clock.Tick, 4),
		events:          make(chan buffer.Event, 64),
		schedulers:      make(map[media.Type]*buffer.Scheduler),
		initialPosition: StartPosition(manifest, lo.StartAt),
	}

	observer := clock.NewObserver(manifest, s.opts.SkipInitialSeek, s.logger)
	ticks, seekings := observer.Run(pctx, pb.rawTicks)
	// The synthetic seed exists for combine-latest style subscribers;
	// schedulers start on representation arrival, so consume it here.
	<-seekings

	locker := sink.NewLocker(mediaSink)

	var (
		tickSubs []chan clock.Tick
		seekSubs []chan clock.Tick
		wg       sync.WaitGroup
	)

	for _, t := range scheduledTypes(manifest) {
		adaptation := s.pickAdaptation(manifest, t)
		if adaptation == nil || len(adaptation.Representations) == 0 {
			continue
		}
		if t == media.TypeText && lo.HideNativeSubtitle {
			continue
		}

		chooser := s.abrMgr.Chooser(t)

		// Audio and video share the native sink and its lock; text and
		// image bytes go to their own renderer-side buffer.
		target := locker
		if t == media.TypeText || t == media.TypeImage {
			target = sink.NewLocker(sink.NewMemorySink(0, s.logger))
		}

		schedTicks := make(chan clock.Tick, 1)
		chooserTicks := make(chan clock.Tick, 1)
		seeks := make(chan clock.Tick, 1)
		tickSubs = append(tickSubs, schedTicks, chooserTicks)
		seekSubs = append(seekSubs, seeks)

		reps := chooser.Get(pctx, chooserTicks, adaptation.Representations)

		wantedAhead := s.opts.WantedBufferAhead
		if s.opts.MaxBufferAhead > 0 && wantedAhead > s.opts.MaxBufferAhead {
			wantedAhead = s.opts.MaxBufferAhead
		}

		sched := buffer.NewScheduler(buffer.Params{
			MediaType:           t,
			Adaptation:          adaptation,
			Sink:                target,
			Pipeline:            pipeline,
			Chooser:             chooser,
			WantedBufferAhead:   wantedAhead,
			MaxBufferBehind:     s.opts.MaxBufferBehind,
			PreconditionBackoff: s.opts.PreconditionBackoff,
			Logger:              s.logger,
		})
		pb.schedulers[t] = sched

		evs := sched.Run(pctx, schedTicks, reps, seeks)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range evs {
				select {
				case pb.events <- ev:
				case <-pctx.Done():
					return
				}
			}
		}()
	}

	go fanOut(pctx, ticks, tickSubs)
	go fanOut(pctx, seekings, seekSubs)

	go func() {
		wg.Wait()
		close(pb.events)
	}()

	return pb
}

// fanOut copies ticks to every subscriber, coalescing when a subscriber
// lags: the latest tick wins.
func fanOut(ctx context.Context, src <-chan clock.Tick, subs []chan clock.Tick) {
	defer func() {
		for _, sub := range subs {
			close(sub)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-src:
			if !ok {
				return
			}
			for _, sub := range subs {
				select {
				case sub <- t:
				default:
					select {
					case <-sub:
					default:
					}
					select {
					case sub <- t:
					default:
					}
				}
			}
		}
	}
}

// Tick pushes one raw clock observation into the playback.
func (p *Playback) Tick(t clock.Tick) {
	select {
	case p.rawTicks <- t:
	default:
		// Drop when saturated: ticks are level-triggered.
	}
}

// Events returns the merged scheduler event stream. It closes on
// disposal.
func (p *Playback) Events() <-chan buffer.Event {
	return p.events
}

// InitialPosition returns the resolved start position in seconds.
func (p *Playback) InitialPosition() float64 {
	return p.initialPosition
}

// AutoPlay reports whether playback should start immediately.
func (p *Playback) AutoPlay() bool {
	return p.autoPlay
}

// Manifest returns the session manifest arena.
func (p *Playback) Manifest() *media.Manifest {
	return p.manifest
}

// TypeStatus is a snapshot of one media type's buffer state.
type TypeStatus struct {
	Representation string         `json:"representation"`
	Bitrate        int            `json:"bitrate"`
	Queued         int            `json:"queued"`
	Ranges         []ranges.Range `json:"ranges"`
}

// Status snapshots every running scheduler.
func (p *Playback) Status() map[media.Type]TypeStatus {
	out := make(map[media.Type]TypeStatus, len(p.schedulers))
	for t, sched := range p.schedulers {
		st := TypeStatus{
			Queued: sched.QueuedCount(),
			Ranges: sched.Ranges().List(),
		}
		if rep := sched.CurrentRepresentation(); rep != nil {
			st.Representation = rep.ID
			st.Bitrate = rep.Bitrate
		}
		out[t] = st
	}
	return out
}

// Stop cancels the playback, releasing schedulers, listeners and
// in-flight fetches.
func (p *Playback) Stop() {
	p.stop()
}

func (p *Playback) stop() {
	p.stopOnce.Do(func() {
		p.cancel()
	})
}
