package buffer

import (
	"context"
	"log/slog"

	"github.com/jmylchreest/mediabuf/internal/ranges"
	"github.com/jmylchreest/mediabuf/internal/sink"
)

// collectGarbage reclaims buffered data far from the playhead after the
// sink signalled quota exhaustion. The calm pass preserves a generous
// symmetric window around ts (supporting short back-seeks); when it frees
// nothing, the beefy pass shrinks the window.
func (s *Scheduler) collectGarbage(ctx context.Context, ts float64) error {
	reclaimed, err := s.gcPass(ctx, ts, GCGapCalm)
	if err != nil {
		return err
	}
	if !reclaimed {
		if _, err := s.gcPass(ctx, ts, GCGapBeefy); err != nil {
			return err
		}
	}
	s.resyncWithSink()
	return nil
}

// gcPass issues locked removes for every span outside [ts-gap, ts+gap].
// Returns whether anything was reclaimed.
func (s *Scheduler) gcPass(ctx context.Context, ts, gap float64) (bool, error) {
	spans := s.reclaimableSpans(ts, gap)
	for _, span := range spans {
		s.logger.Debug("gc removing range",
			slog.Float64("start", span.Start),
			slog.Float64("end", span.End),
			slog.Float64("gap", gap))
		if err := s.sink.Remove(ctx, span.Start, span.End); err != nil {
			return len(spans) > 0, err
		}
	}
	return len(spans) > 0, nil
}

// reclaimableSpans marks whole outer ranges entirely outside the window,
// plus the far pieces of the inner range containing ts.
func (s *Scheduler) reclaimableSpans(ts, gap float64) []sink.Interval {
	s.mu.Lock()
	outer := s.rangeMap.OuterRanges(ts)
	inner, haveInner := s.rangeMap.Range(ts)
	s.mu.Unlock()

	var spans []sink.Interval
	for _, r := range outer {
		if r.End <= ts-gap || r.Start >= ts+gap {
			spans = append(spans, sink.Interval{Start: r.Start, End: r.End})
		}
	}
	if haveInner {
		spans = append(spans, innerTrims(inner, ts, gap)...)
	}
	return spans
}

// innerTrims returns the [innerStart, ts-gap] and [ts+gap, innerEnd]
// pieces when non-empty.
func innerTrims(inner ranges.Range, ts, gap float64) []sink.Interval {
	var out []sink.Interval
	if ts-gap > inner.Start {
		out = append(out, sink.Interval{Start: inner.Start, End: ts - gap})
	}
	if ts+gap < inner.End {
		out = append(out, sink.Interval{Start: ts + gap, End: inner.End})
	}
	return out
}
