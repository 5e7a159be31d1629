// Package buffer implements the per-media-type segment scheduler: the
// control loop joining the playback clock, the chosen representation, the
// timeline index and the media sink into a serial segment pipeline.
package buffer

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmylchreest/mediabuf/internal/abr"
	"github.com/jmylchreest/mediabuf/internal/clock"
	"github.com/jmylchreest/mediabuf/internal/fetch"
	"github.com/jmylchreest/mediabuf/internal/index"
	"github.com/jmylchreest/mediabuf/internal/media"
	"github.com/jmylchreest/mediabuf/internal/ranges"
	"github.com/jmylchreest/mediabuf/internal/sink"
)

// Internal sentinels classifying inner-loop termination.
var (
	errRebuildPrecondition = errors.New("rebuild after precondition failure")
	errRebuildOutOfIndex   = errors.New("rebuild after out-of-index")
)

// Params configures a scheduler.
type Params struct {
	MediaType  media.Type
	Adaptation *media.Adaptation
	Sink       *sink.Locker
	Pipeline   fetch.Pipeline
	Chooser    *abr.Chooser

	// WantedBufferAhead is the target buffered duration ahead of the
	// playhead, in seconds.
	WantedBufferAhead float64
	// MaxBufferBehind bounds retained data behind the playhead;
	// non-positive disables the eviction.
	MaxBufferBehind float64
	// PreconditionBackoff overrides the 412 rebuild delay.
	PreconditionBackoff time.Duration

	Logger *slog.Logger
}

// Scheduler drives segment injection for one media type. One instance
// serves one adaptation; representation changes and seeks rebuild its
// inner loop.
type Scheduler struct {
	mediaType  media.Type
	adaptation *media.Adaptation
	sink       *sink.Locker
	pipeline   fetch.Pipeline
	chooser    *abr.Chooser

	mu          sync.Mutex
	wantedAhead float64
	maxBehind   float64
	queued      map[string]struct{}
	rangeMap    *ranges.BufferedRanges
	currentRep  *media.Representation

	backoff412 time.Duration
	logger     *slog.Logger
}

// NewScheduler creates a scheduler from params.
func NewScheduler(p Params) *Scheduler {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := p.PreconditionBackoff
	if backoff <= 0 {
		backoff = DefaultPreconditionBackoff
	}
	return &Scheduler{
		mediaType:   p.MediaType,
		adaptation:  p.Adaptation,
		sink:        p.Sink,
		pipeline:    p.Pipeline,
		chooser:     p.Chooser,
		wantedAhead: p.WantedBufferAhead,
		maxBehind:   p.MaxBufferBehind,
		queued:      make(map[string]struct{}),
		rangeMap:    ranges.New(),
		backoff412:  backoff,
		logger:      logger.With(slog.String("component", "scheduler"), slog.String("media_type", string(p.MediaType))),
	}
}

// SetWantedBufferAhead changes the target buffer size at runtime.
func (s *Scheduler) SetWantedBufferAhead(seconds float64) {
	s.mu.Lock()
	s.wantedAhead = seconds
	s.mu.Unlock()
}

// Ranges returns a copy of the scheduler's buffered range map.
func (s *Scheduler) Ranges() *ranges.BufferedRanges {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangeMap.Clone()
}

// QueuedCount returns the number of segment ids currently queued.
func (s *Scheduler) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}

// CurrentRepresentation returns the representation the inner loop serves.
func (s *Scheduler) CurrentRepresentation() *media.Representation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRep
}

// Run starts the outer loop. It consumes clock ticks, representation
// switches and seek notifications until ctx is done, emitting events on
// the returned channel. Representation changes and seeks tear down the
// inner loop, cancelling any in-flight fetch.
func (s *Scheduler) Run(ctx context.Context, ticks <-chan clock.Tick, reps <-chan *media.Representation, seeks <-chan clock.Tick) <-chan Event {
	events := make(chan Event, 16)
	go s.runOuter(ctx, ticks, reps, seeks, events)
	return events
}

func (s *Scheduler) runOuter(ctx context.Context, ticks <-chan clock.Tick, reps <-chan *media.Representation, seeks <-chan clock.Tick, events chan<- Event) {
	defer close(events)

	var rep *media.Representation

	// Wait for the initial representation selection.
	select {
	case <-ctx.Done():
		return
	case r, ok := <-reps:
		if !ok {
			return
		}
		rep = r
	}

	for {
		s.mu.Lock()
		s.currentRep = rep
		s.queued = make(map[string]struct{})
		s.mu.Unlock()

		innerCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- s.runInner(innerCtx, rep, ticks, events)
		}()

		rebuild := false
		for !rebuild {
			select {
			case <-ctx.Done():
				cancel()
				<-done
				return

			case newRep, ok := <-reps:
				if !ok {
					cancel()
					<-done
					return
				}
				if rep != nil && newRep.ID == rep.ID {
					continue
				}
				s.logger.Info("representation change, rebuilding",
					slog.String("representation", newRep.ID))
				cancel()
				<-done
				rep = newRep
				rebuild = true

			case _, ok := <-seeks:
				if !ok {
					seeks = nil
					continue
				}
				s.logger.Debug("seek, rebuilding")
				cancel()
				<-done
				rebuild = true

			case err := <-done:
				cancel()
				switch {
				case err == nil || errors.Is(err, context.Canceled):
					return
				case errors.Is(err, errRebuildPrecondition):
					if !s.sleep(ctx, s.backoff412) {
						return
					}
					rebuild = true
				case errors.Is(err, errRebuildOutOfIndex):
					// The consumer refreshes the manifest; the next
					// tick drives the rebuilt inner loop.
					rebuild = true
				default:
					s.logger.Error("scheduler terminated", slog.String("error", err.Error()))
					return
				}
			}
		}
	}
}

// sleep waits for d, returning false when ctx ended first.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// runInner processes clock ticks for one representation until an error or
// cancellation.
func (s *Scheduler) runInner(ctx context.Context, rep *media.Representation, ticks <-chan clock.Tick, events chan<- Event) error {
	first := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-ticks:
			if !ok {
				return nil
			}
			if err := s.processTick(ctx, rep, t, &first, events); err != nil {
				return err
			}
		}
	}
}

// processTick performs one injection cycle: resync with the sink, compute
// the injection window, fetch and append the missing segments serially.
func (s *Scheduler) processTick(ctx context.Context, rep *media.Representation, t clock.Tick, first *bool, events chan<- Event) error {
	s.resyncWithSink()

	if s.maxBehind > 0 {
		if err := s.evictBehind(ctx, t.CurrentTime); err != nil {
			return err
		}
	}

	up, to, ok := s.injectionWindow(rep, t)
	if !ok {
		return nil
	}

	segs, err := rep.Index.Segments(rep.ID, up, to)
	if err != nil {
		if errors.Is(err, index.ErrOutOfIndex) {
			s.emit(ctx, events, Event{Kind: EventOutOfIndex, MediaType: s.mediaType, Representation: rep, Err: err})
			return errRebuildOutOfIndex
		}
		return err
	}

	if *first {
		if init, okInit := rep.Index.InitSegment(rep.ID); okInit {
			segs = append([]media.SegmentRef{init}, segs...)
		}
		*first = false
	}

	for _, seg := range segs {
		if !s.shouldInject(rep, seg) {
			continue
		}
		s.markQueued(seg.ID)
		if err := s.loadSegment(ctx, rep, seg, events); err != nil {
			s.unqueue(seg.ID)
			return err
		}
	}
	return nil
}

// resyncWithSink intersects the internal range map with the sink's
// authoritative buffered ranges; the sink may have evicted under memory
// pressure without notice.
func (s *Scheduler) resyncWithSink() {
	sinkRanges := ranges.New()
	for _, iv := range s.sink.Buffered() {
		sinkRanges.Insert(0, iv.Start, iv.End)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rangeMap.Equals(sinkRanges) {
		s.rangeMap.Intersect(sinkRanges)
	}
}

// evictBehind reclaims data further behind the playhead than maxBehind.
func (s *Scheduler) evictBehind(ctx context.Context, currentTime float64) error {
	limit := currentTime - s.maxBehind

	s.mu.Lock()
	list := s.rangeMap.List()
	s.mu.Unlock()

	if len(list) == 0 || list[0].Start >= limit {
		return nil
	}
	if err := s.sink.Remove(ctx, list[0].Start, limit); err != nil {
		return err
	}
	s.resyncWithSink()
	return nil
}

// injectionWindow computes [up, to) for this tick, applying the per-type
// water marks and the equal-bitrate padding extension.
func (s *Scheduler) injectionWindow(rep *media.Representation, t clock.Tick) (up, to float64, ok bool) {
	s.mu.Lock()
	wantedAhead := s.wantedAhead
	currentRange, haveRange := s.rangeMap.Range(t.CurrentTime)
	s.mu.Unlock()

	endDiff := math.Inf(1)
	if t.Duration > 0 {
		endDiff = t.Duration - t.CurrentTime
	}
	wantedSize := math.Min(wantedAhead, math.Min(t.LiveGap, endDiff))
	if wantedSize <= 0 {
		return 0, 0, false
	}

	padding := 0.0
	if low := lowWaterMark(s.mediaType); !math.IsInf(t.BufferGap, 1) && t.BufferGap > low {
		padding = math.Min(t.BufferGap, highWaterMark(s.mediaType))
	}
	if haveRange && currentRange.Bitrate == rep.Bitrate {
		// Equal-quality data already buffered: skip to the end of it.
		padding = math.Max(padding, currentRange.End-t.CurrentTime)
	}

	up = t.CurrentTime + padding
	return up, up + wantedSize, true
}

// shouldInject applies the queued-id and rebuffering-ratio gates.
func (s *Scheduler) shouldInject(rep *media.Representation, seg media.SegmentRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, queued := s.queued[seg.ID]; queued {
		return false
	}
	// Init and metadata segments carry no time: they bypass the
	// redundancy gate.
	if !seg.HasTime() {
		return true
	}
	duration := seg.DurationSec()
	if math.IsInf(duration, 1) {
		duration = 0
	}
	if r, okRange := s.rangeMap.HasRange(seg.TimeSec(), duration); okRange {
		if float64(r.Bitrate) >= float64(rep.Bitrate)/BitrateRebufferingRatio {
			return false
		}
	}
	return true
}

func (s *Scheduler) markQueued(id string) {
	s.mu.Lock()
	s.queued[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) unqueue(id string) {
	s.mu.Lock()
	delete(s.queued, id)
	s.mu.Unlock()
}

// loadSegment runs one segment through fetch, parse and locked append.
func (s *Scheduler) loadSegment(ctx context.Context, rep *media.Representation, seg media.SegmentRef, events chan<- Event) error {
	reqID := uuid.NewString()
	started := time.Now()

	duration := seg.DurationSec()
	if math.IsInf(duration, 1) {
		duration = 0
	}
	s.chooser.AddPendingRequest(reqID, abr.PendingRequestInfo{
		Time:             seg.TimeSec(),
		Duration:         duration,
		RequestTimestamp: started,
	})

	parsed, err := s.pipeline.Fetch(ctx, fetch.Request{
		Adaptation:     s.adaptation,
		Representation: rep,
		Segment:        seg,
	}, func(size int64, ts time.Time) {
		s.chooser.AddRequestProgress(reqID, size, ts)
	})

	// The request-end event reaches the chooser even for cancelled and
	// failed fetches so its registry never leaks.
	s.chooser.RemovePendingRequest(reqID)

	if err != nil {
		var precondition *fetch.PreconditionError
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return context.Canceled
		case errors.As(err, &precondition):
			s.emit(ctx, events, Event{Kind: EventPreconditionFailed, MediaType: s.mediaType, Representation: rep, Segment: seg, Err: err})
			return errRebuildPrecondition
		default:
			s.emit(ctx, events, Event{Kind: EventError, MediaType: s.mediaType, Representation: rep, Segment: seg, Err: err})
			return err
		}
	}

	s.chooser.AddEstimate(time.Since(started).Seconds(), int64(len(parsed.Blob)))

	if err := s.appendParsed(ctx, rep, seg, parsed); err != nil {
		s.emit(ctx, events, Event{Kind: EventError, MediaType: s.mediaType, Representation: rep, Segment: seg, Err: err})
		return err
	}

	s.unqueue(seg.ID)
	s.recordAppended(rep, seg, parsed)

	s.emit(ctx, events, Event{
		Kind:           EventLoaded,
		MediaType:      s.mediaType,
		Representation: rep,
		Segment:        seg,
		AddedSegments:  parsed.NextSegments,
	})
	return nil
}

// appendParsed performs the locked append with quota recovery: on
// QuotaExceeded the garbage collector runs once and the append is retried
// exactly once.
func (s *Scheduler) appendParsed(ctx context.Context, rep *media.Representation, seg media.SegmentRef, parsed *fetch.Parsed) error {
	blob := s.blobFor(seg, parsed)

	err := s.sink.Append(ctx, blob)
	if err == nil {
		return nil
	}
	if !sink.IsQuotaExceeded(err) {
		return err
	}

	s.logger.Warn("sink quota exceeded, collecting garbage",
		slog.String("segment", seg.ID))
	if gcErr := s.collectGarbage(ctx, blob.Start); gcErr != nil {
		return gcErr
	}
	return s.sink.Append(ctx, blob)
}

// blobFor assembles the sink blob, preferring parsed timing over the
// index's projection.
func (s *Scheduler) blobFor(seg media.SegmentRef, parsed *fetch.Parsed) sink.Blob {
	blob := sink.Blob{
		MediaType: s.mediaType,
		Data:      parsed.Blob,
		IsInit:    seg.IsInit,
	}
	if seg.IsInit {
		return blob
	}
	if cs := parsed.CurrentSegment; cs != nil && cs.Timescale > 0 {
		blob.Start = float64(cs.Time) / float64(cs.Timescale)
		blob.End = blob.Start + float64(cs.Duration)/float64(cs.Timescale)
		return blob
	}
	blob.Start = seg.TimeSec()
	blob.End = seg.EndSec()
	return blob
}

// recordAppended updates the range map and timeline after a successful
// append.
func (s *Scheduler) recordAppended(rep *media.Representation, seg media.SegmentRef, parsed *fetch.Parsed) {
	if !seg.IsInit {
		blob := s.blobFor(seg, parsed)
		if !math.IsInf(blob.End, 1) && blob.End > blob.Start {
			s.mu.Lock()
			s.rangeMap.Insert(rep.Bitrate, blob.Start, blob.End)
			s.mu.Unlock()
		}
	}
	if len(parsed.NextSegments) > 0 {
		rep.Index.AddSegmentInfos(parsed.NextSegments, parsed.CurrentSegment)
	}
}

func (s *Scheduler) emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
