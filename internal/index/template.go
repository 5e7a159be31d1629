package index

import (
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/jmylchreest/mediabuf/internal/media"
)

// OpenEnded marks a timeline entry whose duration is not known yet; it
// extends until the next timeline update.
const OpenEnded int64 = -1

// Entry is one run-length encoded timeline element: Repeat+1 consecutive
// segments of Duration ticks starting at Start.
type Entry struct {
	Start    int64 // ticks
	Duration int64 // ticks, OpenEnded for the live edge
	Repeat   int64 // extra repetitions; <0 means "until next entry"
}

// end returns the entry's end tick. An open-ended or until-next entry
// collapses to its start.
func (e Entry) end() int64 {
	if e.Duration == OpenEnded || e.Repeat < 0 {
		return e.Start
	}
	return e.Start + (e.Repeat+1)*e.Duration
}

// TemplateConfig configures a template timeline index.
type TemplateConfig struct {
	Timescale int64
	// Media is the segment URL template ($RepresentationID$, $Number$,
	// $Time$).
	Media string
	// Init is the init segment URL template; empty means no init segment.
	Init                   string
	StartNumber            int64
	PresentationTimeOffset int64
	Logger                 *slog.Logger
}

// TemplateIndex is a template-with-timeline segment index. Timeline entries
// are strictly increasing in start tick; at most one entry is open-ended
// and it is always the last.
type TemplateIndex struct {
	mu  sync.Mutex
	cfg TemplateConfig

	timeline []Entry
	// maxDuration is the largest segment duration seen, in ticks. Gates
	// emission of the open-ended live-edge reference.
	maxDuration int64

	logger *slog.Logger
}

var _ media.SegmentIndex = (*TemplateIndex)(nil)

// NewTemplateIndex builds an index from raw timeline entries. Entries with
// a negative repeat count followed by a successor are normalized to an
// explicit count; a trailing negative repeat is kept and bounded by the
// request window at query time.
func NewTemplateIndex(cfg TemplateConfig, entries []Entry) *TemplateIndex {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timescale <= 0 {
		cfg.Timescale = 1
	}

	idx := &TemplateIndex{cfg: cfg, logger: logger}
	for _, e := range entries {
		idx.push(e)
	}
	return idx
}

// push appends an entry, normalizing the previous entry's negative repeat
// count now that its successor is known.
func (x *TemplateIndex) push(e Entry) {
	if n := len(x.timeline); n > 0 {
		prev := &x.timeline[n-1]
		if prev.Repeat < 0 && prev.Duration > 0 {
			count := int64(math.Ceil(float64(e.Start-prev.Start)/float64(prev.Duration))) - 1
			if count < 0 {
				count = 0
			}
			prev.Repeat = count
		}
		if e.Start <= prev.Start {
			x.logger.Warn("dropping non-increasing timeline entry",
				slog.Int64("start", e.Start),
				slog.Int64("previous", prev.Start))
			return
		}
	}
	if e.Duration > x.maxDuration {
		x.maxDuration = e.Duration
	}
	x.timeline = append(x.timeline, e)
}

// toTicks converts presentation seconds to index ticks.
func (x *TemplateIndex) toTicks(sec float64) int64 {
	return int64(math.Round(sec*float64(x.cfg.Timescale))) - x.cfg.PresentationTimeOffset
}

// floorEntry returns the position of the greatest entry with Start <= tick.
func floorEntry(timeline []Entry, tick int64) int {
	i := sort.Search(len(timeline), func(i int) bool { return timeline[i].Start > tick })
	return i - 1
}

// repeatCount resolves the effective repeat count of the entry at position
// i. Unbounded trailing entries return math.MaxInt64; callers bound by the
// request window.
func repeatCount(timeline []Entry, i int) int64 {
	e := timeline[i]
	if e.Repeat >= 0 {
		return e.Repeat
	}
	if i+1 < len(timeline) && e.Duration > 0 {
		count := int64(math.Ceil(float64(timeline[i+1].Start-e.Start)/float64(e.Duration))) - 1
		if count < 0 {
			return 0
		}
		return count
	}
	return math.MaxInt64
}

// numberBase returns the count of segments contained in timeline entries
// before position i.
func numberBase(timeline []Entry, i int) int64 {
	var n int64
	for j := 0; j < i; j++ {
		n += repeatCount(timeline, j) + 1
	}
	return n
}

// Segments returns the references overlapping [upSec, toSec).
func (x *TemplateIndex) Segments(repID string, upSec, toSec float64) ([]media.SegmentRef, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(x.timeline) == 0 {
		return nil, nil
	}

	up := x.toTicks(upSec)
	to := x.toTicks(toSec)

	if up < x.timeline[0].Start {
		return nil, ErrOutOfIndex
	}

	start := floorEntry(x.timeline, up)
	if start < 0 {
		return nil, ErrOutOfIndex
	}

	startNumber := x.cfg.StartNumber
	if startNumber < 0 {
		startNumber = 0
	}

	var refs []media.SegmentRef
	for i := start; i < len(x.timeline); i++ {
		e := x.timeline[i]
		if e.Start >= to {
			break
		}

		if e.Duration == OpenEnded {
			// Live edge: emit only once the segment has had time to
			// fully materialize upstream.
			if e.Start+x.maxDuration < to {
				refs = append(refs, x.ref(repID, e.Start, OpenEnded, startNumber+numberBase(x.timeline, i)))
			}
			break
		}
		if e.Duration <= 0 {
			continue
		}

		repeat := repeatCount(x.timeline, i)
		k := int64(0)
		if e.Start < up {
			k = (up - e.Start) / e.Duration
		}
		base := numberBase(x.timeline, i)
		for ; k <= repeat; k++ {
			ts := e.Start + k*e.Duration
			if ts >= to {
				break
			}
			refs = append(refs, x.ref(repID, ts, e.Duration, startNumber+base+k))
		}
	}
	return refs, nil
}

func (x *TemplateIndex) ref(repID string, ts, d, number int64) media.SegmentRef {
	return media.SegmentRef{
		ID:        segmentID(repID, ts),
		Time:      ts,
		Duration:  d,
		Number:    number,
		Timescale: x.cfg.Timescale,
		Media:     fillTemplate(x.cfg.Media, repID, number, ts+x.cfg.PresentationTimeOffset),
	}
}

// InitSegment returns the representation's init segment reference.
func (x *TemplateIndex) InitSegment(repID string) (media.SegmentRef, bool) {
	if x.cfg.Init == "" {
		return media.SegmentRef{}, false
	}
	return media.SegmentRef{
		ID:        initSegmentID(repID),
		IsInit:    true,
		Timescale: x.cfg.Timescale,
		Media:     fillTemplate(x.cfg.Init, repID, 0, 0),
	}, true
}

// ShouldRefresh reports whether the timeline does not extend to toSec. An
// open-ended last entry counts for nothing: its real extent is unknown
// until the next update.
func (x *TemplateIndex) ShouldRefresh(timeSec, upSec, toSec float64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(x.timeline) == 0 {
		return true
	}
	last := x.timeline[len(x.timeline)-1]
	return x.toTicks(toSec) > last.end()
}

// FirstPosition returns the earliest indexed position in seconds.
func (x *TemplateIndex) FirstPosition() float64 {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(x.timeline) == 0 {
		return 0
	}
	return float64(x.timeline[0].Start) / float64(x.cfg.Timescale)
}

// LastPosition returns the latest indexed position in seconds.
func (x *TemplateIndex) LastPosition() float64 {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(x.timeline) == 0 {
		return 0
	}
	return float64(x.timeline[len(x.timeline)-1].end()) / float64(x.cfg.Timescale)
}

// CheckDiscontinuity returns the start (seconds) of the next entry when
// timeSec falls within the last tick of the current entry and the next
// entry does not start flush with the current one's end. Returns -1 when
// there is no discontinuity to jump.
func (x *TemplateIndex) CheckDiscontinuity(timeSec float64) float64 {
	if timeSec <= 0 {
		return -1
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	tick := x.toTicks(timeSec)
	i := floorEntry(x.timeline, tick)
	if i < 0 || i+1 >= len(x.timeline) {
		return -1
	}
	e := x.timeline[i]
	if e.Duration <= 0 {
		return -1
	}

	repeat := repeatCount(x.timeline, i)
	lastTickStart := e.Start + repeat*e.Duration
	if tick < lastTickStart {
		return -1
	}

	next := x.timeline[i+1]
	if next.Start == e.Start+(repeat+1)*e.Duration {
		return -1
	}
	return float64(next.Start) / float64(x.cfg.Timescale)
}

// AddSegmentInfos folds parsed segment timing into the timeline. Two
// modes exist: duration deduction (the parsed data describes the segment
// we just fetched, closing the open-ended live edge) and plain append.
// Returns true when the timeline changed.
func (x *TemplateIndex) AddSegmentInfos(next []media.SegmentInfo, current *media.SegmentInfo) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	changed := false
	for _, seg := range next {
		if x.addOne(seg.Rescale(x.cfg.Timescale), current) {
			changed = true
		}
	}
	return changed
}

func (x *TemplateIndex) addOne(seg media.SegmentInfo, current *media.SegmentInfo) bool {
	if len(x.timeline) == 0 {
		x.push(Entry{Start: seg.Time, Duration: seg.Duration, Repeat: 0})
		return true
	}

	last := &x.timeline[len(x.timeline)-1]
	lastEnd := last.end()

	if current != nil {
		cur := current.Rescale(x.cfg.Timescale)
		tsDiff := seg.Time - cur.Time
		switch {
		case tsDiff == 0:
			x.logger.Debug("segment info describes current segment",
				slog.Int64("time", seg.Time))
			return x.deductDuration(seg, cur)
		case tsDiff < 0:
			x.logger.Debug("segment info behind current segment",
				slog.Int64("time", seg.Time),
				slog.Int64("current", cur.Time))
		}
	}

	// Plain append past the known end of the timeline.
	if seg.Time < lastEnd {
		x.logger.Debug("segment info already covered by timeline",
			slog.Int64("time", seg.Time),
			slog.Int64("timeline_end", lastEnd))
		return false
	}
	if last.Duration == seg.Duration && last.Repeat >= 0 && seg.Time == lastEnd {
		last.Repeat++
		if seg.Duration > x.maxDuration {
			x.maxDuration = seg.Duration
		}
	} else {
		x.push(Entry{Start: seg.Time, Duration: seg.Duration, Repeat: 0})
	}
	return true
}

// deductDuration interprets seg.Duration as the real duration of the
// current (open-ended) segment and advances the live edge past it.
func (x *TemplateIndex) deductDuration(seg, cur media.SegmentInfo) bool {
	deducedStart := cur.Time + seg.Duration

	last := &x.timeline[len(x.timeline)-1]
	if deducedStart <= last.end() {
		return false
	}

	if n := len(x.timeline); n >= 2 {
		prev := &x.timeline[n-2]
		if prev.Duration == seg.Duration && prev.Repeat >= 0 && prev.end() == cur.Time {
			// The closed segment continues the previous run: extend it
			// and drop the open-ended placeholder.
			prev.Repeat++
			x.timeline = x.timeline[:n-1]
			x.appendOpenEnded(deducedStart, seg.Duration)
			return true
		}
	}

	last.Duration = seg.Duration
	last.Repeat = 0
	x.appendOpenEnded(deducedStart, seg.Duration)
	return true
}

func (x *TemplateIndex) appendOpenEnded(start, lastDuration int64) {
	if lastDuration > x.maxDuration {
		x.maxDuration = lastDuration
	}
	x.timeline = append(x.timeline, Entry{Start: start, Duration: OpenEnded, Repeat: 0})
}

// Timeline returns a copy of the current entries. Intended for tests and
// status introspection.
func (x *TemplateIndex) Timeline() []Entry {
	x.mu.Lock()
	defer x.mu.Unlock()

	out := make([]Entry, len(x.timeline))
	copy(out, x.timeline)
	return out
}
