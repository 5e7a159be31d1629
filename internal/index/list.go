package index

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/jmylchreest/mediabuf/internal/media"
)

// ListIndex is an explicitly enumerated segment index, as produced by HLS
// media playlists. References are kept sorted by start tick.
type ListIndex struct {
	mu sync.Mutex

	timescale int64
	refs      []media.SegmentRef
	init      *media.SegmentRef
	// live marks a list that is still growing; ShouldRefresh answers true
	// for windows past its end.
	live bool

	logger *slog.Logger
}

var _ media.SegmentIndex = (*ListIndex)(nil)

// NewListIndex builds a list index from enumerated references.
func NewListIndex(timescale int64, refs []media.SegmentRef, init *media.SegmentRef, live bool, logger *slog.Logger) *ListIndex {
	if logger == nil {
		logger = slog.Default()
	}
	if timescale <= 0 {
		timescale = 1
	}
	sorted := make([]media.SegmentRef, len(refs))
	copy(sorted, refs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	return &ListIndex{
		timescale: timescale,
		refs:      sorted,
		init:      init,
		live:      live,
		logger:    logger,
	}
}

// Segments returns the references overlapping [upSec, toSec).
func (x *ListIndex) Segments(repID string, upSec, toSec float64) ([]media.SegmentRef, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(x.refs) == 0 {
		return nil, nil
	}
	if upSec < x.refs[0].TimeSec() {
		return nil, ErrOutOfIndex
	}

	var out []media.SegmentRef
	for _, r := range x.refs {
		if r.TimeSec() >= toSec {
			break
		}
		if r.EndSec() <= upSec {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// InitSegment returns the init segment reference when the list has one.
func (x *ListIndex) InitSegment(repID string) (media.SegmentRef, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.init == nil {
		return media.SegmentRef{}, false
	}
	return *x.init, true
}

// ShouldRefresh reports whether the enumerated list stops short of toSec.
// Completed (on-demand) lists never refresh.
func (x *ListIndex) ShouldRefresh(timeSec, upSec, toSec float64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.live {
		return false
	}
	if len(x.refs) == 0 {
		return true
	}
	return toSec > x.refs[len(x.refs)-1].EndSec()
}

// FirstPosition returns the earliest enumerated position in seconds.
func (x *ListIndex) FirstPosition() float64 {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(x.refs) == 0 {
		return 0
	}
	return x.refs[0].TimeSec()
}

// LastPosition returns the latest enumerated position in seconds.
func (x *ListIndex) LastPosition() float64 {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(x.refs) == 0 {
		return 0
	}
	last := x.refs[len(x.refs)-1]
	if last.Duration == media.UnknownDuration {
		return last.TimeSec()
	}
	return last.EndSec()
}

// CheckDiscontinuity returns the start of the next reference when timeSec
// lies inside a reference followed by a gap, or -1 otherwise (including
// when timeSec lies inside the gap itself).
func (x *ListIndex) CheckDiscontinuity(timeSec float64) float64 {
	if timeSec <= 0 {
		return -1
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	i := sort.Search(len(x.refs), func(i int) bool { return x.refs[i].TimeSec() > timeSec })
	if i == 0 || i >= len(x.refs) {
		return -1
	}
	cur := x.refs[i-1]
	next := x.refs[i]
	if cur.Duration == media.UnknownDuration {
		return -1
	}
	if timeSec < cur.EndSec() && next.TimeSec() > cur.EndSec() {
		return next.TimeSec()
	}
	return -1
}

// AddSegmentInfos is a no-op for list indexes: enumerated lists carry
// concrete URLs that cannot be derived from timing alone, so growth
// happens through playlist re-ingestion instead.
func (x *ListIndex) AddSegmentInfos(next []media.SegmentInfo, current *media.SegmentInfo) bool {
	if len(next) > 0 {
		x.logger.Debug("ignoring segment infos on list index",
			slog.Int("count", len(next)))
	}
	return false
}

// Replace swaps the enumerated references for a freshly ingested list.
// Used by live playlist refresh.
func (x *ListIndex) Replace(refs []media.SegmentRef, live bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	sorted := make([]media.SegmentRef, len(refs))
	copy(sorted, refs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })
	x.refs = sorted
	x.live = live
}
