package index

import (
	"testing"

	"github.com/jmylchreest/mediabuf/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T, entries []Entry) *TemplateIndex {
	t.Helper()
	return NewTemplateIndex(TemplateConfig{
		Timescale:   10,
		Media:       "seg-$RepresentationID$-$Time$.m4s",
		Init:        "init-$RepresentationID$.mp4",
		StartNumber: 1,
	}, entries)
}

func TestTemplateIndex_SegmentsBasicWindow(t *testing.T) {
	// Four 4s segments starting at t=0 (timescale 10).
	idx := newTestIndex(t, []Entry{{Start: 0, Duration: 40, Repeat: 3}})

	refs, err := idx.Segments("video1", 0, 8)
	require.NoError(t, err)
	require.Len(t, refs, 2)

	assert.Equal(t, int64(0), refs[0].Time)
	assert.Equal(t, int64(40), refs[1].Time)
	assert.Equal(t, int64(1), refs[0].Number)
	assert.Equal(t, int64(2), refs[1].Number)
	assert.Equal(t, "seg-video1-0.m4s", refs[0].Media)
	assert.Equal(t, "seg-video1-40.m4s", refs[1].Media)
}

func TestTemplateIndex_SegmentsStartMidEntry(t *testing.T) {
	idx := newTestIndex(t, []Entry{{Start: 0, Duration: 40, Repeat: 9}})

	refs, err := idx.Segments("v", 10, 20)
	require.NoError(t, err)
	// 10s..20s with 4s segments: overlapping refs start at 8s and 12s,
	// and 16s starts before the 20s bound.
	require.Len(t, refs, 3)
	assert.Equal(t, int64(80), refs[0].Time)
	assert.Equal(t, int64(160), refs[2].Time)
}

func TestTemplateIndex_SegmentsSortedUniqueIDs(t *testing.T) {
	idx := newTestIndex(t, []Entry{
		{Start: 0, Duration: 40, Repeat: 2},
		{Start: 120, Duration: 60, Repeat: 1},
	})

	refs, err := idx.Segments("v", 0, 24)
	require.NoError(t, err)
	require.NotEmpty(t, refs)

	seen := map[string]bool{}
	for i, r := range refs {
		assert.False(t, seen[r.ID], "duplicate id %s", r.ID)
		seen[r.ID] = true
		if i > 0 {
			assert.Greater(t, r.Time, refs[i-1].Time)
		}
	}
}

func TestTemplateIndex_SegmentsBeforeTimelineIsOutOfIndex(t *testing.T) {
	idx := newTestIndex(t, []Entry{{Start: 100, Duration: 40, Repeat: 3}})

	_, err := idx.Segments("v", 0, 5)
	assert.ErrorIs(t, err, ErrOutOfIndex)
}

func TestTemplateIndex_NegativeRepeatNormalizedAtInsertion(t *testing.T) {
	idx := newTestIndex(t, []Entry{
		{Start: 0, Duration: 40, Repeat: -1},
		{Start: 200, Duration: 40, Repeat: 0},
	})

	tl := idx.Timeline()
	require.Len(t, tl, 2)
	// ceil(200/40)-1 = 4: five 4s segments fill [0, 200).
	assert.Equal(t, int64(4), tl[0].Repeat)

	refs, err := idx.Segments("v", 0, 24)
	require.NoError(t, err)
	assert.Len(t, refs, 6)
}

func TestTemplateIndex_OpenEndedEmission(t *testing.T) {
	idx := newTestIndex(t, []Entry{
		{Start: 0, Duration: 40, Repeat: 1},
		{Start: 80, Duration: OpenEnded, Repeat: 0},
	})

	// maxDuration is 40 ticks: the open-ended ref at 80 is only emitted
	// once the window extends past 120.
	refs, err := idx.Segments("v", 8, 12)
	require.NoError(t, err)
	require.Len(t, refs, 0)

	refs, err = idx.Segments("v", 8, 13)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, int64(80), refs[0].Time)
	assert.Equal(t, media.UnknownDuration, refs[0].Duration)
}

func TestTemplateIndex_ShouldRefresh(t *testing.T) {
	idx := newTestIndex(t, []Entry{
		{Start: 0, Duration: 40, Repeat: 1},
		{Start: 80, Duration: OpenEnded, Repeat: 0},
	})

	// Open-ended last entry collapses to zero duration: known end is 8s.
	assert.False(t, idx.ShouldRefresh(0, 0, 8))
	assert.True(t, idx.ShouldRefresh(0, 0, 12))
}

func TestTemplateIndex_Positions(t *testing.T) {
	idx := newTestIndex(t, []Entry{{Start: 20, Duration: 40, Repeat: 2}})

	assert.InDelta(t, 2.0, idx.FirstPosition(), 1e-9)
	assert.InDelta(t, 14.0, idx.LastPosition(), 1e-9)
}

func TestTemplateIndex_CheckDiscontinuity(t *testing.T) {
	idx := newTestIndex(t, []Entry{
		{Start: 0, Duration: 40, Repeat: 1}, // covers [0, 80)
		{Start: 120, Duration: 40, Repeat: 0},
	})

	assert.Equal(t, -1.0, idx.CheckDiscontinuity(0))
	assert.Equal(t, -1.0, idx.CheckDiscontinuity(-3))
	// Inside the first tick of the first entry: no discontinuity yet.
	assert.Equal(t, -1.0, idx.CheckDiscontinuity(0.5))
	// Inside the last tick (4s..8s) and the next entry starts at 12s != 8s.
	assert.InDelta(t, 12.0, idx.CheckDiscontinuity(5), 1e-9)
}

func TestTemplateIndex_CheckDiscontinuityContiguous(t *testing.T) {
	idx := newTestIndex(t, []Entry{
		{Start: 0, Duration: 40, Repeat: 1},
		{Start: 80, Duration: 40, Repeat: 0},
	})

	assert.Equal(t, -1.0, idx.CheckDiscontinuity(5))
}

func TestTemplateIndex_AddSegmentInfosDeduction(t *testing.T) {
	idx := newTestIndex(t, []Entry{{Start: 100, Duration: OpenEnded, Repeat: 0}})

	changed := idx.AddSegmentInfos(
		[]media.SegmentInfo{{Time: 100, Duration: 4, Timescale: 10}},
		&media.SegmentInfo{Time: 100, Timescale: 10},
	)
	require.True(t, changed)

	tl := idx.Timeline()
	require.Len(t, tl, 2)
	assert.Equal(t, Entry{Start: 100, Duration: 4, Repeat: 0}, tl[0])
	assert.Equal(t, Entry{Start: 104, Duration: OpenEnded, Repeat: 0}, tl[1])

	// Idempotent: the same infos leave the timeline unchanged.
	changed = idx.AddSegmentInfos(
		[]media.SegmentInfo{{Time: 100, Duration: 4, Timescale: 10}},
		&media.SegmentInfo{Time: 100, Timescale: 10},
	)
	assert.False(t, changed)
	assert.Equal(t, tl, idx.Timeline())
}

func TestTemplateIndex_AddSegmentInfosDeductionMergesRun(t *testing.T) {
	idx := newTestIndex(t, []Entry{
		{Start: 96, Duration: 4, Repeat: 0},
		{Start: 100, Duration: OpenEnded, Repeat: 0},
	})

	changed := idx.AddSegmentInfos(
		[]media.SegmentInfo{{Time: 100, Duration: 4, Timescale: 10}},
		&media.SegmentInfo{Time: 100, Timescale: 10},
	)
	require.True(t, changed)

	tl := idx.Timeline()
	require.Len(t, tl, 2)
	assert.Equal(t, Entry{Start: 96, Duration: 4, Repeat: 1}, tl[0])
	assert.Equal(t, Entry{Start: 104, Duration: OpenEnded, Repeat: 0}, tl[1])
}

func TestTemplateIndex_AddSegmentInfosAppend(t *testing.T) {
	idx := newTestIndex(t, []Entry{{Start: 0, Duration: 40, Repeat: 1}})

	// Contiguous same-duration append extends the run.
	changed := idx.AddSegmentInfos(
		[]media.SegmentInfo{{Time: 80, Duration: 40, Timescale: 10}}, nil)
	require.True(t, changed)
	tl := idx.Timeline()
	require.Len(t, tl, 1)
	assert.Equal(t, int64(2), tl[0].Repeat)

	// Different duration pushes a new entry.
	changed = idx.AddSegmentInfos(
		[]media.SegmentInfo{{Time: 120, Duration: 60, Timescale: 10}}, nil)
	require.True(t, changed)
	tl = idx.Timeline()
	require.Len(t, tl, 2)
	assert.Equal(t, Entry{Start: 120, Duration: 60, Repeat: 0}, tl[1])

	// Behind the timeline end: ignored.
	changed = idx.AddSegmentInfos(
		[]media.SegmentInfo{{Time: 40, Duration: 40, Timescale: 10}}, nil)
	assert.False(t, changed)
}

func TestTemplateIndex_AddSegmentInfosRescales(t *testing.T) {
	idx := newTestIndex(t, []Entry{{Start: 0, Duration: 40, Repeat: 0}})

	// 4s..8s expressed in a 1000-tick timescale.
	changed := idx.AddSegmentInfos(
		[]media.SegmentInfo{{Time: 4000, Duration: 4000, Timescale: 1000}}, nil)
	require.True(t, changed)

	tl := idx.Timeline()
	require.Len(t, tl, 1)
	assert.Equal(t, int64(1), tl[0].Repeat)
}

func TestTemplateIndex_InitSegment(t *testing.T) {
	idx := newTestIndex(t, nil)

	ref, ok := idx.InitSegment("video1")
	require.True(t, ok)
	assert.True(t, ref.IsInit)
	assert.Equal(t, "init-video1.mp4", ref.Media)
	assert.Equal(t, "video1_init", ref.ID)

	noInit := NewTemplateIndex(TemplateConfig{Timescale: 10, Media: "m"}, nil)
	_, ok = noInit.InitSegment("v")
	assert.False(t, ok)
}

func TestTemplateIndex_PresentationTimeOffset(t *testing.T) {
	idx := NewTemplateIndex(TemplateConfig{
		Timescale:              10,
		Media:                  "seg-$Time$.m4s",
		StartNumber:            1,
		PresentationTimeOffset: 100,
	}, []Entry{{Start: 0, Duration: 40, Repeat: 3}})

	// Presentation second 10 maps to tick 0 after the offset.
	refs, err := idx.Segments("v", 10, 14)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, int64(0), refs[0].Time)
	assert.Equal(t, "seg-100.m4s", refs[0].Media)
}
