package index

import (
	"testing"

	"github.com/jmylchreest/mediabuf/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listRefs(timescale int64, starts ...int64) []media.SegmentRef {
	refs := make([]media.SegmentRef, 0, len(starts))
	for i, s := range starts {
		refs = append(refs, media.SegmentRef{
			ID:        segmentID("r", s),
			Time:      s,
			Duration:  40,
			Number:    int64(i),
			Timescale: timescale,
			Media:     "seg.m4s",
		})
	}
	return refs
}

func TestListIndex_SegmentsWindow(t *testing.T) {
	idx := NewListIndex(10, listRefs(10, 0, 40, 80, 120), nil, false, nil)

	refs, err := idx.Segments("r", 0, 8)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, int64(0), refs[0].Time)
	assert.Equal(t, int64(40), refs[1].Time)

	// Mid-segment start still returns the covering reference.
	refs, err = idx.Segments("r", 5, 9)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, int64(40), refs[0].Time)
}

func TestListIndex_SegmentsBeforeFirstIsOutOfIndex(t *testing.T) {
	idx := NewListIndex(10, listRefs(10, 100), nil, false, nil)

	_, err := idx.Segments("r", 0, 5)
	assert.ErrorIs(t, err, ErrOutOfIndex)
}

func TestListIndex_ShouldRefreshOnlyWhenLive(t *testing.T) {
	vod := NewListIndex(10, listRefs(10, 0, 40), nil, false, nil)
	assert.False(t, vod.ShouldRefresh(0, 0, 100))

	live := NewListIndex(10, listRefs(10, 0, 40), nil, true, nil)
	assert.False(t, live.ShouldRefresh(0, 0, 7))
	assert.True(t, live.ShouldRefresh(0, 0, 9))
}

func TestListIndex_Positions(t *testing.T) {
	idx := NewListIndex(10, listRefs(10, 20, 60), nil, false, nil)

	assert.InDelta(t, 2.0, idx.FirstPosition(), 1e-9)
	assert.InDelta(t, 10.0, idx.LastPosition(), 1e-9)
}

func TestListIndex_CheckDiscontinuity(t *testing.T) {
	idx := NewListIndex(10, listRefs(10, 0, 120), nil, false, nil)

	assert.Equal(t, -1.0, idx.CheckDiscontinuity(0))
	assert.InDelta(t, 12.0, idx.CheckDiscontinuity(2), 1e-9)

	contiguous := NewListIndex(10, listRefs(10, 0, 40), nil, false, nil)
	assert.Equal(t, -1.0, contiguous.CheckDiscontinuity(2))
}

func TestListIndex_AddSegmentInfosIsNoOp(t *testing.T) {
	idx := NewListIndex(10, listRefs(10, 0), nil, true, nil)

	changed := idx.AddSegmentInfos([]media.SegmentInfo{{Time: 40, Duration: 40, Timescale: 10}}, nil)
	assert.False(t, changed)
}

func TestListIndex_Replace(t *testing.T) {
	idx := NewListIndex(10, listRefs(10, 0, 40), nil, true, nil)

	idx.Replace(listRefs(10, 0, 40, 80), true)
	assert.InDelta(t, 12.0, idx.LastPosition(), 1e-9)

	idx.Replace(listRefs(10, 0, 40, 80), false)
	assert.False(t, idx.ShouldRefresh(0, 0, 100))
}

func TestListIndex_InitSegment(t *testing.T) {
	init := &media.SegmentRef{ID: initSegmentID("r"), IsInit: true, Media: "init.mp4"}
	idx := NewListIndex(10, nil, init, false, nil)

	ref, ok := idx.InitSegment("r")
	require.True(t, ok)
	assert.True(t, ref.IsInit)

	bare := NewListIndex(10, nil, nil, false, nil)
	_, ok = bare.InitSegment("r")
	assert.False(t, ok)
}
