package abr

import (
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/mediabuf/internal/clock"
	"github.com/jmylchreest/mediabuf/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReps(bitrates ...int) []*media.Representation {
	reps := make([]*media.Representation, 0, len(bitrates))
	for i, b := range bitrates {
		reps = append(reps, &media.Representation{
			ID:      string(rune('a' + i)),
			Bitrate: b,
			Width:   640 * (i + 1),
		})
	}
	return reps
}

// fakeClock drives the chooser's notion of time in tests.
type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestChooser(t *testing.T) (*Chooser, *fakeClock) {
	t.Helper()
	fc := &fakeClock{now: time.Unix(1000, 0)}
	c := NewChooser(media.TypeVideo, DefaultStabilityWindow, nil)
	c.now = fc.Now
	return c, fc
}

func TestChooser_NoSamplesSelectsLowest(t *testing.T) {
	c, _ := newTestChooser(t)
	reps := testReps(300_000, 1_000_000, 3_000_000)

	sel := c.candidate(reps)
	assert.Equal(t, 300_000, sel.Bitrate)
}

func TestChooser_EstimateSelectsHighestUnder(t *testing.T) {
	c, _ := newTestChooser(t)
	reps := testReps(300_000, 1_000_000, 3_000_000)

	// ~2 Mbps observed.
	c.AddEstimate(4, 1_000_000)

	sel := c.candidate(reps)
	assert.Equal(t, 1_000_000, sel.Bitrate)
}

func TestChooser_ManualBitrateCeiling(t *testing.T) {
	c, _ := newTestChooser(t)
	reps := testReps(300_000, 1_000_000, 3_000_000)
	c.AddEstimate(1, 10_000_000) // plenty of bandwidth

	c.SetManualBitrate(1_500_000)
	assert.Equal(t, 1_000_000, c.candidate(reps).Bitrate)

	// Below every representation: pick the lowest.
	c.SetManualBitrate(100)
	assert.Equal(t, 300_000, c.candidate(reps).Bitrate)

	c.SetManualBitrate(Unlimited)
	assert.Equal(t, 3_000_000, c.candidate(reps).Bitrate)
}

func TestChooser_MaxAutoBitrateAndThrottle(t *testing.T) {
	c, _ := newTestChooser(t)
	reps := testReps(300_000, 1_000_000, 3_000_000)
	c.AddEstimate(1, 10_000_000)

	c.SetMaxAutoBitrate(2_000_000)
	assert.Equal(t, 1_000_000, c.candidate(reps).Bitrate)

	c.SetThrottle(500_000)
	assert.Equal(t, 300_000, c.candidate(reps).Bitrate)

	c.SetThrottle(Unlimited)
	c.SetMaxAutoBitrate(Unlimited)
	assert.Equal(t, 3_000_000, c.candidate(reps).Bitrate)
}

func TestChooser_WidthLimit(t *testing.T) {
	c, _ := newTestChooser(t)
	reps := testReps(300_000, 1_000_000, 3_000_000) // widths 640/1280/1920
	c.AddEstimate(1, 10_000_000)

	c.SetLimitWidth(1280)
	assert.Equal(t, 1_000_000, c.candidate(reps).Bitrate)

	// Filter would empty the set: keep the lowest candidate.
	c.SetLimitWidth(100)
	assert.Equal(t, 300_000, c.candidate(reps).Bitrate)

	c.SetLimitWidth(0)
	assert.Equal(t, 3_000_000, c.candidate(reps).Bitrate)
}

func TestChooser_EmergencyDownSwitch(t *testing.T) {
	c, fc := newTestChooser(t)
	reps := testReps(300_000, 1_000_000, 3_000_000)
	c.AddEstimate(1, 1_000_000) // 8 Mbps average

	// A 4s segment requested 3s ago with almost no bytes received.
	c.AddPendingRequest("req1", PendingRequestInfo{
		Time:             10,
		Duration:         4,
		RequestTimestamp: fc.Now().Add(-3 * time.Second),
	})
	c.AddRequestProgress("req1", 100_000, fc.Now()) // ~266 kbps projected

	assert.Equal(t, 300_000, c.candidate(reps).Bitrate)

	// Young requests do not trigger the pre-emption.
	c.RemovePendingRequest("req1")
	c.AddPendingRequest("req2", PendingRequestInfo{
		Time:             14,
		Duration:         4,
		RequestTimestamp: fc.Now().Add(-1 * time.Second),
	})
	assert.Equal(t, 3_000_000, c.candidate(reps).Bitrate)
}

func TestChooser_ProgressOrderingViolationsIgnored(t *testing.T) {
	c, fc := newTestChooser(t)

	c.AddPendingRequest("r", PendingRequestInfo{
		Time: 0, Duration: 4, RequestTimestamp: fc.Now().Add(-3 * time.Second),
	})
	c.AddRequestProgress("r", 500_000, fc.Now())
	// Older timestamp: dropped, the 500k sample stays authoritative.
	c.AddRequestProgress("r", 1, fc.Now().Add(-time.Second))

	worst, found := c.pending.worstProjectedBandwidth(fc.Now())
	require.True(t, found)
	assert.InDelta(t, 500_000*8/3.0, worst, 1.0)
}

func TestChooser_RemoveUnknownPendingRequestIsHarmless(t *testing.T) {
	c, _ := newTestChooser(t)
	c.RemovePendingRequest("never-registered")
	assert.Equal(t, 0, c.PendingCount())
}

func TestChooser_UpSwitchNeedsStability(t *testing.T) {
	c, fc := newTestChooser(t)
	reps := testReps(300_000, 3_000_000)

	// First selection: lowest, immediate.
	sel, switched := c.decide(c.candidate(reps))
	require.True(t, switched)
	assert.Equal(t, 300_000, sel.Bitrate)

	c.AddEstimate(1, 1_000_000) // 8 Mbps

	// Candidate is higher but fresh: no switch yet.
	_, switched = c.decide(c.candidate(reps))
	assert.False(t, switched)

	// Second consecutive evaluation inside the window: still damped.
	fc.Advance(time.Second)
	_, switched = c.decide(c.candidate(reps))
	assert.False(t, switched)

	// Past the stability window with a repeated candidate: switch.
	fc.Advance(2 * time.Second)
	sel, switched = c.decide(c.candidate(reps))
	require.True(t, switched)
	assert.Equal(t, 3_000_000, sel.Bitrate)
}

func TestChooser_DownSwitchIsImmediate(t *testing.T) {
	c, fc := newTestChooser(t)
	reps := testReps(300_000, 3_000_000)
	c.AddEstimate(1, 2_000_000) // 16 Mbps

	sel, switched := c.decide(c.candidate(reps))
	require.True(t, switched)
	require.Equal(t, 3_000_000, sel.Bitrate)

	// Throughput collapses: the next evaluation drops instantly.
	c.AddPendingRequest("slow", PendingRequestInfo{
		Time: 0, Duration: 4, RequestTimestamp: fc.Now().Add(-4 * time.Second),
	})
	c.AddRequestProgress("slow", 50_000, fc.Now())

	sel, switched = c.decide(c.candidate(reps))
	require.True(t, switched)
	assert.Equal(t, 300_000, sel.Bitrate)
}

func TestChooser_GetEmitsOnSwitch(t *testing.T) {
	c, _ := newTestChooser(t)
	reps := testReps(300_000, 1_000_000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks := make(chan clock.Tick)
	out := c.Get(ctx, ticks, reps)

	select {
	case sel := <-out:
		assert.Equal(t, 300_000, sel.Bitrate)
	case <-time.After(time.Second):
		t.Fatal("no initial emission")
	}

	// Same candidate on later ticks: no re-emission.
	ticks <- clock.Tick{}
	select {
	case sel := <-out:
		t.Fatalf("unexpected emission %v", sel)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChooser_PerTypeVsSharedEstimation(t *testing.T) {
	// Comparison vector for the per-type vs shared estimation question:
	// audio transfers are small and fast, video transfers large and slow.
	// Shared estimation would average the two and overestimate video
	// headroom; per-type keeps them apart.
	audio := NewChooser(media.TypeAudio, DefaultStabilityWindow, nil)
	video := NewChooser(media.TypeVideo, DefaultStabilityWindow, nil)

	audio.AddEstimate(0.2, 400_000) // 16 Mbps burst
	video.AddEstimate(4, 1_000_000) // 2 Mbps sustained

	videoReps := testReps(300_000, 1_000_000, 3_000_000)
	assert.Equal(t, 1_000_000, video.candidate(videoReps).Bitrate,
		"video decisions must not see audio's burst throughput")

	shared := NewEstimator()
	shared.AddSample(0.2, 400_000)
	shared.AddSample(4, 1_000_000)
	est, ok := shared.Estimate()
	require.True(t, ok)
	assert.Greater(t, est, 2_000_000.0,
		"a shared estimator would report more than video's sustained rate")
}

func TestManager_PerTypeChoosersAndSetters(t *testing.T) {
	m := NewManager(DefaultStabilityWindow, nil)

	require.NotNil(t, m.Chooser(media.TypeAudio))
	require.NotNil(t, m.Chooser(media.TypeImage))
	assert.NotSame(t, m.Chooser(media.TypeAudio), m.Chooser(media.TypeVideo))

	m.SetManualBitrate(media.TypeVideo, 500_000)
	reps := testReps(300_000, 1_000_000)
	assert.Equal(t, 300_000, m.Chooser(media.TypeVideo).candidate(reps).Bitrate)
	// Audio unaffected.
	m.Chooser(media.TypeAudio).AddEstimate(1, 1_000_000)
	assert.Equal(t, 1_000_000, m.Chooser(media.TypeAudio).candidate(reps).Bitrate)
}

func TestEstimator_SeedPrimesOnlyOnce(t *testing.T) {
	e := NewEstimator()
	_, ok := e.Estimate()
	require.False(t, ok)

	e.Seed(5_000_000)
	est, ok := e.Estimate()
	require.True(t, ok)
	assert.InDelta(t, 5_000_000, est, 1.0)

	// Seeding again once an estimate exists is a no-op.
	e.Seed(1)
	est, _ = e.Estimate()
	assert.InDelta(t, 5_000_000, est, 1.0)
}
