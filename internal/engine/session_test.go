package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/jmylchreest/mediabuf/internal/buffer"
	"github.com/jmylchreest/mediabuf/internal/clock"
	"github.com/jmylchreest/mediabuf/internal/fetch"
	"github.com/jmylchreest/mediabuf/internal/index"
	"github.com/jmylchreest/mediabuf/internal/media"
	"github.com/jmylchreest/mediabuf/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManifest() *media.Manifest {
	newIdx := func() *index.TemplateIndex {
		return index.NewTemplateIndex(index.TemplateConfig{
			Timescale:   1,
			Media:       "seg-$RepresentationID$-$Time$.m4s",
			Init:        "init-$RepresentationID$.mp4",
			StartNumber: 1,
		}, []index.Entry{{Start: 0, Duration: 4, Repeat: 14}})
	}

	m := media.NewManifest("http://cdn.example.com/master.m3u8", false)
	m.Duration = 60
	m.Periods = []*media.Period{{
		ID: "p0",
		Adaptations: []*media.Adaptation{{
			ID:   "video",
			Type: media.TypeVideo,
			Representations: []*media.Representation{
				{ID: "v-low", Bitrate: 300_000, Width: 640, Index: newIdx()},
				{ID: "v-high", Bitrate: 2_000_000, Width: 1920, Index: newIdx()},
			},
		}},
	}}
	return m
}

func TestSession_LoadAndSteadyPlayback(t *testing.T) {
	session := NewSession(DefaultOptions(), nil, nil, nil)
	defer session.Dispose()

	pb, err := session.Load(context.Background(), LoadOptions{
		URL:       "http://cdn.example.com/master.m3u8",
		Transport: TransportManifest,
		Manifest:  testManifest(),
		Pipeline:  fetch.NewStub(),
		Sink:      sink.NewMemorySink(1<<30, nil),
	})
	require.NoError(t, err)

	pb.Tick(clock.Tick{
		CurrentTime: 0,
		BufferGap:   math.Inf(1),
		State:       clock.StatePlaying,
		Timestamp:   time.Now(),
	})

	deadline := time.After(2 * time.Second)
	var loaded int
	for loaded == 0 {
		select {
		case ev := <-pb.Events():
			if ev.Kind == buffer.EventLoaded {
				loaded++
			}
			require.NotEqual(t, buffer.EventError, ev.Kind)
		case <-deadline:
			t.Fatal("no loaded event")
		}
	}

	status := pb.Status()
	require.Contains(t, status, media.TypeVideo)
	// No bandwidth samples at start: the chooser begins on the lowest
	// representation.
	assert.Equal(t, "v-low", status[media.TypeVideo].Representation)
}

func TestSession_SecondLoadFails(t *testing.T) {
	session := NewSession(DefaultOptions(), nil, nil, nil)
	defer session.Dispose()

	lo := LoadOptions{
		URL:       "http://cdn.example.com/master.m3u8",
		Transport: TransportManifest,
		Manifest:  testManifest(),
		Pipeline:  fetch.NewStub(),
		Sink:      sink.NewMemorySink(1<<20, nil),
	}
	_, err := session.Load(context.Background(), lo)
	require.NoError(t, err)

	_, err = session.Load(context.Background(), lo)
	assert.ErrorIs(t, err, ErrAlreadyLoaded)
}

func TestSession_ManifestTransportValidation(t *testing.T) {
	session := NewSession(DefaultOptions(), nil, nil, nil)

	_, err := session.Load(context.Background(), LoadOptions{Transport: TransportManifest})
	assert.Error(t, err)

	_, err = session.Load(context.Background(), LoadOptions{Transport: "smooth"})
	assert.Error(t, err)
}

func TestSession_InitialVideoBitrateSeedsChooser(t *testing.T) {
	opts := DefaultOptions()
	opts.InitialVideoBitrate = 2_500_000
	session := NewSession(opts, nil, nil, nil)
	defer session.Dispose()

	pb, err := session.Load(context.Background(), LoadOptions{
		URL:       "http://cdn.example.com/master.m3u8",
		Transport: TransportManifest,
		Manifest:  testManifest(),
		Pipeline:  fetch.NewStub(),
		Sink:      sink.NewMemorySink(1<<30, nil),
	})
	require.NoError(t, err)
	defer pb.Stop()

	// The seeded estimate admits the 2 Mbps representation immediately.
	pb.Tick(clock.Tick{CurrentTime: 0, BufferGap: math.Inf(1), State: clock.StatePlaying, Timestamp: time.Now()})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-pb.Events():
			if ev.Kind == buffer.EventLoaded && ev.Representation.ID == "v-high" {
				return
			}
		case <-deadline:
			t.Fatal("high representation never selected")
		}
	}
}

func TestStartPosition_Forms(t *testing.T) {
	m := testManifest() // positions [0, 60]

	pos := func(at *StartAt) float64 { return StartPosition(m, at) }
	fl := func(v float64) *float64 { return &v }

	assert.InDelta(t, 0, pos(nil), 1e-9)
	assert.InDelta(t, 12, pos(&StartAt{Position: fl(12)}), 1e-9)
	assert.InDelta(t, 5, pos(&StartAt{FromFirstPosition: fl(5)}), 1e-9)
	assert.InDelta(t, 50, pos(&StartAt{FromLastPosition: fl(10)}), 1e-9)
	assert.InDelta(t, 30, pos(&StartAt{Percentage: fl(50)}), 1e-9)
	// Clamped into the valid window.
	assert.InDelta(t, 60, pos(&StartAt{Position: fl(1000)}), 1e-9)
	assert.InDelta(t, 0, pos(&StartAt{Position: fl(-5)}), 1e-9)
}

func TestStartPosition_LiveDefaultsToEdge(t *testing.T) {
	m := testManifest()
	m.Live = true
	assert.InDelta(t, 60, StartPosition(m, nil), 1e-9)
}

func TestSession_SupplementaryTextTrack(t *testing.T) {
	session := NewSession(DefaultOptions(), nil, nil, nil)
	defer session.Dispose()

	manifest := testManifest()
	pb, err := session.Load(context.Background(), LoadOptions{
		URL:       "http://cdn.example.com/master.m3u8",
		Transport: TransportManifest,
		Manifest:  manifest,
		Pipeline:  fetch.NewStub(),
		Sink:      sink.NewMemorySink(1<<30, nil),
		SupplementaryTextTracks: []TrackSource{
			{URL: "http://cdn.example.com/subs.vtt", Language: "en"},
		},
	})
	require.NoError(t, err)
	defer pb.Stop()

	texts := manifest.AdaptationsFor(media.TypeText)
	require.Len(t, texts, 1)
	assert.Equal(t, "en", texts[0].Language)
	require.Contains(t, pb.Status(), media.TypeText)
}

func TestDirectFileManifest(t *testing.T) {
	m := directFileManifest("http://cdn.example.com/movie.mp4", nil)
	reps := m.AdaptationsFor(media.TypeVideo)
	require.Len(t, reps, 1)

	refs, err := reps[0].Representations[0].Index.Segments("direct-r0", 0, 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "http://cdn.example.com/movie.mp4", refs[0].Media)
}
