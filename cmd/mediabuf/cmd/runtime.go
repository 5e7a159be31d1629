package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jmylchreest/mediabuf/internal/clock"
	"github.com/jmylchreest/mediabuf/internal/config"
	"github.com/jmylchreest/mediabuf/internal/database"
	"github.com/jmylchreest/mediabuf/internal/engine"
	"github.com/jmylchreest/mediabuf/internal/fetch"
	"github.com/jmylchreest/mediabuf/internal/httpclient"
	"github.com/jmylchreest/mediabuf/internal/index"
	"github.com/jmylchreest/mediabuf/internal/media"
	"github.com/jmylchreest/mediabuf/internal/store"
)

// syntheticSegmentDuration is the segment length of the synthetic source,
// in seconds.
const syntheticSegmentDuration = 4

// newSession assembles a session from configuration, opening the
// bandwidth store when enabled.
func newSession(cfg *config.Config, logger *slog.Logger) (*engine.Session, func(), error) {
	var (
		bwStore *store.BandwidthStore
		cleanup = func() {}
	)
	if cfg.Store.Enabled {
		db, err := database.Open(cfg.Store.DSN, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening bandwidth store: %w", err)
		}
		bwStore, err = store.NewBandwidthStore(db, logger)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		cleanup = func() { _ = db.Close() }
	}

	client := httpclient.New(httpclient.Config{
		Timeout:             cfg.Fetch.Timeout,
		RetryAttempts:       cfg.Fetch.RetryAttempts,
		RetryDelay:          cfg.Fetch.RetryDelay,
		RetryMaxDelay:       httpclient.DefaultRetryMaxDelay,
		BackoffMultiplier:   httpclient.DefaultBackoffMultiplier,
		CircuitThreshold:    httpclient.DefaultCircuitThreshold,
		CircuitTimeout:      httpclient.DefaultCircuitTimeout,
		CircuitHalfOpenMax:  httpclient.DefaultCircuitHalfOpenMax,
		UserAgent:           cfg.Fetch.UserAgent,
		Logger:              logger,
		EnableDecompression: true,
	})

	session := engine.NewSession(engine.OptionsFromConfig(cfg), bwStore, client, logger)
	return session, cleanup, nil
}

// syntheticManifest builds an on-demand manifest with one video
// adaptation across the given bitrates, covering durationSec seconds.
func syntheticManifest(bitrates []int, durationSec float64) *media.Manifest {
	m := media.NewManifest("synthetic://source", false)
	m.Duration = durationSec

	segments := int64(durationSec / syntheticSegmentDuration)
	adaptation := &media.Adaptation{
		ID:         "video",
		Type:       media.TypeVideo,
		InitPolicy: media.InitRequired,
	}
	for i, bitrate := range bitrates {
		repID := fmt.Sprintf("video-r%d", i)
		idx := index.NewTemplateIndex(index.TemplateConfig{
			Timescale:   1,
			Media:       "synthetic://seg-$RepresentationID$-$Time$",
			Init:        "synthetic://init-$RepresentationID$",
			StartNumber: 1,
		}, []index.Entry{{Start: 0, Duration: syntheticSegmentDuration, Repeat: segments - 1}})
		adaptation.Representations = append(adaptation.Representations, &media.Representation{
			ID:      repID,
			Bitrate: bitrate,
			Width:   640 * (i + 1),
			Codec:   "avc1.640028",
			Index:   idx,
		})
	}
	m.Periods = []*media.Period{{ID: "p0", Adaptations: []*media.Adaptation{adaptation}}}
	return m
}

// loadPlayback loads either the given URL over HLS or the synthetic
// source through the stub pipeline.
func loadPlayback(ctx context.Context, session *engine.Session, sourceURL string, bitrates []int, stubBandwidth int64) (*engine.Playback, error) {
	if sourceURL != "" {
		return session.Load(ctx, engine.LoadOptions{
			URL:       sourceURL,
			Transport: engine.TransportHLS,
			AutoPlay:  true,
		})
	}

	stub := fetch.NewStub()
	stub.BandwidthBps = stubBandwidth
	stub.SegmentDuration = syntheticSegmentDuration

	return session.Load(ctx, engine.LoadOptions{
		URL:       "synthetic://source",
		Transport: engine.TransportManifest,
		Manifest:  syntheticManifest(bitrates, 600),
		Pipeline:  stub,
		AutoPlay:  true,
	})
}

// driveTicks plays the role of the host media element: it advances the
// playhead through buffered data and publishes clock ticks until ctx
// ends.
func driveTicks(ctx context.Context, pb *engine.Playback, logger *slog.Logger) {
	const interval = 200 * time.Millisecond

	currentTime := pb.InitialPosition()
	duration := pb.Manifest().Duration

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gap := bufferGapAt(pb, currentTime)

			state := clock.StatePlaying
			if math.IsInf(gap, 1) || gap <= 0 {
				state = clock.StateStalled
			} else {
				currentTime += interval.Seconds()
			}
			if duration > 0 && currentTime >= duration {
				state = clock.StateEnded
				currentTime = duration
			}

			pb.Tick(clock.Tick{
				CurrentTime: currentTime,
				BufferGap:   gap,
				Duration:    duration,
				ReadyState:  4,
				State:       state,
				Timestamp:   time.Now(),
			})

			if state == clock.StateEnded {
				logger.Info("playback reached the end", slog.Float64("position", currentTime))
				return
			}
		}
	}
}

// bufferGapAt derives the buffered gap ahead of the playhead from the
// video scheduler's range map.
func bufferGapAt(pb *engine.Playback, currentTime float64) float64 {
	status := pb.Status()
	st, ok := status[media.TypeVideo]
	if !ok {
		return math.Inf(1)
	}
	for _, r := range st.Ranges {
		if r.Contains(currentTime) {
			return r.End - currentTime
		}
	}
	return math.Inf(1)
}
