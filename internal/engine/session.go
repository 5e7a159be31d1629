// Package engine wires the buffer core into a playable session: manifest
// loading, per-type schedulers, ABR management, clock observation and
// disposal.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/url"
	"sync"

	"github.com/jmylchreest/mediabuf/internal/abr"
	"github.com/jmylchreest/mediabuf/internal/fetch"
	"github.com/jmylchreest/mediabuf/internal/httpclient"
	"github.com/jmylchreest/mediabuf/internal/index"
	"github.com/jmylchreest/mediabuf/internal/ingest"
	"github.com/jmylchreest/mediabuf/internal/media"
	"github.com/jmylchreest/mediabuf/internal/sink"
	"github.com/jmylchreest/mediabuf/internal/store"
)

// ErrAlreadyLoaded is returned when Load is called on a session with an
// active playback.
var ErrAlreadyLoaded = errors.New("session already has an active playback")

// Session is one player session. It owns the ABR manager and survives
// across Load/Dispose cycles of individual playbacks.
type Session struct {
	opts    Options
	abrMgr  *abr.Manager
	bwStore *store.BandwidthStore
	client  *httpclient.Client
	logger  *slog.Logger

	mu       sync.Mutex
	playback *Playback
}

// NewSession creates a session. bwStore may be nil to disable bandwidth
// persistence.
func NewSession(opts Options, bwStore *store.BandwidthStore, client *httpclient.Client, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = httpclient.NewWithDefaults()
	}
	s := &Session{
		opts:    opts,
		abrMgr:  abr.NewManager(opts.StabilityWindow, logger),
		bwStore: bwStore,
		client:  client,
		logger:  logger,
	}
	s.abrMgr.SetMaxAutoBitrate(media.TypeAudio, opts.MaxAudioBitrate)
	s.abrMgr.SetMaxAutoBitrate(media.TypeVideo, opts.MaxVideoBitrate)
	return s
}

// SetManualBitrate forces the selection for one media type; -1 restores
// automatic mode.
func (s *Session) SetManualBitrate(t media.Type, bitrate int) {
	s.abrMgr.SetManualBitrate(t, bitrate)
}

// SetMaxAutoBitrate caps automatic selection for one media type.
func (s *Session) SetMaxAutoBitrate(t media.Type, bitrate int) {
	s.abrMgr.SetMaxAutoBitrate(t, bitrate)
}

// SetViewportWidth reports the current viewport width; effective only
// with the LimitVideoWidth option.
func (s *Session) SetViewportWidth(width int) {
	if s.opts.LimitVideoWidth {
		s.abrMgr.SetLimitWidth(width)
	}
}

// SetPageHidden throttles every chooser to the floor while hidden;
// effective only with the ThrottleWhenHidden option.
func (s *Session) SetPageHidden(hidden bool) {
	if !s.opts.ThrottleWhenHidden {
		return
	}
	if hidden {
		s.abrMgr.SetThrottle(0)
	} else {
		s.abrMgr.SetThrottle(abr.Unlimited)
	}
}

// Load starts a playback for the given source.
func (s *Session) Load(ctx context.Context, lo LoadOptions) (*Playback, error) {
	s.mu.Lock()
	if s.playback != nil {
		s.mu.Unlock()
		return nil, ErrAlreadyLoaded
	}
	s.mu.Unlock()

	manifest, pipeline, err := s.resolveSource(ctx, lo)
	if err != nil {
		return nil, err
	}
	s.seedEstimators(lo.URL)

	mediaSink := lo.Sink
	if mediaSink == nil {
		mediaSink = sink.NewMemorySink(s.opts.SinkCapacity, s.logger)
	}

	pb := newPlayback(ctx, s, manifest, pipeline, mediaSink, lo)

	s.mu.Lock()
	s.playback = pb
	s.mu.Unlock()
	return pb, nil
}

// Dispose stops the active playback and persists bandwidth estimates.
func (s *Session) Dispose() {
	s.mu.Lock()
	pb := s.playback
	s.playback = nil
	s.mu.Unlock()

	if pb != nil {
		pb.stop()
		s.saveEstimators(pb.sourceURL)
	}
}

// resolveSource builds (manifest, pipeline) for the requested transport.
func (s *Session) resolveSource(ctx context.Context, lo LoadOptions) (*media.Manifest, fetch.Pipeline, error) {
	transport := lo.Transport
	if lo.DirectFile {
		transport = TransportDirectFile
	}

	switch transport {
	case TransportManifest:
		if lo.Manifest == nil || lo.Pipeline == nil {
			return nil, nil, errors.New("manifest transport requires Manifest and Pipeline")
		}
		manifest := lo.Manifest
		s.addSupplementaryTracks(manifest, lo)
		return manifest, lo.Pipeline, nil

	case TransportDirectFile:
		manifest := directFileManifest(lo.URL, s.logger)
		return manifest, fetch.NewHTTPPipeline(s.client, s.logger), nil

	case TransportHLS:
		manifest, err := s.loadHLS(ctx, lo.URL)
		if err != nil {
			return nil, nil, err
		}
		s.addSupplementaryTracks(manifest, lo)
		return manifest, fetch.NewHTTPPipeline(s.client, s.logger), nil

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// loadHLS fetches and ingests an HLS source: a multivariant playlist with
// its variant media playlists, or a bare media playlist.
func (s *Session) loadHLS(ctx context.Context, sourceURL string) (*media.Manifest, error) {
	data, err := s.fetchBody(ctx, sourceURL)
	if err != nil {
		return nil, fmt.Errorf("fetching playlist: %w", err)
	}

	manifest := media.NewManifest(sourceURL, false)
	period := &media.Period{ID: "p0"}
	manifest.Periods = []*media.Period{period}

	variants, err := ingest.ParseMultivariant(data, sourceURL)
	if err == nil {
		indexes := make([]*index.ListIndex, 0, len(variants))
		live := false
		total := 0.0
		for i, v := range variants {
			body, err := s.fetchBody(ctx, v.URI)
			if err != nil {
				return nil, fmt.Errorf("fetching variant playlist: %w", err)
			}
			mp, err := ingest.ParseMediaPlaylist(body, v.URI, fmt.Sprintf("video-r%d", i), s.logger)
			if err != nil {
				return nil, err
			}
			indexes = append(indexes, mp.Index)
			live = live || mp.Live
			total = math.Max(total, mp.DurationSec)
		}
		adaptation, err := ingest.Adaptation("video", variants, indexes)
		if err != nil {
			return nil, err
		}
		period.Adaptations = append(period.Adaptations, adaptation)
		manifest.Live = live
		if !live {
			manifest.Duration = total
		}
		return manifest, nil
	}

	// Not multivariant: try as a single media playlist.
	mp, err := ingest.ParseMediaPlaylist(data, sourceURL, "video-r0", s.logger)
	if err != nil {
		return nil, err
	}
	period.Adaptations = append(period.Adaptations, &media.Adaptation{
		ID:         "video",
		Type:       media.TypeVideo,
		InitPolicy: media.InitRequired,
		Representations: []*media.Representation{{
			ID:    "video-r0",
			Index: mp.Index,
		}},
	})
	manifest.Live = mp.Live
	if !mp.Live {
		manifest.Duration = mp.DurationSec
	}
	return manifest, nil
}

func (s *Session) fetchBody(ctx context.Context, u string) ([]byte, error) {
	resp, err := s.client.Get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, u)
	}
	return io.ReadAll(resp.Body)
}

// addSupplementaryTracks appends out-of-manifest text and image tracks,
// each a one-segment list index spanning the presentation.
func (s *Session) addSupplementaryTracks(manifest *media.Manifest, lo LoadOptions) {
	if len(manifest.Periods) == 0 {
		return
	}
	period := manifest.Periods[0]

	add := func(t media.Type, tracks []TrackSource) {
		for i, track := range tracks {
			id := fmt.Sprintf("%s-suppl-%d", t, i)
			ref := media.SegmentRef{
				ID:        id + "_0",
				Time:      0,
				Duration:  wholeTrackDuration(manifest),
				Timescale: 1,
				Media:     track.URL,
			}
			idx := index.NewListIndex(1, []media.SegmentRef{ref}, nil, false, s.logger)
			period.Adaptations = append(period.Adaptations, &media.Adaptation{
				ID:         id,
				Type:       t,
				Language:   track.Language,
				InitPolicy: media.InitNone,
				Representations: []*media.Representation{{
					ID:    id + "-r0",
					Codec: track.Codec,
					Index: idx,
				}},
			})
		}
	}
	add(media.TypeText, lo.SupplementaryTextTracks)
	add(media.TypeImage, lo.SupplementaryImageTracks)
}

func wholeTrackDuration(manifest *media.Manifest) int64 {
	if manifest.Duration > 0 {
		return int64(manifest.Duration)
	}
	return media.UnknownDuration
}

// directFileManifest wraps a single media resource as a one-representation
// manifest.
func directFileManifest(sourceURL string, logger *slog.Logger) *media.Manifest {
	ref := media.SegmentRef{
		ID:        "direct_0",
		Time:      0,
		Duration:  media.UnknownDuration,
		Timescale: 1,
		Media:     sourceURL,
	}
	idx := index.NewListIndex(1, []media.SegmentRef{ref}, nil, false, logger)

	manifest := media.NewManifest(sourceURL, false)
	manifest.Periods = []*media.Period{{
		ID: "p0",
		Adaptations: []*media.Adaptation{{
			ID:         "direct",
			Type:       media.TypeVideo,
			InitPolicy: media.InitNone,
			Representations: []*media.Representation{{
				ID:    "direct-r0",
				Index: idx,
			}},
		}},
	}}
	return manifest
}

// seedEstimators primes each chooser from the persisted bandwidth store
// and the configured initial bitrates.
func (s *Session) seedEstimators(sourceURL string) {
	host := hostOf(sourceURL)
	for _, t := range media.Types {
		est := s.abrMgr.Chooser(t).Estimator()
		if s.bwStore != nil && host != "" {
			if bps, ok := s.bwStore.Lookup(host, t); ok {
				est.Seed(bps)
				continue
			}
		}
		switch t {
		case media.TypeAudio:
			est.Seed(float64(s.opts.InitialAudioBitrate))
		case media.TypeVideo:
			est.Seed(float64(s.opts.InitialVideoBitrate))
		}
	}
}

// saveEstimators persists final estimates for the next session.
func (s *Session) saveEstimators(sourceURL string) {
	if s.bwStore == nil {
		return
	}
	host := hostOf(sourceURL)
	if host == "" {
		return
	}
	for _, t := range media.Types {
		if bps, ok := s.abrMgr.Chooser(t).Estimator().Estimate(); ok {
			if err := s.bwStore.Save(host, t, bps); err != nil {
				s.logger.Warn("persisting bandwidth estimate",
					slog.String("error", err.Error()))
			}
		}
	}
}

func hostOf(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// StartPosition resolves a StartAt directive against manifest bounds.
func StartPosition(manifest *media.Manifest, at *StartAt) float64 {
	first := manifest.MinBufferPosition()
	last := manifest.MaxBufferPosition()

	if at == nil {
		if manifest.Live {
			return last
		}
		return first
	}

	var pos float64
	switch {
	case at.Position != nil:
		pos = *at.Position
	case at.FromFirstPosition != nil:
		pos = first + *at.FromFirstPosition
	case at.FromLastPosition != nil:
		pos = last - *at.FromLastPosition
	case at.Percentage != nil:
		pos = first + (last-first)*(*at.Percentage)/100
	case at.WallClockTime != nil:
		// Without an availability anchor the wall-clock form can only
		// clamp to the live window.
		pos = last
	default:
		pos = first
	}

	return math.Max(first, math.Min(pos, math.Max(first, last)))
}

// scheduledTypes returns the media types the manifest carries content for.
func scheduledTypes(manifest *media.Manifest) []media.Type {
	var out []media.Type
	for _, t := range media.Types {
		if len(manifest.AdaptationsFor(t)) > 0 {
			out = append(out, t)
		}
	}
	return out
}

// pickAdaptation selects the adaptation to schedule for a type, honouring
// the default track languages.
func (s *Session) pickAdaptation(manifest *media.Manifest, t media.Type) *media.Adaptation {
	candidates := manifest.AdaptationsFor(t)
	if len(candidates) == 0 {
		return nil
	}
	wanted := ""
	switch t {
	case media.TypeAudio:
		wanted = s.opts.DefaultAudioTrack
	case media.TypeText:
		wanted = s.opts.DefaultTextTrack
	}
	if wanted != "" {
		for _, a := range candidates {
			if a.Language == wanted {
				return a
			}
		}
	}
	return candidates[0]
}
