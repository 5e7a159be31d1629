// Package ingest adapts HLS playlists into the engine's data model:
// multivariant playlists become adaptations, media playlists become list
// indexes.
package ingest

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/jmylchreest/mediabuf/internal/index"
	"github.com/jmylchreest/mediabuf/internal/media"
)

// Timescale is the tick resolution used for ingested HLS timelines.
// 90kHz matches the MPEG-TS clock most HLS content is mastered against.
const Timescale = 90000

// Variant describes one entry of a multivariant playlist before its media
// playlist has been fetched.
type Variant struct {
	URI       string
	Bandwidth int
	Width     int
	Height    int
	Codec     string
}

// ParseMultivariant extracts the variant list of a multivariant playlist.
// Variant URIs are absolutized against playlistURL.
func ParseMultivariant(data []byte, playlistURL string) ([]Variant, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing multivariant playlist: %w", err)
	}
	mv, ok := pl.(*playlist.Multivariant)
	if !ok {
		return nil, fmt.Errorf("expected multivariant playlist, got media")
	}

	variants := make([]Variant, 0, len(mv.Variants))
	for _, v := range mv.Variants {
		if v == nil {
			continue
		}
		width, height := parseResolution(v.Resolution)
		variants = append(variants, Variant{
			URI:       absolutizeURL(playlistURL, v.URI),
			Bandwidth: v.Bandwidth,
			Width:     width,
			Height:    height,
			Codec:     strings.Join(v.Codecs, ","),
		})
	}
	return variants, nil
}

// MediaPlaylist is the ingested form of one media playlist.
type MediaPlaylist struct {
	Index *index.ListIndex
	// Live reports whether the playlist is still growing (no ENDLIST).
	Live bool
	// TargetDuration is the declared per-segment ceiling in seconds.
	TargetDuration float64
	// DurationSec is the total enumerated duration.
	DurationSec float64
}

// ParseMediaPlaylist converts a media playlist into a list index for the
// given representation id. Segment URIs are absolutized against
// playlistURL.
func ParseMediaPlaylist(data []byte, playlistURL, repID string, logger *slog.Logger) (*MediaPlaylist, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing media playlist: %w", err)
	}
	m, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("expected media playlist, got multivariant")
	}

	refs, total := segmentRefs(m, playlistURL, repID)

	var init *media.SegmentRef
	if m.Map != nil && m.Map.URI != "" {
		init = &media.SegmentRef{
			ID:        repID + "_init",
			IsInit:    true,
			Timescale: Timescale,
			Media:     absolutizeURL(playlistURL, m.Map.URI),
		}
	}

	live := !m.Endlist
	idx := index.NewListIndex(Timescale, refs, init, live, logger)

	return &MediaPlaylist{
		Index:          idx,
		Live:           live,
		TargetDuration: float64(m.TargetDuration),
		DurationSec:    total,
	}, nil
}

// segmentRefs enumerates a media playlist's segments as refs on the
// 90kHz timeline, timed cumulatively from zero.
func segmentRefs(m *playlist.Media, playlistURL, repID string) ([]media.SegmentRef, float64) {
	var (
		refs []media.SegmentRef
		tick int64
	)
	for i, seg := range m.Segments {
		if seg == nil {
			continue
		}
		durTicks := int64(seg.Duration.Seconds() * Timescale)
		refs = append(refs, media.SegmentRef{
			ID:        fmt.Sprintf("%s_%d", repID, tick),
			Time:      tick,
			Duration:  durTicks,
			Number:    int64(m.MediaSequence + i),
			Timescale: Timescale,
			Media:     absolutizeURL(playlistURL, seg.URI),
		})
		tick += durTicks
	}
	return refs, float64(tick) / Timescale
}

// Refresh re-ingests a live media playlist into an existing list index.
func Refresh(idx *index.ListIndex, data []byte, playlistURL, repID string) (live bool, err error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return false, fmt.Errorf("parsing refreshed playlist: %w", err)
	}
	m, ok := pl.(*playlist.Media)
	if !ok {
		return false, fmt.Errorf("expected media playlist, got multivariant")
	}
	refs, _ := segmentRefs(m, playlistURL, repID)
	live = !m.Endlist
	idx.Replace(refs, live)
	return live, nil
}

// Adaptation assembles a video adaptation from ingested variants. Each
// variant must already carry its parsed media playlist index.
func Adaptation(id string, variants []Variant, indexes []*index.ListIndex) (*media.Adaptation, error) {
	if len(variants) != len(indexes) {
		return nil, fmt.Errorf("got %d variants but %d indexes", len(variants), len(indexes))
	}
	a := &media.Adaptation{
		ID:         id,
		Type:       media.TypeVideo,
		InitPolicy: media.InitRequired,
	}
	for i, v := range variants {
		a.Representations = append(a.Representations, &media.Representation{
			ID:      fmt.Sprintf("%s-r%d", id, i),
			Bitrate: v.Bandwidth,
			Width:   v.Width,
			Height:  v.Height,
			Codec:   v.Codec,
			Index:   indexes[i],
		})
	}
	return a, nil
}

// parseResolution splits a "1280x720" attribute.
func parseResolution(res string) (width, height int) {
	parts := strings.SplitN(strings.ToLower(res), "x", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0
	}
	return w, h
}

// absolutizeURL converts a relative URL to absolute based on the playlist
// URL.
func absolutizeURL(playlistURL, segmentURL string) string {
	if strings.HasPrefix(segmentURL, "http://") || strings.HasPrefix(segmentURL, "https://") {
		return segmentURL
	}

	base, err := url.Parse(playlistURL)
	if err != nil {
		if idx := strings.LastIndex(playlistURL, "/"); idx >= 0 {
			return playlistURL[:idx+1] + segmentURL
		}
		return segmentURL
	}

	ref, err := url.Parse(segmentURL)
	if err != nil {
		return segmentURL
	}

	return base.ResolveReference(ref).String()
}
