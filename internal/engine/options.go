package engine

import (
	"time"

	"github.com/jmylchreest/mediabuf/internal/config"
	"github.com/jmylchreest/mediabuf/internal/fetch"
	"github.com/jmylchreest/mediabuf/internal/media"
	"github.com/jmylchreest/mediabuf/internal/sink"
)

// Options are session constructor options.
type Options struct {
	// WantedBufferAhead is the target buffered duration in seconds.
	WantedBufferAhead float64
	// MaxBufferAhead bounds retained data ahead of the playhead.
	MaxBufferAhead float64
	// MaxBufferBehind bounds retained data behind the playhead.
	MaxBufferBehind float64
	// LimitVideoWidth restricts video representations to the viewport
	// width reported through SetViewportWidth.
	LimitVideoWidth bool
	// ThrottleWhenHidden drops to the lowest bitrate while the page is
	// reported hidden.
	ThrottleWhenHidden bool

	InitialAudioBitrate int
	InitialVideoBitrate int
	MaxAudioBitrate     int
	MaxVideoBitrate     int

	DefaultAudioTrack string
	DefaultTextTrack  string

	// SkipInitialSeek swallows the first seeking tick after load.
	SkipInitialSeek bool

	StabilityWindow     time.Duration
	PreconditionBackoff time.Duration

	// SinkCapacity overrides the memory sink quota in bytes; 0 derives
	// it from system memory.
	SinkCapacity int64
}

// DefaultOptions mirrors the engine's documented defaults.
func DefaultOptions() Options {
	return Options{
		WantedBufferAhead: 30,
		MaxBufferAhead:    30,
		MaxBufferBehind:   30,
		MaxAudioBitrate:   -1,
		MaxVideoBitrate:   -1,
		SkipInitialSeek:   true,
	}
}

// OptionsFromConfig maps the viper configuration onto session options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WantedBufferAhead:   cfg.Buffer.WantedBufferAhead.Seconds(),
		MaxBufferAhead:      cfg.Buffer.MaxBufferAhead.Seconds(),
		MaxBufferBehind:     cfg.Buffer.MaxBufferBehind.Seconds(),
		LimitVideoWidth:     cfg.ABR.LimitVideoWidth,
		ThrottleWhenHidden:  cfg.ABR.ThrottleWhenHidden,
		InitialAudioBitrate: cfg.ABR.InitialAudioBitrate,
		InitialVideoBitrate: cfg.ABR.InitialVideoBitrate,
		MaxAudioBitrate:     cfg.ABR.MaxAudioBitrate,
		MaxVideoBitrate:     cfg.ABR.MaxVideoBitrate,
		SkipInitialSeek:     cfg.Buffer.SkipInitialSeek,
		StabilityWindow:     cfg.ABR.StabilityWindow,
		PreconditionBackoff: cfg.Fetch.PreconditionBackoff,
	}
}

// Transport selects the manifest/segment transport.
type Transport string

// Supported transports.
const (
	// TransportHLS loads an HLS multivariant or media playlist over HTTP.
	TransportHLS Transport = "hls"
	// TransportDirectFile plays a single media resource with no manifest.
	TransportDirectFile Transport = "directfile"
	// TransportManifest uses a pre-built manifest and injected pipeline;
	// the simulator and tests use it.
	TransportManifest Transport = "manifest"
)

// StartAt selects the initial playback position; exactly one field should
// be set.
type StartAt struct {
	WallClockTime     *time.Time
	Position          *float64
	FromFirstPosition *float64
	FromLastPosition  *float64
	Percentage        *float64
}

// TrackSource describes a supplementary out-of-manifest track.
type TrackSource struct {
	URL      string
	Language string
	Codec    string
}

// KeySystem configures one DRM key system. The engine treats media bytes
// as opaque; the configuration is forwarded untouched to the external
// key-system integration.
type KeySystem struct {
	Type       string
	LicenseURL string
}

// LoadOptions are per-session load parameters.
type LoadOptions struct {
	URL       string
	Transport Transport
	AutoPlay  bool
	// DirectFile forces the directfile transport.
	DirectFile bool

	HideNativeSubtitle       bool
	KeySystems               []KeySystem
	SupplementaryTextTracks  []TrackSource
	SupplementaryImageTracks []TrackSource

	StartAt *StartAt

	// Manifest supplies a pre-built manifest for TransportManifest.
	Manifest *media.Manifest
	// Pipeline overrides the fetch pipeline (TransportManifest).
	Pipeline fetch.Pipeline
	// Sink overrides the media sink; nil selects a MemorySink.
	Sink sink.Sink
}
