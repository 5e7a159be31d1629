// Package media defines the core data model shared by the buffer engine:
// media types, representations, segment references and the manifest that
// owns them.
package media

import (
	"fmt"
	"math"
)

// Type identifies a media track kind.
type Type string

// The closed set of media types the engine schedules.
const (
	TypeAudio Type = "audio"
	TypeVideo Type = "video"
	TypeText  Type = "text"
	TypeImage Type = "image"
)

// Types lists every media type in scheduling order.
var Types = []Type{TypeAudio, TypeVideo, TypeText, TypeImage}

// Valid reports whether t is one of the known media types.
func (t Type) Valid() bool {
	switch t {
	case TypeAudio, TypeVideo, TypeText, TypeImage:
		return true
	}
	return false
}

func (t Type) String() string { return string(t) }

// UnknownDuration marks a segment whose duration is not yet known, such as
// the open-ended last entry of a live timeline.
const UnknownDuration int64 = -1

// SegmentRef identifies one fetchable media segment. Time and Duration are
// integer ticks in the owning index's timescale; real time is
// ticks/Timescale seconds.
type SegmentRef struct {
	ID       string
	Time     int64
	Duration int64 // UnknownDuration if open-ended
	Number   int64
	// ByteRange is the inclusive byte span inside Media, nil for whole
	// resources.
	ByteRange *ByteRange
	IsInit    bool
	Timescale int64
	// Media is the URL (or URL template, for template indexes) of the
	// segment resource.
	Media string
}

// ByteRange is an inclusive byte span.
type ByteRange struct {
	Start uint64
	End   uint64
}

// TimeSec returns the segment start in seconds.
func (s SegmentRef) TimeSec() float64 {
	if s.Timescale <= 0 {
		return 0
	}
	return float64(s.Time) / float64(s.Timescale)
}

// DurationSec returns the segment duration in seconds, or +Inf when the
// duration is unknown.
func (s SegmentRef) DurationSec() float64 {
	if s.Duration == UnknownDuration {
		return math.Inf(1)
	}
	if s.Timescale <= 0 {
		return 0
	}
	return float64(s.Duration) / float64(s.Timescale)
}

// EndSec returns the segment end in seconds, or +Inf when open-ended.
func (s SegmentRef) EndSec() float64 {
	if s.Duration == UnknownDuration {
		return math.Inf(1)
	}
	return s.TimeSec() + s.DurationSec()
}

// HasTime reports whether the reference carries timing information.
// Init and metadata segments do not.
func (s SegmentRef) HasTime() bool {
	return !s.IsInit && s.Timescale > 0
}

// SegmentInfo describes timing of a parsed segment, used to keep live
// timelines up to date. Values are ticks in Timescale.
type SegmentInfo struct {
	Time      int64
	Duration  int64
	Timescale int64
}

// Rescale converts the info's ticks into the target timescale.
func (si SegmentInfo) Rescale(timescale int64) SegmentInfo {
	if si.Timescale == timescale || si.Timescale <= 0 || timescale <= 0 {
		return si
	}
	ratio := float64(timescale) / float64(si.Timescale)
	return SegmentInfo{
		Time:      int64(math.Round(float64(si.Time) * ratio)),
		Duration:  int64(math.Round(float64(si.Duration) * ratio)),
		Timescale: timescale,
	}
}

// SegmentIndex resolves playback time to segment references. It is
// implemented by the index package; the interface lives here so the
// manifest can hold indexes without a package cycle.
type SegmentIndex interface {
	// Segments returns the references overlapping [upSec, toSec).
	Segments(repID string, upSec, toSec float64) ([]SegmentRef, error)
	// InitSegment returns the initialization segment reference, or
	// ok=false when the representation has none.
	InitSegment(repID string) (SegmentRef, bool)
	// ShouldRefresh reports whether the timeline does not extend to
	// toSec and a manifest refresh is needed.
	ShouldRefresh(timeSec, upSec, toSec float64) bool
	// FirstPosition returns the earliest reachable position in seconds.
	FirstPosition() float64
	// LastPosition returns the latest known position in seconds.
	LastPosition() float64
	// CheckDiscontinuity returns the start (seconds) of the entry after
	// a known gap when timeSec lies inside the entry preceding that gap,
	// or -1 otherwise.
	CheckDiscontinuity(timeSec float64) float64
	// AddSegmentInfos folds freshly parsed segment timing into the
	// index. Returns true when the index changed.
	AddSegmentInfos(next []SegmentInfo, current *SegmentInfo) bool
}

// Representation is one selectable quality of an adaptation. Immutable
// after manifest load.
type Representation struct {
	ID      string
	Bitrate int
	Width   int
	Height  int
	Codec   string
	Index   SegmentIndex
}

func (r *Representation) String() string {
	return fmt.Sprintf("%s@%d", r.ID, r.Bitrate)
}

// InitPolicy controls whether a track type requires an init segment before
// media segments.
type InitPolicy string

const (
	// InitRequired means the sink needs the init segment first.
	InitRequired InitPolicy = "required"
	// InitNone means segments are self-contained (most text tracks).
	InitNone InitPolicy = "none"
)

// Adaptation is a set of interchangeable representations of one media type
// within one period.
type Adaptation struct {
	ID              string
	Type            Type
	Language        string
	InitPolicy      InitPolicy
	Representations []*Representation
}

// RepresentationByID returns the representation with the given id.
func (a *Adaptation) RepresentationByID(id string) (*Representation, bool) {
	for _, r := range a.Representations {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}
