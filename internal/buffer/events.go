package buffer

import (
	"github.com/jmylchreest/mediabuf/internal/media"
)

// EventKind discriminates scheduler events.
type EventKind string

// Scheduler event kinds.
const (
	// EventLoaded reports a segment fetched, parsed and appended.
	EventLoaded EventKind = "loaded"
	// EventPreconditionFailed reports an HTTP 412 at the live edge; the
	// scheduler backs off and rebuilds on its own.
	EventPreconditionFailed EventKind = "precondition-failed"
	// EventOutOfIndex reports a request outside the timeline; the
	// consumer should refresh the manifest.
	EventOutOfIndex EventKind = "out-of-index"
	// EventError reports a fatal condition terminating the scheduler.
	EventError EventKind = "error"
)

// Event is one scheduler emission.
type Event struct {
	Kind           EventKind
	MediaType      media.Type
	Representation *media.Representation
	Segment        media.SegmentRef
	// AddedSegments carries forward references folded into the timeline
	// with this segment.
	AddedSegments []media.SegmentInfo
	Err           error
}
