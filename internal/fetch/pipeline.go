// Package fetch implements the segment fetch+parse pipeline: it turns a
// segment reference into opaque media bytes plus timing metadata, emitting
// transfer progress along the way.
package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/jmylchreest/mediabuf/internal/media"
)

// Request identifies one segment fetch.
type Request struct {
	Adaptation     *media.Adaptation
	Representation *media.Representation
	Segment        media.SegmentRef
}

// Parsed is the terminal result of a pipeline run. Timing fields are
// optional; they feed the live timeline update path when present.
type Parsed struct {
	// Blob is the opaque media payload to append to the sink.
	Blob []byte
	// Timescale is the media timescale discovered during parsing, 0 when
	// unknown.
	Timescale int64
	// NextSegments announces upcoming segments (live streams embedding
	// forward references).
	NextSegments []media.SegmentInfo
	// CurrentSegment is the parsed timing of the fetched segment itself.
	CurrentSegment *media.SegmentInfo
}

// ProgressFunc receives cumulative transfer progress. Timestamps are
// strictly non-decreasing per request.
type ProgressFunc func(sizeBytes int64, timestamp time.Time)

// Pipeline fetches and parses one segment at a time. Implementations must
// honour ctx cancellation promptly: the scheduler cancels in-flight
// fetches on representation changes and seeks.
type Pipeline interface {
	Fetch(ctx context.Context, req Request, onProgress ProgressFunc) (*Parsed, error)
}

// PreconditionError reports an HTTP 412 from the origin: the requested
// segment is not materialized at the live edge yet.
type PreconditionError struct {
	URL string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed fetching %s", e.URL)
}

// StatusError reports a non-retryable, non-412 HTTP failure.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d fetching %s", e.Code, e.URL)
}
