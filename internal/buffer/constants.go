package buffer

import (
	"time"

	"github.com/jmylchreest/mediabuf/internal/media"
)

const (
	// BitrateRebufferingRatio is the multiplier on a stored range's
	// bitrate above which a candidate segment is considered redundant
	// and skipped.
	BitrateRebufferingRatio = 1.5

	// GCGapCalm is the half-width (seconds) of the window preserved
	// around the playhead on the first garbage collection pass.
	GCGapCalm = 240.0

	// GCGapBeefy is the aggressive half-width used when the calm pass
	// reclaimed nothing.
	GCGapBeefy = 30.0

	// DefaultPreconditionBackoff is the wait before rebuilding the inner
	// pipeline after an HTTP 412.
	DefaultPreconditionBackoff = 2 * time.Second
)

// Per-type water marks suppressing churn around the playhead: with less
// than the low mark buffered, segments are injected from the playhead
// itself; above it, injection starts up to the high mark further out.
func lowWaterMark(t media.Type) float64 {
	if t == media.TypeVideo {
		return 4
	}
	return 1
}

func highWaterMark(t media.Type) float64 {
	if t == media.TypeVideo {
		return 6
	}
	return 1
}
