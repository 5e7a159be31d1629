// Package index implements segment indexes: structures resolving playback
// time to concrete segment references. Two variants exist, a compact
// run-length encoded template timeline (live friendly) and an explicitly
// enumerated list.
package index

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrOutOfIndex is returned when a requested time is outside the
// representable range of an index. The scheduler surfaces it as a
// recoverable event triggering a manifest refresh.
var ErrOutOfIndex = errors.New("time out of index range")

// segmentID builds the canonical id for a media segment reference,
// unique per (representation, start tick).
func segmentID(repID string, timeTicks int64) string {
	return fmt.Sprintf("%s_%d", repID, timeTicks)
}

// initSegmentID builds the id for a representation's init segment.
func initSegmentID(repID string) string {
	return repID + "_init"
}

// fillTemplate expands $RepresentationID$, $Number$ and $Time$ tokens of a
// media URL template.
func fillTemplate(tpl, repID string, number, timeTicks int64) string {
	out := strings.ReplaceAll(tpl, "$RepresentationID$", repID)
	out = strings.ReplaceAll(out, "$Number$", strconv.FormatInt(number, 10))
	out = strings.ReplaceAll(out, "$Time$", strconv.FormatInt(timeTicks, 10))
	return out
}
