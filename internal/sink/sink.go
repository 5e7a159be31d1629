// Package sink defines the downstream media sink seam: the component
// receiving parsed media bytes, plus the locking discipline serializing
// its mutations.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmylchreest/mediabuf/internal/media"
)

// Blob is one parsed segment handed to the sink. Media bytes are opaque;
// Start/End carry the timing metadata the sink tracks buffered ranges
// with. Init blobs have no timing.
type Blob struct {
	MediaType media.Type
	Data      []byte
	IsInit    bool
	Start     float64
	End       float64
}

// Interval is a buffered span reported by the sink.
type Interval struct {
	Start float64
	End   float64
}

// Sink is the capability set of a downstream media sink. Append and
// Remove complete when the sink has fully applied the mutation (the
// "update" event); they must never be invoked while Updating reports
// true. The Locker enforces that discipline.
type Sink interface {
	Append(ctx context.Context, blob Blob) error
	Remove(ctx context.Context, start, end float64) error
	Buffered() []Interval
	Updating() bool
}

// QuotaError signals the sink's backing storage is full and data must be
// evicted before the mutation can be retried.
type QuotaError struct {
	Requested int64
	Capacity  int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %d bytes requested, capacity %d", e.Requested, e.Capacity)
}

// IsQuotaExceeded reports whether err is a sink quota error.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}
