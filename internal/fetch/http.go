package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jmylchreest/mediabuf/internal/httpclient"
	"github.com/jmylchreest/mediabuf/internal/media"
)

// progressChunkSize is the read granularity used to surface transfer
// progress.
const progressChunkSize = 16 * 1024

// HTTPPipeline fetches segments over HTTP and extracts fMP4 timing
// metadata. Non-fMP4 payloads (text, images) pass through untouched.
type HTTPPipeline struct {
	client *httpclient.Client
	logger *slog.Logger

	// timescales caches the media timescale learned from each
	// representation's init segment, keyed by representation id.
	mu         sync.Mutex
	timescales map[string]int64
}

var _ Pipeline = (*HTTPPipeline)(nil)

// NewHTTPPipeline creates a pipeline on top of the resilient HTTP client.
func NewHTTPPipeline(client *httpclient.Client, logger *slog.Logger) *HTTPPipeline {
	if client == nil {
		client = httpclient.NewWithDefaults()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPPipeline{
		client:     client,
		logger:     logger,
		timescales: make(map[string]int64),
	}
}

// Fetch downloads the segment, reporting progress, and parses timing
// metadata for fMP4 payloads.
func (p *HTTPPipeline) Fetch(ctx context.Context, req Request, onProgress ProgressFunc) (*Parsed, error) {
	seg := req.Segment

	resp, err := p.client.GetRange(ctx, seg.Media, seg.ByteRange)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPreconditionFailed:
		return nil, &PreconditionError{URL: seg.Media}
	case resp.StatusCode >= 300:
		return nil, &StatusError{URL: seg.Media, Code: resp.StatusCode}
	}

	data, err := readAllWithProgress(ctx, resp.Body, onProgress)
	if err != nil {
		return nil, err
	}

	parsed := &Parsed{Blob: data}
	if req.Adaptation != nil {
		switch req.Adaptation.Type {
		case media.TypeText, media.TypeImage:
			return parsed, nil
		}
	}

	if seg.IsInit {
		if ts := initTimescale(data); ts > 0 {
			parsed.Timescale = ts
			p.mu.Lock()
			p.timescales[req.Representation.ID] = ts
			p.mu.Unlock()
		}
		return parsed, nil
	}

	baseTime, duration, ok := fragmentTiming(data)
	if !ok {
		p.logger.Debug("segment carries no parseable fragment timing",
			slog.String("segment", seg.ID))
		return parsed, nil
	}

	timescale := p.trackTimescale(req.Representation.ID, seg.Timescale)
	parsed.Timescale = timescale
	parsed.CurrentSegment = &media.SegmentInfo{
		Time:      baseTime,
		Duration:  duration,
		Timescale: timescale,
	}
	return parsed, nil
}

// trackTimescale prefers the timescale learned from the init segment and
// falls back to the index's.
func (p *HTTPPipeline) trackTimescale(repID string, fallback int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ts, ok := p.timescales[repID]; ok {
		return ts
	}
	return fallback
}

// readAllWithProgress drains r, invoking onProgress with cumulative sizes.
func readAllWithProgress(ctx context.Context, r io.Reader, onProgress ProgressFunc) ([]byte, error) {
	var (
		data  []byte
		total int64
		buf   = make([]byte, progressChunkSize)
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			total += int64(n)
			if onProgress != nil {
				onProgress(total, time.Now())
			}
		}
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
