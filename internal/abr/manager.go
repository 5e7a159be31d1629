package abr

import (
	"log/slog"
	"time"

	"github.com/jmylchreest/mediabuf/internal/media"
)

// Manager multiplexes one chooser per media type and is the single entry
// point for runtime bitrate controls.
type Manager struct {
	choosers map[media.Type]*Chooser
	logger   *slog.Logger
}

// NewManager creates a manager holding one chooser per media type.
func NewManager(stabilityWindow time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		choosers: make(map[media.Type]*Chooser, len(media.Types)),
		logger:   logger,
	}
	for _, t := range media.Types {
		m.choosers[t] = NewChooser(t, stabilityWindow, logger)
	}
	return m
}

// Chooser returns the chooser for the given media type.
func (m *Manager) Chooser(t media.Type) *Chooser {
	return m.choosers[t]
}

// SetManualBitrate forces the selection for one media type; Unlimited (-1)
// restores automatic mode.
func (m *Manager) SetManualBitrate(t media.Type, bitrate int) {
	if c, ok := m.choosers[t]; ok {
		c.SetManualBitrate(bitrate)
	}
}

// SetMaxAutoBitrate caps automatic selection for one media type.
func (m *Manager) SetMaxAutoBitrate(t media.Type, bitrate int) {
	if c, ok := m.choosers[t]; ok {
		c.SetMaxAutoBitrate(bitrate)
	}
}

// SetLimitWidth restricts the video chooser to the given viewport width.
func (m *Manager) SetLimitWidth(width int) {
	m.choosers[media.TypeVideo].SetLimitWidth(width)
}

// SetThrottle caps every chooser, for external throttling such as a
// hidden page. Unlimited removes the throttle.
func (m *Manager) SetThrottle(bitrate int) {
	for _, c := range m.choosers {
		c.SetThrottle(bitrate)
	}
}
