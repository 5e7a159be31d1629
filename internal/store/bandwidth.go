// Package store persists the last known throughput per origin host and
// media type, so a new session starts from a realistic bandwidth estimate
// instead of the lowest representation.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/mediabuf/internal/database"
	"github.com/jmylchreest/mediabuf/internal/media"
	"gorm.io/gorm"
)

// staleAfter is how long a persisted estimate stays trustworthy.
const staleAfter = 14 * 24 * time.Hour

// BandwidthRecord is one persisted throughput observation.
type BandwidthRecord struct {
	ID        media.ULID `gorm:"primaryKey;type:text"`
	Host      string     `gorm:"uniqueIndex:idx_host_type;not null"`
	MediaType string     `gorm:"uniqueIndex:idx_host_type;not null"`
	// BitsPerSec is the EWMA estimate at session end.
	BitsPerSec float64 `gorm:"not null"`
	UpdatedAt  time.Time
	CreatedAt  time.Time
}

// TableName overrides the GORM table name.
func (BandwidthRecord) TableName() string { return "bandwidth_records" }

// BandwidthStore reads and writes persisted estimates.
type BandwidthStore struct {
	db     *database.DB
	logger *slog.Logger
}

// NewBandwidthStore creates the store and migrates its schema.
func NewBandwidthStore(db *database.DB, logger *slog.Logger) (*BandwidthStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.Migrate(&BandwidthRecord{}); err != nil {
		return nil, err
	}
	return &BandwidthStore{db: db, logger: logger}, nil
}

// Lookup returns the persisted estimate for (host, mediaType), or ok=false
// when none exists or it went stale.
func (s *BandwidthStore) Lookup(host string, t media.Type) (float64, bool) {
	var rec BandwidthRecord
	err := s.db.Where("host = ? AND media_type = ?", host, string(t)).First(&rec).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("bandwidth lookup failed", slog.String("error", err.Error()))
		}
		return 0, false
	}
	if time.Since(rec.UpdatedAt) > staleAfter {
		return 0, false
	}
	return rec.BitsPerSec, true
}

// Save upserts the estimate for (host, mediaType).
func (s *BandwidthStore) Save(host string, t media.Type, bitsPerSec float64) error {
	if bitsPerSec <= 0 {
		return nil
	}

	var rec BandwidthRecord
	err := s.db.Where("host = ? AND media_type = ?", host, string(t)).First(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = BandwidthRecord{
			ID:         media.NewULID(),
			Host:       host,
			MediaType:  string(t),
			BitsPerSec: bitsPerSec,
		}
		if err := s.db.Create(&rec).Error; err != nil {
			return fmt.Errorf("creating bandwidth record: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("querying bandwidth record: %w", err)
	}

	rec.BitsPerSec = bitsPerSec
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("updating bandwidth record: %w", err)
	}
	return nil
}
