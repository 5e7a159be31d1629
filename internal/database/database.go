// Package database provides the embedded SQLite connection used by the
// bandwidth store, through GORM.
package database

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB wraps a GORM database connection.
type DB struct {
	*gorm.DB
	logger *slog.Logger
}

// Open creates the embedded SQLite database at the given DSN. A client
// side engine persists only small key-value style rows, so the pool stays
// tiny.
func Open(dsn string, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	log.Debug("database opened", slog.String("dsn", dsn))
	return &DB{DB: db, logger: log}, nil
}

// Migrate runs auto-migration for the given models.
func (d *DB) Migrate(models ...any) error {
	if err := d.AutoMigrate(models...); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
