// Package sqlite persists sandbox records in SQLite via GORM so sandboxes
// survive process restarts. Uses modernc.org/sqlite (pure Go, no CGO)
// through the glebarez/sqlite GORM driver, with WAL mode enabled by
// default for concurrent reads.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/noxrunner/noxrunner/internal/sandbox"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Store implements sandbox.RecordStore backed by SQLite.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string
}

// recordModel is the persisted shape of a sandbox.Record.
type recordModel struct {
	SessionID     string    `gorm:"primaryKey;column:session_id"`
	RootPath      string    `gorm:"column:root_path"`
	WorkspaceName string    `gorm:"column:workspace_name"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	ExpiresAt     time.Time `gorm:"column:expires_at"`
	TTLSeconds    int64     `gorm:"column:ttl_seconds"`
}

func (recordModel) TableName() string { return "sandbox_records" }

// Open creates a SQLite-backed record store, creating the database file
// and schema as needed.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: database path is required")
	}
	if slogger == nil {
		slogger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", cfg.Path, err)
	}

	if err := db.AutoMigrate(&recordModel{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	slogger.Info("sqlite record store opened", slog.String("path", cfg.Path))
	return &Store{db: db, logger: slogger, path: cfg.Path}, nil
}

// Save inserts or updates the record keyed by its session identifier.
func (s *Store) Save(ctx context.Context, rec *sandbox.Record) error {
	m := recordModel{
		SessionID:     rec.SessionID,
		RootPath:      rec.RootPath,
		WorkspaceName: rec.WorkspaceName,
		CreatedAt:     rec.CreatedAt,
		ExpiresAt:     rec.ExpiresAt,
		TTLSeconds:    int64(rec.TTL / time.Second),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			UpdateAll: true,
		}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("saving record %s: %w", rec.SessionID, err)
	}
	return nil
}

// Delete removes the record for sessionID. Deleting a record that does not
// exist is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&recordModel{}).Error
	if err != nil {
		return fmt.Errorf("deleting record %s: %w", sessionID, err)
	}
	return nil
}

// List returns all persisted records.
func (s *Store) List(ctx context.Context) ([]sandbox.Record, error) {
	var models []recordModel
	if err := s.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	records := make([]sandbox.Record, 0, len(models))
	for _, m := range models {
		records = append(records, sandbox.Record{
			SessionID:     m.SessionID,
			RootPath:      m.RootPath,
			WorkspaceName: m.WorkspaceName,
			CreatedAt:     m.CreatedAt,
			ExpiresAt:     m.ExpiresAt,
			TTL:           time.Duration(m.TTLSeconds) * time.Second,
		})
	}
	return records, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
