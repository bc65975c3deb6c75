// Package store persists the task graph and schedule in SQLite through gorm.
// Tasks and events carry a version column; every update is conditional on
// the version the caller last saw.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/msageha/ptm/internal/model"
)

var (
	// ErrConcurrencyConflict means the row changed or vanished since it was read.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrNotFound            = errors.New("not found")
)

// Snapshot is the full persisted state of one workspace.
type Snapshot struct {
	Tasks        []model.Task
	Dependencies []model.TaskDependency
	FocusBlocks  []model.FocusTimeBlock
	Events       []model.ScheduleEvent
}

type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at dsn and migrates the
// schema. gorm's own logging goes to w.
func Open(dsn string, w io.Writer) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if err := ensureDirForSQLite(dsn); err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}

	dbLogger := logger.New(
		log.New(w, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: dbLogger})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&taskRow{}, &dependencyRow{}, &focusBlockRow{}, &eventRow{}); err != nil {
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ensureDirForSQLite(dsn string) error {
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		return nil
	}
	clean := strings.TrimPrefix(dsn, "file:")
	clean = strings.Split(clean, "?")[0]
	dir := filepath.Dir(clean)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create db dir %q: %w", dir, err)
	}
	return nil
}

// Load reads every table in one read transaction.
func (s *Store) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tasks []taskRow
		if err := tx.Order("id").Find(&tasks).Error; err != nil {
			return fmt.Errorf("load tasks: %w", err)
		}
		var deps []dependencyRow
		if err := tx.Order("id").Find(&deps).Error; err != nil {
			return fmt.Errorf("load dependencies: %w", err)
		}
		var blocks []focusBlockRow
		if err := tx.Order("day_of_week, start_min, id").Find(&blocks).Error; err != nil {
			return fmt.Errorf("load focus blocks: %w", err)
		}
		var events []eventRow
		if err := tx.Order("date_ms, start_min, id").Find(&events).Error; err != nil {
			return fmt.Errorf("load events: %w", err)
		}

		for _, r := range tasks {
			snap.Tasks = append(snap.Tasks, r.toModel())
		}
		for _, r := range deps {
			snap.Dependencies = append(snap.Dependencies, r.toModel())
		}
		for _, r := range blocks {
			snap.FocusBlocks = append(snap.FocusBlocks, r.toModel())
		}
		for _, r := range events {
			snap.Events = append(snap.Events, r.toModel())
		}
		return nil
	})
	return snap, err
}
