package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/msageha/ptm/internal/model"
)

// CreateTask inserts a new task at version 1.
func (s *Store) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	row := taskRowFrom(t)
	row.Version = 1
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.Task{}, fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return row.toModel(), nil
}

// UpdateTask writes t if the stored version still equals t.Version and
// returns the task with its new version.
func (s *Store) UpdateTask(ctx context.Context, t model.Task) (model.Task, error) {
	row := taskRowFrom(t)
	row.Version = t.Version + 1
	res := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND version = ?", t.ID, t.Version).
		Select("*").Omit("id", "created_at").
		Updates(&row)
	if res.Error != nil {
		return model.Task{}, fmt.Errorf("update task %s: %w", t.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return model.Task{}, fmt.Errorf("update task %s at version %d: %w", t.ID, t.Version, ErrConcurrencyConflict)
	}
	return row.toModel(), nil
}

// CompleteTask writes t and deletes its events in one transaction. Every
// write is conditional on the version passed in; any mismatch aborts the
// whole change with ErrConcurrencyConflict.
func (s *Store) CompleteTask(ctx context.Context, t model.Task, events []model.ScheduleEvent) (model.Task, error) {
	var stored model.Task
	err := s.withTx(ctx, func(tx *gorm.DB) error {
		row := taskRowFrom(t)
		row.Version = t.Version + 1
		res := tx.Model(&taskRow{}).
			Where("id = ? AND version = ?", t.ID, t.Version).
			Select("*").Omit("id", "created_at").
			Updates(&row)
		if res.Error != nil {
			return fmt.Errorf("update task %s: %w", t.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("update task %s at version %d: %w", t.ID, t.Version, ErrConcurrencyConflict)
		}
		for _, e := range events {
			res := tx.Where("id = ? AND version = ?", e.ID, e.Version).Delete(&eventRow{})
			if res.Error != nil {
				return fmt.Errorf("delete event %s: %w", e.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("delete event %s at version %d: %w", e.ID, e.Version, ErrConcurrencyConflict)
			}
		}
		stored = row.toModel()
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	return stored, nil
}

func (s *Store) CreateDependency(ctx context.Context, d model.TaskDependency) error {
	row := dependencyRow{ID: d.ID, TaskID: d.TaskID, DependsOnTaskID: d.DependsOnTaskID, Type: string(d.Type)}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create dependency %s: %w", d.ID, err)
	}
	return nil
}

// DeleteDependency is a no-op for an unknown id.
func (s *Store) DeleteDependency(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&dependencyRow{}).Error; err != nil {
		return fmt.Errorf("delete dependency %s: %w", id, err)
	}
	return nil
}

// SaveFocusBlock inserts or replaces a focus block.
func (s *Store) SaveFocusBlock(ctx context.Context, b model.FocusTimeBlock) error {
	row := focusBlockRow{
		ID:        b.ID,
		DayOfWeek: int(b.DayOfWeek),
		StartMin:  b.StartMin,
		EndMin:    b.EndMin,
		IsEnabled: b.IsEnabled,
		BlockName: b.BlockName,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save focus block %s: %w", b.ID, err)
	}
	return nil
}

func (s *Store) DeleteFocusBlock(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&focusBlockRow{})
	if res.Error != nil {
		return fmt.Errorf("delete focus block %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("focus block %s: %w", id, ErrNotFound)
	}
	return nil
}

// withTx runs fn in a transaction bound to ctx.
func (s *Store) withTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}
