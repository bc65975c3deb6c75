package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/msageha/ptm/internal/model"
)

// CreateEvent inserts a new event at version 1.
func (s *Store) CreateEvent(ctx context.Context, e model.ScheduleEvent) (model.ScheduleEvent, error) {
	row := eventRowFrom(e)
	row.Version = 1
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return model.ScheduleEvent{}, fmt.Errorf("create event %s: %w", e.ID, err)
	}
	return row.toModel(), nil
}

// UpdateEvent writes e if the stored version still equals e.Version.
func (s *Store) UpdateEvent(ctx context.Context, e model.ScheduleEvent) (model.ScheduleEvent, error) {
	row := eventRowFrom(e)
	row.Version = e.Version + 1
	res := s.db.WithContext(ctx).Model(&eventRow{}).
		Where("id = ? AND version = ?", e.ID, e.Version).
		Select("*").Omit("id").
		Updates(&row)
	if res.Error != nil {
		return model.ScheduleEvent{}, fmt.Errorf("update event %s: %w", e.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ScheduleEvent{}, fmt.Errorf("update event %s at version %d: %w", e.ID, e.Version, ErrConcurrencyConflict)
	}
	return row.toModel(), nil
}

// DeleteEvent removes the event at the given version.
func (s *Store) DeleteEvent(ctx context.Context, id string, version int) error {
	res := s.db.WithContext(ctx).Where("id = ? AND version = ?", id, version).Delete(&eventRow{})
	if res.Error != nil {
		return fmt.Errorf("delete event %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete event %s at version %d: %w", id, version, ErrConcurrencyConflict)
	}
	return nil
}

// ReplaceSchedule deletes the unpinned events named in remove and inserts
// events, in one transaction. Pinned events are never touched; pinned entries
// in events are ignored. The stored events are returned at version 1.
func (s *Store) ReplaceSchedule(ctx context.Context, remove []string, events []model.ScheduleEvent) ([]model.ScheduleEvent, error) {
	var rows []eventRow
	for _, e := range events {
		if e.IsManualOverride {
			continue
		}
		r := eventRowFrom(e)
		r.Version = 1
		rows = append(rows, r)
	}

	err := s.withTx(ctx, func(tx *gorm.DB) error {
		if len(remove) > 0 {
			err := tx.Where("id IN ? AND is_manual_override = ?", remove, false).Delete(&eventRow{}).Error
			if err != nil {
				return fmt.Errorf("clear schedule: %w", err)
			}
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&rows, 100).Error; err != nil {
			return fmt.Errorf("insert schedule: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.ScheduleEvent, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}
