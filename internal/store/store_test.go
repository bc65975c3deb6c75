package store

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/ptm/internal/model"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "ptm.db"), io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTask(id string) model.Task {
	deadline := monday.Add(17 * time.Hour)
	return model.Task{
		ID:                     id,
		Title:                  "write report",
		Priority:               model.PriorityHigh,
		EstimatedDurationHours: 1.5,
		Deadline:               &deadline,
		IsDeepWork:             true,
		Status:                 model.TaskStatusTodo,
		Tags:                   []string{"writing", "q1"},
	}
}

func sampleEvent(id string, pinned bool) model.ScheduleEvent {
	return model.ScheduleEvent{
		ID: id, SourceTaskID: "task_a", DateMs: monday.UnixMilli(),
		StartMin: 540, EndMin: 600, DurationMin: 60, TaskPart: 1, TotalParts: 1,
		IsManualOverride: pinned, Status: model.EventStatusScheduled,
		Utility:          42.5,
		UtilityBreakdown: model.UtilityBreakdown{PriorityScore: 30, DeadlineScore: 12.5, Reason: "medium priority"},
	}
}

func TestStore_TaskRoundTripAndVersioning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, sampleTask("task_a"))
	require.NoError(t, err)
	assert.Equal(t, 1, created.Version)

	created.Status = model.TaskStatusInProgress
	created.IsDeepWork = false
	updated, err := s.UpdateTask(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	// a writer still holding version 1 loses
	_, err = s.UpdateTask(ctx, created)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Tasks, 1)
	got := snap.Tasks[0]
	assert.Equal(t, model.TaskStatusInProgress, got.Status)
	assert.False(t, got.IsDeepWork, "false must be written, not skipped")
	assert.Equal(t, []string{"writing", "q1"}, got.Tags)
	require.NotNil(t, got.Deadline)
	assert.True(t, got.Deadline.Equal(*sampleTask("x").Deadline))
}

func TestStore_UpdateMissingTaskConflicts(t *testing.T) {
	s := openTestStore(t)

	_, err := s.UpdateTask(context.Background(), sampleTask("task_missing"))

	assert.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestStore_Dependencies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	dep := model.TaskDependency{ID: "dep_1", TaskID: "task_a", DependsOnTaskID: "task_b", Type: model.DependencyFinishToStart}

	require.NoError(t, s.CreateDependency(ctx, dep))
	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.TaskDependency{dep}, snap.Dependencies)

	require.NoError(t, s.DeleteDependency(ctx, "dep_1"))
	require.NoError(t, s.DeleteDependency(ctx, "dep_1"), "deleting twice is a no-op")
	snap, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Dependencies)
}

func TestStore_FocusBlockUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	b := model.FocusTimeBlock{ID: "focus_1", DayOfWeek: time.Tuesday, StartMin: 540, EndMin: 660, IsEnabled: true, BlockName: "morning"}

	require.NoError(t, s.SaveFocusBlock(ctx, b))
	b.IsEnabled = false
	b.EndMin = 720
	require.NoError(t, s.SaveFocusBlock(ctx, b))

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.FocusTimeBlock{b}, snap.FocusBlocks)

	require.NoError(t, s.DeleteFocusBlock(ctx, "focus_1"))
	assert.ErrorIs(t, s.DeleteFocusBlock(ctx, "focus_1"), ErrNotFound)
}

func TestStore_EventVersioning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e, err := s.CreateEvent(ctx, sampleEvent("evt_1", false))
	require.NoError(t, err)
	assert.Equal(t, 1, e.Version)

	moved := e
	moved.StartMin, moved.EndMin = 600, 660
	moved.IsManualOverride = true
	moved, err = s.UpdateEvent(ctx, moved)
	require.NoError(t, err)
	assert.Equal(t, 2, moved.Version)

	_, err = s.UpdateEvent(ctx, e)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	assert.ErrorIs(t, s.DeleteEvent(ctx, "evt_1", 1), ErrConcurrencyConflict)
	require.NoError(t, s.DeleteEvent(ctx, "evt_1", 2))
	assert.ErrorIs(t, s.DeleteEvent(ctx, "evt_1", 2), ErrConcurrencyConflict, "a vanished row is a conflict")
}

func TestStore_ReplaceScheduleKeepsPins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pin, err := s.CreateEvent(ctx, sampleEvent("evt_pin", true))
	require.NoError(t, err)
	_, err = s.CreateEvent(ctx, sampleEvent("evt_old", false))
	require.NoError(t, err)
	other := sampleEvent("evt_other_day", false)
	other.DateMs = monday.AddDate(0, 0, 7).UnixMilli()
	other, err = s.CreateEvent(ctx, other)
	require.NoError(t, err)

	fresh := sampleEvent("evt_new", false)
	fresh.StartMin, fresh.EndMin = 600, 660
	ignored := sampleEvent("evt_pin2", true)

	// a pinned id in remove is left alone
	stored, err := s.ReplaceSchedule(ctx, []string{"evt_old", "evt_pin"}, []model.ScheduleEvent{fresh, ignored})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 1, stored[0].Version)

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Events, 3)
	assert.Equal(t, pin, snap.Events[0])
	assert.Equal(t, "evt_new", snap.Events[1].ID)
	assert.Equal(t, fresh.UtilityBreakdown, snap.Events[1].UtilityBreakdown)
	assert.Equal(t, other, snap.Events[2])
}

func TestStore_CompleteTaskDeletesEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, sampleTask("task_a"))
	require.NoError(t, err)
	pin, err := s.CreateEvent(ctx, sampleEvent("evt_pin", true))
	require.NoError(t, err)
	placed, err := s.CreateEvent(ctx, sampleEvent("evt_placed", false))
	require.NoError(t, err)

	done := task
	done.Status = model.TaskStatusDone

	// a stale event version aborts everything
	stale := placed
	stale.Version = 7
	_, err = s.CompleteTask(ctx, done, []model.ScheduleEvent{pin, stale})
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Events, 2)
	assert.Equal(t, model.TaskStatusTodo, snap.Tasks[0].Status)

	stored, err := s.CompleteTask(ctx, done, []model.ScheduleEvent{pin, placed})
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	snap, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Events)
	assert.Equal(t, model.TaskStatusDone, snap.Tasks[0].Status)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("", io.Discard)
	assert.Error(t, err)
}
