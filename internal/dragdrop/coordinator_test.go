package dragdrop

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/ptm/internal/graph"
	"github.com/msageha/ptm/internal/model"
	"github.com/msageha/ptm/internal/session"
	"github.com/msageha/ptm/internal/store"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func newSession(t *testing.T) *session.Session {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ptm.db"), io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	s := session.New(st, session.Options{ConfirmTimeout: 5 * time.Second})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func wait(t *testing.T, p *session.Pending) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

func addTask(t *testing.T, s *session.Session, id string, hours float64) {
	t.Helper()
	_, p, err := s.AddTask(model.Task{ID: id, Title: id, Priority: model.PriorityMedium, EstimatedDurationHours: hours})
	require.NoError(t, err)
	wait(t, p)
}

func TestCoordinator_ExternalDropCreatesOnePinnedEvent(t *testing.T) {
	s := newSession(t)
	addTask(t, s, "task_a", 1.5)
	c := New(s, 15)

	require.NoError(t, c.BeginExternal("task_a"))
	assert.Equal(t, StateDragging, c.State())

	drop, err := c.DropOnCalendar(monday.Add(3*time.Hour).UnixMilli(), 607)
	require.NoError(t, err)
	wait(t, drop.Pending)
	assert.Equal(t, StateIdle, c.State())

	assert.Equal(t, monday.UnixMilli(), drop.Event.DateMs)
	assert.Equal(t, 600, drop.Event.StartMin)
	assert.Equal(t, 690, drop.Event.EndMin)
	assert.True(t, drop.Event.IsManualOverride)

	evs := s.Schedule(model.DateRange{Start: monday, End: monday})
	require.Len(t, evs, 1)
	assert.Equal(t, drop.Event.ID, evs[0].ID)
	assert.Equal(t, 1, evs[0].TotalParts)
}

func TestCoordinator_BlockedTaskDropRejected(t *testing.T) {
	s := newSession(t)
	addTask(t, s, "task_a", 1)
	addTask(t, s, "task_b", 1)
	_, p, err := s.AddDependency("task_b", "task_a")
	require.NoError(t, err)
	wait(t, p)

	c := New(s, 15)
	require.NoError(t, c.BeginExternal("task_b"))
	_, err = c.DropOnCalendar(monday.UnixMilli(), 540)

	var ve *graph.ValidationErrors
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.HasReason(graph.ReasonBlockedTaskDrop))
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, s.Schedule(model.DateRange{Start: monday, End: monday}))
}

func TestCoordinator_MoveKeepsLengthAndPins(t *testing.T) {
	s := newSession(t)
	addTask(t, s, "task_a", 1)
	_, err := s.RunOptimization(context.Background(), model.OptimizationConfig{
		AlgorithmType: model.AlgorithmLocalHeuristic,
		DateRange:     model.DateRange{Start: monday, End: monday},
	})
	require.NoError(t, err)
	evs := s.Schedule(model.DateRange{Start: monday, End: monday})
	require.Len(t, evs, 1)
	require.False(t, evs[0].IsManualOverride)

	c := New(s, 15)
	require.NoError(t, c.BeginMove(evs[0].ID))
	tuesday := monday.AddDate(0, 0, 1)
	drop, err := c.DropOnCalendar(tuesday.UnixMilli(), 1430)
	require.NoError(t, err)
	wait(t, drop.Pending)

	got, ok := s.Event(evs[0].ID)
	require.True(t, ok)
	assert.True(t, got.IsManualOverride)
	assert.Equal(t, tuesday.UnixMilli(), got.DateMs)
	// clamped so the hour still fits in the day
	assert.Equal(t, 1380, got.StartMin)
	assert.Equal(t, 1440, got.EndMin)
}

func TestCoordinator_ResizeChangesEndOnly(t *testing.T) {
	s := newSession(t)
	addTask(t, s, "task_a", 1)
	ev, p, err := s.CreateEvent(model.ScheduleEvent{SourceTaskID: "task_a", DateMs: monday.UnixMilli(), StartMin: 540, EndMin: 600})
	require.NoError(t, err)
	wait(t, p)

	c := New(s, 15)
	require.NoError(t, c.BeginResize(ev.ID))
	drop, err := c.DropOnCalendar(monday.AddDate(0, 0, 3).UnixMilli(), 668)
	require.NoError(t, err)
	wait(t, drop.Pending)
	assert.Equal(t, monday.UnixMilli(), drop.Event.DateMs)
	assert.Equal(t, 540, drop.Event.StartMin)
	assert.Equal(t, 675, drop.Event.EndMin)

	// shrinking past the start leaves one grid step
	require.NoError(t, c.BeginResize(ev.ID))
	drop, err = c.DropOnCalendar(monday.UnixMilli(), 500)
	require.NoError(t, err)
	wait(t, drop.Pending)
	assert.Equal(t, 555, drop.Event.EndMin)
}

// fakeCalendar records calls without a store.
type fakeCalendar struct {
	tasks   map[string]model.Task
	events  map[string]model.ScheduleEvent
	created int
	updated int
	err     error
}

func (f *fakeCalendar) Task(id string) (model.Task, bool) {
	t, ok := f.tasks[id]
	return t, ok
}

func (f *fakeCalendar) Event(id string) (model.ScheduleEvent, bool) {
	e, ok := f.events[id]
	return e, ok
}

func (f *fakeCalendar) IsBlocked(string) bool { return false }

func (f *fakeCalendar) UpdateEvent(id string, patch model.EventPatch) (model.ScheduleEvent, *session.Pending, error) {
	f.updated++
	if f.err != nil {
		return model.ScheduleEvent{}, nil, f.err
	}
	return patch.Apply(f.events[id]), session.Resolved(nil), nil
}

func (f *fakeCalendar) CreateEvent(e model.ScheduleEvent) (model.ScheduleEvent, *session.Pending, error) {
	f.created++
	return e, session.Resolved(nil), nil
}

func TestCoordinator_OutsideAndCancelChangeNothing(t *testing.T) {
	cal := &fakeCalendar{
		tasks:  map[string]model.Task{"task_a": {ID: "task_a", EstimatedDurationHours: 1}},
		events: map[string]model.ScheduleEvent{"evt_a": {ID: "evt_a", SourceTaskID: "task_a", StartMin: 540, EndMin: 600}},
	}
	c := New(cal, 15)

	require.NoError(t, c.BeginMove("evt_a"))
	require.NoError(t, c.DropOutside())
	assert.Equal(t, StateIdle, c.State())

	require.NoError(t, c.BeginExternal("task_a"))
	require.NoError(t, c.Cancel())
	assert.Equal(t, StateIdle, c.State())

	assert.Zero(t, cal.created)
	assert.Zero(t, cal.updated)
}

func TestCoordinator_InvalidTransitions(t *testing.T) {
	cal := &fakeCalendar{
		tasks:  map[string]model.Task{"task_a": {ID: "task_a", EstimatedDurationHours: 1}},
		events: map[string]model.ScheduleEvent{},
	}
	c := New(cal, 15)

	_, err := c.DropOnCalendar(monday.UnixMilli(), 540)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, c.Cancel(), ErrInvalidTransition)

	require.NoError(t, c.BeginExternal("task_a"))
	assert.ErrorIs(t, c.BeginExternal("task_a"), ErrInvalidTransition)

	assert.ErrorIs(t, c.BeginMove("evt_missing"), session.ErrNotFound)
}

func TestCoordinator_RejectedDropReturnsToIdle(t *testing.T) {
	cal := &fakeCalendar{
		events: map[string]model.ScheduleEvent{"evt_a": {ID: "evt_a", SourceTaskID: "task_a", StartMin: 540, EndMin: 600}},
		err:    errors.New("refused"),
	}
	c := New(cal, 15)
	require.NoError(t, c.BeginMove("evt_a"))
	_, err := c.DropOnCalendar(monday.UnixMilli(), 600)
	assert.EqualError(t, err, "refused")
	assert.Equal(t, StateIdle, c.State())
}

func TestSnapMinute(t *testing.T) {
	c := New(&fakeCalendar{}, 15)
	for in, want := range map[int]int{-20: 0, 0: 0, 7: 0, 8: 15, 607: 600, 1439: 1440, 2000: 1440} {
		assert.Equal(t, want, c.snapMinute(in), "minute %d", in)
	}
}
