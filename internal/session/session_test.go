package session

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/ptm/internal/events"
	"github.com/msageha/ptm/internal/graph"
	"github.com/msageha/ptm/internal/model"
	"github.com/msageha/ptm/internal/store"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

// flakyStore fails selected operations once and can hold every write until
// released. A gated load returns only after the gate is opened.
type flakyStore struct {
	*store.Store
	mu   sync.Mutex
	fail map[string]error
	hold chan struct{}
	gate *loadGate
}

type loadGate struct {
	loaded  chan struct{}
	release chan struct{}
}

// gateNextLoad makes the next Load signal loaded once it has read the store
// and wait for release before returning.
func (f *flakyStore) gateNextLoad() *loadGate {
	g := &loadGate{loaded: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.gate = g
	f.mu.Unlock()
	return g
}

func (f *flakyStore) Load(ctx context.Context) (store.Snapshot, error) {
	f.mu.Lock()
	g := f.gate
	f.gate = nil
	f.mu.Unlock()

	snap, err := f.Store.Load(ctx)
	if g != nil {
		close(g.loaded)
		<-g.release
	}
	return snap, err
}

func (f *flakyStore) failNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

func (f *flakyStore) holdWrites() func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.hold = ch
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.hold = nil
		f.mu.Unlock()
		close(ch)
	}
}

func (f *flakyStore) take(op string) error {
	f.mu.Lock()
	err := f.fail[op]
	delete(f.fail, op)
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}
	return err
}

func (f *flakyStore) CreateDependency(ctx context.Context, d model.TaskDependency) error {
	if err := f.take("create_dependency"); err != nil {
		return err
	}
	return f.Store.CreateDependency(ctx, d)
}

func (f *flakyStore) UpdateEvent(ctx context.Context, e model.ScheduleEvent) (model.ScheduleEvent, error) {
	if err := f.take("update_event"); err != nil {
		return model.ScheduleEvent{}, err
	}
	return f.Store.UpdateEvent(ctx, e)
}

func (f *flakyStore) ReplaceSchedule(ctx context.Context, remove []string, evs []model.ScheduleEvent) ([]model.ScheduleEvent, error) {
	if err := f.take("replace_schedule"); err != nil {
		return nil, err
	}
	return f.Store.ReplaceSchedule(ctx, remove, evs)
}

func (f *flakyStore) CompleteTask(ctx context.Context, t model.Task, evs []model.ScheduleEvent) (model.Task, error) {
	if err := f.take("complete_task"); err != nil {
		return model.Task{}, err
	}
	return f.Store.CompleteTask(ctx, t, evs)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ptm.db"), io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newFlaky(t *testing.T) *flakyStore {
	return &flakyStore{Store: openStore(t), fail: make(map[string]error)}
}

func startSession(t *testing.T, st Store, bus *events.Bus) *Session {
	t.Helper()
	s := New(st, Options{ConfirmTimeout: 5 * time.Second, Bus: bus})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func wait(t *testing.T, p *Pending) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

func waitErr(t *testing.T, p *Pending) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func addTask(t *testing.T, s *Session, id string, p model.Priority, hours float64, deep bool) model.Task {
	t.Helper()
	task, pending, err := s.AddTask(model.Task{
		ID: id, Title: id, Priority: p, EstimatedDurationHours: hours, IsDeepWork: deep,
	})
	require.NoError(t, err)
	wait(t, pending)
	return task
}

func TestSession_AddTaskDefaultsAndPersists(t *testing.T) {
	st := openStore(t)
	s := startSession(t, st, nil)

	task, p, err := s.AddTask(model.Task{Title: "plan quarter", EstimatedDurationHours: 1})
	require.NoError(t, err)
	assert.True(t, model.ValidateID(task.ID))
	assert.Equal(t, model.TaskStatusTodo, task.Status)
	assert.Equal(t, model.PriorityMedium, task.Priority)

	// visible before confirmation
	_, ok := s.Task(task.ID)
	assert.True(t, ok)
	wait(t, p)

	got, _ := s.Task(task.ID)
	assert.Equal(t, 1, got.Version)
	snap, err := st.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "plan quarter", snap.Tasks[0].Title)
}

func TestSession_DependencyLifecycle(t *testing.T) {
	st := openStore(t)
	s := startSession(t, st, nil)
	addTask(t, s, "task_a", model.PriorityHigh, 1, false)
	addTask(t, s, "task_b", model.PriorityLow, 1, false)

	dep, p, err := s.AddDependency("task_b", "task_a")
	require.NoError(t, err)
	assert.True(t, s.IsBlocked("task_b"))
	wait(t, p)

	snap, err := st.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Dependencies, 1)
	assert.Equal(t, dep.ID, snap.Dependencies[0].ID)

	p, err = s.RemoveDependency(dep.ID)
	require.NoError(t, err)
	wait(t, p)
	assert.False(t, s.IsBlocked("task_b"))

	// removing an unknown edge succeeds
	p, err = s.RemoveDependency("dep_missing")
	require.NoError(t, err)
	wait(t, p)
}

func TestSession_CycleRejectedWithoutChange(t *testing.T) {
	s := startSession(t, openStore(t), nil)
	for _, id := range []string{"task_a", "task_b", "task_c"} {
		addTask(t, s, id, model.PriorityMedium, 1, false)
	}
	_, p1, err := s.AddDependency("task_a", "task_b")
	require.NoError(t, err)
	_, p2, err := s.AddDependency("task_b", "task_c")
	require.NoError(t, err)
	wait(t, p1)
	wait(t, p2)

	_, p, err := s.AddDependency("task_c", "task_a")
	assert.Nil(t, p)
	var ve *graph.ValidationErrors
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.HasReason(graph.ReasonCycle))
	assert.Len(t, s.Dependencies(), 2)
}

func TestSession_FailedConfirmRollsBack(t *testing.T) {
	st := newFlaky(t)
	bus := events.NewBus(10)
	defer bus.Close()
	rolledBack := make(chan events.Event, 1)
	bus.Subscribe(events.EventMutationRolledBack, func(e events.Event) { rolledBack <- e })

	s := startSession(t, st, bus)
	addTask(t, s, "task_a", model.PriorityHigh, 1, false)
	addTask(t, s, "task_b", model.PriorityLow, 1, false)

	errDisk := errors.New("disk full")
	st.failNext("create_dependency", errDisk)
	_, p, err := s.AddDependency("task_b", "task_a")
	require.NoError(t, err)

	assert.ErrorIs(t, waitErr(t, p), errDisk)
	assert.Empty(t, s.Dependencies())
	assert.False(t, s.IsBlocked("task_b"))

	select {
	case ev := <-rolledBack:
		assert.Equal(t, "add_dependency", ev.Data["op"])
		assert.Equal(t, "rolled_back", ev.Data["outcome"])
	case <-time.After(5 * time.Second):
		t.Fatal("no rollback event")
	}
}

func TestSession_RollbackSupersedesLaterChangeToSameEvent(t *testing.T) {
	st := newFlaky(t)
	s := startSession(t, st, nil)
	addTask(t, s, "task_a", model.PriorityHigh, 1, false)

	ev, p, err := s.CreateEvent(model.ScheduleEvent{
		SourceTaskID: "task_a", DateMs: monday.UnixMilli(), StartMin: 540, EndMin: 600,
	})
	require.NoError(t, err)
	wait(t, p)

	release := st.holdWrites()
	st.failNext("update_event", errors.New("write refused"))
	start1, end1 := 600, 660
	_, p1, err := s.UpdateEvent(ev.ID, model.EventPatch{StartMin: &start1, EndMin: &end1})
	require.NoError(t, err)
	start2, end2 := 720, 780
	_, p2, err := s.UpdateEvent(ev.ID, model.EventPatch{StartMin: &start2, EndMin: &end2})
	require.NoError(t, err)

	cur, _ := s.Event(ev.ID)
	assert.Equal(t, 720, cur.StartMin)
	release()

	assert.EqualError(t, waitErr(t, p1), "write refused")
	assert.ErrorIs(t, waitErr(t, p2), ErrSuperseded)

	cur, _ = s.Event(ev.ID)
	assert.Equal(t, 540, cur.StartMin)
	assert.Equal(t, 600, cur.EndMin)
	assert.Equal(t, 1, cur.Version)
}

func TestSession_ConflictForcesRefetch(t *testing.T) {
	st := openStore(t)
	s := startSession(t, st, nil)
	addTask(t, s, "task_a", model.PriorityHigh, 1, false)
	task, _ := s.Task("task_a")
	require.Equal(t, 1, task.Version)

	// another writer gets there first
	external := task
	external.Title = "edited elsewhere"
	_, err := st.UpdateTask(context.Background(), external)
	require.NoError(t, err)

	mine := task
	mine.Title = "edited here"
	p, err := s.UpdateTask(mine)
	require.NoError(t, err)

	err = waitErr(t, p)
	var conflict *ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.ErrorIs(t, err, store.ErrConcurrencyConflict)
	assert.Equal(t, "CONFLICT", conflict.ErrorCode())
	assert.Equal(t, "task:task_a", conflict.Key)

	require.Eventually(t, func() bool {
		got, _ := s.Task("task_a")
		return got.Title == "edited elsewhere" && got.Version == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSession_RefetchDropsSnapshotOlderThanLocalChanges(t *testing.T) {
	st := newFlaky(t)
	s := startSession(t, st, nil)
	addTask(t, s, "task_a", model.PriorityHigh, 1, false)
	task, _ := s.Task("task_a")

	external := task
	external.Title = "edited elsewhere"
	_, err := st.Store.UpdateTask(context.Background(), external)
	require.NoError(t, err)

	gate := st.gateNextLoad()
	mine := task
	mine.Title = "edited here"
	p, err := s.UpdateTask(mine)
	require.NoError(t, err)
	require.ErrorIs(t, waitErr(t, p), store.ErrConcurrencyConflict)

	// the forced refetch has read the store; change local state before it
	// applies
	select {
	case <-gate.loaded:
	case <-time.After(5 * time.Second):
		t.Fatal("refetch did not start")
	}
	_, pb, err := s.AddTask(model.Task{ID: "task_b", Title: "task_b", EstimatedDurationHours: 1})
	require.NoError(t, err)
	close(gate.release)
	wait(t, pb)

	require.Eventually(t, func() bool {
		a, _ := s.Task("task_a")
		_, ok := s.Task("task_b")
		return ok && a.Title == "edited elsewhere"
	}, 5*time.Second, 10*time.Millisecond)

	b, ok := s.Task("task_b")
	require.True(t, ok)
	assert.Equal(t, 1, b.Version)
	snap, err := st.Store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Tasks, 2)
}

func TestSession_DoneTaskDropsItsEvents(t *testing.T) {
	st := openStore(t)
	s := startSession(t, st, nil)
	addTask(t, s, "task_a", model.PriorityHigh, 1, false)
	addTask(t, s, "task_b", model.PriorityLow, 1, false)

	_, err := s.RunOptimization(context.Background(), optimizationConfig(model.AlgorithmLocalHeuristic))
	require.NoError(t, err)
	_, p, err := s.CreateEvent(model.ScheduleEvent{
		SourceTaskID: "task_a", DateMs: monday.UnixMilli(), StartMin: 900, EndMin: 960,
	})
	require.NoError(t, err)
	wait(t, p)

	done, _ := s.Task("task_a")
	done.Status = model.TaskStatusDone
	p, err = s.UpdateTask(done)
	require.NoError(t, err)

	// gone before confirmation
	for _, e := range s.Schedule(model.DateRange{Start: monday, End: monday}) {
		assert.NotEqual(t, "task_a", e.SourceTaskID)
	}
	wait(t, p)

	snap, err := st.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, "task_b", snap.Events[0].SourceTaskID)
	got, _ := s.Task("task_a")
	assert.Equal(t, model.TaskStatusDone, got.Status)
	assert.Equal(t, 2, got.Version)
}

func TestSession_DoneTaskRollbackRestoresEvents(t *testing.T) {
	st := newFlaky(t)
	s := startSession(t, st, nil)
	addTask(t, s, "task_a", model.PriorityHigh, 1, false)

	_, err := s.RunOptimization(context.Background(), optimizationConfig(model.AlgorithmLocalHeuristic))
	require.NoError(t, err)
	before := s.Schedule(model.DateRange{Start: monday, End: monday})
	require.Len(t, before, 1)
	require.Equal(t, 1, before[0].Version)

	st.failNext("complete_task", errors.New("locked"))
	done, _ := s.Task("task_a")
	done.Status = model.TaskStatusDone
	p, err := s.UpdateTask(done)
	require.NoError(t, err)
	assert.EqualError(t, waitErr(t, p), "locked")

	got, _ := s.Task("task_a")
	assert.Equal(t, model.TaskStatusTodo, got.Status)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, before, s.Schedule(model.DateRange{Start: monday, End: monday}))
}

func TestSession_UpdateEventPinsAndValidates(t *testing.T) {
	st := openStore(t)
	s := startSession(t, st, nil)
	addTask(t, s, "task_a", model.PriorityHigh, 1, false)

	res, err := s.RunOptimization(context.Background(), optimizationConfig(model.AlgorithmLocalHeuristic))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	ev := res.Events[0]
	assert.False(t, ev.IsManualOverride)

	start, end := 780, 840
	moved, p, err := s.UpdateEvent(ev.ID, model.EventPatch{StartMin: &start, EndMin: &end})
	require.NoError(t, err)
	assert.True(t, moved.IsManualOverride)
	assert.Equal(t, 60, moved.DurationMin)
	wait(t, p)

	snap, err := st.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Events, 1)
	assert.True(t, snap.Events[0].IsManualOverride)
	assert.Equal(t, 780, snap.Events[0].StartMin)

	bad := 800
	_, _, err = s.UpdateEvent(ev.ID, model.EventPatch{StartMin: &end, EndMin: &bad})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, _, err = s.UpdateEvent("evt_missing", model.EventPatch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func optimizationConfig(alg model.AlgorithmType) model.OptimizationConfig {
	return model.OptimizationConfig{
		AlgorithmType: alg,
		DateRange:     model.DateRange{Start: monday, End: monday},
		Goals:         model.DefaultGoals(),
		Constraints: model.Constraints{
			RespectFocusBlocks: true,
			NoTasksBeforeHour:  8,
			MaxHoursPerDay:     8,
		},
	}
}

func TestSession_RunOptimizationDeepWork(t *testing.T) {
	st := openStore(t)
	s := startSession(t, st, nil)
	_, p, err := s.SetFocusBlock(model.FocusTimeBlock{
		DayOfWeek: time.Monday, StartMin: 540, EndMin: 660, IsEnabled: true, BlockName: "morning focus",
	})
	require.NoError(t, err)
	wait(t, p)
	addTask(t, s, "task_a", model.PriorityHigh, 1, true)
	addTask(t, s, "task_b", model.PriorityLow, 1, false)

	res, err := s.RunOptimization(context.Background(), optimizationConfig(model.AlgorithmHybrid))
	require.NoError(t, err)
	assert.Empty(t, res.UnscheduledTaskIDs)
	require.Len(t, res.Events, 2)

	byTask := map[string]model.ScheduleEvent{}
	for _, e := range res.Events {
		byTask[e.SourceTaskID] = e
	}
	assert.GreaterOrEqual(t, byTask["task_a"].StartMin, 540)
	assert.LessOrEqual(t, byTask["task_a"].EndMin, 660)
	assert.GreaterOrEqual(t, byTask["task_b"].StartMin, 660)

	snap, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Events, 2)
	for _, e := range res.Events {
		got, ok := s.Event(e.ID)
		require.True(t, ok)
		assert.Equal(t, 1, got.Version)
	}

	// a second run replaces rather than duplicates
	_, err = s.RunOptimization(context.Background(), optimizationConfig(model.AlgorithmHybrid))
	require.NoError(t, err)
	snap, err = st.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Events, 2)
}

func TestSession_RunOptimizationKeepsPins(t *testing.T) {
	st := openStore(t)
	s := startSession(t, st, nil)
	addTask(t, s, "task_a", model.PriorityHigh, 1, false)
	addTask(t, s, "task_b", model.PriorityMedium, 1, false)

	pin, p, err := s.CreateEvent(model.ScheduleEvent{
		SourceTaskID: "task_a", DateMs: monday.UnixMilli(), StartMin: 540, EndMin: 600,
	})
	require.NoError(t, err)
	wait(t, p)

	res, err := s.RunOptimization(context.Background(), optimizationConfig(model.AlgorithmMILPOptimized))
	require.NoError(t, err)

	var forA []model.ScheduleEvent
	for _, e := range res.Events {
		if e.SourceTaskID == "task_a" {
			forA = append(forA, e)
		}
		if e.ID != pin.ID {
			assert.False(t, e.Overlaps(pin))
		}
	}
	require.Len(t, forA, 1)
	assert.Equal(t, pin.ID, forA[0].ID)
	assert.True(t, forA[0].IsManualOverride)
	assert.Len(t, res.Events, 2)
}

func TestSession_RunOptimizationLeavesOtherDaysAlone(t *testing.T) {
	st := openStore(t)
	s := startSession(t, st, nil)
	addTask(t, s, "task_a", model.PriorityHigh, 1, false)

	first, err := s.RunOptimization(context.Background(), optimizationConfig(model.AlgorithmLocalHeuristic))
	require.NoError(t, err)
	require.Len(t, first.Events, 1)

	addTask(t, s, "task_b", model.PriorityLow, 1, false)
	nextMonday := monday.AddDate(0, 0, 7)
	cfg := optimizationConfig(model.AlgorithmLocalHeuristic)
	cfg.DateRange = model.DateRange{Start: nextMonday, End: nextMonday}
	second, err := s.RunOptimization(context.Background(), cfg)
	require.NoError(t, err)

	// task_a already has a placement outside the range, so only task_b moves in
	require.Len(t, second.Events, 1)
	assert.Equal(t, "task_b", second.Events[0].SourceTaskID)
	kept := s.Schedule(model.DateRange{Start: monday, End: monday})
	require.Len(t, kept, 1)
	assert.Equal(t, first.Events[0].ID, kept[0].ID)
	assert.Equal(t, 1, kept[0].Version)

	snap, err := st.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Events, 2)
	assert.Equal(t, first.Events[0].ID, snap.Events[0].ID)
	assert.Equal(t, second.Events[0].ID, snap.Events[1].ID)
}

func TestSession_RunOptimizationRollsBackOnStoreFailure(t *testing.T) {
	st := newFlaky(t)
	s := startSession(t, st, nil)
	addTask(t, s, "task_a", model.PriorityHigh, 1, false)

	st.failNext("replace_schedule", errors.New("locked"))
	_, err := s.RunOptimization(context.Background(), optimizationConfig(model.AlgorithmLocalHeuristic))
	assert.EqualError(t, err, "locked")
	assert.Empty(t, s.Schedule(model.DateRange{Start: monday, End: monday}))
}

func TestSession_RunOptimizationInvalidConfig(t *testing.T) {
	s := startSession(t, openStore(t), nil)
	cfg := optimizationConfig(model.AlgorithmHybrid)
	cfg.Goals.Priority = -1
	_, err := s.RunOptimization(context.Background(), cfg)
	assert.ErrorContains(t, err, "goals.priority")
}

func TestSession_NewRunCancelsRunInFlight(t *testing.T) {
	s := New(openStore(t), Options{})

	first, finishFirst := s.beginRun(context.Background())
	second, finishSecond := s.beginRun(context.Background())
	assert.ErrorIs(t, first.Err(), context.Canceled)
	assert.NoError(t, second.Err())

	// the cancelled run finishing late must not clear the newer run
	finishFirst()
	s.runMu.Lock()
	assert.NotNil(t, s.cancelRun)
	s.runMu.Unlock()

	finishSecond()
	assert.ErrorIs(t, second.Err(), context.Canceled)
}

func TestSession_FillOptimizationConfigDefaults(t *testing.T) {
	s := New(openStore(t), Options{Scheduling: model.SchedulingConfig{HorizonDays: 3}})
	now := time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC)

	cfg := s.fillOptimizationConfig(model.OptimizationConfig{}, now)
	assert.Equal(t, model.AlgorithmHybrid, cfg.AlgorithmType)
	assert.Equal(t, model.DefaultGoals(), cfg.Goals)
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), cfg.DateRange.Start)
	assert.Equal(t, time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), cfg.DateRange.End)
	assert.NoError(t, cfg.Validate())
}

func TestSession_ClosedRejectsChanges(t *testing.T) {
	s := startSession(t, openStore(t), nil)
	s.Close()

	_, err := s.RemoveEvent("evt_x")
	assert.ErrorIs(t, err, ErrClosed)
	_, _, err = s.AddTask(model.Task{Title: "late", EstimatedDurationHours: 1})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.RunOptimization(context.Background(), optimizationConfig(model.AlgorithmHybrid))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSession_SnapshotIsIndependent(t *testing.T) {
	s := startSession(t, openStore(t), nil)
	addTask(t, s, "task_a", model.PriorityHigh, 1, false)

	snap := s.Snapshot()
	require.NoError(t, snap.Graph.AddTask(model.Task{
		ID: "task_z", Title: "z", Priority: model.PriorityLow, EstimatedDurationHours: 1, Status: model.TaskStatusTodo,
	}))
	_, ok := s.Task("task_z")
	assert.False(t, ok)
}
