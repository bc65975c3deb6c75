// Package dragdrop turns calendar drag gestures into pinned event changes.
package dragdrop

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/ptm/internal/graph"
	"github.com/msageha/ptm/internal/model"
	"github.com/msageha/ptm/internal/session"
)

type State string

const (
	StateIdle              State = "idle"
	StateDragging          State = "dragging"
	StateDroppedOnCalendar State = "dropped_on_calendar"
	StateDroppedOutside    State = "dropped_outside"
	StateCancelled         State = "cancelled"
)

var validTransitions = map[State]map[State]bool{
	StateIdle: {
		StateDragging: true,
	},
	StateDragging: {
		StateDroppedOnCalendar: true,
		StateDroppedOutside:    true,
		StateCancelled:         true,
	},
	StateDroppedOnCalendar: {StateIdle: true},
	StateDroppedOutside:    {StateIdle: true},
	StateCancelled:         {StateIdle: true},
}

var ErrInvalidTransition = errors.New("invalid drag transition")

func validateTransition(from, to State) error {
	if !validTransitions[from][to] {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	return nil
}

type Gesture string

const (
	GestureMove     Gesture = "move"
	GestureResize   Gesture = "resize"
	GestureExternal Gesture = "external" // a task dragged in from the task list
)

// Calendar is the part of the session the coordinator drives.
// *session.Session satisfies it.
type Calendar interface {
	Task(id string) (model.Task, bool)
	Event(id string) (model.ScheduleEvent, bool)
	IsBlocked(taskID string) bool
	UpdateEvent(id string, patch model.EventPatch) (model.ScheduleEvent, *session.Pending, error)
	CreateEvent(e model.ScheduleEvent) (model.ScheduleEvent, *session.Pending, error)
}

type source struct {
	gesture Gesture
	eventID string
	taskID  string
}

// Drop is the optimistic result of a calendar drop. Pending reports whether
// the store accepted it; a rejected drop has been rolled back.
type Drop struct {
	Event   model.ScheduleEvent
	Pending *session.Pending
}

// Coordinator tracks one drag at a time.
type Coordinator struct {
	mu     sync.Mutex
	cal    Calendar
	snap   int
	state  State
	source *source
}

func New(cal Calendar, snapMinutes int) *Coordinator {
	if snapMinutes <= 0 {
		snapMinutes = model.DefaultSchedulingConfig().SnapMinutes
	}
	return &Coordinator{cal: cal, snap: snapMinutes, state: StateIdle}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BeginMove starts dragging an existing event.
func (c *Coordinator) BeginMove(eventID string) error {
	return c.beginEvent(GestureMove, eventID)
}

// BeginResize starts dragging an existing event's end edge.
func (c *Coordinator) BeginResize(eventID string) error {
	return c.beginEvent(GestureResize, eventID)
}

func (c *Coordinator) beginEvent(g Gesture, eventID string) error {
	e, ok := c.cal.Event(eventID)
	if !ok {
		return fmt.Errorf("event %q: %w", eventID, session.ErrNotFound)
	}
	return c.begin(&source{gesture: g, eventID: eventID, taskID: e.SourceTaskID})
}

// BeginExternal starts dragging a task that has no event yet.
func (c *Coordinator) BeginExternal(taskID string) error {
	if _, ok := c.cal.Task(taskID); !ok {
		return fmt.Errorf("task %q: %w", taskID, session.ErrNotFound)
	}
	return c.begin(&source{gesture: GestureExternal, taskID: taskID})
}

func (c *Coordinator) begin(src *source) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := validateTransition(c.state, StateDragging); err != nil {
		return err
	}
	c.state = StateDragging
	c.source = src
	return nil
}

// DropOnCalendar finishes the drag at minute of the day dateMs. The minute
// snaps to the grid. Moves keep the event's length, resizes move only the
// end, and external drops create one pinned event lasting the task's
// estimate.
func (c *Coordinator) DropOnCalendar(dateMs int64, minute int) (Drop, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := validateTransition(c.state, StateDroppedOnCalendar); err != nil {
		return Drop{}, err
	}
	c.state = StateDroppedOnCalendar
	src := c.source
	defer c.reset()

	day := model.DayMs(time.UnixMilli(dateMs))
	at := c.snapMinute(minute)

	switch src.gesture {
	case GestureMove:
		return c.move(src, day, at)
	case GestureResize:
		return c.resize(src, at)
	default:
		return c.create(src, day, at)
	}
}

func (c *Coordinator) move(src *source, day int64, start int) (Drop, error) {
	e, ok := c.cal.Event(src.eventID)
	if !ok {
		return Drop{}, fmt.Errorf("event %q: %w", src.eventID, session.ErrNotFound)
	}
	length := e.EndMin - e.StartMin
	start = min(start, model.MinutesPerDay-length)
	end := start + length
	ev, p, err := c.cal.UpdateEvent(src.eventID, model.EventPatch{DateMs: &day, StartMin: &start, EndMin: &end})
	if err != nil {
		return Drop{}, err
	}
	return Drop{Event: ev, Pending: p}, nil
}

func (c *Coordinator) resize(src *source, end int) (Drop, error) {
	e, ok := c.cal.Event(src.eventID)
	if !ok {
		return Drop{}, fmt.Errorf("event %q: %w", src.eventID, session.ErrNotFound)
	}
	end = min(max(end, e.StartMin+c.snap), model.MinutesPerDay)
	ev, p, err := c.cal.UpdateEvent(src.eventID, model.EventPatch{EndMin: &end})
	if err != nil {
		return Drop{}, err
	}
	return Drop{Event: ev, Pending: p}, nil
}

func (c *Coordinator) create(src *source, day int64, start int) (Drop, error) {
	task, ok := c.cal.Task(src.taskID)
	if !ok {
		return Drop{}, fmt.Errorf("task %q: %w", src.taskID, session.ErrNotFound)
	}
	if c.cal.IsBlocked(task.ID) {
		errs := &graph.ValidationErrors{}
		errs.Add(graph.ReasonBlockedTaskDrop, "task_id",
			fmt.Sprintf("task %q is waiting on unfinished dependencies", task.ID))
		return Drop{}, errs
	}
	length := task.DurationMinutes()
	if length <= 0 || length > model.MinutesPerDay {
		return Drop{}, fmt.Errorf("%w: task %q lasts %d minutes", session.ErrInvalidEvent, task.ID, length)
	}
	start = min(start, model.MinutesPerDay-length)
	ev, p, err := c.cal.CreateEvent(model.ScheduleEvent{
		SourceTaskID: task.ID,
		DateMs:       day,
		StartMin:     start,
		EndMin:       start + length,
		TaskPart:     1,
		TotalParts:   1,
		Status:       model.EventStatusScheduled,
	})
	if err != nil {
		return Drop{}, err
	}
	return Drop{Event: ev, Pending: p}, nil
}

// DropOutside ends the drag off the calendar. Nothing changes.
func (c *Coordinator) DropOutside() error {
	return c.abandon(StateDroppedOutside)
}

// Cancel ends the drag without a drop. Nothing changes.
func (c *Coordinator) Cancel() error {
	return c.abandon(StateCancelled)
}

func (c *Coordinator) abandon(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := validateTransition(c.state, to); err != nil {
		return err
	}
	c.state = to
	c.reset()
	return nil
}

// reset must be called with c.mu held.
func (c *Coordinator) reset() {
	c.state = StateIdle
	c.source = nil
}

// snapMinute rounds to the nearest grid line within the day.
func (c *Coordinator) snapMinute(minute int) int {
	minute = min(max(minute, 0), model.MinutesPerDay)
	return min((minute+c.snap/2)/c.snap*c.snap, model.MinutesPerDay)
}
