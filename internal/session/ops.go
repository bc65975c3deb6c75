package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/msageha/ptm/internal/events"
	"github.com/msageha/ptm/internal/model"
)

// confirmedVersion and setVersion must be called with s.mu held.
func (s *Session) confirmedVersion(key string) int {
	return s.versions[key]
}

func (s *Session) setVersion(key string, v int) {
	s.versions[key] = v
	if id, ok := strings.CutPrefix(key, "task:"); ok {
		if t, ok := s.graph.Task(id); ok {
			t.Version = v
			s.graph.Restore(t)
		}
		return
	}
	if id, ok := strings.CutPrefix(key, "event:"); ok {
		if e, ok := s.events[id]; ok {
			e.Version = v
			s.events[id] = e
		}
	}
}

func (s *Session) lockedVersion(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmedVersion(key)
}

func (s *Session) lockedSetVersion(key string, v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setVersion(key, v)
}

// restoreTask puts back a prior task value but keeps the confirmed version.
func (s *Session) restoreTask(prev model.Task) {
	prev.Version = s.confirmedVersion(taskKey(prev.ID))
	s.graph.Restore(prev)
}

// AddTask inserts a task. Missing id, status and priority are filled in.
func (s *Session) AddTask(t model.Task) (model.Task, *Pending, error) {
	if t.ID == "" {
		id, err := model.GenerateID(model.IDTypeTask)
		if err != nil {
			return model.Task{}, nil, err
		}
		t.ID = id
	}
	if t.Status == "" {
		t.Status = model.TaskStatusTodo
	}
	if t.Priority == "" {
		t.Priority = model.PriorityMedium
	}
	t.Version = 0

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failIfClosed(); err != nil {
		return model.Task{}, nil, err
	}
	if err := s.graph.AddTask(t); err != nil {
		return model.Task{}, nil, err
	}
	added, _ := s.graph.Task(t.ID)

	keys := []string{taskKey(t.ID)}
	if t.ParentTaskID != nil {
		keys = append(keys, taskKey(*t.ParentTaskID))
	}
	m := &mutation{
		op:      "add_task",
		keys:    keys,
		event:   events.EventTaskChanged,
		details: map[string]any{"task_id": t.ID},
		confirm: func(ctx context.Context) error {
			stored, err := s.store.CreateTask(ctx, added)
			if err != nil {
				return err
			}
			s.lockedSetVersion(taskKey(stored.ID), stored.Version)
			return nil
		},
		undo: func() {
			s.graph.RemoveTask(t.ID)
			delete(s.versions, taskKey(t.ID))
		},
	}
	return added, s.enqueue(m), nil
}

// UpdateTask replaces a task's attributes. The parent is changed only
// through ReparentTask.
func (s *Session) UpdateTask(t model.Task) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failIfClosed(); err != nil {
		return nil, err
	}
	cur, ok := s.graph.Task(t.ID)
	if !ok {
		return nil, fmt.Errorf("task %q: %w", t.ID, ErrNotFound)
	}
	t.Version = cur.Version
	prev, err := s.graph.UpdateTask(t)
	if err != nil {
		return nil, err
	}
	next, _ := s.graph.Task(t.ID)

	if next.Status == model.TaskStatusDone && prev.Status != model.TaskStatusDone {
		return s.enqueue(s.completeTask(prev, next)), nil
	}
	m := &mutation{
		op:      "update_task",
		keys:    []string{taskKey(t.ID)},
		event:   events.EventTaskChanged,
		details: map[string]any{"task_id": t.ID, "status": string(next.Status)},
		confirm: s.confirmTask(next),
		undo:    func() { s.restoreTask(prev) },
	}
	return s.enqueue(m), nil
}

// completeTask drops every event of a task that just became DONE. The task
// update and the deletions are confirmed in one store transaction. Must be
// called with s.mu held.
func (s *Session) completeTask(prev, next model.Task) *mutation {
	var removed []model.ScheduleEvent
	for _, e := range sortedEvents(s.events) {
		if e.SourceTaskID == next.ID {
			removed = append(removed, e)
			delete(s.events, e.ID)
		}
	}

	keys := []string{taskKey(next.ID)}
	unpinned := false
	ids := make([]string, 0, len(removed))
	for _, e := range removed {
		keys = append(keys, eventKey(e.ID))
		ids = append(ids, e.ID)
		unpinned = unpinned || !e.IsManualOverride
	}
	if unpinned {
		keys = append(keys, scheduleKey)
	}

	return &mutation{
		op:      "update_task",
		keys:    keys,
		event:   events.EventTaskChanged,
		details: map[string]any{"task_id": next.ID, "status": string(next.Status), "removed_events": ids},
		confirm: func(ctx context.Context) error {
			s.mu.Lock()
			t := next
			t.Version = s.confirmedVersion(taskKey(t.ID))
			doomed := make([]model.ScheduleEvent, len(removed))
			for i, e := range removed {
				e.Version = s.confirmedVersion(eventKey(e.ID))
				doomed[i] = e
			}
			s.mu.Unlock()

			stored, err := s.store.CompleteTask(ctx, t, doomed)
			if err != nil {
				return err
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			s.setVersion(taskKey(stored.ID), stored.Version)
			for _, e := range removed {
				delete(s.versions, eventKey(e.ID))
			}
			return nil
		},
		undo: func() {
			s.restoreTask(prev)
			for _, e := range removed {
				e.Version = s.confirmedVersion(eventKey(e.ID))
				s.events[e.ID] = e
			}
		},
	}
}

func (s *Session) confirmTask(next model.Task) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		next.Version = s.lockedVersion(taskKey(next.ID))
		stored, err := s.store.UpdateTask(ctx, next)
		if err != nil {
			return err
		}
		s.lockedSetVersion(taskKey(stored.ID), stored.Version)
		return nil
	}
}

// ReparentTask moves a task in the containment tree; nil makes it top level.
func (s *Session) ReparentTask(taskID string, parentID *string) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failIfClosed(); err != nil {
		return nil, err
	}
	prevParent, err := s.graph.Reparent(taskID, parentID)
	if err != nil {
		return nil, err
	}
	next, _ := s.graph.Task(taskID)

	keys := []string{taskKey(taskID)}
	for _, p := range []*string{prevParent, parentID} {
		if p != nil {
			keys = append(keys, taskKey(*p))
		}
	}
	m := &mutation{
		op:      "reparent_task",
		keys:    keys,
		event:   events.EventTaskChanged,
		details: map[string]any{"task_id": taskID, "parent_task_id": derefOr(parentID, "")},
		confirm: s.confirmTask(next),
		undo: func() {
			if _, err := s.graph.Reparent(taskID, prevParent); err != nil {
				s.log(LogLevelError, "undo reparent task=%s error=%v", taskID, err)
			}
		},
	}
	return s.enqueue(m), nil
}

// AddDependency validates and inserts taskID → dependsOnTaskID. A rejected
// edge returns the graph validation error and changes nothing.
func (s *Session) AddDependency(taskID, dependsOnTaskID string) (model.TaskDependency, *Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failIfClosed(); err != nil {
		return model.TaskDependency{}, nil, err
	}
	dep, res := s.graph.AddDependency(taskID, dependsOnTaskID)
	if !res.IsValid {
		return model.TaskDependency{}, nil, res.Err()
	}

	m := &mutation{
		op:      "add_dependency",
		keys:    []string{depKey(dep.ID), taskKey(taskID), taskKey(dependsOnTaskID)},
		event:   events.EventDependencyChanged,
		details: map[string]any{"dependency_id": dep.ID, "task_id": taskID, "depends_on_task_id": dependsOnTaskID},
		confirm: func(ctx context.Context) error {
			return s.store.CreateDependency(ctx, dep)
		},
		undo: func() { s.graph.RemoveDependency(dep.ID) },
	}
	return dep, s.enqueue(m), nil
}

// RemoveDependency deletes an edge. Removing an unknown edge succeeds.
func (s *Session) RemoveDependency(id string) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failIfClosed(); err != nil {
		return nil, err
	}
	dep, ok := s.graph.RemoveDependency(id)
	if !ok {
		return Resolved(nil), nil
	}

	m := &mutation{
		op:      "remove_dependency",
		keys:    []string{depKey(id), taskKey(dep.TaskID), taskKey(dep.DependsOnTaskID)},
		event:   events.EventDependencyChanged,
		details: map[string]any{"dependency_id": id, "task_id": dep.TaskID, "depends_on_task_id": dep.DependsOnTaskID},
		confirm: func(ctx context.Context) error {
			return s.store.DeleteDependency(ctx, id)
		},
		undo: func() {
			if res := s.graph.InsertDependency(dep); !res.IsValid {
				s.log(LogLevelError, "undo remove_dependency id=%s error=%v", id, res.Err())
			}
		},
	}
	return s.enqueue(m), nil
}

// SetFocusBlock inserts or replaces a focus block.
func (s *Session) SetFocusBlock(b model.FocusTimeBlock) (model.FocusTimeBlock, *Pending, error) {
	if b.ID == "" {
		id, err := model.GenerateID(model.IDTypeFocusBlock)
		if err != nil {
			return model.FocusTimeBlock{}, nil, err
		}
		b.ID = id
	}
	if err := b.Validate(); err != nil {
		return model.FocusTimeBlock{}, nil, fmt.Errorf("%w: %v", ErrInvalidFocusBlock, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failIfClosed(); err != nil {
		return model.FocusTimeBlock{}, nil, err
	}
	prev, existed := s.blocks[b.ID]
	s.blocks[b.ID] = b

	m := &mutation{
		op:      "set_focus_block",
		keys:    []string{blockKey(b.ID)},
		event:   events.EventFocusBlockChanged,
		details: map[string]any{"focus_block_id": b.ID, "enabled": b.IsEnabled},
		confirm: func(ctx context.Context) error {
			return s.store.SaveFocusBlock(ctx, b)
		},
		undo: func() {
			if existed {
				s.blocks[b.ID] = prev
			} else {
				delete(s.blocks, b.ID)
			}
		},
	}
	return b, s.enqueue(m), nil
}

// UpdateEvent moves or resizes an event and pins it.
func (s *Session) UpdateEvent(id string, patch model.EventPatch) (model.ScheduleEvent, *Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failIfClosed(); err != nil {
		return model.ScheduleEvent{}, nil, err
	}
	cur, ok := s.events[id]
	if !ok {
		return model.ScheduleEvent{}, nil, fmt.Errorf("event %q: %w", id, ErrNotFound)
	}
	if model.IsEventTerminal(cur.Status) {
		return model.ScheduleEvent{}, nil, fmt.Errorf("%w: event %s is %s", ErrInvalidEvent, id, cur.Status)
	}
	next := patch.Apply(cur)
	next.IsManualOverride = true
	if err := next.Validate(); err != nil {
		return model.ScheduleEvent{}, nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	s.events[id] = next

	keys := []string{eventKey(id), taskKey(cur.SourceTaskID)}
	if !cur.IsManualOverride {
		keys = append(keys, scheduleKey)
	}
	m := &mutation{
		op:    "update_event",
		keys:  keys,
		event: events.EventScheduleChanged,
		details: map[string]any{
			"event_id": id, "task_id": cur.SourceTaskID,
			"date_ms": next.DateMs, "start_min": next.StartMin, "end_min": next.EndMin,
		},
		confirm: func(ctx context.Context) error {
			e := next
			e.Version = s.lockedVersion(eventKey(id))
			stored, err := s.store.UpdateEvent(ctx, e)
			if err != nil {
				return err
			}
			s.lockedSetVersion(eventKey(id), stored.Version)
			return nil
		},
		undo: func() {
			cur.Version = s.confirmedVersion(eventKey(id))
			s.events[id] = cur
		},
	}
	return next, s.enqueue(m), nil
}

// CreateEvent adds a pinned event for an existing task.
func (s *Session) CreateEvent(e model.ScheduleEvent) (model.ScheduleEvent, *Pending, error) {
	if e.ID == "" {
		id, err := model.GenerateID(model.IDTypeEvent)
		if err != nil {
			return model.ScheduleEvent{}, nil, err
		}
		e.ID = id
	}
	e.IsManualOverride = true
	if e.Status == "" {
		e.Status = model.EventStatusScheduled
	}
	if e.TaskPart == 0 {
		e.TaskPart, e.TotalParts = 1, 1
	}
	e.DurationMin = e.EndMin - e.StartMin
	e.Version = 0
	if err := e.Validate(); err != nil {
		return model.ScheduleEvent{}, nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failIfClosed(); err != nil {
		return model.ScheduleEvent{}, nil, err
	}
	if _, ok := s.graph.Task(e.SourceTaskID); !ok {
		return model.ScheduleEvent{}, nil, fmt.Errorf("task %q: %w", e.SourceTaskID, ErrNotFound)
	}
	if _, exists := s.events[e.ID]; exists {
		return model.ScheduleEvent{}, nil, fmt.Errorf("%w: duplicate event id %q", ErrInvalidEvent, e.ID)
	}
	s.events[e.ID] = e

	m := &mutation{
		op:    "create_event",
		keys:  []string{eventKey(e.ID), taskKey(e.SourceTaskID)},
		event: events.EventScheduleChanged,
		details: map[string]any{
			"event_id": e.ID, "task_id": e.SourceTaskID,
			"date_ms": e.DateMs, "start_min": e.StartMin, "end_min": e.EndMin,
		},
		confirm: func(ctx context.Context) error {
			stored, err := s.store.CreateEvent(ctx, e)
			if err != nil {
				return err
			}
			s.lockedSetVersion(eventKey(e.ID), stored.Version)
			return nil
		},
		undo: func() {
			delete(s.events, e.ID)
			delete(s.versions, eventKey(e.ID))
		},
	}
	return e, s.enqueue(m), nil
}

func (s *Session) RemoveEvent(id string) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failIfClosed(); err != nil {
		return nil, err
	}
	cur, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event %q: %w", id, ErrNotFound)
	}
	delete(s.events, id)

	keys := []string{eventKey(id)}
	if !cur.IsManualOverride {
		keys = append(keys, scheduleKey)
	}
	m := &mutation{
		op:      "remove_event",
		keys:    keys,
		event:   events.EventScheduleChanged,
		details: map[string]any{"event_id": id, "task_id": cur.SourceTaskID},
		confirm: func(ctx context.Context) error {
			return s.store.DeleteEvent(ctx, id, s.lockedVersion(eventKey(id)))
		},
		undo: func() {
			cur.Version = s.confirmedVersion(eventKey(id))
			s.events[id] = cur
		},
	}
	return s.enqueue(m), nil
}

func derefOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
