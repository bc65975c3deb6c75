package session

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/msageha/ptm/internal/events"
	"github.com/msageha/ptm/internal/store"
)

// mutation is one optimistic change waiting for store confirmation.
type mutation struct {
	op      string
	keys    []string // entities touched, e.g. "event:evt_1"
	event   events.EventType
	details map[string]any

	// confirm runs on the worker without s.mu held.
	confirm func(ctx context.Context) error
	// undo runs with s.mu held and restores the exact prior value.
	undo func()

	pending *Pending
}

func taskKey(id string) string  { return "task:" + id }
func depKey(id string) string   { return "dep:" + id }
func eventKey(id string) string { return "event:" + id }
func blockKey(id string) string { return "focus:" + id }

// scheduleKey is touched by every change to an unpinned event so a schedule
// replacement orders against them.
const scheduleKey = "schedule"

// enqueue must be called with s.mu held, right after the change was applied.
func (s *Session) enqueue(m *mutation) *Pending {
	m.pending = newPending()
	s.queue = append(s.queue, m)
	s.seq++
	s.signal()
	s.publish(m.event, withOutcome(m.details, "applied"))
	return m.pending
}

// signal wakes the worker without blocking.
func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) dequeue() *mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	m := s.queue[0]
	s.queue = s.queue[1:]
	return m
}

func (s *Session) confirmLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.wake:
			s.drain()
		case <-s.stop:
			s.drain()
			return
		}
	}
}

func (s *Session) drain() {
	for m := s.dequeue(); m != nil; m = s.dequeue() {
		s.confirmOne(m)
	}

	s.mu.Lock()
	want := s.refetch && len(s.queue) == 0
	if want {
		s.refetch = false
	}
	s.mu.Unlock()
	if want {
		ctx, cancel := context.WithTimeout(context.Background(), s.confirmTimeout)
		if err := s.Refetch(ctx); err != nil {
			s.log(LogLevelError, "forced refetch failed error=%v", err)
		}
		cancel()
	}
}

func (s *Session) confirmOne(m *mutation) {
	ctx, cancel := context.WithTimeout(context.Background(), s.confirmTimeout)
	err := m.confirm(ctx)
	cancel()

	if err == nil {
		s.mu.Lock()
		s.seq++
		s.mu.Unlock()
		s.log(LogLevelDebug, "confirmed op=%s keys=%v", m.op, m.keys)
		s.record(m.op, withOutcome(m.details, "confirmed"))
		m.pending.resolve(nil)
		return
	}

	if errors.Is(err, store.ErrConcurrencyConflict) {
		err = &ConcurrencyConflictError{Op: m.op, Key: m.keys[0], Err: err}
		s.mu.Lock()
		s.refetch = true
		s.mu.Unlock()
	}
	s.log(LogLevelWarn, "rollback op=%s keys=%v error=%v", m.op, m.keys, err)

	superseded := s.rollback(m)
	for _, q := range superseded {
		s.finishRolledBack(q, ErrSuperseded)
	}
	s.finishRolledBack(m, err)
}

func (s *Session) finishRolledBack(m *mutation, err error) {
	d := withOutcome(m.details, "rolled_back")
	d["op"] = m.op
	d["error"] = err.Error()
	s.record(m.op, d)
	s.publish(events.EventMutationRolledBack, d)
	m.pending.resolve(err)
}

// rollback removes every queued mutation that touches what m touched
// (transitively), undoes them newest first, then undoes m. Each undo restores
// the value seen just before its change, so the entities end up exactly as
// they were before m.
func (s *Session) rollback(m *mutation) []*mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++

	touched := make(map[string]bool)
	for _, k := range m.keys {
		touched[k] = true
	}
	var superseded, kept []*mutation
	for _, q := range s.queue {
		if slices.ContainsFunc(q.keys, func(k string) bool { return touched[k] }) {
			superseded = append(superseded, q)
			for _, k := range q.keys {
				touched[k] = true
			}
			continue
		}
		kept = append(kept, q)
	}
	s.queue = kept

	for i := len(superseded) - 1; i >= 0; i-- {
		superseded[i].undo()
	}
	m.undo()
	return superseded
}

func withOutcome(details map[string]any, outcome string) map[string]any {
	d := maps.Clone(details)
	if d == nil {
		d = make(map[string]any)
	}
	d["outcome"] = outcome
	return d
}

// failIfClosed must be called with s.mu held.
func (s *Session) failIfClosed() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}
