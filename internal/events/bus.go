package events

import (
	"sync"
	"time"
)

// EventType names what changed in a session.
type EventType string

const (
	// EventTaskChanged is published when a task is added, updated or moved.
	EventTaskChanged EventType = "task_changed"
	// EventDependencyChanged is published when an edge is added or removed.
	EventDependencyChanged EventType = "dependency_changed"
	// EventFocusBlockChanged is published when a focus block is saved.
	EventFocusBlockChanged EventType = "focus_block_changed"
	// EventScheduleChanged is published when events are created, moved or removed.
	EventScheduleChanged EventType = "schedule_changed"
	// EventMutationRolledBack is published when a confirmation fails and the
	// optimistic change is undone.
	EventMutationRolledBack EventType = "mutation_rolled_back"
	// EventOptimizationCompleted is published when a run's schedule is applied.
	EventOptimizationCompleted EventType = "optimization_completed"
	// EventOptimizationFailed is published when a run errors or is cancelled.
	EventOptimizationFailed EventType = "optimization_failed"
	// EventStateRefetched is published after state is reloaded from the store.
	EventStateRefetched EventType = "state_refetched"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus delivers events asynchronously through one buffered channel per
// subscriber. Publish never blocks: when a subscriber's buffer is full the
// event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns the unsubscribe func.
// fn runs on its own goroutine; a panic in fn is recovered.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for ev := range ch {
			deliver(fn, ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[eventType]
			for i, c := range subs {
				if c == ch {
					b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
}

func deliver(fn Subscriber, ev Event) {
	defer func() { _ = recover() }()
	fn(ev)
}

func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ev := Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes every subscriber channel. Unsubscribe funcs become no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
