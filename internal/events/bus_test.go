package events

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event
	unsub := bus.Subscribe(EventScheduleChanged, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})
	defer unsub()

	bus.Publish(EventScheduleChanged, map[string]any{"event_id": "evt_1"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if received[0].Type != EventScheduleChanged {
		t.Errorf("type = %s, want %s", received[0].Type, EventScheduleChanged)
	}
	if id, _ := received[0].Data["event_id"].(string); id != "evt_1" {
		t.Errorf("event_id = %v, want evt_1", received[0].Data["event_id"])
	}
}

func TestBus_OnlyMatchingType(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	counts := map[EventType]int{}
	for _, et := range []EventType{EventTaskChanged, EventMutationRolledBack} {
		unsub := bus.Subscribe(et, func(e Event) {
			mu.Lock()
			counts[e.Type]++
			mu.Unlock()
		})
		defer unsub()
	}

	bus.Publish(EventTaskChanged, nil)
	bus.Publish(EventMutationRolledBack, nil)
	bus.Publish(EventTaskChanged, nil)
	bus.Publish(EventOptimizationCompleted, nil)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts[EventTaskChanged] == 2 && counts[EventMutationRolledBack] == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if counts[EventOptimizationCompleted] != 0 {
		t.Errorf("unsubscribed type delivered %d times", counts[EventOptimizationCompleted])
	}
}

func TestBus_PublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	release := make(chan struct{})
	unsub := bus.Subscribe(EventScheduleChanged, func(Event) { <-release })
	defer unsub()
	defer close(release)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(EventScheduleChanged, map[string]any{"i": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestBus_UnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(EventTaskChanged, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(EventTaskChanged, nil)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	unsub()
	unsub()
	bus.Publish(EventTaskChanged, nil)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("count = %d after unsubscribe, want 1", count)
	}
}

func TestBus_PanickingSubscriberIsIsolated(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	unsub1 := bus.Subscribe(EventStateRefetched, func(Event) { panic("boom") })
	defer unsub1()

	var mu sync.Mutex
	received := 0
	unsub2 := bus.Subscribe(EventStateRefetched, func(Event) {
		mu.Lock()
		received++
		mu.Unlock()
	})
	defer unsub2()

	bus.Publish(EventStateRefetched, nil)
	bus.Publish(EventStateRefetched, nil)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 2
	})
}
