package daemon

import (
	"sync"
	"time"

	"github.com/msageha/ptm/internal/events"
	"github.com/msageha/ptm/internal/status"
)

// activity tracks what the session reported on the bus since startup.
type activity struct {
	mu        sync.Mutex
	rollbacks int
	last      *status.OptimizationStatus
}

func (a *activity) rolledBack() {
	a.mu.Lock()
	a.rollbacks++
	a.mu.Unlock()
}

func (a *activity) optimized(ev events.Event) {
	o := &status.OptimizationStatus{
		At:      ev.Timestamp.UTC(),
		Outcome: "completed",
	}
	if ev.Type == events.EventOptimizationFailed {
		o.Outcome = "failed"
	}
	if v, ok := ev.Data["algorithm"].(string); ok {
		o.Algorithm = v
	}
	if v, ok := ev.Data["events"].(int); ok {
		o.Events = v
	}
	if v, ok := ev.Data["unscheduled"].(int); ok {
		o.Unscheduled = v
	}
	if v, ok := ev.Data["total_utility"].(float64); ok {
		o.TotalUtility = v
	}
	if v, ok := ev.Data["error"].(string); ok {
		o.Error = v
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last != nil && a.last.At.After(o.At) {
		return
	}
	a.last = o
}

func (a *activity) fill(ds *status.DaemonStatus, started time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ds.Rollbacks = a.rollbacks
	ds.StartedAt = started.UTC()
	if a.last != nil {
		o := *a.last
		ds.LastOptimization = &o
	}
}
