package session

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/msageha/ptm/internal/events"
	"github.com/msageha/ptm/internal/model"
	"github.com/msageha/ptm/internal/reconcile"
	"github.com/msageha/ptm/internal/scheduler"
)

// RunOptimization schedules every eligible task over cfg.DateRange and
// replaces the unpinned events inside that range with the result. Pins are
// never moved. Unpinned events outside the range are kept, and so are all
// placements of a task that has one outside the range. A
// second call cancels a run still in flight; the cancelled run returns
// context.Canceled and changes nothing.
//
// Zero fields in cfg take the session's scheduling defaults.
func (s *Session) RunOptimization(ctx context.Context, cfg model.OptimizationConfig) (model.OptimizationResult, error) {
	runCtx, finish := s.beginRun(ctx)
	defer finish()

	s.mu.Lock()
	if err := s.failIfClosed(); err != nil {
		s.mu.Unlock()
		return model.OptimizationResult{}, err
	}
	cfg = s.fillOptimizationConfig(cfg, time.Now())
	_, kept := s.splitPlacements(cfg.DateRange)
	req := scheduler.Request{
		Graph:       s.graph.Clone(),
		FocusBlocks: sortedBlocks(s.blocks),
		Events:      sortedEvents(s.events),
		Fixed:       kept,
		Config:      cfg,
	}
	sched := s.sched
	s.mu.Unlock()

	started := time.Now()
	res, err := sched.Run(runCtx, req)
	if err != nil {
		s.optimizationFailed(cfg, err)
		return model.OptimizationResult{}, err
	}

	s.mu.Lock()
	if err := runCtx.Err(); err != nil {
		s.mu.Unlock()
		err = fmt.Errorf("optimization cancelled: %w", err)
		s.optimizationFailed(cfg, err)
		return model.OptimizationResult{}, err
	}
	if err := s.failIfClosed(); err != nil {
		s.mu.Unlock()
		return model.OptimizationResult{}, err
	}
	out, pending := s.applySchedule(cfg, res)
	s.mu.Unlock()

	if err := pending.Wait(ctx); err != nil {
		s.optimizationFailed(cfg, err)
		return model.OptimizationResult{}, err
	}

	elapsed := time.Since(started)
	s.log(LogLevelInfo, "optimization completed algorithm=%s events=%d unscheduled=%d utility=%.2f elapsed=%s",
		cfg.AlgorithmType, len(out.Events), out.UnscheduledCount(), out.TotalUtility, elapsed)
	d := map[string]any{
		"algorithm":     string(cfg.AlgorithmType),
		"events":        len(out.Events),
		"unscheduled":   out.UnscheduledCount(),
		"total_utility": out.TotalUtility,
		"elapsed_ms":    elapsed.Milliseconds(),
	}
	s.publish(events.EventOptimizationCompleted, d)
	s.record("run_optimization", withOutcome(d, "completed"))
	return out, nil
}

// splitPlacements divides the unpinned events into those a run over r
// replaces and those it keeps. A task with any placement outside r keeps all
// of its placements. Must be called with s.mu held.
func (s *Session) splitPlacements(r model.DateRange) (replaced, kept []model.ScheduleEvent) {
	spans := make(map[string]bool)
	for _, e := range s.events {
		if !e.IsManualOverride && !r.Contains(e.DateMs) {
			spans[e.SourceTaskID] = true
		}
	}
	for _, e := range sortedEvents(s.events) {
		switch {
		case e.IsManualOverride:
		case spans[e.SourceTaskID]:
			kept = append(kept, e)
		default:
			replaced = append(replaced, e)
		}
	}
	return replaced, kept
}

// applySchedule must be called with s.mu held.
func (s *Session) applySchedule(cfg model.OptimizationConfig, res scheduler.Result) (model.OptimizationResult, *Pending) {
	var pins []model.ScheduleEvent
	for _, e := range sortedEvents(s.events) {
		if e.IsManualOverride {
			pins = append(pins, e)
		}
	}
	previous, kept := s.splitPlacements(cfg.DateRange)
	keptTasks := make(map[string]bool)
	for _, e := range kept {
		keptTasks[e.SourceTaskID] = true
	}

	// pins may have moved while the scheduler ran
	merged := reconcile.Merge(res.Events, pins)
	for _, d := range merged.Dropped {
		s.log(LogLevelDebug, "dropped placement event=%s task=%s: %s", d.Event.ID, d.Event.SourceTaskID, d.Detail)
	}

	var fresh []model.ScheduleEvent
	freshIDs := make(map[string]bool)
	for _, e := range merged.Events {
		if !e.IsManualOverride && !keptTasks[e.SourceTaskID] {
			fresh = append(fresh, e)
			freshIDs[e.ID] = true
		}
	}

	keys := []string{scheduleKey}
	removeIDs := make([]string, 0, len(previous))
	for _, e := range previous {
		delete(s.events, e.ID)
		keys = append(keys, eventKey(e.ID))
		removeIDs = append(removeIDs, e.ID)
	}
	for _, e := range fresh {
		s.events[e.ID] = e
		if !slices.Contains(keys, eventKey(e.ID)) {
			keys = append(keys, eventKey(e.ID))
		}
	}

	out := model.OptimizationResult{Events: []model.ScheduleEvent{}}
	for _, e := range sortedEvents(s.events) {
		if cfg.DateRange.Contains(e.DateMs) {
			out.Events = append(out.Events, e)
		}
	}
	for _, e := range fresh {
		out.TotalUtility += e.Utility
	}
	unscheduled := append(slices.Clone(res.UnscheduledTaskIDs), merged.UnscheduledTaskIDs...)
	slices.Sort(unscheduled)
	out.UnscheduledTaskIDs = slices.Compact(unscheduled)
	if out.UnscheduledTaskIDs == nil {
		out.UnscheduledTaskIDs = []string{}
	}

	m := &mutation{
		op:    "replace_schedule",
		keys:  keys,
		event: events.EventScheduleChanged,
		details: map[string]any{
			"algorithm": string(cfg.AlgorithmType),
			"removed":   len(previous),
			"placed":    len(fresh),
		},
		confirm: func(ctx context.Context) error {
			stored, err := s.store.ReplaceSchedule(ctx, removeIDs, fresh)
			if err != nil {
				return err
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			for _, e := range previous {
				if !freshIDs[e.ID] {
					delete(s.versions, eventKey(e.ID))
				}
			}
			for _, e := range stored {
				s.setVersion(eventKey(e.ID), e.Version)
			}
			return nil
		},
		undo: func() {
			for _, e := range fresh {
				delete(s.events, e.ID)
			}
			for _, e := range previous {
				e.Version = s.confirmedVersion(eventKey(e.ID))
				s.events[e.ID] = e
			}
		},
	}
	return out, s.enqueue(m)
}

// beginRun cancels the run in flight, if any, and registers a new one.
func (s *Session) beginRun(ctx context.Context) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	s.runMu.Lock()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.runSeq++
	seq := s.runSeq
	s.cancelRun = cancel
	s.runMu.Unlock()

	return runCtx, func() {
		s.runMu.Lock()
		if s.runSeq == seq {
			s.cancelRun = nil
		}
		s.runMu.Unlock()
		cancel()
	}
}

// fillOptimizationConfig must be called with s.mu held.
func (s *Session) fillOptimizationConfig(cfg model.OptimizationConfig, now time.Time) model.OptimizationConfig {
	if cfg.AlgorithmType == "" {
		cfg.AlgorithmType = s.schedCfg.DefaultAlgorithm
	}
	if cfg.Goals == (model.Goals{}) {
		cfg.Goals = s.schedCfg.Goals
	}
	if cfg.Constraints == (model.Constraints{}) {
		cfg.Constraints = s.schedCfg.Constraints
	}
	if cfg.DateRange.Start.IsZero() {
		cfg.DateRange.Start = model.TruncateDay(now)
	}
	if cfg.DateRange.End.IsZero() {
		cfg.DateRange.End = model.TruncateDay(cfg.DateRange.Start).AddDate(0, 0, s.schedCfg.HorizonDays-1)
	}
	return cfg
}

func (s *Session) optimizationFailed(cfg model.OptimizationConfig, err error) {
	s.log(LogLevelWarn, "optimization failed algorithm=%s error=%v", cfg.AlgorithmType, err)
	d := map[string]any{"algorithm": string(cfg.AlgorithmType), "error": err.Error()}
	s.publish(events.EventOptimizationFailed, d)
	s.record("run_optimization", withOutcome(d, "failed"))
}
