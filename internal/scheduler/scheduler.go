package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/msageha/ptm/internal/availability"
	"github.com/msageha/ptm/internal/graph"
	"github.com/msageha/ptm/internal/model"
	"github.com/msageha/ptm/internal/utility"
)

// Request is one optimization run over a snapshot. Graph must not be shared
// with a writer while the run is in flight.
type Request struct {
	Graph       *graph.TaskGraph
	FocusBlocks []model.FocusTimeBlock
	Events      []model.ScheduleEvent
	// Fixed are unpinned placements the run must keep, typically those of
	// tasks already scheduled partly outside Config.DateRange.
	Fixed  []model.ScheduleEvent
	Config model.OptimizationConfig
}

// ErrInvalidConfig wraps every OptimizationConfig validation failure.
var ErrInvalidConfig = errors.New("invalid optimization config")

// Scheduler wires availability, scoring and a strategy together.
type Scheduler struct {
	availability *availability.Model
	opts         Options
	minSplit     int
}

func NewScheduler(cfg model.SchedulingConfig) *Scheduler {
	cfg = cfg.WithDefaults()
	return &Scheduler{
		availability: availability.New(availability.SettingsFrom(cfg)),
		opts:         OptionsFrom(cfg),
		minSplit:     cfg.MinSplitMinutes,
	}
}

// Run validates the configuration, derives windows around the pinned events
// and schedules every eligible task.
func (s *Scheduler) Run(ctx context.Context, req Request) (Result, error) {
	if err := req.Config.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	strategy, err := New(req.Config.AlgorithmType, s.opts)
	if err != nil {
		return Result{}, err
	}
	g := req.Graph
	if g == nil {
		g = graph.New()
	}

	// pins outside the range still keep their task out of the run
	var pinned []model.ScheduleEvent
	for _, e := range req.Events {
		if e.IsManualOverride {
			pinned = append(pinned, e)
		}
	}

	busy := slices.Clone(pinned)
	for _, e := range req.Fixed {
		e.IsManualOverride = true
		busy = append(busy, e)
	}

	in := Input{
		Tasks:           g.Tasks(),
		IsBlocked:       g.IsBlocked,
		Windows:         s.availability.AvailableSlots(req.Config.DateRange, req.Config.Constraints, req.FocusBlocks, busy),
		Pinned:          pinned,
		Fixed:           req.Fixed,
		Scorer:          utility.NewScorer(req.Config.Goals),
		Constraints:     req.Config.Constraints,
		MinSplitMinutes: s.minSplit,
	}
	return strategy.Schedule(ctx, in)
}
