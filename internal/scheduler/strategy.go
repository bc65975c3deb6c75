// Package scheduler places tasks into available windows. Three strategies
// share one interface and one objective so their results are comparable.
package scheduler

import (
	"context"
	"fmt"

	"github.com/msageha/ptm/internal/model"
	"github.com/msageha/ptm/internal/utility"
)

// Input is a consistent snapshot; strategies never mutate it.
type Input struct {
	Tasks           []model.Task
	IsBlocked       func(taskID string) bool
	Windows         []model.TimeWindow
	Pinned          []model.ScheduleEvent
	// Fixed are placements kept from earlier runs: their tasks are left out
	// and their time counts as a neighbour, but they are not returned.
	Fixed           []model.ScheduleEvent
	Scorer          *utility.Scorer
	Constraints     model.Constraints
	MinSplitMinutes int
}

type Result struct {
	Events             []model.ScheduleEvent // pinned events followed by new placements, chronological
	UnscheduledTaskIDs []string
	TotalUtility       float64 // sum over new placements only
}

type Strategy interface {
	Name() model.AlgorithmType
	Schedule(ctx context.Context, in Input) (Result, error)
}

type Options struct {
	HybridIterations int
	ExactNodeBudget  int
}

func OptionsFrom(cfg model.SchedulingConfig) Options {
	cfg = cfg.WithDefaults()
	return Options{HybridIterations: cfg.HybridIterations, ExactNodeBudget: cfg.ExactNodeBudget}
}

// New selects the strategy for an algorithm type.
func New(alg model.AlgorithmType, opts Options) (Strategy, error) {
	d := model.DefaultSchedulingConfig()
	if opts.HybridIterations <= 0 {
		opts.HybridIterations = d.HybridIterations
	}
	if opts.ExactNodeBudget <= 0 {
		opts.ExactNodeBudget = d.ExactNodeBudget
	}
	switch alg {
	case model.AlgorithmLocalHeuristic:
		return greedy{}, nil
	case model.AlgorithmMILPOptimized:
		return exact{nodeBudget: opts.ExactNodeBudget}, nil
	case model.AlgorithmHybrid:
		return hybrid{iterations: opts.HybridIterations}, nil
	default:
		return nil, fmt.Errorf("unknown algorithm type %q", alg)
	}
}

// InfeasibleScheduleError reports that hard constraints cannot hold even with
// no task placed.
type InfeasibleScheduleError struct {
	Reason string
}

func (e *InfeasibleScheduleError) Error() string {
	return "infeasible schedule: " + e.Reason
}

func (e *InfeasibleScheduleError) ErrorCode() string {
	return "INFEASIBLE"
}
