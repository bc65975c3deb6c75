package model

import "fmt"

type AlgorithmType string

const (
	AlgorithmLocalHeuristic AlgorithmType = "local_heuristic"
	AlgorithmMILPOptimized  AlgorithmType = "milp_optimized"
	AlgorithmHybrid         AlgorithmType = "hybrid"
)

func (a AlgorithmType) Valid() bool {
	switch a {
	case AlgorithmLocalHeuristic, AlgorithmMILPOptimized, AlgorithmHybrid:
		return true
	}
	return false
}

// Goals are multipliers applied to the scorer's base weights.
type Goals struct {
	Priority      float64 `json:"priority" yaml:"priority"`
	Deadline      float64 `json:"deadline" yaml:"deadline"`
	FocusTime     float64 `json:"focus_time" yaml:"focus_time"`
	ContextSwitch float64 `json:"context_switch" yaml:"context_switch"`
}

func DefaultGoals() Goals {
	return Goals{Priority: 1, Deadline: 1, FocusTime: 1, ContextSwitch: 1}
}

func (g Goals) Validate() error {
	for name, v := range map[string]float64{
		"priority":       g.Priority,
		"deadline":       g.Deadline,
		"focus_time":     g.FocusTime,
		"context_switch": g.ContextSwitch,
	} {
		if v < 0 {
			return fmt.Errorf("goals.%s must be >= 0, got %g", name, v)
		}
	}
	return nil
}

type Constraints struct {
	RespectFocusBlocks bool    `json:"respect_focus_blocks" yaml:"respect_focus_blocks"`
	NoTasksBeforeHour  int     `json:"no_tasks_before_hour" yaml:"no_tasks_before_hour"`
	MaxHoursPerDay     float64 `json:"max_hours_per_day" yaml:"max_hours_per_day"`
	AllowWeekends      bool    `json:"allow_weekends" yaml:"allow_weekends"`
}

func (c Constraints) Validate() error {
	if c.NoTasksBeforeHour < 0 || c.NoTasksBeforeHour > 23 {
		return fmt.Errorf("constraints.no_tasks_before_hour must be 0-23, got %d", c.NoTasksBeforeHour)
	}
	if c.MaxHoursPerDay <= 0 || c.MaxHoursPerDay > 24 {
		return fmt.Errorf("constraints.max_hours_per_day must be in (0,24], got %g", c.MaxHoursPerDay)
	}
	return nil
}

type OptimizationConfig struct {
	AlgorithmType AlgorithmType `json:"algorithm_type"`
	DateRange     DateRange     `json:"date_range"`
	Goals         Goals         `json:"goals"`
	Constraints   Constraints   `json:"constraints"`
}

func (c OptimizationConfig) Validate() error {
	if !c.AlgorithmType.Valid() {
		return fmt.Errorf("unknown algorithm_type %q", c.AlgorithmType)
	}
	if err := c.DateRange.Validate(); err != nil {
		return err
	}
	if err := c.Goals.Validate(); err != nil {
		return err
	}
	return c.Constraints.Validate()
}

type OptimizationResult struct {
	Events             []ScheduleEvent `json:"events"`
	UnscheduledTaskIDs []string        `json:"unscheduled_task_ids"`
	TotalUtility       float64         `json:"total_utility"`
}

// UnscheduledCount is the explicit count reported to callers instead of an error.
func (r OptimizationResult) UnscheduledCount() int {
	return len(r.UnscheduledTaskIDs)
}
