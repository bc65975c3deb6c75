// Package model defines the data structures shared by the ptm scheduling core:
// tasks, dependencies, focus blocks, schedule events, and configuration.
package model

import (
	"math"
	"slices"
	"time"
)

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

var priorityRank = map[Priority]int{
	PriorityLow:    0,
	PriorityMedium: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// Rank orders priorities LOW < MEDIUM < HIGH < URGENT. Unknown values rank below LOW.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return -1
}

func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "TODO"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusDone       TaskStatus = "DONE"
)

type Task struct {
	ID                     string     `json:"id" yaml:"id"`
	Title                  string     `json:"title" yaml:"title"`
	Priority               Priority   `json:"priority" yaml:"priority"`
	EstimatedDurationHours float64    `json:"estimated_duration_hours" yaml:"estimated_duration_hours"`
	Deadline               *time.Time `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	IsDeepWork             bool       `json:"is_deep_work" yaml:"is_deep_work"`
	ParentTaskID           *string    `json:"parent_task_id,omitempty" yaml:"parent_task_id,omitempty"`
	Status                 TaskStatus `json:"status" yaml:"status"`
	Tags                   []string   `json:"tags,omitempty" yaml:"tags,omitempty"`
	Version                int        `json:"version" yaml:"version"`
}

// DurationMinutes rounds the estimated duration up to whole minutes.
func (t Task) DurationMinutes() int {
	if t.EstimatedDurationHours <= 0 {
		return 0
	}
	return int(math.Ceil(t.EstimatedDurationHours*60 - 1e-9))
}

func (t Task) HasTag(tag string) bool {
	return slices.Contains(t.Tags, tag)
}

// Clone returns a deep copy so snapshots never share pointers with live state.
func (t Task) Clone() Task {
	c := t
	if t.Deadline != nil {
		d := *t.Deadline
		c.Deadline = &d
	}
	if t.ParentTaskID != nil {
		p := *t.ParentTaskID
		c.ParentTaskID = &p
	}
	if t.Tags != nil {
		c.Tags = slices.Clone(t.Tags)
	}
	return c
}

type DependencyType string

// DependencyFinishToStart means the dependent cannot start before the depended-on task is DONE.
const DependencyFinishToStart DependencyType = "FINISH_TO_START"

type TaskDependency struct {
	ID              string         `json:"id" yaml:"id"`
	TaskID          string         `json:"task_id" yaml:"task_id"`
	DependsOnTaskID string         `json:"depends_on_task_id" yaml:"depends_on_task_id"`
	Type            DependencyType `json:"dependency_type" yaml:"dependency_type"`
}
