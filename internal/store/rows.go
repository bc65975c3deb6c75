package store

import (
	"time"

	"github.com/msageha/ptm/internal/model"
)

type taskRow struct {
	ID                     string `gorm:"primaryKey"`
	Title                  string
	Priority               string
	EstimatedDurationHours float64
	Deadline               *time.Time
	IsDeepWork             bool
	ParentTaskID           *string  `gorm:"index"`
	Status                 string   `gorm:"index"`
	Tags                   []string `gorm:"serializer:json"`
	Version                int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (taskRow) TableName() string { return "tasks" }

func taskRowFrom(t model.Task) taskRow {
	c := t.Clone()
	return taskRow{
		ID:                     c.ID,
		Title:                  c.Title,
		Priority:               string(c.Priority),
		EstimatedDurationHours: c.EstimatedDurationHours,
		Deadline:               c.Deadline,
		IsDeepWork:             c.IsDeepWork,
		ParentTaskID:           c.ParentTaskID,
		Status:                 string(c.Status),
		Tags:                   c.Tags,
		Version:                c.Version,
	}
}

func (r taskRow) toModel() model.Task {
	t := model.Task{
		ID:                     r.ID,
		Title:                  r.Title,
		Priority:               model.Priority(r.Priority),
		EstimatedDurationHours: r.EstimatedDurationHours,
		Deadline:               r.Deadline,
		IsDeepWork:             r.IsDeepWork,
		ParentTaskID:           r.ParentTaskID,
		Status:                 model.TaskStatus(r.Status),
		Tags:                   r.Tags,
		Version:                r.Version,
	}
	if t.Deadline != nil {
		d := t.Deadline.UTC()
		t.Deadline = &d
	}
	return t.Clone()
}

type dependencyRow struct {
	ID              string `gorm:"primaryKey"`
	TaskID          string `gorm:"index"`
	DependsOnTaskID string `gorm:"index"`
	Type            string
	CreatedAt       time.Time
}

func (dependencyRow) TableName() string { return "task_dependencies" }

func (r dependencyRow) toModel() model.TaskDependency {
	return model.TaskDependency{
		ID:              r.ID,
		TaskID:          r.TaskID,
		DependsOnTaskID: r.DependsOnTaskID,
		Type:            model.DependencyType(r.Type),
	}
}

type focusBlockRow struct {
	ID        string `gorm:"primaryKey"`
	DayOfWeek int
	StartMin  int
	EndMin    int
	IsEnabled bool
	BlockName string
}

func (focusBlockRow) TableName() string { return "focus_time_blocks" }

func (r focusBlockRow) toModel() model.FocusTimeBlock {
	return model.FocusTimeBlock{
		ID:        r.ID,
		DayOfWeek: time.Weekday(r.DayOfWeek),
		StartMin:  r.StartMin,
		EndMin:    r.EndMin,
		IsEnabled: r.IsEnabled,
		BlockName: r.BlockName,
	}
}

type eventRow struct {
	ID                   string `gorm:"primaryKey"`
	SourceTaskID         string `gorm:"index"`
	DateMs               int64  `gorm:"index"`
	StartMin             int
	EndMin               int
	DurationMin          int
	TaskPart             int
	TotalParts           int
	IsManualOverride     bool `gorm:"index"`
	Status               string
	Utility              float64
	PriorityScore        float64
	DeadlineScore        float64
	FocusTimeBonus       float64
	ContextSwitchPenalty float64
	Reason               string
	Version              int
	UpdatedAt            time.Time
}

func (eventRow) TableName() string { return "schedule_events" }

func eventRowFrom(e model.ScheduleEvent) eventRow {
	return eventRow{
		ID:                   e.ID,
		SourceTaskID:         e.SourceTaskID,
		DateMs:               e.DateMs,
		StartMin:             e.StartMin,
		EndMin:               e.EndMin,
		DurationMin:          e.DurationMin,
		TaskPart:             e.TaskPart,
		TotalParts:           e.TotalParts,
		IsManualOverride:     e.IsManualOverride,
		Status:               string(e.Status),
		Utility:              e.Utility,
		PriorityScore:        e.UtilityBreakdown.PriorityScore,
		DeadlineScore:        e.UtilityBreakdown.DeadlineScore,
		FocusTimeBonus:       e.UtilityBreakdown.FocusTimeBonus,
		ContextSwitchPenalty: e.UtilityBreakdown.ContextSwitchPenalty,
		Reason:               e.UtilityBreakdown.Reason,
		Version:              e.Version,
	}
}

func (r eventRow) toModel() model.ScheduleEvent {
	return model.ScheduleEvent{
		ID:               r.ID,
		SourceTaskID:     r.SourceTaskID,
		DateMs:           r.DateMs,
		StartMin:         r.StartMin,
		EndMin:           r.EndMin,
		DurationMin:      r.DurationMin,
		TaskPart:         r.TaskPart,
		TotalParts:       r.TotalParts,
		IsManualOverride: r.IsManualOverride,
		Status:           model.EventStatus(r.Status),
		Utility:          r.Utility,
		UtilityBreakdown: model.UtilityBreakdown{
			PriorityScore:        r.PriorityScore,
			DeadlineScore:        r.DeadlineScore,
			FocusTimeBonus:       r.FocusTimeBonus,
			ContextSwitchPenalty: r.ContextSwitchPenalty,
			Reason:               r.Reason,
		},
		Version: r.Version,
	}
}
