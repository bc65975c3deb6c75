package model

import (
	"fmt"
	"time"
)

const (
	MinutesPerDay = 24 * 60
	MsPerDay      = int64(24 * time.Hour / time.Millisecond)
)

type FocusTimeBlock struct {
	ID        string       `json:"id" yaml:"id"`
	DayOfWeek time.Weekday `json:"day_of_week" yaml:"day_of_week"`
	StartMin  int          `json:"start_min" yaml:"start_min"`
	EndMin    int          `json:"end_min" yaml:"end_min"`
	IsEnabled bool         `json:"is_enabled" yaml:"is_enabled"`
	BlockName string       `json:"block_name" yaml:"block_name"`
}

func (b FocusTimeBlock) Validate() error {
	if b.DayOfWeek < time.Sunday || b.DayOfWeek > time.Saturday {
		return fmt.Errorf("day_of_week must be 0-6, got %d", b.DayOfWeek)
	}
	if b.StartMin < 0 || b.EndMin > MinutesPerDay || b.StartMin >= b.EndMin {
		return fmt.Errorf("invalid focus block window [%d,%d)", b.StartMin, b.EndMin)
	}
	return nil
}

type EventStatus string

const (
	EventStatusScheduled EventStatus = "scheduled"
	EventStatusCompleted EventStatus = "completed"
	EventStatusCancelled EventStatus = "cancelled"
)

type UtilityBreakdown struct {
	PriorityScore        float64 `json:"priority_score" yaml:"priority_score"`
	DeadlineScore        float64 `json:"deadline_score" yaml:"deadline_score"`
	FocusTimeBonus       float64 `json:"focus_time_bonus" yaml:"focus_time_bonus"`
	ContextSwitchPenalty float64 `json:"context_switch_penalty" yaml:"context_switch_penalty"`
	Reason               string  `json:"reason" yaml:"reason"`
}

// Total sums the components; the penalty is already negative.
func (u UtilityBreakdown) Total() float64 {
	return u.PriorityScore + u.DeadlineScore + u.FocusTimeBonus + u.ContextSwitchPenalty
}

type ScheduleEvent struct {
	ID               string           `json:"id" yaml:"id"`
	SourceTaskID     string           `json:"source_task_id" yaml:"source_task_id"`
	DateMs           int64            `json:"date_ms" yaml:"date_ms"`
	StartMin         int              `json:"start_min" yaml:"start_min"`
	EndMin           int              `json:"end_min" yaml:"end_min"`
	DurationMin      int              `json:"duration_min" yaml:"duration_min"`
	TaskPart         int              `json:"task_part" yaml:"task_part"`
	TotalParts       int              `json:"total_parts" yaml:"total_parts"`
	IsManualOverride bool             `json:"is_manual_override" yaml:"is_manual_override"`
	Status           EventStatus      `json:"status" yaml:"status"`
	Utility          float64          `json:"utility" yaml:"utility"`
	UtilityBreakdown UtilityBreakdown `json:"utility_breakdown" yaml:"utility_breakdown"`
	Version          int              `json:"version" yaml:"version"`
}

// Occupies reports whether the event still holds its calendar slot.
func (e ScheduleEvent) Occupies() bool {
	return e.Status != EventStatusCancelled
}

// Overlaps reports whether two events share any minute on the same day.
func (e ScheduleEvent) Overlaps(o ScheduleEvent) bool {
	return e.DateMs == o.DateMs && e.StartMin < o.EndMin && o.StartMin < e.EndMin
}

func (e ScheduleEvent) Validate() error {
	if e.SourceTaskID == "" {
		return fmt.Errorf("source_task_id is required")
	}
	if e.DateMs%MsPerDay != 0 {
		return fmt.Errorf("date_ms %d is not a UTC midnight", e.DateMs)
	}
	if e.StartMin < 0 || e.EndMin > MinutesPerDay || e.StartMin >= e.EndMin {
		return fmt.Errorf("invalid event window [%d,%d)", e.StartMin, e.EndMin)
	}
	return nil
}

// EventPatch carries the optional fields of an event update. Unset fields
// keep their current value.
type EventPatch struct {
	DateMs   *int64 `json:"date_ms,omitempty"`
	StartMin *int   `json:"start_min,omitempty"`
	EndMin   *int   `json:"end_min,omitempty"`
}

func (p EventPatch) Apply(e ScheduleEvent) ScheduleEvent {
	if p.DateMs != nil {
		e.DateMs = *p.DateMs
	}
	if p.StartMin != nil {
		e.StartMin = *p.StartMin
	}
	if p.EndMin != nil {
		e.EndMin = *p.EndMin
	}
	e.DurationMin = e.EndMin - e.StartMin
	return e
}

type WindowTag string

const (
	WindowFocus   WindowTag = "focus"
	WindowRegular WindowTag = "regular"
)

type TimeWindow struct {
	DateMs   int64     `json:"date_ms"`
	StartMin int       `json:"start_min"`
	EndMin   int       `json:"end_min"`
	Tag      WindowTag `json:"tag"`
}

func (w TimeWindow) Duration() int {
	return w.EndMin - w.StartMin
}

// Start returns the window's start instant in UTC.
func (w TimeWindow) Start() time.Time {
	return time.UnixMilli(w.DateMs).UTC().Add(time.Duration(w.StartMin) * time.Minute)
}

// DateRange covers whole UTC days from Start to End inclusive.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the UTC midnights covered by the range in chronological order.
func (r DateRange) Days() []time.Time {
	start := TruncateDay(r.Start)
	end := TruncateDay(r.End)
	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Contains reports whether the UTC midnight dateMs falls inside the range.
func (r DateRange) Contains(dateMs int64) bool {
	return dateMs >= TruncateDay(r.Start).UnixMilli() && dateMs <= TruncateDay(r.End).UnixMilli()
}

func (r DateRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("date range start and end are required")
	}
	if TruncateDay(r.End).Before(TruncateDay(r.Start)) {
		return fmt.Errorf("date range end %s is before start %s", r.End.Format(time.DateOnly), r.Start.Format(time.DateOnly))
	}
	return nil
}

// TruncateDay returns UTC midnight of the day containing t.
func TruncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func DayMs(t time.Time) int64 {
	return TruncateDay(t).UnixMilli()
}
