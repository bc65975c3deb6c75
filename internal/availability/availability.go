// Package availability derives schedulable time windows from working hours,
// recurring focus blocks, and pinned events.
package availability

import (
	"slices"
	"time"

	"github.com/msageha/ptm/internal/model"
)

// Settings describes the default working day. Zero values fall back to
// model.DefaultSchedulingConfig.
type Settings struct {
	WorkdayStartHour int
	WorkdayEndHour   int
	MinSlotMinutes   int
}

func SettingsFrom(cfg model.SchedulingConfig) Settings {
	cfg = cfg.WithDefaults()
	return Settings{
		WorkdayStartHour: cfg.WorkdayStartHour,
		WorkdayEndHour:   cfg.WorkdayEndHour,
		MinSlotMinutes:   cfg.MinSlotMinutes,
	}
}

type Model struct {
	settings Settings
}

func New(s Settings) *Model {
	d := model.DefaultSchedulingConfig()
	if s.WorkdayEndHour <= 0 {
		s.WorkdayStartHour, s.WorkdayEndHour = d.WorkdayStartHour, d.WorkdayEndHour
	}
	if s.MinSlotMinutes <= 0 {
		s.MinSlotMinutes = d.MinSlotMinutes
	}
	return &Model{settings: s}
}

// AvailableSlots returns the open windows of every day in r, days in
// chronological order and windows chronological within a day. The greedy
// scheduler relies on this ordering for determinism.
func (m *Model) AvailableSlots(r model.DateRange, c model.Constraints, blocks []model.FocusTimeBlock, events []model.ScheduleEvent) []model.TimeWindow {
	var out []model.TimeWindow
	for _, day := range r.Days() {
		if !c.AllowWeekends && isWeekend(day.Weekday()) {
			continue
		}
		out = append(out, m.daySlots(day, c, blocks, events)...)
	}
	return out
}

func (m *Model) daySlots(day time.Time, c model.Constraints, blocks []model.FocusTimeBlock, events []model.ScheduleEvent) []model.TimeWindow {
	dateMs := day.UnixMilli()
	floor := c.NoTasksBeforeHour * 60

	var work []interval
	if w := (interval{max(m.settings.WorkdayStartHour*60, floor), min(m.settings.WorkdayEndHour*60, model.MinutesPerDay)}); w.valid() {
		work = []interval{w}
	}

	var focus []interval
	for _, b := range blocks {
		if !b.IsEnabled || b.DayOfWeek != day.Weekday() {
			continue
		}
		if f := (interval{max(b.StartMin, floor), min(b.EndMin, model.MinutesPerDay)}); f.valid() {
			focus = append(focus, f)
		}
	}
	focus = union(focus)

	base := work
	if c.RespectFocusBlocks {
		base = union(append(slices.Clone(work), focus...))
	}

	var pinned []interval
	pinnedMinutes := 0
	for _, e := range events {
		if !e.IsManualOverride || !e.Occupies() || e.DateMs != dateMs {
			continue
		}
		pinned = append(pinned, interval{e.StartMin, e.EndMin})
	}
	pinned = union(pinned)
	for _, p := range pinned {
		pinnedMinutes += p.length()
	}

	var windows []model.TimeWindow
	for _, iv := range subtract(intersect(base, focus), pinned) {
		windows = append(windows, model.TimeWindow{DateMs: dateMs, StartMin: iv.start, EndMin: iv.end, Tag: model.WindowFocus})
	}
	for _, iv := range subtract(subtract(base, focus), pinned) {
		windows = append(windows, model.TimeWindow{DateMs: dateMs, StartMin: iv.start, EndMin: iv.end, Tag: model.WindowRegular})
	}
	slices.SortFunc(windows, func(a, b model.TimeWindow) int { return a.StartMin - b.StartMin })

	windows = slices.DeleteFunc(windows, func(w model.TimeWindow) bool {
		return w.Duration() < m.settings.MinSlotMinutes
	})

	budget := int(c.MaxHoursPerDay*60) - pinnedMinutes
	return capCapacity(windows, budget, m.settings.MinSlotMinutes)
}

// capCapacity truncates windows chronologically once budget minutes are used.
func capCapacity(windows []model.TimeWindow, budget, minSlot int) []model.TimeWindow {
	var out []model.TimeWindow
	for _, w := range windows {
		if budget < minSlot {
			break
		}
		if w.Duration() > budget {
			w.EndMin = w.StartMin + budget
		}
		budget -= w.Duration()
		out = append(out, w)
	}
	return out
}

// Capacity sums the minutes across windows.
func Capacity(windows []model.TimeWindow) int {
	total := 0
	for _, w := range windows {
		total += w.Duration()
	}
	return total
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}
