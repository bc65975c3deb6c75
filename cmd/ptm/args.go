package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/ptm/internal/daemon"
	"github.com/msageha/ptm/internal/model"
)

// flagValue returns the argument following the flag at args[*i] and
// advances i past it.
func flagValue(args []string, i *int) (string, error) {
	if *i+1 >= len(args) {
		return "", fmt.Errorf("%s requires a value", args[*i])
	}
	*i++
	return args[*i], nil
}

// parseClock turns HH:MM into minutes after midnight. 24:00 is accepted as
// the end of the day.
func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	hours, err := strconv.Atoi(h)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	mins, err := strconv.Atoi(m)
	if err != nil || len(m) != 2 {
		return 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	total := hours*60 + mins
	if hours < 0 || mins < 0 || mins > 59 || total > model.MinutesPerDay {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return total, nil
}

// parseClockRange parses HH:MM-HH:MM.
func parseClockRange(s string) (int, int, error) {
	a, b, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range %q (want HH:MM-HH:MM)", s)
	}
	start, err := parseClock(a)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(b)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 6 {
			return 0, fmt.Errorf("weekday %d out of range 0-6", n)
		}
		return time.Weekday(n), nil
	}
	low := strings.ToLower(s)
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if low == name || (len(low) >= 3 && strings.HasPrefix(name, low)) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// parseDeadline accepts a date (end of that day, UTC), a local-less
// YYYY-MM-DDTHH:MM, or RFC3339.
func parseDeadline(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.Add(24*time.Hour - time.Minute), nil
	}
	if t, err := time.Parse("2006-01-02T15:04", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid deadline %q (want YYYY-MM-DD, YYYY-MM-DDTHH:MM or RFC3339)", s)
}

func parsePriority(s string) (model.Priority, error) {
	p := model.Priority(strings.ToUpper(s))
	switch p {
	case model.PriorityLow, model.PriorityMedium, model.PriorityHigh, model.PriorityUrgent:
		return p, nil
	}
	return "", fmt.Errorf("unknown priority %q (low, medium, high, urgent)", s)
}

func parseStatus(s string) (model.TaskStatus, error) {
	st := model.TaskStatus(strings.ReplaceAll(strings.ToUpper(s), "-", "_"))
	switch st {
	case model.TaskStatusTodo, model.TaskStatusInProgress, model.TaskStatusDone:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q (todo, in_progress, done)", s)
}

func parseHours(s string) (float64, error) {
	h, err := strconv.ParseFloat(s, 64)
	if err != nil || h <= 0 {
		return 0, fmt.Errorf("invalid hours %q (want a positive number)", s)
	}
	return h, nil
}

// placeParams parses <task> <date> <HH:MM> of event place.
func placeParams(args []string) (daemon.PlaceTaskParams, error) {
	if len(args) != 3 {
		return daemon.PlaceTaskParams{}, fmt.Errorf("event place takes a task id, a date and a start time")
	}
	if _, err := time.Parse(time.DateOnly, args[1]); err != nil {
		return daemon.PlaceTaskParams{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", args[1])
	}
	start, err := parseClock(args[2])
	if err != nil {
		return daemon.PlaceTaskParams{}, err
	}
	if start >= model.MinutesPerDay {
		return daemon.PlaceTaskParams{}, fmt.Errorf("start %s is the end of the day", args[2])
	}
	return daemon.PlaceTaskParams{TaskID: args[0], Date: args[1], StartMin: start}, nil
}

func clock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
