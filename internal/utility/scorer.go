// Package utility scores a task placement. Scoring is a pure function of the
// task, the candidate window, and the task scheduled just before it that day.
package utility

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/msageha/ptm/internal/model"
)

const (
	MaxDeadlineScore    = 50.0
	DeadlineHorizonDays = 60
	FocusTimeBonus      = 25.0
	ModeSwitchPenalty   = -15.0 // deep ↔ shallow
	TagSwitchPenalty    = -10.0 // unrelated tag sets
)

var priorityWeights = map[model.Priority]float64{
	model.PriorityLow:    10,
	model.PriorityMedium: 30,
	model.PriorityHigh:   60,
	model.PriorityUrgent: 90,
}

// PriorityWeight returns the base weight, 0 for an unknown priority.
func PriorityWeight(p model.Priority) float64 {
	return priorityWeights[p]
}

type Scorer struct {
	goals model.Goals
}

// NewScorer applies goals as multipliers on the base weights.
func NewScorer(goals model.Goals) *Scorer {
	return &Scorer{goals: goals}
}

func (s *Scorer) Goals() model.Goals {
	return s.goals
}

// Score computes the breakdown for placing task in w after prev (nil when the
// task opens the day).
func (s *Scorer) Score(task model.Task, w model.TimeWindow, prev *model.Task) model.UtilityBreakdown {
	b := model.UtilityBreakdown{
		PriorityScore:        PriorityWeight(task.Priority) * s.goals.Priority,
		DeadlineScore:        DeadlineScore(task.Deadline, w.DateMs) * s.goals.Deadline,
		ContextSwitchPenalty: ContextSwitchPenalty(task, prev) * s.goals.ContextSwitch,
	}
	if task.IsDeepWork && w.Tag == model.WindowFocus {
		b.FocusTimeBonus = FocusTimeBonus * s.goals.FocusTime
	}
	b.Reason = reason(task, w, prev, b)
	return b
}

// MaxPenalty is the largest magnitude a context switch can cost.
func (s *Scorer) MaxPenalty() float64 {
	return -ModeSwitchPenalty * s.goals.ContextSwitch
}

// DeadlineScore saturates at MaxDeadlineScore for overdue and same-day
// deadlines, decays as 1/(1+days), and is 0 without a deadline or beyond
// the horizon. It never increases as the deadline recedes.
func DeadlineScore(deadline *time.Time, dateMs int64) float64 {
	if deadline == nil {
		return 0
	}
	days := (model.DayMs(*deadline) - dateMs) / model.MsPerDay
	switch {
	case days <= 0:
		return MaxDeadlineScore
	case days >= DeadlineHorizonDays:
		return 0
	default:
		return MaxDeadlineScore / float64(1+days)
	}
}

// ContextSwitchPenalty returns the unweighted penalty for following prev with task.
func ContextSwitchPenalty(task model.Task, prev *model.Task) float64 {
	if prev == nil || prev.ID == task.ID {
		return 0
	}
	if prev.IsDeepWork != task.IsDeepWork {
		return ModeSwitchPenalty
	}
	if len(prev.Tags) > 0 && len(task.Tags) > 0 && !sharesTag(prev.Tags, task.Tags) {
		return TagSwitchPenalty
	}
	return 0
}

func sharesTag(a, b []string) bool {
	for _, t := range a {
		if slices.Contains(b, t) {
			return true
		}
	}
	return false
}

type term struct {
	weight float64
	text   string
}

func reason(task model.Task, w model.TimeWindow, prev *model.Task, b model.UtilityBreakdown) string {
	terms := []term{{b.PriorityScore, strings.ToLower(string(task.Priority)) + " priority"}}
	if b.DeadlineScore > 0 {
		days := (model.DayMs(*task.Deadline) - w.DateMs) / model.MsPerDay
		switch {
		case days < 0:
			terms = append(terms, term{b.DeadlineScore, "overdue"})
		case days == 0:
			terms = append(terms, term{b.DeadlineScore, "due today"})
		default:
			terms = append(terms, term{b.DeadlineScore, fmt.Sprintf("due in %dd", days)})
		}
	}
	if b.FocusTimeBonus > 0 {
		terms = append(terms, term{b.FocusTimeBonus, "deep work in focus block"})
	}
	if b.ContextSwitchPenalty < 0 {
		terms = append(terms, term{-b.ContextSwitchPenalty, "context switch after " + prev.Title})
	}
	slices.SortStableFunc(terms, func(x, y term) int { return cmp.Compare(y.weight, x.weight) })
	if len(terms) > 2 {
		terms = terms[:2]
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.text
	}
	return strings.Join(parts, "; ")
}
