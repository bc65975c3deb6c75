package utility

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/msageha/ptm/internal/model"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func window(tag model.WindowTag) model.TimeWindow {
	return model.TimeWindow{DateMs: day.UnixMilli(), StartMin: 540, EndMin: 660, Tag: tag}
}

func ptr[T any](v T) *T { return &v }

func TestScore_PriorityMonotonic(t *testing.T) {
	s := NewScorer(model.DefaultGoals())
	priorities := []model.Priority{model.PriorityLow, model.PriorityMedium, model.PriorityHigh, model.PriorityUrgent}

	for _, deep := range []bool{false, true} {
		for _, tag := range []model.WindowTag{model.WindowFocus, model.WindowRegular} {
			prevTotal := -1e9
			for _, p := range priorities {
				task := model.Task{ID: "a", Priority: p, IsDeepWork: deep, Deadline: ptr(day.AddDate(0, 0, 3))}
				total := s.Score(task, window(tag), &model.Task{ID: "b", IsDeepWork: !deep}).Total()
				assert.GreaterOrEqual(t, total, prevTotal, "priority %s deep=%v tag=%s", p, deep, tag)
				prevTotal = total
			}
		}
	}
}

func TestDeadlineScore_NonIncreasing(t *testing.T) {
	prev := DeadlineScore(ptr(day.AddDate(0, 0, -3)), day.UnixMilli())
	assert.Equal(t, MaxDeadlineScore, prev, "overdue saturates")

	for d := -2; d <= DeadlineHorizonDays+5; d++ {
		got := DeadlineScore(ptr(day.AddDate(0, 0, d).Add(17*time.Hour)), day.UnixMilli())
		assert.LessOrEqual(t, got, prev, "days=%d", d)
		assert.GreaterOrEqual(t, got, 0.0)
		prev = got
	}
	assert.Equal(t, 0.0, DeadlineScore(nil, day.UnixMilli()))
	assert.Equal(t, MaxDeadlineScore, DeadlineScore(ptr(day.Add(17*time.Hour)), day.UnixMilli()), "same day saturates")
	assert.Equal(t, 0.0, DeadlineScore(ptr(day.AddDate(0, 0, DeadlineHorizonDays)), day.UnixMilli()))
}

func TestScore_FocusBonusOnlyForDeepWorkInFocus(t *testing.T) {
	s := NewScorer(model.DefaultGoals())
	deep := model.Task{ID: "a", Priority: model.PriorityHigh, IsDeepWork: true}
	shallow := model.Task{ID: "b", Priority: model.PriorityHigh}

	assert.Equal(t, FocusTimeBonus, s.Score(deep, window(model.WindowFocus), nil).FocusTimeBonus)
	assert.Zero(t, s.Score(deep, window(model.WindowRegular), nil).FocusTimeBonus)
	assert.Zero(t, s.Score(shallow, window(model.WindowFocus), nil).FocusTimeBonus)
}

func TestContextSwitchPenalty(t *testing.T) {
	tests := []struct {
		name string
		prev *model.Task
		task model.Task
		want float64
	}{
		{"first of day", nil, model.Task{ID: "a"}, 0},
		{"deep to shallow", &model.Task{ID: "p", IsDeepWork: true}, model.Task{ID: "a"}, ModeSwitchPenalty},
		{"disjoint tags", &model.Task{ID: "p", Tags: []string{"sales"}}, model.Task{ID: "a", Tags: []string{"code"}}, TagSwitchPenalty},
		{"shared tag", &model.Task{ID: "p", Tags: []string{"code", "x"}}, model.Task{ID: "a", Tags: []string{"code"}}, 0},
		{"untagged", &model.Task{ID: "p"}, model.Task{ID: "a", Tags: []string{"code"}}, 0},
		{"same task continues", &model.Task{ID: "a", IsDeepWork: true}, model.Task{ID: "a"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ContextSwitchPenalty(tt.task, tt.prev))
		})
	}
}

func TestScore_GoalsScaleTerms(t *testing.T) {
	task := model.Task{ID: "a", Priority: model.PriorityMedium, IsDeepWork: true, Deadline: ptr(day)}
	prev := &model.Task{ID: "p", Title: "email"}

	base := NewScorer(model.DefaultGoals()).Score(task, window(model.WindowFocus), prev)
	doubled := NewScorer(model.Goals{Priority: 2, Deadline: 0, FocusTime: 1, ContextSwitch: 0}).Score(task, window(model.WindowFocus), prev)

	assert.Equal(t, 2*base.PriorityScore, doubled.PriorityScore)
	assert.Zero(t, doubled.DeadlineScore)
	assert.Zero(t, doubled.ContextSwitchPenalty)
	assert.Equal(t, base.FocusTimeBonus, doubled.FocusTimeBonus)
	assert.Equal(t, base.PriorityScore+base.DeadlineScore+base.FocusTimeBonus+base.ContextSwitchPenalty, base.Total())
}

func TestScore_Reason(t *testing.T) {
	s := NewScorer(model.DefaultGoals())
	task := model.Task{ID: "a", Priority: model.PriorityUrgent, Deadline: ptr(day)}

	b := s.Score(task, window(model.WindowRegular), nil)

	assert.Equal(t, "urgent priority; due today", b.Reason)
}
