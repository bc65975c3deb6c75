package scheduler

import (
	"cmp"
	"slices"
	"strings"

	"github.com/msageha/ptm/internal/model"
	"github.com/msageha/ptm/internal/utility"
)

// improvementEpsilon guards strict-improvement checks against float noise.
const improvementEpsilon = 1e-9

type piece struct {
	window     int
	start, end int
}

type placement struct {
	task   int // index into problem.tasks
	pieces []piece
}

// problem is the shared search space: eligible tasks in greedy rank order,
// the windows they may use, and the packing rule every strategy applies.
type problem struct {
	tasks    []model.Task
	allowed  [][]int // per task, window indexes in preference order
	windows  []model.TimeWindow
	pinned   []model.ScheduleEvent // occupying pins and fixed placements, chronological
	input    []model.ScheduleEvent // pins exactly as given
	known    map[string]model.Task
	scorer   *utility.Scorer
	minSplit int
}

func newProblem(in Input) *problem {
	scorer := in.Scorer
	if scorer == nil {
		scorer = utility.NewScorer(model.DefaultGoals())
	}
	minSplit := in.MinSplitMinutes
	if minSplit <= 0 {
		minSplit = model.DefaultSchedulingConfig().MinSplitMinutes
	}

	p := &problem{
		windows:  slices.Clone(in.Windows),
		input:    slices.Clone(in.Pinned),
		known:    make(map[string]model.Task, len(in.Tasks)),
		scorer:   scorer,
		minSplit: minSplit,
	}
	slices.SortStableFunc(p.windows, func(a, b model.TimeWindow) int {
		return cmp.Or(cmp.Compare(a.DateMs, b.DateMs), cmp.Compare(a.StartMin, b.StartMin))
	})

	pinnedTasks := make(map[string]bool)
	for _, e := range in.Pinned {
		if !e.IsManualOverride {
			continue
		}
		pinnedTasks[e.SourceTaskID] = true
		if e.Occupies() {
			p.pinned = append(p.pinned, e)
		}
	}
	// fixed placements hold their time and their task like a pin but are
	// not part of the result
	for _, e := range in.Fixed {
		pinnedTasks[e.SourceTaskID] = true
		if e.Occupies() {
			p.pinned = append(p.pinned, e)
		}
	}
	slices.SortFunc(p.pinned, compareEvents)

	var focus, regular []int
	for i, w := range p.windows {
		if w.Tag == model.WindowFocus {
			focus = append(focus, i)
		} else {
			regular = append(regular, i)
		}
	}

	type ranked struct {
		task    model.Task
		allowed []int
		score   float64
	}
	var candidates []ranked
	for _, t := range in.Tasks {
		p.known[t.ID] = t
		if t.Status == model.TaskStatusDone || t.DurationMinutes() <= 0 || pinnedTasks[t.ID] {
			continue
		}
		if in.IsBlocked != nil && in.IsBlocked(t.ID) {
			continue
		}
		var allowed []int
		switch {
		case t.IsDeepWork:
			allowed = append(slices.Clone(focus), regular...)
		case in.Constraints.RespectFocusBlocks:
			allowed = slices.Clone(regular)
		default:
			allowed = append(slices.Clone(regular), focus...)
		}
		candidates = append(candidates, ranked{task: t, allowed: allowed, score: p.rankScore(t, allowed)})
	}

	slices.SortFunc(candidates, func(a, b ranked) int {
		return cmp.Or(
			cmp.Compare(b.score, a.score),
			compareDeadlines(a.task, b.task),
			strings.Compare(a.task.ID, b.task.ID),
		)
	})
	for _, c := range candidates {
		p.tasks = append(p.tasks, c.task)
		p.allowed = append(p.allowed, c.allowed)
	}
	return p
}

// rankScore scores t against the first day it can use: that day's first
// window of the type t prefers, or the day's first allowed window when the
// day has none of that type.
func (p *problem) rankScore(t model.Task, allowed []int) float64 {
	if len(allowed) == 0 {
		return p.scorer.Score(t, model.TimeWindow{}, nil).Total()
	}
	want := model.WindowRegular
	if t.IsDeepWork {
		want = model.WindowFocus
	}
	idx := slices.Sorted(slices.Values(allowed))
	day := p.windows[idx[0]].DateMs
	ref := idx[0]
	for _, wi := range idx {
		w := p.windows[wi]
		if w.DateMs != day {
			break
		}
		if w.Tag == want {
			ref = wi
			break
		}
	}
	return p.scorer.Score(t, p.windows[ref], nil).Total()
}

// compareDeadlines orders earlier deadlines first; no deadline sorts last.
func compareDeadlines(a, b model.Task) int {
	switch {
	case a.Deadline == nil && b.Deadline == nil:
		return 0
	case a.Deadline == nil:
		return 1
	case b.Deadline == nil:
		return -1
	default:
		return a.Deadline.Compare(*b.Deadline)
	}
}

func compareEvents(a, b model.ScheduleEvent) int {
	return cmp.Or(
		cmp.Compare(a.DateMs, b.DateMs),
		cmp.Compare(a.StartMin, b.StartMin),
		strings.Compare(a.ID, b.ID),
	)
}

func (p *problem) rankOrder() []int {
	order := make([]int, len(p.tasks))
	for i := range order {
		order[i] = i
	}
	return order
}

func (p *problem) newCursor() []int {
	cursor := make([]int, len(p.windows))
	for i, w := range p.windows {
		cursor[i] = w.StartMin
	}
	return cursor
}

// place fits task t into its allowed windows, consuming each window from its
// cursor. Every piece is at least min(remaining, minSplit) long. A task that
// does not fit completely leaves the cursor untouched.
func (p *problem) place(t int, cursor []int) ([]piece, bool) {
	need := p.tasks[t].DurationMinutes()
	var pieces []piece
	for _, wi := range p.allowed[t] {
		if need == 0 {
			break
		}
		take := min(p.windows[wi].EndMin-cursor[wi], need)
		if take <= 0 || take < min(need, p.minSplit) {
			continue
		}
		pieces = append(pieces, piece{window: wi, start: cursor[wi], end: cursor[wi] + take})
		cursor[wi] += take
		need -= take
	}
	if need > 0 {
		for _, pc := range pieces {
			cursor[pc.window] = pc.start
		}
		return nil, false
	}
	return pieces, true
}

// pack places tasks in the given order, skipping any that no longer fit.
func (p *problem) pack(order []int) []placement {
	cursor := p.newCursor()
	var out []placement
	for _, t := range order {
		if pieces, ok := p.place(t, cursor); ok {
			out = append(out, placement{task: t, pieces: pieces})
		}
	}
	return out
}

type occupant struct {
	dateMs     int64
	start, end int
	task       *model.Task
	tag        model.WindowTag
	placement  int // -1 for pinned events
	piece      int
}

type scoredPiece struct {
	breakdown model.UtilityBreakdown
	utility   float64
}

// score evaluates the objective: each new piece scored against its window
// and the task that precedes it that day (pinned or new), weighted by the
// share of the task it covers. With detail set, per-piece scores are returned
// indexed [placement][piece].
func (p *problem) score(pls []placement, detail bool) (float64, [][]scoredPiece) {
	occ := make([]occupant, 0, len(p.pinned)+2*len(pls))
	for _, e := range p.pinned {
		o := occupant{dateMs: e.DateMs, start: e.StartMin, end: e.EndMin, placement: -1}
		if t, ok := p.known[e.SourceTaskID]; ok {
			o.task = &t
		}
		occ = append(occ, o)
	}
	for i, pl := range pls {
		t := &p.tasks[pl.task]
		for j, pc := range pl.pieces {
			w := p.windows[pc.window]
			occ = append(occ, occupant{dateMs: w.DateMs, start: pc.start, end: pc.end, task: t, tag: w.Tag, placement: i, piece: j})
		}
	}
	slices.SortFunc(occ, func(a, b occupant) int {
		return cmp.Or(cmp.Compare(a.dateMs, b.dateMs), cmp.Compare(a.start, b.start))
	})

	var details [][]scoredPiece
	if detail {
		details = make([][]scoredPiece, len(pls))
		for i, pl := range pls {
			details[i] = make([]scoredPiece, len(pl.pieces))
		}
	}

	total := 0.0
	for i, o := range occ {
		if o.placement < 0 {
			continue
		}
		var prev *model.Task
		if i > 0 && occ[i-1].dateMs == o.dateMs {
			prev = occ[i-1].task
		}
		w := model.TimeWindow{DateMs: o.dateMs, StartMin: o.start, EndMin: o.end, Tag: o.tag}
		b := p.scorer.Score(*o.task, w, prev)
		u := b.Total() * float64(o.end-o.start) / float64(o.task.DurationMinutes())
		total += u
		if detail {
			details[o.placement][o.piece] = scoredPiece{breakdown: b, utility: u}
		}
	}
	return total, details
}

func (p *problem) total(pls []placement) float64 {
	t, _ := p.score(pls, false)
	return t
}

// result turns placements into events: pins pass through unchanged, new
// events follow in chronological order with deterministic ids.
func (p *problem) result(pls []placement) Result {
	total, details := p.score(pls, true)

	placed := make(map[int]bool, len(pls))
	var events []model.ScheduleEvent
	for i, pl := range pls {
		placed[pl.task] = true
		t := p.tasks[pl.task]

		idx := make([]int, len(pl.pieces))
		for k := range idx {
			idx[k] = k
		}
		slices.SortFunc(idx, func(a, b int) int {
			wa, wb := p.windows[pl.pieces[a].window], p.windows[pl.pieces[b].window]
			return cmp.Or(cmp.Compare(wa.DateMs, wb.DateMs), cmp.Compare(pl.pieces[a].start, pl.pieces[b].start))
		})

		for part, k := range idx {
			pc := pl.pieces[k]
			w := p.windows[pc.window]
			sp := details[i][k]
			events = append(events, model.ScheduleEvent{
				ID:               model.PlacementEventID(t.ID, w.DateMs, pc.start, part+1),
				SourceTaskID:     t.ID,
				DateMs:           w.DateMs,
				StartMin:         pc.start,
				EndMin:           pc.end,
				DurationMin:      pc.end - pc.start,
				TaskPart:         part + 1,
				TotalParts:       len(pl.pieces),
				Status:           model.EventStatusScheduled,
				Utility:          sp.utility,
				UtilityBreakdown: sp.breakdown,
			})
		}
	}
	slices.SortFunc(events, compareEvents)

	var unscheduled []string
	for i, t := range p.tasks {
		if !placed[i] {
			unscheduled = append(unscheduled, t.ID)
		}
	}
	slices.Sort(unscheduled)

	return Result{
		Events:             append(p.input, events...),
		UnscheduledTaskIDs: unscheduled,
		TotalUtility:       total,
	}
}

func clonePlacements(pls []placement) []placement {
	out := make([]placement, len(pls))
	for i, pl := range pls {
		out[i] = placement{task: pl.task, pieces: slices.Clone(pl.pieces)}
	}
	return out
}
