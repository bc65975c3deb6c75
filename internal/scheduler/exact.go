package scheduler

import (
	"context"
	"fmt"
	"slices"

	"github.com/msageha/ptm/internal/model"
)

const cancelCheckInterval = 1024

// exact searches placement sequences depth first with branch and bound. The
// greedy packing is the initial incumbent, so the result is never worse than
// greedy even when the node budget runs out.
type exact struct {
	nodeBudget int
}

func (exact) Name() model.AlgorithmType { return model.AlgorithmMILPOptimized }

func (x exact) Schedule(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := checkPinnedOverlap(in.Pinned); err != nil {
		return Result{}, err
	}
	p := newProblem(in)
	seed := p.pack(p.rankOrder())

	s := &search{
		ctx:       ctx,
		p:         p,
		budget:    x.nodeBudget,
		best:      seed,
		bestScore: p.total(seed),
		bound:     make([]float64, len(p.tasks)),
		chosen:    make([]bool, len(p.tasks)),
	}
	for i, t := range p.tasks {
		top := 0.0
		for _, wi := range p.allowed[i] {
			top = max(top, p.scorer.Score(t, p.windows[wi], nil).Total())
		}
		// a new piece can also lift its successor's switch penalty
		s.bound[i] = top + p.scorer.MaxPenalty()*float64(len(p.allowed[i]))
	}

	if err := s.dfs(p.newCursor(), nil); err != nil {
		return Result{}, err
	}
	return p.result(s.best), nil
}

type search struct {
	ctx       context.Context
	p         *problem
	budget    int
	nodes     int
	best      []placement
	bestScore float64
	bound     []float64 // optimistic gain per unplaced task
	chosen    []bool
}

// dfs extends the sequence one task at a time. Only maximal sequences, where
// no remaining task still fits, are candidates, so a task that fits is never
// dropped to dodge a context switch penalty.
func (s *search) dfs(cursor []int, pls []placement) error {
	s.nodes++
	if s.nodes%cancelCheckInterval == 0 {
		if err := s.ctx.Err(); err != nil {
			return err
		}
	}

	score := s.p.total(pls)
	ub := score
	for i, c := range s.chosen {
		if !c {
			ub += s.bound[i]
		}
	}
	if ub <= s.bestScore+improvementEpsilon {
		return nil
	}

	leaf := true
	for t := range s.p.tasks {
		if s.chosen[t] {
			continue
		}
		next := slices.Clone(cursor)
		pieces, ok := s.p.place(t, next)
		if !ok {
			continue
		}
		leaf = false
		if s.nodes >= s.budget {
			return nil
		}
		s.chosen[t] = true
		err := s.dfs(next, append(pls, placement{task: t, pieces: pieces}))
		s.chosen[t] = false
		if err != nil {
			return err
		}
	}
	if leaf && score > s.bestScore+improvementEpsilon {
		s.best, s.bestScore = clonePlacements(pls), score
	}
	return nil
}

// checkPinnedOverlap rejects pinned events that occupy the same time.
func checkPinnedOverlap(events []model.ScheduleEvent) error {
	var pins []model.ScheduleEvent
	for _, e := range events {
		if e.IsManualOverride && e.Occupies() {
			pins = append(pins, e)
		}
	}
	slices.SortFunc(pins, compareEvents)
	for i := 1; i < len(pins); i++ {
		if pins[i-1].Overlaps(pins[i]) {
			return &InfeasibleScheduleError{
				Reason: fmt.Sprintf("pinned events %s and %s overlap", pins[i-1].ID, pins[i].ID),
			}
		}
	}
	return nil
}
