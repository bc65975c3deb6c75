package scheduler

import (
	"context"

	"github.com/msageha/ptm/internal/model"
)

// greedy places tasks in rank order, each into its earliest preferred window.
type greedy struct{}

func (greedy) Name() model.AlgorithmType { return model.AlgorithmLocalHeuristic }

func (greedy) Schedule(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	p := newProblem(in)
	return p.result(p.pack(p.rankOrder())), nil
}
