package scheduler

import (
	"context"

	"github.com/msageha/ptm/internal/model"
)

// hybrid seeds with the greedy sequence and improves it with pairwise swaps.
// A swap is kept only when it strictly raises the objective, so the result is
// never worse than greedy.
type hybrid struct {
	iterations int
}

func (hybrid) Name() model.AlgorithmType { return model.AlgorithmHybrid }

func (h hybrid) Schedule(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	p := newProblem(in)
	seq := p.rankOrder()
	best := p.pack(seq)
	bestScore := p.total(best)

	evals := 0
	for improved := true; improved && evals < h.iterations; {
		improved = false
	scan:
		for i := 0; i < len(seq); i++ {
			for j := i + 1; j < len(seq); j++ {
				if evals >= h.iterations {
					break scan
				}
				if err := ctx.Err(); err != nil {
					return Result{}, err
				}
				evals++
				seq[i], seq[j] = seq[j], seq[i]
				cand := p.pack(seq)
				if s := p.total(cand); s > bestScore+improvementEpsilon {
					best, bestScore = cand, s
					improved = true
					break scan
				}
				seq[i], seq[j] = seq[j], seq[i]
			}
		}
	}
	return p.result(best), nil
}
