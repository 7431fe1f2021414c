package attention

import (
	"fmt"
	"math"
)

// Recompute evaluates attention from scratch over a full history without a
// cache. keys and values are row-major (steps, hiddenDim). It accumulates in
// float64 with plain loops and serves as the baseline the cached path is
// checked against.
func Recompute(query, keys, values []float32, steps, hiddenDim int, opts ...Option) (*Result, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if steps == 0 {
		return nil, ErrEmptyCache
	}
	if hiddenDim <= 0 || steps < 0 || len(query) != hiddenDim ||
		len(keys) != steps*hiddenDim || len(values) != steps*hiddenDim {
		return nil, fmt.Errorf("%w: query %d keys %d values %d for (%d,%d)",
			ErrInvalidInput, len(query), len(keys), len(values), steps, hiddenDim)
	}

	scores := make([]float64, steps)
	for j := 0; j < steps; j++ {
		var s float64
		for i := 0; i < hiddenDim; i++ {
			s += float64(query[i]) * float64(keys[j*hiddenDim+i])
		}
		if o.scaled {
			s /= math.Sqrt(float64(hiddenDim))
		}
		scores[j] = s
	}

	maxScore := scores[0]
	for _, s := range scores[1:] {
		if s > maxScore {
			maxScore = s
		}
	}
	weights := make([]float64, steps)
	var sum float64
	for j, s := range scores {
		weights[j] = math.Exp(s - maxScore)
		sum += weights[j]
	}

	res := &Result{
		Output:  make([]float32, hiddenDim),
		Scores:  make([]float32, steps),
		Weights: make([]float32, steps),
	}
	out := make([]float64, hiddenDim)
	for j := range weights {
		weights[j] /= sum
		res.Scores[j] = float32(scores[j])
		res.Weights[j] = float32(weights[j])
		for i := 0; i < hiddenDim; i++ {
			out[i] += weights[j] * float64(values[j*hiddenDim+i])
		}
	}
	for i, v := range out {
		res.Output[i] = float32(v)
	}
	return res, nil
}
