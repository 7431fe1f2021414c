package sequence

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-kvcache/internal/attention"
	"github.com/23skdu/longbow-kvcache/internal/config"
	"github.com/23skdu/longbow-kvcache/internal/kvcache"
	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
	"github.com/23skdu/longbow-kvcache/internal/simd"
	"github.com/23skdu/longbow-kvcache/internal/tensor"
)

// Runner drives one generation sequence: per step it projects a hidden state
// into query, key and value, appends key and value to its cache and attends.
// A Runner owns its cache and is not safe for concurrent use.
type Runner struct {
	weights *Weights
	cache   kvcache.KVCache
	scorer  *attention.Scorer

	q, k, v []float32
}

// NewRunner builds a runner with a fresh cache chosen by cfg. When
// cfg.QuantizeWeights is set the projections are round-tripped through int4
// so the run sees exactly the precision of stored weights.
func NewRunner(cfg config.Config, w *Weights) (*Runner, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: nil weights", tensor.ErrInvalidInput)
	}
	if w.HiddenDim != cfg.HiddenDim {
		return nil, fmt.Errorf("%w: weights hidden_dim %d, config %d", tensor.ErrInvalidInput, w.HiddenDim, cfg.HiddenDim)
	}
	if cfg.QuantizeWeights {
		qw, err := w.Quantize()
		if err != nil {
			return nil, err
		}
		if w, err = qw.Dequantize(); err != nil {
			return nil, err
		}
		logger.Log.Info("Using int4 projection weights", "bytes", qw.ByteSize())
	}
	cache, err := kvcache.New(cfg)
	if err != nil {
		return nil, err
	}

	var opts []attention.Option
	if cfg.ScaleScores {
		opts = append(opts, attention.WithScaledScores())
	}
	d := cfg.HiddenDim
	return &Runner{
		weights: w,
		cache:   cache,
		scorer:  attention.NewScorer(opts...),
		q:       make([]float32, d),
		k:       make([]float32, d),
		v:       make([]float32, d),
	}, nil
}

// Step processes one token's hidden state. If the append fails (for example
// ErrCapacityExceeded) the cache is unchanged and no attention is computed.
func (r *Runner) Step(hidden []float32) (*attention.Result, error) {
	d := r.weights.HiddenDim
	if len(hidden) != d {
		return nil, fmt.Errorf("%w: hidden state length %d, hidden_dim %d", tensor.ErrInvalidInput, len(hidden), d)
	}
	start := time.Now()

	simd.MatMul(hidden, r.weights.Q.Data(), r.q, 1, d, d)
	simd.MatMul(hidden, r.weights.K.Data(), r.k, 1, d, d)
	simd.MatMul(hidden, r.weights.V.Data(), r.v, 1, d, d)

	if err := r.cache.Append(r.k, r.v); err != nil {
		return nil, err
	}
	res, err := r.scorer.Attend(r.q, r.cache)
	if err != nil {
		return nil, err
	}
	metrics.RecordGenerationStep(time.Since(start))
	return res, nil
}

func (r *Runner) Cache() kvcache.KVCache {
	return r.cache
}

func (r *Runner) Weights() *Weights {
	return r.weights
}

func (r *Runner) Steps() int {
	return r.cache.Steps()
}

// Recompute is the cache-free baseline: it re-projects every hidden state in
// history and attends with the last one's query over all of them.
func Recompute(w *Weights, history [][]float32, opts ...attention.Option) (*attention.Result, error) {
	n := len(history)
	if n == 0 {
		return nil, attention.ErrEmptyCache
	}
	d := w.HiddenDim
	hs := make([]float32, 0, n*d)
	for i, h := range history {
		if len(h) != d {
			return nil, fmt.Errorf("%w: history row %d has length %d, hidden_dim %d", tensor.ErrInvalidInput, i, len(h), d)
		}
		hs = append(hs, h...)
	}

	keys := make([]float32, n*d)
	values := make([]float32, n*d)
	simd.MatMul(hs, w.K.Data(), keys, n, d, d)
	simd.MatMul(hs, w.V.Data(), values, n, d, d)
	q := make([]float32, d)
	simd.MatMul(history[n-1], w.Q.Data(), q, 1, d, d)

	return attention.Recompute(q, keys, values, n, d, opts...)
}
