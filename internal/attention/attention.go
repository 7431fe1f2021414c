package attention

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-kvcache/internal/kvcache"
	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
	"github.com/23skdu/longbow-kvcache/internal/simd"
	"github.com/23skdu/longbow-kvcache/internal/tensor"
)

var (
	// ErrEmptyCache is returned when attention is requested before any append.
	ErrEmptyCache   = errors.New("attention over empty cache")
	ErrInvalidInput = tensor.ErrInvalidInput
)

// Result is the outcome of one attention call. It is not retained by the scorer.
type Result struct {
	// Output is softmax(scores) · V, length hidden_dim.
	Output []float32
	// Scores are the raw (optionally scaled) query-key dot products.
	Scores []float32
	// Weights are softmax(Scores) and sum to 1.
	Weights []float32
}

// First returns Output[0], the quick-comparison value printed by benchmarks.
func (r *Result) First() float32 {
	if len(r.Output) == 0 {
		return 0
	}
	return r.Output[0]
}

// Tensor copies Output into a 1-D tensor.
func (r *Result) Tensor() (*tensor.Tensor, error) {
	t, err := tensor.FromSlice(r.Output)
	if err != nil {
		return nil, err
	}
	return t.WithName("attn_out"), nil
}

type options struct {
	scaled bool
}

type Option func(*options)

// WithScaledScores divides every score by sqrt(hidden_dim) before softmax.
func WithScaledScores() Option {
	return func(o *options) { o.scaled = true }
}

// WithScaling toggles score scaling; WithScaling(false) is the default.
func WithScaling(on bool) Option {
	return func(o *options) { o.scaled = on }
}

// Scorer computes single-query causal attention over a KV cache. It holds no
// per-call state and may be shared between sequences.
type Scorer struct {
	opts options
}

func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{}
	for _, o := range opts {
		o(&s.opts)
	}
	return s
}

// Scaled reports whether scores are divided by sqrt(hidden_dim).
func (s *Scorer) Scaled() bool {
	return s.opts.scaled
}

// Attend scores query against every cached key, normalizes with a stable
// softmax and returns the weighted sum of cached values.
func Attend(query []float32, c kvcache.Reader, opts ...Option) (*Result, error) {
	return NewScorer(opts...).Attend(query, c)
}

func (s *Scorer) Attend(query []float32, c kvcache.Reader) (*Result, error) {
	if c == nil {
		metrics.RecordAttentionError("invalid_input")
		return nil, fmt.Errorf("%w: nil cache", ErrInvalidInput)
	}
	if c.Steps() == 0 {
		metrics.RecordAttentionError("empty_cache")
		return nil, ErrEmptyCache
	}
	if len(query) != c.HiddenDim() {
		metrics.RecordAttentionError("invalid_input")
		return nil, fmt.Errorf("%w: query length %d, hidden_dim %d", ErrInvalidInput, len(query), c.HiddenDim())
	}

	start := time.Now()
	view := c.Snapshot()
	res := s.compute(query, view)
	metrics.RecordAttention(view.Steps, time.Since(start))
	return res, nil
}

func (s *Scorer) compute(query []float32, view kvcache.View) *Result {
	n, d := view.Steps, view.HiddenDim

	// scores (1×n) = q (1×d) · Kᵀ (d×n)
	scores := make([]float32, n)
	simd.MatMulTransB(query, view.Keys, scores, 1, d, n)
	if s.opts.scaled {
		simd.Scale(scores, float32(1/math.Sqrt(float64(d))))
	}
	checkFinite("attn_scores", scores)

	weights := make([]float32, n)
	copy(weights, scores)
	simd.Softmax(weights)

	// out (1×d) = w (1×n) · V (n×d)
	out := make([]float32, d)
	simd.MatMul(weights, view.Values, out, 1, n, d)
	checkFinite("attn_out", out)

	return &Result{Output: out, Scores: scores, Weights: weights}
}

func checkFinite(name string, x []float32) {
	nan, inf := simd.CountNonFinite(x)
	if nan+inf == 0 {
		return
	}
	metrics.RecordNumericalInstability(name, nan, inf)
	logger.Log.Warn("Non-finite values in attention", "tensor", name, "nan", nan, "inf", inf, "len", len(x))
}
