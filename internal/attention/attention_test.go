package attention

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/23skdu/longbow-kvcache/internal/kvcache"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
)

const tolerance = 1e-5

func randomVec(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func maxDiff(a, b []float32) float64 {
	var m float64
	for i := range a {
		if d := math.Abs(float64(a[i] - b[i])); d > m {
			m = d
		}
	}
	return m
}

func TestAttendEmptyCache(t *testing.T) {
	c, err := kvcache.NewTensorKVCache(4, 0)
	if err != nil {
		t.Fatalf("NewTensorKVCache: %v", err)
	}
	before := testutil.ToFloat64(metrics.AttentionErrors.WithLabelValues("empty_cache"))
	if _, err := Attend([]float32{1, 0, 0, 0}, c); !errors.Is(err, ErrEmptyCache) {
		t.Fatalf("expected ErrEmptyCache, got %v", err)
	}
	if d := testutil.ToFloat64(metrics.AttentionErrors.WithLabelValues("empty_cache")) - before; d != 1 {
		t.Errorf("expected 1 recorded error, got %v", d)
	}
	if _, err := Recompute([]float32{1}, nil, nil, 0, 1); !errors.Is(err, ErrEmptyCache) {
		t.Errorf("Recompute: expected ErrEmptyCache, got %v", err)
	}
}

func TestAttendInvalidInput(t *testing.T) {
	c, _ := kvcache.NewTensorKVCache(4, 0)
	_ = c.Append([]float32{1, 0, 0, 0}, []float32{1, 0, 0, 0})
	if _, err := Attend([]float32{1, 0}, c); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("short query: expected ErrInvalidInput, got %v", err)
	}
	if _, err := Attend([]float32{1, 0, 0, 0}, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("nil cache: expected ErrInvalidInput, got %v", err)
	}
}

func TestAttendOneHot(t *testing.T) {
	c, err := kvcache.NewTensorKVCache(4, 0)
	if err != nil {
		t.Fatalf("NewTensorKVCache: %v", err)
	}
	rows := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
	for _, r := range rows {
		if err := c.Append(r, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	res, err := Attend([]float32{1, 0, 0, 0}, c)
	if err != nil {
		t.Fatalf("Attend: %v", err)
	}
	if res.Scores[0] != 1 || res.Scores[1] != 0 || res.Scores[2] != 0 {
		t.Errorf("unexpected scores %v", res.Scores)
	}
	for j := 1; j < 3; j++ {
		if res.Weights[0] <= res.Weights[j] {
			t.Errorf("step 0 weight %v not greater than step %d weight %v", res.Weights[0], j, res.Weights[j])
		}
	}
	// softmax([1,0,0]) = [e, 1, 1] / (e + 2)
	e := math.E
	want := []float32{float32(e / (e + 2)), float32(1 / (e + 2)), float32(1 / (e + 2)), 0}
	if d := maxDiff(res.Output, want); d > tolerance {
		t.Errorf("output %v, want %v (diff %v)", res.Output, want, d)
	}
	if res.First() != res.Output[0] {
		t.Errorf("First() = %v, want %v", res.First(), res.Output[0])
	}
	out, err := res.Tensor()
	if err != nil || out.Len() != 4 {
		t.Errorf("Tensor: len=%v err=%v", out, err)
	}
}

func TestWeightsSumToOne(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	c, _ := kvcache.NewTensorKVCache(16, 0)
	for i := 0; i < 20; i++ {
		_ = c.Append(randomVec(rng, 16), randomVec(rng, 16))
	}
	res, err := Attend(randomVec(rng, 16), c)
	if err != nil {
		t.Fatalf("Attend: %v", err)
	}
	var sum float64
	for _, w := range res.Weights {
		if w < 0 {
			t.Errorf("negative weight %v", w)
		}
		sum += float64(w)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("weights sum to %v", sum)
	}
}

func TestAttendLargeScoresStable(t *testing.T) {
	c, _ := kvcache.NewTensorKVCache(2, 0)
	_ = c.Append([]float32{1000, 0}, []float32{1, 0})
	_ = c.Append([]float32{999, 0}, []float32{0, 1})
	res, err := Attend([]float32{1, 0}, c)
	if err != nil {
		t.Fatalf("Attend: %v", err)
	}
	for _, v := range res.Output {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("non-finite output %v", res.Output)
		}
	}
	// softmax([1000, 999]) = [e, 1]/(e+1)
	want := float32(math.E / (math.E + 1))
	if math.Abs(float64(res.Output[0]-want)) > tolerance {
		t.Errorf("expected %v, got %v", want, res.Output[0])
	}
}

// The central property: incremental attention after every append matches a
// from-scratch computation over the same history.
func TestIncrementalMatchesRecompute(t *testing.T) {
	const (
		hiddenDim = 32
		steps     = 48
	)
	for _, scaled := range []bool{false, true} {
		rng := rand.New(rand.NewSource(42))
		c, err := kvcache.NewTensorKVCache(hiddenDim, steps)
		if err != nil {
			t.Fatalf("NewTensorKVCache: %v", err)
		}
		scorer := NewScorer(WithScaling(scaled))
		var keys, values []float32
		for step := 0; step < steps; step++ {
			q := randomVec(rng, hiddenDim)
			k := randomVec(rng, hiddenDim)
			v := randomVec(rng, hiddenDim)
			if err := c.Append(k, v); err != nil {
				t.Fatalf("Append: %v", err)
			}
			keys = append(keys, k...)
			values = append(values, v...)

			got, err := scorer.Attend(q, c)
			if err != nil {
				t.Fatalf("step %d: Attend: %v", step, err)
			}
			want, err := Recompute(q, keys, values, step+1, hiddenDim, WithScaling(scaled))
			if err != nil {
				t.Fatalf("step %d: Recompute: %v", step, err)
			}
			if d := maxDiff(got.Output, want.Output); d > tolerance {
				t.Fatalf("scaled=%t step %d: max deviation %v exceeds %v", scaled, step, d, tolerance)
			}
			if d := maxDiff(got.Weights, want.Weights); d > tolerance {
				t.Fatalf("scaled=%t step %d: weight deviation %v", scaled, step, d)
			}
		}
	}
}

func TestQuantizedCacheMatchesRecomputeOnDecoded(t *testing.T) {
	const hiddenDim = 32
	rng := rand.New(rand.NewSource(9))
	c, err := kvcache.NewQuantizedCache(hiddenDim, 0)
	if err != nil {
		t.Fatalf("NewQuantizedCache: %v", err)
	}
	for step := 0; step < 24; step++ {
		if err := c.Append(randomVec(rng, hiddenDim), randomVec(rng, hiddenDim)); err != nil {
			t.Fatalf("Append: %v", err)
		}
		q := randomVec(rng, hiddenDim)
		got, err := Attend(q, c)
		if err != nil {
			t.Fatalf("Attend: %v", err)
		}
		v := c.Snapshot()
		want, err := Recompute(q, v.Keys, v.Values, v.Steps, hiddenDim)
		if err != nil {
			t.Fatalf("Recompute: %v", err)
		}
		if d := maxDiff(got.Output, want.Output); d > tolerance {
			t.Fatalf("step %d: deviation %v", step, d)
		}
	}
}

func TestScaledScores(t *testing.T) {
	c, _ := kvcache.NewTensorKVCache(4, 0)
	_ = c.Append([]float32{1, 1, 1, 1}, []float32{1, 2, 3, 4})
	plain, err := Attend([]float32{1, 1, 1, 1}, c)
	if err != nil {
		t.Fatalf("Attend: %v", err)
	}
	scaled, err := Attend([]float32{1, 1, 1, 1}, c, WithScaledScores())
	if err != nil {
		t.Fatalf("Attend: %v", err)
	}
	if plain.Scores[0] != 4 || scaled.Scores[0] != 2 {
		t.Errorf("expected scores 4 and 2, got %v and %v", plain.Scores[0], scaled.Scores[0])
	}
	if !NewScorer(WithScaledScores()).Scaled() || NewScorer().Scaled() {
		t.Error("Scaled() does not reflect options")
	}
}

func TestNonFiniteScoresRecorded(t *testing.T) {
	c, _ := kvcache.NewTensorKVCache(2, 0)
	_ = c.Append([]float32{float32(math.NaN()), 0}, []float32{1, 1})
	before := testutil.ToFloat64(metrics.NumericalInstability.WithLabelValues("attn_scores", "nan"))
	if _, err := Attend([]float32{1, 0}, c); err != nil {
		t.Fatalf("Attend: %v", err)
	}
	if d := testutil.ToFloat64(metrics.NumericalInstability.WithLabelValues("attn_scores", "nan")) - before; d != 1 {
		t.Errorf("expected 1 NaN score recorded, got %v", d)
	}
}

func BenchmarkAttend(b *testing.B) {
	const hiddenDim = 768
	rng := rand.New(rand.NewSource(1))
	c, _ := kvcache.NewTensorKVCache(hiddenDim, 512)
	for i := 0; i < 512; i++ {
		_ = c.Append(randomVec(rng, hiddenDim), randomVec(rng, hiddenDim))
	}
	q := randomVec(rng, hiddenDim)
	scorer := NewScorer()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := scorer.Attend(q, c); err != nil {
			b.Fatal(err)
		}
	}
}
