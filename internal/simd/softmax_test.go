package simd

import (
	"math"
	"testing"
)

func TestSoftmax(t *testing.T) {
	testCases := []struct {
		name     string
		input    []float32
		expected []float32
	}{
		{
			name:     "simple",
			input:    []float32{1, 2, 3},
			expected: []float32{0.09003057, 0.24472847, 0.66524096},
		},
		{
			name:     "negative",
			input:    []float32{-1, -2, -3},
			expected: []float32{0.66524096, 0.24472847, 0.09003057},
		},
		{
			name:     "zero",
			input:    []float32{0, 0, 0},
			expected: []float32{0.33333333, 0.33333333, 0.33333333},
		},
		{
			name:     "large scores do not overflow",
			input:    []float32{1000, 1001, 1002},
			expected: []float32{0.09003057, 0.24472847, 0.66524096},
		},
		{
			name:     "all negative infinity",
			input:    []float32{float32(math.Inf(-1)), float32(math.Inf(-1))},
			expected: []float32{0.5, 0.5},
		},
		{
			name:     "empty",
			input:    []float32{},
			expected: []float32{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			input := make([]float32, len(tc.input))
			copy(input, tc.input)
			Softmax(input)
			if len(input) != len(tc.expected) {
				t.Fatalf("expected length %d, got %d", len(tc.expected), len(input))
			}
			for i := range input {
				if math.Abs(float64(input[i]-tc.expected[i])) > 1e-6 {
					t.Errorf("expected %v, got %v", tc.expected, input)
					break
				}
			}
		})
	}
}

func TestSoftmaxImplementationsAgree(t *testing.T) {
	x := make([]float32, 67)
	for i := range x {
		x[i] = float32(math.Sin(float64(i))) * 40
	}
	a := append([]float32(nil), x...)
	b := append([]float32(nil), x...)

	softmaxFallback(a)
	Softmax(b)

	var sum float64
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > 1e-6 {
			t.Fatalf("index %d: fallback %v, dispatched %v", i, a[i], b[i])
		}
		sum += float64(b[i])
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("softmax should sum to 1, got %v", sum)
	}
}

func BenchmarkSoftmax(b *testing.B) {
	x := make([]float32, 2048)
	for i := range x {
		x[i] = float32(i%97) * 0.1
	}
	buf := make([]float32, len(x))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		copy(buf, x)
		Softmax(buf)
	}
}
