//go:build (amd64 || arm64) && !noasm

package simd

import "math"

func init() {
	softmaxImpl = softmaxUnrolled
}

// softmaxUnrolled splits the exp/sum pass over four accumulators.
func softmaxUnrolled(x []float32) {
	n := len(x)
	if n < 16 {
		softmaxFallback(x)
		return
	}
	max := maxOf(x)
	if math.IsInf(float64(max), -1) {
		uniform(x)
		return
	}

	var s0, s1, s2, s3 float64
	i := 0
	for ; i+3 < n; i += 4 {
		e0 := math.Exp(float64(x[i] - max))
		e1 := math.Exp(float64(x[i+1] - max))
		e2 := math.Exp(float64(x[i+2] - max))
		e3 := math.Exp(float64(x[i+3] - max))
		x[i] = float32(e0)
		x[i+1] = float32(e1)
		x[i+2] = float32(e2)
		x[i+3] = float32(e3)
		s0 += e0
		s1 += e1
		s2 += e2
		s3 += e3
	}
	sum := (s0 + s1) + (s2 + s3)
	for ; i < n; i++ {
		e := math.Exp(float64(x[i] - max))
		x[i] = float32(e)
		sum += e
	}

	inv := 1.0 / sum
	for j := range x {
		x[j] = float32(float64(x[j]) * inv)
	}
}
