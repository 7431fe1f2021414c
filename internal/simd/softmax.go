package simd

import "math"

var softmaxImpl func(x []float32)

// Softmax normalizes x in place. The maximum is subtracted before
// exponentiation so long score vectors cannot overflow.
func Softmax(x []float32) {
	softmaxImpl(x)
}

func init() {
	softmaxImpl = softmaxFallback
}

// maxOf returns the largest element; NaNs are skipped.
func maxOf(x []float32) float32 {
	max := float32(math.Inf(-1))
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	return max
}

func softmaxFallback(x []float32) {
	if len(x) == 0 {
		return
	}
	max := maxOf(x)
	if math.IsInf(float64(max), -1) {
		uniform(x)
		return
	}

	var sum float64
	for i := range x {
		e := math.Exp(float64(x[i] - max))
		x[i] = float32(e)
		sum += e
	}

	inv := 1.0 / sum
	for i := range x {
		x[i] = float32(float64(x[i]) * inv)
	}
}

// uniform handles a row with no finite maximum (all -Inf or all NaN).
func uniform(x []float32) {
	w := 1 / float32(len(x))
	for i := range x {
		x[i] = w
	}
}
