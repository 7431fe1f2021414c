package simd

import "math"

// Dot returns the inner product of a and b over min(len(a), len(b)) elements.
func Dot(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+3 < n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	sum := (s0 + s1) + (s2 + s3)
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Scale multiplies every element of x by s.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// CountNonFinite reports how many elements are NaN and how many are ±Inf.
func CountNonFinite(x []float32) (nanCount, infCount int) {
	for _, v := range x {
		f := float64(v)
		if math.IsNaN(f) {
			nanCount++
		} else if math.IsInf(f, 0) {
			infCount++
		}
	}
	return nanCount, infCount
}

// MaxAbsDiff returns max_i |a[i]-b[i]| over the common prefix.
func MaxAbsDiff(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var max float32
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		if d > max {
			max = d
		}
	}
	return max
}
