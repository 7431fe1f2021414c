package simd

import "fmt"

// MatMul computes C = A × B for row-major A (m×k), B (k×n) and C (m×n).
// C is overwritten. Short slices are a programming error and panic.
func MatMul(a, b, c []float32, m, k, n int) {
	checkDims("MatMul", a, b, c, m, k, n)
	for i := 0; i < m; i++ {
		row := a[i*k : (i+1)*k]
		out := c[i*n : (i+1)*n]
		for j := range out {
			out[j] = 0
		}
		for p, av := range row {
			if av == 0 {
				continue
			}
			brow := b[p*n : (p+1)*n]
			for j, bv := range brow {
				out[j] += av * bv
			}
		}
	}
}

// MatMulTransB computes C = A × Bᵀ where B is stored row-major as (n×k).
// This is the layout of a key cache: one row per step.
func MatMulTransB(a, b, c []float32, m, k, n int) {
	checkDims("MatMulTransB", a, b, c, m, k, n)
	for i := 0; i < m; i++ {
		row := a[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			c[i*n+j] = Dot(row, b[j*k:(j+1)*k])
		}
	}
}

func checkDims(op string, a, b, c []float32, m, k, n int) {
	if m < 0 || k < 0 || n < 0 {
		panic(fmt.Sprintf("%s: negative dimension (%d,%d,%d)", op, m, k, n))
	}
	if len(a) < m*k || len(b) < k*n || len(c) < m*n {
		panic(fmt.Sprintf("%s: buffers too short for (%d×%d)·(%d×%d): len a=%d b=%d c=%d",
			op, m, k, k, n, len(a), len(b), len(c)))
	}
}
