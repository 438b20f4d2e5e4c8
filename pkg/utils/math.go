// Package utils provides shared vector math and logging helpers.
package utils

import (
	"math"

	"gonum.org/v1/gonum/blas/blas32"
)

// Epsilon guards the norm against all-zero vectors.
const Epsilon = 1e-6

func vec(x []float32) blas32.Vector {
	return blas32.Vector{N: len(x), Inc: 1, Data: x}
}

// NormalizeEps rescales x in place to x / sqrt(sum(x_i^2) + Epsilon).
// The division is unconditional: calling it twice on the same slice changes it again.
func NormalizeEps(x []float32) {
	if len(x) == 0 {
		return
	}
	v := vec(x)
	sum := float64(blas32.Dot(v, v))
	blas32.Scal(float32(1/math.Sqrt(sum+Epsilon)), v)
}

// Dot returns the inner product of a and b, which must have equal length.
// For unit vectors it is the cosine similarity.
func Dot(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	return blas32.Dot(vec(a), vec(b))
}

// AddInto adds src to dst element-wise.
func AddInto(dst, src []float32) {
	if len(dst) == 0 {
		return
	}
	blas32.Axpy(1, vec(src), vec(dst))
}

// Scale multiplies x in place by alpha.
func Scale(x []float32, alpha float32) {
	if len(x) == 0 {
		return
	}
	blas32.Scal(alpha, vec(x))
}

// L2Norm returns the Euclidean norm of x.
func L2Norm(x []float32) float64 {
	if len(x) == 0 {
		return 0
	}
	return float64(blas32.Nrm2(vec(x)))
}
