// Package kernel provides the dense-buffer math primitives the Winograd
// convolution pipeline and the network forward pass are built on: a
// general matrix multiply, batch-norm folded with ReLU, softmax and
// tanh. Every function here is pure with respect to its output buffer
// (aside from the buffer itself, which it overwrites) so callers can
// pre-size scratch once per think call and never allocate again on the
// per-simulation hot path.
//
// GEMM can dispatch to gonum's BLAS implementation for the inner loop
// (see UseGonum) or fall back to a pure-Go triple loop; both paths
// implement the same contract and are covered by the same tests.
package kernel

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

var useGonum = true

// UseGonum toggles whether GEMM dispatches to gonum's blas32 routines
// (the "vendor BLAS" path) or uses the pure-Go fallback. Defaults to
// true; tests exercise both paths.
func UseGonum(enabled bool) {
	useGonum = enabled
}

// GEMM computes C <- alpha*op(A)*op(B) + beta*C in row-major layout.
// A is m x k (or k x m if transA), B is k x n (or n x k if transB), C is
// m x n. lda/ldb/ldc are the row strides of A, B, C respectively.
func GEMM(a, b, c []float32, m, n, k int, alpha, beta float32, transA, transB bool, lda, ldb, ldc int) {
	if useGonum {
		gemmGonum(a, b, c, m, n, k, alpha, beta, transA, transB, lda, ldb, ldc)
		return
	}
	gemmNaive(a, b, c, m, n, k, alpha, beta, transA, transB, lda, ldb, ldc)
}

// gemmGonum calls into gonum's blas32 Sgemm directly on the caller's
// float32 buffers. blas32 (unlike blas64) takes float32 Data natively,
// so there is no float64 round-trip copy here: a, b and c are read and
// written in place and the hot path stays allocation-free.
func gemmGonum(a, b, c []float32, m, n, k int, alpha, beta float32, transA, transB bool, lda, ldb, ldc int) {
	ar, ac := m, k
	if transA {
		ar, ac = k, m
	}
	br, bc := k, n
	if transB {
		br, bc = n, k
	}

	tA, tB := blas.NoTrans, blas.NoTrans
	if transA {
		tA = blas.Trans
	}
	if transB {
		tB = blas.Trans
	}

	am := blas32.General{Rows: ar, Cols: ac, Stride: lda, Data: a}
	bm := blas32.General{Rows: br, Cols: bc, Stride: ldb, Data: b}
	cm := blas32.General{Rows: m, Cols: n, Stride: ldc, Data: c}

	blas32.Implementation().Sgemm(tA, tB, m, n, k, alpha, am.Data, am.Stride, bm.Data, bm.Stride, beta, cm.Data, cm.Stride)
}

func gemmNaive(a, b, c []float32, m, n, k int, alpha, beta float32, transA, transB bool, lda, ldb, ldc int) {
	aAt := func(i, j int) float32 {
		if transA {
			return a[j*lda+i]
		}
		return a[i*lda+j]
	}
	bAt := func(i, j int) float32 {
		if transB {
			return b[j*ldb+i]
		}
		return b[i*ldb+j]
	}

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float32
			for p := 0; p < k; p++ {
				sum += aAt(i, p) * bAt(p, j)
			}
			idx := i*ldc + j
			c[idx] = alpha*sum + beta*c[idx]
		}
	}
}

// BatchNormReLU computes, for each channel c and spatial index b:
//
//	out[c,b] = max(0, stddev[c]*(x[c,b]-mean[c]) + eltwise[c,b])
//
// eltwise may be nil, in which case it is treated as all-zero. x is
// overwritten in place. spatial is the number of spatial positions per
// channel (64 for an 8x8 board).
func BatchNormReLU(x []float32, means, stddev []float32, spatial int, eltwise []float32) {
	channels := len(means)
	for c := 0; c < channels; c++ {
		base := c * spatial
		for s := 0; s < spatial; s++ {
			v := stddev[c]*(x[base+s]-means[c])
			if eltwise != nil {
				v += eltwise[base+s]
			}
			if v < 0 {
				v = 0
			}
			x[base+s] = v
		}
	}
}

// Softmax computes a temperature-scaled softmax of x into out. out must
// not alias x. T is the temperature; T<=0 is treated as 1.
func Softmax(x, out []float32, temperature float32) {
	if temperature <= 0 {
		temperature = 1
	}
	max := float32(math.Inf(-1))
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range x {
		e := float32(math.Exp(float64((v - max) / temperature)))
		out[i] = e
		sum += e
	}
	if sum == 0 {
		return
	}
	inv := 1 / sum
	for i := range out {
		out[i] *= inv
	}
}

// Tanh applies tanh elementwise, in place.
func Tanh(x []float32) {
	for i, v := range x {
		x[i] = float32(math.Tanh(float64(v)))
	}
}

// Tanh1 applies tanh to a single scalar, for the value head's fc2
// output: a 1-element slice round trip through Tanh would allocate for
// no reason.
func Tanh1(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// ReLU applies max(0, x) elementwise, in place.
func ReLU(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

// Dot returns the dot product of a and b. Used by the value head's fc2
// layer, whose single scalar output makes a full GEMM overkill.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
