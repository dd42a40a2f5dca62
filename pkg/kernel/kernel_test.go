package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGEMMNaiveMatchesGonum(t *testing.T) {
	m, n, k := 3, 4, 2
	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{1, 0, 0, 1, 1, 1, 0, 0}
	cGonum := make([]float32, m*n)
	cNaive := make([]float32, m*n)

	UseGonum(true)
	GEMM(a, b, cGonum, m, n, k, 1, 0, false, false, k, n, n)

	UseGonum(false)
	GEMM(a, b, cNaive, m, n, k, 1, 0, false, false, k, n, n)
	UseGonum(true)

	for i := range cGonum {
		assert.InDelta(t, cNaive[i], cGonum[i], 1e-4)
	}
}

func TestGEMMIdentity(t *testing.T) {
	UseGonum(false)
	a := []float32{1, 2, 3, 4}
	ident := []float32{1, 0, 0, 1}
	c := make([]float32, 4)
	GEMM(a, ident, c, 2, 2, 2, 1, 0, false, false, 2, 2, 2)
	require.Equal(t, a, c)
}

func TestBatchNormReLU(t *testing.T) {
	x := []float32{-1, 2, 0, 10}
	means := []float32{0, 5}
	stddev := []float32{1, 1}
	BatchNormReLU(x, means, stddev, 2, nil)
	assert.Equal(t, float32(0), x[0])
	assert.Equal(t, float32(2), x[1])
	assert.Equal(t, float32(0), x[2])
	assert.Equal(t, float32(5), x[3])
}

func TestBatchNormReLUWithEltwise(t *testing.T) {
	x := []float32{1}
	means := []float32{0}
	stddev := []float32{1}
	eltwise := []float32{-5}
	BatchNormReLU(x, means, stddev, 1, eltwise)
	assert.Equal(t, float32(0), x[0])
}

func TestSoftmaxSumsToOneAndShiftInvariant(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	out := make([]float32, 4)
	Softmax(x, out, 1)

	var sum float32
	for _, v := range out {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-5)

	shifted := []float32{101, 102, 103, 104}
	out2 := make([]float32, 4)
	Softmax(shifted, out2, 1)
	for i := range out {
		assert.InDelta(t, out[i], out2[i], 1e-5)
	}
}

func TestTanhRange(t *testing.T) {
	x := []float32{-100, 0, 100}
	Tanh(x)
	assert.InDelta(t, -1, x[0], 1e-6)
	assert.Equal(t, float32(0), x[1])
	assert.InDelta(t, 1, x[2], 1e-6)
}
