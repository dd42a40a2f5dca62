package winograd

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// naiveConv3x3 computes a direct (im2col-equivalent) 3x3 "same" (zero
// padded) convolution: out[o][y][x] = sum_c sum_ky sum_kx g[o][c][ky][kx] * d[c][y+ky-1][x+kx-1].
func naiveConv3x3(d []float32, g []float32, C, K int) []float32 {
	out := make([]float32, K*boardSize*boardSize)
	for o := 0; o < K; o++ {
		for y := 0; y < boardSize; y++ {
			for x := 0; x < boardSize; x++ {
				var sum float32
				for c := 0; c < C; c++ {
					for ky := 0; ky < 3; ky++ {
						for kx := 0; kx < 3; kx++ {
							iy := y + ky - 1
							ix := x + kx - 1
							if iy < 0 || iy >= boardSize || ix < 0 || ix >= boardSize {
								continue
							}
							sum += g[((o*C+c)*3+ky)*3+kx] * d[c*boardSize*boardSize+iy*boardSize+ix]
						}
					}
				}
				out[o*boardSize*boardSize+y*boardSize+x] = sum
			}
		}
	}
	return out
}

func TestWinogradMatchesNaiveConv(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	C, K := 2, 4

	d := make([]float32, C*boardSize*boardSize)
	for i := range d {
		d[i] = rnd.Float32()*2 - 1
	}
	g := make([]float32, K*C*3*3)
	for i := range g {
		g[i] = rnd.Float32()*2 - 1
	}

	ft := TransformFilter(g, C, K)
	got := Convolve3x3(ft, d)
	want := naiveConv3x3(d, g, C, K)

	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-4)
	}
}

func TestZeroPadFilterTransformPreservesAndZeros(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))
	C, K := 2, 3
	g := make([]float32, K*C*3*3)
	for i := range g {
		g[i] = rnd.Float32()
	}
	ft := TransformFilter(g, C, K)
	padded := ft.ZeroPad(C+2, K+2)

	for xi := 0; xi < TileSize; xi++ {
		for nu := 0; nu < TileSize; nu++ {
			for c := 0; c < C; c++ {
				for o := 0; o < K; o++ {
					assert.Equal(t, ft.At(xi, nu, c, o), padded.At(xi, nu, c, o))
				}
			}
			for c := 0; c < padded.C; c++ {
				for o := K; o < padded.K; o++ {
					assert.Equal(t, float32(0), padded.At(xi, nu, c, o))
				}
			}
			for c := C; c < padded.C; c++ {
				for o := 0; o < padded.K; o++ {
					assert.Equal(t, float32(0), padded.At(xi, nu, c, o))
				}
			}
		}
	}
}

func TestTransformInputBorderTilesAreZeroPadded(t *testing.T) {
	d := make([]float32, 1*boardSize*boardSize)
	for i := range d {
		d[i] = 1
	}
	it := TransformInput(d, 1)
	// tile 0 (by=0,bx=0) has origin (-1,-1): its (0,0) raw sample is out
	// of bounds and must contribute as zero, so V != transform of an
	// all-ones tile.
	full := transformInputTile([4][4]float32{{1, 1, 1, 1}, {1, 1, 1, 1}, {1, 1, 1, 1}, {1, 1, 1, 1}})
	same := true
	for xi := 0; xi < TileSize; xi++ {
		for nu := 0; nu < TileSize; nu++ {
			if it.At(xi, nu, 0, 0) != full[xi][nu] {
				same = false
			}
		}
	}
	assert.False(t, same, "border tile should differ from an unclipped all-ones tile")
}
