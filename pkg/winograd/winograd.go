// Package winograd implements the F(2x2,3x3) Winograd convolution
// pipeline used by the residual tower: an offline filter transform, a
// per-call input transform, a batched GEMM over the 16 transformed tile
// coordinates, and an output transform back to spatial pixels.
//
// The three transform matrices below are fixed 4x3/4x4/4x2 constants;
// every per-tile transform is a handful of adds and a few halvings, so
// they are written as straight-line arithmetic rather than routed
// through kernel.GEMM — there is no batching to exploit at that size.
package winograd

const (
	// TileSize is the width/height of a transformed tile (4x4).
	TileSize = 4
	// Tiles is the number of overlapping 4x4 tiles covering an 8x8 board
	// at stride 2 (4 along each axis).
	Tiles = 16
	boardSize = 8
	tilesPerAxis = 4
)

// G is the 4x3 filter-transform matrix: U = G . g . G^T.
var G = [4][3]float32{
	{1, 0, 0},
	{0.5, 0.5, 0.5},
	{0.5, -0.5, 0.5},
	{0, 0, 1},
}

// B is the 4x4 input-transform matrix: V = B^T . d . B.
var B = [4][4]float32{
	{1, 0, 0, 0},
	{0, 1, -1, 1},
	{-1, 1, 1, 0},
	{0, 0, 0, -1},
}

// A is the 4x2 output-transform matrix: Y = A^T . m . A.
var A = [4][2]float32{
	{1, 0},
	{1, 1},
	{1, -1},
	{0, -1},
}

// FilterTransform holds the Winograd-transformed filters for one
// convolution layer: U[xi][nu][c][o], o (output channel) fastest.
type FilterTransform struct {
	U      []float32
	C, K   int // input channels, output channels
}

func (f *FilterTransform) index(xi, nu, c, o int) int {
	return ((xi*TileSize+nu)*f.C+c)*f.K + o
}

// At returns U[xi,nu,c,o].
func (f *FilterTransform) At(xi, nu, c, o int) float32 {
	return f.U[f.index(xi, nu, c, o)]
}

func (f *FilterTransform) set(xi, nu, c, o int, v float32) {
	f.U[f.index(xi, nu, c, o)] = v
}

// TransformFilter computes U = G.g.G^T for each of the K*C 3x3 filters
// in g (flat, layout g[o][c][3][3], o outermost) and returns the result
// in the [xi,nu,c,o] layout described on FilterTransform.
func TransformFilter(g []float32, C, K int) *FilterTransform {
	ft := &FilterTransform{U: make([]float32, TileSize*TileSize*C*K), C: C, K: K}

	for o := 0; o < K; o++ {
		for c := 0; c < C; c++ {
			base := (o*C + c) * 9
			var gf [3][3]float32
			for r := 0; r < 3; r++ {
				for col := 0; col < 3; col++ {
					gf[r][col] = g[base+r*3+col]
				}
			}
			u := transformFilterTile(gf)
			for xi := 0; xi < TileSize; xi++ {
				for nu := 0; nu < TileSize; nu++ {
					ft.set(xi, nu, c, o, u[xi][nu])
				}
			}
		}
	}
	return ft
}

func transformFilterTile(g [3][3]float32) [4][4]float32 {
	// tmp = G . g  (4x3 * 3x3 = 4x3)
	var tmp [4][3]float32
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			var s float32
			for k := 0; k < 3; k++ {
				s += G[i][k] * g[k][j]
			}
			tmp[i][j] = s
		}
	}
	// U = tmp . G^T (4x3 * 3x4 = 4x4)
	var u [4][4]float32
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float32
			for k := 0; k < 3; k++ {
				s += tmp[i][k] * G[j][k]
			}
			u[i][j] = s
		}
	}
	return u
}

// ZeroPad returns a copy of ft with its C and K dimensions padded with
// zeros up to paddedC/paddedK (e.g. to an accelerator's preferred tile
// size). Entries with c<C, o<K are unchanged; the rest are zero.
func (f *FilterTransform) ZeroPad(paddedC, paddedK int) *FilterTransform {
	padded := &FilterTransform{U: make([]float32, TileSize*TileSize*paddedC*paddedK), C: paddedC, K: paddedK}
	for xi := 0; xi < TileSize; xi++ {
		for nu := 0; nu < TileSize; nu++ {
			for c := 0; c < f.C; c++ {
				for o := 0; o < f.K; o++ {
					padded.set(xi, nu, c, o, f.At(xi, nu, c, o))
				}
			}
		}
	}
	return padded
}

// InputTransform holds V[xi][nu][c][p], p (tile index) fastest.
type InputTransform struct {
	V    []float32
	C, P int
}

func (v *InputTransform) index(xi, nu, c, p int) int {
	return ((xi*TileSize+nu)*v.C+c)*v.P + p
}

// At returns V[xi,nu,c,p].
func (v *InputTransform) At(xi, nu, c, p int) float32 {
	return v.V[v.index(xi, nu, c, p)]
}

func (v *InputTransform) set(xi, nu, c, p int, val float32) {
	v.V[v.index(xi, nu, c, p)] = val
}

// NewInputTransform allocates an InputTransform whose V buffer holds up
// to capC channels; TransformInputInto reuses it across calls whose
// actual channel count is <= capC.
func NewInputTransform(capC int) *InputTransform {
	return &InputTransform{V: make([]float32, TileSize*TileSize*capC*Tiles), C: capC, P: Tiles}
}

// TransformInput partitions an 8x8xC feature map (flat, layout
// d[c][row][col]) into the Tiles overlapping 4x4 tiles at stride 2,
// zero-padding outside the board, and returns V = B^T.d.B per tile in
// the [xi,nu,c,p] layout.
func TransformInput(d []float32, C int) *InputTransform {
	it := NewInputTransform(C)
	TransformInputInto(d, C, it)
	return it
}

// TransformInputInto fills dst with V = B^T.d.B for the given C,
// writing into dst.V without allocating. dst must have been sized (via
// NewInputTransform or a prior call) for at least C channels; it is
// typically a buffer owned by a network.Scratch and reused across every
// conv3x3 call in the forward pass.
func TransformInputInto(d []float32, C int, dst *InputTransform) {
	dst.C = C
	dst.P = Tiles

	for c := 0; c < C; c++ {
		base := c * boardSize * boardSize
		for by := 0; by < tilesPerAxis; by++ {
			for bx := 0; bx < tilesPerAxis; bx++ {
				p := by*tilesPerAxis + bx
				originY := 2*by - 1
				originX := 2*bx - 1

				var tile [4][4]float32
				for r := 0; r < 4; r++ {
					for col := 0; col < 4; col++ {
						y := originY + r
						x := originX + col
						if y >= 0 && y < boardSize && x >= 0 && x < boardSize {
							tile[r][col] = d[base+y*boardSize+x]
						}
					}
				}

				v := transformInputTile(tile)
				for xi := 0; xi < TileSize; xi++ {
					for nu := 0; nu < TileSize; nu++ {
						dst.set(xi, nu, c, p, v[xi][nu])
					}
				}
			}
		}
	}
}

func transformInputTile(d [4][4]float32) [4][4]float32 {
	// tmp = B^T . d (4x4 * 4x4)
	var tmp [4][4]float32
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float32
			for k := 0; k < 4; k++ {
				s += B[k][i] * d[k][j]
			}
			tmp[i][j] = s
		}
	}
	// V = tmp . B (4x4 * 4x4)
	var v [4][4]float32
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float32
			for k := 0; k < 4; k++ {
				s += tmp[i][k] * B[k][j]
			}
			v[i][j] = s
		}
	}
	return v
}

// MatMul holds M[xi][nu][k][p], p fastest: the batched GEMM of U and V
// over the 16 (xi,nu) tile coordinates.
type MatMul struct {
	M    []float32
	K, P int
}

func (m *MatMul) index(xi, nu, k, p int) int {
	return ((xi*TileSize+nu)*m.K+k)*m.P + p
}

// At returns M[xi,nu,k,p].
func (m *MatMul) At(xi, nu, k, p int) float32 {
	return m.M[m.index(xi, nu, k, p)]
}

// NewMatMul allocates a MatMul whose M buffer holds up to capK output
// channels over capP tiles; BatchedGEMMInto reuses it across calls
// whose actual (K, P) fit within (capK, capP).
func NewMatMul(capK, capP int) *MatMul {
	return &MatMul{M: make([]float32, TileSize*TileSize*capK*capP), K: capK, P: capP}
}

// BatchedGEMM multiplies, for each of the 16 (xi,nu) slices, U[xi,nu,:,:]
// (C x K, transposed so K ends up as output rows) by V[xi,nu,:,:] (C x P),
// producing M[xi,nu,:,:] (K x P).
func BatchedGEMM(ft *FilterTransform, it *InputTransform) *MatMul {
	mm := NewMatMul(ft.K, it.P)
	BatchedGEMMInto(ft, it, mm)
	return mm
}

// BatchedGEMMInto fills dst (previously sized by NewMatMul or a prior
// call for at least ft.K output channels and it.P tiles) without
// allocating.
func BatchedGEMMInto(ft *FilterTransform, it *InputTransform, dst *MatMul) {
	if ft.C != it.C {
		panic("winograd: filter/input channel mismatch")
	}
	dst.K = ft.K
	dst.P = it.P

	for xi := 0; xi < TileSize; xi++ {
		for nu := 0; nu < TileSize; nu++ {
			for k := 0; k < ft.K; k++ {
				for p := 0; p < it.P; p++ {
					var s float32
					for c := 0; c < ft.C; c++ {
						s += ft.At(xi, nu, c, k) * it.At(xi, nu, c, p)
					}
					dst.M[dst.index(xi, nu, k, p)] = s
				}
			}
		}
	}
}

// TransformOutput produces the K x 8 x 8 output feature map (flat,
// layout y[k][row][col]) from M via Y = A^T.m.A per (k,p) tile, writing
// only pixels that fall inside the 8x8 board.
func TransformOutput(mm *MatMul) []float32 {
	y := make([]float32, mm.K*boardSize*boardSize)
	TransformOutputInto(mm, y)
	return y
}

// TransformOutputInto writes the K x 8 x 8 output feature map into dst
// (len >= mm.K*64) without allocating; dst is typically a layer's slot
// in a network.Scratch tower buffer.
func TransformOutputInto(mm *MatMul, dst []float32) {
	for k := 0; k < mm.K; k++ {
		base := k * boardSize * boardSize
		for by := 0; by < tilesPerAxis; by++ {
			for bx := 0; bx < tilesPerAxis; bx++ {
				p := by*tilesPerAxis + bx
				var m [4][4]float32
				for xi := 0; xi < TileSize; xi++ {
					for nu := 0; nu < TileSize; nu++ {
						m[xi][nu] = mm.At(xi, nu, k, p)
					}
				}
				out := transformOutputTile(m)

				originY := 2 * by
				originX := 2 * bx
				for r := 0; r < 2; r++ {
					for col := 0; col < 2; col++ {
						y2 := originY + r
						x2 := originX + col
						if y2 < boardSize && x2 < boardSize {
							dst[base+y2*boardSize+x2] = out[r][col]
						}
					}
				}
			}
		}
	}
}

func transformOutputTile(m [4][4]float32) [2][2]float32 {
	// tmp = A^T . m (2x4 * 4x4 = 2x4)
	var tmp [2][4]float32
	for i := 0; i < 2; i++ {
		for j := 0; j < 4; j++ {
			var s float32
			for k := 0; k < 4; k++ {
				s += A[k][i] * m[k][j]
			}
			tmp[i][j] = s
		}
	}
	// Y = tmp . A (2x4 * 4x2 = 2x2)
	var out [2][2]float32
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			var s float32
			for k := 0; k < 4; k++ {
				s += tmp[i][k] * A[k][j]
			}
			out[i][j] = s
		}
	}
	return out
}

// Convolve3x3 runs the full Winograd pipeline for a single layer: input
// d is C x 8 x 8 (flat), and ft is the already-precomputed transform of
// the K x C x 3 x 3 filters (done once at load time, see pkg/weights).
// Returned output is K x 8 x 8 (flat).
func Convolve3x3(ft *FilterTransform, d []float32) []float32 {
	it := TransformInput(d, ft.C)
	mm := BatchedGEMM(ft, it)
	return TransformOutput(mm)
}
