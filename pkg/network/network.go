// Package network runs the forward pass: plane materialization, the
// input convolution, the residual tower, and the policy/value heads.
// Every layer is built once from pkg/weights.Weights and is then safe
// for concurrent Evaluate calls, each against its own scratch buffers.
package network

import (
	"fmt"

	"github.com/orneryd/uctcore/pkg/kernel"
	"github.com/orneryd/uctcore/pkg/position"
	"github.com/orneryd/uctcore/pkg/weights"
	"github.com/orneryd/uctcore/pkg/winograd"
)

const boardSize = 8
const boardSquares = boardSize * boardSize

// EvaluatorError wraps a failure inside the forward pass itself, as
// opposed to a malformed weight file (see weights.LoadError).
type EvaluatorError struct {
	Msg string
	Err error
}

func (e *EvaluatorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("network: %s", e.Msg)
}

func (e *EvaluatorError) Unwrap() error { return e.Err }

// Network is the frozen, concurrency-safe forward-pass evaluator built
// from one Weights value.
type Network struct {
	w *weights.Weights
}

// New builds a Network from already-loaded weights. Construction does
// no further parsing; the Winograd filter transforms were already
// computed by weights.Load.
func New(w *weights.Weights) *Network {
	return &Network{w: w}
}

// InputPlanes returns the number of input planes this network expects,
// for collaborators that want to validate a Position before calling
// Evaluate.
func (n *Network) InputPlanes() int { return n.w.InputChannels }

// PolicyWidth returns Po, the width of the policy output vector.
func (n *Network) PolicyWidth() int { return n.w.Policy.Po }

// Scratch holds the pre-sized buffers one goroutine reuses across
// Evaluate calls, avoiding an allocation per playout. Scratch is not
// safe for concurrent use; each concurrent caller holds its own (see
// accelerator.CPU, which borrows one per call from a pool.ScratchPool).
//
// it and mm are the Winograd V and M buffers the spec calls out by
// name: both are sized once to 16*Cmax*16 (Cmax = max(InputChannels,
// Channels)) and every conv3x3 call in the forward pass reuses them in
// place via winograd's *Into entry points, instead of allocating a
// fresh InputTransform/MatMul per layer per simulation.
type Scratch struct {
	planes  []float32    // InputChannels x 64
	tower   [3][]float32 // rotating tower buffers, Channels x 64
	headBuf []float32    // max(policy, value) head-channel x 64 scratch

	it *winograd.InputTransform // V, reused by every conv3x3 call
	mm *winograd.MatMul         // M, reused by every conv3x3 call

	policyLogits []float32 // Po, reused across EvaluateRaw calls
	valueHidden  []float32 // Vc, reused across EvaluateRaw calls
	policy       []float32 // Po, reused across ComposeFinal calls
}

// NewScratch allocates a Scratch sized for net.
func NewScratch(n *Network) *Scratch {
	w := n.w
	headCh := w.Policy.OutCh
	if w.Value.OutCh > headCh {
		headCh = w.Value.OutCh
	}
	cmax := w.InputChannels
	if w.Channels > cmax {
		cmax = w.Channels
	}
	s := &Scratch{
		planes:       make([]float32, w.InputChannels*boardSquares),
		headBuf:      make([]float32, headCh*boardSquares),
		it:           winograd.NewInputTransform(cmax),
		mm:           winograd.NewMatMul(cmax, winograd.Tiles),
		policyLogits: make([]float32, w.Policy.Po),
		valueHidden:  make([]float32, w.Value.Vc),
		policy:       make([]float32, w.Policy.Po),
	}
	for i := range s.tower {
		s.tower[i] = make([]float32, w.Channels*boardSquares)
	}
	return s
}

// Evaluate runs the full forward pass for planes (len == InputPlanes())
// and returns the policy distribution over po entries (softmax over
// legal/illegal alike; callers mask before resolving to moves) and the
// scalar value in [-1, 1] from the side-to-move's perspective.
func (n *Network) Evaluate(planes []position.Plane, scratch *Scratch, temperature float32) (policy []float32, value float32, err error) {
	logits, activations, err := n.EvaluateRaw(planes, scratch)
	if err != nil {
		return nil, 0, err
	}
	policy, value = ComposeFinal(n.w, logits, activations, temperature, scratch.policy)
	return policy, value, nil
}

// ComposeFinal applies the final nonlinearities an accelerator.Backend
// leaves to its caller: softmax-with-temperature on the policy logits,
// and fc2+tanh on the value head's activations. Network.Evaluate uses
// this against its own EvaluateRaw output, passing its Scratch's policy
// buffer as dst so the call never allocates; pkg/uct's Backend-wrapping
// Evaluator uses it the same way against a Backend's output so a
// Backend and a Network are interchangeable from the search core's
// perspective. dst must have len(policyLogits) entries; if nil (or the
// wrong length), ComposeFinal allocates one itself — callers without a
// Scratch of their own (e.g. an Evaluator fanning out across backends
// it does not own scratch for) can pass nil.
func ComposeFinal(w *weights.Weights, policyLogits, valueActivations []float32, temperature float32, dst []float32) (policy []float32, value float32) {
	if len(dst) != len(policyLogits) {
		dst = make([]float32, len(policyLogits))
	}
	kernel.Softmax(policyLogits, dst, temperature)

	scalar := kernel.Dot(valueActivations, w.Value.FC2W) + w.Value.FC2B
	return dst, kernel.Tanh1(scalar)
}

// EvaluateRaw runs the forward pass up to, but not including, the
// policy softmax and the value head's fc2+tanh: it returns the policy
// logits and the value head's pre-fc2 activation vector (length Vc).
// This is the contract pkg/accelerator.Backend implements, so a
// self-check comparison never has to undo a nonlinearity.
func (n *Network) EvaluateRaw(planes []position.Plane, scratch *Scratch) (policyLogits, valueActivations []float32, err error) {
	w := n.w
	if len(planes) != w.InputChannels {
		return nil, nil, &EvaluatorError{Msg: fmt.Sprintf("expected %d input planes, got %d", w.InputChannels, len(planes))}
	}

	materializePlanes(planes, scratch.planes)

	// Input conv: InputChannels -> Channels. The tower has 3 distinct
	// buffers; curIdx/t1Idx/t2Idx are always pairwise disjoint so each
	// block's conv1/conv2 outputs never alias their inputs, and no
	// allocation happens inside the loop.
	curIdx := 0
	cur := scratch.tower[curIdx]
	conv3x3(w.InputConv, scratch.planes, cur, scratch)
	kernel.BatchNormReLU(cur, w.InputConv.BNMean, w.InputConv.BNStddev, boardSquares, nil)

	for i := 0; i+1 < len(w.ResidualConvs); i += 2 {
		conv1 := w.ResidualConvs[i]
		conv2 := w.ResidualConvs[i+1]

		t1Idx := (curIdx + 1) % 3
		t2Idx := (curIdx + 2) % 3
		t1 := scratch.tower[t1Idx]
		t2 := scratch.tower[t2Idx]

		conv3x3(conv1, cur, t1, scratch)
		kernel.BatchNormReLU(t1, conv1.BNMean, conv1.BNStddev, boardSquares, nil)

		conv3x3(conv2, t1, t2, scratch)
		kernel.BatchNormReLU(t2, conv2.BNMean, conv2.BNStddev, boardSquares, cur)

		curIdx = t2Idx
		cur = t2
	}

	policyLogits, err = n.policyLogits(cur, scratch)
	if err != nil {
		return nil, nil, err
	}
	valueActivations, err = n.valueActivations(cur, scratch)
	if err != nil {
		return nil, nil, err
	}
	return policyLogits, valueActivations, nil
}

func materializePlanes(planes []position.Plane, dst []float32) {
	for c, plane := range planes {
		base := c * boardSquares
		for sq := 0; sq < boardSquares; sq++ {
			dst[base+sq] = 0
		}
		mask := plane.Mask
		for mask != 0 {
			sq := trailingZeros64(mask)
			dst[base+sq] = plane.Value
			mask &= mask - 1
		}
	}
}

func trailingZeros64(x uint64) int {
	n := 0
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}

// conv3x3 runs the Winograd pipeline for one layer entirely inside
// scratch's pre-sized V (it) and M (mm) buffers: no heap allocation
// happens here regardless of how many times it is called per
// simulation.
func conv3x3(layer weights.ConvLayer, in, out []float32, scratch *Scratch) {
	winograd.TransformInputInto(in, layer.Filter.C, scratch.it)
	winograd.BatchedGEMMInto(layer.Filter, scratch.it, scratch.mm)
	winograd.TransformOutputInto(scratch.mm, out)
}

// conv1x1 applies a 1x1 convolution (plain GEMM: outCh x inCh times
// inCh x 64) from in (Channels x 64) into out (outCh x 64).
func conv1x1(w []float32, inCh, outCh int, in, out []float32) {
	kernel.GEMM(w, in, out, outCh, boardSquares, inCh, 1, 0, false, false, inCh, boardSquares, boardSquares)
}

// policyLogits computes the pre-softmax policy output, Po entries wide.
func (n *Network) policyLogits(tower []float32, scratch *Scratch) ([]float32, error) {
	head := n.w.Policy
	buf := scratch.headBuf[:head.OutCh*boardSquares]
	conv1x1(head.ConvW, head.InCh, head.OutCh, tower, buf)
	kernel.BatchNormReLU(buf, head.BNMean, head.BNStddev, boardSquares, nil)

	logits := scratch.policyLogits
	kernel.GEMM(buf, head.FCW, logits, 1, head.Po, head.OutCh*boardSquares, 1, 0, false, false, head.OutCh*boardSquares, head.Po, head.Po)
	for i := range logits {
		logits[i] += head.FCB[i]
	}
	return logits, nil
}

// valueActivations computes the pre-fc2 value activation vector, Vc
// entries wide (after fc1 + relu, before the scalar fc2 + tanh).
func (n *Network) valueActivations(tower []float32, scratch *Scratch) ([]float32, error) {
	head := n.w.Value
	buf := scratch.headBuf[:head.OutCh*boardSquares]
	conv1x1(head.ConvW, head.InCh, head.OutCh, tower, buf)
	kernel.BatchNormReLU(buf, head.BNMean, head.BNStddev, boardSquares, nil)

	hidden := scratch.valueHidden
	kernel.GEMM(buf, head.FC1W, hidden, 1, head.Vc, head.OutCh*boardSquares, 1, 0, false, false, head.OutCh*boardSquares, head.Vc, head.Vc)
	for i := range hidden {
		hidden[i] += head.FC1B[i]
	}
	kernel.ReLU(hidden)
	return hidden, nil
}
