// Package uct implements the search core: a PUCT/UCT tree searched by a
// pool of concurrent workers, each descending one line of play at a
// time against a single position.Position via make/unmake.
package uct

import (
	"github.com/orneryd/uctcore/pkg/accelerator"
	"github.com/orneryd/uctcore/pkg/network"
	"github.com/orneryd/uctcore/pkg/position"
	"github.com/orneryd/uctcore/pkg/weights"
)

// Evaluator is the driver's view of the network: a (planes) -> (policy,
// value) function with the final nonlinearities already applied and
// value rescaled into [0,1], the convention every node's value_sum
// arithmetic in this package assumes. See BackendEvaluator for why that
// rescale lives here rather than in pkg/network or pkg/accelerator.
type Evaluator interface {
	Evaluate(planes []position.Plane) (policy []float32, value float32, err error)
}

// BackendEvaluator adapts an accelerator.Backend (which returns raw
// policy logits and pre-fc2 value activations, per spec) into an
// Evaluator: it applies softmax-with-temperature and fc2+tanh via
// network.ComposeFinal, then rescales the tanh winrate from [-1,1] to
// [0,1].
//
// The rescale exists because the node/search invariants (value_sum
// bounded by visits, a terminal value "in [0,1]") are written against
// a win-probability convention, while the network's value head is a
// standard tanh head in [-1,1]. BackendEvaluator is the one place that
// seam is closed, so pkg/network and pkg/accelerator stay faithful to
// the network's own [-1,1] output and pkg/uct only ever sees [0,1].
type BackendEvaluator struct {
	backend     accelerator.Backend
	weights     *weights.Weights
	temperature float32
}

// NewBackendEvaluator wraps backend for use as an Evaluator.
func NewBackendEvaluator(backend accelerator.Backend, w *weights.Weights, temperature float32) *BackendEvaluator {
	return &BackendEvaluator{backend: backend, weights: w, temperature: temperature}
}

// Evaluate implements Evaluator.
func (e *BackendEvaluator) Evaluate(planes []position.Plane) (policy []float32, value float32, err error) {
	logits, activations, err := e.backend.Evaluate(planes)
	if err != nil {
		return nil, 0, err
	}
	// BackendEvaluator is shared across every search worker, so it has
	// no per-call Scratch of its own to hand ComposeFinal as dst: each
	// call gets a fresh policy slice. The dominant per-simulation cost,
	// the backend's own forward pass, stays scratch-resident regardless
	// (see accelerator.CPU and network.Scratch).
	policy, winrate := network.ComposeFinal(e.weights, logits, activations, e.temperature, nil)
	return policy, (winrate + 1) / 2, nil
}
