// Package accelerator provides the pluggable evaluator seam in front of
// the network forward pass: a Backend interface any alternate
// implementation (vendor GPU kernels, a remote inference service) can
// satisfy, a CPU reference Backend, and a SelfChecked decorator that
// statistically audits a faster backend against the CPU reference.
package accelerator

import (
	"math/rand"
	"sync"

	"github.com/go-logr/logr"

	"github.com/orneryd/uctcore/pkg/network"
	"github.com/orneryd/uctcore/pkg/pool"
	"github.com/orneryd/uctcore/pkg/position"
)

// Backend evaluates a position and returns the policy logits (Po
// entries, pre-softmax) and the value head's pre-fc2 activation vector
// (Vc entries). Callers compose the final policy/value themselves,
// matching network.Network.EvaluateRaw's contract.
type Backend interface {
	Evaluate(planes []position.Plane) (policyLogits, valueActivations []float32, err error)
}

// EvaluatorError reports a Backend failure, as distinct from a fatal
// self-check mismatch (see SelfCheckError).
type EvaluatorError struct {
	Msg string
	Err error
}

func (e *EvaluatorError) Error() string {
	if e.Err != nil {
		return "accelerator: " + e.Msg + ": " + e.Err.Error()
	}
	return "accelerator: " + e.Msg
}

func (e *EvaluatorError) Unwrap() error { return e.Err }

// CPU is the reference Backend: a direct, single-threaded call into a
// network.Network using its own scratch buffers. Safe for concurrent
// use — every call borrows a Scratch from a pool.ScratchPool instead of
// allocating one.
type CPU struct {
	net     *network.Network
	scratch *pool.ScratchPool
}

// NewCPU builds a CPU backend over net.
func NewCPU(net *network.Network) *CPU {
	return &CPU{net: net, scratch: pool.NewScratchPool(net)}
}

// Evaluate implements Backend. The forward pass itself runs entirely
// against a pooled network.Scratch, so the Winograd and head-GEMM
// intermediates never allocate; only the small Po+Vc-wide result is
// copied out of the scratch before it goes back to the pool, since the
// scratch (and its buffers) may otherwise be handed to another worker's
// Get() before this call's caller is done reading them.
func (c *CPU) Evaluate(planes []position.Plane) (policyLogits, valueActivations []float32, err error) {
	s := c.scratch.Get()
	rawLogits, rawActivations, err := c.net.EvaluateRaw(planes, s)
	if err != nil {
		c.scratch.Put(s)
		return nil, nil, err
	}
	policyLogits = append([]float32(nil), rawLogits...)
	valueActivations = append([]float32(nil), rawActivations...)
	c.scratch.Put(s)
	return policyLogits, valueActivations, nil
}

// SelfCheckError reports a self-check mismatch that exhausted the
// credit counter: the audited backend's output diverged from the CPU
// reference by more than the tolerated relative error, and too many
// mismatches had already been tolerated recently.
type SelfCheckError struct {
	MaxRelError float32
	Credit      int64
}

func (e *SelfCheckError) Error() string {
	return "accelerator: self-check mismatch exceeds tolerance (credit exhausted)"
}

// SelfCheckedConfig tunes the statistical self-check described by the
// accelerator interface: with probability 1/SampleRate, re-evaluate on
// the CPU reference and compare.
type SelfCheckedConfig struct {
	// SampleRate is S: self-check triggers with probability 1/S.
	SampleRate int64
	// MinGames is Nmin, used to size the credit counter.
	MinGames int64
}

// DefaultSelfCheckedConfig matches the spec's defaults: S=2000,
// Nmin=2e6.
func DefaultSelfCheckedConfig() SelfCheckedConfig {
	return SelfCheckedConfig{SampleRate: 2000, MinGames: 2_000_000}
}

func (c SelfCheckedConfig) creditUnit() int64 {
	unit := c.MinGames / c.SampleRate / 2
	if unit <= 0 {
		unit = 1
	}
	return unit
}

// SelfChecked wraps a fast Backend and periodically audits it against
// a CPU reference, per the credit-counter rule: a tolerated mismatch
// costs one credit unit, a clean check earns back a single credit (not
// a whole unit; capped at 3x the starting credit), and a mismatch below
// the threshold is fatal —
// it means the fast backend has drifted rather than merely producing a
// single noisy result.
type SelfChecked struct {
	fast Backend
	ref  Backend
	cfg  SelfCheckedConfig
	log  logr.Logger
	rnd  *rand.Rand

	mu     sync.Mutex
	credit int64
	max    int64
}

// NewSelfChecked wraps fast with a CPU-reference self-check. seed
// controls the sampling RNG; callers pass a fixed seed for
// reproducible tests and a time-derived seed in production.
func NewSelfChecked(fast, ref Backend, cfg SelfCheckedConfig, log logr.Logger, seed int64) *SelfChecked {
	unit := cfg.creditUnit()
	return &SelfChecked{
		fast:   fast,
		ref:    ref,
		cfg:    cfg,
		log:    log,
		rnd:    rand.New(rand.NewSource(seed)),
		credit: unit,
		max:    unit * 3,
	}
}

// Evaluate implements Backend: it calls fast, and with probability
// 1/SampleRate also calls ref and compares.
func (s *SelfChecked) Evaluate(planes []position.Plane) (policyLogits, valueActivations []float32, err error) {
	policyLogits, valueActivations, err = s.fast.Evaluate(planes)
	if err != nil {
		return nil, nil, &EvaluatorError{Msg: "fast backend evaluate failed", Err: err}
	}

	s.mu.Lock()
	sample := s.rnd.Int63n(s.cfg.SampleRate) == 0
	s.mu.Unlock()
	if !sample {
		return policyLogits, valueActivations, nil
	}

	refPolicy, refValue, err := s.ref.Evaluate(planes)
	if err != nil {
		return nil, nil, &EvaluatorError{Msg: "reference backend evaluate failed", Err: err}
	}

	maxErr := maxRelError(policyLogits, refPolicy)
	if e := maxRelError(valueActivations, refValue); e > maxErr {
		maxErr = e
	}

	const tolerance = 0.1
	if maxErr <= tolerance {
		s.mu.Lock()
		if s.credit < s.max {
			s.credit++
		}
		s.mu.Unlock()
		return policyLogits, valueActivations, nil
	}

	unit := s.cfg.creditUnit()
	s.mu.Lock()
	belowThreshold := s.credit < unit
	if !belowThreshold {
		s.credit -= unit
	}
	credit := s.credit
	s.mu.Unlock()

	if belowThreshold {
		return nil, nil, &SelfCheckError{MaxRelError: maxErr, Credit: credit}
	}

	s.log.Info("self-check mismatch tolerated", "maxRelError", maxErr, "credit", credit)
	return policyLogits, valueActivations, nil
}

// maxRelError computes the worst-case element relative error between a
// and b, per the spec's clamp-and-sign-flip rule: values below 1e-3 in
// absolute value are clamped to 1e-3 before dividing, and a sign flip
// between two non-zero values counts as a relative error of 1; it never
// lowers a larger error already seen, so it never understates the
// mismatch.
func maxRelError(a, b []float32) float32 {
	const clamp = 1e-3
	var worst float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		av, bv := a[i], b[i]
		if av*bv < 0 && av != 0 && bv != 0 {
			if worst < 1 {
				worst = 1
			}
			continue
		}
		denom := bv
		if denom < 0 {
			denom = -denom
		}
		if denom < clamp {
			denom = clamp
		}
		diff := av - bv
		if diff < 0 {
			diff = -diff
		}
		rel := diff / denom
		if rel > worst {
			worst = rel
		}
	}
	return worst
}
