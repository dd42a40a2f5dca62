package uct

import (
	"math"
	"runtime"
	"sync/atomic"

	"github.com/orneryd/uctcore/pkg/position"
)

// State is a node's place in the expand state machine.
type State int32

const (
	Unexpanded State = iota
	Expanding
	Expanded
	Terminal
)

// atomicFloat64 is a CAS-looped float64 accumulator. sync/atomic has no
// native float add; this is the standard bit-cast-and-retry idiom, not
// a substitute for a missing library (nothing in the dependency pack
// offers atomic float arithmetic either).
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (a *atomicFloat64) add(delta float64) {
	for {
		old := a.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if a.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (a *atomicFloat64) load() float64 {
	return math.Float64frombits(a.bits.Load())
}

// Node is one tree node. It carries its own move and prior (as
// assigned by its parent's expand), and its own visit/value_sum/
// virtual-loss counters. children is nil until expansion publishes it;
// readers only ever observe it after an atomic load of state returns
// Expanded or Terminal, which happens-after the write per the Go
// memory model's guarantee on sync/atomic operations.
type Node struct {
	move  position.Move
	prior float32

	state       atomic.Int32
	visits      atomic.Int64
	valueSum    atomicFloat64
	virtualLoss atomic.Int32

	terminalValue float32
	children      []*Node
}

// NewNode builds an unexpanded node for move with the given prior. The
// root is built with a zero-value move and prior 1.
func NewNode(move position.Move, prior float32) *Node {
	return &Node{move: move, prior: prior}
}

// Move returns the move that reaches this node from its parent.
func (n *Node) Move() position.Move { return n.move }

// Prior returns the prior probability assigned at expansion.
func (n *Node) Prior() float32 { return n.prior }

// State returns the node's current state.
func (n *Node) State() State { return State(n.state.Load()) }

// Visits returns the node's visit count.
func (n *Node) Visits() int64 { return n.visits.Load() }

// ValueSum returns the node's accumulated value sum.
func (n *Node) ValueSum() float64 { return n.valueSum.load() }

// Children returns the node's children, or nil if not yet expanded or
// terminal. Safe to call concurrently with play_simulation once state
// has reached Expanded.
func (n *Node) Children() []*Node { return n.children }

// AddVirtualLoss atomically adds amount to the virtual loss counter.
func (n *Node) AddVirtualLoss(amount int32) { n.virtualLoss.Add(amount) }

// RemoveVirtualLoss atomically subtracts amount from the virtual loss
// counter.
func (n *Node) RemoveVirtualLoss(amount int32) { n.virtualLoss.Add(-amount) }

// Update atomically adds value (from this node's own side-to-move
// perspective) to value_sum and increments visits.
func (n *Node) Update(value float32) {
	n.valueSum.add(float64(value))
	n.visits.Add(1)
}

// SelectChild returns the child maximizing Q+U. Ties are broken by
// child index, which is deterministic given expansion order since
// children are built once from a stable LegalMoves order.
func (n *Node) SelectChild(cPuct float64) *Node {
	parentVisits := float64(n.Visits())
	sqrtParent := math.Sqrt(parentVisits)

	var best *Node
	var bestScore float64
	for i, c := range n.children {
		visits := float64(c.Visits())
		vloss := float64(c.virtualLoss.Load())
		denom := visits + vloss

		var q float64
		if denom > 0 {
			q = c.ValueSum() / denom
		}
		u := cPuct * float64(c.prior) * sqrtParent / (1 + denom)
		score := q + u

		if i == 0 || score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best
}

// reserveFunc reports whether budget remains to create n additional
// nodes; when it returns false the caller truncates expansion and
// treats the node as terminal instead.
type reserveFunc func(n int) bool

// Expand runs the node through the expand state machine. The CAS
// winner enumerates pos's legal moves, evaluates pos via eval, assigns
// normalized priors to lazily-built children, and publishes Expanded
// (or Terminal, for a position with no legal moves, or when reserve
// declines the child-node budget). Losing callers spin-yield until the
// winner publishes a terminal state, then return with already=true so
// the caller knows to select_child instead of re-evaluating.
//
// value is only meaningful when already is false (this call was the
// one that expanded or terminalized the node) or when the node turned
// out to be Terminal; a caller that lands on an already-Expanded,
// non-terminal node gets value=0 and must call SelectChild itself.
func (n *Node) Expand(pos position.Position, eval Evaluator, reserve reserveFunc) (value float32, terminal bool, already bool, err error) {
	for {
		switch State(n.state.Load()) {
		case Unexpanded:
			if n.state.CompareAndSwap(int32(Unexpanded), int32(Expanding)) {
				return n.finishExpand(pos, eval, reserve)
			}
			// lost the race; loop around to the Expanding case
		case Expanding:
			runtime.Gosched()
		case Terminal:
			return n.terminalValue, true, true, nil
		case Expanded:
			return 0, false, true, nil
		}
	}
}

func (n *Node) finishExpand(pos position.Position, eval Evaluator, reserve reserveFunc) (value float32, terminal bool, already bool, err error) {
	termValue, isTerminal := pos.Terminal()
	if isTerminal {
		n.terminalValue = termValue
		n.state.Store(int32(Terminal))
		return termValue, true, false, nil
	}

	moves := pos.LegalMoves()
	if len(moves) == 0 {
		n.terminalValue = termValue
		n.state.Store(int32(Terminal))
		return termValue, true, false, nil
	}

	planes := pos.InputPlanes()
	policy, v, err := eval.Evaluate(planes)
	if err != nil {
		// Leave the node Expanding forever is worse than surfacing the
		// error; revert to Unexpanded so a retry (if any) can proceed.
		n.state.Store(int32(Unexpanded))
		return 0, false, false, err
	}

	if reserve != nil && !reserve(len(moves)) {
		n.terminalValue = v
		n.state.Store(int32(Terminal))
		return v, true, false, nil
	}

	priors := make([]float32, len(moves))
	var sum float32
	for i, m := range moves {
		idx := pos.PolicyIndex(m)
		p := float32(0)
		if idx >= 0 && idx < len(policy) {
			p = policy[idx]
		}
		priors[i] = p
		sum += p
	}
	if sum <= 0 {
		uniform := float32(1) / float32(len(moves))
		for i := range priors {
			priors[i] = uniform
		}
	} else {
		for i := range priors {
			priors[i] /= sum
		}
	}

	children := make([]*Node, len(moves))
	for i, m := range moves {
		children[i] = NewNode(m, priors[i])
	}
	n.children = children
	n.state.Store(int32(Expanded))
	return v, false, false, nil
}
