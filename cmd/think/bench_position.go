package main

import (
	"fmt"

	"github.com/orneryd/uctcore/pkg/position"
)

// benchPosition is a synthetic position.Position used only by the
// "bench" subcommand to exercise think() end-to-end without a real
// board implementation, which spec treats as an external collaborator
// out of this module's scope. It models a fixed-depth, fixed-branching
// decision tree: depth counts down to zero (terminal), and each move
// picks one of branching children; every terminal position has the
// fixed value 0.5, so bench runs are reproducible.
type benchPosition struct {
	depth      int
	branching  int
	planeCount int
	path       []int
}

func newBenchPosition(depth, planeCount, branching int) *benchPosition {
	return &benchPosition{depth: depth, branching: branching, planeCount: planeCount}
}

func (p *benchPosition) InputPlanes() []position.Plane {
	planes := make([]position.Plane, p.planeCount)
	for i := range planes {
		planes[i] = position.Plane{Mask: uint64(1) << uint(i%64), Value: 1}
	}
	return planes
}

func (p *benchPosition) LegalMoves() []position.Move {
	if p.depth-len(p.path) <= 0 {
		return nil
	}
	moves := make([]position.Move, p.branching)
	for i := 0; i < p.branching; i++ {
		moves[i] = i
	}
	return moves
}

func (p *benchPosition) Apply(move position.Move) error {
	m, ok := move.(int)
	if !ok {
		return fmt.Errorf("bench position: unexpected move type %T", move)
	}
	p.path = append(p.path, m)
	return nil
}

func (p *benchPosition) Undo() {
	p.path = p.path[:len(p.path)-1]
}

func (p *benchPosition) Terminal() (float32, bool) {
	if p.depth-len(p.path) > 0 {
		return 0, false
	}
	return 0.5, true
}

func (p *benchPosition) PolicyIndex(move position.Move) int {
	return move.(int)
}
