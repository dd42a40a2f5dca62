package uct

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkTreeInvariants(t *testing.T, node *Node) {
	t.Helper()
	children := node.Children()
	if children == nil {
		return
	}
	var childVisits int64
	var priorSum float32
	for _, c := range children {
		childVisits += c.Visits()
		priorSum += c.Prior()
	}
	assert.GreaterOrEqual(t, node.Visits(), childVisits)
	if node.State() == Expanded {
		assert.InDelta(t, 1.0, priorSum, 1e-5)
	}
	assert.LessOrEqual(t, node.ValueSum(), float64(node.Visits())*1.0)
	assert.GreaterOrEqual(t, node.ValueSum(), -float64(node.Visits())*1.0)
	for _, c := range children {
		checkTreeInvariants(t, c)
	}
}

func TestThinkSingleWorkerExactEvaluatorCalls(t *testing.T) {
	pos := newFixedPosition(1000, 200, 1858)
	eval := &uniformEvaluator{policyWidth: 1858, value: 0.5}
	cfg := Config{NumWorkers: 1, PlayoutLimit: 50, CPuct: 1.0}
	d := NewDriver(cfg, eval, logr.Discard(), nil)

	_, err := d.Think(context.Background(), pos)
	require.NoError(t, err)

	assert.Equal(t, 50, eval.calls)
	assert.Equal(t, int64(50), d.Playouts())
	assert.Equal(t, int64(50), d.Root.Visits())
}

func TestThinkMultiWorkerPreservesInvariants(t *testing.T) {
	pos := newFixedPosition(1000, 6, 1858)
	eval := &uniformEvaluator{policyWidth: 1858, value: 0.5}
	cfg := Config{NumWorkers: 8, PlayoutLimit: 500, CPuct: 1.0, VirtualLoss: 3}
	d := NewDriver(cfg, eval, logr.Discard(), nil)

	_, err := d.Think(context.Background(), pos)
	require.NoError(t, err)

	assert.Equal(t, int64(500), d.Playouts())
	checkTreeInvariants(t, d.Root)
}

func TestThinkRespectsMaxTreeNodes(t *testing.T) {
	pos := newFixedPosition(1000, 50, 1858)
	eval := &uniformEvaluator{policyWidth: 1858, value: 0.5}
	cfg := Config{NumWorkers: 1, PlayoutLimit: 40, CPuct: 1.0, MaxTreeNodes: 10}
	d := NewDriver(cfg, eval, logr.Discard(), nil)

	_, err := d.Think(context.Background(), pos)
	require.NoError(t, err)
	assert.Equal(t, int64(40), d.Playouts())
}

func TestBestChildDeterministicGivenFixedEvaluator(t *testing.T) {
	run := func() interface{} {
		pos := newFixedPosition(1000, 10, 1858)
		eval := &uniformEvaluator{policyWidth: 1858, value: 0.5}
		cfg := Config{NumWorkers: 1, PlayoutLimit: 100, CPuct: 1.0}
		d := NewDriver(cfg, eval, logr.Discard(), nil)
		move, err := d.Think(context.Background(), pos)
		require.NoError(t, err)
		return move
	}
	first := run()
	second := run()
	assert.Equal(t, first, second)
}

func TestPonderStopsOnContextCancel(t *testing.T) {
	pos := newFixedPosition(1000000, 4, 1858)
	eval := &uniformEvaluator{policyWidth: 1858, value: 0.5}
	cfg := Config{NumWorkers: 2, CPuct: 1.0}
	d := NewDriver(cfg, eval, logr.Discard(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := d.Ponder(ctx, pos)
	require.NoError(t, err)
	assert.Greater(t, d.Playouts(), int64(0))
}

func TestDumpStatsSortedByVisitsDescending(t *testing.T) {
	pos := newFixedPosition(1000, 10, 1858)
	eval := &uniformEvaluator{policyWidth: 1858, value: 0.5}
	cfg := Config{NumWorkers: 1, PlayoutLimit: 30, CPuct: 1.0}
	d := NewDriver(cfg, eval, logr.Discard(), nil)

	_, err := d.Think(context.Background(), pos)
	require.NoError(t, err)

	snap := d.DumpStats()
	assert.Equal(t, int64(30), snap.RootVisits)
	assert.Equal(t, int64(30), snap.Playouts)
	for i := 1; i < len(snap.Children); i++ {
		assert.GreaterOrEqual(t, snap.Children[i-1].Visits, snap.Children[i].Visits)
	}
}

func TestPrincipalVariationStopsAtUnvisitedLeaf(t *testing.T) {
	pos := newFixedPosition(1000, 10, 1858)
	eval := &uniformEvaluator{policyWidth: 1858, value: 0.5}
	cfg := Config{NumWorkers: 1, PlayoutLimit: 30, CPuct: 1.0}
	d := NewDriver(cfg, eval, logr.Discard(), nil)

	_, err := d.Think(context.Background(), pos)
	require.NoError(t, err)

	pv := d.PrincipalVariation()
	assert.LessOrEqual(t, len(pv), 30)
}
