package uct

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/orneryd/uctcore/pkg/position"
	"github.com/orneryd/uctcore/pkg/telemetry"
)

// Config tunes one Driver. Zero values for PlayoutLimit/TimeLimit mean
// unbounded on that axis; at least one of them should be set or think
// never returns on its own.
type Config struct {
	NumWorkers         int
	PlayoutLimit       int
	TimeLimit          time.Duration
	CPuct              float64
	VirtualLoss        int32
	MaxTreeNodes       int64
	SoftmaxTemperature float32
}

// Driver owns one search tree and the worker pool that descends it.
// Build a fresh Driver per think() call; Root is left attached to the
// tree afterward so a caller can retain it to ponder the subtree under
// the move actually played.
type Driver struct {
	cfg  Config
	eval Evaluator
	log  logr.Logger
	meter *telemetry.Meter

	Root *Node

	nodeCount atomic.Int64
	playouts  atomic.Int64
}

// NewDriver builds a Driver with a fresh, unexpanded root; its children
// are populated the first time a worker expands it against the
// Position passed to Think or Ponder.
func NewDriver(cfg Config, eval Evaluator, log logr.Logger, meter *telemetry.Meter) *Driver {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.CPuct <= 0 {
		cfg.CPuct = 1.0
	}
	d := &Driver{cfg: cfg, eval: eval, log: log, meter: meter, Root: NewNode(nil, 1)}
	d.nodeCount.Store(1)
	return d
}

// Playouts returns the number of simulations run so far by this
// Driver's think/ponder call.
func (d *Driver) Playouts() int64 { return d.playouts.Load() }

// reserve attempts to account for n additional nodes against
// MaxTreeNodes, returning false (and not reserving) once the budget is
// exhausted. A zero MaxTreeNodes means unbounded.
func (d *Driver) reserve(n int) bool {
	if d.cfg.MaxTreeNodes <= 0 {
		d.nodeCount.Add(int64(n))
		return true
	}
	for {
		cur := d.nodeCount.Load()
		if cur+int64(n) > d.cfg.MaxTreeNodes {
			return false
		}
		if d.nodeCount.CompareAndSwap(cur, cur+int64(n)) {
			return true
		}
	}
}

// Think runs workers against pos (a fresh Position positioned at the
// root) until the playout and/or time budget is exhausted, then
// returns the most-visited root child's move. pos is restored to its
// starting position before Think returns; callers normally discard it
// or Apply the returned move themselves.
func (d *Driver) Think(ctx context.Context, pos position.Position) (position.Move, error) {
	ctx, end := telemetry.StartThink(ctx, "think")
	defer end()

	if err := d.run(ctx, pos, d.budgetRemaining); err != nil {
		return nil, err
	}
	best := d.BestChild()
	if best == nil {
		return nil, nil
	}
	return best.Move(), nil
}

// Ponder runs workers against pos with no playout/time budget until
// ctx is cancelled.
func (d *Driver) Ponder(ctx context.Context, pos position.Position) error {
	return d.run(ctx, pos, func() bool { return ctx.Err() == nil })
}

func (d *Driver) budgetRemaining() bool {
	if d.cfg.PlayoutLimit > 0 && d.playouts.Load() >= int64(d.cfg.PlayoutLimit) {
		return false
	}
	return true
}

func (d *Driver) run(ctx context.Context, pos position.Position, keepGoing func() bool) error {
	var deadline <-chan time.Time
	if d.cfg.TimeLimit > 0 {
		timer := time.NewTimer(d.cfg.TimeLimit)
		defer timer.Stop()
		deadline = timer.C
	}

	// started counts simulations claimed against PlayoutLimit, so that
	// concurrent workers never start more than the limit between them.
	var started atomic.Int64
	started.Store(d.playouts.Load())

	var wg sync.WaitGroup
	errs := make(chan error, d.cfg.NumWorkers)
	for w := 0; w < d.cfg.NumWorkers; w++ {
		worker := newWorkerPosition(pos, w)
		wg.Add(1)
		go func(p position.Position) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if deadline != nil {
					select {
					case <-deadline:
						return
					default:
					}
				}
				if !keepGoing() || !d.budgetRemaining() {
					return
				}
				if d.cfg.PlayoutLimit > 0 && started.Add(1) > int64(d.cfg.PlayoutLimit) {
					return
				}
				if _, err := d.playSimulation(p, d.Root); err != nil {
					errs <- err
					return
				}
				d.playouts.Add(1)
				if d.meter != nil {
					d.meter.Playouts.Add(ctx, 1)
				}
			}
		}(worker)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// newWorkerPosition lets a Position implementation hand out an
// independent copy per worker when concurrent workers can't safely
// share one make/unmake position; implementations that are already
// safe to share (e.g. wrapped in their own locking) can type-assert
// and return pos unchanged. uct has no opinion on which pos is —
// worker 0 always gets pos itself so a single-worker caller needs no
// cloning support at all.
func newWorkerPosition(pos position.Position, worker int) position.Position {
	if worker == 0 {
		return pos
	}
	if cloner, ok := pos.(interface{ Clone() position.Position }); ok {
		return cloner.Clone()
	}
	return pos
}

// playSimulation descends from node via PUCT selection, applying moves
// to pos in place (make/unmake) and expanding the first unexpanded
// node it reaches. It returns the value backpropagated into node,
// after Update has already been applied to node itself.
func (d *Driver) playSimulation(pos position.Position, node *Node) (float32, error) {
	value, terminal, already, err := node.Expand(pos, d.eval, d.reserve)
	if err != nil {
		return 0, err
	}
	if terminal || !already {
		node.Update(value)
		return value, nil
	}

	vloss := d.cfg.VirtualLoss
	if vloss <= 0 {
		vloss = 1
	}

	child := node.SelectChild(d.cfg.CPuct)
	child.AddVirtualLoss(vloss)
	if err := pos.Apply(child.move); err != nil {
		child.RemoveVirtualLoss(vloss)
		return 0, err
	}
	childValue, err := d.playSimulation(pos, child)
	pos.Undo()
	child.RemoveVirtualLoss(vloss)
	if err != nil {
		return 0, err
	}

	value = 1 - childValue
	node.Update(value)
	return value, nil
}

// BestChild returns the root's most-visited child, ties broken by
// value_sum then move order. Returns nil if the root has no children
// (never expanded, or terminal).
func (d *Driver) BestChild() *Node {
	return bestOf(d.Root)
}

func bestOf(node *Node) *Node {
	var best *Node
	var bestVisits int64
	var bestValue float64
	for i, c := range node.children {
		visits := c.Visits()
		value := c.ValueSum()
		if i == 0 || visits > bestVisits || (visits == bestVisits && value > bestValue) {
			best = c
			bestVisits = visits
			bestValue = value
		}
	}
	return best
}

// PrincipalVariation repeatedly applies the best_move rule starting at
// the root until it reaches a node with zero visits or no children.
func (d *Driver) PrincipalVariation() []position.Move {
	var pv []position.Move
	node := d.Root
	for {
		next := bestOf(node)
		if next == nil || next.Visits() == 0 {
			return pv
		}
		pv = append(pv, next.Move())
		node = next
	}
}

// ChildStat is one root child's read-only stat line, safe to read while
// workers concurrently update the live tree (every field is read via
// an atomic load).
type ChildStat struct {
	Move   position.Move
	Visits int64
	Q      float64
	Prior  float32
}

// Snapshot is a point-in-time, safe-to-call-during-search view of the
// tree: root visit count, each child's stat line (sorted by visits
// descending), the current principal variation, and the number of
// simulations run so far.
type Snapshot struct {
	RootVisits int64
	Children   []ChildStat
	PV         []position.Move
	Playouts   int64
}

// DumpStats returns a Snapshot for progress reporting during a long
// think/ponder call.
func (d *Driver) DumpStats() Snapshot {
	children := d.Root.Children()
	stats := make([]ChildStat, len(children))
	for i, c := range children {
		var q float64
		if v := c.Visits(); v > 0 {
			q = c.ValueSum() / float64(v)
		}
		stats[i] = ChildStat{Move: c.Move(), Visits: c.Visits(), Q: q, Prior: c.Prior()}
	}
	for i := 1; i < len(stats); i++ {
		for j := i; j > 0 && stats[j].Visits > stats[j-1].Visits; j-- {
			stats[j], stats[j-1] = stats[j-1], stats[j]
		}
	}
	return Snapshot{
		RootVisits: d.Root.Visits(),
		Children:   stats,
		PV:         d.PrincipalVariation(),
		Playouts:   d.Playouts(),
	}
}
