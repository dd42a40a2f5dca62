// Package pool provides a sync.Pool-backed cache of network.Scratch
// buffers so concurrent accelerator.CPU callers reuse their per-call
// scratch allocation instead of allocating one per Evaluate.
//
// Pooled objects:
// - network.Scratch (the tower/head buffers a single forward pass needs)
package pool

import (
	"sync"

	"github.com/orneryd/uctcore/pkg/network"
)

// Config controls whether pooling is active. Disabling it is mostly
// useful for isolating an allocation profile to the forward pass
// itself, e.g. when benchmarking kernel/winograd changes in isolation.
type Config struct {
	Enabled bool
}

var globalConfig = Config{Enabled: true}

// Configure sets the global pooling behavior. Call once during startup,
// before any ScratchPool is built.
func Configure(cfg Config) {
	globalConfig = cfg
}

// ScratchPool hands out network.Scratch buffers sized for one Network,
// reusing returned buffers via sync.Pool. A ScratchPool is safe for
// concurrent use; accelerator.CPU calls Get once per Evaluate and Put
// when done, rather than allocating a Scratch per Evaluate call.
type ScratchPool struct {
	net *network.Network
	p   sync.Pool
}

// NewScratchPool builds a ScratchPool for net.
func NewScratchPool(net *network.Network) *ScratchPool {
	sp := &ScratchPool{net: net}
	sp.p.New = func() any { return network.NewScratch(net) }
	return sp
}

// Get returns a Scratch ready for one Evaluate call. When pooling is
// disabled via Configure, every call allocates fresh.
func (sp *ScratchPool) Get() *network.Scratch {
	if !globalConfig.Enabled {
		return network.NewScratch(sp.net)
	}
	return sp.p.Get().(*network.Scratch)
}

// Put returns s to the pool for reuse. Callers must not touch s again
// afterward.
func (sp *ScratchPool) Put(s *network.Scratch) {
	if !globalConfig.Enabled || s == nil {
		return
	}
	sp.p.Put(s)
}
