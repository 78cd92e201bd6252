// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package epoch implements epoch-based reclamation across a fixed set of
// cores.
//
// A core brackets any traversal of shared, lock-free structures with
// Begin/End. Objects unlinked from those structures are handed to Retire, and
// their destructors run only once every core has been observed at an epoch at
// least two steps past the epoch current at retirement, i.e. once no core can
// still hold a pointer obtained before the object was unlinked.
package epoch

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// quiescent is the local epoch of a core outside any read-side section.
const quiescent = 0

// core is the per-core epoch state.
type core struct {
	// local is the global epoch observed when the outermost section began,
	// or quiescent.
	local atomicbitops.Uint64

	// depth is the read-side section nesting depth.
	depth atomicbitops.Int32

	// Pad to a cache line so cores don't share one.
	_ [48]byte
}

type retiree struct {
	epoch uint64
	fn    func()
}

// Domain is a set of cores sharing one global epoch.
type Domain struct {
	// global starts at 1 so that it never collides with quiescent.
	global atomicbitops.Uint64

	cores []core

	mu sync.Mutex

	// retired is the list of pending destructors, in retirement order.
	//
	// +checklocks:mu
	retired []retiree

	// running counts destructors taken off retired that have not returned.
	//
	// +checklocks:mu
	running int

	begins atomicbitops.Uint64
	ends   atomicbitops.Uint64
	freed  atomicbitops.Uint64
}

// Stats is a snapshot of a Domain's counters.
type Stats struct {
	Epoch   uint64
	Begins  uint64
	Ends    uint64
	Freed   uint64
	Pending int
}

// NewDomain returns a Domain for ncores cores.
func NewDomain(ncores int) *Domain {
	if ncores <= 0 {
		panic(fmt.Sprintf("epoch domain needs at least one core, got %d", ncores))
	}
	d := &Domain{cores: make([]core, ncores)}
	d.global.Store(1)
	return d
}

// NumCores returns the number of cores in d.
func (d *Domain) NumCores() int {
	return len(d.cores)
}

func (d *Domain) core(id int) *core {
	if id < 0 || id >= len(d.cores) {
		panic(fmt.Sprintf("core %d out of range [0, %d)", id, len(d.cores)))
	}
	return &d.cores[id]
}

// Begin opens a read-side section on core id. Sections nest; only the
// outermost one records the global epoch.
func (d *Domain) Begin(id int) {
	c := d.core(id)
	d.begins.Add(1)
	if c.depth.Add(1) == 1 {
		c.local.Store(d.global.Load())
	}
}

// End closes the innermost read-side section on core id. End without a
// matching Begin panics.
func (d *Domain) End(id int) {
	c := d.core(id)
	depth := c.depth.Add(-1)
	if depth < 0 {
		panic(fmt.Sprintf("epoch.End on core %d without matching Begin", id))
	}
	if depth == 0 {
		c.local.Store(quiescent)
	}
	d.ends.Add(1)
}

// Active returns true if core id is inside a read-side section.
func (d *Domain) Active(id int) bool {
	return d.core(id).depth.Load() > 0
}

// Retire defers fn until no core can still be traversing anything that was
// reachable when Retire was called.
func (d *Domain) Retire(fn func()) {
	d.mu.Lock()
	d.retired = append(d.retired, retiree{epoch: d.global.Load(), fn: fn})
	d.mu.Unlock()
}

// tryAdvance bumps the global epoch if every active core has observed the
// current one.
func (d *Domain) tryAdvance() bool {
	g := d.global.Load()
	for i := range d.cores {
		if l := d.cores[i].local.Load(); l != quiescent && l != g {
			return false
		}
	}
	return d.global.CompareAndSwap(g, g+1)
}

// Reclaim attempts to advance the global epoch and runs every retired
// destructor whose grace period has elapsed. It returns the number of
// destructors run. Destructors run on the caller's goroutine, outside d.mu.
func (d *Domain) Reclaim() int {
	d.tryAdvance()
	g := d.global.Load()

	d.mu.Lock()
	var ready []func()
	keep := d.retired[:0]
	for _, r := range d.retired {
		if r.epoch+2 <= g {
			ready = append(ready, r.fn)
		} else {
			keep = append(keep, r)
		}
	}
	for i := len(keep); i < len(d.retired); i++ {
		d.retired[i] = retiree{}
	}
	d.retired = keep
	d.running += len(ready)
	d.mu.Unlock()

	if len(ready) == 0 {
		return 0
	}
	for _, fn := range ready {
		fn()
	}
	d.freed.Add(uint64(len(ready)))
	d.mu.Lock()
	d.running -= len(ready)
	d.mu.Unlock()
	log.Debugf("epoch %d: reclaimed %d objects", g, len(ready))
	return len(ready)
}

// Pending returns the number of retired destructors that have not returned.
func (d *Domain) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.retired) + d.running
}

// Synchronize runs reclamation passes until no retired destructor remains.
//
// Preconditions: The caller must not be inside a read-side section.
func (d *Domain) Synchronize() {
	for d.Pending() > 0 {
		if d.Reclaim() == 0 {
			runtime.Gosched()
		}
	}
}

// Stats returns a snapshot of d's counters.
func (d *Domain) Stats() Stats {
	return Stats{
		Epoch:   d.global.Load(),
		Begins:  d.begins.Load(),
		Ends:    d.ends.Load(),
		Freed:   d.freed.Load(),
		Pending: d.Pending(),
	}
}

// Run runs a reclamation pass every period until ctx is done.
func (d *Domain) Run(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Reclaim()
		}
	}
}
