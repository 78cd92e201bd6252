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

package vm

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/kexec/pkg/kref"
)

// btreeDegree is the degree of the region index.
const btreeDegree = 8

// generations numbers Vmaps for diagnostics.
var generations atomicbitops.Uint64

// region is an entry of a Vmap's region index.
type region struct {
	start hostarch.Addr
	node  *Node
}

func (r region) end() hostarch.Addr {
	return r.start + hostarch.Addr(r.node.Length())
}

func (r region) addrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.start, End: r.end()}
}

func regionLess(a, b region) bool {
	return a.start < b.start
}

// Options configures a new Vmap.
type Options struct {
	// Allocator accounts the pages of the Vmap's regions.
	Allocator *Allocator

	// UserTop is the exclusive upper bound of user addresses.
	UserTop hostarch.Addr

	// Retire, if set, defers destruction of the Vmap's regions once its last
	// reference is dropped, so that lock-free readers still traversing it
	// are not freed out from under. If nil, regions are destroyed inline.
	Retire func(func())
}

// Vmap is an address space: an ordered set of non-overlapping regions and a
// break pointer.
//
// Only the owning process mutates the region set. Other readers may traverse
// it concurrently as long as they hold a reference or are protected by the
// Retire mechanism.
type Vmap struct {
	kref.Refs[Vmap]

	opts Options
	gen  uint64

	mu sync.Mutex

	// regions is keyed by start address.
	//
	// +checklocks:mu
	regions *btree.BTreeG[region]

	// +checklocks:mu
	brk hostarch.Addr

	destroyed atomicbitops.Bool
}

// New returns an empty Vmap holding one reference.
func New(opts Options) *Vmap {
	if opts.Allocator == nil {
		panic("vm.New without an allocator")
	}
	if !opts.UserTop.IsPageAligned() || opts.UserTop == 0 {
		panic(fmt.Sprintf("vm.New with invalid user top %#x", opts.UserTop))
	}
	v := &Vmap{
		opts:    opts,
		gen:     generations.Add(1),
		regions: btree.NewG(btreeDegree, regionLess),
	}
	v.InitRefs()
	return v
}

// Generation returns v's unique generation number.
func (v *Vmap) Generation() uint64 {
	return v.gen
}

// Allocator returns the allocator v's regions are charged to.
func (v *Vmap) Allocator() *Allocator {
	return v.opts.Allocator
}

// UserTop returns the exclusive upper bound of v's addresses.
func (v *Vmap) UserTop() hostarch.Addr {
	return v.opts.UserTop
}

// String implements fmt.Stringer.
func (v *Vmap) String() string {
	return fmt.Sprintf("vmap#%d", v.gen)
}

// DecRef drops a reference on v. The last reference destroys every region.
func (v *Vmap) DecRef() {
	v.Refs.DecRef(func() {
		if v.opts.Retire != nil {
			v.opts.Retire(v.destroy)
		} else {
			v.destroy()
		}
	})
}

// Destroyed returns true once v's regions have been released.
func (v *Vmap) Destroyed() bool {
	return v.destroyed.Load()
}

func (v *Vmap) destroy() {
	if v.destroyed.Swap(true) {
		panic(fmt.Sprintf("%v destroyed twice", v))
	}
	v.mu.Lock()
	var nodes []*Node
	v.regions.Ascend(func(r region) bool {
		nodes = append(nodes, r.node)
		return true
	})
	v.regions.Clear(false)
	v.mu.Unlock()

	for _, n := range nodes {
		n.destroy()
	}
	log.Debugf("%v: destroyed %d regions", v, len(nodes))
}

// Insert maps n at start. On success v owns n; on failure the caller still
// owns n and must destroy it.
func (v *Vmap) Insert(n *Node, start hostarch.Addr) error {
	if !start.IsPageAligned() {
		return fmt.Errorf("%w: start %#x is not page aligned", ErrRegionConflict, start)
	}
	ar, ok := start.ToRange(n.Length())
	if !ok || ar.End > v.opts.UserTop {
		return fmt.Errorf("%w: [%#x, +%#x) outside user range [0, %#x)", ErrRegionConflict, start, n.Length(), v.opts.UserTop)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed.Load() {
		panic(fmt.Sprintf("insert into destroyed %v", v))
	}
	if prev, ok := v.lastBeforeLocked(ar.End); ok && prev.end() > ar.Start {
		return fmt.Errorf("%w: %v overlaps %v", ErrRegionConflict, ar, prev.addrRange())
	}
	v.regions.ReplaceOrInsert(region{start: start, node: n})
	log.Debugf("%v: inserted %v region %v", v, n.kind, ar)
	return nil
}

// lastBeforeLocked returns the region with the greatest start address below
// addr. Since regions don't overlap, it is the only region that can contain
// addresses just below addr.
//
// +checklocks:v.mu
func (v *Vmap) lastBeforeLocked(addr hostarch.Addr) (region, bool) {
	if addr == 0 {
		return region{}, false
	}
	var found region
	ok := false
	v.regions.DescendLessOrEqual(region{start: addr - 1}, func(r region) bool {
		found, ok = r, true
		return false
	})
	return found, ok
}

// lookupLocked returns the region containing addr.
//
// +checklocks:v.mu
func (v *Vmap) lookupLocked(addr hostarch.Addr) (region, bool) {
	r, ok := v.lastBeforeLocked(addr + 1)
	if !ok || addr >= r.end() {
		return region{}, false
	}
	return r, true
}

// Brk returns v's break pointer.
func (v *Vmap) Brk() hostarch.Addr {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.brk
}

// SetBrk sets v's break pointer.
func (v *Vmap) SetBrk(addr hostarch.Addr) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.brk = addr
}

// RegionInfo describes one region of a Vmap.
type RegionInfo struct {
	Range  hostarch.AddrRange
	Kind   Kind
	Offset int64
	Backed uint64
}

// String implements fmt.Stringer.
func (ri RegionInfo) String() string {
	if ri.Kind == OnDemand {
		return fmt.Sprintf("%#x-%#x %v off=%#x backed=%#x", ri.Range.Start, ri.Range.End, ri.Kind, ri.Offset, ri.Backed)
	}
	return fmt.Sprintf("%#x-%#x %v", ri.Range.Start, ri.Range.End, ri.Kind)
}

// Regions returns a snapshot of v's regions in address order.
func (v *Vmap) Regions() []RegionInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	infos := make([]RegionInfo, 0, v.regions.Len())
	v.regions.Ascend(func(r region) bool {
		infos = append(infos, RegionInfo{
			Range:  r.addrRange(),
			Kind:   r.node.kind,
			Offset: r.node.offset,
			Backed: r.node.backed,
		})
		return true
	})
	return infos
}

// Len returns the number of regions in v.
func (v *Vmap) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.regions.Len()
}
