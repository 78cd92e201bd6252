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

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/kexec/pkg/kref"
)

// PageMap is the page-table image of one Vmap generation: the structure a
// core loads to make that address space live. A PageMap holds a reference on
// its Vmap and is reference counted in the same way.
type PageMap struct {
	kref.Refs[PageMap]

	vmap *Vmap

	// loads counts the cores this PageMap has been activated on.
	loads atomicbitops.Uint64

	destroyed atomicbitops.Bool
}

// NewPageMap returns a PageMap bound to v, holding one reference. It takes a
// reference on v.
func NewPageMap(v *Vmap) *PageMap {
	v.IncRef()
	pm := &PageMap{vmap: v}
	pm.InitRefs()
	return pm
}

// Vmap returns the address space pm is bound to.
func (pm *PageMap) Vmap() *Vmap {
	return pm.vmap
}

// String implements fmt.Stringer.
func (pm *PageMap) String() string {
	return fmt.Sprintf("pgmap(%v)", pm.vmap)
}

// Loaded records that pm was made live on a core.
func (pm *PageMap) Loaded() {
	pm.loads.Add(1)
}

// Loads returns how many times pm was made live.
func (pm *PageMap) Loads() uint64 {
	return pm.loads.Load()
}

// Destroyed returns true once pm has been released.
func (pm *PageMap) Destroyed() bool {
	return pm.destroyed.Load()
}

// DecRef drops a reference on pm. The last reference releases pm's
// reference on its Vmap.
func (pm *PageMap) DecRef() {
	pm.Refs.DecRef(func() {
		if pm.destroyed.Swap(true) {
			panic(fmt.Sprintf("%v destroyed twice", pm))
		}
		pm.vmap.DecRef()
	})
}
