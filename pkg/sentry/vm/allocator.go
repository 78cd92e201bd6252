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
)

// Allocator accounts the pages committed to regions. Each region charges its
// full page count when it is created and uncharges it when destroyed, so an
// allocation failure is reported up front rather than at fault time.
type Allocator struct {
	// limit is the maximum number of committed pages; zero means no limit.
	limit uint64

	used  atomicbitops.Uint64
	nodes atomicbitops.Int64

	// resident counts pages actually materialized by faults.
	resident atomicbitops.Int64
}

// NewAllocator returns an Allocator allowing at most limit committed pages,
// or any number if limit is zero.
func NewAllocator(limit uint64) *Allocator {
	return &Allocator{limit: limit}
}

func (a *Allocator) charge(pages uint64) bool {
	for {
		used := a.used.Load()
		next := used + pages
		if next < used || (a.limit != 0 && next > a.limit) {
			return false
		}
		if a.used.CompareAndSwap(used, next) {
			a.nodes.Add(1)
			return true
		}
	}
}

func (a *Allocator) uncharge(pages uint64) {
	for {
		used := a.used.Load()
		if pages > used {
			panic(fmt.Sprintf("uncharging %d pages with only %d committed", pages, used))
		}
		if a.used.CompareAndSwap(used, used-pages) {
			a.nodes.Add(-1)
			return
		}
	}
}

// Committed returns the number of pages committed to live regions.
func (a *Allocator) Committed() uint64 {
	return a.used.Load()
}

// LiveRegions returns the number of live regions.
func (a *Allocator) LiveRegions() int64 {
	return a.nodes.Load()
}

// Resident returns the number of materialized pages of live regions.
func (a *Allocator) Resident() int64 {
	return a.resident.Load()
}
