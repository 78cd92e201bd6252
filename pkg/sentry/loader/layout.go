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

package loader

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
)

const (
	// DefaultUserTop is the exclusive upper bound of user addresses.
	DefaultUserTop hostarch.Addr = 0x800000000000

	// DefaultStackPages is the size of the initial stack.
	DefaultStackPages = 8

	// DefaultHeapPages is the size of the initial heap.
	DefaultHeapPages = 32

	// MaxArgsLimit bounds the argument pointer array built on the stack.
	MaxArgsLimit = 32

	// brkSlack is how far past the heap base the initial break sits, so that
	// brk-1 falls inside the heap region.
	brkSlack = 8
)

// Layout is the fixed user address space layout new images are built with.
type Layout struct {
	// UserTop is the exclusive upper bound of user addresses. The stack ends
	// here and the heap starts at UserTop/2.
	UserTop hostarch.Addr

	// StackPages is the number of pages of the initial stack.
	StackPages uint64

	// HeapPages is the number of pages of the initial heap.
	HeapPages uint64

	// MaxArgs is the maximum argument count, at most MaxArgsLimit.
	MaxArgs int
}

// DefaultLayout returns the default Layout.
func DefaultLayout() Layout {
	return Layout{
		UserTop:    DefaultUserTop,
		StackPages: DefaultStackPages,
		HeapPages:  DefaultHeapPages,
		MaxArgs:    MaxArgsLimit,
	}
}

// HeapBase returns the fixed heap address.
func (l Layout) HeapBase() hostarch.Addr {
	return l.UserTop / 2
}

// HeapRange returns the initial heap region.
func (l Layout) HeapRange() hostarch.AddrRange {
	base := l.HeapBase()
	return hostarch.AddrRange{Start: base, End: base + hostarch.Addr(l.HeapPages<<hostarch.PageShift)}
}

// StackRange returns the initial stack region.
func (l Layout) StackRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: l.UserTop - hostarch.Addr(l.StackPages<<hostarch.PageShift), End: l.UserTop}
}

// Validate checks that l describes a usable layout.
func (l Layout) Validate() error {
	if l.UserTop == 0 || !l.UserTop.IsPageAligned() || !l.HeapBase().IsPageAligned() {
		return fmt.Errorf("user top %#x must be a non-zero multiple of two pages", l.UserTop)
	}
	if l.StackPages == 0 || l.HeapPages == 0 {
		return fmt.Errorf("stack (%d) and heap (%d) need at least one page each", l.StackPages, l.HeapPages)
	}
	if l.MaxArgs < 0 || l.MaxArgs > MaxArgsLimit {
		return fmt.Errorf("max args %d outside [0, %d]", l.MaxArgs, MaxArgsLimit)
	}
	heap, stack := l.HeapRange(), l.StackRange()
	if stack.Start > l.UserTop || heap.End > stack.Start || heap.End < heap.Start {
		return fmt.Errorf("heap %v and stack %v do not fit below %#x", heap, stack, l.UserTop)
	}
	return nil
}
