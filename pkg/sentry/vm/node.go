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
	"io"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"
)

// Kind is the backing policy of a region.
type Kind int

const (
	// Anon regions read as zero until written.
	Anon Kind = iota

	// OnDemand regions are populated from a file on first access.
	OnDemand
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Anon:
		return "anon"
	case OnDemand:
		return "ondemand"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Node is one contiguous, page-aligned memory region and its backing. A Node
// is owned by at most one Vmap; once inserted it is destroyed with the Vmap.
type Node struct {
	alloc  *Allocator
	npages uint64
	kind   Kind

	// file, offset and backed describe the file extent behind an OnDemand
	// node. Bytes at or past backed read as zero. Immutable.
	file   File
	offset int64
	backed uint64

	mu sync.Mutex

	// pages holds materialized pages, indexed by page number within the
	// node.
	//
	// +checklocks:mu
	pages map[uint64][]byte

	destroyed atomicbitops.Bool
}

// NewAnonNode returns a zero-filled node of npages pages.
func NewAnonNode(a *Allocator, npages uint64) (*Node, error) {
	return newNode(a, npages, Anon, nil, 0, 0)
}

// NewFileNode returns a node of npages pages whose first backed bytes are
// read on demand from f starting at offset. It takes a reference on f.
func NewFileNode(a *Allocator, npages uint64, f File, offset int64, backed uint64) (*Node, error) {
	if f == nil {
		panic("NewFileNode without a file")
	}
	return newNode(a, npages, OnDemand, f, offset, backed)
}

func newNode(a *Allocator, npages uint64, kind Kind, f File, offset int64, backed uint64) (*Node, error) {
	if npages == 0 {
		panic("vm: zero-length node")
	}
	if npages > (^uint64(0))>>hostarch.PageShift {
		return nil, ErrNoMemory
	}
	if backed > npages<<hostarch.PageShift {
		panic(fmt.Sprintf("vm: backed length %#x exceeds %d pages", backed, npages))
	}
	if offset < 0 {
		panic(fmt.Sprintf("vm: negative file offset %d", offset))
	}
	if !a.charge(npages) {
		return nil, ErrNoMemory
	}
	if f != nil {
		f.IncRef()
	}
	return &Node{
		alloc:  a,
		npages: npages,
		kind:   kind,
		file:   f,
		offset: offset,
		backed: backed,
		pages:  make(map[uint64][]byte),
	}, nil
}

// Pages returns the number of pages spanned by n.
func (n *Node) Pages() uint64 {
	return n.npages
}

// Length returns the number of bytes spanned by n.
func (n *Node) Length() uint64 {
	return n.npages << hostarch.PageShift
}

// Kind returns n's backing policy.
func (n *Node) Kind() Kind {
	return n.kind
}

// Offset returns the file offset backing n's first byte.
func (n *Node) Offset() int64 {
	return n.offset
}

// Backed returns the number of bytes of n backed by its file.
func (n *Node) Backed() uint64 {
	return n.backed
}

// page returns the materialized page pgno, filling it on first access.
func (n *Node) page(pgno uint64) ([]byte, error) {
	if pgno >= n.npages {
		panic(fmt.Sprintf("page %d out of node of %d pages", pgno, n.npages))
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.pages[pgno]; ok {
		return p, nil
	}
	p := make([]byte, hostarch.PageSize)
	if n.kind == OnDemand {
		if err := n.fill(pgno, p); err != nil {
			return nil, err
		}
	}
	n.pages[pgno] = p
	n.alloc.resident.Add(1)
	return p, nil
}

// fill reads the file-backed part of page pgno into p.
func (n *Node) fill(pgno uint64, p []byte) error {
	start := pgno << hostarch.PageShift
	if start >= n.backed {
		return nil
	}
	want := min(n.backed-start, uint64(len(p)))
	got, err := n.file.ReadAt(p[:want], n.offset+int64(start))
	if uint64(got) == want {
		return nil
	}
	if err == nil || err == io.EOF {
		return fmt.Errorf("%w: read %d of %d bytes at offset %d", ErrShortFile, got, want, n.offset+int64(start))
	}
	return err
}

// destroy releases n's pages, its budget and its file reference. It must be
// called exactly once.
func (n *Node) destroy() {
	if n.destroyed.Swap(true) {
		panic("vm: node destroyed twice")
	}
	n.mu.Lock()
	resident := len(n.pages)
	n.pages = nil
	n.mu.Unlock()
	n.alloc.resident.Add(int64(-resident))
	n.alloc.uncharge(n.npages)
	if n.file != nil {
		n.file.DecRef()
	}
}

// Destroy releases a node that was never inserted into a Vmap.
func (n *Node) Destroy() {
	n.destroy()
}
