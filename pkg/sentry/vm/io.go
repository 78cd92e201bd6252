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

	"gvisor.dev/gvisor/pkg/hostarch"
)

// span is the part of one page touched by a copy.
type span struct {
	page []byte
	off  uint64
	len  uint64
}

// pinLocked materializes every page overlapping ar and returns the touched
// part of each, in address order. It fails without side effects visible to
// the caller if any byte of ar is unmapped.
//
// +checklocks:v.mu
func (v *Vmap) pinLocked(ar hostarch.AddrRange) ([]span, error) {
	var spans []span
	for addr := ar.Start; addr < ar.End; {
		r, ok := v.lookupLocked(addr)
		if !ok {
			return nil, fmt.Errorf("%w: %#x is not mapped in %v", ErrOutOfRange, addr, v)
		}
		end := min(r.end(), ar.End)
		for addr < end {
			rel := uint64(addr - r.start)
			pgno := rel >> hostarch.PageShift
			off := rel & (hostarch.PageSize - 1)
			n := min(uint64(hostarch.PageSize)-off, uint64(end-addr))
			p, err := r.node.page(pgno)
			if err != nil {
				return nil, err
			}
			spans = append(spans, span{page: p, off: off, len: n})
			addr += hostarch.Addr(n)
		}
	}
	return spans, nil
}

func (v *Vmap) toRange(addr hostarch.Addr, length int) (hostarch.AddrRange, error) {
	ar, ok := addr.ToRange(uint64(length))
	if !ok || ar.End > v.opts.UserTop {
		return hostarch.AddrRange{}, fmt.Errorf("%w: [%#x, +%#x) outside user range", ErrOutOfRange, addr, length)
	}
	return ar, nil
}

// CopyOut copies src into v at addr. Either all of src is written or, if any
// destination byte is unmapped, nothing is.
func (v *Vmap) CopyOut(addr hostarch.Addr, src []byte) error {
	return v.copyOut(nil, addr, src)
}

// CopyOutRange is CopyOut restricted to destinations within bound.
func (v *Vmap) CopyOutRange(bound hostarch.AddrRange, addr hostarch.Addr, src []byte) error {
	return v.copyOut(&bound, addr, src)
}

func (v *Vmap) copyOut(bound *hostarch.AddrRange, addr hostarch.Addr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	ar, err := v.toRange(addr, len(src))
	if err != nil {
		return err
	}
	if bound != nil && !bound.IsSupersetOf(ar) {
		return fmt.Errorf("%w: %v not within %v", ErrOutOfRange, ar, *bound)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	spans, err := v.pinLocked(ar)
	if err != nil {
		return err
	}
	for _, s := range spans {
		copy(s.page[s.off:s.off+s.len], src)
		src = src[s.len:]
	}
	return nil
}

// CopyIn copies len(dst) bytes from v at addr into dst, faulting in pages as
// needed.
func (v *Vmap) CopyIn(addr hostarch.Addr, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	ar, err := v.toRange(addr, len(dst))
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	spans, err := v.pinLocked(ar)
	if err != nil {
		return err
	}
	for _, s := range spans {
		copy(dst, s.page[s.off:s.off+s.len])
		dst = dst[s.len:]
	}
	return nil
}

// LoadByte returns the byte at addr, as a load from user mode would observe
// it.
func (v *Vmap) LoadByte(addr hostarch.Addr) (byte, error) {
	var b [1]byte
	if err := v.CopyIn(addr, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
