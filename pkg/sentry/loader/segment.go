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
	"debug/elf"
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/kexec/pkg/sentry/vm"
)

// segmentGeometry is the page-level layout of one PT_LOAD segment.
type segmentGeometry struct {
	// start is the page containing the segment's first byte.
	start hostarch.Addr

	// backedEnd is the end of the last page holding file data.
	backedEnd hostarch.Addr

	// end is the end of the last page of the segment.
	end hostarch.Addr

	// fileOff is the file offset mapped at start.
	fileOff int64

	// fileLen is the number of bytes from fileOff that are file data.
	fileLen uint64
}

// geometry validates ph and computes its layout below userTop.
func geometry(ph ProgHeader, userTop hostarch.Addr) (segmentGeometry, error) {
	if ph.Memsz < ph.Filesz {
		log.Warningf("PT_LOAD segment memsz %#x < filesz %#x", ph.Memsz, ph.Filesz)
		return segmentGeometry{}, fmt.Errorf("%w: memsz %#x < filesz %#x", ErrInvalidSegmentGeometry, ph.Memsz, ph.Filesz)
	}
	vaddr := hostarch.Addr(ph.Vaddr)
	// The file page must line up with the memory page so that mapping the
	// file directly at the page yields the right contents.
	if ph.Off&(hostarch.PageSize-1) != vaddr.PageOffset() {
		log.Warningf("PT_LOAD segment offset %#x and vaddr %#x differ in page offset", ph.Off, ph.Vaddr)
		return segmentGeometry{}, fmt.Errorf("%w: offset %#x misaligned with vaddr %#x", ErrInvalidSegmentGeometry, ph.Off, ph.Vaddr)
	}
	if ph.Off > 1<<62 {
		return segmentGeometry{}, fmt.Errorf("%w: offset %#x too large", ErrInvalidSegmentGeometry, ph.Off)
	}

	fileEnd, ok := vaddr.AddLength(ph.Filesz)
	if !ok {
		return segmentGeometry{}, fmt.Errorf("%w: vaddr %#x + filesz %#x overflows", ErrInvalidSegmentGeometry, ph.Vaddr, ph.Filesz)
	}
	memEnd, ok := vaddr.AddLength(ph.Memsz)
	if !ok {
		return segmentGeometry{}, fmt.Errorf("%w: vaddr %#x + memsz %#x overflows", ErrInvalidSegmentGeometry, ph.Vaddr, ph.Memsz)
	}
	backedEnd, ok := fileEnd.RoundUp()
	if !ok {
		return segmentGeometry{}, fmt.Errorf("%w: segment end %#x overflows", ErrInvalidSegmentGeometry, fileEnd)
	}
	end, ok := memEnd.RoundUp()
	if !ok || end > userTop {
		log.Warningf("PT_LOAD segment [%#x, %#x) extends past user top %#x", ph.Vaddr, memEnd, userTop)
		return segmentGeometry{}, fmt.Errorf("%w: segment end %#x past user top %#x", ErrInvalidSegmentGeometry, memEnd, userTop)
	}

	return segmentGeometry{
		start:     vaddr.RoundDown(),
		backedEnd: backedEnd,
		end:       end,
		fileOff:   int64(ph.Off - vaddr.PageOffset()),
		fileLen:   ph.Filesz + vaddr.PageOffset(),
	}, nil
}

// LoadSegment reads the PT_LOAD program header at off in f and maps it into
// v: the file-backed pages as one demand-paged region and any zero-filled
// tail as a separate anonymous region, so that the file region never extends
// past the segment's data in the file.
//
// On failure, regions already inserted by this call remain in v; the caller
// discards v.
func LoadSegment(f vm.File, v *vm.Vmap, off int64) error {
	ph, err := ReadProgHeader(f, off)
	if err != nil {
		return err
	}
	if ph.Type != elf.PT_LOAD {
		return fmt.Errorf("%w: type %v at offset %#x is not PT_LOAD", ErrMalformedProgramHeader, ph.Type, off)
	}
	g, err := geometry(ph, v.UserTop())
	if err != nil {
		return err
	}

	// Part represented in the file. This may be empty.
	if g.start != g.backedEnd {
		npages := uint64(g.backedEnd-g.start) >> hostarch.PageShift
		n, err := vm.NewFileNode(v.Allocator(), npages, f, g.fileOff, g.fileLen)
		if err != nil {
			return err
		}
		if err := v.Insert(n, g.start); err != nil {
			n.Destroy()
			return err
		}
	}

	// Zero-filled part omitted from the file.
	if g.end != g.backedEnd {
		npages := uint64(g.end-g.backedEnd) >> hostarch.PageShift
		n, err := vm.NewAnonNode(v.Allocator(), npages)
		if err != nil {
			return err
		}
		if err := v.Insert(n, g.backedEnd); err != nil {
			n.Destroy()
			return err
		}
	}
	return nil
}
