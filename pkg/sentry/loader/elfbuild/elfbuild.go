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

// Package elfbuild assembles minimal little-endian ELF64 executables in
// memory, for tests and for driving exec without a toolchain.
package elfbuild

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	headerSize     = 64
	progHeaderSize = 56
)

// Segment is one program header and the file contents it covers.
type Segment struct {
	Type  elf.ProgType
	Flags elf.ProgFlag
	Vaddr uint64

	// Data is placed in the file at an offset congruent to Vaddr modulo the
	// page size, unless Off is set.
	Data []byte

	// Memsz defaults to len(Data).
	Memsz uint64

	// Off, if non-zero, overrides the computed file offset.
	Off uint64

	// Filesz, if non-zero, overrides len(Data) in the program header.
	Filesz uint64
}

// Builder describes an executable.
type Builder struct {
	Entry    uint64
	Segments []Segment

	// PageSize aligns segment data; it defaults to 4096.
	PageSize uint64
}

// Build returns the executable image.
func (b *Builder) Build() []byte {
	pageSize := b.PageSize
	if pageSize == 0 {
		pageSize = 4096
	}

	// Lay out the data of each segment after the header tables.
	phoff := uint64(headerSize)
	cur := phoff + uint64(len(b.Segments))*progHeaderSize
	offs := make([]uint64, len(b.Segments))
	for i, s := range b.Segments {
		if s.Off != 0 {
			offs[i] = s.Off
			continue
		}
		if len(s.Data) == 0 {
			offs[i] = s.Vaddr % pageSize
			continue
		}
		want := s.Vaddr % pageSize
		off := cur - cur%pageSize + want
		if off < cur {
			off += pageSize
		}
		offs[i] = off
		cur = off + uint64(len(s.Data))
	}

	size := cur
	for i, s := range b.Segments {
		if end := offs[i] + uint64(len(s.Data)); end > size {
			size = end
		}
	}
	img := make([]byte, size)

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     b.Entry,
		Phoff:     phoff,
		Ehsize:    headerSize,
		Phentsize: progHeaderSize,
		Phnum:     uint16(len(b.Segments)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	put(img[:headerSize], &hdr)

	for i, s := range b.Segments {
		filesz := uint64(len(s.Data))
		if s.Filesz != 0 {
			filesz = s.Filesz
		}
		memsz := s.Memsz
		if memsz == 0 {
			memsz = filesz
		}
		ph := elf.Prog64{
			Type:   uint32(s.Type),
			Flags:  uint32(s.Flags),
			Off:    offs[i],
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: filesz,
			Memsz:  memsz,
			Align:  pageSize,
		}
		at := phoff + uint64(i)*progHeaderSize
		put(img[at:at+progHeaderSize], &ph)
		copy(img[offs[i]:], s.Data)
	}
	return img
}

func put(dst []byte, v any) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic(fmt.Sprintf("encoding %T: %v", v, err))
	}
	copy(dst, buf.Bytes())
}

// Simple returns an executable with a text segment at 0x401000, a note and a
// data segment with a zero-filled tail. It enters at the start of the text.
func Simple() []byte {
	b := Builder{
		Entry: 0x401000,
		Segments: []Segment{
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0x401000, Data: bytes.Repeat([]byte{0x90}, 0x1234)},
			{Type: elf.PT_NOTE, Flags: elf.PF_R, Vaddr: 0x400200, Data: []byte("note")},
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Vaddr: 0x603e10, Data: bytes.Repeat([]byte{0xd0}, 0x300), Memsz: 0x2400},
		},
	}
	return b.Build()
}
