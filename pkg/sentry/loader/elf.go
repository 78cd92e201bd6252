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
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/kexec/pkg/sentry/fsbridge"
)

const (
	// headerSize is the size of an ELF64 file header.
	headerSize = 64

	// progHeaderSize is the size of an ELF64 program header.
	progHeaderSize = 56

	// progTypeOffset is the offset of p_type within a program header.
	progTypeOffset = 0
)

// Header is the part of the ELF file header exec needs.
type Header struct {
	// Entry is the program entry point.
	Entry hostarch.Addr

	// Phoff is the file offset of the program header table.
	Phoff uint64

	// Phnum is the number of program headers.
	Phnum uint16
}

// ProgHeader is one ELF64 program header.
type ProgHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
}

// ReadHeader reads and validates the ELF file header of f.
func ReadHeader(f io.ReaderAt) (Header, error) {
	var buf [headerSize]byte
	if _, err := fsbridge.ReadFull(f, buf[:], 0); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Header{}, fmt.Errorf("%w: file shorter than an ELF header", ErrBadMagic)
		}
		return Header{}, err
	}
	var hdr elf.Header64
	if err := binary.Read(bytes.NewReader(buf[:]), binary.LittleEndian, &hdr); err != nil {
		return Header{}, err
	}
	if !bytes.Equal(hdr.Ident[:len(elf.ELFMAG)], []byte(elf.ELFMAG)) {
		return Header{}, fmt.Errorf("%w: bad magic %x", ErrBadMagic, hdr.Ident[:len(elf.ELFMAG)])
	}
	if c := elf.Class(hdr.Ident[elf.EI_CLASS]); c != elf.ELFCLASS64 {
		log.Infof("Unsupported ELF class: %v", c)
		return Header{}, fmt.Errorf("%w: class %v", ErrBadMagic, c)
	}
	if d := elf.Data(hdr.Ident[elf.EI_DATA]); d != elf.ELFDATA2LSB {
		log.Infof("Unsupported ELF endianness: %v", d)
		return Header{}, fmt.Errorf("%w: data encoding %v", ErrBadMagic, d)
	}
	if hdr.Phnum > 0 && hdr.Phentsize != progHeaderSize {
		log.Infof("ELF phentsize %d != %d", hdr.Phentsize, progHeaderSize)
		return Header{}, fmt.Errorf("%w: phentsize %d", ErrMalformedProgramHeader, hdr.Phentsize)
	}
	return Header{
		Entry: hostarch.Addr(hdr.Entry),
		Phoff: hdr.Phoff,
		Phnum: hdr.Phnum,
	}, nil
}

// ProgHeaderOffset returns the file offset of program header i.
func (h Header) ProgHeaderOffset(i int) (int64, error) {
	off := h.Phoff + uint64(i)*progHeaderSize
	if off < h.Phoff || off > 1<<62 {
		return 0, fmt.Errorf("%w: program header %d offset overflows", ErrMalformedProgramHeader, i)
	}
	return int64(off), nil
}

// ReadProgType reads only the type of the program header at off.
func ReadProgType(f io.ReaderAt, off int64) (elf.ProgType, error) {
	var buf [4]byte
	if _, err := fsbridge.ReadFull(f, buf[:], off+progTypeOffset); err != nil {
		return 0, readProgError(err, off)
	}
	return elf.ProgType(binary.LittleEndian.Uint32(buf[:])), nil
}

// ReadProgHeader reads the program header at off.
func ReadProgHeader(f io.ReaderAt, off int64) (ProgHeader, error) {
	var buf [progHeaderSize]byte
	if _, err := fsbridge.ReadFull(f, buf[:], off); err != nil {
		return ProgHeader{}, readProgError(err, off)
	}
	var ph elf.Prog64
	if err := binary.Read(bytes.NewReader(buf[:]), binary.LittleEndian, &ph); err != nil {
		return ProgHeader{}, err
	}
	return ProgHeader{
		Type:   elf.ProgType(ph.Type),
		Flags:  elf.ProgFlag(ph.Flags),
		Off:    ph.Off,
		Vaddr:  ph.Vaddr,
		Filesz: ph.Filesz,
		Memsz:  ph.Memsz,
	}, nil
}

func readProgError(err error, off int64) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: short read at offset %#x", ErrMalformedProgramHeader, off)
	}
	return err
}
