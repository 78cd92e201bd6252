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
	"encoding/binary"
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/kexec/pkg/sentry/vm"
)

// wordSize is the size of argc and of each argv pointer.
const wordSize = 8

// CheckArgs returns ErrTooManyArguments if argv does not fit l.
func CheckArgs(l Layout, argv []string) error {
	if len(argv) > l.MaxArgs {
		return fmt.Errorf("%w: %d arguments, limit %d", ErrTooManyArguments, len(argv), l.MaxArgs)
	}
	return nil
}

// BuildStack maps the initial stack at the top of v and writes argv onto it.
// It returns the initial stack pointer.
//
// The stack, from the returned pointer upwards, holds:
//
//	u64 argc
//	char *argv[argc+1]	(NULL terminated)
//	argv[0] ... argv[argc-1]	(NUL terminated, 8-byte aligned starts)
//
// Every write is bounded to the stack region; an argument block that does
// not fit fails with ErrStackWriteOutOfRange.
func BuildStack(v *vm.Vmap, l Layout, argv []string) (hostarch.Addr, error) {
	if err := CheckArgs(l, argv); err != nil {
		return 0, err
	}
	// The pointer array has fixed capacity; it never grows.
	var argstck [MaxArgsLimit + 1]uint64
	if len(argv)+1 > len(argstck) {
		return 0, fmt.Errorf("%w: %d arguments, capacity %d", ErrTooManyArguments, len(argv), MaxArgsLimit)
	}

	stack := l.StackRange()
	n, err := vm.NewAnonNode(v.Allocator(), l.StackPages)
	if err != nil {
		return 0, err
	}
	if err := v.Insert(n, stack.Start); err != nil {
		n.Destroy()
		return 0, err
	}

	// Strings, last argument highest.
	sp := uint64(stack.End)
	for i := len(argv) - 1; i >= 0; i-- {
		size := uint64(len(argv[i])) + 1
		if size > sp-uint64(stack.Start) {
			return 0, fmt.Errorf("%w: argument %d (%d bytes) does not fit", ErrStackWriteOutOfRange, i, size)
		}
		sp = (sp - size) &^ (wordSize - 1)
		buf := make([]byte, size)
		copy(buf, argv[i])
		if err := copyOut(v, stack, sp, buf); err != nil {
			return 0, err
		}
		argstck[i] = sp
	}
	argstck[len(argv)] = 0

	// Pointer array, then argc.
	words := len(argv) + 2
	if uint64(words*wordSize) > sp-uint64(stack.Start) {
		return 0, fmt.Errorf("%w: %d argument pointers do not fit", ErrStackWriteOutOfRange, len(argv))
	}
	block := make([]byte, words*wordSize)
	binary.LittleEndian.PutUint64(block, uint64(len(argv)))
	for i := 0; i <= len(argv); i++ {
		binary.LittleEndian.PutUint64(block[(i+1)*wordSize:], argstck[i])
	}
	sp -= uint64(len(block))
	if err := copyOut(v, stack, sp, block); err != nil {
		return 0, err
	}
	return hostarch.Addr(sp), nil
}

func copyOut(v *vm.Vmap, stack hostarch.AddrRange, addr uint64, b []byte) error {
	if err := v.CopyOutRange(stack, hostarch.Addr(addr), b); err != nil {
		return fmt.Errorf("%w: %w", ErrStackWriteOutOfRange, err)
	}
	return nil
}

// ReadArgs decodes the argument block at sp, as the program started by exec
// would see it.
func ReadArgs(v *vm.Vmap, sp hostarch.Addr) ([]string, error) {
	var word [wordSize]byte
	readWord := func(addr hostarch.Addr) (uint64, error) {
		if err := v.CopyIn(addr, word[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(word[:]), nil
	}
	argc, err := readWord(sp)
	if err != nil {
		return nil, err
	}
	if argc > MaxArgsLimit {
		return nil, fmt.Errorf("%w: argc %d", ErrTooManyArguments, argc)
	}
	args := make([]string, 0, argc)
	for i := uint64(0); i <= argc; i++ {
		ptr, err := readWord(sp + hostarch.Addr((i+1)*wordSize))
		if err != nil {
			return nil, err
		}
		if i == argc {
			if ptr != 0 {
				return nil, fmt.Errorf("argv[%d] = %#x, want NULL", i, ptr)
			}
			break
		}
		s, err := readString(v, hostarch.Addr(ptr))
		if err != nil {
			return nil, fmt.Errorf("argv[%d]: %w", i, err)
		}
		args = append(args, s)
	}
	return args, nil
}

func readString(v *vm.Vmap, addr hostarch.Addr) (string, error) {
	var b []byte
	for {
		c, err := v.LoadByte(addr)
		if err != nil {
			return "", err
		}
		if c == 0 {
			return string(b), nil
		}
		b = append(b, c)
		addr++
	}
}
