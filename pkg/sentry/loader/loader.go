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

// Package loader builds the user memory image of an ELF64 executable: its
// PT_LOAD segments, the initial heap and the argument stack.
package loader

import (
	"gvisor.dev/gvisor/pkg/abi/linux/errno"
	"gvisor.dev/gvisor/pkg/errors"
)

// Errors returned by this package.
var (
	// ErrBadMagic is returned for files that are not little-endian ELF64.
	ErrBadMagic = errors.New(errno.ENOEXEC, "not an ELF64 executable")

	// ErrMalformedProgramHeader is returned when a program header cannot be
	// read or does not describe what the caller expected.
	ErrMalformedProgramHeader = errors.New(errno.ENOEXEC, "malformed program header")

	// ErrInvalidSegmentGeometry is returned for segments that cannot be
	// mapped as described.
	ErrInvalidSegmentGeometry = errors.New(errno.ENOEXEC, "invalid segment geometry")

	// ErrTooManyArguments is returned when argv exceeds the argument limit.
	ErrTooManyArguments = errors.New(errno.E2BIG, "argument list too long")

	// ErrStackWriteOutOfRange is returned when the argument block does not
	// fit in the stack region.
	ErrStackWriteOutOfRange = errors.New(errno.EFAULT, "stack write out of range")
)
