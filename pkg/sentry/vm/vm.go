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

// Package vm implements user address spaces: page-aligned memory regions
// backed either on demand by a file or by zero-filled anonymous memory, the
// ordered region set that forms one address space, and the page-table image
// bound to it.
package vm

import (
	"io"

	"gvisor.dev/gvisor/pkg/abi/linux/errno"
	"gvisor.dev/gvisor/pkg/errors"
)

// Errors returned by this package.
var (
	// ErrNoMemory is returned when the page budget cannot cover a new region.
	ErrNoMemory = errors.New(errno.ENOMEM, "cannot allocate memory for region")

	// ErrRegionConflict is returned when a region cannot be inserted at the
	// requested address.
	ErrRegionConflict = errors.New(errno.ENOMEM, "region conflicts with existing mapping")

	// ErrOutOfRange is returned by copies touching unmapped or disallowed
	// addresses.
	ErrOutOfRange = errors.New(errno.EFAULT, "address out of range")

	// ErrShortFile is returned when a demand-paged region cannot be filled
	// because its file is shorter than the region's backed length.
	ErrShortFile = errors.New(errno.EIO, "file shorter than backed region")
)

// File is the backing store of a demand-paged region. A region holds a
// reference on its file for its whole lifetime.
type File interface {
	io.ReaderAt

	// IncRef increments the file's reference count.
	IncRef()

	// DecRef decrements the file's reference count.
	DecRef()
}
