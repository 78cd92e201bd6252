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

// Package fsbridge provides the file interfaces exec consumes, with an
// in-memory implementation and one backed by a host directory.
package fsbridge

import (
	"context"
	"io"
	"path"

	"gvisor.dev/gvisor/pkg/abi/linux"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

// File is an open file that can back demand-paged memory.
type File interface {
	io.ReaderAt

	// Name returns the absolute path the file was opened by.
	Name() string

	// Type returns the file type, e.g. linux.ModeRegular.
	Type() linux.FileMode

	// Size returns the file size in bytes.
	Size() int64

	// IncRef increments reference.
	IncRef()

	// DecRef decrements reference.
	DecRef()
}

// Lookup provides a common interface to open files.
type Lookup interface {
	// OpenPath resolves path relative to cwd and opens it. The returned File
	// holds a reference owned by the caller. A missing file is reported as
	// linuxerr.ENOENT.
	OpenPath(ctx context.Context, cwd, path string) (File, error)
}

// ReadFull reads len(dst) bytes at offset. A read that ends early returns
// io.ErrUnexpectedEOF, or io.EOF if nothing was read.
func ReadFull(f io.ReaderAt, dst []byte, offset int64) (int, error) {
	var total int
	for total < len(dst) {
		n, err := f.ReadAt(dst[total:], offset+int64(total))
		total += n
		if total == len(dst) {
			return total, nil
		}
		if err == io.EOF && total != 0 {
			return total, io.ErrUnexpectedEOF
		} else if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrUnexpectedEOF
		}
	}
	return total, nil
}

// IsRegular returns true if f is a regular file.
func IsRegular(f File) bool {
	return f.Type().FileType() == linux.ModeRegular
}

// absPath resolves p against cwd.
func absPath(cwd, p string) (string, error) {
	if p == "" {
		return "", linuxerr.ENOENT
	}
	if !path.IsAbs(p) {
		if cwd == "" {
			cwd = "/"
		}
		p = path.Join(cwd, p)
	}
	return path.Clean(p), nil
}
