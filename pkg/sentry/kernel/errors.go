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

package kernel

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/abi/linux/errno"
	"gvisor.dev/gvisor/pkg/errors"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/kexec/pkg/sentry/loader"
	"gvisor.dev/kexec/pkg/sentry/vm"
)

// Errors returned by Exec. Each carries the errno reported at the syscall
// boundary.
var (
	ErrPathNotFound    = errors.New(errno.ENOENT, "executable not found")
	ErrNotARegularFile = errors.New(errno.EACCES, "not a regular file")
	ErrWorkerActive    = errors.New(errno.EBUSY, "process has an active async worker")
	ErrProcessExited   = errors.New(errno.ESRCH, "process has exited")

	ErrBadMagic               = loader.ErrBadMagic
	ErrMalformedProgramHeader = loader.ErrMalformedProgramHeader
	ErrInvalidSegmentGeometry = loader.ErrInvalidSegmentGeometry
	ErrTooManyArguments       = loader.ErrTooManyArguments
	ErrStackWriteOutOfRange   = loader.ErrStackWriteOutOfRange
	ErrNoMemory               = vm.ErrNoMemory
	ErrRegionConflict         = vm.ErrRegionConflict
)

// Errno returns the errno userspace observes for err. Errors that carry no
// errno are reported as EIO.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return linuxerr.ToUnix(e)
	}
	var en unix.Errno
	if goerrors.As(err, &en) {
		return en
	}
	return unix.EIO
}
