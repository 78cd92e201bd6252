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

//go:build linux
// +build linux

package fsbridge

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/abi/linux"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/kexec/pkg/kref"
)

// HostFS serves files from a directory of the host. Paths are resolved
// lexically beneath the root; ".." cannot escape it.
type HostFS struct {
	root string
}

var _ Lookup = (*HostFS)(nil)

// NewHostFS returns a HostFS rooted at the host directory root.
func NewHostFS(root string) (*HostFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Stat(abs, &st); err != nil {
		return nil, fmt.Errorf("stat %q: %w", abs, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, fmt.Errorf("%q is not a directory", abs)
	}
	return &HostFS{root: abs}, nil
}

// OpenPath implements Lookup.
func (h *HostFS) OpenPath(ctx context.Context, cwd, p string) (File, error) {
	name, err := absPath(cwd, p)
	if err != nil {
		return nil, err
	}
	hostPath := filepath.Join(h.root, filepath.FromSlash(path.Clean(name)))
	fd, err := unix.Open(hostPath, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, hostError(err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, err
	}
	f := &hostFile{
		name: name,
		fd:   fd,
		mode: linux.FileMode(st.Mode),
		size: st.Size,
	}
	f.InitRefs()
	log.Debugf("hostfs: opened %q as fd %d (mode %v, %d bytes)", hostPath, fd, f.mode, f.size)
	return f, nil
}

// hostError translates a host errno into the matching linuxerr value.
func hostError(err error) error {
	if errno, ok := err.(unix.Errno); ok {
		return linuxerr.ErrorFromUnix(errno)
	}
	return err
}

// hostFile is a File over a host file descriptor, closed with its last
// reference.
type hostFile struct {
	kref.Refs[hostFile]

	name string
	fd   int
	mode linux.FileMode
	size int64
}

// ReadAt implements io.ReaderAt.
func (f *hostFile) ReadAt(dst []byte, off int64) (int, error) {
	var total int
	for total < len(dst) {
		n, err := unix.Pread(f.fd, dst[total:], off+int64(total))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, hostError(err)
		}
		if n == 0 {
			return total, io.EOF
		}
		total += n
	}
	return total, nil
}

// Name implements File.Name.
func (f *hostFile) Name() string {
	return f.name
}

// Type implements File.Type.
func (f *hostFile) Type() linux.FileMode {
	return f.mode.FileType()
}

// Size implements File.Size.
func (f *hostFile) Size() int64 {
	return f.size
}

// DecRef implements File.DecRef.
func (f *hostFile) DecRef() {
	f.Refs.DecRef(func() {
		if err := unix.Close(f.fd); err != nil {
			log.Warningf("hostfs: closing %q: %v", f.name, err)
		}
	})
}
