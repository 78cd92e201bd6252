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

package fsbridge

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"gvisor.dev/gvisor/pkg/abi/linux"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/kexec/pkg/kref"
)

// MemFS is an in-memory file tree. Files are immutable once added.
type MemFS struct {
	mu sync.Mutex

	// +checklocks:mu
	files map[string]*memFile

	opens atomicbitops.Uint64
}

// NewMemFS returns a MemFS containing only the root directory.
func NewMemFS() *MemFS {
	fs := &MemFS{files: make(map[string]*memFile)}
	fs.files["/"] = newMemFile("/", linux.ModeDirectory, nil)
	return fs
}

var _ Lookup = (*MemFS)(nil)

// AddFile adds a regular file at the absolute path name, creating parent
// directories as needed. An existing entry is replaced.
func (fs *MemFS) AddFile(name string, data []byte) {
	fs.add(name, linux.ModeRegular, data)
}

// Mkdir adds a directory at the absolute path name, creating parents as
// needed.
func (fs *MemFS) Mkdir(name string) {
	fs.add(name, linux.ModeDirectory, nil)
}

func (fs *MemFS) add(name string, mode linux.FileMode, data []byte) {
	if !path.IsAbs(name) {
		panic(fmt.Sprintf("memfs: relative path %q", name))
	}
	name = path.Clean(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for dir := path.Dir(name); dir != "/"; dir = path.Dir(dir) {
		if _, ok := fs.files[dir]; !ok {
			fs.files[dir] = newMemFile(dir, linux.ModeDirectory, nil)
		}
	}
	if old, ok := fs.files[name]; ok {
		old.DecRef()
	}
	fs.files[name] = newMemFile(name, mode, data)
}

// Remove removes name. Open files remain readable.
func (fs *MemFS) Remove(name string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	name = path.Clean(name)
	if f, ok := fs.files[name]; ok && name != "/" {
		delete(fs.files, name)
		f.DecRef()
	}
}

// OpenPath implements Lookup.
func (fs *MemFS) OpenPath(ctx context.Context, cwd, p string) (File, error) {
	name, err := absPath(cwd, p)
	if err != nil {
		return nil, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[name]
	if !ok {
		return nil, linuxerr.ENOENT
	}
	// If they claim it's a directory, then make sure.
	if strings.HasSuffix(p, "/") && f.mode != linux.ModeDirectory {
		return nil, linuxerr.ENOTDIR
	}
	f.IncRef()
	fs.opens.Add(1)
	return f, nil
}

// Opens returns the number of successful OpenPath calls.
func (fs *MemFS) Opens() uint64 {
	return fs.opens.Load()
}

// OpenRefs returns the number of references held on name beyond the tree's
// own, i.e. by open files and the regions they back.
func (fs *MemFS) OpenRefs(name string) int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[path.Clean(name)]
	if !ok {
		return 0
	}
	return f.ReadRefs() - 1
}

// memFile is a File over an immutable byte slice.
type memFile struct {
	kref.Refs[memFile]

	name string
	mode linux.FileMode
	data []byte
}

func newMemFile(name string, mode linux.FileMode, data []byte) *memFile {
	f := &memFile{name: name, mode: mode, data: data}
	f.InitRefs()
	return f
}

// ReadAt implements io.ReaderAt.
func (f *memFile) ReadAt(dst []byte, off int64) (int, error) {
	if f.mode == linux.ModeDirectory {
		return 0, linuxerr.EISDIR
	}
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(dst, f.data[off:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

// Name implements File.Name.
func (f *memFile) Name() string {
	return f.name
}

// Type implements File.Type.
func (f *memFile) Type() linux.FileMode {
	return f.mode
}

// Size implements File.Size.
func (f *memFile) Size() int64 {
	return int64(len(f.data))
}

// DecRef implements File.DecRef.
func (f *memFile) DecRef() {
	f.Refs.DecRef(nil)
}
