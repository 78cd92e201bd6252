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
	"context"
	"debug/elf"
	goerrors "errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/kexec/pkg/sentry/fsbridge"
	"gvisor.dev/kexec/pkg/sentry/loader"
	"gvisor.dev/kexec/pkg/sentry/vm"
)

// execution is the state of one in-progress exec.
type execution struct {
	k     *Kernel
	p     *Process
	core  int
	path  string
	argv  []string
	state ExecState
}

func (x *execution) transition(to ExecState) {
	from := x.state
	x.state = to
	log.Debugf("exec %q pid %d core %d: %v -> %v", x.path, x.p.pid, x.core, from, to)
	if x.k.onTransition != nil {
		x.k.onTransition(x.p, from, to)
	}
}

// Exec replaces the memory image of p with the ELF64 executable at path,
// running on core. On success p's registers point at the new entry point and
// argument stack, the new page map is live on core, and the old generation
// has been handed to its data core for reclamation. On failure p is
// unchanged.
func (k *Kernel) Exec(ctx context.Context, p *Process, core int, path string, argv []string) error {
	if err := k.checkCore(core); err != nil {
		return fmt.Errorf("%w: %v", linuxerr.EINVAL, err)
	}
	p.execMu.Lock()
	defer p.execMu.Unlock()

	x := &execution{k: k, p: p, core: core, path: path, argv: argv, state: ExecResolving}
	if err := x.run(ctx); err != nil {
		failed := x.state
		x.transition(ExecFailed)
		k.failures.Add(1)
		k.failLog.Warningf("exec %q by pid %d failed while %v: %v", path, p.pid, failed, err)
		return err
	}
	x.transition(ExecDone)
	k.execs.Add(1)
	return nil
}

func (x *execution) run(ctx context.Context) error {
	k, p := x.k, x.p
	if p.image.Load() == nil {
		return ErrProcessExited
	}
	// A process with a worker is refused before anything is looked up or
	// allocated.
	if p.workerActive() {
		return ErrWorkerActive
	}
	f, err := k.fs.OpenPath(ctx, p.cwd, x.path)
	if err != nil {
		return resolveError(x.path, err)
	}
	defer f.DecRef()
	if !fsbridge.IsRegular(f) {
		return fmt.Errorf("%w: %q", ErrNotARegularFile, x.path)
	}

	k.epoch.Begin(x.core)
	defer k.epoch.End(x.core)

	x.transition(ExecValidating)
	hdr, err := loader.ReadHeader(f)
	if err != nil {
		return fmt.Errorf("%q: %w", x.path, err)
	}
	if err := loader.CheckArgs(k.layout, x.argv); err != nil {
		return err
	}

	x.transition(ExecBuilding)
	v := k.newVmap()
	pm := vm.NewPageMap(v)
	cu := cleanup.Make(func() {
		pm.DecRef()
		v.DecRef()
	})
	defer cu.Clean()

	for i := 0; i < int(hdr.Phnum); i++ {
		off, err := hdr.ProgHeaderOffset(i)
		if err != nil {
			return err
		}
		typ, err := loader.ReadProgType(f, off)
		if err != nil {
			return fmt.Errorf("%q: program header %d: %w", x.path, i, err)
		}
		if typ != elf.PT_LOAD {
			continue
		}
		if err := loader.LoadSegment(f, v, off); err != nil {
			return fmt.Errorf("%q: program header %d: %w", x.path, i, err)
		}
	}
	if err := loader.BuildHeap(v, k.layout); err != nil {
		return fmt.Errorf("building heap: %w", err)
	}
	sp, err := loader.BuildStack(v, k.layout, x.argv)
	if err != nil {
		return fmt.Errorf("building stack: %w", err)
	}

	x.transition(ExecCommitting)
	cu.Release()
	old := p.image.Swap(&Image{
		Vmap:    v,
		PageMap: pm,
		Regs:    Regs{RIP: hdr.Entry, RSP: sp},
		Name:    processName(x.path),
	})
	oldRunCore := int(p.runCore.Swap(int32(x.core)))
	k.activate(x.core, pm)
	if oldRunCore != x.core {
		k.deactivateIf(oldRunCore, old.PageMap)
	}

	x.transition(ExecReclaimingOld)
	oldCore := int(p.dataCore.Swap(int32(x.core)))
	k.retire(oldCore, old)

	log.Infof("pid %d exec %q: entry %#x sp %#x, %d regions", p.pid, x.path, hdr.Entry, sp, v.Len())
	return nil
}

// resolveError maps a lookup failure to the exec error taxonomy.
func resolveError(path string, err error) error {
	switch {
	case goerrors.Is(err, linuxerr.ENOENT), goerrors.Is(err, linuxerr.ENOTDIR):
		return fmt.Errorf("%w: %q", ErrPathNotFound, path)
	case goerrors.Is(err, linuxerr.EISDIR), goerrors.Is(err, linuxerr.EACCES):
		return fmt.Errorf("%w: %q", ErrNotARegularFile, path)
	}
	return fmt.Errorf("resolving %q: %w", path, err)
}
