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
	"fmt"
	"strings"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/kexec/pkg/sentry/vm"
)

// nameBufLen is the size of a process name buffer, including the
// terminating NUL.
const nameBufLen = 16

// Regs are the user registers exec sets.
type Regs struct {
	// RIP is the instruction pointer.
	RIP hostarch.Addr

	// RSP is the stack pointer.
	RSP hostarch.Addr
}

// Image is one generation of a process: its address space, the page map that
// makes it live, the attached worker and the state exec leaves behind.
// Images are immutable; a process changes generation by swapping its Image
// pointer. The Vmap and PageMap references belong to the generation and are
// dropped when it is retired.
type Image struct {
	Vmap    *vm.Vmap
	PageMap *vm.PageMap
	Worker  *WorkerQueue
	Regs    Regs
	Name    string
}

// Process is a user process.
type Process struct {
	pid int32
	cwd string

	// execMu serializes operations that replace the image.
	execMu sync.Mutex

	// image is nil once the process has exited.
	image atomic.Pointer[Image]

	// runCore is the core the process last ran exec on.
	runCore atomicbitops.Int32

	// dataCore is the core whose queue reclaims the process's retired
	// generations.
	dataCore atomicbitops.Int32
}

// PID returns p's process ID.
func (p *Process) PID() int32 {
	return p.pid
}

// Cwd returns p's working directory.
func (p *Process) Cwd() string {
	return p.cwd
}

// Image returns p's current generation, or nil if p has exited. The caller
// must not use the returned Vmap outside an epoch section unless it holds a
// reference.
func (p *Process) Image() *Image {
	return p.image.Load()
}

// Name returns p's display name.
func (p *Process) Name() string {
	if img := p.image.Load(); img != nil {
		return img.Name
	}
	return ""
}

// Regs returns p's user registers.
func (p *Process) Regs() Regs {
	if img := p.image.Load(); img != nil {
		return img.Regs
	}
	return Regs{}
}

// RunCore returns the core p last executed on.
func (p *Process) RunCore() int {
	return int(p.runCore.Load())
}

// DataCore returns the core that reclaims p's retired generations.
func (p *Process) DataCore() int {
	return int(p.dataCore.Load())
}

// String implements fmt.Stringer.
func (p *Process) String() string {
	return fmt.Sprintf("pid %d (%s)", p.pid, p.Name())
}

// AttachWorker attaches a new async worker to p and returns it. The process
// holds the returned reference until DetachWorker or the next generation is
// retired.
func (p *Process) AttachWorker() (*WorkerQueue, error) {
	p.execMu.Lock()
	defer p.execMu.Unlock()
	img := p.image.Load()
	if img == nil {
		return nil, ErrProcessExited
	}
	if img.Worker != nil {
		return nil, ErrWorkerActive
	}
	next := *img
	next.Worker = NewWorkerQueue()
	p.image.Store(&next)
	return next.Worker, nil
}

// DetachWorker detaches and releases p's async worker.
func (p *Process) DetachWorker() error {
	p.execMu.Lock()
	defer p.execMu.Unlock()
	img := p.image.Load()
	if img == nil {
		return ErrProcessExited
	}
	if img.Worker == nil {
		return fmt.Errorf("%v has no async worker", p)
	}
	next := *img
	next.Worker = nil
	p.image.Store(&next)
	img.Worker.DecRef()
	return nil
}

// workerActive returns true if an async worker is attached to p.
func (p *Process) workerActive() bool {
	img := p.image.Load()
	return img != nil && img.Worker != nil
}

// processName returns the display name exec gives a process running path:
// the last path component, truncated to fit a name buffer.
func processName(path string) string {
	name := path[strings.LastIndexByte(path, '/')+1:]
	if len(name) > nameBufLen-1 {
		name = name[:nameBufLen-1]
	}
	return name
}
