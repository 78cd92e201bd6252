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

// Package kernel implements processes and exec for a simulated multicore
// kernel.
//
// Exec builds a complete new address space for a process off to the side
// and, once nothing can fail any more, replaces the process's generation with
// a single pointer swap. The old generation is handed to the work queue of
// the core that owned it, which releases it; its memory is finally freed by
// the epoch domain once no core can still be reading it.
//
// Lock order:
//
//	Process.execMu
//		Kernel.mu
//		Kernel.activeMu
package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/kexec/pkg/config"
	"gvisor.dev/kexec/pkg/epoch"
	"gvisor.dev/kexec/pkg/sentry/cpu"
	"gvisor.dev/kexec/pkg/sentry/fsbridge"
	"gvisor.dev/kexec/pkg/sentry/loader"
	"gvisor.dev/kexec/pkg/sentry/vm"
)

// failureLogPeriod limits how often failed execs are logged.
const failureLogPeriod = time.Second

// Kernel owns the cores, the memory budget and the process table.
type Kernel struct {
	conf          *config.Config
	layout        loader.Layout
	reclaimPeriod time.Duration
	fs            fsbridge.Lookup
	alloc         *vm.Allocator
	epoch         *epoch.Domain
	cpus          *cpu.Set

	activeMu sync.Mutex

	// active is the PageMap live on each core. Each entry holds a
	// reference.
	//
	// +checklocks:activeMu
	active []*vm.PageMap

	mu sync.Mutex

	// +checklocks:mu
	procs map[int32]*Process

	// +checklocks:mu
	nextPID int32

	// onTransition, if set, observes every exec state change.
	onTransition func(p *Process, from, to ExecState)

	failLog log.Logger

	execs    atomicbitops.Uint64
	failures atomicbitops.Uint64
	retired  atomicbitops.Uint64
}

// New returns a kernel configured by conf whose execs resolve paths through
// fs.
func New(conf *config.Config, fs fsbridge.Lookup) (*Kernel, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	k := &Kernel{
		conf:          conf.Clone(),
		layout:        conf.Layout(),
		reclaimPeriod: conf.ReclaimPeriod.Duration,
		fs:            fs,
		alloc:         vm.NewAllocator(conf.MaxPages),
		epoch:         epoch.NewDomain(conf.Cores),
		cpus:          cpu.NewSet(conf.Cores, conf.QueueCapacity),
		active:        make([]*vm.PageMap, conf.Cores),
		procs:         make(map[int32]*Process),
		nextPID:       1,
		failLog:       log.BasicRateLimitedLogger(failureLogPeriod),
	}
	log.Infof("Kernel: %d cores, user top %#x, stack %d pages, heap %d pages", conf.Cores, k.layout.UserTop, k.layout.StackPages, k.layout.HeapPages)
	return k, nil
}

// Config returns a copy of the configuration k was built from.
func (k *Kernel) Config() *config.Config {
	return k.conf.Clone()
}

// NumCores returns the number of cores.
func (k *Kernel) NumCores() int {
	return k.cpus.NumCores()
}

// Layout returns the user address layout of every process.
func (k *Kernel) Layout() loader.Layout {
	return k.layout
}

// Allocator returns the page budget shared by all address spaces.
func (k *Kernel) Allocator() *vm.Allocator {
	return k.alloc
}

// Epoch returns the kernel's epoch domain.
func (k *Kernel) Epoch() *epoch.Domain {
	return k.epoch
}

// SetTransitionHook installs fn to observe exec state changes. It must be
// called before any exec.
func (k *Kernel) SetTransitionHook(fn func(p *Process, from, to ExecState)) {
	k.onTransition = fn
}

func (k *Kernel) checkCore(core int) error {
	if core < 0 || core >= k.cpus.NumCores() {
		return fmt.Errorf("core %d out of range [0, %d)", core, k.cpus.NumCores())
	}
	return nil
}

func (k *Kernel) newVmap() *vm.Vmap {
	return vm.New(vm.Options{
		Allocator: k.alloc,
		UserTop:   k.layout.UserTop,
		Retire:    k.epoch.Retire,
	})
}

// NewProcess creates a process with an empty address space whose retired
// generations are reclaimed on core.
func (k *Kernel) NewProcess(name, cwd string, core int) (*Process, error) {
	if err := k.checkCore(core); err != nil {
		return nil, err
	}
	v := k.newVmap()
	p := &Process{cwd: cwd}
	p.image.Store(&Image{
		Vmap:    v,
		PageMap: vm.NewPageMap(v),
		Name:    processName(name),
	})
	p.runCore.Store(int32(core))
	p.dataCore.Store(int32(core))

	k.mu.Lock()
	p.pid = k.nextPID
	k.nextPID++
	k.procs[p.pid] = p
	k.mu.Unlock()
	log.Debugf("Created %v on core %d", p, core)
	return p, nil
}

// Process returns the live process with the given pid, or nil.
func (k *Kernel) Process(pid int32) *Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.procs[pid]
}

// NumProcesses returns the number of live processes.
func (k *Kernel) NumProcesses() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.procs)
}

// activate makes pm the live page map of core.
func (k *Kernel) activate(core int, pm *vm.PageMap) {
	pm.IncRef()
	pm.Loaded()
	k.activeMu.Lock()
	old := k.active[core]
	k.active[core] = pm
	k.activeMu.Unlock()
	if old != nil {
		old.DecRef()
	}
}

// Active returns the page map live on core, or nil.
func (k *Kernel) Active(core int) *vm.PageMap {
	k.activeMu.Lock()
	defer k.activeMu.Unlock()
	return k.active[core]
}

// Deactivate clears core's live page map.
func (k *Kernel) Deactivate(core int) {
	k.deactivateIf(core, nil)
}

// deactivateIf clears core's live page map if it is pm, or unconditionally
// if pm is nil.
func (k *Kernel) deactivateIf(core int, pm *vm.PageMap) {
	k.activeMu.Lock()
	old := k.active[core]
	if old == nil || (pm != nil && old != pm) {
		k.activeMu.Unlock()
		return
	}
	k.active[core] = nil
	k.activeMu.Unlock()
	old.DecRef()
}

// retireGeneration releases a generation's references. It runs as work on
// the generation's data core.
func retireGeneration(vmap, worker, pgmap any) {
	if w, ok := worker.(*WorkerQueue); ok && w != nil {
		w.DecRef()
	}
	pgmap.(*vm.PageMap).DecRef()
	vmap.(*vm.Vmap).DecRef()
}

// retire hands img to the queue of core for release.
func (k *Kernel) retire(core int, img *Image) {
	k.retired.Add(1)
	k.cpus.Inject(core, cpu.Work{
		Fn:   retireGeneration,
		Arg0: img.Vmap,
		Arg1: img.Worker,
		Arg2: img.PageMap,
	})
}

// Exit ends p, retiring its current generation.
func (k *Kernel) Exit(p *Process) {
	p.execMu.Lock()
	defer p.execMu.Unlock()
	img := p.image.Swap(nil)
	if img == nil {
		return
	}
	k.deactivateIf(p.RunCore(), img.PageMap)
	k.retire(p.DataCore(), img)

	k.mu.Lock()
	delete(k.procs, p.pid)
	k.mu.Unlock()
	log.Debugf("pid %d exited", p.pid)
}

// Fault reads the byte at addr in p's current address space on behalf of
// core, materializing the page if needed. It may run concurrently with an
// exec of p and then observes either the old or the new generation.
func (k *Kernel) Fault(p *Process, core int, addr hostarch.Addr) (byte, error) {
	if err := k.checkCore(core); err != nil {
		return 0, err
	}
	k.epoch.Begin(core)
	defer k.epoch.End(core)
	for {
		img := p.image.Load()
		if img == nil {
			return 0, ErrProcessExited
		}
		// The last reference can only be dropped after the generation was
		// swapped out, so a failed TryIncRef means a newer image exists.
		if !img.Vmap.TryIncRef() {
			continue
		}
		b, err := img.Vmap.LoadByte(addr)
		img.Vmap.DecRef()
		return b, err
	}
}

// Drain runs the work queued on core.
//
// Preconditions: The caller is executing as core.
func (k *Kernel) Drain(core int) int {
	return k.cpus.Drain(core)
}

// Synchronize drains every core's queue and waits until all retired memory
// has been freed.
//
// Preconditions: Start is not running and no core is inside an epoch
// section.
func (k *Kernel) Synchronize() {
	for {
		n := 0
		for core := 0; core < k.cpus.NumCores(); core++ {
			n += k.cpus.Drain(core)
		}
		k.epoch.Synchronize()
		if n == 0 && k.epoch.Pending() == 0 {
			return
		}
	}
}

// idle returns nil if every injected work item has finished and no retired
// object awaits reclamation.
func (k *Kernel) idle() error {
	for core := 0; core < k.cpus.NumCores(); core++ {
		if injected, executed := k.cpus.Stats(core); injected != executed {
			return fmt.Errorf("core %d has %d work items outstanding", core, injected-executed)
		}
	}
	if n := k.epoch.Pending(); n > 0 {
		return fmt.Errorf("%d retired objects awaiting reclamation", n)
	}
	return nil
}

// WaitIdle polls until all queued work has run and all retired memory has
// been freed, giving up after timeout. It expects Start (or equivalent
// consumers) to be running.
func (k *Kernel) WaitIdle(ctx context.Context, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = timeout
	if err := backoff.Retry(k.idle, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("kernel not idle after %v: %w", timeout, err)
	}
	return nil
}

// Start runs one consumer loop per core and the epoch reclaimer until ctx is
// done.
func (k *Kernel) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for core := 0; core < k.cpus.NumCores(); core++ {
		g.Go(func() error {
			return k.cpus.Run(ctx, core)
		})
	}
	g.Go(func() error {
		return k.epoch.Run(ctx, k.reclaimPeriod)
	})
	return g.Wait()
}

// Stats is a snapshot of kernel counters.
type Stats struct {
	Execs       uint64
	Failures    uint64
	Retired     uint64
	Processes   int
	Committed   uint64
	Resident    int64
	LiveRegions int64
	Epoch       epoch.Stats
}

// Stats returns a snapshot of k's counters.
func (k *Kernel) Stats() Stats {
	return Stats{
		Execs:       k.execs.Load(),
		Failures:    k.failures.Load(),
		Retired:     k.retired.Load(),
		Processes:   k.NumProcesses(),
		Committed:   k.alloc.Committed(),
		Resident:    k.alloc.Resident(),
		LiveRegions: k.alloc.LiveRegions(),
		Epoch:       k.epoch.Stats(),
	}
}
