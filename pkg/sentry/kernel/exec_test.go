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
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/kexec/pkg/config"
	"gvisor.dev/kexec/pkg/sentry/fsbridge"
	"gvisor.dev/kexec/pkg/sentry/loader"
	"gvisor.dev/kexec/pkg/sentry/loader/elfbuild"
	"gvisor.dev/kexec/pkg/sentry/vm"
)

const progPath = "/bin/prog"

func newTestKernel(t *testing.T, mutate func(*config.Config)) (*Kernel, *fsbridge.MemFS) {
	t.Helper()
	conf := config.Default()
	conf.Cores = 4
	if mutate != nil {
		mutate(conf)
	}
	fs := fsbridge.NewMemFS()
	fs.AddFile(progPath, elfbuild.Simple())
	k, err := New(conf, fs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k, fs
}

func newTestProcess(t *testing.T, k *Kernel, core int) *Process {
	t.Helper()
	p, err := k.NewProcess("init", "/", core)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	return p
}

// checkNoLeaks exits p, reclaims everything and checks that no memory, file
// or page map references remain.
func checkNoLeaks(t *testing.T, k *Kernel, fs *fsbridge.MemFS, p *Process) {
	t.Helper()
	k.Exit(p)
	for core := 0; core < k.NumCores(); core++ {
		k.Deactivate(core)
	}
	k.Synchronize()
	s := k.Stats()
	if s.LiveRegions != 0 || s.Committed != 0 || s.Resident != 0 {
		t.Errorf("leaked memory: %+v", s)
	}
	if s.Epoch.Begins != s.Epoch.Ends {
		t.Errorf("unbalanced epoch sections: %d begins, %d ends", s.Epoch.Begins, s.Epoch.Ends)
	}
	if n := fs.OpenRefs(progPath); n != 0 {
		t.Errorf("%d references left on %s", n, progPath)
	}
}

func TestExec(t *testing.T) {
	k, fs := newTestKernel(t, nil)
	p := newTestProcess(t, k, 0)
	old := p.Image()

	if err := k.Exec(context.Background(), p, 0, progPath, []string{"prog", "-v"}); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	img := p.Image()
	if img == old {
		t.Fatalf("Exec did not replace the image")
	}
	l := k.Layout()
	if want := (Regs{RIP: 0x401000, RSP: img.Regs.RSP}); img.Regs != want {
		t.Errorf("Regs=%+v, want: %+v", img.Regs, want)
	}
	if !l.StackRange().Contains(img.Regs.RSP) || img.Regs.RSP%8 != 0 {
		t.Errorf("RSP %#x not an aligned address in %v", img.Regs.RSP, l.StackRange())
	}
	if want := "prog"; p.Name() != want {
		t.Errorf("Name=%q, want: %q", p.Name(), want)
	}
	if got := k.Active(0); got != img.PageMap {
		t.Errorf("Active(0)=%v, want: %v", got, img.PageMap)
	}
	if img.PageMap.Vmap() != img.Vmap || img.Worker != nil {
		t.Errorf("inconsistent image %+v", img)
	}
	if got, want := img.Vmap.Brk(), l.HeapBase()+8; got != want {
		t.Errorf("Brk=%#x, want: %#x", got, want)
	}

	want := []vm.RegionInfo{
		{Range: hostarch.AddrRange{Start: 0x401000, End: 0x403000}, Kind: vm.OnDemand, Offset: 0x1000, Backed: 0x1234},
		{Range: hostarch.AddrRange{Start: 0x603000, End: 0x605000}, Kind: vm.OnDemand, Offset: 0x3000, Backed: 0x1110},
		{Range: hostarch.AddrRange{Start: 0x605000, End: 0x607000}, Kind: vm.Anon},
		{Range: l.HeapRange(), Kind: vm.Anon},
		{Range: l.StackRange(), Kind: vm.Anon},
	}
	if diff := cmp.Diff(want, img.Vmap.Regions()); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}

	for _, tc := range []struct {
		addr hostarch.Addr
		want byte
	}{
		{addr: 0x401000, want: 0x90},
		{addr: 0x402233, want: 0x90},
		{addr: 0x402234, want: 0},
		{addr: 0x603e10, want: 0xd0},
		{addr: 0x60410f, want: 0xd0},
		{addr: 0x604110, want: 0},
		{addr: 0x606fff, want: 0},
	} {
		got, err := k.Fault(p, 1, tc.addr)
		if err != nil || got != tc.want {
			t.Errorf("Fault(%#x)=%#x, %v, want: %#x", tc.addr, got, err, tc.want)
		}
	}
	if _, err := k.Fault(p, 1, 0x400000); !errors.Is(err, vm.ErrOutOfRange) {
		t.Errorf("Fault of unmapped address got err %v, want: %v", err, vm.ErrOutOfRange)
	}

	// The old generation waits on its data core's queue.
	if old.Vmap.Destroyed() {
		t.Errorf("old generation destroyed before its core reclaimed it")
	}
	if n := k.Drain(0); n != 1 {
		t.Errorf("Drain(0)=%d, want: 1", n)
	}
	k.Synchronize()
	if !old.Vmap.Destroyed() || !old.PageMap.Destroyed() {
		t.Errorf("old generation not destroyed after reclamation")
	}
	checkNoLeaks(t, k, fs, p)
}

func TestExecRelativePath(t *testing.T) {
	k, fs := newTestKernel(t, nil)
	p, err := k.NewProcess("sh", "/bin", 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Exec(context.Background(), p, 2, "prog", nil); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if want := "prog"; p.Name() != want {
		t.Errorf("Name=%q, want: %q", p.Name(), want)
	}
	checkNoLeaks(t, k, fs, p)
}

func TestExecFailureLeavesProcessUnchanged(t *testing.T) {
	simple := elfbuild.Simple()
	badMagic := append([]byte(nil), simple...)
	badMagic[1] = 'F'

	for _, tc := range []struct {
		name      string
		path      string
		image     []byte
		argv      []string
		maxPages  uint64
		wantErr   error
		wantErrno unix.Errno
		wantOpen  bool
		// noRegions is set for failures that must be caught before any
		// region is created.
		noRegions bool
	}{
		{
			name:      "not found",
			path:      "/bin/missing",
			wantErr:   ErrPathNotFound,
			wantErrno: unix.ENOENT,
			noRegions: true,
		},
		{
			name:      "not a directory",
			path:      progPath + "/",
			wantErr:   ErrPathNotFound,
			wantErrno: unix.ENOENT,
			noRegions: true,
		},
		{
			name:      "directory",
			path:      "/bin",
			wantErr:   ErrNotARegularFile,
			wantErrno: unix.EACCES,
			wantOpen:  true,
			noRegions: true,
		},
		{
			name:      "bad magic",
			image:     badMagic,
			wantErr:   ErrBadMagic,
			wantErrno: unix.ENOEXEC,
			wantOpen:  true,
			noRegions: true,
		},
		{
			name:      "script",
			image:     []byte("#!/bin/sh\nexit 0\n"),
			wantErr:   ErrBadMagic,
			wantErrno: unix.ENOEXEC,
			wantOpen:  true,
			noRegions: true,
		},
		{
			name: "memsz below filesz",
			image: (&elfbuild.Builder{Entry: 0x400000, Segments: []elfbuild.Segment{
				{Type: elf.PT_LOAD, Vaddr: 0x400000, Data: make([]byte, 0x100)},
				{Type: elf.PT_LOAD, Vaddr: 0x600000, Data: make([]byte, 0x100), Memsz: 0x10},
			}}).Build(),
			wantErr:   ErrInvalidSegmentGeometry,
			wantErrno: unix.ENOEXEC,
			wantOpen:  true,
		},
		{
			name: "overlapping segments",
			image: (&elfbuild.Builder{Entry: 0x400000, Segments: []elfbuild.Segment{
				{Type: elf.PT_LOAD, Vaddr: 0x400000, Data: make([]byte, 0x100), Memsz: 0x2000},
				{Type: elf.PT_LOAD, Vaddr: 0x401010, Data: make([]byte, 0x100)},
			}}).Build(),
			wantErr:   ErrRegionConflict,
			wantErrno: unix.ENOMEM,
			wantOpen:  true,
		},
		{
			name: "segment over the heap",
			image: (&elfbuild.Builder{Entry: 0x400000, Segments: []elfbuild.Segment{
				{Type: elf.PT_LOAD, Vaddr: uint64(loader.DefaultLayout().HeapBase()), Data: make([]byte, 0x100)},
			}}).Build(),
			wantErr:   ErrRegionConflict,
			wantErrno: unix.ENOMEM,
			wantOpen:  true,
		},
		{
			name:      "too many arguments",
			argv:      make([]string, 33),
			wantErr:   ErrTooManyArguments,
			wantErrno: unix.E2BIG,
			wantOpen:  true,
			noRegions: true,
		},
		{
			name:      "argument larger than the stack",
			argv:      []string{strings.Repeat("a", 9*hostarch.PageSize)},
			wantErr:   ErrStackWriteOutOfRange,
			wantErrno: unix.EFAULT,
			wantOpen:  true,
		},
		{
			name:      "out of memory",
			maxPages:  41,
			wantErr:   ErrNoMemory,
			wantErrno: unix.ENOMEM,
			wantOpen:  true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k, fs := newTestKernel(t, func(c *config.Config) { c.MaxPages = tc.maxPages })
			path := tc.path
			if tc.image != nil {
				path = "/bin/bad"
				fs.AddFile(path, tc.image)
			}
			if path == "" {
				path = progPath
			}
			p := newTestProcess(t, k, 0)
			before := p.Image()
			var states []ExecState
			k.SetTransitionHook(func(_ *Process, _, to ExecState) { states = append(states, to) })

			err := k.Exec(context.Background(), p, 0, path, tc.argv)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Exec got err %v, want: %v", err, tc.wantErr)
			}
			if got := Errno(err); got != tc.wantErrno {
				t.Errorf("Errno(%v)=%v, want: %v", err, got, tc.wantErrno)
			}
			if p.Image() != before {
				t.Errorf("failed exec replaced the image")
			}
			if tc.noRegions {
				if n, c := k.Allocator().LiveRegions(), k.Allocator().Committed(); n != 0 || c != 0 {
					t.Errorf("failed exec created %d regions (%d pages), want none", n, c)
				}
			}
			if k.Active(0) != nil {
				t.Errorf("failed exec activated a page map")
			}
			if got, want := fs.Opens() != 0, tc.wantOpen; got != want {
				t.Errorf("opened file=%v, want: %v", got, want)
			}
			if len(states) == 0 || states[len(states)-1] != ExecFailed {
				t.Errorf("states=%v, want a trailing %v", states, ExecFailed)
			}
			for _, s := range states {
				if s == ExecCommitting {
					t.Errorf("failed exec reached %v", s)
				}
			}
			if s := k.Stats(); s.Failures != 1 || s.Execs != 0 || s.Retired != 0 {
				t.Errorf("Stats=%+v, want one failure and nothing retired", s)
			}
			if n := fs.OpenRefs(path); n != 0 {
				t.Errorf("%d references left on %s", n, path)
			}
			checkNoLeaks(t, k, fs, p)
		})
	}
}

func TestExecWorkerActive(t *testing.T) {
	k, fs := newTestKernel(t, nil)
	p := newTestProcess(t, k, 0)
	w, err := p.AttachWorker()
	if err != nil {
		t.Fatalf("AttachWorker: %v", err)
	}
	if _, err := p.AttachWorker(); !errors.Is(err, ErrWorkerActive) {
		t.Errorf("second AttachWorker got err %v, want: %v", err, ErrWorkerActive)
	}
	before := p.Image()

	err = k.Exec(context.Background(), p, 0, progPath, nil)
	if !errors.Is(err, ErrWorkerActive) {
		t.Fatalf("Exec got err %v, want: %v", err, ErrWorkerActive)
	}
	if Errno(err) != unix.EBUSY {
		t.Errorf("Errno=%v, want: %v", Errno(err), unix.EBUSY)
	}
	s := k.Stats()
	if fs.Opens() != 0 || s.LiveRegions != 0 || s.Epoch.Begins != 0 {
		t.Errorf("refused exec touched the file system or memory: opens %d, %+v", fs.Opens(), s)
	}
	if p.Image() != before || w.Released() {
		t.Errorf("refused exec changed the process")
	}

	if err := p.DetachWorker(); err != nil {
		t.Fatalf("DetachWorker: %v", err)
	}
	if !w.Released() {
		t.Errorf("detached worker not released")
	}
	if err := k.Exec(context.Background(), p, 0, progPath, nil); err != nil {
		t.Fatalf("Exec after DetachWorker: %v", err)
	}
	checkNoLeaks(t, k, fs, p)
}

func TestExecReleasesWorkerOfExitedProcess(t *testing.T) {
	k, fs := newTestKernel(t, nil)
	p := newTestProcess(t, k, 1)
	w, err := p.AttachWorker()
	if err != nil {
		t.Fatal(err)
	}
	k.Exit(p)
	if w.Released() {
		t.Errorf("worker released before its core reclaimed the generation")
	}
	k.Drain(1)
	if !w.Released() {
		t.Errorf("worker not released by reclamation")
	}
	checkNoLeaks(t, k, fs, p)
}

func TestExecStates(t *testing.T) {
	k, fs := newTestKernel(t, nil)
	p := newTestProcess(t, k, 0)
	var got []ExecState
	k.SetTransitionHook(func(_ *Process, from, to ExecState) {
		if from.Terminal() {
			t.Errorf("transition out of terminal state %v", from)
		}
		got = append(got, to)
	})
	if err := k.Exec(context.Background(), p, 0, progPath, nil); err != nil {
		t.Fatal(err)
	}
	want := []ExecState{ExecValidating, ExecBuilding, ExecCommitting, ExecReclaimingOld, ExecDone}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
	checkNoLeaks(t, k, fs, p)
}

func TestExecMovesDataCore(t *testing.T) {
	k, fs := newTestKernel(t, nil)
	p := newTestProcess(t, k, 0)
	ctx := context.Background()
	if err := k.Exec(ctx, p, 0, progPath, nil); err != nil {
		t.Fatal(err)
	}
	first := p.Image()
	if err := k.Exec(ctx, p, 1, progPath, nil); err != nil {
		t.Fatal(err)
	}
	if p.RunCore() != 1 || p.DataCore() != 1 {
		t.Errorf("RunCore=%d DataCore=%d, want: 1 1", p.RunCore(), p.DataCore())
	}
	if k.Active(0) != nil || k.Active(1) != p.Image().PageMap {
		t.Errorf("Active(0)=%v Active(1)=%v, want nil and the new page map", k.Active(0), k.Active(1))
	}
	// Both retired generations belonged to core 0.
	if injected, _ := k.cpus.Stats(0); injected != 2 {
		t.Errorf("core 0 injected=%d, want: 2", injected)
	}
	if injected, _ := k.cpus.Stats(1); injected != 0 {
		t.Errorf("core 1 injected=%d, want: 0", injected)
	}
	k.Drain(0)
	k.Synchronize()
	if !first.Vmap.Destroyed() {
		t.Errorf("first generation not destroyed")
	}
	checkNoLeaks(t, k, fs, p)
}

func TestSequentialExecsDoNotLeak(t *testing.T) {
	k, fs := newTestKernel(t, nil)
	p := newTestProcess(t, k, 0)
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		core := i % k.NumCores()
		if err := k.Exec(ctx, p, core, progPath, []string{"prog", "iteration"}); err != nil {
			t.Fatalf("Exec %d: %v", i, err)
		}
		// Touch a file page so that reclamation frees resident pages too.
		if b, err := k.Fault(p, core, 0x401000); err != nil || b != 0x90 {
			t.Fatalf("Fault after exec %d = %#x, %v", i, b, err)
		}
		k.Drain((i + k.NumCores() - 1) % k.NumCores())
		if i%64 == 0 {
			k.Synchronize()
			// One generation live: text 2, data 4, heap 32, stack 8 pages.
			if got, want := k.Allocator().Committed(), uint64(46); got != want {
				t.Fatalf("after exec %d committed %d pages, want: %d", i, got, want)
			}
		}
	}
	if s := k.Stats(); s.Execs != 1000 || s.Retired != 1000 {
		t.Errorf("Stats=%+v, want 1000 execs and retirements", s)
	}
	checkNoLeaks(t, k, fs, p)
}

func TestConcurrentFaultsDuringExec(t *testing.T) {
	k, fs := newTestKernel(t, nil)
	p := newTestProcess(t, k, 0)
	ctx, cancel := context.WithCancel(context.Background())
	if err := k.Exec(ctx, p, 0, progPath, nil); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- k.Start(ctx) }()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for core := 1; core < k.NumCores(); core++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				b, err := k.Fault(p, core, 0x401800)
				if err != nil || b != 0x90 {
					t.Errorf("core %d: Fault=%#x, %v", core, b, err)
					return
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		if err := k.Exec(ctx, p, 0, progPath, []string{"prog"}); err != nil {
			t.Errorf("Exec %d: %v", i, err)
			break
		}
	}
	close(stop)
	wg.Wait()
	if err := k.WaitIdle(ctx, 10*time.Second); err != nil {
		t.Errorf("WaitIdle: %v", err)
	}
	if got := k.Stats().Epoch.Freed; got < 200 {
		t.Errorf("freed %d retired objects, want at least 200", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start: %v", err)
	}
	checkNoLeaks(t, k, fs, p)
}

func TestExit(t *testing.T) {
	k, fs := newTestKernel(t, nil)
	p := newTestProcess(t, k, 3)
	if k.Process(p.PID()) != p || k.NumProcesses() != 1 {
		t.Fatalf("process table does not hold %v", p)
	}
	if err := k.Exec(context.Background(), p, 3, progPath, nil); err != nil {
		t.Fatal(err)
	}
	k.Exit(p)
	if k.Process(p.PID()) != nil || k.NumProcesses() != 0 || k.Active(3) != nil {
		t.Errorf("exited process still live")
	}
	if err := k.Exec(context.Background(), p, 3, progPath, nil); !errors.Is(err, ErrProcessExited) {
		t.Errorf("Exec after Exit got err %v, want: %v", err, ErrProcessExited)
	}
	if _, err := k.Fault(p, 3, 0x401000); !errors.Is(err, ErrProcessExited) {
		t.Errorf("Fault after Exit got err %v, want: %v", err, ErrProcessExited)
	}
	checkNoLeaks(t, k, fs, p)
}

func TestExecBadCore(t *testing.T) {
	k, _ := newTestKernel(t, nil)
	p := newTestProcess(t, k, 0)
	if err := k.Exec(context.Background(), p, 4, progPath, nil); Errno(err) != unix.EINVAL {
		t.Errorf("Exec on core 4 got err %v, want EINVAL", err)
	}
	if _, err := k.NewProcess("x", "/", -1); err == nil {
		t.Errorf("NewProcess on core -1 succeeded")
	}
}

func TestProcessName(t *testing.T) {
	for _, tc := range []struct {
		path string
		want string
	}{
		{path: "/bin/prog", want: "prog"},
		{path: "prog", want: "prog"},
		{path: "/usr/local/bin/a-very-long-program-name", want: "a-very-long-pro"},
		{path: "/bin/exactly15chars", want: "exactly15chars"},
		{path: "/x/0123456789abcdef", want: "0123456789abcde"},
	} {
		if got := processName(tc.path); got != tc.want {
			t.Errorf("processName(%q)=%q, want: %q", tc.path, got, tc.want)
		}
		if len(processName(tc.path)) >= nameBufLen {
			t.Errorf("processName(%q) does not fit a %d byte buffer", tc.path, nameBufLen)
		}
	}
}

func TestErrno(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want unix.Errno
	}{
		{err: nil, want: 0},
		{err: ErrWorkerActive, want: unix.EBUSY},
		{err: ErrStackWriteOutOfRange, want: unix.EFAULT},
		{err: errors.Join(io.ErrUnexpectedEOF, ErrTooManyArguments), want: unix.E2BIG},
		{err: unix.EPERM, want: unix.EPERM},
		{err: io.EOF, want: unix.EIO},
	} {
		if got := Errno(tc.err); got != tc.want {
			t.Errorf("Errno(%v)=%v, want: %v", tc.err, got, tc.want)
		}
	}
}

func TestExecStateString(t *testing.T) {
	if got, want := ExecReclaimingOld.String(), "ReclaimingOld"; got != want {
		t.Errorf("String()=%q, want: %q", got, want)
	}
	if got, want := ExecState(42).String(), "ExecState(42)"; got != want {
		t.Errorf("String()=%q, want: %q", got, want)
	}
}
