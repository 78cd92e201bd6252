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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/kexec/pkg/sentry/fsbridge"
	"gvisor.dev/kexec/pkg/sentry/kernel"
	"gvisor.dev/kexec/pkg/sentry/loader"
)

// Load implements subcommands.Command for the "load" command.
type Load struct {
	root string
	cwd  string
	core int
}

// Name implements subcommands.Command.Name.
func (*Load) Name() string {
	return "load"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Load) Synopsis() string {
	return "exec a host ELF64 binary and print the resulting memory image"
}

// Usage implements subcommands.Command.Usage.
func (*Load) Usage() string {
	return `load [flags] <path> [args...] - exec <path> in a new process and print its regions, registers and arguments.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Load) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.root, "root", "/", "host directory that is the root of the file system.")
	f.StringVar(&l.cwd, "cwd", "/", "working directory of the process, relative to root.")
	f.IntVar(&l.core, "core", 0, "core to exec on.")
}

// Execute implements subcommands.Command.Execute.
func (l *Load) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := confFromArgs(args)
	fs, err := fsbridge.NewHostFS(l.root)
	if err != nil {
		Fatalf("opening root: %v", err)
	}
	k, err := kernel.New(conf, fs)
	if err != nil {
		Fatalf("creating kernel: %v", err)
	}
	p, err := k.NewProcess("kexec", l.cwd, l.core)
	if err != nil {
		Fatalf("creating process: %v", err)
	}
	path := f.Arg(0)
	if err := k.Exec(ctx, p, l.core, path, f.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "exec %s: %v (errno %d)\n", path, err, kernel.Errno(err))
		return subcommands.ExitFailure
	}

	img := p.Image()
	fmt.Printf("pid %d %q on core %d\n", p.PID(), p.Name(), p.RunCore())
	fmt.Printf("rip %#x rsp %#x brk %#x\n", img.Regs.RIP, img.Regs.RSP, img.Vmap.Brk())
	for _, r := range img.Vmap.Regions() {
		fmt.Printf("  %v\n", r)
	}
	argv, err := loader.ReadArgs(img.Vmap, img.Regs.RSP)
	if err != nil {
		Fatalf("reading arguments back: %v", err)
	}
	fmt.Printf("argv %q\n", argv)

	k.Exit(p)
	k.Deactivate(l.core)
	k.Synchronize()
	if s := k.Stats(); s.LiveRegions != 0 {
		Fatalf("%d regions left after exit", s.LiveRegions)
	}
	return subcommands.ExitSuccess
}
