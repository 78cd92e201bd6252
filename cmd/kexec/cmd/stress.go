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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/kexec/pkg/sentry/fsbridge"
	"gvisor.dev/kexec/pkg/sentry/kernel"
	"gvisor.dev/kexec/pkg/sentry/loader/elfbuild"
)

const stressPath = "/bin/stress"

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	iterations int
	procs      int
	faults     bool
	idle       time.Duration
	metrics    string
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run many concurrent execs and check that all memory is reclaimed"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run execs of an in-memory binary, one process per core, and report kernel counters.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.iterations, "n", 1000, "execs per process.")
	f.IntVar(&s.procs, "procs", 0, "number of processes, 0 for one per core.")
	f.BoolVar(&s.faults, "faults", true, "read the new image after every exec.")
	f.DurationVar(&s.idle, "idle-timeout", 10*time.Second, "how long to wait for reclamation after the last exec.")
	f.StringVar(&s.metrics, "metrics", "", "write kernel counters in Prometheus text format to this file, - for stdout.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := confFromArgs(args)
	fs := fsbridge.NewMemFS()
	fs.AddFile(stressPath, elfbuild.Simple())
	k, err := kernel.New(conf, fs)
	if err != nil {
		Fatalf("creating kernel: %v", err)
	}
	procs := s.procs
	if procs <= 0 || procs > k.NumCores() {
		procs = k.NumCores()
	}

	// Each process goroutine acts as its core and services its own work
	// queue; memory is freed in the background.
	runCtx, stop := context.WithCancel(ctx)
	reclaimed := make(chan error, 1)
	go func() { reclaimed <- k.Epoch().Run(runCtx, conf.ReclaimPeriod.Duration) }()

	begin := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for core := 0; core < procs; core++ {
		g.Go(func() error {
			p, err := k.NewProcess(fmt.Sprintf("stress-%d", core), "/", core)
			if err != nil {
				return err
			}
			defer k.Exit(p)
			argv := []string{"stress", fmt.Sprint(core)}
			for i := 0; i < s.iterations; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := k.Exec(gctx, p, core, stressPath, argv); err != nil {
					return fmt.Errorf("core %d exec %d: %w", core, i, err)
				}
				k.Drain(core)
				if !s.faults {
					continue
				}
				if b, err := k.Fault(p, core, 0x401000); err != nil || b != 0x90 {
					return fmt.Errorf("core %d exec %d: fault read %#x, %v", core, i, b, err)
				}
			}
			return nil
		})
	}
	err = g.Wait()
	elapsed := time.Since(begin)
	if err != nil {
		stop()
		Fatalf("stress: %v", err)
	}

	for core := 0; core < k.NumCores(); core++ {
		k.Deactivate(core)
		k.Drain(core)
	}
	if err := k.WaitIdle(ctx, s.idle); err != nil {
		log.Warningf("Reclaimer still busy: %v", err)
	}
	stop()
	if rerr := <-reclaimed; rerr != nil {
		log.Warningf("Reclaimer: %v", rerr)
	}
	k.Synchronize()

	st := k.Stats()
	fmt.Printf("%d execs on %d cores in %v (%v/exec)\n", st.Execs, procs, elapsed, elapsed/time.Duration(max(st.Execs, 1)))
	fmt.Printf("retired %d generations, epoch %d, freed %d\n", st.Retired, st.Epoch.Epoch, st.Epoch.Freed)
	fmt.Printf("committed %d pages, %d regions, %d resident\n", st.Committed, st.LiveRegions, st.Resident)
	if s.metrics != "" {
		if err := s.writeMetrics(k); err != nil {
			Fatalf("writing metrics: %v", err)
		}
	}
	if st.LiveRegions != 0 || st.Committed != 0 || fs.OpenRefs(stressPath) != 0 {
		Fatalf("memory not reclaimed: %+v", st)
	}
	return subcommands.ExitSuccess
}

func (s *Stress) writeMetrics(k *kernel.Kernel) error {
	if s.metrics == "-" {
		return k.WriteMetrics(os.Stdout)
	}
	f, err := os.Create(s.metrics)
	if err != nil {
		return err
	}
	if err := k.WriteMetrics(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
