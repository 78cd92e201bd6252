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

// Binary kexec loads ELF64 executables into a simulated multicore kernel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/refs"
	"gvisor.dev/kexec/cmd/kexec/cmd"
	"gvisor.dev/kexec/pkg/config"
)

var configPath = flag.String("config", "", "path to a TOML configuration file. Flags override its values.")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Load), "")
	subcommands.Register(new(cmd.Stress), "")

	conf := config.Default()
	conf.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *configPath != "" {
		fileConf, err := config.Load(*configPath)
		if err != nil {
			cmd.Fatalf("%v", err)
		}
		// Flags given on the command line win over the file.
		overrides := flag.NewFlagSet("overrides", flag.ContinueOnError)
		fileConf.RegisterFlags(overrides)
		flag.Visit(func(f *flag.Flag) {
			if f.Name == "config" {
				return
			}
			if err := overrides.Set(f.Name, f.Value.String()); err != nil {
				cmd.Fatalf("flag --%s: %v", f.Name, err)
			}
		})
		conf = fileConf
	}
	if err := conf.Validate(); err != nil {
		cmd.Fatalf("invalid configuration: %v", err)
	}

	mode, err := conf.LeakMode()
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	refs.SetLeakMode(mode)

	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	log.SetTarget(newEmitter(conf.LogFormat))

	status := subcommands.Execute(context.Background(), conf)
	// Check for leaks before exiting.
	refs.DoLeakCheck()
	os.Exit(int(status))
}

func newEmitter(format string) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: os.Stderr}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: os.Stderr}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic(fmt.Sprintf("unreachable: log format %q", format))
}
