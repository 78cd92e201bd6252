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

// Package cmd holds the kexec subcommands.
package cmd

import (
	"fmt"
	"os"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/kexec/pkg/config"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(os.Stderr, "FATAL ERROR: "+format+"\n", args...)
	os.Exit(128)
}

// confFromArgs returns the configuration main passes to every subcommand.
func confFromArgs(args []any) *config.Config {
	if len(args) == 0 {
		Fatalf("no configuration passed to subcommand")
	}
	conf, ok := args[0].(*config.Config)
	if !ok {
		Fatalf("unexpected subcommand argument %T", args[0])
	}
	return conf
}
