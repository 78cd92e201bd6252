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

import "fmt"

// ExecState is a step of an exec.
type ExecState int

// Exec runs Resolving, Validating, Building, Committing, ReclaimingOld and
// Done in order. Any error moves it to Failed. Nothing about the process
// changes before Committing, and nothing can fail after it.
const (
	ExecResolving ExecState = iota
	ExecValidating
	ExecBuilding
	ExecCommitting
	ExecReclaimingOld
	ExecDone
	ExecFailed
)

var execStateNames = [...]string{
	ExecResolving:     "Resolving",
	ExecValidating:    "Validating",
	ExecBuilding:      "Building",
	ExecCommitting:    "Committing",
	ExecReclaimingOld: "ReclaimingOld",
	ExecDone:          "Done",
	ExecFailed:        "Failed",
}

// String implements fmt.Stringer.
func (s ExecState) String() string {
	if s >= 0 && int(s) < len(execStateNames) {
		return execStateNames[s]
	}
	return fmt.Sprintf("ExecState(%d)", int(s))
}

// Terminal returns true for Done and Failed.
func (s ExecState) Terminal() bool {
	return s == ExecDone || s == ExecFailed
}
