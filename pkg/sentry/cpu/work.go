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

// Package cpu implements per-core inbound work queues. Any core may inject a
// work item into another core's queue; only the owning core drains it, so
// resources released by a work item are always torn down on the core that
// owns them.
package cpu

import (
	"fmt"
)

// Work is a deferred call of Fn with up to three untyped arguments.
type Work struct {
	Fn   func(arg0, arg1, arg2 any)
	Arg0 any
	Arg1 any
	Arg2 any
}

func (w *Work) run() {
	w.Fn(w.Arg0, w.Arg1, w.Arg2)
}

// String implements fmt.Stringer.
func (w Work) String() string {
	return fmt.Sprintf("work{%p %v %v %v}", w.Fn, w.Arg0, w.Arg1, w.Arg2)
}
