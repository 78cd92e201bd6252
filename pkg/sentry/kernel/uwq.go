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

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/kexec/pkg/kref"
)

var workerIDs atomicbitops.Uint64

// WorkerQueue is the handle of an asynchronous worker attached to a process.
// A process with a worker cannot exec.
type WorkerQueue struct {
	kref.Refs[WorkerQueue]

	id       uint64
	released atomicbitops.Bool
}

// NewWorkerQueue returns a WorkerQueue holding one reference.
func NewWorkerQueue() *WorkerQueue {
	w := &WorkerQueue{id: workerIDs.Add(1)}
	w.InitRefs()
	return w
}

// String implements fmt.Stringer.
func (w *WorkerQueue) String() string {
	return fmt.Sprintf("uwq#%d", w.id)
}

// DecRef drops a reference; the last one releases the worker.
func (w *WorkerQueue) DecRef() {
	w.Refs.DecRef(func() {
		w.released.Store(true)
		log.Debugf("%v released", w)
	})
}

// Released returns true once the last reference is gone.
func (w *WorkerQueue) Released() bool {
	return w.released.Load()
}
