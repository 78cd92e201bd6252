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

package cpu

import (
	"context"
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// DefaultQueueCapacity is the per-core queue capacity used when none is
// configured.
const DefaultQueueCapacity = 256

// Queue is a bounded FIFO of Work owned by one core.
type Queue struct {
	mu sync.Mutex

	// ring holds queued items; head indexes the oldest and n counts them.
	//
	// +checklocks:mu
	ring []Work
	// +checklocks:mu
	head int
	// +checklocks:mu
	n int

	// ready has a pending token whenever the queue may be non-empty.
	ready chan struct{}

	injected atomicbitops.Uint64
	executed atomicbitops.Uint64
}

func newQueue(capacity int) *Queue {
	return &Queue{
		ring:  make([]Work, capacity),
		ready: make(chan struct{}, 1),
	}
}

// push appends w, returning false if the queue is full.
func (q *Queue) push(w Work) bool {
	q.mu.Lock()
	if q.n == len(q.ring) {
		q.mu.Unlock()
		return false
	}
	q.ring[(q.head+q.n)%len(q.ring)] = w
	q.n++
	q.mu.Unlock()

	q.injected.Add(1)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) pop() (Work, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return Work{}, false
	}
	w := q.ring[q.head]
	q.ring[q.head] = Work{}
	q.head = (q.head + 1) % len(q.ring)
	q.n--
	return w, true
}

// drain runs queued items until the queue is empty, including items injected
// by the items themselves.
func (q *Queue) drain() int {
	ran := 0
	for {
		w, ok := q.pop()
		if !ok {
			return ran
		}
		w.run()
		q.executed.Add(1)
		ran++
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Set is the collection of per-core queues of one machine.
type Set struct {
	queues []*Queue
}

// NewSet returns a Set of ncores queues with the given capacity each.
func NewSet(ncores, capacity int) *Set {
	if ncores <= 0 {
		panic(fmt.Sprintf("cpu set needs at least one core, got %d", ncores))
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	s := &Set{queues: make([]*Queue, ncores)}
	for i := range s.queues {
		s.queues[i] = newQueue(capacity)
	}
	return s
}

// NumCores returns the number of cores in s.
func (s *Set) NumCores() int {
	return len(s.queues)
}

// Queue returns core's queue.
func (s *Set) Queue(core int) *Queue {
	if core < 0 || core >= len(s.queues) {
		panic(fmt.Sprintf("core %d out of range [0, %d)", core, len(s.queues)))
	}
	return s.queues[core]
}

// Inject enqueues w on core's queue. It may be called from any core. A full
// queue is a fatal condition.
func (s *Set) Inject(core int, w Work) {
	if w.Fn == nil {
		panic("cpu.Inject of work without a function")
	}
	if !s.Queue(core).push(w) {
		panic(fmt.Sprintf("work queue of core %d overflowed injecting %v", core, w))
	}
}

// Drain runs all work queued on core and returns how many items ran.
//
// Preconditions: The caller is executing as core.
func (s *Set) Drain(core int) int {
	return s.Queue(core).drain()
}

// Run is the consumer loop of core: it drains the queue each time work is
// injected, until ctx is done.
func (s *Set) Run(ctx context.Context, core int) error {
	q := s.Queue(core)
	for {
		select {
		case <-ctx.Done():
			// Leave nothing behind for a core that is going away.
			if n := q.drain(); n > 0 {
				log.Debugf("core %d: drained %d work items on shutdown", core, n)
			}
			return nil
		case <-q.ready:
			q.drain()
		}
	}
}

// Stats returns the number of items injected into and executed by core.
func (s *Set) Stats(core int) (injected, executed uint64) {
	q := s.Queue(core)
	return q.injected.Load(), q.executed.Load()
}
