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

// Package kref provides the reference count shared by a generation's address
// space, page map and worker handle. Live counts are registered with gVisor's
// leak checker.
package kref

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/refs"
)

// Refs is a reference count embedded in objects of type T. It starts at one
// and the destructor passed to DecRef runs once, when it reaches zero. A
// count that has reached zero never becomes positive again.
type Refs[T any] struct {
	n atomicbitops.Int64
}

// InitRefs sets the count to one and registers r for leak checking.
func (r *Refs[T]) InitRefs() {
	r.n.Store(1)
	refs.Register(r)
}

// RefType implements refs.CheckedObject.RefType.
func (r *Refs[T]) RefType() string {
	var obj *T
	return fmt.Sprintf("%T", obj)[1:]
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (r *Refs[T]) LeakMessage() string {
	return fmt.Sprintf("%s %p still holds %d references", r.RefType(), r, r.ReadRefs())
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (r *Refs[T]) LogRefs() bool {
	return false
}

// ReadRefs returns the current count. It is only a snapshot.
func (r *Refs[T]) ReadRefs() int64 {
	return r.n.Load()
}

// IncRef takes a reference. The caller must already hold one.
func (r *Refs[T]) IncRef() {
	if v := r.n.Add(1); v <= 1 {
		panic(fmt.Sprintf("IncRef on %s %p with no live references", r.RefType(), r))
	}
}

// TryIncRef takes a reference unless the count has already dropped to zero.
// Readers that reach r without holding a reference use it.
func (r *Refs[T]) TryIncRef() bool {
	for {
		v := r.n.Load()
		if v <= 0 {
			return false
		}
		if r.n.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// DecRef drops a reference, unregistering r and calling destroy (if non-nil)
// when it was the last.
func (r *Refs[T]) DecRef(destroy func()) {
	v := r.n.Add(-1)
	if v < 0 {
		panic(fmt.Sprintf("DecRef on %s %p with no live references", r.RefType(), r))
	}
	if v > 0 {
		return
	}
	refs.Unregister(r)
	if destroy != nil {
		destroy()
	}
}
