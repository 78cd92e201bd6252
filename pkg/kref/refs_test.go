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

package kref

import (
	"sync"
	"testing"
)

type object struct {
	Refs[object]
	destroyed int
}

func newObject() *object {
	o := &object{}
	o.InitRefs()
	return o
}

func (o *object) DecRef() {
	o.Refs.DecRef(func() { o.destroyed++ })
}

func TestDestroyOnce(t *testing.T) {
	o := newObject()
	o.IncRef()
	o.IncRef()
	if got := o.ReadRefs(); got != 3 {
		t.Fatalf("ReadRefs got %d want 3", got)
	}
	for i := 0; i < 3; i++ {
		o.DecRef()
	}
	if o.destroyed != 1 {
		t.Errorf("destructor ran %d times, want 1", o.destroyed)
	}
}

func TestTryIncRefAfterFree(t *testing.T) {
	o := newObject()
	if !o.TryIncRef() {
		t.Fatalf("TryIncRef on live object failed")
	}
	o.DecRef()
	o.DecRef()
	if o.TryIncRef() {
		t.Errorf("TryIncRef succeeded on freed object")
	}
	if got := o.ReadRefs(); got != 0 {
		t.Errorf("ReadRefs got %d want 0", got)
	}
}

func TestDecRefPanicsBelowZero(t *testing.T) {
	o := newObject()
	o.DecRef()
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("DecRef of freed object did not panic")
		}
	}()
	o.DecRef()
}

func TestRefType(t *testing.T) {
	o := newObject()
	defer o.DecRef()
	if got, want := o.RefType(), "kref.object"; got != want {
		t.Errorf("RefType got %q want %q", got, want)
	}
}

func TestConcurrentTryIncRef(t *testing.T) {
	o := newObject()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if !o.TryIncRef() {
					t.Errorf("TryIncRef failed while a reference was held")
					return
				}
				o.DecRef()
			}
		}()
	}
	wg.Wait()
	if got := o.ReadRefs(); got != 1 {
		t.Errorf("ReadRefs got %d want 1", got)
	}
	if o.destroyed != 0 {
		t.Errorf("destructor ran while a reference was held")
	}
	o.DecRef()
	if o.destroyed != 1 {
		t.Errorf("destructor ran %d times, want 1", o.destroyed)
	}
}
