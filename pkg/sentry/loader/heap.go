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

package loader

import (
	"gvisor.dev/kexec/pkg/sentry/vm"
)

// BuildHeap maps the initial heap at l.HeapBase and sets v's break just past
// its start.
func BuildHeap(v *vm.Vmap, l Layout) error {
	n, err := vm.NewAnonNode(v.Allocator(), l.HeapPages)
	if err != nil {
		return err
	}
	if err := v.Insert(n, l.HeapBase()); err != nil {
		n.Destroy()
		return err
	}
	v.SetBrk(l.HeapBase() + brkSlack)
	return nil
}
