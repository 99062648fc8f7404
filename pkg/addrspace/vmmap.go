// Copyright 2025 The gVisor Authors.
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

package addrspace

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"
)

// Mapping is a range of sandbox addresses with uniform permissions.
type Mapping struct {
	Start uint64
	End   uint64
	Prot  Prot
	Name  string
}

// Len returns the size of m.
func (m Mapping) Len() uint64 {
	return m.End - m.Start
}

func (m Mapping) String() string {
	return fmt.Sprintf("%08x-%08x %v %s", m.Start, m.End, m.Prot, m.Name)
}

// Vmmap is the map of a sandbox address space. Mappings never overlap.
//
// Vmmap is safe for concurrent use.
type Vmmap struct {
	mu   sync.Mutex
	tree *btree.BTreeG[Mapping]

	// gen is bumped by every change.
	gen uint64
}

// NewVmmap returns an empty map.
func NewVmmap() *Vmmap {
	return &Vmmap{
		tree: btree.NewG(8, func(a, b Mapping) bool { return a.Start < b.Start }),
	}
}

// Add inserts m, replacing whatever was mapped in its range.
func (v *Vmmap) Add(m Mapping) {
	if m.Start >= m.End {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removeLocked(m.Start, m.End)
	v.tree.ReplaceOrInsert(m)
	v.gen++
}

// Remove unmaps [start, end), splitting mappings that straddle it.
func (v *Vmmap) Remove(start, end uint64) {
	if start >= end {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removeLocked(start, end)
	v.gen++
}

func (v *Vmmap) removeLocked(start, end uint64) {
	var overlaps []Mapping
	v.tree.DescendLessOrEqual(Mapping{Start: start}, func(o Mapping) bool {
		if o.End > start {
			overlaps = append(overlaps, o)
		}
		return false
	})
	v.tree.AscendRange(Mapping{Start: start + 1}, Mapping{Start: end}, func(o Mapping) bool {
		overlaps = append(overlaps, o)
		return true
	})
	for _, o := range overlaps {
		v.tree.Delete(o)
		if o.Start < start {
			left := o
			left.End = start
			v.tree.ReplaceOrInsert(left)
		}
		if o.End > end {
			right := o
			right.Start = end
			v.tree.ReplaceOrInsert(right)
		}
	}
}

// Find returns the mapping containing addr.
func (v *Vmmap) Find(addr uint64) (Mapping, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var found Mapping
	ok := false
	v.tree.DescendLessOrEqual(Mapping{Start: addr}, func(o Mapping) bool {
		found, ok = o, addr < o.End
		return false
	})
	return found, ok
}

// Visit calls fn for each mapping in address order until fn returns false.
func (v *Vmmap) Visit(fn func(Mapping) bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tree.Ascend(btree.ItemIteratorG[Mapping](fn))
}

// Generation returns a counter that changes whenever the map does.
func (v *Vmmap) Generation() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.gen
}

// Len returns the number of mappings.
func (v *Vmmap) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tree.Len()
}

// String prints one mapping per line.
func (v *Vmmap) String() string {
	var b strings.Builder
	v.Visit(func(m Mapping) bool {
		fmt.Fprintln(&b, m)
		return true
	})
	return b.String()
}
