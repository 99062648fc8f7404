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

package desc

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// MaxDescriptors bounds the size of a Table.
const MaxDescriptors = 4096

// Table maps descriptor numbers to descriptors. The table holds one
// reference on each entry.
//
// Table is safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	entries []Desc
}

// Set installs d at n, replacing and releasing any previous entry. The
// table takes the caller's reference on d.
func (t *Table) Set(n int, d Desc) error {
	if n < 0 || n >= MaxDescriptors {
		return unix.EBADF
	}
	t.mu.Lock()
	for len(t.entries) <= n {
		t.entries = append(t.entries, nil)
	}
	old := t.entries[n]
	t.entries[n] = d
	t.mu.Unlock()
	if old != nil {
		old.DecRef()
	}
	return nil
}

// Add installs d at the lowest free number. The table takes the caller's
// reference on d.
func (t *Table) Add(d Desc) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for n, e := range t.entries {
		if e == nil {
			t.entries[n] = d
			return n, nil
		}
	}
	if len(t.entries) >= MaxDescriptors {
		return -1, unix.EMFILE
	}
	t.entries = append(t.entries, d)
	return len(t.entries) - 1, nil
}

// Get returns the descriptor at n with a new reference, which the caller
// must drop.
func (t *Table) Get(n int) (Desc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < 0 || n >= len(t.entries) || t.entries[n] == nil {
		return nil, unix.EBADF
	}
	d := t.entries[n]
	d.IncRef()
	return d, nil
}

// Remove releases the descriptor at n.
func (t *Table) Remove(n int) error {
	t.mu.Lock()
	if n < 0 || n >= len(t.entries) || t.entries[n] == nil {
		t.mu.Unlock()
		return unix.EBADF
	}
	d := t.entries[n]
	t.entries[n] = nil
	t.mu.Unlock()
	d.DecRef()
	return nil
}

// Dup installs another reference to the descriptor at n at the lowest free
// number.
func (t *Table) Dup(n int) (int, error) {
	d, err := t.Get(n)
	if err != nil {
		return -1, err
	}
	m, err := t.Add(d)
	if err != nil {
		d.DecRef()
	}
	return m, err
}

// Dup2 installs another reference to the descriptor at n at m.
func (t *Table) Dup2(n, m int) (int, error) {
	d, err := t.Get(n)
	if err != nil {
		return -1, err
	}
	if err := t.Set(m, d); err != nil {
		d.DecRef()
		return -1, err
	}
	return m, nil
}

// Len returns the number of installed descriptors.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, e := range t.entries {
		if e != nil {
			count++
		}
	}
	return count
}

// RemoveAll releases every descriptor.
func (t *Table) RemoveAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = nil
	t.mu.Unlock()
	for _, d := range entries {
		if d != nil {
			d.DecRef()
		}
	}
}

// String lists the installed descriptors.
func (t *Table) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	for n, e := range t.entries {
		if e != nil {
			fmt.Fprintf(&b, "%d: %v\n", n, e)
		}
	}
	return b.String()
}
