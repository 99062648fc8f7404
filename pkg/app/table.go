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

package app

import (
	"errors"
	"sync"
)

// ErrTLSExhausted is returned when every thread slot is in use.
var ErrTLSExhausted = errors.New("no free thread slot")

// Table maps thread numbers to threads. Numbers are reused lowest first.
type Table struct {
	mu      sync.Mutex
	threads []*Thread
	count   int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{}
}

// Add registers t under the lowest free number and returns it.
func (tb *Table) Add(t *Thread) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	n := len(tb.threads)
	for i, o := range tb.threads {
		if o == nil {
			n = i
			break
		}
	}
	if n == len(tb.threads) {
		tb.threads = append(tb.threads, nil)
	}
	tb.threads[n] = t
	tb.count++
	t.num.Store(int32(n))
	return n
}

// Get returns thread n, or nil.
func (tb *Table) Get(n int) *Thread {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if n < 0 || n >= len(tb.threads) {
		return nil
	}
	return tb.threads[n]
}

// Remove unregisters t. It returns the number of threads left.
func (tb *Table) Remove(t *Thread) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	n := int(t.num.Load())
	if n >= 0 && n < len(tb.threads) && tb.threads[n] == t {
		tb.threads[n] = nil
		tb.count--
		for len(tb.threads) > 0 && tb.threads[len(tb.threads)-1] == nil {
			tb.threads = tb.threads[:len(tb.threads)-1]
		}
	}
	return tb.count
}

// Visit calls fn for every thread in number order. fn must not call back
// into the table.
func (tb *Table) Visit(fn func(*Thread)) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for _, t := range tb.threads {
		if t != nil {
			fn(t)
		}
	}
}

// Len returns the number of threads.
func (tb *Table) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.count
}

// TLSAllocator hands out per-thread slots. A slot indexes the per-thread
// state the trampolines reach, so there are never more than nacl.ThreadMax.
type TLSAllocator struct {
	mu   sync.Mutex
	used []bool
	next int
}

// NewTLSAllocator returns an allocator of n slots.
func NewTLSAllocator(n int) *TLSAllocator {
	return &TLSAllocator{used: make([]bool, n)}
}

// Allocate returns a free slot. Slot 0 is never handed out.
func (a *TLSAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < len(a.used); i++ {
		idx := (a.next + i) % len(a.used)
		if idx == 0 || a.used[idx] {
			continue
		}
		a.used[idx] = true
		a.next = idx + 1
		return idx, nil
	}
	return 0, ErrTLSExhausted
}

// Free returns idx to the pool.
func (a *TLSAllocator) Free(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx > 0 && idx < len(a.used) {
		a.used[idx] = false
	}
}
