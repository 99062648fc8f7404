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

package decoder

// Ring is a fixed capacity history of the most recent values, with O(1)
// access to the value n positions back.
type Ring[T any] struct {
	buf   []T
	head  int
	count int
}

// NewRing returns an empty ring holding at most capacity values.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("decoder: ring capacity must be positive")
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Advance makes room for a new value and returns its slot. The slot holds
// whatever value it last held; callers reinitialize it.
func (r *Ring[T]) Advance() *T {
	if r.count > 0 {
		r.head = (r.head + 1) % len(r.buf)
	}
	r.count++
	return &r.buf[r.head]
}

// Current returns the newest value, or nil if the ring is empty.
func (r *Ring[T]) Current() *T {
	if r.count == 0 {
		return nil
	}
	return &r.buf[r.head]
}

// Previous returns the value n positions before the newest one. It returns
// nil unless 0 < n < Len().
func (r *Ring[T]) Previous(n int) *T {
	if n <= 0 || n >= r.Len() {
		return nil
	}
	return &r.buf[(r.head-n+len(r.buf))%len(r.buf)]
}

// Len returns the number of values available, at most the capacity.
func (r *Ring[T]) Len() int {
	return min(r.count, len(r.buf))
}

// Count returns the number of values ever added.
func (r *Ring[T]) Count() int {
	return r.count
}

// Reset empties the ring.
func (r *Ring[T]) Reset() {
	r.head, r.count = 0, 0
}
