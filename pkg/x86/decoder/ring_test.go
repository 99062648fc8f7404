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

import "testing"

func TestRing(t *testing.T) {
	r := NewRing[int](3)
	if r.Current() != nil {
		t.Fatalf("Current() on empty ring = %v, want nil", *r.Current())
	}
	for i := 1; i <= 5; i++ {
		*r.Advance() = i
	}
	if got := *r.Current(); got != 5 {
		t.Errorf("Current() = %d, want 5", got)
	}
	for n, want := range map[int]int{1: 4, 2: 3} {
		if p := r.Previous(n); p == nil || *p != want {
			t.Errorf("Previous(%d) = %v, want %d", n, p, want)
		}
	}
	// The ring only holds three entries, so 2 has been overwritten.
	if p := r.Previous(3); p != nil {
		t.Errorf("Previous(3) = %d, want nil", *p)
	}
	if r.Len() != 3 || r.Count() != 5 {
		t.Errorf("Len(), Count() = %d, %d, want 3, 5", r.Len(), r.Count())
	}
	r.Reset()
	if r.Current() != nil || r.Previous(1) != nil {
		t.Errorf("ring not empty after Reset")
	}
}

func TestRingPreviousBeforeFill(t *testing.T) {
	r := NewRing[int](4)
	*r.Advance() = 1
	*r.Advance() = 2
	if p := r.Previous(1); p == nil || *p != 1 {
		t.Errorf("Previous(1) = %v, want 1", p)
	}
	if p := r.Previous(2); p != nil {
		t.Errorf("Previous(2) = %d, want nil", *p)
	}
}
