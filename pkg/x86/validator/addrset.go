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

package validator

import "math/bits"

// addrSet is a set of addresses within one segment, stored as a bitmap of
// offsets from the segment base.
type addrSet struct {
	base  uint64
	words []uint64
}

func newAddrSet(base uint64, size int) addrSet {
	return addrSet{base: base, words: make([]uint64, (size+63)/64)}
}

func (s *addrSet) index(addr uint64) (int, uint64, bool) {
	if addr < s.base {
		return 0, 0, false
	}
	off := addr - s.base
	if off >= uint64(len(s.words))*64 {
		return 0, 0, false
	}
	return int(off / 64), 1 << (off % 64), true
}

// Add adds addr. Addresses outside the segment are ignored.
func (s *addrSet) Add(addr uint64) {
	if i, bit, ok := s.index(addr); ok {
		s.words[i] |= bit
	}
}

// Contains reports whether addr is in the set.
func (s *addrSet) Contains(addr uint64) bool {
	i, bit, ok := s.index(addr)
	return ok && s.words[i]&bit != 0
}

// Len returns the number of addresses in the set.
func (s *addrSet) Len() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}
