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

// Package vcache remembers code segments that are known to validate, so a
// module loaded again on the same CPU skips validation.
//
// Entries are keyed by a BLAKE3 digest of everything that influences the
// validator's verdict: the validator identity, the CPU feature set, the
// bundle size, the load address and the code bytes.
package vcache

import (
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/zeebo/blake3"

	"gvisor.dev/sfi/pkg/cpuid"
	"gvisor.dev/sfi/pkg/x86/opcode"
)

// KeySize is the size of a query key.
const KeySize = 32

// Key identifies one validation query.
type Key [KeySize]byte

// String implements fmt.Stringer.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Query describes a segment to be looked up or recorded.
type Query struct {
	Mode       opcode.Mode
	Features   cpuid.FeatureSet
	BundleSize int
	VBase      uint64
	Code       []byte
}

// Key returns the cache key of q.
func (q *Query) Key() Key {
	h := blake3.New()
	// Each variable-length field is length-prefixed so that no two
	// queries hash the same byte stream.
	field := func(b []byte) {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	field([]byte(q.Mode.String()))
	field(q.Features.Bytes())
	var fixed [16]byte
	binary.LittleEndian.PutUint64(fixed[:8], uint64(q.BundleSize))
	binary.LittleEndian.PutUint64(fixed[8:], q.VBase)
	h.Write(fixed[:])
	field(q.Code)

	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// Cache is a set of segments known to validate.
//
// Implementations must be safe for concurrent use.
type Cache interface {
	// IsKnownValid reports whether the query was previously recorded.
	IsKnownValid(q *Query) bool

	// SetKnownValid records the query. Callers only record segments that
	// validated without modification.
	SetKnownValid(q *Query)
}

// Memory is a process-local cache.
type Memory struct {
	mu    sync.Mutex
	known map[Key]struct{}
}

// NewMemory returns an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{known: make(map[Key]struct{})}
}

// IsKnownValid implements Cache.IsKnownValid.
func (m *Memory) IsKnownValid(q *Query) bool {
	k := q.Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.known[k]
	return ok
}

// SetKnownValid implements Cache.SetKnownValid.
func (m *Memory) SetKnownValid(q *Query) {
	k := q.Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known[k] = struct{}{}
}

// Len returns the number of recorded segments.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.known)
}

// Nop never remembers anything.
type Nop struct{}

// IsKnownValid implements Cache.IsKnownValid.
func (Nop) IsKnownValid(*Query) bool { return false }

// SetKnownValid implements Cache.SetKnownValid.
func (Nop) SetKnownValid(*Query) {}
