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

package vcache

import (
	"testing"
	"time"

	"gvisor.dev/sfi/pkg/cpuid"
	"gvisor.dev/sfi/pkg/x86/opcode"
)

func query() *Query {
	return &Query{
		Mode:       opcode.Mode64,
		Features:   cpuid.FixedFeatureSet(),
		BundleSize: 32,
		VBase:      0x20000,
		Code:       []byte{0x90, 0x90, 0xf4},
	}
}

func TestKeyCoversInputs(t *testing.T) {
	base := query().Key()
	for _, tc := range []struct {
		name   string
		mutate func(q *Query)
	}{
		{name: "mode", mutate: func(q *Query) { q.Mode = opcode.Mode32 }},
		{name: "features", mutate: func(q *Query) { q.Features.Add(cpuid.SSE41) }},
		{name: "bundle", mutate: func(q *Query) { q.BundleSize = 16 }},
		{name: "vbase", mutate: func(q *Query) { q.VBase = 0x40000 }},
		{name: "code", mutate: func(q *Query) { q.Code[1] = 0xf4 }},
		{name: "code length", mutate: func(q *Query) { q.Code = q.Code[:2] }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			q := query()
			tc.mutate(q)
			if q.Key() == base {
				t.Errorf("changing %s did not change the key", tc.name)
			}
		})
	}
	if query().Key() != base {
		t.Errorf("key is not deterministic")
	}
}

func testCache(t *testing.T, c Cache) {
	t.Helper()
	q := query()
	if c.IsKnownValid(q) {
		t.Fatalf("empty cache reports a hit")
	}
	c.SetKnownValid(q)
	if !c.IsKnownValid(query()) {
		t.Errorf("recorded query not found")
	}
	other := query()
	other.Code = []byte{0xcc}
	if c.IsKnownValid(other) {
		t.Errorf("unrelated query reported as known")
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	testCache(t, m)
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestLevelDB(t *testing.T) {
	c, err := NewMemLevelDB()
	if err != nil {
		t.Fatalf("NewMemLevelDB: %v", err)
	}
	defer c.Close()
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	testCache(t, c)
}

func TestLevelDBPersists(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenLevelDB(dir)
	if err != nil {
		t.Fatalf("OpenLevelDB: %v", err)
	}
	c.SetKnownValid(query())
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c, err = OpenLevelDB(dir)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer c.Close()
	if !c.IsKnownValid(query()) {
		t.Errorf("entry lost across reopen")
	}
}

func TestNop(t *testing.T) {
	var c Nop
	c.SetKnownValid(query())
	if c.IsKnownValid(query()) {
		t.Errorf("Nop cache reports a hit")
	}
}
