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
	"testing"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/sfi/pkg/abi/nacl"
)

func TestProtString(t *testing.T) {
	for _, tc := range []struct {
		prot Prot
		want string
	}{
		{None, "---"},
		{Read, "r--"},
		{RW, "rw-"},
		{RX, "r-x"},
		{Read | Write | Exec, "rwx"},
	} {
		if got := tc.prot.String(); got != tc.want {
			t.Errorf("Prot(%d).String() = %q, want %q", tc.prot, got, tc.want)
		}
	}
}

func TestReserveBounds(t *testing.T) {
	for _, tc := range []struct {
		bits uint
		want nacl.Status
	}{
		{nacl.MinAddrBits - 1, nacl.LoadAddrSpaceTooSmall},
		{nacl.MaxAddrBits + 1, nacl.LoadAddrSpaceTooBig},
	} {
		_, err := Reserve(tc.bits)
		if got := nacl.StatusOf(err); got != tc.want {
			t.Errorf("Reserve(%d) = %v, want status %v", tc.bits, err, tc.want)
		}
	}
}

func TestRegion(t *testing.T) {
	r, err := Reserve(nacl.MinAddrBits)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	defer r.Release()

	if got, want := r.Size(), uint64(1)<<nacl.MinAddrBits; got != want {
		t.Errorf("Size() = %#x, want %#x", got, want)
	}

	const addr = nacl.AllocPageSize
	if err := r.Protect(addr, 100, RW); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	if err := r.Fill(addr, 100, nacl.HaltOpcode); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}
	b, err := r.Bytes(addr, 101)
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if b[0] != nacl.HaltOpcode || b[99] != nacl.HaltOpcode || b[100] != 0 {
		t.Errorf("after Fill got % x ... % x, want halts then zero", b[:2], b[98:])
	}

	if err := r.Protect(addr+1, 1, Read); err == nil {
		t.Errorf("Protect on unaligned address succeeded")
	}
	if _, err := r.Bytes(r.Size()-1, 2); err == nil {
		t.Errorf("Bytes past the end succeeded")
	}
	if _, err := r.Bytes(^uint64(0), 2); err == nil {
		t.Errorf("Bytes with overflowing range succeeded")
	}

	if err := r.Release(); err != nil {
		t.Errorf("Release failed: %v", err)
	}
	if err := r.Release(); err != nil {
		t.Errorf("second Release failed: %v", err)
	}
}

func mappings(v *Vmmap) []Mapping {
	var ms []Mapping
	v.Visit(func(m Mapping) bool {
		ms = append(ms, m)
		return true
	})
	return ms
}

func TestVmmapAdd(t *testing.T) {
	for _, tc := range []struct {
		name string
		adds []Mapping
		want []Mapping
	}{
		{
			name: "disjoint",
			adds: []Mapping{
				{Start: 0x20000, End: 0x30000, Prot: RX, Name: "text"},
				{Start: 0x0, End: 0x10000, Prot: None, Name: "guard"},
			},
			want: []Mapping{
				{Start: 0x0, End: 0x10000, Prot: None, Name: "guard"},
				{Start: 0x20000, End: 0x30000, Prot: RX, Name: "text"},
			},
		},
		{
			name: "split",
			adds: []Mapping{
				{Start: 0x0, End: 0x40000, Prot: None, Name: "untouchable"},
				{Start: 0x10000, End: 0x20000, Prot: RX, Name: "trampolines"},
			},
			want: []Mapping{
				{Start: 0x0, End: 0x10000, Prot: None, Name: "untouchable"},
				{Start: 0x10000, End: 0x20000, Prot: RX, Name: "trampolines"},
				{Start: 0x20000, End: 0x40000, Prot: None, Name: "untouchable"},
			},
		},
		{
			name: "cover",
			adds: []Mapping{
				{Start: 0x10000, End: 0x20000, Prot: RW, Name: "a"},
				{Start: 0x20000, End: 0x30000, Prot: RW, Name: "b"},
				{Start: 0x8000, End: 0x28000, Prot: Read, Name: "c"},
			},
			want: []Mapping{
				{Start: 0x8000, End: 0x28000, Prot: Read, Name: "c"},
				{Start: 0x28000, End: 0x30000, Prot: RW, Name: "b"},
			},
		},
		{
			name: "replace same start",
			adds: []Mapping{
				{Start: 0x10000, End: 0x30000, Prot: RW, Name: "a"},
				{Start: 0x10000, End: 0x20000, Prot: Read, Name: "b"},
			},
			want: []Mapping{
				{Start: 0x10000, End: 0x20000, Prot: Read, Name: "b"},
				{Start: 0x20000, End: 0x30000, Prot: RW, Name: "a"},
			},
		},
		{
			name: "empty ignored",
			adds: []Mapping{{Start: 0x10000, End: 0x10000, Name: "empty"}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			v := NewVmmap()
			for _, m := range tc.adds {
				v.Add(m)
			}
			if diff := cmp.Diff(tc.want, mappings(v)); diff != "" {
				t.Errorf("mappings mismatch (-want +got):\n%s", diff)
			}
			if got := v.Len(); got != len(tc.want) {
				t.Errorf("Len() = %d, want %d", got, len(tc.want))
			}
		})
	}
}

func TestVmmapFind(t *testing.T) {
	v := NewVmmap()
	v.Add(Mapping{Start: 0x10000, End: 0x20000, Prot: RX, Name: "text"})
	v.Add(Mapping{Start: 0x30000, End: 0x40000, Prot: RW, Name: "data"})

	for _, tc := range []struct {
		addr uint64
		want string
		ok   bool
	}{
		{0x0, "", false},
		{0x10000, "text", true},
		{0x1ffff, "text", true},
		{0x20000, "", false},
		{0x35000, "data", true},
		{0x40000, "", false},
	} {
		m, ok := v.Find(tc.addr)
		if ok != tc.ok || (ok && m.Name != tc.want) {
			t.Errorf("Find(%#x) = %v, %t, want %q, %t", tc.addr, m, ok, tc.want, tc.ok)
		}
	}

	v.Remove(0x18000, 0x38000)
	want := "00010000-00018000 r-x text\n00038000-00040000 rw- data\n"
	if got := v.String(); got != want {
		t.Errorf("String() after Remove = %q, want %q", got, want)
	}
}
