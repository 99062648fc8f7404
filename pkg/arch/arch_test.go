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

package arch

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/sfi/pkg/x86/opcode"
)

func TestTruncation(t *testing.T) {
	c := New(opcode.Mode32)
	c.SetIP(0x1_0002_0000)
	c.SetStack(0xffff_ffff_ffff_fff0)
	c.SetReturn(^uint64(0))
	if got, want := c.IP(), uint64(0x20000); got != want {
		t.Errorf("IP() = %#x, want %#x", got, want)
	}
	if got, want := c.Stack(), uint64(0xfffffff0); got != want {
		t.Errorf("Stack() = %#x, want %#x", got, want)
	}
	if got, want := c.Return(), uint64(0xffffffff); got != want {
		t.Errorf("Return() = %#x, want %#x", got, want)
	}

	c64 := New(opcode.Mode64)
	c64.SetIP(0x1_0002_0000)
	if got, want := c64.IP(), uint64(0x1_0002_0000); got != want {
		t.Errorf("64-bit IP() = %#x, want %#x", got, want)
	}
}

func TestTLS(t *testing.T) {
	c := New(opcode.Mode32)
	c.SetTLS(0x1234)
	if c.Regs.GsBase != 0x1234 || c.Regs.FsBase != 0 {
		t.Errorf("32-bit SetTLS set fs=%#x gs=%#x, want gs only", c.Regs.FsBase, c.Regs.GsBase)
	}
	c64 := New(opcode.Mode64)
	c64.SetTLS(0x5678)
	if c64.TLS() != 0x5678 || c64.Regs.GsBase != 0 {
		t.Errorf("64-bit SetTLS set fs=%#x gs=%#x, want fs only", c64.Regs.FsBase, c64.Regs.GsBase)
	}
}

func TestFork(t *testing.T) {
	c := New(opcode.Mode64)
	c.Regs.Rax = 1
	c.SetBase(0x7f00_0000_0000)
	f := c.Fork()
	if diff := cmp.Diff(c, f); diff != "" {
		t.Errorf("Fork() mismatch (-want +got):\n%s", diff)
	}
	f.Regs.Rax = 2
	if c.Regs.Rax != 1 {
		t.Errorf("mutating fork changed original")
	}
}

func TestRegisterArg(t *testing.T) {
	c := New(opcode.Mode64)
	c.Regs.Rdi, c.Regs.R9 = 10, 15
	if v, ok := c.RegisterArg(0); !ok || v != 10 {
		t.Errorf("RegisterArg(0) = %d, %t, want 10, true", v, ok)
	}
	if v, ok := c.RegisterArg(5); !ok || v != 15 {
		t.Errorf("RegisterArg(5) = %d, %t, want 15, true", v, ok)
	}
	if _, ok := c.RegisterArg(6); ok {
		t.Errorf("RegisterArg(6) succeeded")
	}
	if _, ok := New(opcode.Mode32).RegisterArg(0); ok {
		t.Errorf("32-bit RegisterArg(0) succeeded")
	}
}

func TestGDBRegisters(t *testing.T) {
	for _, tc := range []struct {
		mode opcode.Mode
		size int
		ipAt int
	}{
		{opcode.Mode32, 16 * 4, 8 * 4},
		{opcode.Mode64, 17*8 + 7*4, 16 * 8},
	} {
		t.Run(tc.mode.String(), func(t *testing.T) {
			c := New(tc.mode)
			c.SetIP(0x20040)
			c.Regs.Rax = 0x11
			b := c.GDBRegisters()
			if len(b) != tc.size {
				t.Fatalf("GDBRegisters() is %d bytes, want %d", len(b), tc.size)
			}
			if b[0] != 0x11 || b[tc.ipAt] != 0x40 || b[tc.ipAt+1] != 0x00 || b[tc.ipAt+2] != 0x02 {
				t.Errorf("GDBRegisters() = % x, want rax first and ip at %d", b, tc.ipAt)
			}

			other := New(tc.mode)
			if err := other.SetGDBRegisters(b); err != nil {
				t.Fatalf("SetGDBRegisters failed: %v", err)
			}
			if diff := cmp.Diff(c.Regs, other.Regs); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
			if err := other.SetGDBRegisters(b[1:]); err == nil {
				t.Errorf("SetGDBRegisters accepted a short block")
			}
		})
	}
}
