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

// Package arch describes the register state of a sandboxed thread.
package arch

import (
	"encoding/binary"
	"fmt"

	"github.com/mohae/deepcopy"

	"gvisor.dev/sfi/pkg/x86/opcode"
)

// Registers is the user register file. In 32-bit mode only the low halves
// are meaningful.
type Registers struct {
	Rax    uint64
	Rbx    uint64
	Rcx    uint64
	Rdx    uint64
	Rsi    uint64
	Rdi    uint64
	Rbp    uint64
	Rsp    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	Rip    uint64
	Eflags uint64
	FsBase uint64
	GsBase uint64
}

// Context is the state of one thread that the runtime reads and writes
// between trips into sandboxed code.
type Context struct {
	Mode opcode.Mode
	Regs Registers
}

// New returns a zeroed context for mode.
func New(mode opcode.Mode) *Context {
	return &Context{Mode: mode}
}

// Fork returns an exact copy of this context.
func (c *Context) Fork() *Context {
	return deepcopy.Copy(c).(*Context)
}

// Width returns the byte width of a pointer.
func (c *Context) Width() uint64 {
	if c.Mode == opcode.Mode64 {
		return 8
	}
	return 4
}

func (c *Context) trunc(v uint64) uint64 {
	if c.Mode == opcode.Mode64 {
		return v
	}
	return uint64(uint32(v))
}

// IP returns the current instruction pointer.
func (c *Context) IP() uint64 {
	return c.trunc(c.Regs.Rip)
}

// SetIP sets the current instruction pointer.
func (c *Context) SetIP(v uint64) {
	c.Regs.Rip = c.trunc(v)
}

// Stack returns the current stack pointer.
func (c *Context) Stack() uint64 {
	return c.trunc(c.Regs.Rsp)
}

// SetStack sets the current stack pointer.
func (c *Context) SetStack(v uint64) {
	c.Regs.Rsp = c.trunc(v)
}

// Return returns the current syscall return value.
func (c *Context) Return() uint64 {
	return c.trunc(c.Regs.Rax)
}

// SetReturn sets the syscall return value.
func (c *Context) SetReturn(v uint64) {
	c.Regs.Rax = c.trunc(v)
}

// TLS returns the thread pointer.
func (c *Context) TLS() uint64 {
	if c.Mode == opcode.Mode64 {
		return c.Regs.FsBase
	}
	return c.Regs.GsBase
}

// SetTLS sets the thread pointer. 32-bit threads reach it through %gs,
// 64-bit threads through %fs.
func (c *Context) SetTLS(v uint64) {
	if c.Mode == opcode.Mode64 {
		c.Regs.FsBase = v
		return
	}
	c.Regs.GsBase = c.trunc(v)
}

// SetBase installs the sandbox base register. Only 64-bit code addresses
// memory relative to a base.
func (c *Context) SetBase(v uint64) {
	if c.Mode == opcode.Mode64 {
		c.Regs.R15 = v
	}
}

// Syscall arguments of 64-bit threads, in order.
func (c *Context) regArgs() [6]uint64 {
	r := &c.Regs
	return [6]uint64{r.Rdi, r.Rsi, r.Rdx, r.Rcx, r.R8, r.R9}
}

// RegisterArg returns the i'th syscall argument when arguments are passed
// in registers. 32-bit threads pass them on the stack, so ok is false.
func (c *Context) RegisterArg(i int) (uint64, bool) {
	if c.Mode != opcode.Mode64 || i < 0 || i >= 6 {
		return 0, false
	}
	return c.regArgs()[i], true
}

// gdbLayout lists the registers in the order of the debugger's 'g'
// packet, as pointers into r with their byte width.
func (c *Context) gdbLayout() []gdbReg {
	r := &c.Regs
	if c.Mode == opcode.Mode64 {
		return []gdbReg{
			{&r.Rax, 8}, {&r.Rbx, 8}, {&r.Rcx, 8}, {&r.Rdx, 8},
			{&r.Rsi, 8}, {&r.Rdi, 8}, {&r.Rbp, 8}, {&r.Rsp, 8},
			{&r.R8, 8}, {&r.R9, 8}, {&r.R10, 8}, {&r.R11, 8},
			{&r.R12, 8}, {&r.R13, 8}, {&r.R14, 8}, {&r.R15, 8},
			{&r.Rip, 8}, {&r.Eflags, 4},
			// cs ss ds es fs gs
			{nil, 4}, {nil, 4}, {nil, 4}, {nil, 4}, {nil, 4}, {nil, 4},
		}
	}
	return []gdbReg{
		{&r.Rax, 4}, {&r.Rcx, 4}, {&r.Rdx, 4}, {&r.Rbx, 4},
		{&r.Rsp, 4}, {&r.Rbp, 4}, {&r.Rsi, 4}, {&r.Rdi, 4},
		{&r.Rip, 4}, {&r.Eflags, 4},
		{nil, 4}, {nil, 4}, {nil, 4}, {nil, 4}, {nil, 4}, {nil, 4},
	}
}

type gdbReg struct {
	v    *uint64
	size int
}

// GDBRegisters encodes the register file in the debugger's 'g' packet
// layout. Segment registers read as zero.
func (c *Context) GDBRegisters() []byte {
	var out []byte
	for _, g := range c.gdbLayout() {
		var v uint64
		if g.v != nil {
			v = *g.v
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		out = append(out, buf[:g.size]...)
	}
	return out
}

// SetGDBRegisters decodes a 'G' packet body. Writes to segment registers
// are ignored.
func (c *Context) SetGDBRegisters(b []byte) error {
	layout := c.gdbLayout()
	want := 0
	for _, g := range layout {
		want += g.size
	}
	if len(b) != want {
		return fmt.Errorf("register block is %d bytes, want %d", len(b), want)
	}
	for _, g := range layout {
		var buf [8]byte
		copy(buf[:], b[:g.size])
		b = b[g.size:]
		if g.v != nil {
			*g.v = binary.LittleEndian.Uint64(buf[:])
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (c *Context) String() string {
	r := &c.Regs
	return fmt.Sprintf("ip=%#x sp=%#x ax=%#x bx=%#x cx=%#x dx=%#x si=%#x di=%#x bp=%#x flags=%#x",
		c.IP(), c.Stack(), r.Rax, r.Rbx, r.Rcx, r.Rdx, r.Rsi, r.Rdi, r.Rbp, r.Eflags)
}
