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

// Package decoder implements a table driven x86 instruction length decoder.
//
// The decoder computes instruction boundaries, the resolved opcode table
// entry and the layout of each instruction (prefixes, opcode, ModRM, SIB,
// displacement, immediate). It does not produce a full disassembly.
//
// Decoding never fails: bytes that match no known encoding yield an
// invalid or undefined descriptor, and reads past the end of the segment
// return zero filler bytes and are counted so the caller can report the
// truncated instruction.
package decoder

import (
	"gvisor.dev/sfi/pkg/x86/opcode"
)

// LookbackSize is the number of instructions kept for lookback, including
// the current one.
const LookbackSize = 4

var prefixes = func() (p [256]uint32) {
	p[0x26] = PrefixSEGES
	p[0x2e] = PrefixSEGCS
	p[0x36] = PrefixSEGSS
	p[0x3e] = PrefixSEGDS
	p[0x64] = PrefixSEGFS
	p[0x65] = PrefixSEGGS
	p[0x66] = PrefixDATA16
	p[0x67] = PrefixADDR16
	p[0xf0] = PrefixLOCK
	p[0xf2] = PrefixREPNE
	p[0xf3] = PrefixREP
	return p
}()

// Decoder decodes instructions for one mode. It holds no per-call state and
// may be shared.
type Decoder struct {
	mode   opcode.Mode
	tables *opcode.Tables
}

// New returns a decoder for mode m.
func New(m opcode.Mode) *Decoder {
	return &Decoder{mode: m, tables: opcode.For(m)}
}

// Mode returns the decoder's mode.
func (d *Decoder) Mode() opcode.Mode {
	return d.mode
}

// cursor reads instruction bytes, answering reads past the end with zero.
type cursor struct {
	code []byte
	pos  int
	inst *Inst
}

func (c *cursor) peek() byte {
	if c.pos < len(c.code) {
		return c.code[c.pos]
	}
	return 0
}

func (c *cursor) next() byte {
	b := c.peek()
	if c.pos >= len(c.code) {
		c.inst.Overflow++
	}
	c.pos++
	if c.inst.n < len(c.inst.raw) {
		c.inst.raw[c.inst.n] = b
		c.inst.n++
	}
	return b
}

func (c *cursor) skip(n int) {
	for ; n > 0; n-- {
		c.next()
	}
}

// Decode decodes the instruction at the start of code, which is mapped at
// vpc, into inst.
func (d *Decoder) Decode(code []byte, vpc uint64, inst *Inst) {
	inst.reset(vpc, d.mode)
	c := cursor{code: code, inst: inst}
	d.consumePrefixes(&c)
	d.consumeOpcode(&c)
	d.consumeModRM(&c)
	d.consumeSIB(&c)
	d.consumeDispImm(&c)
	d.maybe3DNow(inst)
	d.maybeNop(code, inst)
}

func (d *Decoder) consumePrefixes(c *cursor) {
	inst := c.inst
	for k := 0; k < MaxPrefixBytes; k++ {
		b := c.peek()
		p := prefixes[b]
		if d.mode == opcode.Mode64 && b&0xf0 == 0x40 {
			p = PrefixREX
		}
		if p == 0 {
			return
		}
		c.next()
		if inst.PrefixMask&p != 0 {
			inst.DupPrefix = true
		}
		inst.PrefixMask |= p
		inst.PrefixBytes++
		if p == PrefixREX {
			// REX must be the last prefix.
			inst.Rex = b
			return
		}
	}
}

func (d *Decoder) prefixClass(inst *Inst) opcode.PrefixClass {
	switch {
	case inst.HasPrefix(PrefixDATA16):
		return opcode.Class66
	case inst.HasPrefix(PrefixREPNE):
		return opcode.ClassF2
	case inst.HasPrefix(PrefixREP):
		return opcode.ClassF3
	}
	return opcode.ClassNone
}

func (d *Decoder) consumeOpcode(c *cursor) {
	inst := c.inst
	op := c.next()
	inst.OpcodeBytes = 1
	inst.Desc = d.tables.OneByte(op)
	if op != 0x0f {
		return
	}
	op2 := c.next()
	inst.OpcodeBytes = 2
	class := d.prefixClass(inst)
	inst.Desc = d.tables.TwoByte(class, op2)
	if inst.Desc.Type != opcode.ThreeByte {
		return
	}
	op3 := c.next()
	inst.OpcodeBytes = 3
	inst.Desc = d.tables.ThreeByte(op2, class, op3)
}

func (d *Decoder) consumeModRM(c *cursor) {
	inst := c.inst
	if !inst.Desc.HasModRM {
		return
	}
	inst.ModRM = c.next()
	if inst.Desc.ByModRM != nil {
		inst.Desc = &inst.Desc.ByModRM[inst.ModRM]
	}
	if inst.Desc.ByReg != nil {
		reg := int(inst.ModRM>>3) & 7
		if d.mode == opcode.Mode64 && reg == 1 && inst.RexW() && inst.Desc.Group == opcode.Group9 {
			inst.Desc = opcode.Cmpxchg16bDescriptor()
		} else {
			inst.Desc = &inst.Desc.ByReg[reg]
		}
	}
	mod, rm := inst.ModRM>>6, inst.ModRM&7
	if inst.HasPrefix(PrefixADDR16) {
		switch mod {
		case 0:
			if rm == 6 {
				inst.DispBytes = 2
			}
		case 1:
			inst.DispBytes = 1
		case 2:
			inst.DispBytes = 2
		}
		return
	}
	switch mod {
	case 0:
		if rm == 5 {
			inst.DispBytes = 4
		}
	case 1:
		inst.DispBytes = 1
	case 2:
		inst.DispBytes = 4
	}
	inst.HasSIB = rm == 4 && mod != 3
}

func (d *Decoder) consumeSIB(c *cursor) {
	inst := c.inst
	if !inst.HasSIB {
		return
	}
	inst.SIB = c.next()
	if inst.SIB&7 == 5 {
		switch inst.ModRM >> 6 {
		case 0, 2:
			inst.DispBytes = 4
		case 1:
			inst.DispBytes = 1
		}
	}
}

func (d *Decoder) immBytes(inst *Inst, imm opcode.ImmType) int {
	switch imm {
	case opcode.ImmFixed1:
		return 1
	case opcode.ImmFixed2:
		return 2
	case opcode.ImmFixed3:
		return 3
	case opcode.ImmFixed4:
		return 4
	case opcode.ImmDataV:
		// REX.W takes precedence over 66; the immediate stays 32 bits.
		if d.mode == opcode.Mode64 && inst.RexW() {
			return 4
		}
		if inst.HasPrefix(PrefixDATA16) {
			return 2
		}
		return 4
	case opcode.ImmAddrV:
		switch {
		case d.mode == opcode.Mode64 && inst.HasPrefix(PrefixADDR16):
			return 4
		case d.mode == opcode.Mode64:
			return 8
		case inst.HasPrefix(PrefixADDR16):
			return 2
		}
		return 4
	case opcode.ImmFarPtr:
		if inst.HasPrefix(PrefixDATA16) {
			return 4
		}
		return 6
	case opcode.ImmMovDataV:
		return inst.OperandSize() / 8
	}
	return 0
}

func (d *Decoder) consumeDispImm(c *cursor) {
	inst := c.inst
	imm := inst.Desc.Imm
	// Group 3 test (f6 /0, f7 /0) is the only member with an immediate.
	if inst.Desc.HasModRM && inst.ModRM>>3&7 == 0 {
		switch imm {
		case opcode.ImmGroup3F6:
			imm = opcode.ImmFixed1
		case opcode.ImmGroup3F7:
			imm = opcode.ImmDataV
		}
	}
	inst.ImmBytes = d.immBytes(inst, imm)
	c.skip(inst.DispBytes)
	c.skip(inst.ImmBytes)
}

// maybe3DNow resolves 0f 0f, whose operation is in the trailing byte.
func (d *Decoder) maybe3DNow(inst *Inst) {
	if inst.Desc.BySuffix == nil || inst.n == 0 {
		return
	}
	inst.Desc = &inst.Desc.BySuffix[inst.raw[inst.n-1]]
}

// maybeNop replaces the decoded instruction with the longest predefined
// nop sequence starting at the same address, if any.
func (d *Decoder) maybeNop(code []byte, inst *Inst) {
	nop, n := d.tables.MatchNop(func(i int) (byte, bool) {
		if i < len(code) {
			return code[i], true
		}
		return 0, false
	})
	if nop == nil {
		return
	}
	vpc := inst.VPC
	inst.reset(vpc, d.mode)
	inst.Desc = nop
	inst.Predefined = true
	inst.OpcodeBytes = n
	inst.n = copy(inst.raw[:], code[:n])
}
