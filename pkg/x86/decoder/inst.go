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

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/sfi/pkg/x86/opcode"
)

// Prefix mask bits. 2e and 3e double as branch hints on conditional jumps.
const (
	PrefixSEGCS  = 0x0001 // 2e
	PrefixSEGSS  = 0x0002 // 36
	PrefixSEGFS  = 0x0004 // 64
	PrefixSEGGS  = 0x0008 // 65
	PrefixDATA16 = 0x0010 // 66
	PrefixADDR16 = 0x0020 // 67
	PrefixREPNE  = 0x0040 // f2
	PrefixREP    = 0x0080 // f3
	PrefixLOCK   = 0x0100 // f0
	PrefixSEGES  = 0x0200 // 26
	PrefixSEGDS  = 0x0400 // 3e
	PrefixREX    = 0x1000 // 40-4f, 64-bit only
)

// MaxPrefixBytes is the number of prefix bytes consumed before the next
// byte is taken as an opcode.
const MaxPrefixBytes = 4

// MaxLength is the architectural instruction length limit.
const MaxLength = 15

// maxBytes bounds what the decoder can consume, which exceeds MaxLength for
// some prefix-laden encodings.
const maxBytes = MaxPrefixBytes + 3 + 1 + 1 + 4 + 8

// General purpose register numbers as encoded with REX.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Special values returned by Inst.Memory for the base and index.
const (
	NoReg  = -1
	RIPReg = -2
)

// Inst is one decoded instruction.
type Inst struct {
	// VPC is the virtual address of the first byte.
	VPC uint64

	// Desc is the resolved table entry.
	Desc *opcode.Descriptor

	raw [maxBytes]byte
	n   int

	PrefixBytes int
	OpcodeBytes int
	HasSIB      bool
	ModRM       byte
	SIB         byte
	DispBytes   int
	ImmBytes    int
	PrefixMask  uint32
	Rex         byte

	// DupPrefix is set when a prefix byte appeared more than once.
	DupPrefix bool

	// Predefined is set when the bytes matched one of the predefined nop
	// sequences, whose prefixes are exempt from prefix checks.
	Predefined bool

	// Overflow counts filler bytes read past the end of the segment.
	Overflow int

	mode opcode.Mode
}

func (i *Inst) reset(vpc uint64, mode opcode.Mode) {
	*i = Inst{VPC: vpc, mode: mode}
}

// Bytes returns the instruction's encoding, including filler bytes if it
// was truncated.
func (i *Inst) Bytes() []byte {
	return i.raw[:i.n]
}

// Len returns the instruction length in bytes.
func (i *Inst) Len() int {
	n := i.PrefixBytes + i.OpcodeBytes + i.DispBytes + i.ImmBytes
	if i.hasModRM() {
		n++
	}
	if i.HasSIB {
		n++
	}
	return n
}

// End returns the address just past the instruction.
func (i *Inst) End() uint64 {
	return i.VPC + uint64(i.Len())
}

// Truncated reports whether the instruction runs past the end of its segment.
func (i *Inst) Truncated() bool {
	return i.Overflow > 0
}

func (i *Inst) hasModRM() bool {
	return i.Desc != nil && i.Desc.HasModRM
}

// HasPrefix reports whether any of the given prefix bits is present.
func (i *Inst) HasPrefix(mask uint32) bool {
	return i.PrefixMask&mask != 0
}

// Opcode returns the n'th opcode byte.
func (i *Inst) Opcode(n int) byte {
	return i.raw[i.PrefixBytes+n]
}

// Mod returns the ModRM mod field.
func (i *Inst) Mod() int {
	return int(i.ModRM >> 6)
}

// Reg returns the ModRM reg field, extended by REX.R.
func (i *Inst) Reg() int {
	return int(i.ModRM>>3)&7 | int(i.Rex&4)<<1
}

// RM returns the ModRM r/m field, extended by REX.B.
func (i *Inst) RM() int {
	return int(i.ModRM)&7 | int(i.Rex&1)<<3
}

// OpcodeReg returns the register encoded in the low bits of the last
// opcode byte, extended by REX.B.
func (i *Inst) OpcodeReg() int {
	return int(i.Opcode(i.OpcodeBytes-1))&7 | int(i.Rex&1)<<3
}

// RexW reports whether REX.W is set.
func (i *Inst) RexW() bool {
	return i.Rex&8 != 0
}

// OperandSize returns the effective operand size in bits for "v" sized
// operands.
func (i *Inst) OperandSize() int {
	switch {
	case i.mode == opcode.Mode64 && i.RexW():
		return 64
	case i.HasPrefix(PrefixDATA16):
		return 16
	default:
		return 32
	}
}

func (i *Inst) sizeBits(s opcode.OperandSize) int {
	switch s {
	case opcode.SizeB:
		return 8
	case opcode.SizeW:
		return 16
	case opcode.SizeD:
		return 32
	case opcode.SizeQ:
		return 64
	case opcode.SizeV:
		return i.OperandSize()
	case opcode.SizeZ:
		return min(i.OperandSize(), 32)
	case opcode.SizeS:
		if i.HasPrefix(PrefixDATA16) {
			return 16
		}
		return int(i.mode)
	}
	return 0
}

func (i *Inst) dispOffset() int {
	n := i.PrefixBytes + i.OpcodeBytes
	if i.hasModRM() {
		n++
	}
	if i.HasSIB {
		n++
	}
	return n
}

// Disp returns the sign-extended displacement.
func (i *Inst) Disp() int64 {
	return signExtend(i.raw[i.dispOffset():], i.DispBytes)
}

// Imm returns the sign-extended immediate. Far pointers and enter's two
// immediates are returned as their raw little-endian value.
func (i *Inst) Imm() int64 {
	return signExtend(i.raw[i.dispOffset()+i.DispBytes:], i.ImmBytes)
}

func signExtend(b []byte, n int) int64 {
	switch n {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case 8:
		return int64(binary.LittleEndian.Uint64(b))
	}
	var v uint64
	for k := n - 1; k >= 0; k-- {
		v = v<<8 | uint64(b[k])
	}
	return int64(v)
}

// Target returns the destination of a direct branch.
func (i *Inst) Target() (uint64, bool) {
	switch i.Desc.Type {
	case opcode.Jmp8, opcode.JmpZ:
	default:
		return 0, false
	}
	t := i.End() + uint64(i.Imm())
	switch {
	case i.HasPrefix(PrefixDATA16):
		t &= 0xffff
	case i.mode == opcode.Mode32:
		t &= 0xffffffff
	}
	return t, true
}

var regNames = [4][16]string{
	{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil", "r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b"},
	{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di", "r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w"},
	{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"},
	{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"},
}

// RegisterName returns the AT&T name of a general register accessed with
// the given width.
func RegisterName(reg, bits int) string {
	switch reg {
	case NoReg:
		return "none"
	case RIPReg:
		return "%rip"
	}
	w := 3
	switch bits {
	case 8:
		w = 0
	case 16:
		w = 1
	case 32:
		w = 2
	}
	if reg < 0 || reg > R15 {
		return fmt.Sprintf("r?%d", reg)
	}
	return "%" + regNames[w][reg]
}

// RegWrite is a general purpose register written by an instruction.
type RegWrite struct {
	Reg  int
	Bits int
}

// Writes appends the general purpose registers the instruction writes
// through its explicit operands to dst. Implicit stack pointer updates
// (push, pop, call) are not reported.
func (i *Inst) Writes(dst []RegWrite) []RegWrite {
	d := i.Desc
	if d == nil || len(d.Operands) == 0 || d.Flags&opcode.NopFlag != 0 {
		return dst
	}
	n := 1
	if d.Flags&opcode.Both != 0 && len(d.Operands) > 1 {
		n = 2
	}
	for k := 0; k < n; k++ {
		if k == 0 && d.Flags&opcode.NoWrite != 0 {
			continue
		}
		if w, ok := i.operandReg(d.Operands[k]); ok {
			dst = append(dst, w)
		}
	}
	return dst
}

func (i *Inst) operandReg(op opcode.Operand) (RegWrite, bool) {
	bits := i.sizeBits(op.Size)
	var reg int
	switch op.Kind {
	case opcode.KindE, opcode.KindR:
		if i.Mod() != 3 {
			return RegWrite{}, false
		}
		reg = i.RM()
	case opcode.KindG:
		reg = i.Reg()
	case opcode.KindZ:
		reg = i.OpcodeReg()
	case opcode.KindAcc:
		reg = RAX
	default:
		return RegWrite{}, false
	}
	// Without REX, byte registers 4-7 are ah, ch, dh and bh.
	if bits == 8 && i.Rex == 0 && reg >= 4 && reg < 8 {
		reg -= 4
	}
	return RegWrite{Reg: reg, Bits: bits}, true
}

// Memory describes the instruction's ModRM memory operand. ok is false for
// register forms and instructions without ModRM.
func (i *Inst) Memory() (base, index int, ok bool) {
	if !i.hasModRM() || i.Mod() == 3 {
		return NoReg, NoReg, false
	}
	if i.HasPrefix(PrefixADDR16) {
		return NoReg, NoReg, true
	}
	mod, rm := i.Mod(), int(i.ModRM&7)
	if rm == 4 {
		base = int(i.SIB&7) | int(i.Rex&1)<<3
		if base&7 == 5 && mod == 0 {
			base = NoReg
		}
		index = int(i.SIB>>3)&7 | int(i.Rex&2)<<2
		if index == RSP {
			index = NoReg
		}
		return base, index, true
	}
	if rm == 5 && mod == 0 {
		if i.mode == opcode.Mode64 {
			return RIPReg, NoReg, true
		}
		return NoReg, NoReg, true
	}
	return i.RM(), NoReg, true
}

func (i *Inst) String() string {
	return fmt.Sprintf("%08x: % x %s", i.VPC, i.Bytes(), i.Desc.Mnemonic)
}
