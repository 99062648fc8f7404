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

// Package opcode describes the x86 instruction encodings understood by the
// validator.
//
// The tables are data: they are authored in tables.yaml, embedded into the
// binary and turned into immutable lookup arrays the first time a mode is
// requested. Nothing in this package changes after that, so a *Tables may
// be shared by any number of concurrent decoders.
package opcode

import "fmt"

// Mode is the instruction set width being decoded.
type Mode int

// Supported modes.
const (
	Mode32 Mode = 32
	Mode64 Mode = 64
)

func (m Mode) String() string {
	switch m {
	case Mode32:
		return "x86-32"
	case Mode64:
		return "x86-64"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// InstType categorizes an instruction for the purposes of validation.
type InstType uint8

// Instruction categories. The order is stable and is used as the cache and
// statistics key, so new categories go at the end.
const (
	Undefined InstType = iota // uninitialized table space
	Illegal                   // not allowed in the sandbox
	Invalid                   // not valid on any known x86
	System                    // ring-0 instruction
	Nop                       // predefined nop sequence
	I386                      // allowed on all i386 implementations
	I386L                     // i386, accepts LOCK
	I386R                     // i386, accepts REP
	I386RE                    // i386, accepts REPE/REPNE
	Jmp8                      // direct branch, 8-bit displacement
	JmpZ                      // direct branch, 16/32-bit displacement
	Indirect                  // indirect jump or call
	OpInModRM                 // operation selected by ModRM reg
	Return
	SfenceClflush
	Cmpxchg8b
	Cmpxchg16b
	Cmov
	Rdmsr
	Rdtsc
	Rdtscp
	Syscall
	Sysenter
	X87
	MMX
	MMXSSE2 // MMX with no prefix, SSE2 with 66
	ThreeDNow
	EMMX
	E3DNow
	SSE
	SSE2
	SSE2x // SSE2, 66 prefix required
	SSE3
	SSE4A
	SSE41
	SSE42
	Movbe
	Popcnt
	Lzcnt
	LongMode
	SVM
	SSSE3
	ThreeByte
	FCmov
	VMX
	FXSave

	numInstTypes
)

var instTypeNames = [numInstTypes]string{
	Undefined:     "undefined",
	Illegal:       "illegal",
	Invalid:       "invalid",
	System:        "system",
	Nop:           "nop",
	I386:          "386",
	I386L:         "386l",
	I386R:         "386r",
	I386RE:        "386re",
	Jmp8:          "jmp8",
	JmpZ:          "jmpz",
	Indirect:      "indirect",
	OpInModRM:     "opinmrm",
	Return:        "return",
	SfenceClflush: "sfence_clflush",
	Cmpxchg8b:     "cmpxchg8b",
	Cmpxchg16b:    "cmpxchg16b",
	Cmov:          "cmov",
	Rdmsr:         "rdmsr",
	Rdtsc:         "rdtsc",
	Rdtscp:        "rdtscp",
	Syscall:       "syscall",
	Sysenter:      "sysenter",
	X87:           "x87",
	MMX:           "mmx",
	MMXSSE2:       "mmxsse2",
	ThreeDNow:     "3dnow",
	EMMX:          "emmx",
	E3DNow:        "e3dnow",
	SSE:           "sse",
	SSE2:          "sse2",
	SSE2x:         "sse2x",
	SSE3:          "sse3",
	SSE4A:         "sse4a",
	SSE41:         "sse41",
	SSE42:         "sse42",
	Movbe:         "movbe",
	Popcnt:        "popcnt",
	Lzcnt:         "lzcnt",
	LongMode:      "longmode",
	SVM:           "svm",
	SSSE3:         "ssse3",
	ThreeByte:     "3byte",
	FCmov:         "fcmov",
	VMX:           "vmx",
	FXSave:        "fxsave",
}

// NumInstTypes is the number of instruction categories.
const NumInstTypes = int(numInstTypes)

func (t InstType) String() string {
	if t < numInstTypes {
		return instTypeNames[t]
	}
	return fmt.Sprintf("InstType(%d)", uint8(t))
}

func parseInstType(s string) (InstType, error) {
	for i, n := range instTypeNames {
		if n == s {
			return InstType(i), nil
		}
	}
	return Undefined, fmt.Errorf("unknown instruction type %q", s)
}

// Vector reports whether t is an MMX, SSE or 3DNow! category, i.e. one whose
// 66/f2/f3 prefixed forms are distinct instructions.
func (t InstType) Vector() bool {
	switch t {
	case MMX, MMXSSE2, ThreeDNow, EMMX, E3DNow, SSE, SSE2, SSE2x, SSE3, SSE4A, SSE41, SSE42, SSSE3:
		return true
	}
	return false
}

// ImmType describes the shape of an instruction's immediate operand.
type ImmType uint8

// Immediate shapes.
const (
	ImmUnknown ImmType = iota
	ImmNone
	ImmFixed1
	ImmFixed2
	ImmFixed3
	ImmFixed4
	ImmDataV  // operand sized, at most 4 bytes
	ImmAddrV  // address sized (moffs)
	ImmGroup3F6
	ImmGroup3F7
	ImmFarPtr
	ImmMovDataV // operand sized, 8 bytes with REX.W (b8-bf)
)

var immTypeNames = map[string]ImmType{
	"":         ImmNone,
	"1":        ImmFixed1,
	"2":        ImmFixed2,
	"3":        ImmFixed3,
	"4":        ImmFixed4,
	"datav":    ImmDataV,
	"addrv":    ImmAddrV,
	"group3f6": ImmGroup3F6,
	"group3f7": ImmGroup3F7,
	"farptr":   ImmFarPtr,
	"movdatav": ImmMovDataV,
}

// Group identifies a ModRM opcode group.
type Group uint8

// Opcode groups.
const (
	NoGroup Group = iota
	Group1
	Group2
	Group3
	Group4
	Group5
	Group6
	Group7
	Group8
	Group9
	Group10
	Group11
	Group12
	Group13
	Group14
	Group15
	Group16
	Group17
	Group1A
	GroupP

	numGroups
)

func parseGroup(s string) (Group, error) {
	switch s {
	case "":
		return NoGroup, nil
	case "1a":
		return Group1A, nil
	case "p":
		return GroupP, nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n < 1 || n > 17 {
		return NoGroup, fmt.Errorf("unknown group %q", s)
	}
	return Group(n), nil
}

// Flags are per-descriptor attributes.
type Flags uint16

// Descriptor flags.
const (
	// NoWrite marks instructions that do not write their first operand.
	NoWrite Flags = 1 << iota

	// NoMem marks instructions whose ModRM memory form computes an address
	// without accessing it (lea, nop, prefetch).
	NoMem

	// Lock marks forms that accept a LOCK prefix.
	Lock

	// NopFlag marks predefined nop sequences.
	NopFlag

	// IllegalFlag marks instructions banned in the sandbox.
	IllegalFlag

	// Both marks instructions that write both of their first two operands.
	Both

	// String marks instructions with implicit rsi/rdi memory operands.
	String

	// CondJump marks conditional branches, which accept 2e/3e hints.
	CondJump

	// Mandatory marks entries selected by a 66, f2 or f3 prefix, which is
	// then part of the opcode rather than a modifier.
	Mandatory
)

var flagNames = map[string]Flags{
	"nowrite":  NoWrite,
	"nomem":    NoMem,
	"both":     Both,
	"string":   String,
	"condjump": CondJump,
}

// Descriptor is one opcode table entry.
type Descriptor struct {
	Type     InstType
	HasModRM bool
	Imm      ImmType
	Group    Group
	Mnemonic string

	// Form is the operand text the entry was authored with and Operands its
	// parsed form, destination first.
	Form     string
	Operands []Operand
	Flags    Flags

	// ByReg is set for opcodes whose operation is selected by the ModRM reg
	// field; ByModRM for the x87 escapes; BySuffix for 0f 0f.
	ByReg    *[8]Descriptor
	ByModRM  *[256]Descriptor
	BySuffix *[256]Descriptor
}

// Illegal reports whether d is banned in the sandbox.
func (d *Descriptor) Illegal() bool {
	return d.Flags&IllegalFlag != 0
}

// Unmatched reports whether d is one of the categories that the predefined
// nop sequences are allowed to override.
func (d *Descriptor) Unmatched() bool {
	switch d.Type {
	case Undefined, Invalid, Illegal:
		return true
	}
	return false
}

func (d *Descriptor) String() string {
	if d.Form == "" {
		return fmt.Sprintf("%s (%s)", d.Mnemonic, d.Type)
	}
	return fmt.Sprintf("%s %s (%s)", d.Mnemonic, d.Form, d.Type)
}

var invalid = Descriptor{Type: Invalid, Imm: ImmNone, Mnemonic: "(bad)"}

var cmpxchg16b = Descriptor{
	Type:     Cmpxchg16b,
	HasModRM: true,
	Imm:      ImmNone,
	Mnemonic: "cmpxchg16b",
	Form:     "Mdq",
	Operands: []Operand{{Kind: KindM, Size: SizeVector}},
	Flags:    Lock,
}

// Cmpxchg16bDescriptor returns the descriptor for 0f c7 /1 under REX.W,
// which the tables cannot express since it is selected by a prefix bit.
func Cmpxchg16bDescriptor() *Descriptor {
	return &cmpxchg16b
}
