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

package opcode

import "fmt"

// illegalTypes are categories never allowed in the sandbox.
var illegalTypes = map[InstType]bool{
	Return:     true,
	EMMX:       true,
	Illegal:    true,
	System:     true,
	Rdmsr:      true,
	Rdtscp:     true,
	SVM:        true,
	ThreeByte:  true,
	Undefined:  true,
	Invalid:    true,
	Syscall:    true,
	Sysenter:   true,
	VMX:        true,
	LongMode:   true,
}

// illegalMnemonics are banned regardless of encoding.
var illegalMnemonics = map[string]bool{
	"aaa": true, "aad": true, "aam": true, "aas": true,
	"bound": true, "daa": true, "das": true, "enter": true,
	"in": true, "insb": true, "insd": true, "insw": true,
	"int": true, "into": true, "int1": true, "int3": true,
	"iret": true, "iretd": true, "iretq": true, "leave": true,
	"out": true, "outsb": true, "outsd": true, "outsw": true,
	"popa": true, "popad": true, "popf": true, "popfd": true, "popfq": true,
	"pusha": true, "pushad": true, "pushf": true, "pushfd": true, "pushfq": true,
	"ret": true,
	// 0xd6 is reserved in the Intel manual.
	"salc": true,
	// 0f 0b alone is accepted as a predefined nop; every other form is not.
	"ud2":  true,
	"xlat": true,
	// Placeholder for 0f 0f before the suffix byte has been seen.
	"3dnow": true,
}

// illegalSeq names one encoding banned by opcode bytes rather than by
// mnemonic. reg is the ModRM reg field, or -1.
type illegalSeq struct {
	mnemonic string
	bytes    []byte
	reg      int
}

var illegalSeqs = []illegalSeq{
	{"push", []byte{0x06}, -1},
	{"push", []byte{0x0e}, -1},
	{"prefetch", []byte{0x0f, 0x0d}, 2},
	{"prefetch", []byte{0x0f, 0x0d}, 3},
	{"prefetch", []byte{0x0f, 0x0d}, 4},
	{"prefetch", []byte{0x0f, 0x0d}, 5},
	{"prefetch", []byte{0x0f, 0x0d}, 6},
	{"prefetch", []byte{0x0f, 0x0d}, 7},
	{"push", []byte{0x16}, -1},
	{"push", []byte{0x1e}, -1},
	{"pop", []byte{0x07}, -1},
	{"pop", []byte{0x17}, -1},
	{"pop", []byte{0x1f}, -1},
	// 0x82 aliases 0x80 in 32-bit mode only.
	{"add", []byte{0x82}, 0},
	{"or", []byte{0x82}, 1},
	{"adc", []byte{0x82}, 2},
	{"sbb", []byte{0x82}, 3},
	{"and", []byte{0x82}, 4},
	{"sub", []byte{0x82}, 5},
	{"xor", []byte{0x82}, 6},
	{"cmp", []byte{0x82}, 7},
	{"mov", []byte{0x8c}, -1},
	{"mov", []byte{0x8e}, -1},
	{"lcall", []byte{0x9a}, -1},
	{"ljmp", []byte{0xea}, -1},
	{"lcall", []byte{0xff}, 3},
	{"ljmp", []byte{0xff}, 5},
}

// applyIllegal marks every descriptor banned by category, mnemonic or
// opcode sequence.
func (t *Tables) applyIllegal() error {
	mark := func(d *Descriptor) {
		if illegalTypes[d.Type] || illegalMnemonics[d.Mnemonic] {
			d.Flags |= IllegalFlag
		}
	}
	for _, tbl := range t.all() {
		for op := range tbl {
			d := &tbl[op]
			mark(d)
			t.visitSecondary(d, mark)
		}
	}
	for _, s := range illegalSeqs {
		d, err := t.lookupSeq(s)
		if err != nil {
			return err
		}
		if d == nil {
			// Not encodable in this mode; the table already has it invalid.
			continue
		}
		d.Flags |= IllegalFlag
	}
	return nil
}

func (t *Tables) visitSecondary(d *Descriptor, fn func(*Descriptor)) {
	if d.ByReg != nil {
		for i := range d.ByReg {
			fn(&d.ByReg[i])
		}
	}
	if d.ByModRM != nil {
		for i := range d.ByModRM {
			fn(&d.ByModRM[i])
		}
	}
	if d.BySuffix != nil {
		for i := range d.BySuffix {
			fn(&d.BySuffix[i])
		}
	}
}

func (t *Tables) lookupSeq(s illegalSeq) (*Descriptor, error) {
	var d *Descriptor
	switch len(s.bytes) {
	case 1:
		d = t.OneByte(s.bytes[0])
	case 2:
		d = t.TwoByte(ClassNone, s.bytes[1])
	default:
		return nil, fmt.Errorf("illegal sequence %x: unsupported length", s.bytes)
	}
	if s.reg >= 0 {
		if d.ByReg == nil {
			if d.Type == Invalid {
				return nil, nil
			}
			return nil, fmt.Errorf("illegal sequence %x /%d: opcode has no group", s.bytes, s.reg)
		}
		d = &d.ByReg[s.reg]
	}
	if d.Type == Invalid {
		return nil, nil
	}
	if d.Mnemonic != s.mnemonic {
		return nil, fmt.Errorf("illegal sequence %x: table has %q, want %q", s.bytes, d.Mnemonic, s.mnemonic)
	}
	return d, nil
}
