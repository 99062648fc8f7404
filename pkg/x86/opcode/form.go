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

import (
	"fmt"
	"strings"
)

// OperandKind is where an operand is encoded.
type OperandKind uint8

// Operand kinds, named after the Intel manual's operand codes.
const (
	KindNone   OperandKind = iota
	KindE                  // ModRM r/m: register or memory
	KindG                  // ModRM reg: general register
	KindM                  // ModRM r/m: memory only
	KindR                  // ModRM r/m: general register only
	KindZ                  // low three opcode bits: general register
	KindImm                // immediate
	KindRel                // relative branch displacement
	KindMoffs              // absolute memory offset
	KindFar                // far pointer immediate
	KindAcc                // AL/AX/EAX/RAX
	KindCL                 // CL
	KindDX                 // DX (port)
	KindOne                // the constant 1
	KindSeg                // segment register
	KindCtrl               // control register
	KindDebug              // debug register
	KindXmmReg             // ModRM reg: xmm
	KindXmmRM              // ModRM r/m: xmm or memory
	KindMMXReg             // ModRM reg: mmx
	KindMMXRM              // ModRM r/m: mmx or memory
	KindSrc                // string source (rsi)
	KindDst                // string destination (rdi)
)

// OperandSize is the width code of an operand.
type OperandSize uint8

// Operand widths. SizeV follows the operand-size prefixes, SizeZ is SizeV
// capped at 32 bits and SizeS is the stack width.
const (
	SizeNone OperandSize = iota
	SizeB
	SizeW
	SizeD
	SizeQ
	SizeV
	SizeZ
	SizeS
	SizeVector
)

// Operand is one parsed operand of a form string.
type Operand struct {
	Kind OperandKind
	Size OperandSize
}

var fixedOperands = map[string]Operand{
	"AL":  {KindAcc, SizeB},
	"eAX": {KindAcc, SizeZ},
	"rAX": {KindAcc, SizeV},
	"CL":  {KindCL, SizeB},
	"DX":  {KindDX, SizeW},
	"1":   {KindOne, SizeNone},
	"CS":  {KindSeg, SizeW},
	"DS":  {KindSeg, SizeW},
	"ES":  {KindSeg, SizeW},
	"SS":  {KindSeg, SizeW},
	"FS":  {KindSeg, SizeW},
	"GS":  {KindSeg, SizeW},
}

var operandKinds = map[byte]OperandKind{
	'A': KindFar,
	'C': KindCtrl,
	'D': KindDebug,
	'E': KindE,
	'G': KindG,
	'I': KindImm,
	'J': KindRel,
	'M': KindM,
	'N': KindMMXRM,
	'O': KindMoffs,
	'P': KindMMXReg,
	'Q': KindMMXRM,
	'R': KindR,
	'S': KindSeg,
	'U': KindXmmRM,
	'V': KindXmmReg,
	'W': KindXmmRM,
	'X': KindSrc,
	'Y': KindDst,
	'Z': KindZ,
}

var operandSizes = map[string]OperandSize{
	"":   SizeNone,
	"a":  SizeNone,
	"b":  SizeB,
	"w":  SizeW,
	"d":  SizeD,
	"q":  SizeQ,
	"v":  SizeV,
	"z":  SizeZ,
	"s":  SizeS,
	"p":  SizeNone,
	"x":  SizeVector,
	"dq": SizeVector,
	"ps": SizeVector,
	"pd": SizeVector,
	"ss": SizeVector,
	"sd": SizeVector,
}

// parseForm parses an operand form such as "Ev,Gv" or "rAX,Iz".
func parseForm(form string) ([]Operand, error) {
	if form == "" {
		return nil, nil
	}
	var ops []Operand
	for _, tok := range strings.Split(form, ",") {
		if op, ok := fixedOperands[tok]; ok {
			ops = append(ops, op)
			continue
		}
		kind, ok := operandKinds[tok[0]]
		if !ok {
			return nil, fmt.Errorf("operand %q: unknown kind", tok)
		}
		size, ok := operandSizes[tok[1:]]
		if !ok {
			return nil, fmt.Errorf("operand %q: unknown size", tok)
		}
		ops = append(ops, Operand{Kind: kind, Size: size})
	}
	return ops, nil
}

// GeneralRegister reports whether the operand names a general purpose
// register (possibly through ModRM), i.e. whether writing it can affect the
// sandbox's reserved registers.
func (o Operand) GeneralRegister() bool {
	switch o.Kind {
	case KindE, KindG, KindR, KindZ, KindAcc:
		return true
	}
	return false
}
