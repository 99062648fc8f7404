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

package validator

import (
	"gvisor.dev/sfi/pkg/x86/decoder"
	"gvisor.dev/sfi/pkg/x86/opcode"
)

// checkPending resolves a 32-bit stack register write made by the previous
// instruction. It runs before the other checks, whatever they decide.
func (v *validator) checkPending(inst *decoder.Inst) {
	v.completing = stackWrite{}
	if !v.pending.set {
		return
	}
	p := v.pending
	v.pending = stackWrite{}
	if completesStack(inst, p.reg) {
		v.completing = p
		return
	}
	v.errorf(p.pc, IncompleteStackUpdate, "%s not rebased by the next instruction",
		decoder.RegisterName(p.reg, 32))
}

// checkRegisters guards r15, rsp and rbp.
func (v *validator) checkRegisters(inst *decoder.Inst) bool {
	v.writes = inst.Writes(v.writes[:0])
	for _, w := range v.writes {
		switch w.Reg {
		case decoder.R15:
			v.errorf(inst.VPC, ReservedRegisterWrite, "%s writes %s", describe(inst), decoder.RegisterName(w.Reg, w.Bits))
			return false
		case decoder.RSP, decoder.RBP:
			switch {
			case w.Bits == 32 && !v.pending.set:
				v.pending = stackWrite{reg: w.Reg, pc: inst.VPC, set: true}
			case w.Bits == 64 && v.stackWriteAllowed(inst, w.Reg):
			default:
				v.errorf(inst.VPC, ReservedRegisterWrite, "%s writes %s", describe(inst), decoder.RegisterName(w.Reg, w.Bits))
				v.pending = stackWrite{}
				return false
			}
		}
	}
	return true
}

func (v *validator) stackWriteAllowed(inst *decoder.Inst, reg int) bool {
	if c := v.completing; c.set && c.reg == reg && completesStack(inst, reg) {
		if prev := v.seg.Previous(1); prev != nil {
			v.protect(prev, inst)
		}
		return true
	}
	return isStackMove(inst, reg) || isStackAlign(inst, reg)
}

// completesStack matches the instructions that add the sandbox base to a
// freshly truncated stack register.
func completesStack(inst *decoder.Inst, reg int) bool {
	return isAddBase(inst, reg) || isLeaBase(inst, reg)
}

// isLeaBase matches "lea (%r15,%reg,1), %reg" with the operands of the sum
// in either order.
func isLeaBase(p *decoder.Inst, reg int) bool {
	if p.Desc.Mnemonic != "lea" || p.OpcodeBytes != 1 || p.Opcode(0) != 0x8d ||
		!p.RexW() || p.PrefixMask != decoder.PrefixREX || p.Reg() != reg {
		return false
	}
	base, index, ok := p.Memory()
	if !ok || !p.HasSIB || p.SIB>>6 != 0 || p.Disp() != 0 {
		return false
	}
	return (base == decoder.R15 && index == reg) || (base == reg && index == decoder.R15)
}

// isStackMove matches a 64-bit copy between rsp and rbp.
func isStackMove(p *decoder.Inst, reg int) bool {
	if p.Desc.Mnemonic != "mov" || p.OpcodeBytes != 1 || p.Mod() != 3 ||
		!p.RexW() || p.PrefixMask != decoder.PrefixREX {
		return false
	}
	var dst, src int
	switch p.Opcode(0) {
	case 0x89:
		dst, src = p.RM(), p.Reg()
	case 0x8b:
		dst, src = p.Reg(), p.RM()
	default:
		return false
	}
	return dst == reg && src != dst && (src == decoder.RSP || src == decoder.RBP)
}

// isStackAlign matches "and $-n, %rsp".
func isStackAlign(p *decoder.Inst, reg int) bool {
	if reg != decoder.RSP || p.Desc.Mnemonic != "and" || p.OpcodeBytes != 1 ||
		p.Mod() != 3 || p.RM() != decoder.RSP || !p.RexW() || p.PrefixMask != decoder.PrefixREX {
		return false
	}
	switch p.Opcode(0) {
	case 0x81, 0x83:
		return p.Imm() < 0
	}
	return false
}

// checkMemory requires sandbox-relative addressing. An index register must
// have been zero extended by the previous instruction.
func (v *validator) checkMemory(inst *decoder.Inst) bool {
	if inst.Desc.Flags&opcode.NoMem != 0 {
		return true
	}
	base, index, ok := inst.Memory()
	if !ok {
		return true
	}
	switch base {
	case decoder.R15, decoder.RSP, decoder.RBP, decoder.RIPReg:
	default:
		v.errorf(inst.VPC, BadMemoryBase, "%s addresses through %s", describe(inst), decoder.RegisterName(base, 64))
		return false
	}
	if index == decoder.NoReg {
		return true
	}
	if prev := v.seg.Previous(1); prev != nil && !prev.Predefined && v.zeroExtends(prev, index) {
		v.protect(prev, inst)
		return true
	}
	v.errorf(inst.VPC, BadIndexRegister, "%s index %s not zero extended", describe(inst), decoder.RegisterName(index, 64))
	return false
}

func (v *validator) zeroExtends(p *decoder.Inst, reg int) bool {
	v.scratch = p.Writes(v.scratch[:0])
	for _, w := range v.scratch {
		if w.Reg == reg && w.Bits == 32 {
			return true
		}
	}
	return false
}

// checkString requires the string pointer to be rebuilt from its low half
// and the sandbox base just before the string instruction.
func (v *validator) checkString(inst *decoder.Inst) bool {
	if inst.Desc.Flags&opcode.String == 0 {
		return true
	}
	var src, dst bool
	for _, op := range inst.Desc.Operands {
		src = src || op.Kind == opcode.KindSrc
		dst = dst || op.Kind == opcode.KindDst
	}
	var reg int
	switch {
	case src && dst:
		v.errorf(inst.VPC, BadStringOperation, "%s uses two string pointers", describe(inst))
		return false
	case dst:
		reg = decoder.RDI
	case src:
		reg = decoder.RSI
	default:
		return true
	}
	lea, mov := v.seg.Previous(1), v.seg.Previous(2)
	if lea == nil || mov == nil || !isZeroExtendMove(mov, reg) || !isLeaBase(lea, reg) {
		v.errorf(inst.VPC, BadStringOperation, "%s without sandboxed %s", describe(inst), decoder.RegisterName(reg, 64))
		return false
	}
	v.protect(mov, lea, inst)
	return true
}

// isZeroExtendMove matches "mov %reg32, %reg32".
func isZeroExtendMove(p *decoder.Inst, reg int) bool {
	if p.Desc.Mnemonic != "mov" || p.OpcodeBytes != 1 || p.Mod() != 3 ||
		p.RexW() || p.PrefixMask&^decoder.PrefixREX != 0 {
		return false
	}
	switch p.Opcode(0) {
	case 0x89, 0x8b:
		return p.RM() == reg && p.Reg() == reg
	}
	return false
}
