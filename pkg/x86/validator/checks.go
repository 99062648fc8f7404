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
	"fmt"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/cpuid"
	"gvisor.dev/sfi/pkg/x86/decoder"
	"gvisor.dev/sfi/pkg/x86/opcode"
)

const segmentPrefixes = decoder.PrefixSEGCS | decoder.PrefixSEGSS | decoder.PrefixSEGFS |
	decoder.PrefixSEGGS | decoder.PrefixSEGES | decoder.PrefixSEGDS

func describe(inst *decoder.Inst) string {
	return fmt.Sprintf("%s [% x]", inst.Desc.Mnemonic, inst.Bytes())
}

func (v *validator) checkLegal(inst *decoder.Inst) bool {
	if inst.Desc.Illegal() {
		v.errorf(inst.VPC, IllegalInstruction, "%s", describe(inst))
		return false
	}
	return true
}

// checkPrefixes enforces the prefix policy. Predefined nops carry whatever
// prefixes the toolchain pads them with.
func (v *validator) checkPrefixes(inst *decoder.Inst) bool {
	if inst.Predefined {
		return true
	}
	var what string
	switch {
	case inst.DupPrefix:
		v.errorf(inst.VPC, DuplicatePrefix, "%s", describe(inst))
		return false
	case inst.HasPrefix(decoder.PrefixADDR16):
		what = "address size"
	case inst.HasPrefix(decoder.PrefixLOCK) && !lockable(inst):
		what = "lock"
	case inst.HasPrefix(decoder.PrefixREP|decoder.PrefixREPNE) && !repeatable(inst):
		what = "rep"
	case inst.HasPrefix(decoder.PrefixDATA16) && isBranch(inst):
		what = "operand size"
	case inst.HasPrefix(segmentPrefixes) && !v.segmentAllowed(inst):
		what = "segment override"
	default:
		return true
	}
	v.errorf(inst.VPC, BadPrefix, "%s prefix on %s", what, describe(inst))
	return false
}

func lockable(inst *decoder.Inst) bool {
	return inst.Desc.Flags&opcode.Lock != 0 && inst.Desc.HasModRM && inst.Mod() != 3
}

func repeatable(inst *decoder.Inst) bool {
	rep, repne := inst.HasPrefix(decoder.PrefixREP), inst.HasPrefix(decoder.PrefixREPNE)
	if rep && repne {
		return false
	}
	d := inst.Desc
	if d.Flags&opcode.Mandatory != 0 && !inst.HasPrefix(decoder.PrefixDATA16) {
		// The prefix selected the opcode.
		return true
	}
	switch d.Type {
	case opcode.I386R:
		return rep
	case opcode.I386RE:
		return true
	case opcode.Nop:
		// pause
		return rep
	}
	return false
}

func isBranch(inst *decoder.Inst) bool {
	switch inst.Desc.Type {
	case opcode.Jmp8, opcode.JmpZ, opcode.Indirect:
		return true
	}
	return false
}

func (v *validator) segmentAllowed(inst *decoder.Inst) bool {
	seg := inst.PrefixMask & segmentPrefixes
	switch {
	case seg == decoder.PrefixSEGGS && v.opts.Mode == opcode.Mode32:
		// Thread pointer access.
		return true
	case (seg == decoder.PrefixSEGCS || seg == decoder.PrefixSEGDS) && inst.Desc.Flags&opcode.CondJump != 0:
		// Branch hints.
		return true
	}
	return false
}

// checkFeatures rejects or stubs out instructions the CPU lacks.
func (v *validator) checkFeatures(inst *decoder.Inst) bool {
	if supported(v.opts.Features, inst) {
		return true
	}
	if !v.opts.StubOut {
		v.errorf(inst.VPC, UnsupportedInstruction, "%s", describe(inst))
		return false
	}
	off := inst.VPC - v.seg.VBase
	code := v.seg.Code[off : off+uint64(inst.Len())]
	for i := range code {
		code[i] = nacl.HaltOpcode
		v.starts.Add(inst.VPC + uint64(i))
	}
	v.res.Stubbed++
	v.log.Infof("%08x: stubbed out %s", inst.VPC, describe(inst))
	return false
}

func supported(fs cpuid.FeatureSet, inst *decoder.Inst) bool {
	has := fs.HasFeature
	switch inst.Desc.Type {
	case opcode.X87:
		return has(cpuid.X87)
	case opcode.FCmov:
		return has(cpuid.X87) && has(cpuid.CMOV)
	case opcode.Cmov:
		return has(cpuid.CMOV)
	case opcode.MMX:
		return has(cpuid.MMX)
	case opcode.MMXSSE2:
		if inst.HasPrefix(decoder.PrefixDATA16) {
			return has(cpuid.SSE2)
		}
		return has(cpuid.MMX)
	case opcode.ThreeDNow:
		return has(cpuid.ThreeDNow)
	case opcode.EMMX:
		return has(cpuid.EMMX)
	case opcode.E3DNow:
		return has(cpuid.E3DNow)
	case opcode.SSE:
		return has(cpuid.SSE)
	case opcode.SSE2:
		return has(cpuid.SSE2)
	case opcode.SSE2x:
		return has(cpuid.SSE2) && inst.HasPrefix(decoder.PrefixDATA16)
	case opcode.SSE3:
		return has(cpuid.SSE3)
	case opcode.SSSE3:
		return has(cpuid.SSSE3)
	case opcode.SSE41:
		return has(cpuid.SSE41)
	case opcode.SSE42:
		return has(cpuid.SSE42)
	case opcode.SSE4A:
		return has(cpuid.SSE4A)
	case opcode.Movbe:
		return has(cpuid.MOVBE)
	case opcode.Popcnt:
		return has(cpuid.POPCNT)
	case opcode.Lzcnt:
		return has(cpuid.LZCNT)
	case opcode.Cmpxchg8b:
		return has(cpuid.CX8)
	case opcode.Cmpxchg16b:
		return has(cpuid.CX16)
	case opcode.SfenceClflush:
		if inst.Mod() == 3 {
			return has(cpuid.SSE)
		}
		return has(cpuid.CLFLUSH)
	case opcode.Rdtsc:
		return has(cpuid.TSC)
	case opcode.FXSave:
		return has(cpuid.FXSR)
	}
	return true
}

// checkControlFlow records direct jumps and checks indirect ones.
func (v *validator) checkControlFlow(inst *decoder.Inst) bool {
	switch inst.Desc.Type {
	case opcode.Jmp8, opcode.JmpZ:
		to, _ := inst.Target()
		v.jumps = append(v.jumps, jump{from: inst.VPC, to: to})
	case opcode.Indirect:
		if !v.checkIndirect(inst) {
			return false
		}
	default:
		return true
	}
	if inst.Desc.Mnemonic == "call" && inst.End()&(v.bundle-1) != 0 {
		v.errorf(inst.VPC, BadCallAlignment, "%s returns to %#x", describe(inst), inst.End())
		return false
	}
	return true
}

func (v *validator) checkIndirect(inst *decoder.Inst) bool {
	if inst.Mod() != 3 {
		v.errorf(inst.VPC, UnmaskedIndirectJump, "%s through memory", describe(inst))
		return false
	}
	reg := inst.RM()
	switch v.opts.Mode {
	case opcode.Mode32:
		if and := v.seg.Previous(1); and != nil && v.isMask(and, reg) {
			v.protect(and, inst)
			return true
		}
	case opcode.Mode64:
		add, and := v.seg.Previous(1), v.seg.Previous(2)
		if reg != decoder.RSP && reg != decoder.RBP && reg != decoder.R15 &&
			add != nil && and != nil && isAddBase(add, reg) && v.isMask(and, reg) {
			v.protect(and, add, inst)
			return true
		}
	}
	v.errorf(inst.VPC, UnmaskedIndirectJump, "%s via %s", describe(inst), decoder.RegisterName(reg, 64))
	return false
}

// isMask matches "and $-bundle, %reg" with a 32-bit operand.
func (v *validator) isMask(p *decoder.Inst, reg int) bool {
	return p.Desc.Mnemonic == "and" && p.OpcodeBytes == 1 && p.Opcode(0) == 0x83 &&
		p.Mod() == 3 && p.RM() == reg && !p.RexW() &&
		p.PrefixMask&^decoder.PrefixREX == 0 && p.Imm() == -int64(v.bundle)
}

// isAddBase matches "add %r15, %reg" in either encoding.
func isAddBase(p *decoder.Inst, reg int) bool {
	if p.Desc.Mnemonic != "add" || p.OpcodeBytes != 1 || p.Mod() != 3 ||
		!p.RexW() || p.PrefixMask != decoder.PrefixREX {
		return false
	}
	switch p.Opcode(0) {
	case 0x01:
		return p.RM() == reg && p.Reg() == decoder.R15
	case 0x03:
		return p.Reg() == reg && p.RM() == decoder.R15
	}
	return false
}
