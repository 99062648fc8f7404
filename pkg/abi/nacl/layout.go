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

package nacl

// Address space layout. All addresses are offsets from the start of the
// sandbox region.
const (
	// PageShift is the log2 of the host page size assumed by the layout.
	PageShift = 12

	// PageSize is the host page size.
	PageSize = 1 << PageShift

	// AllocPageShift is the log2 of the allocation granularity.
	AllocPageShift = 16

	// AllocPageSize is the allocation granularity. Segment starts must be
	// multiples of this size.
	AllocPageSize = 1 << AllocPageShift

	// NullGuardEnd ends the unmapped region that catches NULL dereferences.
	NullGuardEnd = 0x10000

	// TrampolineStart is the first syscall trampoline slot.
	TrampolineStart = 0x10000

	// TrampolineEnd is the fixed load address of the text segment.
	TrampolineEnd = 0x20000

	// TrampolineSlotShift is the log2 of the size of one trampoline slot.
	TrampolineSlotShift = 5

	// TrampolineSlotSize is the size of one trampoline slot.
	TrampolineSlotSize = 1 << TrampolineSlotShift

	// HaltSledSize is the minimum run of HLT bytes after the static text.
	HaltSledSize = 32

	// HaltOpcode is the x86 HLT instruction.
	HaltOpcode = 0xf4

	// StackAlign is the alignment of the initial stack pointer.
	StackAlign = 16

	// DefaultStackSize is the stack size of the main thread.
	DefaultStackSize = 16 << 20

	// MaxAddrBits is the largest sandbox address space.
	MaxAddrBits = 32

	// MinAddrBits is the smallest address space that still fits the
	// trampoline region, one allocation page of text and a stack page.
	MinAddrBits = 20

	// ThreadMax is the maximum number of threads in the thread table.
	ThreadMax = 8192
)

// SyscallAddr returns the trampoline address of syscall n.
func SyscallAddr(n int) uint64 {
	return TrampolineStart + uint64(n)<<TrampolineSlotShift
}

// SyscallFromAddr returns the syscall number of a trampoline address, or
// false if addr is not the start of a trampoline slot.
func SyscallFromAddr(addr uint64) (int, bool) {
	if addr < TrampolineStart || addr >= TrampolineEnd {
		return 0, false
	}
	off := addr - TrampolineStart
	if off&(TrampolineSlotSize-1) != 0 {
		return 0, false
	}
	return int(off >> TrampolineSlotShift), true
}

// RoundAllocPage rounds v up to the allocation granularity.
func RoundAllocPage(v uint64) uint64 {
	return (v + AllocPageSize - 1) &^ (AllocPageSize - 1)
}

// RoundPage rounds v up to the host page size.
func RoundPage(v uint64) uint64 {
	return (v + PageSize - 1) &^ (PageSize - 1)
}
