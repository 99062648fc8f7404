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

import "fmt"

// ErrorCode is the kind of a validation error.
type ErrorCode int

// Possible values for Diagnostic.Code.
const (
	// IllegalInstruction indicates an instruction that is banned in the
	// sandbox, or that no table entry describes.
	IllegalInstruction ErrorCode = iota

	// BadPrefix indicates a prefix byte the instruction may not carry.
	BadPrefix

	// DuplicatePrefix indicates a prefix byte that appears twice.
	DuplicatePrefix

	// UnsupportedInstruction indicates an instruction the CPU does not
	// implement.
	UnsupportedInstruction

	// TruncatedInstruction indicates an instruction that runs past the end
	// of the segment.
	TruncatedInstruction

	// BadCallAlignment indicates a call that does not end on a bundle
	// boundary.
	BadCallAlignment

	// UnmaskedIndirectJump indicates an indirect jump or call that is not
	// preceded by the masking sequence.
	UnmaskedIndirectJump

	// BadJumpTarget indicates a direct jump into the middle of an
	// instruction or of a protected sequence.
	BadJumpTarget

	// BadBundleBoundary indicates an instruction or protected sequence that
	// straddles a bundle boundary.
	BadBundleBoundary

	// ReservedRegisterWrite indicates an illegal write to r15, rsp or rbp.
	ReservedRegisterWrite

	// IncompleteStackUpdate indicates a 32-bit write to esp or ebp that is
	// not followed by the addition of the base register.
	IncompleteStackUpdate

	// BadMemoryBase indicates a memory operand whose base is not r15, rsp,
	// rbp or rip.
	BadMemoryBase

	// BadIndexRegister indicates a memory operand whose index register was
	// not zero-extended by the previous instruction.
	BadIndexRegister

	// BadStringOperation indicates a string instruction whose implicit
	// pointer was not sandboxed.
	BadStringOperation

	// BadReplacement indicates a code replacement that changes an
	// instruction whose bytes must be preserved.
	BadReplacement

	// InternalError indicates a decoder table inconsistency.
	InternalError

	// Cancelled indicates that validation was interrupted.
	Cancelled
)

var codeStrings = map[ErrorCode]string{
	IllegalInstruction:     "illegal instruction",
	BadPrefix:              "bad prefix",
	DuplicatePrefix:        "duplicate prefix",
	UnsupportedInstruction: "instruction not supported by the CPU",
	TruncatedInstruction:   "instruction extends past the end of the segment",
	BadCallAlignment:       "call does not end on a bundle boundary",
	UnmaskedIndirectJump:   "indirect jump is not masked",
	BadJumpTarget:          "bad jump target",
	BadBundleBoundary:      "bundle boundary is not an instruction start",
	ReservedRegisterWrite:  "illegal write to reserved register",
	IncompleteStackUpdate:  "stack register update is not completed",
	BadMemoryBase:          "illegal base register in memory operand",
	BadIndexRegister:       "index register not zero-extended",
	BadStringOperation:     "string operation on unsandboxed pointer",
	BadReplacement:         "unsafe code replacement",
	InternalError:          "internal error",
	Cancelled:              "validation cancelled",
}

// String implements fmt.Stringer.
func (c ErrorCode) String() string {
	if s, ok := codeStrings[c]; ok {
		return s
	}
	return fmt.Sprintf("unknown error %d", int(c))
}

// Diagnostic is one validation error.
type Diagnostic struct {
	// Code indicates the kind of error that occurred.
	Code ErrorCode

	// PC is the address of the offending instruction.
	PC uint64

	// Detail describes the instruction or operand involved.
	Detail string
}

// Error implements error.Error.
func (d Diagnostic) Error() string {
	if d.Detail == "" {
		return fmt.Sprintf("%08x: %s", d.PC, d.Code)
	}
	return fmt.Sprintf("%08x: %s: %s", d.PC, d.Code, d.Detail)
}

// Status is the outcome of Apply.
type Status int

// Apply results.
const (
	Succeeded Status = iota
	Failed
	FailedOutOfMemory
	FailedNotImplemented
	FailedCpuNotSupported
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case FailedOutOfMemory:
		return "failed: out of memory"
	case FailedNotImplemented:
		return "failed: not implemented"
	case FailedCpuNotSupported:
		return "failed: CPU not supported"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}
