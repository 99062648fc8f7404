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

// Package nacl contains the constants and types of the sandbox ABI: the ELF
// tagging of untrusted modules, the fixed address space layout, syscall
// numbers, errno values and load status codes.
package nacl

// ELF identification of untrusted modules.
const (
	// ELFOSABI_NACL is the EI_OSABI value of a sandboxed module.
	ELFOSABI_NACL = 123

	// EF_NACL_ABIVERSION is the EI_ABIVERSION value of a sandboxed module.
	EF_NACL_ABIVERSION = 7

	// EF_NACL_ALIGN_MASK selects the bundle size bits of e_flags.
	EF_NACL_ALIGN_MASK = 0x300000

	// EF_NACL_ALIGN_16 marks a module built for 16 byte bundles.
	EF_NACL_ALIGN_16 = 0x100000

	// EF_NACL_ALIGN_32 marks a module built for 32 byte bundles.
	EF_NACL_ALIGN_32 = 0x200000

	// EF_NACL_ALIGN_LEGACY is the e_flags value of old modules, which use
	// 32 byte bundles.
	EF_NACL_ALIGN_LEGACY = 0
)

// MaxProgramHeaders is the largest program header table accepted.
const MaxProgramHeaders = 128

// Auxiliary vector entry types pushed on the initial stack.
const (
	// AT_NULL ends the auxiliary vector.
	AT_NULL = 0

	// AT_ENTRY is the user entry point, when it differs from the ELF entry
	// (e.g. a dynamic loader was started first).
	AT_ENTRY = 9
)
