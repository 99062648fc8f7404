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

// Package elftest builds sandbox modules for tests.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"gvisor.dev/sfi/pkg/abi/nacl"
)

// Segment is one program header and its file contents.
type Segment struct {
	Type  elf.ProgType
	Flags elf.ProgFlag
	Vaddr uint64
	Data  []byte

	// Memsz defaults to len(Data).
	Memsz uint64
}

// Builder describes a module. New fills in a well-formed header; tests
// then break whatever they need to.
type Builder struct {
	Class   elf.Class
	Ident   [elf.EI_NIDENT]byte
	Type    elf.Type
	Machine elf.Machine
	Version uint32
	Entry   uint64
	Flags   uint32

	// Phentsize overrides the program header entry size if not zero.
	Phentsize uint16

	Segments []Segment
}

// New returns a builder for a module of the given class with no segments.
func New(class elf.Class) *Builder {
	b := &Builder{
		Class:   class,
		Type:    elf.ET_EXEC,
		Machine: elf.EM_386,
		Version: uint32(elf.EV_CURRENT),
		Entry:   nacl.TrampolineEnd,
		Flags:   nacl.EF_NACL_ALIGN_32,
	}
	if class == elf.ELFCLASS64 {
		b.Machine = elf.EM_X86_64
	}
	copy(b.Ident[:], elf.ELFMAG)
	b.Ident[elf.EI_CLASS] = byte(class)
	b.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	b.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	b.Ident[elf.EI_OSABI] = nacl.ELFOSABI_NACL
	b.Ident[elf.EI_ABIVERSION] = nacl.EF_NACL_ABIVERSION
	return b
}

// Minimal returns a module with a program header segment, a text segment
// holding text and a non-executable stack marker.
func Minimal(class elf.Class, text []byte) *Builder {
	b := New(class)
	b.Segments = []Segment{
		{Type: elf.PT_PHDR, Flags: elf.PF_R},
		{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: nacl.TrampolineEnd, Data: text},
		{Type: elf.PT_GNU_STACK, Flags: elf.PF_R | elf.PF_W},
	}
	return b
}

// Text returns text padded with HLT to a whole number of bundles, so that
// it validates as long as its instructions do.
func Text(code ...byte) []byte {
	for len(code)%32 != 0 {
		code = append(code, nacl.HaltOpcode)
	}
	return code
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	hdrSize, progSize := 52, 32
	if b.Class == elf.ELFCLASS64 {
		hdrSize, progSize = 64, 56
	}
	phentsize := uint16(progSize)
	if b.Phentsize != 0 {
		phentsize = b.Phentsize
	}
	phoff := uint64(hdrSize)
	off := phoff + uint64(len(b.Segments))*uint64(phentsize)

	var buf bytes.Buffer
	if b.Class == elf.ELFCLASS64 {
		binary.Write(&buf, binary.LittleEndian, elf.Header64{
			Ident:     b.Ident,
			Type:      uint16(b.Type),
			Machine:   uint16(b.Machine),
			Version:   b.Version,
			Entry:     b.Entry,
			Phoff:     phoff,
			Flags:     b.Flags,
			Ehsize:    uint16(hdrSize),
			Phentsize: phentsize,
			Phnum:     uint16(len(b.Segments)),
		})
	} else {
		binary.Write(&buf, binary.LittleEndian, elf.Header32{
			Ident:     b.Ident,
			Type:      uint16(b.Type),
			Machine:   uint16(b.Machine),
			Version:   b.Version,
			Entry:     uint32(b.Entry),
			Phoff:     uint32(phoff),
			Flags:     b.Flags,
			Ehsize:    uint16(hdrSize),
			Phentsize: phentsize,
			Phnum:     uint16(len(b.Segments)),
		})
	}
	for _, s := range b.Segments {
		memsz := s.Memsz
		if memsz == 0 {
			memsz = uint64(len(s.Data))
		}
		if b.Class == elf.ELFCLASS64 {
			binary.Write(&buf, binary.LittleEndian, elf.Prog64{
				Type:   uint32(s.Type),
				Flags:  uint32(s.Flags),
				Off:    off,
				Vaddr:  s.Vaddr,
				Paddr:  s.Vaddr,
				Filesz: uint64(len(s.Data)),
				Memsz:  memsz,
				Align:  nacl.AllocPageSize,
			})
		} else {
			binary.Write(&buf, binary.LittleEndian, elf.Prog32{
				Type:   uint32(s.Type),
				Flags:  uint32(s.Flags),
				Off:    uint32(off),
				Vaddr:  uint32(s.Vaddr),
				Paddr:  uint32(s.Vaddr),
				Filesz: uint32(len(s.Data)),
				Memsz:  uint32(memsz),
				Align:  nacl.AllocPageSize,
			})
		}
		if pad := int(phentsize) - progSize; pad > 0 {
			buf.Write(make([]byte, pad))
		}
		off += uint64(len(s.Data))
	}
	for _, s := range b.Segments {
		buf.Write(s.Data)
	}
	return buf.Bytes()
}
