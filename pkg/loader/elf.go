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

// Package loader parses untrusted ELF modules and copies their segments into
// a sandbox address space.
//
// Loading happens in phases: NewImage reads the headers, ValidateHeader and
// ValidateProgramHeaders check them, and only then may Load copy bytes into
// the sandbox. A module that fails any check never has a byte of it copied.
package loader

import (
	"debug/elf"
	"encoding/binary"
	"io"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/log"
)

// Header is the ELF file header, normalized across classes.
type Header struct {
	Ident     [elf.EI_NIDENT]byte
	Type      elf.Type
	Machine   elf.Machine
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Flags     uint32
	Phentsize uint16
	Phnum     uint16
}

// Image is a parsed module.
type Image struct {
	// Class is the ELF class expected by the sandbox.
	Class elf.Class

	Header Header
	Progs  []elf.ProgHeader

	// The following are computed by ValidateProgramHeaders. Zero starts
	// mean the segment is absent.
	MaxVaddr      uint64
	StaticTextEnd uint64
	RodataStart   uint64
	RodataEnd     uint64
	DataStart     uint64
	DataEnd       uint64

	loadable  []bool
	headerOK  bool
	validated bool
}

// machineFor returns the machine a module of the given class must target.
func machineFor(class elf.Class) elf.Machine {
	if class == elf.ELFCLASS64 {
		return elf.EM_X86_64
	}
	return elf.EM_386
}

// NewImage reads the file header and program headers of a module built for
// class. Nothing is validated beyond what is needed to read the headers.
func NewImage(r io.ReaderAt, class elf.Class) (*Image, error) {
	img := &Image{Class: class}
	sr := io.NewSectionReader(r, 0, 1<<62)
	var progSize int
	switch class {
	case elf.ELFCLASS32:
		var h elf.Header32
		if err := binary.Read(sr, binary.LittleEndian, &h); err != nil {
			log.Infof("Unable to read ELF header: %v", err)
			return nil, nacl.Errorf(nacl.LoadReadError, "header: %v", err)
		}
		img.Header = Header{
			Ident:     h.Ident,
			Type:      elf.Type(h.Type),
			Machine:   elf.Machine(h.Machine),
			Version:   h.Version,
			Entry:     uint64(h.Entry),
			Phoff:     uint64(h.Phoff),
			Flags:     h.Flags,
			Phentsize: h.Phentsize,
			Phnum:     h.Phnum,
		}
		progSize = binary.Size(elf.Prog32{})
	case elf.ELFCLASS64:
		var h elf.Header64
		if err := binary.Read(sr, binary.LittleEndian, &h); err != nil {
			log.Infof("Unable to read ELF header: %v", err)
			return nil, nacl.Errorf(nacl.LoadReadError, "header: %v", err)
		}
		img.Header = Header{
			Ident:     h.Ident,
			Type:      elf.Type(h.Type),
			Machine:   elf.Machine(h.Machine),
			Version:   h.Version,
			Entry:     h.Entry,
			Phoff:     h.Phoff,
			Flags:     h.Flags,
			Phentsize: h.Phentsize,
			Phnum:     h.Phnum,
		}
		progSize = binary.Size(elf.Prog64{})
	default:
		return nil, nacl.Errorf(nacl.LoadInternal, "unsupported class %v", class)
	}

	hdr := &img.Header
	if hdr.Phnum > nacl.MaxProgramHeaders {
		log.Infof("Too many program headers: %d", hdr.Phnum)
		return nil, nacl.Errorf(nacl.LoadTooManyProgHdrs, "%d", hdr.Phnum)
	}
	if int(hdr.Phentsize) < progSize {
		log.Infof("Program header entry size %d too small", hdr.Phentsize)
		return nil, nacl.Errorf(nacl.LoadBadPhentsize, "%d < %d", hdr.Phentsize, progSize)
	}

	img.Progs = make([]elf.ProgHeader, hdr.Phnum)
	img.loadable = make([]bool, hdr.Phnum)
	for i := range img.Progs {
		off := int64(hdr.Phoff) + int64(i)*int64(hdr.Phentsize)
		pr := io.NewSectionReader(r, off, int64(progSize))
		p := &img.Progs[i]
		switch class {
		case elf.ELFCLASS32:
			var ph elf.Prog32
			if err := binary.Read(pr, binary.LittleEndian, &ph); err != nil {
				return nil, nacl.Errorf(nacl.LoadReadError, "program header %d: %v", i, err)
			}
			*p = elf.ProgHeader{
				Type:   elf.ProgType(ph.Type),
				Flags:  elf.ProgFlag(ph.Flags),
				Off:    uint64(ph.Off),
				Vaddr:  uint64(ph.Vaddr),
				Paddr:  uint64(ph.Paddr),
				Filesz: uint64(ph.Filesz),
				Memsz:  uint64(ph.Memsz),
				Align:  uint64(ph.Align),
			}
		default:
			var ph elf.Prog64
			if err := binary.Read(pr, binary.LittleEndian, &ph); err != nil {
				return nil, nacl.Errorf(nacl.LoadReadError, "program header %d: %v", i, err)
			}
			*p = elf.ProgHeader{
				Type:   elf.ProgType(ph.Type),
				Flags:  elf.ProgFlag(ph.Flags),
				Off:    ph.Off,
				Vaddr:  ph.Vaddr,
				Paddr:  ph.Paddr,
				Filesz: ph.Filesz,
				Memsz:  ph.Memsz,
				Align:  ph.Align,
			}
		}
		log.Debugf("Program header %d: %v %v vaddr %#x filesz %#x memsz %#x", i, p.Type, p.Flags, p.Vaddr, p.Filesz, p.Memsz)
	}
	return img, nil
}

// ValidateHeader checks the file header: magic, class, OS ABI, type,
// machine and version, in that order.
func (img *Image) ValidateHeader() error {
	hdr := &img.Header
	img.headerOK = false
	switch {
	case string(hdr.Ident[:elf.EI_CLASS]) != elf.ELFMAG:
		log.Infof("Bad ELF magic %x", hdr.Ident[:elf.EI_CLASS])
		return nacl.Errorf(nacl.LoadBadElfMagic, "%x", hdr.Ident[:elf.EI_CLASS])
	case elf.Class(hdr.Ident[elf.EI_CLASS]) != img.Class:
		log.Infof("ELF class %v, want %v", elf.Class(hdr.Ident[elf.EI_CLASS]), img.Class)
		return nacl.Errorf(nacl.LoadWrongClass, "%v", elf.Class(hdr.Ident[elf.EI_CLASS]))
	case hdr.Ident[elf.EI_OSABI] != nacl.ELFOSABI_NACL:
		log.Infof("Expected OSABI %d, got %d", nacl.ELFOSABI_NACL, hdr.Ident[elf.EI_OSABI])
		return nacl.Errorf(nacl.LoadBadAbi, "OSABI %d", hdr.Ident[elf.EI_OSABI])
	case hdr.Ident[elf.EI_ABIVERSION] != nacl.EF_NACL_ABIVERSION:
		log.Infof("Expected ABIVERSION %d, got %d", nacl.EF_NACL_ABIVERSION, hdr.Ident[elf.EI_ABIVERSION])
		return nacl.Errorf(nacl.LoadBadAbi, "ABIVERSION %d", hdr.Ident[elf.EI_ABIVERSION])
	case hdr.Type != elf.ET_EXEC:
		log.Infof("ELF type %v is not executable", hdr.Type)
		return nacl.Errorf(nacl.LoadNotExec, "%v", hdr.Type)
	case hdr.Machine != machineFor(img.Class):
		log.Infof("ELF machine %v, want %v", hdr.Machine, machineFor(img.Class))
		return nacl.Errorf(nacl.LoadBadMachine, "%v", hdr.Machine)
	case hdr.Version != uint32(elf.EV_CURRENT):
		log.Infof("ELF version %d", hdr.Version)
		return nacl.Errorf(nacl.LoadBadElfVers, "%d", hdr.Version)
	}
	img.headerOK = true
	return nil
}

// Entry returns the module entry point.
func (img *Image) Entry() uint64 {
	return img.Header.Entry
}

// BundleSize returns the bundle size the module was built for.
func (img *Image) BundleSize() (int, error) {
	switch img.Header.Flags & nacl.EF_NACL_ALIGN_MASK {
	case nacl.EF_NACL_ALIGN_16:
		return 16, nil
	case nacl.EF_NACL_ALIGN_32, nacl.EF_NACL_ALIGN_LEGACY:
		return 32, nil
	default:
		log.Warningf("Strange alignment in e_flags %#x", img.Header.Flags)
		return 0, nacl.Errorf(nacl.LoadBadAbi, "e_flags %#x", img.Header.Flags)
	}
}

// Load copies the file contents of every loadable segment into mem, which
// backs sandbox addresses starting at zero. The bytes between a segment's
// file size and memory size are not touched; mem must already be zeroed.
func (img *Image) Load(r io.ReaderAt, mem []byte) error {
	if !img.headerOK || !img.validated {
		return nacl.Errorf(nacl.LoadInternal, "load before validation")
	}
	for i, p := range img.Progs {
		if !img.loadable[i] {
			continue
		}
		end := p.Vaddr + p.Filesz
		if end < p.Vaddr || end > uint64(len(mem)) {
			return nacl.Errorf(nacl.LoadSegmentBadParam, "segment %d ends at %#x", i, end)
		}
		log.Debugf("Loading segment %d at %#x, %#x bytes", i, p.Vaddr, p.Filesz)
		if n, err := r.ReadAt(mem[p.Vaddr:end], int64(p.Off)); uint64(n) != p.Filesz {
			log.Warningf("Load failure segment %d: read %d of %d bytes: %v", i, n, p.Filesz, err)
			return nacl.Errorf(nacl.LoadSegmentBadParam, "segment %d: short read", i)
		}
	}
	return nil
}
