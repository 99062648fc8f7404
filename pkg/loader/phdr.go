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

package loader

import (
	"debug/elf"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/log"
)

// segmentKind identifies an entry of the segment whitelist.
type segmentKind int

const (
	segPhdr segmentKind = iota
	segText
	segRodata
	segData
	segStack
	numSegmentKinds
)

var segmentNames = [numSegmentKinds]string{
	segPhdr:   "phdr",
	segText:   "text",
	segRodata: "rodata",
	segData:   "data",
	segStack:  "stack",
}

// allowedSegment is one whitelist entry. Apart from empty segments, these
// are the only segments a module may have, each at most once.
type allowedSegment struct {
	kind     segmentKind
	typ      elf.ProgType
	flags    elf.ProgFlag
	ignore   bool
	required bool

	// vaddr, if not zero, is the only address the segment may load at.
	vaddr uint64
}

var allowedSegments = []allowedSegment{
	{kind: segPhdr, typ: elf.PT_PHDR, flags: elf.PF_R, ignore: true},
	{kind: segText, typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, required: true, vaddr: nacl.TrampolineEnd},
	{kind: segRodata, typ: elf.PT_LOAD, flags: elf.PF_R},
	{kind: segData, typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_W},
	{kind: segStack, typ: elf.PT_GNU_STACK, flags: elf.PF_R | elf.PF_W},
}

func matchSegment(p *elf.ProgHeader) *allowedSegment {
	for i := range allowedSegments {
		if a := &allowedSegments[i]; a.typ == p.Type && a.flags == p.Flags {
			return a
		}
	}
	return nil
}

// ValidateProgramHeaders checks every program header against the segment
// whitelist and an address space of 1<<addrBits bytes, and computes the
// address space layout of the module.
func (img *Image) ValidateProgramHeaders(addrBits uint) error {
	limit := uint64(1) << addrBits
	var seen [numSegmentKinds]bool
	img.validated = false
	img.MaxVaddr = nacl.TrampolineEnd
	img.StaticTextEnd = 0
	img.RodataStart, img.RodataEnd = 0, 0
	img.DataStart, img.DataEnd = 0, 0
	for i := range img.Progs {
		p := &img.Progs[i]
		img.loadable[i] = false
		a := matchSegment(p)
		if a == nil {
			if p.Type == elf.PT_GNU_STACK {
				// An executable stack is never acceptable, empty or not.
				log.Infof("Segment %d: stack flags %v", i, p.Flags)
				return nacl.Errorf(nacl.LoadBadSegment, "segment %d: stack flags %v", i, p.Flags)
			}
			if p.Memsz == 0 {
				log.Debugf("Segment %d zero size: ignored", i)
				continue
			}
			log.Infof("Segment %d is of unexpected type %v, flags %v", i, p.Type, p.Flags)
			return nacl.Errorf(nacl.LoadBadSegment, "segment %d: %v %v", i, p.Type, p.Flags)
		}
		if seen[a.kind] {
			log.Infof("Segment %d: duplicate %s segment", i, segmentNames[a.kind])
			return nacl.Errorf(nacl.LoadDupSegment, "segment %d: %s", i, segmentNames[a.kind])
		}
		seen[a.kind] = true
		if a.ignore {
			continue
		}

		if p.Memsz != 0 && p.Type == elf.PT_LOAD {
			end := p.Vaddr + p.Memsz
			switch {
			case a.vaddr != 0 && p.Vaddr != a.vaddr:
				log.Infof("Segment %d: bad virtual address %#x, expected %#x", i, p.Vaddr, a.vaddr)
				return nacl.Errorf(nacl.LoadSegmentBadLoc, "segment %d at %#x", i, p.Vaddr)
			case p.Vaddr < nacl.TrampolineEnd:
				log.Infof("Segment %d: virtual address %#x too low", i, p.Vaddr)
				return nacl.Errorf(nacl.LoadSegmentOutsideAddrSpace, "segment %d at %#x", i, p.Vaddr)
			case end < p.Vaddr:
				log.Infof("Segment %d: memory size %#x overflows", i, p.Memsz)
				return nacl.Errorf(nacl.LoadSegmentOutsideAddrSpace, "segment %d: size %#x overflows", i, p.Memsz)
			case end >= limit:
				log.Infof("Segment %d: too large, ends at %#x", i, end)
				return nacl.Errorf(nacl.LoadSegmentOutsideAddrSpace, "segment %d ends at %#x", i, end)
			case p.Filesz > p.Memsz:
				log.Infof("Segment %d: file size %#x larger than memory size %#x", i, p.Filesz, p.Memsz)
				return nacl.Errorf(nacl.LoadSegmentBadParam, "segment %d: filesz %#x > memsz %#x", i, p.Filesz, p.Memsz)
			}
			img.loadable[i] = true
			if end > img.MaxVaddr {
				img.MaxVaddr = end
			}
		}

		switch a.kind {
		case segText:
			if p.Memsz == 0 {
				return nacl.Errorf(nacl.LoadBadElfText, "segment %d", i)
			}
			img.StaticTextEnd = nacl.TrampolineEnd + p.Filesz
		case segRodata:
			if p.Memsz != 0 {
				img.RodataStart, img.RodataEnd = p.Vaddr, p.Vaddr+p.Memsz
			}
		case segData:
			if p.Memsz != 0 {
				img.DataStart, img.DataEnd = p.Vaddr, p.Vaddr+p.Memsz
			}
		}
	}
	for _, a := range allowedSegments {
		if a.required && !seen[a.kind] {
			log.Infof("Required %s segment missing", segmentNames[a.kind])
			return nacl.Errorf(nacl.LoadRequiredSegMissing, "%s", segmentNames[a.kind])
		}
	}
	img.validated = true
	return nil
}
