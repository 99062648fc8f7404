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

package app

import (
	"context"
	"debug/elf"
	"io"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/addrspace"
	"gvisor.dev/sfi/pkg/cleanup"
	"gvisor.dev/sfi/pkg/loader"
	"gvisor.dev/sfi/pkg/log"
	"gvisor.dev/sfi/pkg/x86/validator"
)

// layout is the address space plan computed from validated headers.
type layout struct {
	bundleSize    int
	entry         uint64
	staticTextEnd uint64
	rodataStart   uint64
	rodataEnd     uint64
	dataStart     uint64
	dataEnd       uint64
	maxVaddr      uint64
	stackStart    uint64
}

// plan checks the layout of a validated image.
func (a *App) plan(img *loader.Image) (*layout, error) {
	l := &layout{
		staticTextEnd: img.StaticTextEnd,
		rodataStart:   img.RodataStart,
		rodataEnd:     img.RodataEnd,
		dataStart:     img.DataStart,
		dataEnd:       img.DataEnd,
		maxVaddr:      img.MaxVaddr,
		entry:         img.Entry(),
	}
	if l.dataStart == 0 {
		// Without data, leave room for the halt sled and start the break
		// on a fresh allocation page.
		if l.rodataStart == 0 && nacl.RoundAllocPage(l.maxVaddr)-l.maxVaddr < nacl.HaltSledSize {
			l.maxVaddr += nacl.AllocPageSize
		}
		l.maxVaddr = nacl.RoundAllocPage(l.maxVaddr)
	}

	bundle, err := img.BundleSize()
	if err != nil {
		return nil, err
	}
	l.bundleSize = bundle

	log.Debugf("Layout: text end %#x rodata [%#x, %#x) data [%#x, %#x) max %#x entry %#x bundle %d",
		l.staticTextEnd, l.rodataStart, l.rodataEnd, l.dataStart, l.dataEnd, l.maxVaddr, l.entry, l.bundleSize)

	if l.entry&uint64(bundle-1) != 0 || l.entry >= l.staticTextEnd {
		return nil, nacl.Errorf(nacl.LoadBadEntry, "%#x", l.entry)
	}

	textPages := nacl.RoundAllocPage(l.staticTextEnd)
	switch {
	case l.dataStart != 0 && l.dataEnd != l.maxVaddr:
		log.Infof("data segment is not last")
		return nil, &nacl.Error{Status: nacl.LoadDataNotLastSegment}
	case l.dataStart == 0 && l.rodataStart != 0 && nacl.RoundAllocPage(l.rodataEnd) != l.maxVaddr:
		log.Infof("no data segment, but rodata segment is not last")
		return nil, &nacl.Error{Status: nacl.LoadNoDataButRodataNotLast}
	case l.rodataStart != 0 && l.dataStart != 0 && l.rodataEnd > l.dataStart:
		log.Infof("rodata overlaps data")
		return nil, &nacl.Error{Status: nacl.LoadRodataOverlapsData}
	case l.rodataStart != 0 && textPages > l.rodataStart:
		return nil, &nacl.Error{Status: nacl.LoadTextOverlapsRodata}
	case l.rodataStart == 0 && l.dataStart != 0 && textPages > l.dataStart:
		return nil, &nacl.Error{Status: nacl.LoadTextOverlapsData}
	case l.rodataStart != 0 && nacl.RoundAllocPage(l.rodataStart) != l.rodataStart:
		log.Infof("rodata_start not a multiple of allocation size")
		return nil, &nacl.Error{Status: nacl.LoadBadRodataAlignment}
	case l.dataStart != 0 && nacl.RoundAllocPage(l.dataStart) != l.dataStart:
		log.Infof("data_start not a multiple of allocation size")
		return nil, &nacl.Error{Status: nacl.LoadBadDataAlignment}
	}
	if (l.dataStart != 0 && l.staticTextEnd+nacl.HaltSledSize > l.dataStart) ||
		(l.rodataStart != 0 && l.staticTextEnd+nacl.HaltSledSize > l.rodataStart) {
		return nil, &nacl.Error{Status: nacl.LoadNoHaltSledGap}
	}

	size := uint64(1) << a.opts.AddrBits
	stack := nacl.RoundAllocPage(a.opts.StackSize)
	if stack >= size || nacl.RoundAllocPage(l.maxVaddr) > size-stack {
		return nil, nacl.Errorf(nacl.LoadNoMemory, "stack of %#x bytes does not fit above %#x", stack, l.maxVaddr)
	}
	l.stackStart = size - stack
	return l, nil
}

// LoadFile loads, validates and protects the module read from r. On error
// nothing of the module stays mapped.
func (a *App) LoadFile(ctx context.Context, r io.ReaderAt) error {
	if a.opts.AddrBits > nacl.MaxAddrBits {
		return nacl.Errorf(nacl.LoadAddrSpaceTooBig, "%d bits", a.opts.AddrBits)
	}
	a.mu.Lock()
	loaded := a.loaded
	a.mu.Unlock()
	if loaded {
		return &nacl.Error{Status: nacl.LoadModuleAlreadyLoaded}
	}

	img, err := loader.NewImage(r, a.class())
	if err != nil {
		return err
	}
	if err := img.ValidateHeader(); err != nil {
		return err
	}
	if err := img.ValidateProgramHeaders(a.opts.AddrBits); err != nil {
		return err
	}
	l, err := a.plan(img)
	if err != nil {
		return err
	}

	region, err := addrspace.Reserve(a.opts.AddrBits)
	if err != nil {
		return err
	}
	cu := cleanup.Make(func() {
		if err := region.Release(); err != nil {
			log.Warningf("Releasing address space: %v", err)
		}
	})
	defer cu.Clean()

	// Everything the image touches is writable while loading.
	imageEnd := nacl.RoundAllocPage(l.maxVaddr)
	if err := region.Protect(nacl.TrampolineStart, imageEnd-nacl.TrampolineStart, addrspace.RW); err != nil {
		return nacl.Errorf(nacl.LoadNoMemory, "%v", err)
	}
	mem, err := region.Bytes(0, region.Size())
	if err != nil {
		return nacl.Errorf(nacl.LoadInternal, "%v", err)
	}
	if err := img.Load(r, mem); err != nil {
		return err
	}

	// Pad the text with halts up to the next allocation page, past a full
	// halt sled.
	pad := nacl.RoundAllocPage(l.staticTextEnd+nacl.HaltSledSize) - l.staticTextEnd
	if err := region.Fill(l.staticTextEnd, pad, nacl.HaltOpcode); err != nil {
		return nacl.Errorf(nacl.LoadInternal, "%v", err)
	}
	l.staticTextEnd += pad

	text, err := region.Bytes(nacl.TrampolineEnd, l.staticTextEnd-nacl.TrampolineEnd)
	if err != nil {
		return nacl.Errorf(nacl.LoadInternal, "%v", err)
	}
	if err := a.validate(ctx, text, nacl.TrampolineEnd, l.bundleSize); err != nil {
		return err
	}

	if err := region.Fill(nacl.TrampolineStart, nacl.TrampolineEnd-nacl.TrampolineStart, nacl.HaltOpcode); err != nil {
		return nacl.Errorf(nacl.LoadInternal, "%v", err)
	}

	vmmap := addrspace.NewVmmap()
	if err := protect(region, vmmap, l, imageEnd); err != nil {
		return nacl.Errorf(nacl.LoadNoMemory, "%v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loaded {
		return &nacl.Error{Status: nacl.LoadModuleAlreadyLoaded}
	}
	a.region = region
	a.vmmap = vmmap
	a.bundleSize = l.bundleSize
	a.entry = l.entry
	a.staticTextEnd = l.staticTextEnd
	a.rodataStart = l.rodataStart
	a.dataStart = l.dataStart
	a.dataEnd = l.maxVaddr
	a.breakAddr = l.maxVaddr
	a.stackStart = l.stackStart
	a.loaded = true
	a.status = nacl.LoadOK
	a.cond.Broadcast()
	cu.Release()
	log.Infof("Loaded module: entry %#x, text end %#x, break %#x", a.entry, a.staticTextEnd, a.breakAddr)
	return nil
}

// protect applies the final protections and records them in vmmap.
func protect(region *addrspace.Region, vmmap *addrspace.Vmmap, l *layout, imageEnd uint64) error {
	if err := region.Protect(nacl.TrampolineStart, imageEnd-nacl.TrampolineStart, addrspace.None); err != nil {
		return err
	}
	maps := []addrspace.Mapping{
		{Start: nacl.TrampolineStart, End: nacl.TrampolineEnd, Prot: addrspace.RX, Name: "trampoline"},
		{Start: nacl.TrampolineEnd, End: l.staticTextEnd, Prot: addrspace.RX, Name: "text"},
	}
	if l.rodataStart != 0 {
		end := nacl.RoundAllocPage(l.rodataEnd)
		if l.dataStart != 0 && end > l.dataStart {
			end = l.dataStart
		}
		maps = append(maps, addrspace.Mapping{Start: l.rodataStart, End: end, Prot: addrspace.Read, Name: "rodata"})
	}
	if l.dataStart != 0 {
		maps = append(maps, addrspace.Mapping{Start: l.dataStart, End: nacl.RoundAllocPage(l.maxVaddr), Prot: addrspace.RW, Name: "data"})
	}
	maps = append(maps, addrspace.Mapping{Start: l.stackStart, End: region.Size(), Prot: addrspace.RW, Name: "stack"})
	for _, m := range maps {
		if err := region.Protect(m.Start, m.Len(), m.Prot); err != nil {
			return err
		}
		vmmap.Add(m)
	}
	return nil
}

// validate runs the validator over text mapped at vbase.
func (a *App) validate(ctx context.Context, text []byte, vbase uint64, bundleSize int) error {
	if a.opts.SkipValidator {
		log.Warningf("VALIDATION SKIPPED")
		return nil
	}
	var stats validator.Stats
	defer func() {
		stats.Record()
		a.mu.Lock()
		a.stats.Add(&stats)
		a.mu.Unlock()
	}()
	req := &validator.Request{
		Action:     validator.ActionValidate,
		Mode:       a.opts.Mode,
		VBase:      vbase,
		Code:       text,
		BundleSize: bundleSize,
		Features:   a.opts.Features,
		Cache:      a.opts.Cache,
		Logger:     log.Component(log.Log(), "validator"),
		Stats:      &stats,
	}
	if a.opts.StubOut {
		stub := *req
		stub.Action = validator.ActionStubOut
		if _, res := validator.Apply(ctx, &stub); res != nil && res.Stubbed > 0 {
			log.Warningf("Stubbed out %d instructions", res.Stubbed)
		}
	}
	status, res := validator.Apply(ctx, req)
	var err error
	switch status {
	case validator.Succeeded:
		return nil
	case validator.FailedCpuNotSupported:
		err = &nacl.Error{Status: nacl.LoadCpuNotSupported}
	case validator.FailedNotImplemented:
		err = &nacl.Error{Status: nacl.LoadUnimplemented}
	default:
		detail := "text rejected"
		if res != nil && res.Err() != nil {
			detail = res.Err().Error()
		}
		err = &nacl.Error{Status: nacl.LoadValidationFailed, Detail: detail}
	}
	if a.opts.IgnoreValidator {
		log.Warningf("VALIDATION FAILED, CONTINUING: %v", err)
		return nil
	}
	return err
}

// LoadIRT loads a trusted runtime library into the hole between the break
// and the stack. Its entry becomes the initial entry point and the module
// entry is passed to it in the auxiliary vector.
func (a *App) LoadIRT(ctx context.Context, r io.ReaderAt) error {
	a.mu.Lock()
	loaded, region, vmmap, bundle := a.loaded, a.region, a.vmmap, a.bundleSize
	low, high := nacl.RoundAllocPage(a.breakAddr), a.stackStart
	a.mu.Unlock()
	if !loaded {
		return &nacl.Error{Status: nacl.LoadNoModule}
	}

	img, err := loader.NewImage(r, a.class())
	if err != nil {
		return err
	}
	if err := img.ValidateHeader(); err != nil {
		return err
	}

	var segs []elf.ProgHeader
	for i, p := range img.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		end := nacl.RoundAllocPage(p.Vaddr + p.Memsz)
		if p.Vaddr < low || end < p.Vaddr || end > high {
			return nacl.Errorf(nacl.LoadSegmentOutsideAddrSpace, "IRT segment %d at %#x", i, p.Vaddr)
		}
		if p.Vaddr%nacl.AllocPageSize != 0 {
			return nacl.Errorf(nacl.LoadSegmentBadLoc, "IRT segment %d at %#x", i, p.Vaddr)
		}
		if p.Filesz > p.Memsz {
			return nacl.Errorf(nacl.LoadSegmentBadParam, "IRT segment %d", i)
		}
		if _, ok := vmmap.Find(p.Vaddr); ok {
			return nacl.Errorf(nacl.LoadSegmentBadLoc, "IRT segment %d overlaps %#x", i, p.Vaddr)
		}
		segs = append(segs, p)
	}
	if len(segs) == 0 {
		return &nacl.Error{Status: nacl.LoadBadElfText}
	}

	var cu cleanup.Cleanup
	defer cu.Clean()
	var textStart, textEnd uint64
	var maps []addrspace.Mapping
	for _, p := range segs {
		start, end := p.Vaddr, nacl.RoundAllocPage(p.Vaddr+p.Memsz)
		if err := region.Protect(start, end-start, addrspace.RW); err != nil {
			return nacl.Errorf(nacl.LoadNoMemory, "%v", err)
		}
		cu.Add(func() {
			region.Fill(start, end-start, 0)
			region.Protect(start, end-start, addrspace.None)
		})
		dst, err := region.Bytes(start, p.Filesz)
		if err != nil {
			return nacl.Errorf(nacl.LoadSegmentBadParam, "%v", err)
		}
		if n, err := r.ReadAt(dst, int64(p.Off)); n != len(dst) {
			return nacl.Errorf(nacl.LoadSegmentBadParam, "IRT segment at %#x: short read: %v", start, err)
		}
		prot := addrspace.Read
		name := "irt rodata"
		switch {
		case p.Flags&elf.PF_X != 0:
			region.Fill(start+p.Filesz, end-start-p.Filesz, nacl.HaltOpcode)
			text, _ := region.Bytes(start, end-start)
			if err := a.validate(ctx, text, start, bundle); err != nil {
				return err
			}
			prot, name = addrspace.RX, "irt text"
			textStart, textEnd = start, end
		case p.Flags&elf.PF_W != 0:
			prot, name = addrspace.RW, "irt data"
		}
		maps = append(maps, addrspace.Mapping{Start: start, End: end, Prot: prot, Name: name})
	}
	entry := img.Entry()
	if textEnd == 0 || entry < textStart || entry >= textEnd || entry&uint64(bundle-1) != 0 {
		return nacl.Errorf(nacl.LoadBadEntry, "IRT entry %#x", entry)
	}
	for _, m := range maps {
		if err := region.Protect(m.Start, m.Len(), m.Prot); err != nil {
			return nacl.Errorf(nacl.LoadNoMemory, "%v", err)
		}
		vmmap.Add(m)
	}
	cu.Release()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.userEntry = a.entry
	a.entry = entry
	log.Infof("Loaded IRT: entry %#x", entry)
	return nil
}
