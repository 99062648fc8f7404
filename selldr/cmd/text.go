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

package cmd

import (
	"debug/elf"
	"fmt"
	"io"
	"os"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/loader"
	"gvisor.dev/sfi/selldr/config"
)

// textSegment is code to validate or disassemble.
type textSegment struct {
	code   []byte
	vbase  uint64
	bundle int
}

// rawText describes how to treat files that are not modules.
type rawText struct {
	// enabled treats input files as bare code.
	enabled bool
	vbase   uint64
	bundle  int
}

// elfClass returns the module class for the configured subarchitecture.
func elfClass(conf *config.Config) elf.Class {
	if conf.Arch == config.ArchX8664 {
		return elf.ELFCLASS64
	}
	return elf.ELFCLASS32
}

// checkImage reads and validates the headers of a module.
func checkImage(r io.ReaderAt, conf *config.Config) (*loader.Image, int, error) {
	img, err := loader.NewImage(r, elfClass(conf))
	if err != nil {
		return nil, 0, err
	}
	if err := img.ValidateHeader(); err != nil {
		return nil, 0, err
	}
	if err := img.ValidateProgramHeaders(conf.AddrBits); err != nil {
		return nil, 0, err
	}
	bundle, err := img.BundleSize()
	if err != nil {
		return nil, 0, err
	}
	return img, bundle, nil
}

// readText returns the code of path: the text segment of a module, or the
// whole file in raw mode. Module text is padded with HLT to a whole bundle,
// the way the loader pads it.
func readText(path string, conf *config.Config, raw rawText) (*textSegment, error) {
	if raw.enabled {
		code, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return &textSegment{code: code, vbase: raw.vbase, bundle: raw.bundle}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, bundle, err := checkImage(f, conf)
	if err != nil {
		return nil, err
	}
	for _, p := range img.Progs {
		if p.Type != elf.PT_LOAD || p.Flags&elf.PF_X == 0 {
			continue
		}
		size := (p.Filesz + uint64(bundle) - 1) &^ (uint64(bundle) - 1)
		code := make([]byte, size)
		for i := range code {
			code[i] = nacl.HaltOpcode
		}
		if n, err := f.ReadAt(code[:p.Filesz], int64(p.Off)); n < int(p.Filesz) {
			return nil, nacl.Errorf(nacl.LoadSegmentBadParam, "text: read %d of %d bytes: %v", n, p.Filesz, err)
		}
		return &textSegment{code: code, vbase: p.Vaddr, bundle: bundle}, nil
	}
	return nil, fmt.Errorf("%s: no text segment", path)
}
