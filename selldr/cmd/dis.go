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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/arch/x86/x86asm"

	"gvisor.dev/sfi/pkg/x86/decoder"
	"gvisor.dev/sfi/pkg/x86/opcode"
	"gvisor.dev/sfi/selldr/cmd/util"
	"gvisor.dev/sfi/selldr/config"
	"gvisor.dev/sfi/selldr/flag"
)

// Dis implements subcommands.Command for the "dis" command.
type Dis struct {
	raw   bool
	vbase uint64
	intel bool
}

// Name implements subcommands.Command.Name.
func (*Dis) Name() string {
	return "dis"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dis) Synopsis() string {
	return "disassemble code the way the validator splits it"
}

// Usage implements subcommands.Command.Usage.
func (*Dis) Usage() string {
	return `dis [flags] <file> - print each instruction of the text segment with its category.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dis) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.raw, "raw", false, "treat the file as bare code instead of a module.")
	f.Uint64Var(&d.vbase, "vbase", 0x20000, "address of the first byte of bare code.")
	f.BoolVar(&d.intel, "intel", false, "use Intel syntax instead of AT&T.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dis) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	seg, err := readText(f.Arg(0), conf, rawText{enabled: d.raw, vbase: d.vbase, bundle: 32})
	if err != nil {
		return util.Errorf("%v", err)
	}
	w := bufio.NewWriter(os.Stdout)
	p := &printer{w: w, mode: conf.Mode(), intel: d.intel}
	decoder.New(conf.Mode()).DecodeSegment(decoder.NewSegment(seg.code, seg.vbase), p)
	if err := w.Flush(); err != nil {
		return util.Errorf("writing disassembly: %v", err)
	}
	return subcommands.ExitSuccess
}

// printer is a decoder.Visitor that prints every instruction.
type printer struct {
	w     io.Writer
	mode  opcode.Mode
	intel bool
}

// NewSegment implements decoder.Visitor.NewSegment.
func (p *printer) NewSegment(s *decoder.Segment) {
	fmt.Fprintf(p.w, "segment %08x-%08x (%v)\n", s.VBase, s.Limit(), p.mode)
}

// Visit implements decoder.Visitor.Visit.
func (p *printer) Visit(_ *decoder.Segment, inst *decoder.Inst) bool {
	fmt.Fprintf(p.w, "%08x: %-30s %s", inst.VPC, fmt.Sprintf("% x", inst.Bytes()), p.text(inst))
	switch inst.Desc.Type {
	case opcode.Undefined, opcode.Illegal, opcode.Invalid, opcode.System:
		fmt.Fprintf(p.w, "\t; %v", inst.Desc.Type)
	}
	fmt.Fprintln(p.w)
	return true
}

// text renders inst with x86asm, falling back to the table mnemonic for
// encodings x86asm does not know.
func (p *printer) text(inst *decoder.Inst) string {
	asm, err := x86asm.Decode(inst.Bytes(), int(p.mode))
	if err != nil || asm.Len != inst.Len() {
		return inst.Desc.Mnemonic
	}
	if p.intel {
		return x86asm.IntelSyntax(asm, inst.VPC, nil)
	}
	return x86asm.GNUSyntax(asm, inst.VPC, nil)
}

// SegmentationError implements decoder.Visitor.SegmentationError.
func (p *printer) SegmentationError(_ *decoder.Segment, inst *decoder.Inst, reason string) {
	fmt.Fprintf(p.w, "%08x: truncated instruction: %s\n", inst.VPC, reason)
}

// InternalError implements decoder.Visitor.InternalError.
func (p *printer) InternalError(_ *decoder.Segment, inst *decoder.Inst, err error) {
	fmt.Fprintf(p.w, "%08x: %v\n", inst.VPC, err)
}
