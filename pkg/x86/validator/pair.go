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
	"bytes"
	"context"

	"gvisor.dev/sfi/pkg/x86/decoder"
	"gvisor.dev/sfi/pkg/x86/opcode"
)

// ValidatePair validates after as an in-place replacement for before, which
// is already running at vbase. Besides being valid on its own, after must
// keep every instruction boundary of before, and may only differ from it
// in instructions that neither transfer control nor write a reserved
// register and that are not part of a protected sequence in either
// version. Stub-out does not apply.
func ValidatePair(ctx context.Context, before, after []byte, vbase uint64, opts Options) *Result {
	opts.StubOut = false
	if len(before) != len(after) {
		v := newValidator(ctx, vbase, len(after), opts)
		v.errorf(vbase, BadReplacement, "size mismatch %d != %d", len(before), len(after))
		v.stopped = true
		return v.finish()
	}
	d := decoder.New(opts.Mode)

	// Only the sequences of the old code are of interest; it was validated
	// when it was loaded.
	old := newValidator(ctx, vbase, len(before), opts)
	old.quiet = true
	d.DecodeSegment(decoder.NewSegment(before, vbase), old)

	v := newValidator(ctx, vbase, len(after), opts)
	p := &pairVisitor{v: v}
	d.DecodeSegmentPair(decoder.NewSegment(before, vbase), decoder.NewSegment(after, vbase), p)
	for _, pc := range p.changed {
		if old.sequences.Contains(pc) || v.sequences.Contains(pc) {
			v.errorf(pc, BadReplacement, "replaces part of a protected sequence")
		}
	}
	return v.finish()
}

// pairVisitor validates the new code while comparing it with the old.
type pairVisitor struct {
	v       *validator
	after   *decoder.Segment
	changed []uint64
	writes  []decoder.RegWrite
}

// NewSegment implements decoder.PairVisitor.NewSegment.
func (p *pairVisitor) NewSegment(_, after *decoder.Segment) {
	p.after = after
	p.v.NewSegment(after)
}

// VisitPair implements decoder.PairVisitor.VisitPair.
func (p *pairVisitor) VisitPair(before, after *decoder.Inst) bool {
	if !bytes.Equal(before.Bytes(), after.Bytes()) {
		p.changed = append(p.changed, after.VPC)
		if p.sensitive(before) || p.sensitive(after) {
			p.v.errorf(after.VPC, BadReplacement, "%s replaced by %s", describe(before), describe(after))
			if p.v.opts.QuitAfterFirstError {
				p.v.stopped = true
				return false
			}
		}
	}
	return p.v.Visit(p.after, after)
}

// SegmentationError implements decoder.PairVisitor.SegmentationError.
func (p *pairVisitor) SegmentationError(s *decoder.Segment, inst *decoder.Inst, reason string) {
	pc := s.VBase
	if inst != nil {
		pc = inst.VPC
	}
	p.v.errorf(pc, BadReplacement, "%s", reason)
	p.v.stopped = true
}

// sensitive reports whether inst may not be changed: control transfers and
// writes to the sandbox registers.
func (p *pairVisitor) sensitive(inst *decoder.Inst) bool {
	switch inst.Desc.Type {
	case opcode.Jmp8, opcode.JmpZ, opcode.Indirect, opcode.Return:
		return true
	}
	if p.v.opts.Mode != opcode.Mode64 {
		return false
	}
	p.writes = inst.Writes(p.writes[:0])
	for _, w := range p.writes {
		switch w.Reg {
		case decoder.R15, decoder.RSP, decoder.RBP:
			return true
		}
	}
	return false
}
