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

package decoder

import (
	"fmt"

	"gvisor.dev/sfi/pkg/x86/opcode"
)

// Segment is the decode state of one contiguous code region.
type Segment struct {
	// Code holds the region's bytes.
	Code []byte

	// VBase is the virtual address of Code[0].
	VBase uint64

	ring *Ring[Inst]
}

// NewSegment returns the decode state for code mapped at vbase.
func NewSegment(code []byte, vbase uint64) *Segment {
	return &Segment{Code: code, VBase: vbase, ring: NewRing[Inst](LookbackSize)}
}

// Limit returns the address just past the region.
func (s *Segment) Limit() uint64 {
	return s.VBase + uint64(len(s.Code))
}

// Contains reports whether addr lies inside the region.
func (s *Segment) Contains(addr uint64) bool {
	return addr >= s.VBase && addr < s.Limit()
}

// Current returns the instruction being visited.
func (s *Segment) Current() *Inst {
	return s.ring.Current()
}

// Previous returns the instruction n positions before the current one,
// or nil if it is not available.
func (s *Segment) Previous(n int) *Inst {
	return s.ring.Previous(n)
}

// Visitor receives the instructions of a segment scan.
type Visitor interface {
	// NewSegment is called once before the first instruction.
	NewSegment(s *Segment)

	// Visit is called for each decoded instruction. Returning false stops
	// the scan.
	Visit(s *Segment, inst *Inst) bool

	// SegmentationError is called when an instruction runs past the end of
	// the segment. The scan stops.
	SegmentationError(s *Segment, inst *Inst, reason string)

	// InternalError is called when the tables yield no entry at all for an
	// instruction.
	InternalError(s *Segment, inst *Inst, err error)
}

// DecodeSegment decodes every instruction of s in order. It returns false
// if the visitor stopped the scan.
func (d *Decoder) DecodeSegment(s *Segment, v Visitor) bool {
	s.ring.Reset()
	v.NewSegment(s)
	limit := s.Limit()
	for pc := s.VBase; pc < limit; {
		inst := s.ring.Advance()
		d.Decode(s.Code[pc-s.VBase:], pc, inst)
		if inst.Desc.Type == opcode.Undefined {
			v.InternalError(s, inst, fmt.Errorf("no table entry for % x", inst.Bytes()))
		}
		if inst.Truncated() {
			v.SegmentationError(s, inst, fmt.Sprintf("%x > %x (read overflow of %d bytes)", inst.End(), limit, inst.Overflow))
			break
		}
		if !v.Visit(s, inst) {
			return false
		}
		pc = inst.End()
	}
	return true
}

// PairVisitor receives the instructions of a lock-step scan of an old and a
// replacement version of a segment.
type PairVisitor interface {
	NewSegment(before, after *Segment)
	VisitPair(before, after *Inst) bool
	SegmentationError(s *Segment, inst *Inst, reason string)
}

// DecodeSegmentPair decodes before and after in lock-step. The scan stops at the
// first pair of instructions with different lengths, or when an instruction
// runs past the end. It returns false if the scan did not cover the whole
// segment.
func (d *Decoder) DecodeSegmentPair(before, after *Segment, v PairVisitor) bool {
	if before.VBase != after.VBase || len(before.Code) != len(after.Code) {
		v.SegmentationError(after, nil, fmt.Sprintf("segment size mismatch %d != %d", len(before.Code), len(after.Code)))
		return false
	}
	before.ring.Reset()
	after.ring.Reset()
	v.NewSegment(before, after)
	limit := after.Limit()
	for pc := after.VBase; pc < limit; {
		oi := before.ring.Advance()
		ni := after.ring.Advance()
		d.Decode(before.Code[pc-before.VBase:], pc, oi)
		d.Decode(after.Code[pc-after.VBase:], pc, ni)
		if oi.End() != ni.End() {
			v.SegmentationError(after, ni, fmt.Sprintf("misaligned replacement code %x != %x", oi.End(), ni.End()))
			return false
		}
		if ni.End() > limit {
			v.SegmentationError(after, ni, fmt.Sprintf("%x > %x", ni.End(), limit))
			return false
		}
		if !v.VisitPair(oi, ni) {
			return false
		}
		pc = ni.End()
	}
	return true
}
