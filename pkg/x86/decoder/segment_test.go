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
	"testing"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/sfi/pkg/x86/opcode"
)

type recorder struct {
	starts   []uint64
	errors   []string
	stopAt   uint64
	previous []string
}

func (r *recorder) NewSegment(*Segment) {}

func (r *recorder) Visit(s *Segment, inst *Inst) bool {
	r.starts = append(r.starts, inst.VPC)
	if p := s.Previous(1); p != nil {
		r.previous = append(r.previous, p.Desc.Mnemonic)
	}
	return r.stopAt == 0 || inst.VPC != r.stopAt
}

func (r *recorder) SegmentationError(_ *Segment, _ *Inst, reason string) {
	r.errors = append(r.errors, reason)
}

func (r *recorder) InternalError(_ *Segment, _ *Inst, err error) {
	r.errors = append(r.errors, err.Error())
}

func (r *recorder) VisitPair(_, inst *Inst) bool {
	r.starts = append(r.starts, inst.VPC)
	return true
}

type pairRecorder struct{ recorder }

func (p *pairRecorder) NewSegment(_, _ *Segment) {}

func TestDecodeSegment(t *testing.T) {
	// push %ebp; mov %esp,%ebp; mov $1,%eax; nop
	code := mustHex(t, "55 89 e5 b8 01 00 00 00 90")
	d := New(opcode.Mode32)
	var r recorder
	if !d.DecodeSegment(NewSegment(code, 0x20000), &r) {
		t.Fatalf("DecodeSegment stopped early")
	}
	if diff := cmp.Diff([]uint64{0x20000, 0x20001, 0x20003, 0x20008}, r.starts); diff != "" {
		t.Errorf("instruction starts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"push", "mov", "mov"}, r.previous); diff != "" {
		t.Errorf("lookback mismatch (-want +got):\n%s", diff)
	}
	if len(r.errors) != 0 {
		t.Errorf("unexpected errors: %v", r.errors)
	}
}

func TestDecodeSegmentStops(t *testing.T) {
	code := mustHex(t, "90 90 90 90")
	r := recorder{stopAt: 0x1001}
	if New(opcode.Mode64).DecodeSegment(NewSegment(code, 0x1000), &r) {
		t.Errorf("DecodeSegment = true, want false")
	}
	if len(r.starts) != 2 {
		t.Errorf("visited %d instructions, want 2", len(r.starts))
	}
}

func TestDecodeSegmentTruncated(t *testing.T) {
	code := mustHex(t, "90 e8 00 00")
	var r recorder
	New(opcode.Mode32).DecodeSegment(NewSegment(code, 0x1000), &r)
	if diff := cmp.Diff([]uint64{0x1000}, r.starts); diff != "" {
		t.Errorf("instruction starts mismatch (-want +got):\n%s", diff)
	}
	if len(r.errors) != 1 {
		t.Errorf("got errors %v, want one segmentation error", r.errors)
	}
}

func TestDecodeSegmentPair(t *testing.T) {
	for _, tc := range []struct {
		name string
		old  string
		new  string
		ok   bool
	}{
		{name: "same lengths", old: "b8 01 00 00 00 90", new: "b8 02 00 00 00 90", ok: true},
		{name: "misaligned", old: "b8 01 00 00 00 90", new: "90 90 90 90 90 90"},
		{name: "size mismatch", old: "90 90", new: "90"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var p pairRecorder
			before := NewSegment(mustHex(t, tc.old), 0x20000)
			after := NewSegment(mustHex(t, tc.new), 0x20000)
			if got := New(opcode.Mode32).DecodeSegmentPair(before, after, &p); got != tc.ok {
				t.Errorf("DecodeSegmentPair = %t, want %t (errors %v)", got, tc.ok, p.errors)
			}
			if !tc.ok && len(p.errors) == 0 {
				t.Errorf("no error reported")
			}
		})
	}
}
