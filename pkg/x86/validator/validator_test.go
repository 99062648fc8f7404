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
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/cpuid"
	"gvisor.dev/sfi/pkg/x86/opcode"
)

const testBase = 0x20000

// code assembles hex fragments and pads the result with HLT to a whole
// number of 32-byte bundles.
func code(t *testing.T, parts ...string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(strings.Join(parts, ""), " ", ""))
	if err != nil {
		t.Fatalf("bad test code %q: %v", parts, err)
	}
	for len(b)%32 != 0 {
		b = append(b, nacl.HaltOpcode)
	}
	return b
}

func nops(n int) string {
	return strings.Repeat("90", n)
}

func testOptions(mode opcode.Mode) Options {
	return Options{
		Mode:       mode,
		BundleSize: 32,
		Features:   cpuid.FixedFeatureSet(),
	}
}

func codes(res *Result) []ErrorCode {
	var got []ErrorCode
	for _, d := range res.Diagnostics {
		got = append(got, d.Code)
	}
	return got
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		mode opcode.Mode
		code []string
		want []ErrorCode
	}{
		{
			name: "nops",
			mode: opcode.Mode64,
			code: []string{"90"},
		},
		{
			name: "arithmetic",
			mode: opcode.Mode64,
			code: []string{"48 89 c8", "01 d8"},
		},
		{
			name: "masked jump",
			mode: opcode.Mode64,
			code: []string{"83 e0 e0", "4c 01 f8", "ff e0"},
		},
		{
			name: "masked jump with reversed add",
			mode: opcode.Mode64,
			code: []string{"83 e0 e0", "49 03 c7", "ff e0"},
		},
		{
			name: "masked call",
			mode: opcode.Mode64,
			code: []string{nops(24), "83 e0 e0", "4c 01 f8", "ff d0"},
		},
		{
			name: "masked jump 32",
			mode: opcode.Mode32,
			code: []string{"83 e0 e0", "ff e0"},
		},
		{
			name: "direct jumps",
			mode: opcode.Mode64,
			code: []string{"eb 00", "e9 00 00 00 00"},
		},
		{
			name: "aligned call 32",
			mode: opcode.Mode32,
			code: []string{nops(27), "e8 00 00 00 00"},
		},
		{
			name: "jump to trampoline",
			mode: opcode.Mode64,
			code: []string{"e9 fb ff fe ff"},
		},
		{
			name: "stack switch",
			mode: opcode.Mode64,
			code: []string{"89 c4", "4c 01 fc"},
		},
		{
			name: "frame switch with lea",
			mode: opcode.Mode64,
			code: []string{"89 c5", "4a 8d 6c 3d 00"},
		},
		{
			name: "frame pointer copy",
			mode: opcode.Mode64,
			code: []string{"48 89 e5"},
		},
		{
			name: "stack align",
			mode: opcode.Mode64,
			code: []string{"48 83 e4 f0"},
		},
		{
			name: "r15 base",
			mode: opcode.Mode64,
			code: []string{"41 8b 07"},
		},
		{
			name: "zero extended index",
			mode: opcode.Mode64,
			code: []string{"89 c0", "41 8b 04 07"},
		},
		{
			name: "rip relative",
			mode: opcode.Mode64,
			code: []string{"8b 05 00 00 00 00"},
		},
		{
			name: "sandboxed stos",
			mode: opcode.Mode64,
			code: []string{"89 ff", "49 8d 3c 3f", "aa", "89 ff", "49 8d 3c 3f", "f3 ab"},
		},
		{
			name: "sandboxed lods",
			mode: opcode.Mode64,
			code: []string{"89 f6", "49 8d 34 37", "ac"},
		},
		{
			name: "padding nop",
			mode: opcode.Mode64,
			code: []string{"66 2e 0f 1f 84 00 00 00 00 00"},
		},
		{
			name: "pause",
			mode: opcode.Mode64,
			code: []string{"f3 90"},
		},
		{
			name: "lock on memory",
			mode: opcode.Mode64,
			code: []string{"f0 41 01 07"},
		},
		{
			name: "branch hint",
			mode: opcode.Mode64,
			code: []string{"2e 74 00"},
		},
		{
			name: "thread pointer 32",
			mode: opcode.Mode32,
			code: []string{"65 a1 00 00 00 00"},
		},
		{
			name: "ret",
			mode: opcode.Mode64,
			code: []string{"c3"},
			want: []ErrorCode{IllegalInstruction},
		},
		{
			name: "syscall",
			mode: opcode.Mode64,
			code: []string{"0f 05"},
			want: []ErrorCode{IllegalInstruction},
		},
		{
			// With REX.W the immediate is 4 bytes even under 66, so the
			// trailing 0f 05 is a syscall and not part of a test.
			name: "rex.w immediate hides syscall",
			mode: opcode.Mode64,
			code: []string{"66 48 05 00 00 66 a9", "0f 05"},
			want: []ErrorCode{IllegalInstruction},
		},
		{
			name: "duplicate prefix",
			mode: opcode.Mode64,
			code: []string{"66 66 01 c0"},
			want: []ErrorCode{DuplicatePrefix},
		},
		{
			name: "address size prefix",
			mode: opcode.Mode64,
			code: []string{"67 41 8b 07"},
			want: []ErrorCode{BadPrefix},
		},
		{
			name: "lock on register",
			mode: opcode.Mode64,
			code: []string{"f0 01 c0"},
			want: []ErrorCode{BadPrefix},
		},
		{
			name: "segment override",
			mode: opcode.Mode64,
			code: []string{"64 8b 00"},
			want: []ErrorCode{BadPrefix},
		},
		{
			name: "unsupported",
			mode: opcode.Mode64,
			code: []string{"f3 0f b8 c0"},
			want: []ErrorCode{UnsupportedInstruction},
		},
		{
			name: "cmpxchg16b without cx16",
			mode: opcode.Mode64,
			code: []string{"49 0f c7 0f"},
			want: []ErrorCode{UnsupportedInstruction},
		},
		{
			name: "misaligned call",
			mode: opcode.Mode64,
			code: []string{"e8 00 00 00 00"},
			want: []ErrorCode{BadCallAlignment},
		},
		{
			name: "unmasked jump",
			mode: opcode.Mode64,
			code: []string{"ff e0"},
			want: []ErrorCode{UnmaskedIndirectJump},
		},
		{
			name: "jump through memory",
			mode: opcode.Mode64,
			code: []string{"ff 20"},
			want: []ErrorCode{UnmaskedIndirectJump},
		},
		{
			name: "wrong mask",
			mode: opcode.Mode64,
			code: []string{"83 e0 f0", "4c 01 f8", "ff e0"},
			want: []ErrorCode{UnmaskedIndirectJump},
		},
		{
			name: "mask without base",
			mode: opcode.Mode64,
			code: []string{"83 e0 e0", "ff e0"},
			want: []ErrorCode{UnmaskedIndirectJump},
		},
		{
			name: "write r15",
			mode: opcode.Mode64,
			code: []string{"4d 31 ff"},
			want: []ErrorCode{ReservedRegisterWrite},
		},
		{
			name: "write r15d",
			mode: opcode.Mode64,
			code: []string{"45 31 ff"},
			want: []ErrorCode{ReservedRegisterWrite},
		},
		{
			name: "incomplete stack switch",
			mode: opcode.Mode64,
			code: []string{"89 c4", "90"},
			want: []ErrorCode{IncompleteStackUpdate},
		},
		{
			name: "stack switch at end",
			mode: opcode.Mode64,
			code: []string{nops(30), "89 c4"},
			want: []ErrorCode{IncompleteStackUpdate},
		},
		{
			name: "16-bit stack write",
			mode: opcode.Mode64,
			code: []string{"66 89 c4"},
			want: []ErrorCode{ReservedRegisterWrite},
		},
		{
			name: "64-bit stack write",
			mode: opcode.Mode64,
			code: []string{"48 89 c4"},
			want: []ErrorCode{ReservedRegisterWrite},
		},
		{
			name: "bad base",
			mode: opcode.Mode64,
			code: []string{"8b 00"},
			want: []ErrorCode{BadMemoryBase},
		},
		{
			name: "absolute address",
			mode: opcode.Mode64,
			code: []string{"8b 04 25 00 00 00 00"},
			want: []ErrorCode{BadMemoryBase},
		},
		{
			name: "index not extended",
			mode: opcode.Mode64,
			code: []string{"41 8b 04 07"},
			want: []ErrorCode{BadIndexRegister},
		},
		{
			name: "unsandboxed stos",
			mode: opcode.Mode64,
			code: []string{"aa"},
			want: []ErrorCode{BadStringOperation},
		},
		{
			name: "movs",
			mode: opcode.Mode64,
			code: []string{"a4"},
			want: []ErrorCode{BadStringOperation},
		},
		{
			name: "jump into instruction",
			mode: opcode.Mode64,
			code: []string{"eb 01", "b8 00 00 00 00"},
			want: []ErrorCode{BadJumpTarget},
		},
		{
			name: "jump into sequence",
			mode: opcode.Mode64,
			code: []string{"eb 03", "83 e0 e0", "4c 01 f8", "ff e0"},
			want: []ErrorCode{BadJumpTarget},
		},
		{
			name: "unaligned external jump",
			mode: opcode.Mode64,
			code: []string{"e9 00 01 00 00"},
			want: []ErrorCode{BadJumpTarget},
		},
		{
			name: "instruction crosses bundle",
			mode: opcode.Mode64,
			code: []string{nops(31), "b8 00 00 00 00"},
			want: []ErrorCode{BadBundleBoundary},
		},
		{
			name: "sequence crosses bundle",
			mode: opcode.Mode64,
			code: []string{nops(29), "83 e0 e0", "4c 01 f8", "ff e0"},
			want: []ErrorCode{BadBundleBoundary},
		},
		{
			name: "truncated",
			mode: opcode.Mode64,
			code: []string{nops(27), "b8 00 00 00 00", nops(31), "b8"},
			want: []ErrorCode{TruncatedInstruction},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := code(t, tc.code...)
			res := Validate(context.Background(), c, testBase, testOptions(tc.mode))
			if diff := cmp.Diff(tc.want, codes(res), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Validate(%x) diagnostics mismatch (-want +got):\n%s\n%v", c, diff, res.Diagnostics)
			}
			if res.OK != (len(tc.want) == 0) {
				t.Errorf("Validate(%x).OK = %t, want %t", c, res.OK, len(tc.want) == 0)
			}
		})
	}
}

func TestDiagnosticPC(t *testing.T) {
	c := code(t, "90", "89 c4", "90", "c3")
	res := Validate(context.Background(), c, testBase, testOptions(opcode.Mode64))
	want := []Diagnostic{
		{Code: IncompleteStackUpdate, PC: testBase + 1},
		{Code: IllegalInstruction, PC: testBase + 4},
	}
	if diff := cmp.Diff(want, res.Diagnostics, cmpopts.IgnoreFields(Diagnostic{}, "Detail")); diff != "" {
		t.Errorf("Diagnostics mismatch (-want +got):\n%s", diff)
	}
	if got, want := res.Err(), error(res.Diagnostics[0]); got != want {
		t.Errorf("Err() = %v, want %v", got, want)
	}
}

func TestStubOut(t *testing.T) {
	c := code(t, "90", "f3 0f b8 c0", "90")
	opts := testOptions(opcode.Mode64)
	opts.StubOut = true
	res := Validate(context.Background(), c, testBase, opts)
	if !res.OK || res.Stubbed != 1 {
		t.Fatalf("Validate = OK %t, Stubbed %d, want OK with 1 stubbed: %v", res.OK, res.Stubbed, res.Diagnostics)
	}
	want := code(t, "90", "f4 f4 f4 f4", "90")
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("stubbed code mismatch (-want +got):\n%s", diff)
	}

	// The rewritten code validates without stub-out.
	opts.StubOut = false
	if res := Validate(context.Background(), c, testBase, opts); !res.OK {
		t.Errorf("Validate(stubbed) failed: %v", res.Err())
	}
}

func TestStubOutAtBundleBoundary(t *testing.T) {
	// Each HLT starts an instruction, so a stubbed instruction that would
	// have crossed the boundary no longer does.
	c := code(t, nops(30), "f3 0f b8 c0")
	opts := testOptions(opcode.Mode64)
	opts.StubOut = true
	if res := Validate(context.Background(), c, testBase, opts); !res.OK {
		t.Errorf("Validate failed: %v", res.Err())
	}
}

func TestQuitAfterFirstError(t *testing.T) {
	c := code(t, "c3", "c3", "c3")
	opts := testOptions(opcode.Mode64)
	if res := Validate(context.Background(), c, testBase, opts); res.Errors != 3 {
		t.Errorf("Errors = %d, want 3", res.Errors)
	}
	opts.QuitAfterFirstError = true
	if res := Validate(context.Background(), c, testBase, opts); res.Errors != 1 {
		t.Errorf("Errors with QuitAfterFirstError = %d, want 1", res.Errors)
	}
}

func TestMaxDiagnostics(t *testing.T) {
	c := code(t, "c3 c3 c3 c3 c3")
	opts := testOptions(opcode.Mode64)
	opts.MaxDiagnostics = 2
	res := Validate(context.Background(), c, testBase, opts)
	if res.Errors != 5 || len(res.Diagnostics) != 2 {
		t.Errorf("Errors = %d, len(Diagnostics) = %d, want 5 and 2", res.Errors, len(res.Diagnostics))
	}
}

func TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Validate(ctx, code(t, "90"), testBase, testOptions(opcode.Mode64))
	if diff := cmp.Diff([]ErrorCode{Cancelled}, codes(res)); diff != "" {
		t.Errorf("diagnostics mismatch (-want +got):\n%s", diff)
	}
}

func TestStats(t *testing.T) {
	c := code(t, "90", "c3")
	res := Validate(context.Background(), c, testBase, testOptions(opcode.Mode64))
	st := res.Stats
	if st.Segments != 1 || st.Rejected != 1 || st.Errors != 1 || st.Instructions != uint64(len(c)) {
		t.Errorf("Stats = %+v", st)
	}
	if st.Types[opcode.Return] != 1 {
		t.Errorf("Types[Return] = %d, want 1", st.Types[opcode.Return])
	}

	var total Stats
	total.Add(&st)
	total.Add(&st)
	if total.Instructions != 2*st.Instructions || total.Types[opcode.Return] != 2 {
		t.Errorf("Add: got %+v", total)
	}
}

func TestCmpxchg16bFeature(t *testing.T) {
	opts := testOptions(opcode.Mode64)
	opts.Features.Add(cpuid.CX16)
	c := code(t, "49 0f c7 0f")
	if res := Validate(context.Background(), c, testBase, opts); !res.OK {
		t.Errorf("Validate(cmpxchg16b [r15]) with cx16 failed: %v", res.Diagnostics)
	}
	c = code(t, "f0 49 0f c7 0f")
	if res := Validate(context.Background(), c, testBase, opts); !res.OK {
		t.Errorf("Validate(lock cmpxchg16b [r15]) with cx16 failed: %v", res.Diagnostics)
	}
	// The memory operand is still confined to the sandbox.
	c = code(t, "48 0f c7 08")
	if res := Validate(context.Background(), c, testBase, opts); res.OK {
		t.Errorf("Validate(cmpxchg16b [rax]) succeeded")
	}
}

func TestUnsupportedBundleSize16(t *testing.T) {
	// A call ending on a 16-byte boundary is fine with 16-byte bundles only.
	c := code(t, nops(11), "e8 00 00 00 00")
	opts := testOptions(opcode.Mode32)
	if res := Validate(context.Background(), c, testBase, opts); res.OK {
		t.Errorf("Validate with 32-byte bundles succeeded")
	}
	opts.BundleSize = 16
	if res := Validate(context.Background(), c, testBase, opts); !res.OK {
		t.Errorf("Validate with 16-byte bundles failed: %v", res.Err())
	}
}
