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

// Package validator checks that a segment of x86 machine code obeys the
// software fault isolation rules, so that it can be run without escaping
// the sandbox.
//
// The rules are checked while the decoder walks the segment. Each
// instruction is checked in isolation and against a short window of
// preceding instructions; control flow is checked once the whole segment
// has been seen, since jumps may go forward:
//
//   - banned instructions and prefixes are rejected;
//   - instructions the CPU does not implement are rejected, or replaced
//     with HLT when stub-out is enabled;
//   - indirect jumps must be preceded by the masking sequence, and calls
//     must end on a bundle boundary;
//   - in 64-bit mode, r15 is never written, rsp and rbp only through the
//     approved sequences, and memory is only addressed relative to r15,
//     rsp, rbp or rip;
//   - every bundle boundary and every direct jump target must start an
//     instruction that is not inside a protected sequence.
package validator

import (
	"context"
	"fmt"
	"time"

	"gvisor.dev/sfi/pkg/cpuid"
	"gvisor.dev/sfi/pkg/log"
	"gvisor.dev/sfi/pkg/x86/decoder"
	"gvisor.dev/sfi/pkg/x86/opcode"
)

// DefaultMaxDiagnostics is the number of diagnostics kept when
// Options.MaxDiagnostics is zero.
const DefaultMaxDiagnostics = 100

// cancelCheckInterval is how many instructions are validated between
// checks of the context.
const cancelCheckInterval = 1024

// Options configures one validation.
type Options struct {
	// Mode selects the instruction set.
	Mode opcode.Mode

	// BundleSize is the alignment of jump targets, 16 or 32.
	BundleSize int

	// Features is the CPU the code will run on.
	Features cpuid.FeatureSet

	// StubOut replaces instructions the CPU does not support with HLT
	// instead of rejecting them. The code is modified in place.
	StubOut bool

	// QuitAfterFirstError stops at the first error.
	QuitAfterFirstError bool

	// MaxDiagnostics bounds Result.Diagnostics. Zero means
	// DefaultMaxDiagnostics and a negative value means no bound.
	MaxDiagnostics int

	// Logger receives one line per diagnostic. It defaults to the global
	// logger.
	Logger log.Logger
}

// Stats are counters describing validation work.
type Stats struct {
	Segments     uint64
	Rejected     uint64
	Instructions uint64
	Errors       uint64
	Stubbed      uint64
	CacheHits    uint64

	// Types counts instructions by category.
	Types [opcode.NumInstTypes]uint64
}

// Add accumulates o into s.
func (s *Stats) Add(o *Stats) {
	s.Segments += o.Segments
	s.Rejected += o.Rejected
	s.Instructions += o.Instructions
	s.Errors += o.Errors
	s.Stubbed += o.Stubbed
	s.CacheHits += o.CacheHits
	for i := range s.Types {
		s.Types[i] += o.Types[i]
	}
}

// Result is the outcome of validating one segment.
type Result struct {
	// OK is true iff no error was found.
	OK bool

	// Diagnostics holds the first errors found, in order.
	Diagnostics []Diagnostic

	// Errors counts all errors, including those not kept in Diagnostics.
	Errors int

	// Stubbed counts instructions replaced with HLT.
	Stubbed int

	Stats Stats
}

// Err returns the first diagnostic as an error, or nil if the segment
// validated.
func (r *Result) Err() error {
	switch {
	case r.OK:
		return nil
	case len(r.Diagnostics) > 0:
		return r.Diagnostics[0]
	default:
		return fmt.Errorf("validation failed with %d errors", r.Errors)
	}
}

// Validate validates code, which is mapped at vbase. With opts.StubOut the
// code may be modified.
func Validate(ctx context.Context, code []byte, vbase uint64, opts Options) *Result {
	v := newValidator(ctx, vbase, len(code), opts)
	decoder.New(opts.Mode).DecodeSegment(decoder.NewSegment(code, vbase), v)
	return v.finish()
}

// jump is a direct control transfer.
type jump struct {
	from, to uint64
}

// stackWrite is a 32-bit write to esp or ebp awaiting the addition of the
// base register.
type stackWrite struct {
	reg int
	pc  uint64
	set bool
}

// validator holds the state of one segment walk. It implements
// decoder.Visitor.
type validator struct {
	ctx    context.Context
	opts   Options
	bundle uint64
	log    log.Logger
	seg    *decoder.Segment
	checks []func(*decoder.Inst) bool

	// starts holds every instruction start. protected holds the starts that
	// are not valid targets because they continue a sequence. sequences
	// holds every member of a sequence, including its first instruction.
	starts    addrSet
	protected addrSet
	sequences addrSet
	jumps     []jump

	// pending is a 32-bit stack register write made by the previous
	// instruction, and completing is set while the instruction that must
	// complete it is checked.
	pending    stackWrite
	completing stackWrite

	writes  []decoder.RegWrite
	scratch []decoder.RegWrite
	stopped bool
	quiet   bool
	res     Result
}

func newValidator(ctx context.Context, vbase uint64, size int, opts Options) *validator {
	if opts.MaxDiagnostics == 0 {
		opts.MaxDiagnostics = DefaultMaxDiagnostics
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Log()
	}
	v := &validator{
		ctx:       ctx,
		opts:      opts,
		bundle:    uint64(opts.BundleSize),
		log:       log.BurstLimitedLogger(log.Component(logger, "validator"), 100*time.Millisecond, 16),
		starts:    newAddrSet(vbase, size),
		protected: newAddrSet(vbase, size),
		sequences: newAddrSet(vbase, size),
	}
	v.checks = []func(*decoder.Inst) bool{
		v.checkLegal,
		v.checkPrefixes,
		v.checkFeatures,
		v.checkControlFlow,
	}
	if opts.Mode == opcode.Mode64 {
		v.checks = append(v.checks, v.checkRegisters, v.checkMemory, v.checkString)
	}
	return v
}

// NewSegment implements decoder.Visitor.NewSegment.
func (v *validator) NewSegment(s *decoder.Segment) {
	v.seg = s
}

// Visit implements decoder.Visitor.Visit.
func (v *validator) Visit(s *decoder.Segment, inst *decoder.Inst) bool {
	v.seg = s
	st := &v.res.Stats
	if st.Instructions%cancelCheckInterval == 0 {
		if err := v.ctx.Err(); err != nil {
			v.errorf(inst.VPC, Cancelled, "%v", err)
			v.stopped = true
			return false
		}
	}
	st.Instructions++
	st.Types[inst.Desc.Type]++
	v.starts.Add(inst.VPC)

	errors := v.res.Errors
	v.checkPending(inst)
	for _, check := range v.checks {
		if !check(inst) {
			break
		}
	}
	if v.res.Errors > errors && v.opts.QuitAfterFirstError {
		v.stopped = true
		return false
	}
	return true
}

// SegmentationError implements decoder.Visitor.SegmentationError.
func (v *validator) SegmentationError(s *decoder.Segment, inst *decoder.Inst, reason string) {
	pc := s.VBase
	if inst != nil {
		pc = inst.VPC
	}
	v.errorf(pc, TruncatedInstruction, "%s", reason)
}

// InternalError implements decoder.Visitor.InternalError.
func (v *validator) InternalError(_ *decoder.Segment, inst *decoder.Inst, err error) {
	v.errorf(inst.VPC, InternalError, "%v", err)
}

func (v *validator) errorf(pc uint64, code ErrorCode, format string, args ...any) {
	d := Diagnostic{Code: code, PC: pc, Detail: fmt.Sprintf(format, args...)}
	v.res.Errors++
	if max := v.opts.MaxDiagnostics; max < 0 || len(v.res.Diagnostics) < max {
		v.res.Diagnostics = append(v.res.Diagnostics, d)
	}
	if !v.quiet {
		v.log.Infof("%v", d)
	}
}

// protect marks the members of a sequence. The first instruction remains a
// valid target; the others do not.
func (v *validator) protect(insts ...*decoder.Inst) {
	for i, inst := range insts {
		v.sequences.Add(inst.VPC)
		if i > 0 {
			v.protected.Add(inst.VPC)
		}
	}
}

// finish runs the whole-segment checks and returns the result.
func (v *validator) finish() *Result {
	if !v.stopped {
		if v.pending.set {
			v.errorf(v.pending.pc, IncompleteStackUpdate, "%s", decoder.RegisterName(v.pending.reg, 32))
			v.pending = stackWrite{}
		}
		v.checkBundles()
		v.checkJumps()
	}
	r := &v.res
	r.OK = r.Errors == 0
	r.Stats.Segments = 1
	r.Stats.Errors = uint64(r.Errors)
	r.Stats.Stubbed = uint64(r.Stubbed)
	if !r.OK {
		r.Stats.Rejected = 1
	}
	return r
}
