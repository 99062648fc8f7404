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

	"gvisor.dev/sfi/pkg/cpuid"
	"gvisor.dev/sfi/pkg/log"
	"gvisor.dev/sfi/pkg/vcache"
	"gvisor.dev/sfi/pkg/x86/opcode"
)

// Action selects what Apply does with a segment.
type Action int

const (
	// ActionValidate validates the segment, consulting the cache.
	ActionValidate Action = iota

	// ActionStubOut replaces unsupported instructions with HLT. The
	// rewritten segment still has to be validated.
	ActionStubOut

	// ActionReplace validates Code as a replacement for Old.
	ActionReplace
)

// Request is the input to Apply.
type Request struct {
	Action     Action
	Mode       opcode.Mode
	VBase      uint64
	Code       []byte
	Old        []byte
	BundleSize int
	Features   cpuid.FeatureSet

	// Cache may be nil.
	Cache vcache.Cache

	// QuitAfterFirstError and Logger are passed to the validator.
	QuitAfterFirstError bool
	Logger              log.Logger

	// Stats, if not nil, accumulates the work done.
	Stats *Stats
}

// Apply runs one validator action. The Result is nil when no validation
// took place: a cache hit or a configuration the validator cannot handle.
func Apply(ctx context.Context, req *Request) (Status, *Result) {
	if req.BundleSize != 16 && req.BundleSize != 32 {
		return FailedNotImplemented, nil
	}
	if err := req.Features.Supported(int(req.Mode)); err != nil {
		return FailedCpuNotSupported, nil
	}
	opts := Options{
		Mode:                req.Mode,
		BundleSize:          req.BundleSize,
		Features:            req.Features,
		QuitAfterFirstError: req.QuitAfterFirstError,
		Logger:              req.Logger,
	}
	var res *Result
	switch req.Action {
	case ActionValidate:
		q := &vcache.Query{
			Mode:       req.Mode,
			Features:   req.Features,
			BundleSize: req.BundleSize,
			VBase:      req.VBase,
			Code:       req.Code,
		}
		if req.Cache != nil && req.Cache.IsKnownValid(q) {
			if req.Stats != nil {
				req.Stats.Segments++
				req.Stats.CacheHits++
			}
			return Succeeded, nil
		}
		res = Validate(ctx, req.Code, req.VBase, opts)
		if req.Cache != nil && res.OK && res.Stubbed == 0 {
			req.Cache.SetKnownValid(q)
		}
	case ActionStubOut:
		opts.StubOut = true
		res = Validate(ctx, req.Code, req.VBase, opts)
		req.record(res)
		// Errors other than unsupported instructions surface in the
		// validation pass that must follow.
		return Succeeded, res
	case ActionReplace:
		res = ValidatePair(ctx, req.Old, req.Code, req.VBase, opts)
	default:
		return FailedNotImplemented, nil
	}
	req.record(res)
	if !res.OK {
		return Failed, res
	}
	return Succeeded, res
}

func (req *Request) record(res *Result) {
	if req.Stats != nil {
		req.Stats.Add(&res.Stats)
	}
}
