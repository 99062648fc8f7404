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
	"testing"

	"gvisor.dev/sfi/pkg/cpuid"
	"gvisor.dev/sfi/pkg/vcache"
	"gvisor.dev/sfi/pkg/x86/opcode"
)

func testRequest(action Action, c []byte) *Request {
	return &Request{
		Action:     action,
		Mode:       opcode.Mode64,
		VBase:      testBase,
		Code:       c,
		BundleSize: 32,
		Features:   cpuid.FixedFeatureSet(),
		Stats:      &Stats{},
	}
}

func TestApplyConfiguration(t *testing.T) {
	ctx := context.Background()
	req := testRequest(ActionValidate, code(t, "90"))
	req.BundleSize = 8
	if got, _ := Apply(ctx, req); got != FailedNotImplemented {
		t.Errorf("Apply with 8-byte bundles = %v, want %v", got, FailedNotImplemented)
	}

	req = testRequest(ActionValidate, code(t, "90"))
	req.Features.CPUIDSupported = false
	if got, _ := Apply(ctx, req); got != FailedCpuNotSupported {
		t.Errorf("Apply without CPUID = %v, want %v", got, FailedCpuNotSupported)
	}

	req = testRequest(ActionValidate, code(t, "90"))
	req.Features.Remove(cpuid.LM)
	if got, _ := Apply(ctx, req); got != FailedCpuNotSupported {
		t.Errorf("Apply without long mode = %v, want %v", got, FailedCpuNotSupported)
	}
}

func TestApplyCache(t *testing.T) {
	ctx := context.Background()
	cache := vcache.NewMemory()
	req := testRequest(ActionValidate, code(t, "90"))
	req.Cache = cache

	status, res := Apply(ctx, req)
	if status != Succeeded || res == nil {
		t.Fatalf("first Apply = %v, %v; want validated success", status, res)
	}
	if cache.Len() != 1 {
		t.Errorf("cache.Len() = %d, want 1", cache.Len())
	}
	status, res = Apply(ctx, req)
	if status != Succeeded || res != nil {
		t.Errorf("second Apply = %v, %v; want cached success", status, res)
	}
	if req.Stats.Segments != 2 || req.Stats.CacheHits != 1 {
		t.Errorf("Stats = %+v, want 2 segments with 1 cache hit", *req.Stats)
	}

	bad := testRequest(ActionValidate, code(t, "c3"))
	bad.Cache = cache
	if status, _ := Apply(ctx, bad); status != Failed {
		t.Errorf("Apply(ret) = %v, want %v", status, Failed)
	}
	if cache.Len() != 1 {
		t.Errorf("cache.Len() = %d after failure, want 1", cache.Len())
	}
}

func TestApplyStubOut(t *testing.T) {
	ctx := context.Background()
	c := code(t, "f3 0f b8 c0", "c3")
	cache := vcache.NewMemory()

	req := testRequest(ActionStubOut, c)
	req.Cache = cache
	status, res := Apply(ctx, req)
	if status != Succeeded || res.Stubbed != 1 {
		t.Fatalf("Apply(stubout) = %v, stubbed %d; want success with 1 stubbed", status, res.Stubbed)
	}
	if cache.Len() != 0 {
		t.Errorf("stub-out populated the cache")
	}

	// ret is still there.
	req.Action = ActionValidate
	if status, _ := Apply(ctx, req); status != Failed {
		t.Errorf("Apply(validate) after stub-out = %v, want %v", status, Failed)
	}
}

func TestApplyReplace(t *testing.T) {
	ctx := context.Background()
	req := testRequest(ActionReplace, code(t, "b8 02 00 00 00"))
	req.Old = code(t, "b8 01 00 00 00")
	if status, res := Apply(ctx, req); status != Succeeded {
		t.Errorf("Apply(replace) = %v: %v", status, res.Err())
	}

	req.Code = code(t, "75 00")
	req.Old = code(t, "74 00")
	if status, _ := Apply(ctx, req); status != Failed {
		t.Errorf("Apply(replace branch) = %v, want %v", status, Failed)
	}
}
