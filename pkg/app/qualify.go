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
	"runtime"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/addrspace"
)

// probeBits is the size of the region reserved to check that the host
// honors protection changes. It is the smallest sandbox Reserve accepts.
const probeBits = nacl.MinAddrBits

// Qualify checks that this host can run sandboxed code at all. A failure is
// recorded as the load status, so a command channel client learns why no
// module will ever run.
func (a *App) Qualify() error {
	err := a.qualify()
	if err != nil {
		a.setStatus(err)
	}
	return err
}

func (a *App) qualify() error {
	if runtime.GOOS != "linux" {
		return nacl.Errorf(nacl.LoadUnsupportedOS, "%s", runtime.GOOS)
	}
	if a.opts.Platform == nil {
		return nacl.Errorf(nacl.LoadUnsupportedOS, "no execution platform")
	}
	if err := a.opts.Features.Supported(int(a.opts.Mode)); err != nil {
		return nacl.Errorf(nacl.LoadCpuNotSupported, "%v", err)
	}

	// The sandbox relies on the host faulting on guard pages and on
	// protection changes taking effect immediately.
	r, err := addrspace.Reserve(probeBits)
	if err != nil {
		return nacl.Errorf(nacl.LoadNoMemory, "probe reservation: %v", err)
	}
	defer r.Release()
	if err := r.Protect(0, nacl.AllocPageSize, addrspace.RW); err != nil {
		return nacl.Errorf(nacl.LoadNoMemory, "probe protect: %v", err)
	}
	if err := r.Fill(0, nacl.AllocPageSize, nacl.HaltOpcode); err != nil {
		return nacl.Errorf(nacl.LoadNoMemory, "probe fill: %v", err)
	}
	if err := r.Protect(0, nacl.AllocPageSize, addrspace.Read); err != nil {
		return nacl.Errorf(nacl.LoadNoMemory, "probe protect: %v", err)
	}
	return nil
}
