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

// Package addrspace manages the host memory backing a sandbox: one
// contiguous reservation whose offsets are the sandbox's addresses, and a
// map of what has been placed in it.
package addrspace

import (
	"fmt"

	"golang.org/x/sys/unix"

	"gvisor.dev/sfi/pkg/abi/nacl"
)

// Prot is a set of access permissions.
type Prot uint8

// Access permissions.
const (
	Read Prot = 1 << iota
	Write
	Exec

	None Prot = 0
	RW        = Read | Write
	RX        = Read | Exec
)

// String returns a pretty representation of p, e.g. "r-x".
func (p Prot) String() string {
	b := []byte("---")
	if p&Read != 0 {
		b[0] = 'r'
	}
	if p&Write != 0 {
		b[1] = 'w'
	}
	if p&Exec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

func (p Prot) host() int {
	var prot int
	if p&Read != 0 {
		prot |= unix.PROT_READ
	}
	if p&Write != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&Exec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// Region is the reservation backing one sandbox. Address zero of the
// sandbox is the first byte of the region.
type Region struct {
	mem []byte
}

// Reserve reserves 1<<addrBits bytes of inaccessible, zeroed memory.
func Reserve(addrBits uint) (*Region, error) {
	if addrBits > nacl.MaxAddrBits {
		return nil, nacl.Errorf(nacl.LoadAddrSpaceTooBig, "%d bits", addrBits)
	}
	if addrBits < nacl.MinAddrBits {
		return nil, nacl.Errorf(nacl.LoadAddrSpaceTooSmall, "%d bits", addrBits)
	}
	mem, err := unix.Mmap(-1, 0, 1<<addrBits, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, nacl.Errorf(nacl.LoadNoMemory, "reserving %d bits: %v", addrBits, err)
	}
	return &Region{mem: mem}, nil
}

// Size returns the size of the region.
func (r *Region) Size() uint64 {
	return uint64(len(r.mem))
}

func (r *Region) check(addr, length uint64) error {
	if end := addr + length; end < addr || end > r.Size() {
		return fmt.Errorf("range [%#x, %#x) outside region of %#x bytes", addr, addr+length, r.Size())
	}
	return nil
}

// Protect sets the permissions of the pages in [addr, addr+length). addr
// must be page aligned; length is rounded up to whole pages.
func (r *Region) Protect(addr, length uint64, prot Prot) error {
	if addr%nacl.PageSize != 0 {
		return fmt.Errorf("unaligned address %#x", addr)
	}
	length = nacl.RoundPage(length)
	if err := r.check(addr, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if err := unix.Mprotect(r.mem[addr:addr+length], prot.host()); err != nil {
		return fmt.Errorf("mprotect(%#x, %#x, %v): %w", addr, length, prot, err)
	}
	return nil
}

// Bytes returns the host memory backing [addr, addr+length). The memory
// must be made accessible with Protect before it is touched.
func (r *Region) Bytes(addr, length uint64) ([]byte, error) {
	if err := r.check(addr, length); err != nil {
		return nil, err
	}
	return r.mem[addr : addr+length : addr+length], nil
}

// Fill sets every byte of [addr, addr+length) to b.
func (r *Region) Fill(addr, length uint64, b byte) error {
	mem, err := r.Bytes(addr, length)
	if err != nil {
		return err
	}
	for i := range mem {
		mem[i] = b
	}
	return nil
}

// Release unmaps the region. No thread may be running in it.
func (r *Region) Release() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}
