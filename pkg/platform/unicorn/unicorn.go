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

//go:build unicorn
// +build unicorn

// Package unicorn runs sandbox threads on the Unicorn CPU emulator.
//
// Each context owns one emulator instance. All instances map the same host
// region, so threads share memory the way they would on hardware. The
// trampoline range is hooked: entering a slot stops the emulator and is
// reported as a syscall trap.
package unicorn

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/addrspace"
	"gvisor.dev/sfi/pkg/arch"
	"gvisor.dev/sfi/pkg/log"
	"gvisor.dev/sfi/pkg/platform"
	"gvisor.dev/sfi/pkg/x86/opcode"
)

func init() {
	platform.Register(Unicorn{})
}

// Unicorn implements platform.Platform.
type Unicorn struct{}

// Name implements platform.Platform.Name.
func (Unicorn) Name() string {
	return "unicorn"
}

func ucProt(p addrspace.Prot) int {
	prot := uc.PROT_NONE
	if p&addrspace.Read != 0 {
		prot |= uc.PROT_READ
	}
	if p&addrspace.Write != 0 {
		prot |= uc.PROT_WRITE
	}
	if p&addrspace.Exec != 0 {
		prot |= uc.PROT_EXEC
	}
	return prot
}

// NewContext implements platform.Platform.NewContext.
func (Unicorn) NewContext(as platform.AddressSpace) (platform.Context, error) {
	mode := uc.MODE_32
	if as.Mode == opcode.Mode64 {
		mode = uc.MODE_64
	}
	mu, err := uc.NewUnicorn(uc.ARCH_X86, mode)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}
	c := &context{mu: mu, mode: as.Mode, as: as}
	if err := c.mapRegion(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := c.addHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return c, nil
}

type context struct {
	mu   uc.Unicorn
	mode opcode.Mode
	as   platform.AddressSpace

	// gen is the vmmap generation the emulator protections reflect.
	gen uint64

	// trap is set by hooks while Start runs.
	trap    platform.Trap
	trapped bool

	interrupted atomic.Bool
}

func (c *context) mapRegion() error {
	mem, err := c.as.Region.Bytes(0, c.as.Region.Size())
	if err != nil {
		return err
	}
	if err := c.mu.MemMapPtr(0, uint64(len(mem)), uc.PROT_NONE, unsafe.Pointer(&mem[0])); err != nil {
		return fmt.Errorf("map sandbox region: %w", err)
	}
	return c.syncProtections()
}

// syncProtections copies the vmmap protections into the emulator.
func (c *context) syncProtections() error {
	gen := c.as.Map.Generation()
	if err := c.mu.MemProtect(0, c.as.Region.Size(), uc.PROT_NONE); err != nil {
		return fmt.Errorf("reset protections: %w", err)
	}
	var err error
	c.as.Map.Visit(func(m addrspace.Mapping) bool {
		if err = c.mu.MemProtect(m.Start, m.Len(), ucProt(m.Prot)); err != nil {
			err = fmt.Errorf("protect %v: %w", m, err)
			return false
		}
		return true
	})
	if err == nil {
		c.gen = gen
	}
	return err
}

func (c *context) ipReg() int {
	if c.mode == opcode.Mode64 {
		return uc.X86_REG_RIP
	}
	return uc.X86_REG_EIP
}

func (c *context) stop(t platform.Trap) {
	c.trap = t
	c.trapped = true
	c.mu.Stop()
}

func (c *context) addHooks() error {
	if _, err := c.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		n, ok := nacl.SyscallFromAddr(addr)
		if !ok {
			c.stop(platform.Trap{Kind: platform.TrapFault, Addr: addr})
			return
		}
		c.stop(platform.Trap{Kind: platform.TrapSyscall, Number: n, Addr: addr})
	}, nacl.TrampolineStart, nacl.TrampolineEnd-1); err != nil {
		return fmt.Errorf("hook trampolines: %w", err)
	}
	if _, err := c.mu.HookAdd(uc.HOOK_MEM_INVALID, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		c.trap = platform.Trap{Kind: platform.TrapFault, Addr: addr}
		c.trapped = true
		return false
	}, 1, 0); err != nil {
		return fmt.Errorf("hook invalid accesses: %w", err)
	}
	if _, err := c.mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		ip, _ := mu.RegRead(c.ipReg())
		c.stop(platform.Trap{Kind: platform.TrapFault, Addr: ip})
	}, 1, 0); err != nil {
		return fmt.Errorf("hook interrupts: %w", err)
	}
	return nil
}

func (c *context) regs(r *arch.Registers) map[int]*uint64 {
	if c.mode != opcode.Mode64 {
		return map[int]*uint64{
			uc.X86_REG_EAX:    &r.Rax,
			uc.X86_REG_EBX:    &r.Rbx,
			uc.X86_REG_ECX:    &r.Rcx,
			uc.X86_REG_EDX:    &r.Rdx,
			uc.X86_REG_ESI:    &r.Rsi,
			uc.X86_REG_EDI:    &r.Rdi,
			uc.X86_REG_EBP:    &r.Rbp,
			uc.X86_REG_ESP:    &r.Rsp,
			uc.X86_REG_EIP:    &r.Rip,
			uc.X86_REG_EFLAGS: &r.Eflags,
		}
	}
	return map[int]*uint64{
		uc.X86_REG_RAX:     &r.Rax,
		uc.X86_REG_RBX:     &r.Rbx,
		uc.X86_REG_RCX:     &r.Rcx,
		uc.X86_REG_RDX:     &r.Rdx,
		uc.X86_REG_RSI:     &r.Rsi,
		uc.X86_REG_RDI:     &r.Rdi,
		uc.X86_REG_RBP:     &r.Rbp,
		uc.X86_REG_RSP:     &r.Rsp,
		uc.X86_REG_R8:      &r.R8,
		uc.X86_REG_R9:      &r.R9,
		uc.X86_REG_R10:     &r.R10,
		uc.X86_REG_R11:     &r.R11,
		uc.X86_REG_R12:     &r.R12,
		uc.X86_REG_R13:     &r.R13,
		uc.X86_REG_R14:     &r.R14,
		uc.X86_REG_R15:     &r.R15,
		uc.X86_REG_RIP:     &r.Rip,
		uc.X86_REG_EFLAGS:  &r.Eflags,
		uc.X86_REG_FS_BASE: &r.FsBase,
	}
}

// Switch implements platform.Context.Switch.
func (c *context) Switch(ac *arch.Context) (platform.Trap, error) {
	if c.interrupted.Swap(false) {
		return platform.Trap{Kind: platform.TrapInterrupt, Addr: ac.IP()}, nil
	}
	if c.as.Map.Generation() != c.gen {
		if err := c.syncProtections(); err != nil {
			return platform.Trap{}, err
		}
	}
	regs := c.regs(&ac.Regs)
	for reg, v := range regs {
		if err := c.mu.RegWrite(reg, *v); err != nil {
			return platform.Trap{}, fmt.Errorf("write register %d: %w", reg, err)
		}
	}

	c.trapped = false
	runErr := c.mu.Start(ac.IP(), 0)

	for reg, v := range regs {
		val, err := c.mu.RegRead(reg)
		if err != nil {
			return platform.Trap{}, fmt.Errorf("read register %d: %w", reg, err)
		}
		*v = val
	}

	switch {
	case c.trapped:
		return c.trap, nil
	case c.interrupted.Swap(false):
		return platform.Trap{Kind: platform.TrapInterrupt, Addr: ac.IP()}, nil
	case runErr != nil:
		log.Debugf("unicorn stopped at %#x: %v", ac.IP(), runErr)
		return platform.Trap{Kind: platform.TrapFault, Addr: ac.IP()}, nil
	default:
		// Start only returns cleanly on HLT; the ip is past it.
		return platform.Trap{Kind: platform.TrapHalt, Addr: ac.IP() - 1}, nil
	}
}

// Interrupt implements platform.Context.Interrupt.
func (c *context) Interrupt() {
	c.interrupted.Store(true)
	c.mu.Stop()
}

// Release implements platform.Context.Release.
func (c *context) Release() {
	if err := c.mu.Close(); err != nil {
		log.Warningf("closing unicorn: %v", err)
	}
}
