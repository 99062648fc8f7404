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

// Package platform provides a Platform abstraction.
//
// A Platform runs validated sandbox code on behalf of one thread until the
// code traps back into the runtime: through a syscall trampoline, a fault
// or a HLT.
package platform

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gvisor.dev/sfi/pkg/addrspace"
	"gvisor.dev/sfi/pkg/arch"
	"gvisor.dev/sfi/pkg/x86/opcode"
)

// Platform creates execution contexts.
type Platform interface {
	// Name returns the name the platform was registered under.
	Name() string

	// NewContext returns a context that executes in as. The context is
	// bound to one thread and is not safe for concurrent Switch calls.
	NewContext(as AddressSpace) (Context, error)
}

// AddressSpace is the memory a context executes in.
type AddressSpace struct {
	Mode   opcode.Mode
	Region *addrspace.Region

	// Map holds the protections of Region. It is read when a context is
	// created.
	Map *addrspace.Vmmap
}

// TrapKind says why Switch returned.
type TrapKind int

// Trap kinds.
const (
	// TrapSyscall is a call into a trampoline slot.
	TrapSyscall TrapKind = iota

	// TrapFault is an access to memory the sandbox may not touch, or an
	// exception raised by the code.
	TrapFault

	// TrapHalt is an executed HLT.
	TrapHalt

	// TrapInterrupt means Interrupt was called.
	TrapInterrupt
)

func (k TrapKind) String() string {
	switch k {
	case TrapSyscall:
		return "syscall"
	case TrapFault:
		return "fault"
	case TrapHalt:
		return "halt"
	case TrapInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("TrapKind(%d)", int(k))
	}
}

// Trap describes a return from sandboxed code.
type Trap struct {
	Kind TrapKind

	// Number is the syscall number of a TrapSyscall.
	Number int

	// Addr is the faulting address of a TrapFault, and the trapping
	// instruction otherwise.
	Addr uint64
}

func (t Trap) String() string {
	if t.Kind == TrapSyscall {
		return fmt.Sprintf("syscall %d at %#x", t.Number, t.Addr)
	}
	return fmt.Sprintf("%v at %#x", t.Kind, t.Addr)
}

// Context represents the execution context for a single thread.
type Context interface {
	// Switch runs the thread described by ac until it traps. ac is
	// updated with the register state at the trap.
	Switch(ac *arch.Context) (Trap, error)

	// Interrupt makes a concurrent or the next Switch return
	// TrapInterrupt.
	Interrupt()

	// Release frees the context. It may not be used afterwards.
	Release()
}

// ErrNotRegistered is returned by Lookup for an unknown platform.
var ErrNotRegistered = errors.New("platform not registered")

var (
	mu        sync.Mutex
	platforms = map[string]Platform{}
)

// Register makes p available under p.Name(). It panics on duplicates.
func Register(p Platform) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := platforms[p.Name()]; ok {
		panic(fmt.Sprintf("duplicate platform registration for %q", p.Name()))
	}
	platforms[p.Name()] = p
}

// Lookup returns the platform registered under name.
func Lookup(name string) (Platform, error) {
	mu.Lock()
	defer mu.Unlock()
	p, ok := platforms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrNotRegistered, name, listLocked())
	}
	return p, nil
}

// List returns the registered platform names, sorted.
func List() []string {
	mu.Lock()
	defer mu.Unlock()
	return listLocked()
}

func listLocked() []string {
	names := make([]string, 0, len(platforms))
	for name := range platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
