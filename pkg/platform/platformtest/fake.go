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

// Package platformtest provides a scripted platform for tests.
package platformtest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gvisor.dev/sfi/pkg/arch"
	"gvisor.dev/sfi/pkg/platform"
)

// RunFunc decides the outcome of one Switch. It may modify ac and the
// sandbox memory to simulate the code that ran.
type RunFunc func(c *Context, ac *arch.Context) (platform.Trap, error)

// Fake is a platform.Platform whose contexts call Run instead of executing
// code.
type Fake struct {
	// Run is shared by all contexts. A nil Run halts immediately.
	Run RunFunc

	// FailNewContext makes NewContext fail.
	FailNewContext error

	mu       sync.Mutex
	contexts []*Context
}

// Name implements platform.Platform.Name.
func (*Fake) Name() string {
	return "fake"
}

// NewContext implements platform.Platform.NewContext.
func (f *Fake) NewContext(as platform.AddressSpace) (platform.Context, error) {
	if f.FailNewContext != nil {
		return nil, f.FailNewContext
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &Context{ID: len(f.contexts), AS: as, fake: f}
	f.contexts = append(f.contexts, c)
	return c, nil
}

// Contexts returns every context created so far.
func (f *Fake) Contexts() []*Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Context(nil), f.contexts...)
}

// Context is a fake execution context.
type Context struct {
	// ID is the creation order of the context.
	ID int

	// AS is the address space the context was created for.
	AS platform.AddressSpace

	// Calls counts completed Switch calls.
	Calls int

	fake        *Fake
	interrupted atomic.Bool
	released    atomic.Bool
}

// Switch implements platform.Context.Switch.
func (c *Context) Switch(ac *arch.Context) (platform.Trap, error) {
	if c.released.Load() {
		return platform.Trap{}, fmt.Errorf("switch on released context %d", c.ID)
	}
	if c.interrupted.Swap(false) {
		return platform.Trap{Kind: platform.TrapInterrupt, Addr: ac.IP()}, nil
	}
	defer func() { c.Calls++ }()
	if c.fake.Run == nil {
		return platform.Trap{Kind: platform.TrapHalt, Addr: ac.IP()}, nil
	}
	return c.fake.Run(c, ac)
}

// Interrupt implements platform.Context.Interrupt.
func (c *Context) Interrupt() {
	c.interrupted.Store(true)
}

// Release implements platform.Context.Release.
func (c *Context) Release() {
	c.released.Store(true)
}

// Released returns true if Release was called.
func (c *Context) Released() bool {
	return c.released.Load()
}

// Memory returns the sandbox bytes at [addr, addr+n).
func (c *Context) Memory(addr, n uint64) []byte {
	b, err := c.AS.Region.Bytes(addr, n)
	if err != nil {
		panic(fmt.Sprintf("fake context %d: %v", c.ID, err))
	}
	return b
}

// Step is one scripted Switch result.
type Step struct {
	// Setup, if not nil, updates registers before the trap is returned.
	Setup func(c *Context, ac *arch.Context)

	Trap platform.Trap
	Err  error
}

// Syscall returns a step that calls syscall n with the return address
// already pushed, the way a trampoline call leaves the stack.
func Syscall(n int, setup func(c *Context, ac *arch.Context)) Step {
	return Step{
		Setup: setup,
		Trap:  platform.Trap{Kind: platform.TrapSyscall, Number: n},
	}
}

// Script returns a RunFunc that plays steps in order, separately for each
// context, and halts once they run out.
func Script(steps ...Step) RunFunc {
	return func(c *Context, ac *arch.Context) (platform.Trap, error) {
		if c.Calls >= len(steps) {
			return platform.Trap{Kind: platform.TrapHalt, Addr: ac.IP()}, nil
		}
		s := steps[c.Calls]
		if s.Setup != nil {
			s.Setup(c, ac)
		}
		return s.Trap, s.Err
	}
}

// PerContext dispatches to a different RunFunc per context ID. Contexts
// without an entry halt.
func PerContext(runs ...RunFunc) RunFunc {
	return func(c *Context, ac *arch.Context) (platform.Trap, error) {
		if c.ID >= len(runs) || runs[c.ID] == nil {
			return platform.Trap{Kind: platform.TrapHalt, Addr: ac.IP()}, nil
		}
		return runs[c.ID](c, ac)
	}
}
