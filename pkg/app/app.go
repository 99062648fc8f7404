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

// Package app holds the state of one sandboxed module: its address space,
// its threads and the system call gate they trap into.
//
// The lifecycle is LoadFile (or LoadModule over the command channel),
// optionally LoadIRT, StartModule, CreateMainThread and finally
// WaitForMainThreadToExit. No thread is created before the text has been
// validated.
package app

import (
	"context"
	"debug/elf"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/addrspace"
	"gvisor.dev/sfi/pkg/cpuid"
	"gvisor.dev/sfi/pkg/desc"
	"gvisor.dev/sfi/pkg/log"
	"gvisor.dev/sfi/pkg/platform"
	"gvisor.dev/sfi/pkg/refs"
	"gvisor.dev/sfi/pkg/vcache"
	"gvisor.dev/sfi/pkg/x86/opcode"
	"gvisor.dev/sfi/pkg/x86/validator"
)

// exitGrace bounds how long WaitForMainThreadToExit waits for threads to
// leave sandboxed code after the exit status is known.
const exitGrace = 5 * time.Second

// Options configure an App.
type Options struct {
	// Mode is the sandbox subarchitecture.
	Mode opcode.Mode

	// AddrBits is the log2 size of the sandbox address space.
	AddrBits uint

	// StackSize is the main thread stack size. It is rounded up to the
	// allocation page size.
	StackSize uint64

	// Platform runs sandboxed code.
	Platform platform.Platform

	// Features is the CPU the validator checks against.
	Features cpuid.FeatureSet

	// Cache, if not nil, remembers validated text.
	Cache vcache.Cache

	// StubOut replaces unsupported instructions with HLT.
	StubOut bool

	// IgnoreValidator loads text that fails validation. SkipValidator
	// does not validate at all. Both are for debugging only.
	IgnoreValidator bool
	SkipValidator   bool

	// Debug starts threads stopped, waiting for a debugger.
	Debug bool
}

// ThreadHooks are told about threads coming and going. Thread ids are
// thread numbers plus one.
type ThreadHooks interface {
	ThreadCreated(tid int)
	ThreadExited(tid int)
}

// App is one sandboxed module.
type App struct {
	opts Options

	// mu protects the fields below.
	mu   sync.Mutex
	cond *sync.Cond

	status     nacl.Status
	loaded     bool
	started    bool
	shutdown   bool
	running    bool
	exitStatus int

	// exited is closed when the exit status is set.
	exited chan struct{}

	// Layout, fixed once loaded. breakAddr moves with sysbrk.
	region        *addrspace.Region
	vmmap         *addrspace.Vmmap
	bundleSize    int
	entry         uint64
	userEntry     uint64
	staticTextEnd uint64
	rodataStart   uint64
	dataStart     uint64
	dataEnd       uint64
	breakAddr     uint64
	stackStart    uint64

	// threads is the thread table, with its own lock.
	threads *Table
	tls     *TLSAllocator

	// group runs one goroutine per thread. live counts threads created
	// and not yet destroyed.
	group errgroup.Group
	live  atomic.Int32

	hooksMu sync.Mutex
	hooks   ThreadHooks

	// fds is the descriptor table of the module.
	fds desc.Table

	debug *debugState

	// stats accumulate validator work.
	stats validator.Stats
}

// New returns an App with nothing loaded.
func New(opts Options) *App {
	if opts.StackSize == 0 {
		opts.StackSize = nacl.DefaultStackSize
	}
	a := &App{
		opts:    opts,
		status:  nacl.LoadStatusUnknown,
		exited:  make(chan struct{}),
		threads: NewTable(),
		tls:     NewTLSAllocator(nacl.ThreadMax),
	}
	a.cond = sync.NewCond(&a.mu)
	if opts.Debug {
		a.debug = newDebugState(a)
	}
	return a
}

func (a *App) class() elf.Class {
	if a.opts.Mode == opcode.Mode64 {
		return elf.ELFCLASS64
	}
	return elf.ELFCLASS32
}

// Descriptors returns the descriptor table of the module.
func (a *App) Descriptors() *desc.Table {
	return &a.fds
}

// SetThreadHooks installs h. Threads already running are reported to it.
func (a *App) SetThreadHooks(h ThreadHooks) {
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()
	a.hooks = h
	if h == nil {
		return
	}
	a.threads.Visit(func(t *Thread) {
		h.ThreadCreated(t.Num() + 1)
	})
}

func (a *App) threadCreated(t *Thread) {
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()
	if a.hooks != nil {
		a.hooks.ThreadCreated(t.Num() + 1)
	}
}

func (a *App) threadExited(t *Thread) {
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()
	if a.hooks != nil {
		a.hooks.ThreadExited(t.Num() + 1)
	}
}

// Stats returns the validator work done so far.
func (a *App) Stats() validator.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Vmmap returns the memory map, or nil before a module is loaded.
func (a *App) Vmmap() *addrspace.Vmmap {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vmmap
}

// setStatus records the outcome of a load and wakes waiters.
func (a *App) setStatus(err error) nacl.Status {
	s := nacl.StatusOf(err)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = s
	a.cond.Broadcast()
	return s
}

// LoadModule implements control.Sandbox.LoadModule.
func (a *App) LoadModule(r io.ReaderAt) error {
	a.mu.Lock()
	if a.loaded || a.status != nacl.LoadStatusUnknown {
		a.mu.Unlock()
		return &nacl.Error{Status: nacl.LoadModuleAlreadyLoaded}
	}
	a.mu.Unlock()
	err := a.LoadFile(context.Background(), r)
	a.setStatus(err)
	return err
}

// StartModule implements control.Sandbox.StartModule.
func (a *App) StartModule() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != nacl.LoadOK {
		if a.status == nacl.LoadStatusUnknown {
			return &nacl.Error{Status: nacl.LoadNoModule}
		}
		return &nacl.Error{Status: a.status}
	}
	a.started = true
	a.cond.Broadcast()
	return nil
}

// Status implements control.Sandbox.Status.
func (a *App) Status() nacl.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Shutdown implements control.Sandbox.Shutdown.
func (a *App) Shutdown(code int) {
	a.mu.Lock()
	a.shutdown = true
	a.cond.Broadcast()
	a.mu.Unlock()
	a.Exit(code)
}

// waitFor blocks until cond holds, the app is shut down or ctx is done.
func (a *App) waitFor(ctx context.Context, cond func() bool) error {
	stop := context.AfterFunc(ctx, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.cond.Broadcast()
	})
	defer stop()
	a.mu.Lock()
	defer a.mu.Unlock()
	for !cond() && !a.shutdown {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.cond.Wait()
	}
	if a.shutdown && !cond() {
		return fmt.Errorf("sandbox shut down")
	}
	return nil
}

// WaitForLoadModule blocks until a module load over the command channel
// finished, and returns its status.
func (a *App) WaitForLoadModule(ctx context.Context) nacl.Status {
	if err := a.waitFor(ctx, func() bool { return a.status != nacl.LoadStatusUnknown }); err != nil {
		return nacl.LoadStatusUnknown
	}
	return a.Status()
}

// WaitForStartModule blocks until StartModule is called and returns the
// load status at that point.
func (a *App) WaitForStartModule(ctx context.Context) nacl.Status {
	if err := a.waitFor(ctx, func() bool { return a.started }); err != nil {
		return nacl.LoadStatusUnknown
	}
	return a.Status()
}

// WaitForShutdown blocks until the command channel asks for shutdown.
func (a *App) WaitForShutdown(ctx context.Context) {
	a.waitFor(ctx, func() bool { return a.shutdown })
}

// Exit records the process exit status and stops every thread. Only the
// first call has an effect.
func (a *App) Exit(code int) {
	a.mu.Lock()
	select {
	case <-a.exited:
		a.mu.Unlock()
		return
	default:
	}
	a.exitStatus = code
	a.running = false
	close(a.exited)
	a.cond.Broadcast()
	a.mu.Unlock()

	log.Debugf("Exit with status %d", code)
	a.threads.Visit(func(t *Thread) {
		t.kill()
	})
	if a.debug != nil {
		a.debug.wake()
	}
}

// Exited returns a channel closed once the exit status is known.
func (a *App) Exited() <-chan struct{} {
	return a.exited
}

// WaitForMainThreadToExit waits for the exit status, then for every thread
// to leave sandboxed code, and returns the status. The address space is
// released only once no thread can touch it.
func (a *App) WaitForMainThreadToExit() int {
	a.mu.Lock()
	for a.running {
		a.cond.Wait()
	}
	code := a.exitStatus
	a.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- a.group.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			log.Warningf("Thread failed: %v", err)
		}
		a.release()
	case <-time.After(exitGrace):
		log.Warningf("Threads still running %v after exit, keeping the address space", exitGrace)
	}
	return code
}

// release frees the address space and the descriptors.
func (a *App) release() {
	a.mu.Lock()
	r := a.region
	a.region = nil
	a.mu.Unlock()
	if r != nil {
		if err := r.Release(); err != nil {
			log.Warningf("Releasing address space: %v", err)
		}
	}
	a.fds.RemoveAll()
	if leaks := refs.DoLeakCheck(); len(leaks) > 0 {
		log.Warningf("%d objects leaked", len(leaks))
	}
}
