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
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/arch"
	"gvisor.dev/sfi/pkg/cleanup"
	"gvisor.dev/sfi/pkg/log"
	"gvisor.dev/sfi/pkg/platform"
)

// signalStackSize is the usable size of a thread's trusted scratch stack.
const signalStackSize = 16 << 10

type threadState int

const (
	// stateAlive threads run, in trusted or sandboxed code.
	stateAlive threadState = iota

	// stateSuicidePending threads leave at their next trap.
	stateSuicidePending

	// stateDead threads have been unregistered.
	stateDead
)

// Thread is one sandboxed thread, backed by one locked host thread.
type Thread struct {
	app *App

	// num is the index in the thread table, -1 until registered.
	num atomic.Int32

	tlsIdx int
	pctx   platform.Context

	// ctx is only touched by the thread's own goroutine.
	ctx *arch.Context

	// sigstack is trusted scratch memory behind a guard page, used to
	// format fault reports without touching sandbox memory.
	sigstack []byte

	// done is closed once the thread has been destroyed.
	done chan struct{}

	// mu protects the fields below.
	mu    sync.Mutex
	state threadState

	// saved is the register state at the last trap.
	saved *arch.Context

	// pending, if not nil, replaces the registers at the next switch.
	pending *arch.Context

	// tls2 is the second thread pointer, kept for the module only.
	tls2 uint64
}

// Num returns the thread number, or -1 before registration.
func (t *Thread) Num() int {
	return int(t.num.Load())
}

// Done returns a channel closed once the thread is gone.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// Registers returns the registers saved at the last trap.
func (t *Thread) Registers() *arch.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saved.Fork()
}

// unmapSignalStack releases a stack returned by newSignalStack.
var unmapSignalStack = unix.Munmap

func newSignalStack() ([]byte, error) {
	guard := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, guard+signalStackSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("signal stack: %w", err)
	}
	if err := unix.Mprotect(mem[:guard], unix.PROT_NONE); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("signal stack guard: %w", err)
	}
	return mem, nil
}

// CreateContext starts a thread at entry with stack sp and thread pointer
// tls. The thread registers itself before it runs any sandboxed code.
func (a *App) CreateContext(entry, sp, tls uint64) (*Thread, error) {
	return a.createContext(entry, sp, tls, 0)
}

func (a *App) createContext(entry, sp, tls, tls2 uint64) (*Thread, error) {
	a.mu.Lock()
	region, vmmap, loaded := a.region, a.vmmap, a.loaded
	a.mu.Unlock()
	if !loaded || region == nil {
		return nil, &nacl.Error{Status: nacl.LoadNoModule}
	}

	t := &Thread{app: a, done: make(chan struct{}), tls2: tls2}
	t.num.Store(-1)

	idx, err := a.tls.Allocate()
	if err != nil {
		return nil, err
	}
	t.tlsIdx = idx
	cu := cleanup.Make(func() { a.tls.Free(idx) })
	defer cu.Clean()

	t.ctx = arch.New(a.opts.Mode)
	t.ctx.SetIP(entry)
	t.ctx.SetStack(sp)
	t.ctx.SetTLS(tls)
	t.ctx.SetBase(0)
	t.saved = t.ctx.Fork()

	if t.sigstack, err = newSignalStack(); err != nil {
		return nil, err
	}
	cu.Add(func() { unmapSignalStack(t.sigstack) })

	t.pctx, err = a.opts.Platform.NewContext(platform.AddressSpace{
		Mode:   a.opts.Mode,
		Region: region,
		Map:    vmmap,
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s context: %w", a.opts.Platform.Name(), err)
	}

	a.live.Add(1)
	cu.Release()
	a.group.Go(t.run)
	return t, nil
}

// run is the body of the host thread.
func (t *Thread) run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	a := t.app
	n := a.threads.Add(t)
	log.Debugf("Thread %d started at %#x, stack %#x", n, t.ctx.IP(), t.ctx.Stack())
	a.threadCreated(t)
	defer t.exit()

	for {
		if a.debug != nil && !a.debug.gate(t) {
			return nil
		}
		if t.leaving() {
			return nil
		}
		t.mu.Lock()
		if t.pending != nil {
			t.ctx = t.pending
			t.pending = nil
		}
		t.mu.Unlock()

		trap, err := t.pctx.Switch(t.ctx)

		t.mu.Lock()
		t.saved = t.ctx.Fork()
		t.mu.Unlock()

		if err != nil {
			log.Warningf("Thread %d: %v", n, err)
			a.Exit(-int(unix.SIGABRT))
			return fmt.Errorf("thread %d: %w", n, err)
		}
		switch trap.Kind {
		case platform.TrapSyscall:
			if !t.syscall(trap.Number) {
				return nil
			}
		case platform.TrapFault, platform.TrapHalt:
			if t.leaving() {
				return nil
			}
			if a.debug != nil {
				a.debug.stop(t, int(unix.SIGSEGV))
				continue
			}
			t.reportFault(trap)
			a.Exit(-int(unix.SIGSEGV))
			return nil
		case platform.TrapInterrupt:
			// Checked at the top of the loop.
		}
	}
}

// leaving returns true if the thread should not return to sandboxed code.
func (t *Thread) leaving() bool {
	select {
	case <-t.app.exited:
		return true
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != stateAlive
}

// reportFault logs an untrusted fault using only trusted memory.
func (t *Thread) reportFault(trap platform.Trap) {
	guard := unix.Getpagesize()
	buf := t.sigstack[guard:guard]
	buf = fmt.Appendf(buf, "** Signal %d from untrusted code: thread %d, %v, pc=%#x sp=%#x",
		unix.SIGSEGV, t.Num(), trap, t.ctx.IP(), t.ctx.Stack())
	log.Warningf("%s", buf)
}

// interrupt forces the thread out of sandboxed code.
func (t *Thread) interrupt() {
	t.pctx.Interrupt()
}

// kill makes the thread leave at its next trap.
func (t *Thread) kill() {
	t.mu.Lock()
	if t.state == stateAlive {
		t.state = stateSuicidePending
	}
	t.mu.Unlock()
	t.interrupt()
}

// exit unregisters and destroys the thread. When the last thread is gone
// without an exit status the module exits with status 0.
func (t *Thread) exit() {
	a := t.app
	t.mu.Lock()
	t.state = stateDead
	t.mu.Unlock()

	a.threads.Remove(t)
	a.threadExited(t)
	t.destroy()
	log.Debugf("Thread %d exited", t.Num())
	close(t.done)

	if a.live.Add(-1) == 0 {
		a.Exit(0)
	}
}

// destroy releases what CreateContext allocated.
func (t *Thread) destroy() {
	t.pctx.Release()
	if err := unmapSignalStack(t.sigstack); err != nil {
		log.Warningf("Releasing signal stack: %v", err)
	}
	t.sigstack = nil
	t.app.tls.Free(t.tlsIdx)
}
