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
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/addrspace"
	"gvisor.dev/sfi/pkg/gdbrsp"
	"gvisor.dev/sfi/pkg/log"
)

// debugState parks threads while a debugger has the module stopped.
type debugState struct {
	app *App

	mu      sync.Mutex
	cond    *sync.Cond
	stopped bool

	// stops carries the first stop since the last resume.
	stops chan gdbrsp.Stop
}

// newDebugState returns a state with the module stopped, so no thread runs
// before the debugger resumes it.
func newDebugState(a *App) *debugState {
	d := &debugState{
		app:     a,
		stopped: true,
		stops:   make(chan gdbrsp.Stop, 1),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *debugState) exited() bool {
	select {
	case <-d.app.exited:
		return true
	default:
		return false
	}
}

// gate blocks while the module is stopped. It returns false if the module
// exited in the meantime.
func (d *debugState) gate(t *Thread) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.stopped && !d.exited() {
		d.cond.Wait()
	}
	return !d.exited()
}

// stop reports that t stopped with sig and stops the other threads.
func (d *debugState) stop(t *Thread, sig int) {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	log.Debugf("Thread %d stopped with signal %d at %#x", t.Num(), sig, t.ctx.IP())
	select {
	case d.stops <- gdbrsp.Stop{Tid: t.Num() + 1, Signal: sig}:
	default:
	}
	d.app.threads.Visit(func(o *Thread) {
		if o != t {
			o.interrupt()
		}
	})
}

// resume releases parked threads.
func (d *debugState) resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.stops:
	default:
	}
	d.stopped = false
	d.cond.Broadcast()
}

// wake makes parked threads notice the module exited.
func (d *debugState) wake() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cond.Broadcast()
}

// DebugProcess returns the module as seen by a debugger, or nil if the
// app was not created with Options.Debug.
func (a *App) DebugProcess() gdbrsp.Process {
	if a.debug == nil {
		return nil
	}
	return &debugProcess{app: a}
}

// debugProcess implements gdbrsp.Process.
type debugProcess struct {
	app *App
}

func (p *debugProcess) thread(tid int) (*Thread, error) {
	var t *Thread
	if tid <= 0 {
		p.app.threads.Visit(func(o *Thread) {
			if t == nil {
				t = o
			}
		})
	} else {
		t = p.app.threads.Get(tid - 1)
	}
	if t == nil {
		return nil, fmt.Errorf("no thread %d", tid)
	}
	return t, nil
}

// Registers implements gdbrsp.Process.Registers.
func (p *debugProcess) Registers(tid int) ([]byte, error) {
	t, err := p.thread(tid)
	if err != nil {
		return nil, err
	}
	return t.Registers().GDBRegisters(), nil
}

// SetRegisters implements gdbrsp.Process.SetRegisters. The registers are
// installed when the thread next enters sandboxed code.
func (p *debugProcess) SetRegisters(tid int, regs []byte) error {
	t, err := p.thread(tid)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx := t.saved.Fork()
	if t.pending != nil {
		ctx = t.pending.Fork()
	}
	if err := ctx.SetGDBRegisters(regs); err != nil {
		return err
	}
	t.pending = ctx
	t.saved = ctx.Fork()
	return nil
}

// ReadMemory implements gdbrsp.Process.ReadMemory.
func (p *debugProcess) ReadMemory(addr uint64, n int) ([]byte, error) {
	b, ok := p.app.userBytes(addr, uint64(n), addrspace.Read)
	if !ok {
		return nil, fmt.Errorf("cannot read %d bytes at %#x", n, addr)
	}
	return append([]byte(nil), b...), nil
}

// WriteMemory implements gdbrsp.Process.WriteMemory. Read-only pages,
// including text, are made writable for the duration of the write.
func (p *debugProcess) WriteMemory(addr uint64, data []byte) error {
	a := p.app
	n := uint64(len(data))
	if _, ok := a.userBytes(addr, n, addrspace.Read); !ok {
		return fmt.Errorf("cannot write %d bytes at %#x", n, addr)
	}
	start, end := addr&^(nacl.PageSize-1), nacl.RoundPage(addr+n)
	var restore []addrspace.Mapping
	a.vmmap.Visit(func(m addrspace.Mapping) bool {
		if m.Start >= end {
			return false
		}
		if m.End > start {
			restore = append(restore, m)
		}
		return true
	})
	if err := a.region.Protect(start, end-start, addrspace.RW); err != nil {
		return err
	}
	b, err := a.region.Bytes(addr, n)
	if err == nil {
		copy(b, data)
	}
	for _, m := range restore {
		s, e := max(m.Start, start), min(m.End, end)
		if perr := a.region.Protect(s, e-s, m.Prot); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

// Resume implements gdbrsp.Process.Resume. Every thread runs; a step is a
// resume.
func (p *debugProcess) Resume(ctx context.Context, step bool, tid int) (gdbrsp.Stop, error) {
	a := p.app
	d := a.debug
	d.resume()
	select {
	case s := <-d.stops:
		return s, nil
	case <-a.exited:
		a.mu.Lock()
		defer a.mu.Unlock()
		return gdbrsp.Stop{Exited: true, Code: a.exitStatus}, nil
	case <-ctx.Done():
		return gdbrsp.Stop{}, ctx.Err()
	}
}

// Kill implements gdbrsp.Process.Kill.
func (p *debugProcess) Kill() {
	p.app.Exit(-int(unix.SIGKILL))
}
