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

package gdbrsp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"gvisor.dev/sfi/pkg/log"
)

// SIGTRAP is reported for ordinary stops.
const SIGTRAP = 5

// Stop describes why the process stopped running.
type Stop struct {
	// Tid is the debugger thread id of the stopped thread.
	Tid int

	// Signal is the signal the thread stopped with.
	Signal int

	// Exited means the whole process is gone, with exit code Code.
	Exited bool
	Code   int
}

// reply formats s as a stop reply packet.
func (s Stop) reply() *Packet {
	if s.Exited {
		return NewPacket("W%02x", s.Code&0xff)
	}
	if s.Tid > 0 {
		return NewPacket("T%02xthread:%x;", s.Signal, s.Tid)
	}
	return NewPacket("S%02x", s.Signal)
}

// Process is the debuggee. Thread ids are the debugger's: positive, with
// zero or -1 meaning any thread.
type Process interface {
	Registers(tid int) ([]byte, error)
	SetRegisters(tid int, regs []byte) error
	ReadMemory(addr uint64, n int) ([]byte, error)
	WriteMemory(addr uint64, data []byte) error

	// Resume runs the process until a thread stops. With step, only tid
	// runs, for one instruction if the process supports it.
	Resume(ctx context.Context, step bool, tid int) (Stop, error)

	// Kill terminates the process.
	Kill()
}

// Target answers debugger requests for a Process.
type Target struct {
	proc Process

	mu sync.Mutex
	// threads holds the live thread ids.
	threads map[int]struct{}
	// regThread and runThread are set by 'Hg' and 'Hc'.
	regThread int
	runThread int
	last      Stop
}

// NewTarget returns a target for proc. It reports a SIGTRAP until the
// process first runs.
func NewTarget(proc Process) *Target {
	return &Target{
		proc:    proc,
		threads: make(map[int]struct{}),
		last:    Stop{Signal: SIGTRAP},
	}
}

// ThreadCreated records a new thread.
func (t *Target) ThreadCreated(tid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threads[tid] = struct{}{}
	if t.regThread <= 0 {
		t.regThread = tid
	}
}

// ThreadExited forgets a thread.
func (t *Target) ThreadExited(tid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.threads, tid)
	if t.regThread == tid {
		t.regThread = 0
	}
}

func (t *Target) threadList() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var tids []int
	for tid := range t.threads {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids
}

// currentThread resolves id (0 or -1 meaning any) to a live thread.
func (t *Target) currentThread(id int) int {
	if id > 0 {
		return id
	}
	if tids := t.threadList(); len(tids) > 0 {
		return tids[0]
	}
	return 0
}

// Errors are reported as "Exx" with these codes.
const (
	errBadArgs   = 1
	errBadThread = 2
	errFailed    = 3
	errNoThread  = 5
)

func errPacket(code int) *Packet {
	return NewPacket("E%02x", code)
}

var okPacket = []byte("OK")

// Serve answers requests until the debugger detaches, kills the process or
// the session fails.
func (t *Target) Serve(ctx context.Context, s *Session) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := s.GetPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		reply, done := t.handle(ctx, p.Payload)
		if reply != nil {
			if err := s.SendPacket(reply); err != nil {
				return err
			}
		}
		if done {
			return nil
		}
	}
}

// handle answers one request. done is true when the session should end.
func (t *Target) handle(ctx context.Context, req []byte) (reply *Packet, done bool) {
	if len(req) == 0 {
		return NewPacket(""), false
	}
	cmd, args := req[0], req[1:]
	switch cmd {
	case '?':
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.last.reply(), false

	case 'g':
		t.mu.Lock()
		tid := t.regThread
		t.mu.Unlock()
		regs, err := t.proc.Registers(t.currentThread(tid))
		if err != nil {
			log.Debugf("gdb: reading registers: %v", err)
			return errPacket(errFailed), false
		}
		return &Packet{Seq: NoSeq, Payload: EncodeHex(regs)}, false

	case 'G':
		regs, err := DecodeHex(args)
		if err != nil {
			return errPacket(errBadArgs), false
		}
		t.mu.Lock()
		tid := t.regThread
		t.mu.Unlock()
		if err := t.proc.SetRegisters(t.currentThread(tid), regs); err != nil {
			log.Debugf("gdb: writing registers: %v", err)
			return errPacket(errFailed), false
		}
		return &Packet{Seq: NoSeq, Payload: okPacket}, false

	case 'm':
		addr, n, err := parseAddrLen(args)
		if err != nil {
			return errPacket(errBadArgs), false
		}
		data, err := t.proc.ReadMemory(addr, n)
		if err != nil {
			return errPacket(errFailed), false
		}
		return &Packet{Seq: NoSeq, Payload: EncodeHex(data)}, false

	case 'M':
		spec, hexData, ok := bytes.Cut(args, []byte{':'})
		if !ok {
			return errPacket(errBadArgs), false
		}
		addr, n, err := parseAddrLen(spec)
		if err != nil {
			return errPacket(errBadArgs), false
		}
		data, err := DecodeHex(hexData)
		if err != nil || len(data) != n {
			return errPacket(errBadArgs), false
		}
		if err := t.proc.WriteMemory(addr, data); err != nil {
			return errPacket(errFailed), false
		}
		return &Packet{Seq: NoSeq, Payload: okPacket}, false

	case 'c', 's':
		t.mu.Lock()
		tid := t.runThread
		t.mu.Unlock()
		stop, err := t.proc.Resume(ctx, cmd == 's', t.currentThread(tid))
		if err != nil {
			log.Warningf("gdb: resume failed: %v", err)
			return errPacket(errFailed), false
		}
		t.mu.Lock()
		t.last = stop
		if stop.Tid > 0 {
			t.regThread = stop.Tid
		}
		t.mu.Unlock()
		return stop.reply(), stop.Exited

	case 'k':
		t.proc.Kill()
		return nil, true

	case 'D':
		return &Packet{Seq: NoSeq, Payload: okPacket}, true

	case 'H':
		if len(args) < 2 {
			return errPacket(errBadArgs), false
		}
		id, err := parseThreadID(args[1:])
		if err != nil {
			return errPacket(errBadArgs), false
		}
		if id > 0 && !t.alive(id) {
			return errPacket(errBadThread), false
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		switch args[0] {
		case 'g':
			t.regThread = id
		case 'c':
			t.runThread = id
		default:
			return errPacket(errBadArgs), false
		}
		return &Packet{Seq: NoSeq, Payload: okPacket}, false

	case 'T':
		id, err := parseThreadID(args)
		if err != nil {
			return errPacket(errBadArgs), false
		}
		if !t.alive(id) {
			return errPacket(errNoThread), false
		}
		return &Packet{Seq: NoSeq, Payload: okPacket}, false

	case 'q':
		return t.query(string(args)), false

	default:
		// Unsupported requests get an empty reply.
		return NewPacket(""), false
	}
}

func (t *Target) alive(tid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.threads[tid]
	return ok
}

func parseThreadID(s []byte) (int, error) {
	if string(s) == "-1" {
		return -1, nil
	}
	id, err := ParseHex(s)
	return int(id), err
}

func (t *Target) query(q string) *Packet {
	switch {
	case strings.HasPrefix(q, "Supported"):
		return NewPacket("PacketSize=1000")
	case q == "fThreadInfo":
		tids := t.threadList()
		if len(tids) == 0 {
			return NewPacket("l")
		}
		parts := make([]string, len(tids))
		for i, tid := range tids {
			parts[i] = fmt.Sprintf("%x", tid)
		}
		return NewPacket("m%s", strings.Join(parts, ","))
	case q == "sThreadInfo":
		return NewPacket("l")
	case q == "C":
		t.mu.Lock()
		tid := t.regThread
		t.mu.Unlock()
		return NewPacket("QC%x", t.currentThread(tid))
	case q == "Attached":
		return NewPacket("1")
	default:
		return NewPacket("")
	}
}
