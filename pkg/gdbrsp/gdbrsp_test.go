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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncode(t *testing.T) {
	for _, tc := range []struct {
		name string
		p    *Packet
		want string
	}{
		{name: "empty", p: NewPacket(""), want: "$#00"},
		{name: "ok", p: NewPacket("OK"), want: "$OK#9a"},
		{name: "seq", p: &Packet{Seq: 1, Payload: []byte("OK")}, want: "$01:OK#35"},
		{name: "format", p: NewPacket("S%02x", 5), want: "$S05#b8"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := string(tc.p.Encode()); got != tc.want {
				t.Errorf("Encode() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestHex(t *testing.T) {
	b, err := DecodeHex([]byte("00ff10"))
	if err != nil {
		t.Fatalf("DecodeHex failed: %v", err)
	}
	if diff := cmp.Diff([]byte{0, 0xff, 0x10}, b); diff != "" {
		t.Errorf("DecodeHex mismatch (-want +got):\n%s", diff)
	}
	if got := string(EncodeHex(b)); got != "00ff10" {
		t.Errorf("EncodeHex = %q, want 00ff10", got)
	}
	if _, err := DecodeHex([]byte("0g")); err == nil {
		t.Errorf("DecodeHex(0g) succeeded")
	}
	addr, n, err := parseAddrLen([]byte("1000,20"))
	if err != nil || addr != 0x1000 || n != 0x20 {
		t.Errorf("parseAddrLen = %#x, %#x, %v", addr, n, err)
	}
	if _, _, err := parseAddrLen([]byte("1000")); err == nil {
		t.Errorf("parseAddrLen without length succeeded")
	}
}

// pipe feeds a session canned input and records what it sends.
type pipe struct {
	io.Reader
	out bytes.Buffer
}

func (p *pipe) Write(b []byte) (int, error) {
	return p.out.Write(b)
}

func newTestSession(input string) (*Session, *pipe) {
	p := &pipe{Reader: strings.NewReader(input)}
	s := NewSession(p)
	s.RetryInterval = 0
	return s, p
}

func TestGetPacket(t *testing.T) {
	for _, tc := range []struct {
		name    string
		input   string
		flags   uint32
		want    Packet
		wantOut string
	}{
		{
			name:    "simple",
			input:   "$OK#9a",
			want:    Packet{Seq: NoSeq, Payload: []byte("OK")},
			wantOut: "+",
		},
		{
			name:    "leading garbage",
			input:   "+junk$OK#9a",
			want:    Packet{Seq: NoSeq, Payload: []byte("OK")},
			wantOut: "+",
		},
		{
			name:    "restart",
			input:   "$bro$OK#9a",
			want:    Packet{Seq: NoSeq, Payload: []byte("OK")},
			wantOut: "+",
		},
		{
			name:    "bad checksum",
			input:   "$OK#00$OK#9a",
			want:    Packet{Seq: NoSeq, Payload: []byte("OK")},
			wantOut: "-+",
		},
		{
			name:    "sequence",
			input:   "$01:OK#35",
			want:    Packet{Seq: 1, Payload: []byte("OK")},
			wantOut: "+01",
		},
		{
			name:    "no ack",
			input:   "$OK#00",
			flags:   IgnoreAck,
			want:    Packet{Seq: NoSeq, Payload: []byte("OK")},
			wantOut: "",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, p := newTestSession(tc.input)
			s.SetFlags(tc.flags)
			got, err := s.GetPacket()
			if err != nil {
				t.Fatalf("GetPacket failed: %v", err)
			}
			if diff := cmp.Diff(&tc.want, got); diff != "" {
				t.Errorf("packet mismatch (-want +got):\n%s", diff)
			}
			if p.out.String() != tc.wantOut {
				t.Errorf("sent %q, want %q", p.out.String(), tc.wantOut)
			}
		})
	}
}

func TestGetPacketEOF(t *testing.T) {
	s, _ := newTestSession("$OK")
	if _, err := s.GetPacket(); !errors.Is(err, io.EOF) {
		t.Errorf("GetPacket on truncated input = %v, want EOF", err)
	}
}

func TestSendPacket(t *testing.T) {
	for _, tc := range []struct {
		name    string
		acks    string
		flags   uint32
		retries uint64
		wantErr bool
		wantOut string
	}{
		{name: "acked", acks: "+", wantOut: "$OK#9a"},
		{name: "retransmit", acks: "-+", wantOut: "$OK#9a$OK#9a"},
		{name: "ignore ack", flags: IgnoreAck, wantOut: "$OK#9a"},
		{name: "sequence", acks: "+", flags: UseSeq, wantOut: "$00:OK#34"},
		{name: "gave up", acks: "---", retries: 2, wantErr: true, wantOut: "$OK#9a$OK#9a$OK#9a"},
		{name: "closed", acks: "", wantErr: true, wantOut: "$OK#9a"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, p := newTestSession(tc.acks)
			s.SetFlags(tc.flags)
			if tc.retries != 0 {
				s.Retries = tc.retries
			}
			err := s.SendPacket(NewPacket("OK"))
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Errorf("SendPacket err = %v, want error %t", err, tc.wantErr)
			}
			if p.out.String() != tc.wantOut {
				t.Errorf("sent %q, want %q", p.out.String(), tc.wantOut)
			}
		})
	}
}

// fakeProcess is a two thread process with 16 bytes of memory.
type fakeProcess struct {
	regs    map[int][]byte
	mem     []byte
	stops   []Stop
	resumed []int
	killed  bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		regs: map[int][]byte{1: {1, 2}, 2: {3, 4}},
		mem:  []byte("0123456789abcdef"),
	}
}

func (f *fakeProcess) Registers(tid int) ([]byte, error) {
	r, ok := f.regs[tid]
	if !ok {
		return nil, fmt.Errorf("no thread %d", tid)
	}
	return r, nil
}

func (f *fakeProcess) SetRegisters(tid int, regs []byte) error {
	if _, ok := f.regs[tid]; !ok {
		return fmt.Errorf("no thread %d", tid)
	}
	f.regs[tid] = regs
	return nil
}

func (f *fakeProcess) ReadMemory(addr uint64, n int) ([]byte, error) {
	if addr+uint64(n) > uint64(len(f.mem)) {
		return nil, fmt.Errorf("bad address %#x", addr)
	}
	return f.mem[addr : addr+uint64(n)], nil
}

func (f *fakeProcess) WriteMemory(addr uint64, data []byte) error {
	if addr+uint64(len(data)) > uint64(len(f.mem)) {
		return fmt.Errorf("bad address %#x", addr)
	}
	copy(f.mem[addr:], data)
	return nil
}

func (f *fakeProcess) Resume(_ context.Context, step bool, tid int) (Stop, error) {
	f.resumed = append(f.resumed, tid)
	if len(f.stops) == 0 {
		return Stop{}, errors.New("no more stops")
	}
	s := f.stops[0]
	f.stops = f.stops[1:]
	return s, nil
}

func (f *fakeProcess) Kill() {
	f.killed = true
}

func TestTargetRequests(t *testing.T) {
	proc := newFakeProcess()
	proc.stops = []Stop{{Tid: 2, Signal: SIGTRAP}, {Exited: true, Code: 3}}
	tgt := NewTarget(proc)
	tgt.ThreadCreated(1)
	tgt.ThreadCreated(2)

	for _, tc := range []struct {
		req      string
		want     string
		wantDone bool
	}{
		{req: "?", want: "S05"},
		{req: "qSupported:multiprocess+", want: "PacketSize=1000"},
		{req: "qAttached", want: "1"},
		{req: "qfThreadInfo", want: "m1,2"},
		{req: "qsThreadInfo", want: "l"},
		{req: "qC", want: "QC1"},
		{req: "g", want: "0102"},
		{req: "Hg2", want: "OK"},
		{req: "g", want: "0304"},
		{req: "G0506", want: "OK"},
		{req: "g", want: "0506"},
		{req: "Hg7", want: "E02"},
		{req: "Hx1", want: "E01"},
		{req: "T1", want: "OK"},
		{req: "T9", want: "E05"},
		{req: "m2,3", want: "323334"},
		{req: "m20,3", want: "E03"},
		{req: "M0,2:4142", want: "OK"},
		{req: "m0,2", want: "4142"},
		{req: "M0,2:41", want: "E01"},
		{req: "vMustReplyEmpty", want: ""},
		{req: "qXfer:features:read:target.xml:0,100", want: ""},
		{req: "Hc1", want: "OK"},
		{req: "c", want: "T05thread:2;"},
		{req: "?", want: "T05thread:2;"},
		{req: "qC", want: "QC2"},
		{req: "c", want: "W03", wantDone: true},
	} {
		reply, done := tgt.handle(context.Background(), []byte(tc.req))
		if reply == nil {
			t.Errorf("%q: no reply", tc.req)
			continue
		}
		if got := string(reply.Payload); got != tc.want {
			t.Errorf("%q: got %q, want %q", tc.req, got, tc.want)
		}
		if done != tc.wantDone {
			t.Errorf("%q: done = %t, want %t", tc.req, done, tc.wantDone)
		}
	}
	if diff := cmp.Diff([]int{1, 1}, proc.resumed); diff != "" {
		t.Errorf("resumed threads mismatch (-want +got):\n%s", diff)
	}
}

func TestTargetThreads(t *testing.T) {
	tgt := NewTarget(newFakeProcess())
	if reply, _ := tgt.handle(context.Background(), []byte("qfThreadInfo")); string(reply.Payload) != "l" {
		t.Errorf("empty thread list = %q, want l", reply.Payload)
	}
	tgt.ThreadCreated(3)
	tgt.ThreadCreated(1)
	tgt.ThreadExited(3)
	if reply, _ := tgt.handle(context.Background(), []byte("qfThreadInfo")); string(reply.Payload) != "m1" {
		t.Errorf("thread list = %q, want m1", reply.Payload)
	}
}

func TestServe(t *testing.T) {
	proc := newFakeProcess()
	tgt := NewTarget(proc)
	tgt.ThreadCreated(1)

	var in bytes.Buffer
	for _, req := range []string{"?", "k"} {
		in.Write(NewPacket("%s", req).Encode())
		in.WriteByte('+')
	}
	p := &pipe{Reader: &in}
	if err := tgt.Serve(context.Background(), NewSession(p)); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if !proc.killed {
		t.Errorf("process not killed")
	}
	if want := "+$S05#b8+"; p.out.String() != want {
		t.Errorf("sent %q, want %q", p.out.String(), want)
	}
}
