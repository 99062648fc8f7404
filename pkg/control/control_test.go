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

package control

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/imc"
	"gvisor.dev/sfi/pkg/log"
	"gvisor.dev/sfi/pkg/urpc"
)

type fakeSandbox struct {
	loaded   []byte
	status   nacl.Status
	started  bool
	shutdown int
}

func (f *fakeSandbox) LoadModule(r io.ReaderAt) error {
	b, err := io.ReadAll(io.NewSectionReader(r, 0, 1<<20))
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(b, []byte("\x7fELF")) {
		f.status = nacl.LoadBadElfMagic
		return &nacl.Error{Status: nacl.LoadBadElfMagic}
	}
	f.loaded = b
	return nil
}

func (f *fakeSandbox) StartModule() error {
	if f.loaded == nil {
		return &nacl.Error{Status: nacl.LoadNoModule}
	}
	f.started = true
	return nil
}

func (f *fakeSandbox) Status() nacl.Status { return f.status }

func (f *fakeSandbox) Shutdown(code int) { f.shutdown = code }

type recorder struct {
	lines []string
}

func (r *recorder) Debugf(format string, v ...any)   { r.lines = append(r.lines, "D "+format) }
func (r *recorder) Infof(format string, v ...any)    { r.lines = append(r.lines, "I "+format) }
func (r *recorder) Warningf(format string, v ...any) { r.lines = append(r.lines, "W "+format) }
func (r *recorder) IsLogging(log.Level) bool         { return true }

func connect(t *testing.T, objs ...any) *urpc.Client {
	t.Helper()
	a, b, err := imc.NewPair()
	if err != nil {
		t.Fatalf("NewPair failed: %v", err)
	}
	s := urpc.NewServer()
	for _, o := range objs {
		s.Register(o)
	}
	s.StartHandling(a)
	c := urpc.NewClient(b)
	t.Cleanup(func() {
		c.Close()
		s.Stop()
	})
	return c
}

func TestModuleLifecycle(t *testing.T) {
	sb := &fakeSandbox{}
	c := connect(t, &Module{Sandbox: sb})

	var reply StatusReply
	if err := c.Call(ModuleStart, &struct{}{}, &reply); err != nil {
		t.Fatalf("Call(%s) failed: %v", ModuleStart, err)
	}
	if reply.Status != nacl.LoadNoModule {
		t.Errorf("start before load = %v, want LoadNoModule", reply.Status)
	}

	image := append([]byte("\x7fELF"), bytes.Repeat([]byte{0x90}, 4096)...)
	args, err := NewLoadArgs(image)
	if err != nil {
		t.Fatalf("NewLoadArgs failed: %v", err)
	}
	if args.Size != len(image) || len(args.Data) >= len(image) {
		t.Errorf("NewLoadArgs did not compress: %d -> %d", len(image), len(args.Data))
	}
	reply = StatusReply{}
	if err := c.Call(ModuleLoad, args, &reply); err != nil {
		t.Fatalf("Call(%s) failed: %v", ModuleLoad, err)
	}
	if reply.Status != nacl.LoadOK {
		t.Errorf("load = %v (%s), want LoadOK", reply.Status, reply.Detail)
	}
	if diff := cmp.Diff(image, sb.loaded); diff != "" {
		t.Errorf("loaded image mismatch (-want +got):\n%s", diff)
	}

	reply = StatusReply{}
	if err := c.Call(ModuleStart, &struct{}{}, &reply); err != nil || reply.Status != nacl.LoadOK || !sb.started {
		t.Errorf("start after load = %v, %v, started %t", reply.Status, err, sb.started)
	}

	if err := c.Call(ModuleShutdown, &ShutdownArgs{Code: 3}, &struct{}{}); err != nil {
		t.Fatalf("Call(%s) failed: %v", ModuleShutdown, err)
	}
	if sb.shutdown != 3 {
		t.Errorf("shutdown code = %d, want 3", sb.shutdown)
	}
}

func TestModuleLoadErrors(t *testing.T) {
	sb := &fakeSandbox{}
	c := connect(t, &Module{Sandbox: sb})

	for _, tc := range []struct {
		name string
		args *LoadArgs
		want nacl.Status
	}{
		{"bad magic", &LoadArgs{Data: []byte("nope")}, nacl.LoadBadElfMagic},
		{"corrupt lz4", &LoadArgs{Data: []byte{0xff, 0xff}, Size: 100}, nacl.LoadReadError},
		{"negative size", &LoadArgs{Data: []byte{0}, Size: -1}, nacl.LoadReadError},
	} {
		var reply StatusReply
		if err := c.Call(ModuleLoad, tc.args, &reply); err != nil {
			t.Fatalf("%s: Call failed: %v", tc.name, err)
		}
		if reply.Status != tc.want {
			t.Errorf("%s: status = %v, want %v", tc.name, reply.Status, tc.want)
		}
	}

	var reply StatusReply
	if err := c.Call(ModuleStatus, &struct{}{}, &reply); err != nil || reply.Status != nacl.LoadBadElfMagic {
		t.Errorf("status = %v, %v, want LoadBadElfMagic", reply.Status, err)
	}
}

func TestModuleLoadFile(t *testing.T) {
	sb := &fakeSandbox{}
	c := connect(t, &Module{Sandbox: sb})

	f, err := os.CreateTemp(t.TempDir(), "nexe")
	if err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	defer f.Close()
	if _, err := f.Write([]byte("\x7fELF file")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	var reply StatusReply
	args := &LoadArgs{FilePayload: urpc.FilePayload{Files: []*os.File{f}}}
	if err := c.Call(ModuleLoad, args, &reply); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if reply.Status != nacl.LoadOK || string(sb.loaded) != "\x7fELF file" {
		t.Errorf("load from file = %v, %q", reply.Status, sb.loaded)
	}
}

func TestLogWrite(t *testing.T) {
	r := &recorder{}
	c := connect(t, &Log{Logger: r})
	for _, l := range []log.Level{log.Warning, log.Info, log.Debug} {
		if err := c.Call(LogWrite, &LogArgs{Level: l, Message: "hi"}, &struct{}{}); err != nil {
			t.Errorf("Call(%s, %v) failed: %v", LogWrite, l, err)
		}
	}
	if diff := cmp.Diff([]string{"W %s", "I %s", "D %s"}, r.lines); diff != "" {
		t.Errorf("log lines mismatch (-want +got):\n%s", diff)
	}
	err := c.Call(LogWrite, &LogArgs{Level: 7}, &struct{}{})
	var re urpc.RemoteError
	if !errors.As(err, &re) || !strings.Contains(re.Message, "invalid") {
		t.Errorf("Call with bad level = %v, want invalid level", err)
	}
}
