// Copyright 2018 The gVisor Authors.
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

package log

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("Writer lines mismatch (-want +got):\n%s", diff)
	}
}

func TestLevels(t *testing.T) {
	tw := &testWriter{}
	l := BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("dropped")
	l.Infof("kept %d", 1)
	l.Warningf("kept %d", 2)
	l.SetLevel(Warning)
	l.Infof("dropped")

	want := []string{"kept 1\n", "kept 2\n"}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("logged lines mismatch (-want +got):\n%s", diff)
	}
}

func TestComponent(t *testing.T) {
	tw := &testWriter{}
	l := Component(&BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}, "validator")
	l.Debugf("bad target %#x", 0x20010)
	if len(tw.lines) != 1 || tw.lines[0] != "[validator] bad target 0x20010\n" {
		t.Errorf("got %q, want one tagged line", tw.lines)
	}
}

func TestGoogleEmitterHeader(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2025, time.May, 7, 13, 4, 5, 6000, time.UTC)
	e.Emit(0, Warning, ts, "loaded %s", "nexe")
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(tw.lines))
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0507 13:04:05.000006 ") {
		t.Errorf("unexpected header in %q", line)
	}
	if !strings.HasSuffix(line, "] loaded nexe\n") {
		t.Errorf("unexpected message in %q", line)
	}
}

func TestRateLimited(t *testing.T) {
	tw := &testWriter{}
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}, time.Hour)
	for i := 0; i < 10; i++ {
		l.Warningf("fault %d", i)
	}
	if len(tw.lines) != 1 {
		t.Errorf("got %d lines, want 1: %q", len(tw.lines), tw.lines)
	}
}

func TestPatternOpts(t *testing.T) {
	opts := PatternOpts{Pid: 42, Command: "run", Timestamp: time.Unix(0, 7)}
	if got, want := opts.Build("/tmp/sel_ldr.%PID%.%COMMAND%.%TIMESTAMP%.log"), "/tmp/sel_ldr.42.run.7.log"; got != want {
		t.Errorf("Build got %q, want %q", got, want)
	}
}

func TestBurstLimitedSuppressedCount(t *testing.T) {
	tw := &testWriter{}
	l := BurstLimitedLogger(&BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}, time.Hour, 2)
	for i := 0; i < 5; i++ {
		l.Warningf("fault %d", i)
	}
	want := []string{"fault 0\n", "fault 1\n"}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}
