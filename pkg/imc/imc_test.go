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

package imc

import (
	"errors"
	"io"
	"os"
	"testing"
)

func newPair(t *testing.T) (*Socket, *Socket) {
	t.Helper()
	a, b, err := NewPair()
	if err != nil {
		t.Fatalf("NewPair failed: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestMessage(t *testing.T) {
	a, b := newPair(t)
	if err := a.SendMsg([]byte("hello")); err != nil {
		t.Fatalf("SendMsg failed: %v", err)
	}
	if err := a.SendMsg([]byte("world")); err != nil {
		t.Fatalf("SendMsg failed: %v", err)
	}
	buf := make([]byte, 64)
	for _, want := range []string{"hello", "world"} {
		n, fds, err := b.RecvMsg(buf)
		if err != nil {
			t.Fatalf("RecvMsg failed: %v", err)
		}
		if got := string(buf[:n]); got != want || len(fds) != 0 {
			t.Errorf("RecvMsg = %q, %v, want %q, no fds", got, fds, want)
		}
	}
}

func TestDescriptors(t *testing.T) {
	a, b := newPair(t)
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe failed: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if err := a.SendMsg([]byte("fd"), int(w.Fd())); err != nil {
		t.Fatalf("SendMsg failed: %v", err)
	}
	buf := make([]byte, 8)
	_, fds, err := b.RecvMsg(buf)
	if err != nil {
		t.Fatalf("RecvMsg failed: %v", err)
	}
	if len(fds) != 1 {
		t.Fatalf("RecvMsg returned %d fds, want 1", len(fds))
	}
	passed := os.NewFile(uintptr(fds[0]), "passed")
	defer passed.Close()
	if _, err := passed.Write([]byte("x")); err != nil {
		t.Fatalf("write to passed fd failed: %v", err)
	}
	got := make([]byte, 1)
	if _, err := r.Read(got); err != nil || got[0] != 'x' {
		t.Errorf("read from pipe = %q, %v, want x", got, err)
	}
}

func TestTooManyDescriptors(t *testing.T) {
	a, _ := newPair(t)
	fds := make([]int, MaxDescriptors+1)
	if err := a.SendMsg(nil, fds...); !errors.Is(err, ErrTooManyDescriptors) {
		t.Errorf("SendMsg with %d fds = %v, want ErrTooManyDescriptors", len(fds), err)
	}
}

func TestTruncated(t *testing.T) {
	a, b := newPair(t)
	if err := a.SendMsg([]byte("too long")); err != nil {
		t.Fatalf("SendMsg failed: %v", err)
	}
	if _, _, err := b.RecvMsg(make([]byte, 3)); !errors.Is(err, ErrTruncated) {
		t.Errorf("RecvMsg into short buffer = %v, want ErrTruncated", err)
	}
}

func TestPeerClosed(t *testing.T) {
	a, b := newPair(t)
	a.Close()
	if _, _, err := b.RecvMsg(make([]byte, 8)); err != io.EOF {
		t.Errorf("RecvMsg after peer close = %v, want EOF", err)
	}
	if err := a.SendMsg([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("SendMsg on closed socket = %v, want ErrClosed", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestCloseUnblocksRecv(t *testing.T) {
	a, _ := newPair(t)
	done := make(chan error)
	go func() {
		_, _, err := a.RecvMsg(make([]byte, 8))
		done <- err
	}()
	a.Close()
	if err := <-done; err == nil {
		t.Errorf("RecvMsg after Close succeeded")
	}
}

func TestFile(t *testing.T) {
	a, b := newPair(t)
	f, err := a.File()
	if err != nil {
		t.Fatalf("File failed: %v", err)
	}
	dup := NewSocket(int(f.Fd()))
	defer f.Close()
	if err := dup.SendMsg([]byte("dup")); err != nil {
		t.Fatalf("SendMsg on dup failed: %v", err)
	}
	buf := make([]byte, 8)
	if n, _, err := b.RecvMsg(buf); err != nil || string(buf[:n]) != "dup" {
		t.Errorf("RecvMsg = %q, %v, want dup", buf[:n], err)
	}
}
