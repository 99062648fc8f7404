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

// Package desc implements the descriptors a sandbox can hold: host files,
// IMC sockets and their connection capabilities, and synchronization
// objects.
//
// The set of descriptor types is closed. Operations dispatch with a type
// switch over the concrete types.
package desc

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"gvisor.dev/sfi/pkg/imc"
	"gvisor.dev/sfi/pkg/refs"
)

// ErrNotSupported is returned by an operation the descriptor type does not
// implement.
var ErrNotSupported = errors.New("operation not supported by descriptor")

// Desc is a reference-counted descriptor. The last DecRef releases the
// underlying resource.
type Desc interface {
	refs.RefCounter
	fmt.Stringer

	// isDesc closes the set of implementations.
	isDesc()
}

type base struct {
	refs.AtomicRefCount
}

func (*base) isDesc() {}

// Access is the set of operations allowed on a host file.
type Access int

// Access modes.
const (
	ReadOnly Access = iota
	WriteOnly
	ReadWrite
)

// AccessFromFlags converts open(2) flags.
func AccessFromFlags(flags int) Access {
	switch flags & unix.O_ACCMODE {
	case unix.O_WRONLY:
		return WriteOnly
	case unix.O_RDWR:
		return ReadWrite
	default:
		return ReadOnly
	}
}

func (a Access) String() string {
	switch a {
	case ReadOnly:
		return "r"
	case WriteOnly:
		return "w"
	case ReadWrite:
		return "rw"
	default:
		return fmt.Sprintf("Access(%d)", int(a))
	}
}

// HostIO is a host file or stream.
type HostIO struct {
	base
	File   *os.File
	Access Access
}

// NewHostIO takes ownership of f.
func NewHostIO(f *os.File, access Access) *HostIO {
	h := &HostIO{File: f, Access: access}
	refs.Register(h)
	return h
}

// DecRef implements refs.RefCounter.DecRef.
func (h *HostIO) DecRef() {
	h.DecRefWithDestructor(func() {
		refs.Unregister(h)
		h.File.Close()
	})
}

// RefType implements refs.CheckedObject.RefType.
func (h *HostIO) RefType() string {
	return "HostIO"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (h *HostIO) LeakMessage() string {
	return fmt.Sprintf("%s still open with %v", h.File.Name(), &h.AtomicRefCount)
}

func (h *HostIO) String() string {
	return fmt.Sprintf("HostIO(%s, %v)", h.File.Name(), h.Access)
}

// ConnCap is a capability to connect to a bound IMC socket at Path.
type ConnCap struct {
	base
	Path string
}

// NewConnCap returns a capability for path.
func NewConnCap(path string) *ConnCap {
	return &ConnCap{Path: path}
}

// DecRef implements refs.RefCounter.DecRef.
func (c *ConnCap) DecRef() {
	c.DecRefWithDestructor(nil)
}

// Connect returns a new connected socket.
func (c *ConnCap) Connect() (*ImcSocket, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: c.Path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %q: %w", c.Path, err)
	}
	return NewImcSocket(imc.NewSocket(fd)), nil
}

func (c *ConnCap) String() string {
	return fmt.Sprintf("ConnCap(%s)", c.Path)
}

// ImcSocket is a connected IMC socket.
type ImcSocket struct {
	base
	Socket *imc.Socket
}

// NewImcSocket takes ownership of s.
func NewImcSocket(s *imc.Socket) *ImcSocket {
	d := &ImcSocket{Socket: s}
	refs.Register(d)
	return d
}

// DecRef implements refs.RefCounter.DecRef.
func (s *ImcSocket) DecRef() {
	s.DecRefWithDestructor(func() {
		refs.Unregister(s)
		s.Socket.Close()
	})
}

// RefType implements refs.CheckedObject.RefType.
func (s *ImcSocket) RefType() string {
	return "ImcSocket"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (s *ImcSocket) LeakMessage() string {
	return fmt.Sprintf("fd %d still open with %v", s.Socket.FD(), &s.AtomicRefCount)
}

func (s *ImcSocket) String() string {
	return fmt.Sprintf("ImcSocket(fd %d)", s.Socket.FD())
}

// Write writes b to d.
func Write(d Desc, b []byte) (int, error) {
	switch d := d.(type) {
	case *HostIO:
		if d.Access == ReadOnly {
			return 0, unix.EBADF
		}
		return d.File.Write(b)
	case *ImcSocket:
		if err := d.Socket.SendMsg(b); err != nil {
			return 0, err
		}
		return len(b), nil
	default:
		return 0, ErrNotSupported
	}
}

// Read reads into b from d. End of file reads zero bytes without error.
func Read(d Desc, b []byte) (int, error) {
	switch d := d.(type) {
	case *HostIO:
		if d.Access == WriteOnly {
			return 0, unix.EBADF
		}
		n, err := d.File.Read(b)
		if err == io.EOF {
			err = nil
		}
		return n, err
	case *ImcSocket:
		n, _, err := d.Socket.RecvMsg(b)
		if err == io.EOF {
			err = nil
		}
		return n, err
	default:
		return 0, ErrNotSupported
	}
}
