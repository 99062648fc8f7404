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

// Package imc provides inter-module communication sockets: reliable,
// message-oriented unix sockets that carry bytes and descriptors.
//
// A message is sent atomically with one sendmsg(2); descriptors travel as
// SCM_RIGHTS control data.
package imc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// MaxDescriptors is the largest number of descriptors in one message.
const MaxDescriptors = 8

// MaxMessage is the largest payload of one message.
const MaxMessage = 1 << 20

var (
	// ErrClosed is returned by operations on a closed socket.
	ErrClosed = errors.New("imc: socket closed")

	// ErrTruncated is returned when a message or its descriptors did not
	// fit the receive buffers. The excess is discarded.
	ErrTruncated = errors.New("imc: message truncated")

	// ErrTooManyDescriptors is returned by SendMsg.
	ErrTooManyDescriptors = fmt.Errorf("imc: more than %d descriptors", MaxDescriptors)
)

// Socket is one end of a connected SOCK_SEQPACKET socket.
//
// Socket is safe for concurrent use. Close unblocks pending calls.
type Socket struct {
	fd atomic.Int32
}

// NewSocket wraps fd, which must be a connected SOCK_SEQPACKET unix socket.
// The Socket takes ownership of fd.
func NewSocket(fd int) *Socket {
	s := &Socket{}
	s.fd.Store(int32(fd))
	return s
}

// NewPair returns a connected pair of sockets.
func NewPair() (*Socket, *Socket, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return NewSocket(fds[0]), NewSocket(fds[1]), nil
}

// FD returns the underlying descriptor, or -1 once closed.
func (s *Socket) FD() int {
	return int(s.fd.Load())
}

// SendMsg sends data and fds as one message. The descriptors remain owned
// by the caller.
func (s *Socket) SendMsg(data []byte, fds ...int) error {
	if len(fds) > MaxDescriptors {
		return ErrTooManyDescriptors
	}
	if len(data) > MaxMessage {
		return fmt.Errorf("imc: message of %d bytes exceeds %d", len(data), MaxMessage)
	}
	fd := s.FD()
	if fd < 0 {
		return ErrClosed
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	for {
		err := unix.Sendmsg(fd, data, oob, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EPIPE {
			return io.ErrClosedPipe
		}
		return err
	}
}

// RecvMsg receives one message into buf. It returns the payload length and
// the descriptors, which the caller now owns. A closed peer yields io.EOF.
func (s *Socket) RecvMsg(buf []byte) (int, []int, error) {
	fd := s.FD()
	if fd < 0 {
		return 0, nil, ErrClosed
	}
	oob := make([]byte, unix.CmsgSpace(4*MaxDescriptors))
	for {
		n, oobn, flags, _, err := unix.Recvmsg(fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if s.FD() < 0 {
				return 0, nil, ErrClosed
			}
			return 0, nil, err
		}
		fds, perr := parseRights(oob[:oobn])
		if perr != nil {
			return 0, nil, perr
		}
		if n == 0 && len(fds) == 0 && flags&unix.MSG_TRUNC == 0 {
			if s.FD() < 0 {
				return 0, nil, ErrClosed
			}
			return 0, nil, io.EOF
		}
		if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
			closeAll(fds)
			return n, nil, ErrTruncated
		}
		return n, fds, nil
	}
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("imc: bad control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			closeAll(fds)
			return nil, fmt.Errorf("imc: bad rights: %w", err)
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// Close shuts the socket down and releases the descriptor. It is safe to
// call more than once.
func (s *Socket) Close() error {
	fd := s.fd.Swap(-1)
	if fd < 0 {
		return nil
	}
	// Wake blocked readers and writers before the descriptor goes away.
	unix.Shutdown(int(fd), unix.SHUT_RDWR)
	return unix.Close(int(fd))
}

// File returns a copy of the socket descriptor as an *os.File, for passing
// to a child process.
func (s *Socket) File() (*os.File, error) {
	fd := s.FD()
	if fd < 0 {
		return nil, ErrClosed
	}
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(dup), "imc"), nil
}
