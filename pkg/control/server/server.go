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

// Package server accepts command channel connections on a SOCK_SEQPACKET
// unix socket and serves them with urpc. It registers nothing itself; the
// caller registers the control objects (see package control).
package server

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"gvisor.dev/sfi/pkg/imc"
	"gvisor.dev/sfi/pkg/log"
	"gvisor.dev/sfi/pkg/urpc"
)

// curUID is the uid of the sandbox process. Only it and root may connect.
var curUID = os.Getuid()

// Server is a command channel endpoint.
type Server struct {
	// fd is our bound socket, or -1 when the server only handles
	// connections given to ServeConn.
	fd int

	server *urpc.Server

	// wg tracks the accept loop.
	wg sync.WaitGroup
}

// New returns a control server for the listening socket fd. fd may be -1.
func New(fd int) *Server {
	return &Server{
		fd:     fd,
		server: urpc.NewServer(),
	}
}

// FD returns the listening socket, or -1.
func (s *Server) FD() int {
	return s.fd
}

// Wait blocks until the accept loop started by StartServing ends.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Stop closes the listening socket, then every connection once its call in
// progress is answered. It may be called once.
func (s *Server) Stop() {
	if s.fd >= 0 {
		unix.Shutdown(s.fd, unix.SHUT_RDWR)
		unix.Close(s.fd)
	}
	s.wg.Wait()
	s.server.Stop()
}

// StartServing listens on the socket and accepts connections in a new
// goroutine. Use Wait to block until the socket is closed.
func (s *Server) StartServing() error {
	if s.fd < 0 {
		return fmt.Errorf("control server has no listening socket")
	}
	if err := unix.Listen(s.fd, 16); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		s.serve()
		s.wg.Done()
	}()

	return nil
}

// ServeConn handles calls on an already connected socket, such as one
// inherited from the embedder.
func (s *Server) ServeConn(conn *imc.Socket) {
	s.server.StartHandling(conn)
}

// serve accepts connections from permitted peers until the socket closes.
func (s *Server) serve() {
	for {
		nfd, _, err := unix.Accept4(s.fd, unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}

		if err := checkPeer(nfd); err != nil {
			log.Warningf("Command channel: rejecting connection: %v", err)
			unix.Close(nfd)
			continue
		}
		s.server.StartHandling(imc.NewSocket(nfd))
	}
}

// checkPeer admits a connection from our own uid or root.
func checkPeer(fd int) error {
	cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return fmt.Errorf("peer credentials: %w", err)
	}
	if int(cred.Uid) != curUID && cred.Uid != 0 {
		return fmt.Errorf("peer uid %d, want %d or root", cred.Uid, curUID)
	}
	return nil
}

// Register registers the methods of obj, see urpc.Server.Register.
func (s *Server) Register(obj any) {
	s.server.Register(obj)
}

// CreateFromFD wraps an inherited, bound SOCK_SEQPACKET socket. Nothing is
// served until StartServing.
func CreateFromFD(fd int) (*Server, error) {
	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return nil, fmt.Errorf("fd %d is not a socket: %w", fd, err)
	}
	if typ != unix.SOCK_SEQPACKET {
		return nil, fmt.Errorf("fd %d has socket type %d, want SOCK_SEQPACKET", fd, typ)
	}
	return New(fd), nil
}

// Create creates a new control server bound to the unix socket path addr.
// A leading '@' names an abstract socket.
func Create(addr string) (*Server, error) {
	fd, err := CreateSocket(addr)
	if err != nil {
		return nil, err
	}
	return New(fd), nil
}

// CreateSocket returns a SOCK_SEQPACKET socket bound to addr, or -1 and an
// error.
func CreateSocket(addr string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: addr}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %q: %w", addr, err)
	}
	return fd, nil
}
