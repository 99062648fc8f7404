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

package urpc

import (
	"fmt"
	"os"
	"reflect"
	"sync"

	"gvisor.dev/sfi/pkg/imc"
	"gvisor.dev/sfi/pkg/log"
)

var errorType = reflect.TypeFor[error]()

// method is a registered RPC method.
type method struct {
	rcvr   reflect.Value
	fn     reflect.Value
	arg    reflect.Type
	result reflect.Type
}

// call decodes raw into a fresh argument, attaches files and runs the
// method. It returns the result value.
func (m *method) call(raw []byte, files []*os.File) (any, error) {
	arg := reflect.New(m.arg)
	if len(raw) > 0 {
		if err := decMode.Unmarshal(raw, arg.Interface()); err != nil {
			closeAll(files)
			return nil, err
		}
	}
	attachFiles(arg.Interface(), files)
	result := reflect.New(m.result)
	out := m.fn.Call([]reflect.Value{m.rcvr, arg, result})
	if err, _ := out[0].Interface().(error); err != nil {
		return nil, err
	}
	return result.Interface(), nil
}

// conn is one client connection.
type conn struct {
	sock *imc.Socket

	// The following are protected by Server.mu. busy is set while a call
	// is being served; closing asks for the socket to be closed when it
	// finishes.
	busy    bool
	closing bool
	closed  bool
}

// Server serves registered methods to any number of connections.
type Server struct {
	mu      sync.Mutex
	methods map[string]*method
	conns   map[*conn]struct{}

	// wg counts connections being served.
	wg sync.WaitGroup
}

// NewServer returns a server with no methods.
func NewServer() *Server {
	return &Server{
		methods: make(map[string]*method),
		conns:   make(map[*conn]struct{}),
	}
}

// Register registers every method of obj as "Type.Method". Unlike
// net/rpc, a method of the wrong shape, an unnamed type or a duplicate name
// panics rather than being skipped.
func (s *Server) Register(obj any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	typ := reflect.TypeOf(obj)
	name := typ.Name()
	if typ.Kind() == reflect.Pointer {
		name = typ.Elem().Name()
	}
	if name == "" {
		panic(fmt.Sprintf("urpc: cannot register unnamed type %v", typ))
	}
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		full := name + "." + m.Name
		if _, ok := s.methods[full]; ok {
			panic(fmt.Sprintf("urpc: method %s registered twice", full))
		}
		mt := m.Type
		switch {
		case mt.NumIn() != 3 || mt.NumOut() != 1:
			panic(fmt.Sprintf("urpc: method %s must take (arg, result) and return error", full))
		case mt.In(1).Kind() != reflect.Pointer || mt.In(2).Kind() != reflect.Pointer:
			panic(fmt.Sprintf("urpc: method %s must take pointer arguments", full))
		case mt.Out(0) != errorType:
			panic(fmt.Sprintf("urpc: method %s must return error", full))
		}
		s.methods[full] = &method{
			rcvr:   reflect.ValueOf(obj),
			fn:     m.Func,
			arg:    mt.In(1).Elem(),
			result: mt.In(2).Elem(),
		}
	}
}

func (s *Server) lookup(name string) *method {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.methods[name]
}

// Handle serves calls on sock until it fails or the server stops. The
// socket is closed on return.
func (s *Server) Handle(sock *imc.Socket) error {
	c := s.add(sock)
	defer s.remove(c)
	return s.serve(c)
}

// StartHandling serves sock in a new goroutine.
func (s *Server) StartHandling(sock *imc.Socket) {
	c := s.add(sock)
	go func() {
		defer s.remove(c)
		if err := s.serve(c); err != nil && err != errStopped {
			log.Debugf("urpc: connection ended: %v", err)
		}
	}()
}

func (s *Server) serve(c *conn) error {
	for {
		var req request
		files, err := recv(c.sock, &req)
		if err != nil {
			return err
		}
		if !s.begin(c) {
			closeAll(files)
			return errStopped
		}
		err = s.dispatch(c.sock, &req, files)
		s.end(c)
		if err != nil {
			return err
		}
	}
}

// dispatch runs one call and sends its reply. Only transport errors are
// returned; method errors go to the client.
func (s *Server) dispatch(sock *imc.Socket, req *request, files []*os.File) error {
	m := s.lookup(req.Method)
	if m == nil {
		closeAll(files)
		return send(sock, &reply{Err: ErrUnknownMethod.Error()}, nil)
	}
	result, err := m.call(req.Arg, files)
	if err != nil {
		return send(sock, &reply{Err: err.Error()}, nil)
	}
	out, err := payloadFiles(result)
	if err != nil {
		return send(sock, &reply{Err: err.Error()}, nil)
	}
	raw, err := encode(result)
	if err != nil {
		return send(sock, &reply{Err: err.Error()}, nil)
	}
	return send(sock, &reply{OK: true, Result: raw}, out)
}

func (s *Server) add(sock *imc.Socket) *conn {
	c := &conn{sock: sock}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	return c
}

func (s *Server) remove(c *conn) {
	s.mu.Lock()
	if !c.closed {
		c.sock.Close()
		c.closed = true
	}
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// begin marks c busy. It returns false if c was closed by Stop while the
// call was being read, in which case no reply could be sent.
func (s *Server) begin(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed {
		return false
	}
	c.busy = true
	return true
}

func (s *Server) end(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.busy = false
	if c.closing {
		c.sock.Close()
		c.closed = true
	}
}

// Stop closes every connection, letting calls in progress finish first,
// and waits for all of them to end. No new connections may be added
// afterwards.
func (s *Server) Stop() {
	s.mu.Lock()
	for c := range s.conns {
		if c.busy {
			c.closing = true
			continue
		}
		if !c.closed {
			c.sock.Close()
			c.closed = true
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}
