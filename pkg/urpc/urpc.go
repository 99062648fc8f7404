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

// Package urpc is a small RPC layer over IMC sockets.
//
// A call is one IMC message carrying a CBOR request and a reply is one
// message carrying a CBOR reply. Host files ride along as SCM_RIGHTS in the
// same message, so a call and its descriptors can never be separated.
//
// Methods are registered by reflection and must have the form
//
//	func (T) Name(arg *A, result *R) error
//
// and are called as "T.Name".
package urpc

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/fxamacker/cbor/v2"

	"gvisor.dev/sfi/pkg/imc"
	"gvisor.dev/sfi/pkg/log"
)

// maxFiles is the most files one call or reply may carry.
const maxFiles = imc.MaxDescriptors

var (
	// ErrTooManyFiles is returned when a payload holds more than maxFiles
	// files.
	ErrTooManyFiles = errors.New("too many files")

	// ErrUnknownMethod is returned when a method is not registered.
	ErrUnknownMethod = errors.New("unknown method")

	// errStopped stops a connection whose server is shutting down.
	errStopped = errors.New("stopped")
)

// RemoteError is an error returned by the called method itself, as opposed
// to a transport failure.
type RemoteError struct {
	// Message is the text of the remote error.
	Message string
}

func (r RemoteError) Error() string {
	return r.Message
}

// FilePayload may be embedded in an argument or result type to pass host
// files along with it. Files are transferred, not encoded.
type FilePayload struct {
	Files []*os.File `cbor:"-"`
}

func (f *FilePayload) files() []*os.File { return f.Files }
func (f *FilePayload) setFiles(fs []*os.File) { f.Files = fs }

// filePayloader is satisfied only by types embedding FilePayload.
type filePayloader interface {
	files() []*os.File
	setFiles([]*os.File)
}

// payloadFiles returns the files carried by v, if any.
func payloadFiles(v any) ([]*os.File, error) {
	fp, ok := v.(filePayloader)
	if !ok {
		return nil, nil
	}
	fs := fp.files()
	if len(fs) > maxFiles {
		return nil, ErrTooManyFiles
	}
	return fs, nil
}

// attachFiles hands fs to v, or closes them if v cannot hold files.
func attachFiles(v any, fs []*os.File) {
	if fp, ok := v.(filePayloader); ok {
		fp.setFiles(fs)
		return
	}
	closeAll(fs)
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// request is the client to server message. Arg is encoded separately so
// the server can decode it once the method, and so its type, is known.
type request struct {
	Method string          `cbor:"1,keyasint"`
	Arg    cbor.RawMessage `cbor:"2,keyasint,omitempty"`
}

// reply is the server to client message.
type reply struct {
	OK     bool            `cbor:"1,keyasint"`
	Err    string          `cbor:"2,keyasint,omitempty"`
	Result cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// Core deterministic encoding keeps messages byte-identical for identical
// calls.
var (
	encMode = mustEncMode(cbor.CoreDetEncOptions())
	decMode = mustDecMode(cbor.DecOptions{MaxArrayElements: 1 << 16})
)

func mustEncMode(o cbor.EncOptions) cbor.EncMode {
	m, err := o.EncMode()
	if err != nil {
		panic(fmt.Sprintf("urpc: CBOR encoder: %v", err))
	}
	return m
}

func mustDecMode(o cbor.DecOptions) cbor.DecMode {
	m, err := o.DecMode()
	if err != nil {
		panic(fmt.Sprintf("urpc: CBOR decoder: %v", err))
	}
	return m
}

// encode returns v as a raw CBOR value; nil stays empty.
func encode(v any) (cbor.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return encMode.Marshal(v)
}

// send writes v and fs as one message.
func send(s *imc.Socket, v any, fs []*os.File) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("urpc: encoding %T: %w", v, err)
	}
	fds := make([]int, len(fs))
	for i, f := range fs {
		fds[i] = int(f.Fd())
	}
	err = s.SendMsg(data, fds...)
	// The files must stay open until sendmsg has duplicated them.
	runtime.KeepAlive(fs)
	if err != nil {
		return err
	}
	log.Debugf("urpc: sent %d bytes, %d files", len(data), len(fs))
	return nil
}

// recv reads one message into v and returns the files that came with it.
// The caller owns the files.
func recv(s *imc.Socket, v any) ([]*os.File, error) {
	buf := make([]byte, imc.MaxMessage)
	n, fds, err := s.RecvMsg(buf)
	if err != nil {
		return nil, err
	}
	fs := make([]*os.File, len(fds))
	for i, fd := range fds {
		fs[i] = os.NewFile(uintptr(fd), "urpc")
	}
	if err := decMode.Unmarshal(buf[:n], v); err != nil {
		closeAll(fs)
		return nil, fmt.Errorf("urpc: decoding %T: %w", v, err)
	}
	return fs, nil
}
