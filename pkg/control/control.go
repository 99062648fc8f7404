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

// Package control implements the secure command channel objects: the RPC
// methods an embedder uses to load, start and stop a sandboxed module.
package control

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/log"
	"gvisor.dev/sfi/pkg/urpc"
)

// Method names.
const (
	ModuleLoad     = "Module.Load"
	ModuleStart    = "Module.Start"
	ModuleStatus   = "Module.Status"
	ModuleShutdown = "Module.Shutdown"
	LogWrite       = "Log.Write"
)

// MaxModuleSize bounds an uncompressed module sent inline.
const MaxModuleSize = 256 << 20

// Sandbox is the process the command channel controls.
type Sandbox interface {
	// LoadModule loads and validates a module image.
	LoadModule(r io.ReaderAt) error

	// StartModule lets the main thread run. It fails if no module was
	// loaded.
	StartModule() error

	// Status returns the load status.
	Status() nacl.Status

	// Shutdown terminates the sandbox with the given exit code.
	Shutdown(code int)
}

// LoadArgs carries a module, either inline or as a passed file.
type LoadArgs struct {
	urpc.FilePayload

	// Data is the module image. It is LZ4 block compressed when Size is
	// not zero.
	Data []byte

	// Size is the uncompressed size of Data.
	Size int
}

// NewLoadArgs returns arguments carrying image inline, compressed if that
// makes it smaller.
func NewLoadArgs(image []byte) (*LoadArgs, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(image)))
	n, err := lz4.CompressBlock(image, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(image) {
		return &LoadArgs{Data: image}, nil
	}
	return &LoadArgs{Data: dst[:n], Size: len(image)}, nil
}

// image returns a reader over the module.
func (a *LoadArgs) image() (io.ReaderAt, error) {
	switch {
	case len(a.Files) == 1:
		return a.Files[0], nil
	case len(a.Files) > 1:
		return nil, fmt.Errorf("%d files passed, want at most one", len(a.Files))
	case a.Size == 0:
		return bytes.NewReader(a.Data), nil
	case a.Size < 0 || a.Size > MaxModuleSize:
		return nil, fmt.Errorf("module size %d out of range", a.Size)
	}
	dst := make([]byte, a.Size)
	n, err := lz4.UncompressBlock(a.Data, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != a.Size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, a.Size)
	}
	return bytes.NewReader(dst), nil
}

// StatusReply carries a load status back to the embedder.
type StatusReply struct {
	Status nacl.Status
	Detail string
}

func (r *StatusReply) set(err error) {
	r.Status = nacl.StatusOf(err)
	if err != nil {
		r.Detail = err.Error()
	}
}

// Module is the control object for the sandboxed module.
type Module struct {
	Sandbox Sandbox
}

// Load loads a module. Failures are reported in the reply, not as RPC
// errors, so the embedder always learns the load status.
func (m *Module) Load(args *LoadArgs, reply *StatusReply) error {
	defer func() {
		for _, f := range args.Files {
			f.Close()
		}
	}()
	r, err := args.image()
	if err != nil {
		reply.set(nacl.Errorf(nacl.LoadReadError, "%v", err))
		return nil
	}
	reply.set(m.Sandbox.LoadModule(r))
	return nil
}

// Start starts the loaded module.
func (m *Module) Start(_ *struct{}, reply *StatusReply) error {
	reply.set(m.Sandbox.StartModule())
	return nil
}

// Status reports the load status.
func (m *Module) Status(_ *struct{}, reply *StatusReply) error {
	reply.Status = m.Sandbox.Status()
	return nil
}

// ShutdownArgs is the argument to Module.Shutdown.
type ShutdownArgs struct {
	Code int
}

// Shutdown terminates the sandbox.
func (m *Module) Shutdown(args *ShutdownArgs, _ *struct{}) error {
	log.Infof("Shutdown requested over the command channel, code %d", args.Code)
	m.Sandbox.Shutdown(args.Code)
	return nil
}

// LogArgs is the argument to Log.Write.
type LogArgs struct {
	Level   log.Level
	Message string
}

// Log lets the embedder write to the sandbox log.
type Log struct {
	Logger log.Logger
}

// Write emits one message.
func (l *Log) Write(args *LogArgs, _ *struct{}) error {
	switch args.Level {
	case log.Warning:
		l.Logger.Warningf("%s", args.Message)
	case log.Info:
		l.Logger.Infof("%s", args.Message)
	case log.Debug:
		l.Logger.Debugf("%s", args.Message)
	default:
		return errors.New("invalid log level")
	}
	return nil
}
