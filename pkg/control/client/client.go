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

// Package client provides a basic control client interface.
package client

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"gvisor.dev/sfi/pkg/imc"
	"gvisor.dev/sfi/pkg/urpc"
)

// ConnectTo attempts to connect to the sandbox with the given address.
func ConnectTo(addr string) (*urpc.Client, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: addr}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %q: %w", addr, err)
	}

	// Wrap in our stream codec.
	return urpc.NewClient(imc.NewSocket(fd)), nil
}

// ConnectWithRetry calls ConnectTo until it succeeds or timeout passes. The
// sandbox may still be starting when the embedder first tries.
func ConnectWithRetry(addr string, timeout time.Duration) (*urpc.Client, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout

	var c *urpc.Client
	op := func() error {
		var err error
		c, err = ConnectTo(addr)
		return err
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return c, nil
}
