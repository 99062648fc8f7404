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
	"sync"

	"gvisor.dev/sfi/pkg/imc"
)

// Client issues calls over one socket, one at a time.
type Client struct {
	// mu serializes calls.
	mu sync.Mutex

	// Socket is the connection. It is closed by Close.
	Socket *imc.Socket
}

// NewClient returns a client using socket.
func NewClient(socket *imc.Socket) *Client {
	return &Client{Socket: socket}
}

// Call invokes method with arg and decodes the reply into result. Files in
// arg are sent; files in the reply are attached to result, or closed if
// result cannot hold them.
func (c *Client) Call(method string, arg, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	files, err := payloadFiles(arg)
	if err != nil {
		return err
	}
	raw, err := encode(arg)
	if err != nil {
		return fmt.Errorf("urpc: encoding %s argument: %w", method, err)
	}
	if err := send(c.Socket, &request{Method: method, Arg: raw}, files); err != nil {
		return err
	}

	var rep reply
	got, err := recv(c.Socket, &rep)
	if err != nil {
		return err
	}
	attachFiles(result, got)
	if !rep.OK {
		return RemoteError{Message: rep.Err}
	}
	if len(rep.Result) > 0 && result != nil {
		if err := decMode.Unmarshal(rep.Result, result); err != nil {
			return fmt.Errorf("urpc: decoding %s result: %w", method, err)
		}
	}
	return nil
}

// Close closes the socket. The client may not be used afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Socket.Close()
}
