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

package gdbrsp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"gvisor.dev/sfi/pkg/log"
)

// Session flags.
const (
	// IgnoreAck disables '+'/'-' acknowledgements.
	IgnoreAck uint32 = 1 << iota

	// UseSeq numbers outgoing packets.
	UseSeq

	// DebugSend logs outgoing frames.
	DebugSend

	// DebugRecv logs incoming frames.
	DebugRecv
)

// Defaults for SendPacket retransmission.
const (
	DefaultRetries       = 10
	DefaultRetryInterval = time.Second
)

// errNak is returned by one send attempt that was not acknowledged.
var errNak = errors.New("packet not acknowledged")

// Session is a connection to a debugger.
type Session struct {
	mu    sync.Mutex
	r     *bufio.Reader
	w     io.Writer
	flags uint32
	seq   int

	// Retries and RetryInterval bound SendPacket retransmission.
	Retries       uint64
	RetryInterval time.Duration
}

// NewSession returns a session over rw.
func NewSession(rw io.ReadWriter) *Session {
	return &Session{
		r:             bufio.NewReader(rw),
		w:             rw,
		Retries:       DefaultRetries,
		RetryInterval: DefaultRetryInterval,
	}
}

// SetFlags sets flags.
func (s *Session) SetFlags(flags uint32) {
	s.mu.Lock()
	s.flags |= flags
	s.mu.Unlock()
}

// ClearFlags clears flags.
func (s *Session) ClearFlags(flags uint32) {
	s.mu.Lock()
	s.flags &^= flags
	s.mu.Unlock()
}

// Flags returns the current flags.
func (s *Session) Flags() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

func (s *Session) sendStream(b []byte) error {
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("send of %d bytes: %w", len(b), err)
	}
	if s.flags&DebugSend != 0 {
		log.Infof("TX %s", b)
	}
	return nil
}

// SendPacket sends p and waits for the debugger's '+', retransmitting on
// anything else.
func (s *Session) SendPacket(p *Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Seq == NoSeq && s.flags&UseSeq != 0 {
		p.Seq = s.seq & 0xff
		s.seq++
	}
	frame := p.Encode()
	if s.flags&IgnoreAck != 0 {
		return s.sendStream(frame)
	}

	op := func() error {
		if err := s.sendStream(frame); err != nil {
			return backoff.Permanent(err)
		}
		ch, err := s.r.ReadByte()
		if err != nil {
			return backoff.Permanent(err)
		}
		if ch != '+' {
			return errNak
		}
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.RetryInterval), s.Retries)
	return backoff.Retry(op, b)
}

// GetPacket reads the next packet. Garbage before '$' is discarded, a '$'
// inside a frame restarts it, and frames with a bad checksum are rejected
// with '-' until a good one arrives.
func (s *Session) GetPacket() (*Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Toss characters until the start of a frame.
	for {
		ch, err := s.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if ch == '$' {
			break
		}
	}

	for {
		var body []byte
	frame:
		for {
			ch, err := s.r.ReadByte()
			if err != nil {
				return nil, err
			}
			switch ch {
			case '#':
				break frame
			case '$':
				log.Infof("RX Missing $, retry.")
				body = body[:0]
			default:
				body = append(body, ch)
			}
		}

		var sum [2]byte
		if _, err := io.ReadFull(s.r, sum[:]); err != nil {
			return nil, err
		}
		if s.flags&DebugRecv != 0 {
			log.Infof("RX $%s#%s", body, sum[:])
		}
		want, perr := ParseHex(sum[:])

		seq, payload := splitSeq(body)
		p := &Packet{Seq: seq, Payload: payload}
		if s.flags&IgnoreAck != 0 {
			return p, nil
		}
		if perr == nil && byte(want) == Checksum(body) {
			ack := []byte{'+'}
			if seq != NoSeq {
				ack = fmt.Appendf(ack, "%02x", seq)
			}
			return p, s.sendStream(ack)
		}
		if err := s.sendStream([]byte{'-'}); err != nil {
			return nil, err
		}
		log.Infof("RX Bad XSUM, retry")

		// Wait for the retransmission.
		for {
			ch, err := s.r.ReadByte()
			if err != nil {
				return nil, err
			}
			if ch == '$' {
				break
			}
		}
	}
}
