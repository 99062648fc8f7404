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

// Package gdbrsp implements the GDB remote serial protocol: packet framing,
// an acknowledged session over a byte stream, and a target that answers the
// debugger's requests about a sandboxed process.
package gdbrsp

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
)

// NoSeq marks a packet without a sequence number.
const NoSeq = -1

// Packet is one RSP packet. On the wire it is $[ss:]payload#xx, where ss is
// an optional two-digit hex sequence number and xx the checksum of
// everything between '$' and '#'.
type Packet struct {
	Seq     int
	Payload []byte
}

// NewPacket returns a packet without a sequence number.
func NewPacket(format string, args ...any) *Packet {
	return &Packet{Seq: NoSeq, Payload: fmt.Appendf(nil, format, args...)}
}

// Checksum returns the modulo 256 sum of b.
func Checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

// body returns the checksummed part of the frame.
func (p *Packet) body() []byte {
	var b []byte
	if p.Seq != NoSeq {
		b = fmt.Appendf(b, "%02x:", p.Seq&0xff)
	}
	return append(b, p.Payload...)
}

// Encode returns the wire form of p.
func (p *Packet) Encode() []byte {
	body := p.body()
	out := make([]byte, 0, len(body)+4)
	out = append(out, '$')
	out = append(out, body...)
	return fmt.Appendf(out, "#%02x", Checksum(body))
}

// String implements fmt.Stringer.
func (p *Packet) String() string {
	return string(p.Encode())
}

// splitSeq splits a received frame body into sequence and payload. The
// body has a sequence when it starts with two hex digits and a colon.
func splitSeq(body []byte) (int, []byte) {
	if len(body) >= 3 && body[2] == ':' && isHex(body[0]) && isHex(body[1]) {
		seq, _ := strconv.ParseUint(string(body[:2]), 16, 8)
		return int(seq), body[3:]
	}
	return NoSeq, body
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// EncodeHex returns b as lower case hex.
func EncodeHex(b []byte) []byte {
	out := make([]byte, hex.EncodedLen(len(b)))
	hex.Encode(out, b)
	return out
}

// DecodeHex decodes a hex string.
func DecodeHex(s []byte) ([]byte, error) {
	out := make([]byte, hex.DecodedLen(len(s)))
	if _, err := hex.Decode(out, s); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseHex parses a big-endian hex number.
func ParseHex(s []byte) (uint64, error) {
	return strconv.ParseUint(string(s), 16, 64)
}

// parseAddrLen parses "addr,len".
func parseAddrLen(s []byte) (uint64, int, error) {
	a, l, ok := bytes.Cut(s, []byte{','})
	if !ok {
		return 0, 0, fmt.Errorf("missing ',' in %q", s)
	}
	addr, err := ParseHex(a)
	if err != nil {
		return 0, 0, err
	}
	n, err := ParseHex(l)
	if err != nil {
		return 0, 0, err
	}
	return addr, int(n), nil
}
