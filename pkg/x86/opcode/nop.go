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

package opcode

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// nopTrie matches the predefined nop sequences.
type nopTrie struct {
	next  map[byte]*nopTrie
	match *Descriptor
}

func (b *builder) nops(rows []rawRow) (*nopTrie, error) {
	root := &nopTrie{}
	for i := range rows {
		r := &rows[i]
		bs, err := hex.DecodeString(strings.ReplaceAll(r.Bytes, " ", ""))
		if err != nil || len(bs) == 0 {
			return nil, fmt.Errorf("row %d: bad bytes %q", i, r.Bytes)
		}
		n := root
		for _, c := range bs {
			if n.next == nil {
				n.next = make(map[byte]*nopTrie)
			}
			child, ok := n.next[c]
			if !ok {
				child = &nopTrie{}
				n.next[c] = child
			}
			n = child
		}
		if n.match != nil {
			return nil, fmt.Errorf("row %d: duplicate sequence %q", i, r.Bytes)
		}
		n.match = &Descriptor{Type: Nop, Imm: ImmNone, Mnemonic: r.Mn, Flags: NopFlag | NoWrite | NoMem}
	}
	return root, nil
}

// MatchNop returns the longest predefined nop that prefixes the byte stream
// produced by at, and its length. at(i) returns the i'th byte and false past
// the end of the stream.
func (t *Tables) MatchNop(at func(i int) (byte, bool)) (*Descriptor, int) {
	var (
		best    *Descriptor
		bestLen int
	)
	n := t.nops
	for i := 0; n != nil; i++ {
		if n.match != nil {
			best, bestLen = n.match, i
		}
		c, ok := at(i)
		if !ok {
			break
		}
		n = n.next[c]
	}
	return best, bestLen
}
