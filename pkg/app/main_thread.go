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

package app

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/log"
	"gvisor.dev/sfi/pkg/x86/opcode"
)

// initialStack lays out argc, the argv and envv tables and the auxiliary
// vector at the top of the address space, followed by the strings. It
// returns the stack pointer, or false if it does not fit in stackSize.
func initialStack(mem []byte, regWidth uint64, argv, envv []string, userEntry, stackSize uint64) (uint64, bool) {
	auxv := uint64(1)
	if userEntry != 0 {
		auxv++
	}
	tbl := (uint64(len(argv)+len(envv))+2+auxv*2)*4 + regWidth
	size := tbl
	for _, s := range argv {
		size += uint64(len(s)) + 1
	}
	for _, s := range envv {
		size += uint64(len(s)) + 1
	}
	size = (size + nacl.StackAlign - 1) &^ (nacl.StackAlign - 1)
	if size > stackSize || size > uint64(len(mem)) {
		return 0, false
	}

	top := uint64(len(mem))
	sp := top - size
	p, strp := sp, sp+tbl
	put := func(v uint64, n uint64) {
		if n == 8 {
			binary.LittleEndian.PutUint64(mem[p:], v)
		} else {
			binary.LittleEndian.PutUint32(mem[p:], uint32(v))
		}
		p += n
	}
	str := func(s string) {
		put(strp, 4)
		copy(mem[strp:], s)
		mem[strp+uint64(len(s))] = 0
		strp += uint64(len(s)) + 1
	}

	put(uint64(len(argv)), regWidth)
	for _, s := range argv {
		str(s)
	}
	put(0, 4)
	for _, s := range envv {
		str(s)
	}
	put(0, 4)
	if userEntry != 0 {
		put(nacl.AT_ENTRY, 4)
		put(userEntry, 4)
	}
	put(nacl.AT_NULL, 4)
	put(0, 4)
	return sp, true
}

// CreateMainThread copies argv and envv to the top of the stack and starts
// the first thread at the entry point. The thread pointer starts out as
// the initial break.
func (a *App) CreateMainThread(argv, envv []string) (*Thread, error) {
	a.mu.Lock()
	if !a.loaded || a.region == nil {
		a.mu.Unlock()
		return nil, &nacl.Error{Status: nacl.LoadNoModule}
	}
	region, entry, userEntry, brk := a.region, a.entry, a.userEntry, a.breakAddr
	stackStart := a.stackStart
	a.mu.Unlock()

	stack, err := region.Bytes(0, region.Size())
	if err != nil {
		return nil, err
	}
	regWidth := uint64(4)
	if a.opts.Mode == opcode.Mode64 {
		regWidth = 8
	}
	sp, ok := initialStack(stack, regWidth, argv, envv, userEntry, region.Size()-stackStart)
	if !ok {
		return nil, fmt.Errorf("arguments and environment do not fit in the stack")
	}
	log.Debugf("Main thread stack at %#x", sp)

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	t, err := a.CreateContext(entry, sp, brk)
	if err != nil {
		a.mu.Lock()
		a.running = false
		a.cond.Broadcast()
		a.mu.Unlock()
		return nil, err
	}
	return t, nil
}

// CreateAdditionalThread starts a thread for the module. It returns 0 or
// a negated errno.
func (a *App) CreateAdditionalThread(pc, sp, tls1, tls2 uint64) int32 {
	if _, err := a.createContext(pc, sp, tls1, tls2); err != nil {
		log.Infof("Thread creation at %#x failed: %v", pc, err)
		return -nacl.EAGAIN
	}
	return 0
}
