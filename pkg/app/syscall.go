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
	"errors"
	"math"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/addrspace"
	"gvisor.dev/sfi/pkg/desc"
	"gvisor.dev/sfi/pkg/log"
)

// userBytes returns the sandbox memory [addr, addr+n) if all of it is
// mapped with at least prot.
func (a *App) userBytes(addr, n uint64, prot addrspace.Prot) ([]byte, bool) {
	end := addr + n
	if end < addr || a.vmmap == nil {
		return nil, false
	}
	for cur := addr; cur < end; {
		m, ok := a.vmmap.Find(cur)
		if !ok || m.Prot&prot != prot {
			return nil, false
		}
		cur = m.End
	}
	b, err := a.region.Bytes(addr, n)
	return b, err == nil
}

func (a *App) readUint(addr, size uint64) (uint64, bool) {
	b, ok := a.userBytes(addr, size, addrspace.Read)
	if !ok {
		return 0, false
	}
	if size == 8 {
		return binary.LittleEndian.Uint64(b), true
	}
	return uint64(binary.LittleEndian.Uint32(b)), true
}

func (a *App) writeUint32(addr uint64, v uint32) bool {
	b, ok := a.userBytes(addr, 4, addrspace.Write)
	if ok {
		binary.LittleEndian.PutUint32(b, v)
	}
	return ok
}

// errno converts an error to a negated syscall result.
func errno(err error) int64 {
	var e unix.Errno
	switch {
	case errors.As(err, &e):
		return -int64(e)
	case errors.Is(err, desc.ErrNotSupported):
		return -nacl.EINVAL
	default:
		return -nacl.EIO
	}
}

// syscall services syscall n trapped by t. The thread entered through a
// trampoline call, so the return address is on top of the stack. It
// returns false if the thread must leave.
func (t *Thread) syscall(n int) bool {
	a := t.app
	ctx := t.ctx
	w := ctx.Width()
	sp := ctx.Stack()
	ret, ok := a.readUint(sp, w)
	if !ok {
		log.Warningf("Thread %d: syscall %d with bad stack %#x", t.Num(), n, sp)
		a.Exit(-int(unix.SIGSEGV))
		return false
	}
	// The return address is untrusted: keep it on a bundle boundary.
	ctx.SetIP(ret &^ uint64(a.bundleSize-1))
	ctx.SetStack(sp + w)

	var args [6]uint64
	for i := range args {
		if v, ok := ctx.RegisterArg(i); ok {
			args[i] = v
			continue
		}
		args[i], _ = a.readUint(sp+w+uint64(i)*4, 4)
	}

	rv, cont := t.dispatch(n, args)
	if log.IsLogging(log.Debug) {
		log.Debugf("Thread %d: syscall %d%v = %d", t.Num(), n, args, rv)
	}
	if cont {
		ctx.SetReturn(uint64(rv))
	}
	return cont
}

// dispatch runs syscall n. It returns the result and false if the thread
// must not return to sandboxed code.
func (t *Thread) dispatch(n int, args [6]uint64) (int64, bool) {
	a := t.app
	fds := &a.fds
	switch n {
	case nacl.SYS_null:
		return 0, true

	case nacl.SYS_exit:
		a.Exit(int(int32(args[0])))
		return 0, false

	case nacl.SYS_thread_exit:
		if flag := args[0]; flag != 0 {
			a.writeUint32(flag, 0)
		}
		return 0, false

	case nacl.SYS_read, nacl.SYS_write:
		d, err := fds.Get(int(int32(args[0])))
		if err != nil {
			return errno(err), true
		}
		defer d.DecRef()
		prot := addrspace.Read
		if n == nacl.SYS_read {
			prot = addrspace.Write
		}
		buf, ok := a.userBytes(args[1], args[2], prot)
		if !ok {
			return -nacl.EFAULT, true
		}
		var c int
		if n == nacl.SYS_read {
			c, err = desc.Read(d, buf)
		} else {
			c, err = desc.Write(d, buf)
		}
		if err != nil && c == 0 {
			return errno(err), true
		}
		return int64(c), true

	case nacl.SYS_close:
		if err := fds.Remove(int(int32(args[0]))); err != nil {
			return errno(err), true
		}
		return 0, true

	case nacl.SYS_dup:
		m, err := fds.Dup(int(int32(args[0])))
		if err != nil {
			return errno(err), true
		}
		return int64(m), true

	case nacl.SYS_dup2:
		m, err := fds.Dup2(int(int32(args[0])), int(int32(args[1])))
		if err != nil {
			return errno(err), true
		}
		return int64(m), true

	case nacl.SYS_sysbrk:
		return int64(a.sysbrk(args[0])), true

	case nacl.SYS_getpid:
		return int64(unix.Getpid()), true

	case nacl.SYS_sched_yield:
		runtime.Gosched()
		return 0, true

	case nacl.SYS_sysconf:
		var v int
		switch args[0] {
		case nacl.SC_NPROCESSORS_ONLN:
			v = runtime.NumCPU()
		case nacl.SC_PAGESIZE:
			v = nacl.AllocPageSize
		default:
			return -nacl.EINVAL, true
		}
		if !a.writeUint32(args[1], uint32(v)) {
			return -nacl.EFAULT, true
		}
		return 0, true

	case nacl.SYS_gettimeofday:
		b, ok := a.userBytes(args[0], 12, addrspace.Write)
		if !ok {
			return -nacl.EFAULT, true
		}
		now := time.Now()
		binary.LittleEndian.PutUint64(b, uint64(now.Unix()))
		binary.LittleEndian.PutUint32(b[8:], uint32(now.Nanosecond()/1000))
		return 0, true

	case nacl.SYS_nanosleep:
		d, ok := a.readTimespec(args[0])
		if !ok {
			return -nacl.EFAULT, true
		}
		select {
		case <-time.After(d):
		case <-a.exited:
			return -nacl.EINVAL, false
		}
		return 0, true

	case nacl.SYS_mutex_create:
		return addDesc(fds, desc.NewMutex()), true

	case nacl.SYS_mutex_lock, nacl.SYS_mutex_trylock, nacl.SYS_mutex_unlock:
		m, release, err := getDesc[*desc.Mutex](fds, args[0])
		if err != 0 {
			return err, true
		}
		defer release()
		switch n {
		case nacl.SYS_mutex_lock:
			m.Lock()
		case nacl.SYS_mutex_trylock:
			if !m.TryLock() {
				return -nacl.EBUSY, true
			}
		default:
			if !m.Unlock() {
				return -nacl.EPERM, true
			}
		}
		return 0, true

	case nacl.SYS_cond_create:
		return addDesc(fds, desc.NewCondVar()), true

	case nacl.SYS_cond_signal, nacl.SYS_cond_broadcast:
		c, release, err := getDesc[*desc.CondVar](fds, args[0])
		if err != 0 {
			return err, true
		}
		defer release()
		if n == nacl.SYS_cond_signal {
			c.Signal()
		} else {
			c.Broadcast()
		}
		return 0, true

	case nacl.SYS_cond_wait, nacl.SYS_cond_timed_wait_abs:
		c, releaseC, err := getDesc[*desc.CondVar](fds, args[0])
		if err != 0 {
			return err, true
		}
		defer releaseC()
		m, releaseM, err := getDesc[*desc.Mutex](fds, args[1])
		if err != 0 {
			return err, true
		}
		defer releaseM()
		var deadline time.Time
		if n == nacl.SYS_cond_timed_wait_abs {
			sec, ok1 := a.readUint(args[2], 8)
			nsec, ok2 := a.readUint(args[2]+8, 4)
			if !ok1 || !ok2 {
				return -nacl.EFAULT, true
			}
			deadline = time.Unix(int64(sec), int64(nsec))
		}
		signalled, werr := c.Wait(m, deadline)
		switch {
		case werr != nil:
			return -nacl.EPERM, true
		case !signalled:
			return -nacl.ETIMEDOUT, true
		}
		return 0, true

	case nacl.SYS_thread_create:
		pc, sp, tls1, tls2 := args[0], args[1], args[2], args[3]
		if !a.isBundleTarget(pc) {
			return -nacl.EFAULT, true
		}
		return int64(a.CreateAdditionalThread(pc, sp, tls1, tls2)), true

	case nacl.SYS_tls_init:
		t.ctx.SetTLS(args[0])
		return 0, true

	case nacl.SYS_tls_get:
		return int64(t.ctx.TLS()), true

	case nacl.SYS_second_tls_set:
		t.mu.Lock()
		t.tls2 = args[0]
		t.mu.Unlock()
		return 0, true

	case nacl.SYS_second_tls_get:
		t.mu.Lock()
		defer t.mu.Unlock()
		return int64(t.tls2), true

	default:
		log.Debugf("Thread %d: unsupported syscall %d", t.Num(), n)
		return -nacl.ENOSYS, true
	}
}

// maxTimespecSec is the largest number of seconds a time.Duration holds.
const maxTimespecSec = uint64(math.MaxInt64 / int64(time.Second))

// readTimespec reads a 64-bit seconds, 32-bit nanoseconds pair. Durations
// beyond what time.Duration holds are clamped.
func (a *App) readTimespec(addr uint64) (time.Duration, bool) {
	sec, ok1 := a.readUint(addr, 8)
	nsec, ok2 := a.readUint(addr+8, 4)
	if !ok1 || !ok2 || int64(sec) < 0 || nsec >= uint64(time.Second) {
		return 0, false
	}
	if sec >= maxTimespecSec {
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(sec)*time.Second + time.Duration(nsec), true
}

// isBundleTarget returns true if pc is a bundle boundary in validated text.
func (a *App) isBundleTarget(pc uint64) bool {
	if pc&uint64(a.bundleSize-1) != 0 {
		return false
	}
	m, ok := a.vmmap.Find(pc)
	return ok && m.Prot&addrspace.Exec != 0 && pc >= nacl.TrampolineEnd
}

func addDesc(fds *desc.Table, d desc.Desc) int64 {
	n, err := fds.Add(d)
	if err != nil {
		d.DecRef()
		return errno(err)
	}
	return int64(n)
}

// getDesc returns descriptor n as a T, and a function dropping the
// reference. The result is a negated errno on failure.
func getDesc[T desc.Desc](fds *desc.Table, n uint64) (T, func(), int64) {
	var zero T
	d, err := fds.Get(int(int32(n)))
	if err != nil {
		return zero, nil, errno(err)
	}
	v, ok := d.(T)
	if !ok {
		d.DecRef()
		return zero, nil, -nacl.EINVAL
	}
	return v, d.DecRef, 0
}

// sysbrk moves the break to addr and returns the new break. A zero or
// unusable addr leaves the break where it is.
func (a *App) sysbrk(addr uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur := a.breakAddr
	if addr == 0 || addr < a.dataEnd || addr > a.stackStart {
		return cur
	}
	start, end := nacl.RoundAllocPage(cur), nacl.RoundAllocPage(addr)
	if end > start {
		if err := a.region.Protect(start, end-start, addrspace.RW); err != nil {
			log.Warningf("sysbrk to %#x: %v", addr, err)
			return cur
		}
		a.vmmap.Add(addrspace.Mapping{Start: start, End: end, Prot: addrspace.RW, Name: "heap"})
	}
	a.breakAddr = addr
	return addr
}
