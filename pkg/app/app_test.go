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
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"gvisor.dev/sfi/pkg/abi/nacl"
	"gvisor.dev/sfi/pkg/addrspace"
	"gvisor.dev/sfi/pkg/arch"
	"gvisor.dev/sfi/pkg/cpuid"
	"gvisor.dev/sfi/pkg/desc"
	"gvisor.dev/sfi/pkg/gdbrsp"
	"gvisor.dev/sfi/pkg/loader/elftest"
	"gvisor.dev/sfi/pkg/platform"
	"gvisor.dev/sfi/pkg/platform/platformtest"
	"gvisor.dev/sfi/pkg/x86/opcode"
)

const (
	testAddrBits  = 20
	testStackSize = nacl.AllocPageSize
	testSize      = 1 << testAddrBits
	testStack     = testSize - testStackSize

	// retAddr is where scripted syscalls return to.
	retAddr = nacl.TrampolineEnd + 0x20
)

func testOptions(p platform.Platform) Options {
	return Options{
		Mode:      opcode.Mode32,
		AddrBits:  testAddrBits,
		StackSize: testStackSize,
		Platform:  p,
		Features:  cpuid.FixedFeatureSet(),
	}
}

func minimal() []byte {
	return elftest.Minimal(elf.ELFCLASS32, elftest.Text(0x90, 0x90)).Bytes()
}

// newLoaded returns an app with the minimal module loaded.
func newLoaded(t *testing.T, opts Options) *App {
	t.Helper()
	a := New(opts)
	if err := a.LoadFile(context.Background(), bytes.NewReader(minimal())); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	return a
}

// finish shuts a down and waits for its threads.
func finish(a *App) int {
	a.Exit(0)
	return a.WaitForMainThreadToExit()
}

// push pushes vals as 32-bit words, first value on top.
func push(c *platformtest.Context, ac *arch.Context, vals ...uint32) {
	sp := ac.Stack() - 4*uint64(len(vals))
	b := c.Memory(sp, 4*uint64(len(vals)))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], v)
	}
	ac.SetStack(sp)
}

// recorder keeps the result of each syscall, as seen by the next step.
type recorder struct {
	rets []int32
}

// sys returns a step calling syscall n with args.
func (r *recorder) sys(n int, args ...uint32) platformtest.Step {
	return platformtest.Syscall(n, func(c *platformtest.Context, ac *arch.Context) {
		if c.Calls > 0 {
			r.rets = append(r.rets, int32(ac.Return()))
		}
		push(c, ac, append([]uint32{retAddr}, args...)...)
	})
}

func TestLoadFile(t *testing.T) {
	a := newLoaded(t, testOptions(&platformtest.Fake{}))
	defer finish(a)

	var got []addrspace.Mapping
	a.Vmmap().Visit(func(m addrspace.Mapping) bool {
		got = append(got, m)
		return true
	})
	want := []addrspace.Mapping{
		{Start: nacl.TrampolineStart, End: nacl.TrampolineEnd, Prot: addrspace.RX, Name: "trampoline"},
		{Start: nacl.TrampolineEnd, End: 0x30000, Prot: addrspace.RX, Name: "text"},
		{Start: testStack, End: testSize, Prot: addrspace.RW, Name: "stack"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}

	tramp, ok := a.userBytes(nacl.TrampolineStart, nacl.TrampolineEnd-nacl.TrampolineStart, addrspace.Read)
	if !ok {
		t.Fatalf("trampolines not readable")
	}
	if n := bytes.Count(tramp, []byte{nacl.HaltOpcode}); n != len(tramp) {
		t.Errorf("%d of %d trampoline bytes are HLT", n, len(tramp))
	}
	tail, _ := a.userBytes(0x20020, 0x30000-0x20020, addrspace.Read)
	for i, b := range tail {
		if b != nacl.HaltOpcode {
			t.Fatalf("text byte %#x is %#x, want HLT", 0x20020+i, b)
		}
	}
	if a.breakAddr != 0x30000 {
		t.Errorf("break = %#x, want %#x", a.breakAddr, 0x30000)
	}
	if s := a.Stats(); s.Segments != 1 || s.Rejected != 0 {
		t.Errorf("stats = %+v, want one accepted segment", s)
	}
}

func TestLoadFileData(t *testing.T) {
	b := elftest.Minimal(elf.ELFCLASS32, elftest.Text(0x90))
	b.Segments = append(b.Segments, elftest.Segment{
		Type:  elf.PT_LOAD,
		Flags: elf.PF_R | elf.PF_W,
		Vaddr: 0x30000,
		Data:  []byte("data"),
		Memsz: 0x100,
	})
	a := New(testOptions(&platformtest.Fake{}))
	if err := a.LoadFile(context.Background(), bytes.NewReader(b.Bytes())); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	defer finish(a)

	m, ok := a.Vmmap().Find(0x30000)
	if want := (addrspace.Mapping{Start: 0x30000, End: 0x40000, Prot: addrspace.RW, Name: "data"}); !ok || m != want {
		t.Errorf("data mapping = %v, %v; want %v", m, ok, want)
	}
	if got, _ := a.userBytes(0x30000, 4, addrspace.Read); string(got) != "data" {
		t.Errorf("data = %q, want %q", got, "data")
	}
	if a.breakAddr != 0x30100 {
		t.Errorf("break = %#x, want %#x", a.breakAddr, 0x30100)
	}
}

func TestLoadFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		mod  func() *elftest.Builder
		opts func(*Options)
		want nacl.Status
	}{
		{
			name: "sysenter",
			mod: func() *elftest.Builder {
				return elftest.Minimal(elf.ELFCLASS32, elftest.Text(0x0f, 0x34))
			},
			want: nacl.LoadValidationFailed,
		},
		{
			name: "unaligned entry",
			mod: func() *elftest.Builder {
				b := elftest.Minimal(elf.ELFCLASS32, elftest.Text(0x90))
				b.Entry = nacl.TrampolineEnd + 1
				return b
			},
			want: nacl.LoadBadEntry,
		},
		{
			name: "entry past text",
			mod: func() *elftest.Builder {
				b := elftest.Minimal(elf.ELFCLASS32, elftest.Text(0x90))
				b.Entry = nacl.TrampolineEnd + 0x40
				return b
			},
			want: nacl.LoadBadEntry,
		},
		{
			name: "unaligned data",
			mod: func() *elftest.Builder {
				b := elftest.Minimal(elf.ELFCLASS32, elftest.Text(0x90))
				b.Segments = append(b.Segments, elftest.Segment{
					Type:  elf.PT_LOAD,
					Flags: elf.PF_R | elf.PF_W,
					Vaddr: 0x30010,
					Data:  []byte{1},
				})
				return b
			},
			want: nacl.LoadBadDataAlignment,
		},
		{
			name: "no halt sled",
			mod: func() *elftest.Builder {
				b := elftest.Minimal(elf.ELFCLASS32, bytes.Repeat([]byte{0x90}, 0x10000-0x10))
				b.Segments = append(b.Segments, elftest.Segment{
					Type:  elf.PT_LOAD,
					Flags: elf.PF_R | elf.PF_W,
					Vaddr: 0x30000,
					Data:  []byte{1},
				})
				return b
			},
			want: nacl.LoadNoHaltSledGap,
		},
		{
			name: "address space too big",
			mod: func() *elftest.Builder {
				return elftest.Minimal(elf.ELFCLASS32, elftest.Text(0x90))
			},
			opts: func(o *Options) { o.AddrBits = nacl.MaxAddrBits + 1 },
			want: nacl.LoadAddrSpaceTooBig,
		},
		{
			name: "stack too big",
			mod: func() *elftest.Builder {
				return elftest.Minimal(elf.ELFCLASS32, elftest.Text(0x90))
			},
			opts: func(o *Options) { o.StackSize = testSize },
			want: nacl.LoadNoMemory,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fake := &platformtest.Fake{}
			opts := testOptions(fake)
			if tc.opts != nil {
				tc.opts(&opts)
			}
			a := New(opts)
			err := a.LoadModule(bytes.NewReader(tc.mod().Bytes()))
			if got := nacl.StatusOf(err); got != tc.want {
				t.Errorf("LoadModule = %v, want status %v", err, tc.want)
			}
			if got := a.Status(); got != tc.want {
				t.Errorf("Status = %v, want %v", got, tc.want)
			}
			if a.Vmmap() != nil {
				t.Errorf("failed load left a memory map")
			}
			if _, err := a.CreateMainThread(nil, nil); nacl.StatusOf(err) != nacl.LoadNoModule {
				t.Errorf("CreateMainThread = %v, want status %v", err, nacl.LoadNoModule)
			}
			if n := len(fake.Contexts()); n != 0 {
				t.Errorf("%d contexts created for a rejected module", n)
			}
		})
	}
}

func TestIgnoreValidator(t *testing.T) {
	opts := testOptions(&platformtest.Fake{})
	opts.IgnoreValidator = true
	a := New(opts)
	mod := elftest.Minimal(elf.ELFCLASS32, elftest.Text(0x0f, 0x34)).Bytes()
	if err := a.LoadFile(context.Background(), bytes.NewReader(mod)); err != nil {
		t.Fatalf("LoadFile = %v, want success", err)
	}
	finish(a)
}

func TestSandboxCommands(t *testing.T) {
	a := New(testOptions(&platformtest.Fake{}))
	defer finish(a)

	if err := a.StartModule(); nacl.StatusOf(err) != nacl.LoadNoModule {
		t.Errorf("StartModule before load = %v, want %v", err, nacl.LoadNoModule)
	}
	if err := a.LoadModule(bytes.NewReader(minimal())); err != nil {
		t.Fatalf("LoadModule failed: %v", err)
	}
	if err := a.LoadModule(bytes.NewReader(minimal())); nacl.StatusOf(err) != nacl.LoadModuleAlreadyLoaded {
		t.Errorf("second LoadModule = %v, want %v", err, nacl.LoadModuleAlreadyLoaded)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if got := a.WaitForLoadModule(ctx); got != nacl.LoadOK {
		t.Errorf("WaitForLoadModule = %v, want %v", got, nacl.LoadOK)
	}

	done := make(chan nacl.Status)
	go func() { done <- a.WaitForStartModule(ctx) }()
	if err := a.StartModule(); err != nil {
		t.Fatalf("StartModule failed: %v", err)
	}
	if got := <-done; got != nacl.LoadOK {
		t.Errorf("WaitForStartModule = %v, want %v", got, nacl.LoadOK)
	}

	go a.Shutdown(3)
	a.WaitForShutdown(ctx)
	if got := a.WaitForMainThreadToExit(); got != 3 {
		t.Errorf("exit status = %d, want 3", got)
	}
}

func TestMainThreadEntry(t *testing.T) {
	var (
		ip, sp uint64
		argc   uint32
		arg0   string
	)
	fake := &platformtest.Fake{
		Run: func(c *platformtest.Context, ac *arch.Context) (platform.Trap, error) {
			ip, sp = ac.IP(), ac.Stack()
			argc = binary.LittleEndian.Uint32(c.Memory(sp, 4))
			p := binary.LittleEndian.Uint32(c.Memory(sp+4, 4))
			arg0 = string(c.Memory(uint64(p), 4))
			return platform.Trap{Kind: platform.TrapHalt, Addr: ip}, nil
		},
	}
	a := newLoaded(t, testOptions(fake))
	th, err := a.CreateMainThread([]string{"prog", "arg"}, []string{"A=B"})
	if err != nil {
		t.Fatalf("CreateMainThread failed: %v", err)
	}
	if got, want := a.WaitForMainThreadToExit(), -int(unix.SIGSEGV); got != want {
		t.Errorf("exit status = %d, want %d", got, want)
	}
	<-th.Done()

	if ip != nacl.TrampolineEnd {
		t.Errorf("entry pc = %#x, want %#x", ip, nacl.TrampolineEnd)
	}
	if sp%nacl.StackAlign != 0 || sp < testStack || sp >= testSize {
		t.Errorf("stack pointer %#x misaligned or outside the stack", sp)
	}
	if argc != 2 || arg0 != "prog" {
		t.Errorf("argc, argv[0] = %d, %q; want 2, %q", argc, arg0, "prog")
	}
	ctxs := fake.Contexts()
	if len(ctxs) != 1 || !ctxs[0].Released() {
		t.Errorf("contexts not released after exit")
	}
}

func TestInitialStack(t *testing.T) {
	mem := make([]byte, 256)
	sp, ok := initialStack(mem, 4, []string{"a"}, []string{"E=1"}, 0x20040, 256)
	if !ok {
		t.Fatalf("initialStack failed")
	}
	word := func(i uint64) uint32 { return binary.LittleEndian.Uint32(mem[sp+4*i:]) }
	// argc, argv[0], NULL, envp[0], NULL, AT_ENTRY, entry, AT_NULL, 0.
	got := []uint32{word(0), word(2), word(4), word(5), word(6), word(7), word(8)}
	want := []uint32{1, 0, 0, nacl.AT_ENTRY, 0x20040, nacl.AT_NULL, 0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pointer table mismatch (-want +got):\n%s", diff)
	}
	if s := mem[word(1) : word(1)+2]; string(s) != "a\x00" {
		t.Errorf("argv[0] = %q", s)
	}
	if s := mem[word(3) : word(3)+4]; string(s) != "E=1\x00" {
		t.Errorf("envp[0] = %q", s)
	}
	if sp%nacl.StackAlign != 0 {
		t.Errorf("sp %#x not aligned", sp)
	}
	if _, ok := initialStack(mem, 4, []string{string(make([]byte, 300))}, nil, 0, 256); ok {
		t.Errorf("initialStack accepted arguments larger than the stack")
	}
}

func TestReadTimespec(t *testing.T) {
	a := newLoaded(t, testOptions(&platformtest.Fake{}))
	defer finish(a)
	for _, tc := range []struct {
		name string
		sec  uint64
		nsec uint32
		want time.Duration
		ok   bool
	}{
		{name: "zero", ok: true},
		{name: "seconds and nanoseconds", sec: 2, nsec: 5, want: 2*time.Second + 5, ok: true},
		{name: "largest exact", sec: maxTimespecSec - 1, nsec: 999999999, want: time.Duration((maxTimespecSec-1)*uint64(time.Second) + 999999999), ok: true},
		{name: "clamped", sec: maxTimespecSec, want: time.Duration(math.MaxInt64), ok: true},
		{name: "clamped far", sec: 1 << 62, nsec: 1, want: time.Duration(math.MaxInt64), ok: true},
		{name: "negative", sec: 1 << 63},
		{name: "nanoseconds overflow", sec: 1, nsec: 1000000000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := mustBytes(t, a, testStack, 12)
			binary.LittleEndian.PutUint64(b, tc.sec)
			binary.LittleEndian.PutUint32(b[8:], tc.nsec)
			got, ok := a.readTimespec(testStack)
			if ok != tc.ok || got != tc.want {
				t.Errorf("readTimespec = %v, %t; want %v, %t", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestSyscalls(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe failed: %v", err)
	}
	defer r.Close()

	const buf = testStack
	var rec recorder
	fake := &platformtest.Fake{Run: platformtest.Script(
		rec.sys(nacl.SYS_null),
		rec.sys(nacl.SYS_write, 1, buf, 5),
		rec.sys(nacl.SYS_write, 7, buf, 5),
		rec.sys(nacl.SYS_write, 1, 0x1000, 5),
		rec.sys(nacl.SYS_sysbrk, 0),
		rec.sys(nacl.SYS_sysbrk, 0x30100),
		rec.sys(nacl.SYS_sysconf, nacl.SC_PAGESIZE, buf),
		rec.sys(nacl.SYS_sysconf, 99, buf),
		rec.sys(nacl.SYS_mutex_create),
		rec.sys(nacl.SYS_mutex_trylock, 0),
		rec.sys(nacl.SYS_mutex_trylock, 0),
		rec.sys(nacl.SYS_mutex_unlock, 0),
		rec.sys(nacl.SYS_mutex_unlock, 0),
		rec.sys(nacl.SYS_mutex_lock, 1),
		rec.sys(nacl.SYS_dup, 1),
		rec.sys(nacl.SYS_close, 2),
		rec.sys(nacl.SYS_close, 2),
		rec.sys(nacl.SYS_tls_init, 0x1234),
		rec.sys(nacl.SYS_tls_get),
		rec.sys(nacl.SYS_second_tls_set, 0x5678),
		rec.sys(nacl.SYS_second_tls_get),
		rec.sys(nacl.SYS_thread_create, retAddr+1, testSize-0x100, 0, 0),
		rec.sys(200),
		rec.sys(nacl.SYS_exit, 42),
	)}
	a := newLoaded(t, testOptions(fake))
	copy(mustBytes(t, a, buf, 5), "hello")
	a.Descriptors().Set(1, desc.NewHostIO(w, desc.WriteOnly))
	if _, err := a.CreateMainThread([]string{"prog"}, nil); err != nil {
		t.Fatalf("CreateMainThread failed: %v", err)
	}
	if got := a.WaitForMainThreadToExit(); got != 42 {
		t.Errorf("exit status = %d, want 42", got)
	}

	want := []int32{
		0,            // null
		5,            // write
		-nacl.EBADF,  // write to a closed descriptor
		-nacl.EFAULT, // write from unmapped memory
		0x30000,      // sysbrk(0)
		0x30100,      // sysbrk
		0,            // sysconf(PAGESIZE)
		-nacl.EINVAL, // sysconf(99)
		0,            // mutex_create
		0,            // trylock
		-nacl.EBUSY,  // trylock, held
		0,            // unlock
		-nacl.EPERM,  // unlock, not held
		-nacl.EINVAL, // mutex_lock on a file
		2,            // dup
		0,            // close
		-nacl.EBADF,  // close again
		0,            // tls_init
		0x1234,       // tls_get
		0,            // second_tls_set
		0x5678,       // second_tls_get
		-nacl.EFAULT, // thread_create at an unaligned pc
		-nacl.ENOSYS, // unknown
	}
	if diff := cmp.Diff(want, rec.rets); diff != "" {
		t.Errorf("syscall results mismatch (-want +got):\n%s", diff)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(out) != "hello" {
		t.Errorf("output = %q, want %q", out, "hello")
	}
}

func TestSyscallReturnAddress(t *testing.T) {
	var pcs []uint64
	fake := &platformtest.Fake{Run: platformtest.Script(
		platformtest.Syscall(nacl.SYS_null, func(c *platformtest.Context, ac *arch.Context) {
			push(c, ac, retAddr+5)
		}),
		platformtest.Syscall(nacl.SYS_exit, func(c *platformtest.Context, ac *arch.Context) {
			pcs = append(pcs, ac.IP())
			push(c, ac, retAddr, 0)
		}),
	)}
	a := newLoaded(t, testOptions(fake))
	if _, err := a.CreateMainThread(nil, nil); err != nil {
		t.Fatalf("CreateMainThread failed: %v", err)
	}
	a.WaitForMainThreadToExit()
	if diff := cmp.Diff([]uint64{retAddr}, pcs); diff != "" {
		t.Errorf("return pc mismatch (-want +got):\n%s", diff)
	}
}

// hooks records thread ids in order.
type hooks struct {
	mu     sync.Mutex
	events []string
}

func (h *hooks) ThreadCreated(tid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, fmt.Sprintf("create %d", tid))
}

func (h *hooks) ThreadExited(tid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, fmt.Sprintf("exit %d", tid))
}

func TestThreads(t *testing.T) {
	const childStack = testSize - 0x1000
	var mainRec, childRec recorder
	started := make(chan struct{})
	fake := &platformtest.Fake{Run: platformtest.PerContext(
		platformtest.Script(
			mainRec.sys(nacl.SYS_thread_create, retAddr, childStack, 0x100, 0x200),
			platformtest.Syscall(nacl.SYS_thread_exit, func(c *platformtest.Context, ac *arch.Context) {
				mainRec.rets = append(mainRec.rets, int32(ac.Return()))
				// Let the child run only once the main thread is leaving.
				close(started)
				push(c, ac, retAddr, testStack)
			}),
		),
		func(c *platformtest.Context, ac *arch.Context) (platform.Trap, error) {
			<-started
			return platformtest.Script(
				childRec.sys(nacl.SYS_tls_get),
				childRec.sys(nacl.SYS_second_tls_get),
				childRec.sys(nacl.SYS_exit, 9),
			)(c, ac)
		},
	)}
	a := newLoaded(t, testOptions(fake))
	h := &hooks{}
	a.SetThreadHooks(h)
	if _, err := a.CreateMainThread(nil, nil); err != nil {
		t.Fatalf("CreateMainThread failed: %v", err)
	}
	if got := a.WaitForMainThreadToExit(); got != 9 {
		t.Errorf("exit status = %d, want 9", got)
	}
	if diff := cmp.Diff([]int32{0}, mainRec.rets); diff != "" {
		t.Errorf("thread_create result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{0x100, 0x200}, childRec.rets); diff != "" {
		t.Errorf("child tls mismatch (-want +got):\n%s", diff)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) != 4 || h.events[0] != "create 1" {
		t.Errorf("thread events = %v, want the main thread first and 4 events", h.events)
	}
	if n := a.threads.Len(); n != 0 {
		t.Errorf("%d threads left in the table", n)
	}
}

// mustBytes returns writable memory of a loaded app, before any thread runs.
func mustBytes(t *testing.T, a *App, addr, n uint64) []byte {
	t.Helper()
	b, ok := a.userBytes(addr, n, addrspace.Write)
	if !ok {
		t.Fatalf("no writable memory at %#x", addr)
	}
	return b
}

func TestLastThreadExit(t *testing.T) {
	fake := &platformtest.Fake{Run: platformtest.Script(
		platformtest.Syscall(nacl.SYS_thread_exit, func(c *platformtest.Context, ac *arch.Context) {
			push(c, ac, retAddr, 0)
		}),
	)}
	a := newLoaded(t, testOptions(fake))
	if _, err := a.CreateMainThread(nil, nil); err != nil {
		t.Fatalf("CreateMainThread failed: %v", err)
	}
	if got := a.WaitForMainThreadToExit(); got != 0 {
		t.Errorf("exit status = %d, want 0", got)
	}
}

func TestPlatformError(t *testing.T) {
	fake := &platformtest.Fake{FailNewContext: unix.ENOMEM}
	a := newLoaded(t, testOptions(fake))

	// The signal stack, allocated after the TLS slot, is released first.
	var unmapped []bool
	unmapSignalStack = func(mem []byte) error {
		unmapped = append(unmapped, slotsInUse(a.tls) == 1)
		return unix.Munmap(mem)
	}
	defer func() { unmapSignalStack = unix.Munmap }()

	if _, err := a.CreateMainThread(nil, nil); err == nil {
		t.Fatalf("CreateMainThread succeeded without a context")
	}
	if n := a.live.Load(); n != 0 {
		t.Errorf("%d threads counted as live", n)
	}
	if diff := cmp.Diff([]bool{true}, unmapped); diff != "" {
		t.Errorf("signal stack release mismatch, true while the TLS slot is held (-want +got):\n%s", diff)
	}
	if n := slotsInUse(a.tls); n != 0 {
		t.Errorf("%d TLS slots still in use", n)
	}
	if n := a.threads.Len(); n != 0 {
		t.Errorf("%d threads registered", n)
	}
	if got := finish(a); got != 0 {
		t.Errorf("exit status = %d, want 0", got)
	}
}

func TestDebug(t *testing.T) {
	opts := testOptions(&platformtest.Fake{})
	opts.Debug = true
	a := newLoaded(t, opts)
	proc := a.DebugProcess()
	target := gdbrsp.NewTarget(proc)
	a.SetThreadHooks(target)
	if _, err := a.CreateMainThread(nil, nil); err != nil {
		t.Fatalf("CreateMainThread failed: %v", err)
	}

	text, err := proc.ReadMemory(nacl.TrampolineEnd, 2)
	if err != nil {
		t.Fatalf("ReadMemory failed: %v", err)
	}
	if !bytes.Equal(text, []byte{0x90, 0x90}) {
		t.Errorf("text = %x, want 9090", text)
	}
	if err := proc.WriteMemory(nacl.TrampolineEnd, []byte{0xcc}); err != nil {
		t.Fatalf("WriteMemory failed: %v", err)
	}
	if text, _ := proc.ReadMemory(nacl.TrampolineEnd, 1); text[0] != 0xcc {
		t.Errorf("text after write = %x, want cc", text)
	}
	if _, err := proc.ReadMemory(0, 4); err == nil {
		t.Errorf("ReadMemory of the NULL page succeeded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stop, err := proc.Resume(ctx, false, 0)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if want := (gdbrsp.Stop{Tid: 1, Signal: int(unix.SIGSEGV)}); stop != want {
		t.Errorf("stop = %+v, want %+v", stop, want)
	}
	regs, err := proc.Registers(1)
	if err != nil {
		t.Fatalf("Registers failed: %v", err)
	}
	if err := proc.SetRegisters(1, regs); err != nil {
		t.Errorf("SetRegisters failed: %v", err)
	}
	proc.Kill()
	if got, want := a.WaitForMainThreadToExit(), -int(unix.SIGKILL); got != want {
		t.Errorf("exit status = %d, want %d", got, want)
	}
}

func TestTable(t *testing.T) {
	tb := NewTable()
	var ths [3]*Thread
	for i := range ths {
		ths[i] = &Thread{}
		if n := tb.Add(ths[i]); n != i {
			t.Errorf("Add = %d, want %d", n, i)
		}
	}
	if left := tb.Remove(ths[1]); left != 2 {
		t.Errorf("Remove left %d threads, want 2", left)
	}
	if tb.Get(1) != nil {
		t.Errorf("Get(1) found a removed thread")
	}
	again := &Thread{}
	if n := tb.Add(again); n != 1 {
		t.Errorf("Add after Remove = %d, want the freed number 1", n)
	}
	if tb.Get(1) != again || again.Num() != 1 {
		t.Errorf("Get(1) = %p, want %p", tb.Get(1), again)
	}
	var seen []int
	tb.Visit(func(th *Thread) { seen = append(seen, th.Num()) })
	if diff := cmp.Diff([]int{0, 1, 2}, seen); diff != "" {
		t.Errorf("Visit order mismatch (-want +got):\n%s", diff)
	}
}

func slotsInUse(a *TLSAllocator) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, used := range a.used {
		if used {
			n++
		}
	}
	return n
}

// TestTableConcurrentRegistration looks threads up while they register
// themselves. A thread that can be found is fully set up.
func TestTableConcurrentRegistration(t *testing.T) {
	const threads = 16
	release := make(chan struct{})
	fake := &platformtest.Fake{Run: func(c *platformtest.Context, ac *arch.Context) (platform.Trap, error) {
		<-release
		return platformtest.Script(
			platformtest.Syscall(nacl.SYS_thread_exit, func(c *platformtest.Context, ac *arch.Context) {
				push(c, ac, retAddr, 0)
			}),
		)(c, ac)
	}}
	a := newLoaded(t, testOptions(fake))

	stop := make(chan struct{})
	observed := make(chan int)
	go func() {
		seen := make(map[*Thread]bool)
		for {
			select {
			case <-stop:
				observed <- len(seen)
				return
			default:
			}
			for n := 0; n < threads; n++ {
				th := a.threads.Get(n)
				if th == nil {
					continue
				}
				if got := th.Num(); got != n {
					t.Errorf("Get(%d) returned thread number %d", n, got)
				}
				if th.tlsIdx == 0 || th.pctx == nil || th.sigstack == nil {
					t.Errorf("Get(%d) returned an uninitialized thread", n)
				}
				seen[th] = true
			}
		}
	}()

	for i := 0; i < threads; i++ {
		sp := uint64(testSize - 0x100*(i+1))
		if _, err := a.CreateContext(nacl.TrampolineEnd, sp, 0); err != nil {
			t.Fatalf("CreateContext %d failed: %v", i, err)
		}
	}
	deadline := time.Now().Add(10 * time.Second)
	for a.threads.Len() != threads {
		if time.Now().After(deadline) {
			t.Fatalf("%d of %d threads registered", a.threads.Len(), threads)
		}
		time.Sleep(time.Millisecond)
	}
	close(stop)
	if n := <-observed; n != threads {
		t.Errorf("observed %d threads, want %d", n, threads)
	}

	// The last thread to leave sets the exit status.
	close(release)
	select {
	case <-a.Exited():
	case <-time.After(10 * time.Second):
		t.Fatalf("threads did not exit")
	}
	if got := a.WaitForMainThreadToExit(); got != 0 {
		t.Errorf("exit status = %d, want 0", got)
	}
	if n := a.threads.Len(); n != 0 {
		t.Errorf("%d threads left in the table", n)
	}
}

func TestTLSAllocator(t *testing.T) {
	a := NewTLSAllocator(3)
	first, err := a.Allocate()
	if err != nil || first == 0 {
		t.Fatalf("Allocate = %d, %v; want a non-zero slot", first, err)
	}
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("second Allocate failed: %v", err)
	}
	if _, err := a.Allocate(); err != ErrTLSExhausted {
		t.Errorf("Allocate on a full allocator = %v, want %v", err, ErrTLSExhausted)
	}
	a.Free(first)
	if got, err := a.Allocate(); err != nil || got != first {
		t.Errorf("Allocate after Free = %d, %v; want %d", got, err, first)
	}
}

func TestQualify(t *testing.T) {
	noLM := cpuid.FixedFeatureSet()
	noLM.Remove(cpuid.LM)
	for _, tc := range []struct {
		name string
		opts func(*Options)
		want nacl.Status
	}{
		{name: "ok", opts: func(*Options) {}, want: nacl.LoadOK},
		{name: "no platform", opts: func(o *Options) { o.Platform = nil }, want: nacl.LoadUnsupportedOS},
		{
			name: "no long mode",
			opts: func(o *Options) {
				o.Mode = opcode.Mode64
				o.Features = noLM
			},
			want: nacl.LoadCpuNotSupported,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions(&platformtest.Fake{})
			tc.opts(&opts)
			a := New(opts)
			err := a.Qualify()
			if got := nacl.StatusOf(err); got != tc.want {
				t.Fatalf("Qualify() = %v, want status %v", err, tc.want)
			}
			if tc.want == nacl.LoadOK {
				if got := a.Status(); got != nacl.LoadStatusUnknown {
					t.Errorf("Status() after a passing Qualify = %v, want %v", got, nacl.LoadStatusUnknown)
				}
				return
			}
			if got := a.Status(); got != tc.want {
				t.Errorf("Status() = %v, want %v", got, tc.want)
			}
			if err := a.StartModule(); nacl.StatusOf(err) != tc.want {
				t.Errorf("StartModule() = %v, want status %v", err, tc.want)
			}
		})
	}
}
