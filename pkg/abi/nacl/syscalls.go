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

package nacl

// Syscall numbers. The trampoline for syscall N lives at SyscallAddr(N).
const (
	SYS_null                = 1
	SYS_nameservice         = 2
	SYS_dup                 = 8
	SYS_dup2                = 9
	SYS_open                = 10
	SYS_close               = 11
	SYS_read                = 12
	SYS_write               = 13
	SYS_lseek               = 14
	SYS_ioctl               = 15
	SYS_stat                = 16
	SYS_fstat               = 17
	SYS_chmod               = 18
	SYS_sysbrk              = 20
	SYS_mmap                = 21
	SYS_munmap              = 22
	SYS_getdents            = 23
	SYS_exit                = 30
	SYS_getpid              = 31
	SYS_sched_yield         = 32
	SYS_sysconf             = 33
	SYS_gettimeofday        = 40
	SYS_clock               = 41
	SYS_nanosleep           = 42
	SYS_imc_makeboundsock   = 60
	SYS_imc_accept          = 61
	SYS_imc_connect         = 62
	SYS_imc_sendmsg         = 63
	SYS_imc_recvmsg         = 64
	SYS_imc_mem_obj_create  = 65
	SYS_imc_socketpair      = 66
	SYS_mutex_create        = 70
	SYS_mutex_lock          = 71
	SYS_mutex_trylock       = 72
	SYS_mutex_unlock        = 73
	SYS_cond_create         = 74
	SYS_cond_wait           = 75
	SYS_cond_signal         = 76
	SYS_cond_broadcast      = 77
	SYS_cond_timed_wait_abs = 79
	SYS_thread_create       = 80
	SYS_thread_exit         = 81
	SYS_tls_init            = 82
	SYS_thread_nice         = 83
	SYS_tls_get             = 84
	SYS_second_tls_set      = 85
	SYS_second_tls_get      = 86

	// MaxSyscalls is the number of trampoline slots.
	MaxSyscalls = (TrampolineEnd - TrampolineStart) >> TrampolineSlotShift
)

// sysconf names.
const (
	SC_NPROCESSORS_ONLN = 1
	SC_PAGESIZE         = 2
)

// Errno values returned (negated) by syscalls.
const (
	EPERM     = 1
	ENOENT    = 2
	EIO       = 5
	EBADF     = 9
	EAGAIN    = 11
	ENOMEM    = 12
	EACCES    = 13
	EFAULT    = 14
	EBUSY     = 16
	EINVAL    = 22
	EMFILE    = 24
	ENOSYS    = 38
	ETIMEDOUT = 110
)
