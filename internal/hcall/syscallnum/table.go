// Package syscallnum names the hypercall numbers this monitor accepts.
// Below Private, a hypercall number is identical to the Linux x86-64
// syscall number of the same operation — a payload's libc issues
// hypercalls through the same `syscall(2, ...)` calling convention it
// already has for real syscalls, it just traps into the monitor instead
// of the kernel. Above Private, a handful of monitor-specific operations
// (snapshot, dlopen, guest-interrupt-return, self-unmap) have no Linux
// equivalent and are numbered out of that range so they can never collide
// with a future Linux syscall number.
package syscallnum

import "fmt"

type Number int

// Linux x86-64 syscall numbers this package names. Not exhaustive, and
// internal/monitor registers handlers for only a subset of them; a number
// with no registered handler gets ENOSYS from hcall.Table.Dispatch.
const (
	Read          Number = 0
	Write         Number = 1
	Open          Number = 2
	Close         Number = 3
	Stat          Number = 4
	Fstat         Number = 5
	Lstat         Number = 6
	Poll          Number = 7
	Lseek         Number = 8
	Mmap          Number = 9
	Mprotect      Number = 10
	Munmap        Number = 11
	Brk           Number = 12
	RtSigaction   Number = 13
	RtSigprocmask Number = 14
	RtSigreturn   Number = 15
	Ioctl         Number = 16
	Pread64       Number = 17
	Pwrite64      Number = 18
	Readv         Number = 19
	Writev        Number = 20
	Access        Number = 21
	Pipe          Number = 22
	Dup           Number = 32
	Dup2          Number = 33
	Nanosleep     Number = 35
	Getpid        Number = 39
	Socket        Number = 41
	Clone         Number = 56
	Fork          Number = 57
	Execve        Number = 59
	Exit          Number = 60
	Wait4         Number = 61
	Kill          Number = 62
	Uname         Number = 63
	Fcntl         Number = 72
	Getcwd        Number = 79
	Mkdir         Number = 83
	Unlink        Number = 87
	Readlink      Number = 89
	Gettimeofday  Number = 96
	GetRLimit     Number = 97
	Sysinfo       Number = 99
	GetUID        Number = 102
	SigAltStack   Number = 131
	Mremap        Number = 25
	Madvise       Number = 28
	Msync         Number = 26
	ArchPrctl     Number = 158
	SetTidAddress Number = 218
	ClockGetTime  Number = 228
	ExitGroup     Number = 231
	TgKill        Number = 234
	OpenAt        Number = 257
)

// Private is the base of monitor-specific hypercalls that have no Linux
// syscall equivalent.
const Private Number = 0x10000

const (
	HCSnapshot             Number = Private + iota // capture a running guest to a snapshot file
	HCDlopen                                       // resolve a host dynamic symbol into the guest's address space
	HCGuestInterruptReturn                         // return from a monitor-injected interrupt handler
	HCUnmapSelf                                    // unmap the calling thread's own stack (deferred to its VCPU's exit path)
)

var names = map[Number]string{
	Read: "read", Write: "write", Open: "open", Close: "close",
	Mmap: "mmap", Mprotect: "mprotect", Munmap: "munmap", Brk: "brk",
	RtSigaction: "rt_sigaction", RtSigprocmask: "rt_sigprocmask", RtSigreturn: "rt_sigreturn",
	Clone: "clone", Fork: "fork", Execve: "execve", Exit: "exit", ExitGroup: "exit_group",
	Kill: "kill", TgKill: "tgkill", SigAltStack: "sigaltstack", Nanosleep: "nanosleep",
	HCSnapshot: "km_hc_snapshot", HCDlopen: "km_hc_dlopen",
	HCGuestInterruptReturn: "km_hc_guest_interrupt_return", HCUnmapSelf: "km_hc_unmap_self",
}

func (n Number) String() string {
	if s, ok := names[n]; ok {
		return s
	}
	return fmt.Sprintf("hcall(%d)", int(n))
}

func (n Number) IsPrivate() bool { return n >= Private }
