//go:build linux

package kvm

import (
	"golang.org/x/sys/unix"
)

// ioctl request codes, named after the kernel's KVM_* macros. Values are
// taken from the stable /dev/kvm ABI (linux/kvm.h); they never change once
// published, so hard-coding them here is the same thing the kernel's own
// userspace consumers do.
const (
	kvmGetAPIVersion       = 0xae00
	kvmCreateVM            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVCPUMmapSize     = 0xae04
	kvmGetSupportedCPUID   = 0xc008ae05
	kvmCreateVCPU          = 0xae41
	kvmSetTSSAddr          = 0xae47
	kvmRun                 = 0xae80
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetXcrs             = 0x8188aea6
	kvmSetXcrs             = 0x4188aea7
	kvmSetCPUID2           = 0x4008ae90
	kvmGetFPU              = 0x81a0ae8c
	kvmSetFPU              = 0x41a0ae8d
	kvmIRQLine             = 0x4008ae61
	kvmCreateIRQChip       = 0xae60
)

// extension bits used with kvmCheckExtension.
const (
	kvmCapUserMemory = 3
	kvmCapSetTSSAddr = 4
	kvmCapNrVCPUs    = 9
	kvmCapMaxVCPUs   = 66
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if errno != 0 {
		return 0, errno
	}
	return v, nil
}

// ioctlRetry retries the ioctl on EINTR, the same way every other backend
// in this tree does: KVM_RUN and friends can be interrupted by a delivered
// host signal and the kernel expects userspace to just try again unless it
// specifically wants to observe the interruption (VCPU.Run handles that
// case itself rather than going through this helper).
func ioctlRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v, err
	}
}

func ioctlSimple(fd int, request uint64) (int, error) {
	v, err := ioctlRetry(uintptr(fd), request, 0)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}
