//go:build linux && amd64

package factory

import (
	"github.com/tinyrange/kmon/internal/hv"
	"github.com/tinyrange/kmon/internal/hv/kvm"
)

// Open selects the host's hardware-virtualization backend. On Linux/amd64
// that is always KVM: this monitor only runs x86-64 payloads, and KVM is
// the one backend in this tree with a publicly documented ioctl ABI.
//
// It also installs the no-op handler for SIGVCPUSTOP, the reserved
// real-time signal RequestImmediateExit uses to break a VCPU's owning
// thread out of a blocking KVM_RUN. This must happen before any VCPU
// goroutine calls Run, so it's done once here rather than per-VCPU.
func Open() (hv.Driver, error) {
	kvm.InstallStopSignalHandler()
	return kvm.Open()
}
