package vcpu

import (
	"fmt"

	"github.com/tinyrange/kmon/internal/hv"
)

// CloneThreadParams carries the subset of the guest's clone(2) argument
// register file a new guest thread needs: child stack pointer, TLS base
// (set via the backend's segment registers, not a hypercall), and the
// set_child_tid/clear_child_tid addresses. CloneThread uses only
// ChildStack and TLSBase: it does not write the new tid to SetChildTID,
// and nothing clears ClearChildTID or wakes a futex on it at thread exit.
type CloneThreadParams struct {
	ChildStack  uint64
	TLSBase     uint64
	SetChildTID uint64 // guest VA to write the new thread's tid into (CLONE_CHILD_SETTID)
	ClearChildTID uint64 // guest VA cleared (and futex-woken) on thread exit (CLONE_CHILD_CLEARTID)
}

// CloneThread implements the CLONE_THREAD path of the guest's clone(2)
// hypercall: a brand new VCPU sharing the same address space (every
// backend VCPU created against the same VM already does, since guest
// memory is installed once at VM creation), seeded with the parent's
// register file except for the stack pointer, return value, and TLS
// segment base.
//
// It does not start the new VCPU's run loop; the caller (internal/monitor's
// hcClone) does that once it has also registered the new VCPU with
// internal/ksignal.Manager.RegisterVCPU.
func (s *Scheduler) CloneThread(parent *VCPU, p CloneThreadParams) (*VCPU, error) {
	child, err := s.Get()
	if err != nil {
		return nil, fmt.Errorf("vcpu: clone: allocate child vcpu: %w", err)
	}

	parentRegs, err := parent.hv.GetRegs()
	if err != nil {
		return nil, fmt.Errorf("vcpu: clone: read parent regs: %w", err)
	}
	parentSregs, err := parent.hv.GetSregs()
	if err != nil {
		return nil, fmt.Errorf("vcpu: clone: read parent sregs: %w", err)
	}

	childRegs := *parentRegs
	childRegs.RSP = p.ChildStack
	childRegs.RAX = 0 // clone returns 0 in the child, per the syscall ABI

	childSregs := *parentSregs
	childSregs.FS.Base = p.TLSBase

	if err := child.hv.SetRegs(&childRegs); err != nil {
		return nil, fmt.Errorf("vcpu: clone: set child regs: %w", err)
	}
	if err := child.hv.SetSregs(&childSregs); err != nil {
		return nil, fmt.Errorf("vcpu: clone: set child sregs: %w", err)
	}

	return child, nil
}

// ForkSnapshot captures the register state a CLONE_VM-less fork (plain
// fork, vfork, or a bare clone() without CLONE_THREAD) child would resume
// with: v's register file with RAX forced to 0, same as the thread-clone
// path. Unlike CloneThread it creates no VCPU. Only its test calls it:
// the guest's fork hypercall returns ENOSYS and nothing in this tree
// calls internal/procfork.Fork.
func ForkSnapshot(v *VCPU) (hv.Regs, error) {
	regs, err := v.hv.GetRegs()
	if err != nil {
		return hv.Regs{}, fmt.Errorf("vcpu: fork snapshot: %w", err)
	}
	r := *regs
	r.RAX = 0
	return r, nil
}
