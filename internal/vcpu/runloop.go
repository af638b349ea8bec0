package vcpu

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/tinyrange/kmon/internal/hcall"
	"github.com/tinyrange/kmon/internal/hcall/syscallnum"
	"github.com/tinyrange/kmon/internal/hv"
	"github.com/tinyrange/kmon/internal/ksignal"
	"golang.org/x/sys/unix"
)

// GuestMemory is the view of guest memory the run loop needs: translating
// a guest address into a host-visible slice, the same contract
// internal/memory.AddressSpace and internal/ksignal.GuestMemory share.
type GuestMemory interface {
	GVAToKMA(addr uint64, size uint64) ([]byte, error)
}

// RunLoop drives every VCPU's hv.VCPU.Run/decode/dispatch cycle. One
// RunLoop is shared by every VCPU of a guest; Run is called once per VCPU,
// each from its own goroutine.
type RunLoop struct {
	Hcalls  *hcall.Table
	Signals *ksignal.Manager
	Mem     GuestMemory

	// OnExit is called from a VCPU's run loop goroutine when its guest
	// thread halts (an HLT exit). It lets internal/monitor track how many
	// guest threads remain alive.
	OnExit func(v *VCPU)
}

// argsSize is sizeof(HcArgs): six uint64 arguments, a return value, and an
// errno.
const argsSize = 8 * 8

// Run executes v's guest thread until it halts or hits an unrecoverable
// hardware exit. It locks the calling goroutine to its OS thread for the
// whole call, since KVM (and every other backend in this tree) requires a
// VCPU's ioctls to come from a single thread.
func (r *RunLoop) Run(v *VCPU) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if binder, ok := v.hv.(hv.OSThreadBinder); ok {
		binder.SetOSThread(unix.Gettid())
	}

	ctx := &vcpuContext{rl: r, v: v}

	for {
		v.checkpoint()

		if err := r.deliverSignals(ctx, v); err != nil {
			return err
		}

		v.setState(StateInGuest)
		reason, err := v.hv.Run()
		if err != nil {
			return fmt.Errorf("vcpu %d: run: %w", v.id, err)
		}

		switch reason {
		case hv.ExitIntr:
			continue
		case hv.ExitHLT:
			if r.OnExit != nil {
				r.OnExit(v)
			}
			return nil
		case hv.ExitShutdown:
			if err := r.deliverFault(v, ksignal.Info{Signal: ksignal.SIGSEGV, Code: siKernel, Sender: v.id}); err != nil {
				return fmt.Errorf("vcpu %d: guest shutdown (triple fault): %w", v.id, err)
			}
		case hv.ExitFailEntry, hv.ExitInternalError:
			info := ksignal.Info{Signal: ksignal.SIGBUS, Code: siKernel, Sender: v.id}
			if err := r.deliverFault(v, info); err != nil {
				return fmt.Errorf("vcpu %d: hardware exit %s, code %#x: %w", v.id, reason, v.hv.FailReason(), err)
			}
		case hv.ExitException:
			if err := r.handleException(v); err != nil {
				return err
			}
		case hv.ExitDebug:
			v.ParkForDebug()
		case hv.ExitIO:
			v.setState(StateHypercall)
			if err := r.handleIO(ctx, v); err != nil {
				return err
			}
		case hv.ExitMMIO:
			v.setState(StateHypercall)
			if err := r.handleMMIO(ctx, v); err != nil {
				return err
			}
		default:
			return fmt.Errorf("vcpu %d: unexpected exit reason %s", v.id, reason)
		}
	}
}

func (r *RunLoop) handleIO(ctx *vcpuContext, v *VCPU) error {
	io, err := v.hv.DecodeIO()
	if err != nil {
		return fmt.Errorf("vcpu %d: decode io exit: %w", v.id, err)
	}
	if io.Port < hcall.PortBase || len(io.Data) < 4 {
		return nil // not a hypercall port; ignore (no legacy PIO devices modeled)
	}
	n := syscallnum.Number(io.Port - hcall.PortBase)
	argsAddr := uint64(binary.LittleEndian.Uint32(io.Data))

	if n == syscallnum.RtSigreturn {
		return r.handleSigreturn(v, argsAddr)
	}

	raw, err := r.Mem.GVAToKMA(argsAddr, argsSize)
	if err != nil {
		return fmt.Errorf("vcpu %d: hypercall %s: args unreadable: %w", v.id, n, err)
	}
	var args hcall.Args
	decodeArgs(raw, &args)

	if err := r.Hcalls.Dispatch(ctx, n, &args); err != nil {
		return fmt.Errorf("vcpu %d: hypercall %s: %w", v.id, n, err)
	}
	encodeArgs(raw, &args)

	return r.syncAfterHypercall(v)
}

// No MMIO-backed devices are modeled; any MMIO exit reaching handleMMIO
// means the guest touched a GVA outside every installed region — a stray
// reference, delivered to the guest as a synchronous SIGSEGV with
// si_addr set to the faulting address.
func (r *RunLoop) handleMMIO(ctx *vcpuContext, v *VCPU) error {
	m, err := v.hv.DecodeMMIO()
	if err != nil {
		return fmt.Errorf("vcpu %d: decode mmio exit: %w", v.id, err)
	}
	info := ksignal.Info{Signal: ksignal.SIGSEGV, Code: segvMapErr, Addr: m.PhysAddr, Sender: v.id}
	if err := r.deliverFault(v, info); err != nil {
		return fmt.Errorf("vcpu %d: stray reference at %#x: %w", v.id, m.PhysAddr, err)
	}
	return nil
}

// handleException decodes a guest CPU exception VM-exit and delivers the
// mapped signal synchronously, per the #DE/#UD/#GP/#PF -> SIGFPE/SIGILL/
// SIGSEGV mapping every x86-64 libc assumes.
func (r *RunLoop) handleException(v *VCPU) error {
	fault, err := v.hv.DecodeFault()
	if err != nil {
		return fmt.Errorf("vcpu %d: decode exception exit: %w", v.id, err)
	}
	var sig ksignal.Number
	switch fault.Vector {
	case hv.VectorDE:
		sig = ksignal.SIGFPE
	case hv.VectorUD:
		sig = ksignal.SIGILL
	case hv.VectorPF:
		sig = ksignal.SIGSEGV
	default:
		sig = ksignal.SIGSEGV // VectorGP and anything else: no privileged-instruction model, treat as a protection fault
	}
	info := ksignal.Info{Signal: sig, Code: segvMapErr, Addr: fault.Addr, Sender: v.id}
	if err := r.deliverFault(v, info); err != nil {
		return fmt.Errorf("vcpu %d: exception vector %d: %w", v.id, fault.Vector, err)
	}
	return nil
}

// siKernel and segvMapErr mirror the SI_KERNEL/SEGV_MAPERR si_code values
// the reference monitor fills in for faults it synthesizes itself rather
// than forwards from a real hardware trap.
const (
	siKernel   int32 = 0x80
	segvMapErr int32 = 1
)

// deliverFault posts a synchronous fault signal and, if deliverable,
// redirects the VCPU's registers to the handler exactly like
// deliverSignals does for an asynchronously queued one. If the signal is
// blocked, ignored, or has no handler installed, the guest is
// unrecoverable and the run loop must terminate it (the caller wraps this
// error with exit-specific context).
func (r *RunLoop) deliverFault(v *VCPU, info ksignal.Info) error {
	action, err := r.Signals.DeliverSynchronous(v.id, info)
	if err != nil {
		return err
	}
	if action.IsDefault() {
		return fmt.Errorf("terminated by signal %d", info.Signal)
	}

	regs, err := v.hv.GetRegs()
	if err != nil {
		return fmt.Errorf("get regs: %w", err)
	}
	savedMask, err := r.Signals.EnterHandler(v.id, info, action)
	if err != nil {
		return err
	}
	newRegs, err := r.Signals.BuildDeliveryFrame(r.Mem, v.id, *regs, savedMask, info, action)
	if err != nil {
		return fmt.Errorf("build frame: %w", err)
	}
	return v.hv.SetRegs(&newRegs)
}

// handleSigreturn restores the full register file from the signal frame
// the guest's restorer trampoline popped, bypassing the normal
// Args.Ret/Errno hypercall return convention entirely — rt_sigreturn
// doesn't return to its caller in the usual sense, it replaces it.
func (r *RunLoop) handleSigreturn(v *VCPU, frameAddr uint64) error {
	regs, mask, err := ksignal.ParseFrame(r.Mem, frameAddr)
	if err != nil {
		return fmt.Errorf("vcpu %d: rt_sigreturn: %w", v.id, err)
	}
	if err := r.Signals.Sigreturn(v.id, mask); err != nil {
		return fmt.Errorf("vcpu %d: rt_sigreturn: %w", v.id, err)
	}
	if err := v.hv.SetRegs(&regs); err != nil {
		return fmt.Errorf("vcpu %d: rt_sigreturn: restore regs: %w", v.id, err)
	}
	return v.hv.SyncRIP()
}

// syncAfterHypercall forces the backend to resynchronize its cached RIP so
// the next Run() resumes after the OUT instruction rather than re-issuing
// it, on backends where a bare hypercall exit doesn't already advance RIP.
func (r *RunLoop) syncAfterHypercall(v *VCPU) error {
	return v.hv.SyncRIP()
}

// deliverSignals checks for a deliverable pending signal and, if one is
// found, builds a signal frame and redirects the VCPU's registers to the
// handler before it re-enters the guest.
func (r *RunLoop) deliverSignals(ctx *vcpuContext, v *VCPU) error {
	info, action, ok, err := r.Signals.NextDeliverable(v.id)
	if err != nil {
		return fmt.Errorf("vcpu %d: signal delivery: %w", v.id, err)
	}
	if !ok {
		return nil
	}
	if action.IsIgnored() {
		return nil
	}
	if action.IsDefault() {
		return fmt.Errorf("vcpu %d: terminated by signal %d", v.id, info.Signal)
	}

	regs, err := v.hv.GetRegs()
	if err != nil {
		return fmt.Errorf("vcpu %d: signal delivery: get regs: %w", v.id, err)
	}
	savedMask, err := r.Signals.EnterHandler(v.id, info, action)
	if err != nil {
		return fmt.Errorf("vcpu %d: signal delivery: %w", v.id, err)
	}
	newRegs, err := r.Signals.BuildDeliveryFrame(r.Mem, v.id, *regs, savedMask, info, action)
	if err != nil {
		return fmt.Errorf("vcpu %d: signal delivery: build frame: %w", v.id, err)
	}
	if err := v.hv.SetRegs(&newRegs); err != nil {
		return fmt.Errorf("vcpu %d: signal delivery: set regs: %w", v.id, err)
	}
	return nil
}

func decodeArgs(raw []byte, a *hcall.Args) {
	a.Arg1 = binary.LittleEndian.Uint64(raw[0:])
	a.Arg2 = binary.LittleEndian.Uint64(raw[8:])
	a.Arg3 = binary.LittleEndian.Uint64(raw[16:])
	a.Arg4 = binary.LittleEndian.Uint64(raw[24:])
	a.Arg5 = binary.LittleEndian.Uint64(raw[32:])
	a.Arg6 = binary.LittleEndian.Uint64(raw[40:])
	a.Ret = binary.LittleEndian.Uint64(raw[48:])
	a.Errno = binary.LittleEndian.Uint64(raw[56:])
}

func encodeArgs(raw []byte, a *hcall.Args) {
	binary.LittleEndian.PutUint64(raw[48:], a.Ret)
	binary.LittleEndian.PutUint64(raw[56:], a.Errno)
}

// vcpuContext implements hcall.Context for one VCPU's run loop.
type vcpuContext struct {
	rl *RunLoop
	v  *VCPU
}

func (c *vcpuContext) VCPUID() int { return c.v.id }

func (c *vcpuContext) GVAToKMA(addr uint64, size uint64) ([]byte, error) {
	return c.rl.Mem.GVAToKMA(addr, size)
}
