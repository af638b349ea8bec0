package monitor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/kmon/internal/fs"
	"github.com/tinyrange/kmon/internal/hcall"
	"github.com/tinyrange/kmon/internal/hcall/syscallnum"
	"github.com/tinyrange/kmon/internal/hv"
	"github.com/tinyrange/kmon/internal/ksignal"
	"github.com/tinyrange/kmon/internal/memory"
	"github.com/tinyrange/kmon/internal/vcpu"
)

// Guest-ABI PROT_*/MAP_* bit values, as the payload's libc encodes them in
// Args. PROT_READ/WRITE/EXEC happen to share memory.Protection's bit
// positions, but the MAP_* bits don't line up with memory.MapFlags, so
// they get translated explicitly rather than reinterpreted in place.
const (
	linuxProtRead  = 0x1
	linuxProtWrite = 0x2
	linuxProtExec  = 0x4

	linuxMapShared         = 0x01
	linuxMapPrivate        = 0x02
	linuxMapFixed          = 0x10
	linuxMapAnonymous      = 0x20
	linuxMapFixedNoReplace = 0x100000

	linuxMremapMaymove = 0x1

	linuxMadvNormal   = 0
	linuxMadvRandom   = 1
	linuxMadvSeq      = 2
	linuxMadvWillNeed = 3
	linuxMadvDontNeed = 4
)

const errnoOK = 0

func translateProt(p uint64) memory.Protection {
	var out memory.Protection
	if p&linuxProtRead != 0 {
		out |= memory.ProtRead
	}
	if p&linuxProtWrite != 0 {
		out |= memory.ProtWrite
	}
	if p&linuxProtExec != 0 {
		out |= memory.ProtExec
	}
	return out
}

// translateAdvice maps a guest MADV_* value to memory.Advice. Values this
// engine has no distinct behavior for (MADV_NORMAL, MADV_RANDOM,
// MADV_SEQUENTIAL, ...) all fold to AdviseNormal, which Madvise treats as
// a validated no-op.
func translateAdvice(a uint64) memory.Advice {
	switch a {
	case linuxMadvDontNeed:
		return memory.AdviseDontNeed
	case linuxMadvWillNeed:
		return memory.AdviseWillNeed
	default:
		return memory.AdviseNormal
	}
}

func translateMapFlags(f uint64) memory.MapFlags {
	var out memory.MapFlags
	if f&linuxMapShared != 0 {
		out |= memory.MapShared
	}
	if f&linuxMapPrivate != 0 {
		out |= memory.MapPrivate
	}
	if f&linuxMapFixed != 0 {
		out |= memory.MapFixed
	}
	if f&linuxMapAnonymous != 0 {
		out |= memory.MapAnonymous
	}
	if f&linuxMapFixedNoReplace != 0 {
		out |= memory.MapFixedNoreplace
	}
	return out
}

// registerHcalls installs every hypercall handler the monitor supports.
// Handlers close over m rather than taking it as a Context method, since
// hcall.Context only exposes the narrow per-call surface (VCPUID,
// GVAToKMA) the run loop itself needs — everything else a handler touches
// (mmap engine, signal manager, scheduler, fd table) belongs to the
// monitor, not to one hypercall.
func (m *Monitor) registerHcalls() {
	m.Hcall.Register(syscallnum.Mmap, m.hcMmap)
	m.Hcall.Register(syscallnum.Munmap, m.hcMunmap)
	m.Hcall.Register(syscallnum.Mprotect, m.hcMprotect)
	m.Hcall.Register(syscallnum.Brk, m.hcBrk)
	m.Hcall.Register(syscallnum.Mremap, m.hcMremap)
	m.Hcall.Register(syscallnum.Madvise, m.hcMadvise)
	m.Hcall.Register(syscallnum.Msync, m.hcMsync)

	m.Hcall.Register(syscallnum.RtSigaction, m.hcRtSigaction)
	m.Hcall.Register(syscallnum.RtSigprocmask, m.hcRtSigprocmask)
	m.Hcall.Register(syscallnum.SigAltStack, m.hcSigAltStack)

	m.Hcall.Register(syscallnum.Kill, m.hcKill)
	m.Hcall.Register(syscallnum.TgKill, m.hcTgKill)

	m.Hcall.Register(syscallnum.Clone, m.hcClone)
	m.Hcall.Register(syscallnum.Fork, m.hcFork)
	m.Hcall.Register(syscallnum.Exit, m.hcExit)
	m.Hcall.Register(syscallnum.ExitGroup, m.hcExitGroup)

	m.Hcall.Register(syscallnum.Read, m.hcRead)
	m.Hcall.Register(syscallnum.Write, m.hcWrite)
	m.Hcall.Register(syscallnum.Close, m.hcClose)

	m.Hcall.Register(syscallnum.HCDlopen, m.hcDlopen)
	m.Hcall.Register(syscallnum.HCUnmapSelf, m.hcUnmapSelf)
}

func (m *Monitor) hcMmap(ctx hcall.Context, args *hcall.Args) error {
	// File-backed mmap (Arg5, a guest fd) is not wired to the mmap engine:
	// the filename passed is always empty, so only MAP_ANONYMOUS requests
	// succeed and a mapping without MAP_ANONYMOUS is rejected with EINVAL.
	addr, err := m.MMap.Mmap(args.Arg1, args.Arg2, translateProt(args.Arg3), translateMapFlags(args.Arg4), "", int64(args.Arg6))
	if err != nil {
		args.Ret = ^uint64(0)
		args.Errno = errnoFor(err)
		return nil
	}
	args.Ret = addr
	args.Errno = errnoOK
	return nil
}

func (m *Monitor) hcMunmap(ctx hcall.Context, args *hcall.Args) error {
	if err := m.MMap.Munmap(args.Arg1, args.Arg2); err != nil {
		args.Ret = ^uint64(0)
		args.Errno = errnoFor(err)
		return nil
	}
	args.Ret, args.Errno = 0, errnoOK
	return nil
}

func (m *Monitor) hcMprotect(ctx hcall.Context, args *hcall.Args) error {
	if err := m.MMap.Mprotect(args.Arg1, args.Arg2, translateProt(args.Arg3)); err != nil {
		args.Ret = ^uint64(0)
		args.Errno = errnoFor(err)
		return nil
	}
	args.Ret, args.Errno = 0, errnoOK
	return nil
}

func (m *Monitor) hcBrk(ctx hcall.Context, args *hcall.Args) error {
	if args.Arg1 == 0 {
		// Arg1 == 0 is brk(2)'s query form: report the current break
		// without attempting to grow anything.
		args.Ret = m.AS.BottomBrk()
		args.Errno = errnoOK
		return nil
	}
	if _, err := m.MMap.Brk(args.Arg1); err != nil {
		// brk(2) never fails onto errno in the guest ABI: a rejected
		// request just returns the unchanged current value.
		args.Ret = m.AS.BottomBrk()
		args.Errno = errnoOK
		return nil
	}
	args.Ret = args.Arg1
	args.Errno = errnoOK
	return nil
}

func (m *Monitor) hcMremap(ctx hcall.Context, args *hcall.Args) error {
	mayMove := args.Arg4&linuxMremapMaymove != 0
	addr, err := m.MMap.Remap(args.Arg1, args.Arg2, args.Arg3, mayMove)
	if err != nil {
		args.Ret = ^uint64(0)
		args.Errno = errnoFor(err)
		return nil
	}
	args.Ret = addr
	args.Errno = errnoOK
	return nil
}

func (m *Monitor) hcMadvise(ctx hcall.Context, args *hcall.Args) error {
	if err := m.MMap.Madvise(args.Arg1, args.Arg2, translateAdvice(args.Arg3)); err != nil {
		args.Ret = ^uint64(0)
		args.Errno = errnoFor(err)
		return nil
	}
	args.Ret, args.Errno = 0, errnoOK
	return nil
}

func (m *Monitor) hcMsync(ctx hcall.Context, args *hcall.Args) error {
	if err := m.MMap.Msync(args.Arg1, args.Arg2); err != nil {
		args.Ret = ^uint64(0)
		args.Errno = errnoFor(err)
		return nil
	}
	args.Ret, args.Errno = 0, errnoOK
	return nil
}

func (m *Monitor) hcRtSigaction(ctx hcall.Context, args *hcall.Args) error {
	sig := ksignal.Number(args.Arg1)
	var newAct ksignal.Action
	if args.Arg2 != 0 {
		raw, err := ctx.GVAToKMA(args.Arg2, 32)
		if err != nil {
			args.Errno = errnoFor(err)
			return nil
		}
		newAct = decodeSigaction(raw)
	} else {
		old, _ := m.Sig.Table().Get(sig)
		if args.Arg3 != 0 {
			writeSigaction(ctx, args.Arg3, old)
		}
		args.Ret, args.Errno = 0, errnoOK
		return nil
	}
	old, err := m.Sig.Table().Set(sig, newAct)
	if err != nil {
		args.Errno = errnoFor(err)
		return nil
	}
	if args.Arg3 != 0 {
		writeSigaction(ctx, args.Arg3, old)
	}
	args.Ret, args.Errno = 0, errnoOK
	return nil
}

func decodeSigaction(raw []byte) ksignal.Action {
	return ksignal.Action{
		Handler:  uintptr(leU64(raw[0:])),
		Flags:    leU64(raw[8:]),
		Restorer: uintptr(leU64(raw[16:])),
		Mask:     leU64(raw[24:]),
	}
}

func writeSigaction(ctx hcall.Context, addr uint64, a ksignal.Action) {
	raw, err := ctx.GVAToKMA(addr, 32)
	if err != nil {
		return
	}
	putU64(raw[0:], uint64(a.Handler))
	putU64(raw[8:], a.Flags)
	putU64(raw[16:], uint64(a.Restorer))
	putU64(raw[24:], a.Mask)
}

func (m *Monitor) hcRtSigprocmask(ctx hcall.Context, args *hcall.Args) error {
	mode := ksignal.MaskMode(args.Arg1)
	var newMask uint64
	if args.Arg2 != 0 {
		raw, err := ctx.GVAToKMA(args.Arg2, 8)
		if err != nil {
			args.Errno = errnoFor(err)
			return nil
		}
		newMask = leU64(raw)
	}
	old, err := m.Sig.SetMask(ctx.VCPUID(), mode, newMask)
	if err != nil {
		args.Errno = errnoFor(err)
		return nil
	}
	if args.Arg3 != 0 {
		if raw, err := ctx.GVAToKMA(args.Arg3, 8); err == nil {
			putU64(raw, old)
		}
	}
	args.Ret, args.Errno = 0, errnoOK
	return nil
}

func (m *Monitor) hcSigAltStack(ctx hcall.Context, args *hcall.Args) error {
	regs, err := m.regsFor(ctx.VCPUID())
	if err != nil {
		args.Errno = errnoFor(err)
		return nil
	}
	var newSS *ksignal.AltStack
	if args.Arg1 != 0 {
		raw, err := ctx.GVAToKMA(args.Arg1, 24)
		if err != nil {
			args.Errno = errnoFor(err)
			return nil
		}
		newSS = &ksignal.AltStack{Base: leU64(raw[0:]), Flags: uint32(leU64(raw[8:])), Size: leU64(raw[16:])}
	}
	old, err := m.Sig.SetAltStack(ctx.VCPUID(), regs.RSP, newSS)
	if err != nil {
		args.Errno = errnoFor(err)
		return nil
	}
	if args.Arg2 != 0 {
		if raw, err := ctx.GVAToKMA(args.Arg2, 24); err == nil {
			putU64(raw[0:], old.Base)
			putU64(raw[8:], uint64(old.Flags))
			putU64(raw[16:], old.Size)
		}
	}
	args.Ret, args.Errno = 0, errnoOK
	return nil
}

func (m *Monitor) regsFor(vcpuID int) (*hv.Regs, error) {
	v, ok := m.Sched.Lookup(vcpuID)
	if !ok {
		return nil, fmt.Errorf("monitor: vcpu %d not found", vcpuID)
	}
	return v.HV().GetRegs()
}

func (m *Monitor) hcKill(ctx hcall.Context, args *hcall.Args) error {
	info := ksignal.Info{Signal: ksignal.Number(args.Arg2), Sender: ctx.VCPUID()}
	if err := m.Sig.Post(-1, info); err != nil {
		args.Errno = errnoFor(err)
		return nil
	}
	args.Ret, args.Errno = 0, errnoOK
	return nil
}

func (m *Monitor) hcTgKill(ctx hcall.Context, args *hcall.Args) error {
	target := int(args.Arg2)
	info := ksignal.Info{Signal: ksignal.Number(args.Arg3), Sender: ctx.VCPUID()}
	if err := m.Sig.Post(target, info); err != nil {
		args.Errno = errnoFor(err)
		return nil
	}
	args.Ret, args.Errno = 0, errnoOK
	return nil
}

func (m *Monitor) hcClone(ctx hcall.Context, args *hcall.Args) error {
	parent, ok := m.Sched.Lookup(ctx.VCPUID())
	if !ok {
		args.Errno = 3 // ESRCH
		return nil
	}
	child, err := m.Sched.CloneThread(parent, vcpu.CloneThreadParams{
		ChildStack:    args.Arg2,
		SetChildTID:   args.Arg3,
		ClearChildTID: args.Arg4,
		TLSBase:       args.Arg5,
	})
	if err != nil {
		args.Ret = ^uint64(0)
		args.Errno = errnoFor(err)
		return nil
	}
	m.Sig.RegisterVCPU(child.ID())

	m.mu.Lock()
	m.liveVCPUs++
	m.mu.Unlock()

	rl := &vcpu.RunLoop{Hcalls: m.Hcall, Signals: m.Sig, Mem: m.AS, OnExit: m.onVCPUExit}
	go func() {
		if err := rl.Run(child); err != nil {
			m.fatal(err)
		}
	}()
	args.Ret = uint64(child.ID())
	args.Errno = errnoOK
	return nil
}

func (m *Monitor) hcFork(ctx hcall.Context, args *hcall.Args) error {
	args.Ret = ^uint64(0)
	args.Errno = 38 // ENOSYS: guest fork is not supported; nothing in this tree calls internal/procfork.Fork
	return nil
}

func (m *Monitor) hcExit(ctx hcall.Context, args *hcall.Args) error {
	return fmt.Errorf("vcpu %d: exit(%d)", ctx.VCPUID(), int32(args.Arg1))
}

func (m *Monitor) hcExitGroup(ctx hcall.Context, args *hcall.Args) error {
	return fmt.Errorf("vcpu %d: exit_group(%d)", ctx.VCPUID(), int32(args.Arg1))
}

func (m *Monitor) hcRead(ctx hcall.Context, args *hcall.Args) error {
	f, err := m.Files.Get(int(args.Arg1))
	if err != nil {
		args.Ret = ^uint64(0)
		args.Errno = errnoFor(err)
		return nil
	}
	buf, err := ctx.GVAToKMA(args.Arg2, args.Arg3)
	if err != nil {
		args.Ret = ^uint64(0)
		args.Errno = errnoFor(err)
		return nil
	}
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		args.Ret = ^uint64(0)
		args.Errno = errnoFor(err)
		return nil
	}
	args.Ret = uint64(n)
	args.Errno = errnoOK
	return nil
}

func (m *Monitor) hcWrite(ctx hcall.Context, args *hcall.Args) error {
	f, err := m.Files.Get(int(args.Arg1))
	if err != nil {
		args.Ret = ^uint64(0)
		args.Errno = errnoFor(err)
		return nil
	}
	buf, err := ctx.GVAToKMA(args.Arg2, args.Arg3)
	if err != nil {
		args.Ret = ^uint64(0)
		args.Errno = errnoFor(err)
		return nil
	}
	n, err := f.Write(buf)
	if err != nil {
		args.Ret = ^uint64(0)
		args.Errno = errnoFor(err)
		return nil
	}
	args.Ret = uint64(n)
	args.Errno = errnoOK
	return nil
}

func (m *Monitor) hcClose(ctx hcall.Context, args *hcall.Args) error {
	if err := m.Files.Close(int(args.Arg1)); err != nil {
		args.Ret = ^uint64(0)
		args.Errno = errnoFor(err)
		return nil
	}
	args.Ret, args.Errno = 0, errnoOK
	return nil
}

func (m *Monitor) hcDlopen(ctx hcall.Context, args *hcall.Args) error {
	path, err := readCString(ctx, args.Arg1, 4096)
	if err != nil {
		args.Errno = errnoFor(err)
		return nil
	}
	handle, err := m.DLLs.Open(path)
	if err != nil {
		args.Ret = 0
		args.Errno = errnoFor(err)
		return nil
	}
	args.Ret = uint64(handle)
	args.Errno = errnoOK
	return nil
}

func (m *Monitor) hcUnmapSelf(ctx hcall.Context, args *hcall.Args) error {
	if err := m.MMap.Munmap(args.Arg1, args.Arg2); err != nil {
		args.Errno = errnoFor(err)
		return nil
	}
	args.Ret, args.Errno = 0, errnoOK
	return nil
}

func readCString(ctx hcall.Context, addr uint64, maxLen uint64) (string, error) {
	raw, err := ctx.GVAToKMA(addr, maxLen)
	if err != nil {
		return "", err
	}
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i]), nil
		}
	}
	return "", fmt.Errorf("monitor: unterminated guest string at %#x", addr)
}

// errnoFor maps an internal Go error to a Linux errno value the guest can
// interpret. It isn't exhaustive: anything not recognized becomes EINVAL,
// matching the reference monitor's fallback for internal errors it can't
// attribute to a specific guest mistake.
func errnoFor(err error) uint64 {
	switch {
	case err == nil:
		return errnoOK
	case err == fs.ErrBadFD:
		return 9 // EBADF
	case errors.Is(err, memory.ErrNoMemory):
		return 12 // ENOMEM
	case errors.Is(err, memory.ErrNotMapped):
		return 14 // EFAULT
	case errors.Is(err, memory.ErrInvalidArgument):
		return 22 // EINVAL
	default:
		return 22 // EINVAL
	}
}

func leU64(b []byte) uint64     { return binary.LittleEndian.Uint64(b) }
func putU64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
