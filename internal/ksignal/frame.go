package ksignal

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/kmon/internal/hv"
)

// GuestMemory is the narrow view of the guest address space the signal
// frame builder needs: a byte slice aliasing guest memory at a given
// address, the same contract internal/memory.AddressSpace.GVAToKMA
// satisfies.
type GuestMemory interface {
	GVAToKMA(addr uint64, size uint64) ([]byte, error)
}

// frameSize is the size of the serialized rt_sigframe this monitor writes:
// the saved general registers, the saved signal mask active before
// delivery, and the siginfo fields a SA_SIGINFO handler reads. It is not
// byte-identical to the kernel's rt_sigframe layout (no vdso restorer
// page, no real ucontext/fpregs blob) since nothing outside this monitor
// ever parses it — only Sigreturn does, and only this monitor writes it.
const frameSize = 8*18 + 8 + 4 + 8 + 8

// redZoneSkip reserves the 128-byte System V AMD64 red zone below the
// interrupted RSP so handler entry doesn't clobber the leaf function the
// guest was executing when the signal arrived.
const redZoneSkip = 128

// BuildFrame pushes a signal frame onto the guest stack (or the alternate
// stack, if the handler is installed with SA_ONSTACK and one is active)
// and returns the register state with which the handler should be
// entered: RSP pointing at the frame, RIP at the handler, and RDI/RSI/RDX
// loaded per the SysV calling convention for a SA_SIGINFO handler
// (signal number, siginfo pointer, ucontext pointer — the latter two both
// point at the frame itself, which is simplest for a monitor that is also
// the only reader of the frame at Sigreturn time).
func BuildFrame(mem GuestMemory, regs hv.Regs, savedMask uint64, info Info, action Action, altStack *AltStack) (hv.Regs, error) {
	sp := regs.RSP - redZoneSkip
	useAltStack := action.Flags&SAOnStack != 0 && altStack != nil && altStack.Size > 0 && altStack.Flags&ssDisable == 0
	if useAltStack {
		sp = altStack.Base + altStack.Size
	}

	sp -= frameSize
	sp &^= 0xf // 16-byte align before pushing the return address
	sp -= 8     // room for the restorer return address

	frameAddr := sp + 8
	buf, err := mem.GVAToKMA(frameAddr, frameSize)
	if err != nil {
		return hv.Regs{}, fmt.Errorf("ksignal: build frame: %w", err)
	}

	retBuf, err := mem.GVAToKMA(sp, 8)
	if err != nil {
		return hv.Regs{}, fmt.Errorf("ksignal: build frame return addr: %w", err)
	}
	binary.LittleEndian.PutUint64(retBuf, uint64(action.Restorer))

	putRegs(buf, &regs)
	binary.LittleEndian.PutUint64(buf[8*18:], savedMask)
	binary.LittleEndian.PutUint32(buf[8*18+8:], uint32(info.Code))
	binary.LittleEndian.PutUint64(buf[8*18+8+4:], info.Addr)
	binary.LittleEndian.PutUint64(buf[8*18+8+4+8:], uint64(info.Signal))

	out := regs
	out.RSP = sp
	out.RIP = uint64(action.Handler)
	out.RDI = uint64(info.Signal)
	out.RSI = frameAddr
	out.RDX = frameAddr
	return out, nil
}

// ParseFrame reads a previously built frame back out of guest memory,
// returning the register state active before the signal was delivered and
// the mask that should be restored as the guest's blocked-signal set.
func ParseFrame(mem GuestMemory, frameAddr uint64) (hv.Regs, uint64, error) {
	buf, err := mem.GVAToKMA(frameAddr, frameSize)
	if err != nil {
		return hv.Regs{}, 0, fmt.Errorf("ksignal: parse frame: %w", err)
	}
	var regs hv.Regs
	getRegs(buf, &regs)
	mask := binary.LittleEndian.Uint64(buf[8*18:])
	return regs, mask, nil
}

func putRegs(buf []byte, r *hv.Regs) {
	vals := [...]uint64{
		r.RAX, r.RBX, r.RCX, r.RDX, r.RSI, r.RDI, r.RSP, r.RBP,
		r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15,
		r.RIP, r.RFLAGS,
	}
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
}

func getRegs(buf []byte, r *hv.Regs) {
	vals := make([]uint64, 18)
	for i := range vals {
		vals[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	r.RAX, r.RBX, r.RCX, r.RDX = vals[0], vals[1], vals[2], vals[3]
	r.RSI, r.RDI, r.RSP, r.RBP = vals[4], vals[5], vals[6], vals[7]
	r.R8, r.R9, r.R10, r.R11 = vals[8], vals[9], vals[10], vals[11]
	r.R12, r.R13, r.R14, r.R15 = vals[12], vals[13], vals[14], vals[15]
	r.RIP, r.RFLAGS = vals[16], vals[17]
}
