package ksignal

import (
	"testing"

	"github.com/tinyrange/kmon/internal/hv"
)

type fakeMem struct {
	buf  []byte
	base uint64
}

func newFakeMem(size uint64) *fakeMem { return &fakeMem{buf: make([]byte, size), base: 0x400000} }

func (f *fakeMem) GVAToKMA(addr uint64, size uint64) ([]byte, error) {
	off := addr - f.base
	return f.buf[off : off+size], nil
}

func TestSigactionRejectsUncatchable(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Set(SIGKILL, Action{Handler: 0x1000}); err == nil {
		t.Fatalf("expected error installing a handler for SIGKILL")
	}
	if _, err := tbl.Set(VCPUStop, Action{Handler: 0x1000}); err == nil {
		t.Fatalf("expected error installing a handler for the reserved vcpu-stop signal")
	}
}

func TestPostAndDeliverAsynchronous(t *testing.T) {
	m := NewManager()
	m.RegisterVCPU(0)
	if _, err := m.Table().Set(SIGUSR1, Action{Handler: 0x401000, Flags: SASigInfo}); err != nil {
		t.Fatalf("set sigaction: %v", err)
	}

	if err := m.Post(0, Info{Signal: SIGUSR1, Sender: -1}); err != nil {
		t.Fatalf("post: %v", err)
	}

	info, action, ok, err := m.NextDeliverable(0)
	if err != nil {
		t.Fatalf("next deliverable: %v", err)
	}
	if !ok {
		t.Fatalf("expected a deliverable signal")
	}
	if info.Signal != SIGUSR1 || action.Handler != 0x401000 {
		t.Fatalf("unexpected info/action: %+v %+v", info, action)
	}
}

func TestBlockedSignalNotDelivered(t *testing.T) {
	m := NewManager()
	m.RegisterVCPU(0)
	if _, err := m.SetMask(0, MaskSetMask, sigBit(SIGUSR1)); err != nil {
		t.Fatalf("set mask: %v", err)
	}
	m.Post(0, Info{Signal: SIGUSR1})

	_, _, ok, err := m.NextDeliverable(0)
	if err != nil {
		t.Fatalf("next deliverable: %v", err)
	}
	if ok {
		t.Fatalf("expected blocked signal to not be delivered")
	}
}

func TestBuildAndParseFrameRoundTrip(t *testing.T) {
	m := NewManager()
	m.RegisterVCPU(0)
	mem := newFakeMem(0x10000)

	regs := hv.Regs{RSP: 0x400000 + 0x8000, RIP: 0x401234}
	action := Action{Handler: 0x402000, Restorer: 0x403000}
	newRegs, err := m.BuildDeliveryFrame(mem, 0, regs, 0, Info{Signal: SIGUSR1, Code: 1}, action)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	if newRegs.RIP != uint64(action.Handler) {
		t.Fatalf("rip = %#x, want handler %#x", newRegs.RIP, action.Handler)
	}
	if newRegs.RDI != uint64(SIGUSR1) {
		t.Fatalf("rdi = %d, want signal number %d", newRegs.RDI, SIGUSR1)
	}

	frameAddr := newRegs.RSI
	restored, mask, err := ParseFrame(mem, frameAddr)
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	if restored.RSP != regs.RSP || restored.RIP != regs.RIP {
		t.Fatalf("restored regs = %+v, want rsp=%#x rip=%#x", restored, regs.RSP, regs.RIP)
	}
	if mask != 0 {
		t.Fatalf("saved mask = %#x, want 0", mask)
	}
}
