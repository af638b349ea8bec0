package vcpu

import (
	"fmt"
	"strings"
	"testing"

	"github.com/tinyrange/kmon/internal/hv"
	"github.com/tinyrange/kmon/internal/ksignal"
)

// fakeMem is a flat byte buffer addressed directly by guest address,
// enough to back a signal frame write/read round trip in tests.
type fakeMem struct{ buf []byte }

func newFakeMem() *fakeMem { return &fakeMem{buf: make([]byte, 0x20000)} }

func (m *fakeMem) GVAToKMA(addr uint64, size uint64) ([]byte, error) {
	if addr+size > uint64(len(m.buf)) {
		return nil, fmt.Errorf("fakeMem: range %#x/%#x out of bounds", addr, size)
	}
	return m.buf[addr : addr+size], nil
}

func newTestRunLoop() (*RunLoop, *VCPU) {
	sched := NewScheduler(&fakeVM{})
	v, err := sched.Get()
	if err != nil {
		panic(err)
	}
	if err := v.hv.SetRegs(&hv.Regs{RSP: 0x10000, RIP: 0x401000}); err != nil {
		panic(err)
	}
	sig := ksignal.NewManager()
	sig.RegisterVCPU(v.ID())
	rl := &RunLoop{Signals: sig, Mem: newFakeMem()}
	return rl, v
}

func TestDeliverFaultWithHandlerRedirectsToHandler(t *testing.T) {
	rl, v := newTestRunLoop()

	action := ksignal.Action{Handler: 0x500000, Restorer: 0x500100}
	if _, err := rl.Signals.Table().Set(ksignal.SIGSEGV, action); err != nil {
		t.Fatalf("install handler: %v", err)
	}

	info := ksignal.Info{Signal: ksignal.SIGSEGV, Addr: 0xdeadbeef, Sender: v.ID()}
	if err := rl.deliverFault(v, info); err != nil {
		t.Fatalf("deliverFault: %v", err)
	}

	regs, err := v.hv.GetRegs()
	if err != nil {
		t.Fatalf("get regs: %v", err)
	}
	if regs.RIP != uint64(action.Handler) {
		t.Fatalf("RIP = %#x, want handler %#x", regs.RIP, action.Handler)
	}
	if regs.RDI != uint64(ksignal.SIGSEGV) {
		t.Fatalf("RDI = %d, want signal number %d", regs.RDI, ksignal.SIGSEGV)
	}
}

func TestDeliverFaultWithoutHandlerTerminates(t *testing.T) {
	rl, v := newTestRunLoop()

	info := ksignal.Info{Signal: ksignal.SIGSEGV, Addr: 0xdeadbeef, Sender: v.ID()}
	err := rl.deliverFault(v, info)
	if err == nil {
		t.Fatalf("expected an error terminating the vcpu for an uncaught synchronous SIGSEGV")
	}
	if !strings.Contains(err.Error(), "terminated by signal") {
		t.Fatalf("error = %v, want mention of termination by signal", err)
	}
}

func TestDeliverFaultIgnoredIsFatal(t *testing.T) {
	rl, v := newTestRunLoop()

	if _, err := rl.Signals.Table().Set(ksignal.SIGSEGV, ksignal.Action{Handler: ksignal.HandlerIgnore}); err != nil {
		t.Fatalf("install ignore action: %v", err)
	}

	info := ksignal.Info{Signal: ksignal.SIGSEGV, Addr: 0xdeadbeef, Sender: v.ID()}
	if err := rl.deliverFault(v, info); err == nil {
		t.Fatalf("expected ignoring a synchronous fault signal to be fatal, not silently dropped")
	}
}

func TestHandleMMIOStrayReferenceDeliversSIGSEGV(t *testing.T) {
	rl, v := newTestRunLoop()
	v.hv.(*fakeHVVCPU).mmioExit = &hv.MMIOExit{PhysAddr: 0x9000000, IsWrite: true}

	action := ksignal.Action{Handler: 0x500000, Restorer: 0x500100}
	if _, err := rl.Signals.Table().Set(ksignal.SIGSEGV, action); err != nil {
		t.Fatalf("install handler: %v", err)
	}

	ctx := &vcpuContext{rl: rl, v: v}
	if err := rl.handleMMIO(ctx, v); err != nil {
		t.Fatalf("handleMMIO: %v", err)
	}

	regs, err := v.hv.GetRegs()
	if err != nil {
		t.Fatalf("get regs: %v", err)
	}
	if regs.RIP != uint64(action.Handler) {
		t.Fatalf("RIP = %#x, want handler %#x after stray reference", regs.RIP, action.Handler)
	}
}

func TestHandleExceptionPageFaultDeliversSIGSEGVWithFaultAddr(t *testing.T) {
	rl, v := newTestRunLoop()
	v.hv.(*fakeHVVCPU).faultExit = &hv.FaultExit{Vector: hv.VectorPF, Addr: 0x1234}

	action := ksignal.Action{Handler: 0x500000, Restorer: 0x500100}
	if _, err := rl.Signals.Table().Set(ksignal.SIGSEGV, action); err != nil {
		t.Fatalf("install handler: %v", err)
	}

	if err := rl.handleException(v); err != nil {
		t.Fatalf("handleException: %v", err)
	}

	regs, err := v.hv.GetRegs()
	if err != nil {
		t.Fatalf("get regs: %v", err)
	}
	if regs.RIP != uint64(action.Handler) {
		t.Fatalf("RIP = %#x, want handler %#x after page fault", regs.RIP, action.Handler)
	}
}

func TestHandleExceptionDivideErrorDeliversSIGFPE(t *testing.T) {
	rl, v := newTestRunLoop()
	v.hv.(*fakeHVVCPU).faultExit = &hv.FaultExit{Vector: hv.VectorDE}

	action := ksignal.Action{Handler: 0x500000, Restorer: 0x500100}
	if _, err := rl.Signals.Table().Set(ksignal.SIGFPE, action); err != nil {
		t.Fatalf("install handler: %v", err)
	}

	if err := rl.handleException(v); err != nil {
		t.Fatalf("handleException: %v", err)
	}

	regs, err := v.hv.GetRegs()
	if err != nil {
		t.Fatalf("get regs: %v", err)
	}
	if regs.RDI != uint64(ksignal.SIGFPE) {
		t.Fatalf("RDI = %d, want SIGFPE (%d)", regs.RDI, ksignal.SIGFPE)
	}
}
