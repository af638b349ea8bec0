package vcpu

import (
	"testing"

	"github.com/tinyrange/kmon/internal/hv"
)

// fakeHVVCPU satisfies hv.VCPU entirely in memory, enough to exercise the
// scheduler and clone register plumbing without a hardware backend.
type fakeHVVCPU struct {
	id    int
	regs  hv.Regs
	sregs hv.Sregs

	mmioExit  *hv.MMIOExit
	faultExit *hv.FaultExit
}

func (f *fakeHVVCPU) ID() int              { return f.id }
func (f *fakeHVVCPU) InitSregs() error     { return nil }
func (f *fakeHVVCPU) GetRegs() (*hv.Regs, error) {
	r := f.regs
	return &r, nil
}
func (f *fakeHVVCPU) SetRegs(r *hv.Regs) error { f.regs = *r; return nil }
func (f *fakeHVVCPU) GetSregs() (*hv.Sregs, error) {
	s := f.sregs
	return &s, nil
}
func (f *fakeHVVCPU) SetSregs(s *hv.Sregs) error        { f.sregs = *s; return nil }
func (f *fakeHVVCPU) GetXCRs() (*hv.XCRs, error)        { return &hv.XCRs{}, nil }
func (f *fakeHVVCPU) SetXCRs(*hv.XCRs) error            { return nil }
func (f *fakeHVVCPU) Run() (hv.ExitReason, error)       { return hv.ExitHLT, nil }
func (f *fakeHVVCPU) DecodeIO() (*hv.IOExit, error)     { return nil, nil }
func (f *fakeHVVCPU) DecodeMMIO() (*hv.MMIOExit, error)   { return f.mmioExit, nil }
func (f *fakeHVVCPU) DecodeFault() (*hv.FaultExit, error) { return f.faultExit, nil }
func (f *fakeHVVCPU) FailReason() uint64                { return 0 }
func (f *fakeHVVCPU) FPStateSize() int                  { return 0 }
func (f *fakeHVVCPU) SaveFPState([]byte) error          { return nil }
func (f *fakeHVVCPU) RestoreFPState([]byte, int) error  { return nil }
func (f *fakeHVVCPU) FPFormat() int                     { return 0 }
func (f *fakeHVVCPU) SyncRIP() error                    { return nil }
func (f *fakeHVVCPU) InjectInterrupt(uint8) error       { return nil }
func (f *fakeHVVCPU) RequestImmediateExit() error       { return nil }
func (f *fakeHVVCPU) Close() error                      { return nil }

type fakeVM struct{ next int }

func (f *fakeVM) InstallRegion(uint32, uint64, uint64, []byte) error { return nil }
func (f *fakeVM) SetCPUID([]hv.CPUIDEntry) error                     { return nil }
func (f *fakeVM) CreateVCPU(id int) (hv.VCPU, error)                 { return &fakeHVVCPU{id: id}, nil }
func (f *fakeVM) Close() error                                       { return nil }

func TestSchedulerGetReusesIdle(t *testing.T) {
	s := NewScheduler(&fakeVM{})
	a, err := s.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	s.Put(a)
	b, err := s.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b != a {
		t.Fatalf("expected idle vcpu to be reused")
	}
	if b.State() != StateStarting {
		t.Fatalf("reused vcpu state = %v, want STARTING", b.State())
	}
}

func TestSchedulerLookupAndAll(t *testing.T) {
	s := NewScheduler(&fakeVM{})
	v, _ := s.Get()
	if got, ok := s.Lookup(v.ID()); !ok || got != v {
		t.Fatalf("lookup failed for id %d", v.ID())
	}
	if len(s.All()) != 1 {
		t.Fatalf("All() = %d entries, want 1", len(s.All()))
	}
}

func TestCloneThreadSeedsChildRegisters(t *testing.T) {
	s := NewScheduler(&fakeVM{})
	parent, err := s.Get()
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	parentRegs := hv.Regs{RAX: 1, RSP: 0xdead, RIP: 0x401000}
	if err := parent.hv.SetRegs(&parentRegs); err != nil {
		t.Fatalf("seed parent regs: %v", err)
	}

	child, err := s.CloneThread(parent, CloneThreadParams{
		ChildStack:  0x7fff0000,
		TLSBase:     0x6000,
		SetChildTID: 0x2000,
	})
	if err != nil {
		t.Fatalf("clone thread: %v", err)
	}
	if child == parent {
		t.Fatalf("clone thread returned the parent vcpu")
	}

	childRegs, err := child.hv.GetRegs()
	if err != nil {
		t.Fatalf("child regs: %v", err)
	}
	if childRegs.RAX != 0 {
		t.Fatalf("child RAX = %d, want 0 (clone() child return value)", childRegs.RAX)
	}
	if childRegs.RSP != 0x7fff0000 {
		t.Fatalf("child RSP = %#x, want child stack", childRegs.RSP)
	}
	if childRegs.RIP != parentRegs.RIP {
		t.Fatalf("child RIP = %#x, want inherited %#x", childRegs.RIP, parentRegs.RIP)
	}

	childSregs, err := child.hv.GetSregs()
	if err != nil {
		t.Fatalf("child sregs: %v", err)
	}
	if childSregs.FS.Base != 0x6000 {
		t.Fatalf("child FS.Base = %#x, want TLS base 0x6000", childSregs.FS.Base)
	}
}

func TestForkSnapshotZeroesReturnValue(t *testing.T) {
	s := NewScheduler(&fakeVM{})
	v, _ := s.Get()
	if err := v.hv.SetRegs(&hv.Regs{RAX: 99, RIP: 0x500000}); err != nil {
		t.Fatalf("seed regs: %v", err)
	}
	snap, err := ForkSnapshot(v)
	if err != nil {
		t.Fatalf("fork snapshot: %v", err)
	}
	if snap.RAX != 0 {
		t.Fatalf("snapshot RAX = %d, want 0", snap.RAX)
	}
	if snap.RIP != 0x500000 {
		t.Fatalf("snapshot RIP = %#x, want preserved 0x500000", snap.RIP)
	}
}
