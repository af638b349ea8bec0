//go:build linux

package kvm

import (
	"testing"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	d, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close kvm driver: %v", err)
	}
}

func TestOpen(t *testing.T) {
	checkKVMAvailable(t)

	d, err := Open()
	if err != nil {
		t.Fatalf("open kvm driver: %v", err)
	}
	defer d.Close()
}

func TestCreateVMAndVCPU(t *testing.T) {
	checkKVMAvailable(t)

	d, err := Open()
	if err != nil {
		t.Fatalf("open kvm driver: %v", err)
	}
	defer d.Close()

	m, err := d.OpenVM(0x200000)
	if err != nil {
		t.Fatalf("open vm: %v", err)
	}
	defer m.Close()

	c, err := m.CreateVCPU(0)
	if err != nil {
		t.Fatalf("create vcpu 0: %v", err)
	}
	defer c.Close()

	if c.ID() != 0 {
		t.Fatalf("vcpu id = %d, want 0", c.ID())
	}

	if err := c.InitSregs(); err != nil {
		t.Fatalf("init sregs: %v", err)
	}

	regs, err := c.GetRegs()
	if err != nil {
		t.Fatalf("get regs: %v", err)
	}
	regs.RIP = 0x1000
	if err := c.SetRegs(regs); err != nil {
		t.Fatalf("set regs: %v", err)
	}

	got, err := c.GetRegs()
	if err != nil {
		t.Fatalf("get regs after set: %v", err)
	}
	if got.RIP != 0x1000 {
		t.Fatalf("rip = %#x, want %#x", got.RIP, 0x1000)
	}
}

func TestVCPULimit(t *testing.T) {
	checkKVMAvailable(t)

	d, err := Open()
	if err != nil {
		t.Fatalf("open kvm driver: %v", err)
	}
	defer d.Close()

	m, err := d.OpenVM(0x200000)
	if err != nil {
		t.Fatalf("open vm: %v", err)
	}
	defer m.Close()

	if _, err := m.CreateVCPU(-1); err == nil {
		t.Fatalf("expected error creating vcpu with negative id")
	}
}
