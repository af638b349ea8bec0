package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.GdbPort != 0 || f.AllowDLL != nil || f.Machine.VCPUs != 0 {
		t.Fatalf("got non-zero File for missing config: %+v", f)
	}
}

func TestLoadEmptyPathReturnsZeroValue(t *testing.T) {
	f, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.GdbPort != 0 || f.AllowDLL != nil || f.Machine.VCPUs != 0 {
		t.Fatalf("got non-zero File for empty path: %+v", f)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kmon.yaml")
	contents := `
machine:
  guest_phys_mem_bytes: 2147483648
  vcpus: 4
allow_dll:
  - /usr/lib/libaccel.so
gdb_port: 2159
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Machine.GuestPhysMemBytes != 1<<31 {
		t.Fatalf("guest_phys_mem_bytes = %d, want %d", f.Machine.GuestPhysMemBytes, 1<<31)
	}
	if f.Machine.VCPUs != 4 {
		t.Fatalf("vcpus = %d, want 4", f.Machine.VCPUs)
	}
	if f.GdbPort != 2159 {
		t.Fatalf("gdb_port = %d, want 2159", f.GdbPort)
	}
	if len(f.AllowDLL) != 1 || f.AllowDLL[0] != "/usr/lib/libaccel.so" {
		t.Fatalf("allow_dll = %v", f.AllowDLL)
	}
}

func TestDefaultMachine(t *testing.T) {
	m := DefaultMachine()
	if m.GuestPhysMemBytes != 1<<30 {
		t.Fatalf("default mem = %d, want 1GiB", m.GuestPhysMemBytes)
	}
	if m.VCPUs != 1 {
		t.Fatalf("default vcpus = %d, want 1", m.VCPUs)
	}
	if !m.OvercommitMemory {
		t.Fatalf("default overcommit should be on")
	}
}
