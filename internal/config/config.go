// Package config holds the monitor's tunables: flag-driven on the command
// line, with an optional YAML override file for values that don't fit
// comfortably on a flag line (DLL allow-list, gdb port).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Machine mirrors km_machine_init_params_t: the handful of knobs that
// change how the guest's address space and virtual CPUs are built.
type Machine struct {
	GuestPhysMemBytes uint64 `yaml:"guest_phys_mem_bytes"`
	ForcePDPE1G       bool   `yaml:"force_pdpe_1g"`
	OvercommitMemory  bool   `yaml:"overcommit_memory"`
	DeviceName        string `yaml:"device_name"` // not read: the backend factory always opens /dev/kvm
	VCPUs             int    `yaml:"vcpus"`
}

// DefaultMachine matches km's own defaults: 1 GiB guest physical memory,
// memory overcommit on, no device name.
func DefaultMachine() Machine {
	return Machine{
		GuestPhysMemBytes: 1 << 30,
		OvercommitMemory:  true,
		VCPUs:             1,
	}
}

// File is the optional on-disk override, loaded before flags are applied
// so a flag always wins over the file.
type File struct {
	Machine  Machine  `yaml:"machine"`
	AllowDLL []string `yaml:"allow_dll"` // paths internal/hcall.DLLTable may dlopen
	GdbPort  int      `yaml:"gdb_port"`
}

// Load reads and parses a YAML config file. A missing file is not an
// error — it returns the zero File, exactly the defaults-only behavior
// cmd/kmon wants when -config is unset.
func Load(path string) (File, error) {
	if path == "" {
		return File{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return File{}, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return f, nil
}
