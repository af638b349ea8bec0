package hcall

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
)

// DLLTable resolves host dynamic library symbols into callable addresses
// for the HCDlopen hypercall. A payload built against libkontain can ask
// the monitor to hand it a host function pointer (e.g. to call back into
// a host-provided accelerator library) rather than linking the library
// into the guest image itself.
//
// This stays deliberately narrow: only libraries the monitor operator
// explicitly allow-listed via Allow are ever opened. An empty table
// makes HCDlopen inert (every lookup fails closed), which is the correct
// default — arbitrary dlopen from an untrusted guest payload is not
// something this monitor grants without configuration.
type DLLTable struct {
	mu      sync.Mutex
	handles map[string]uintptr
	opened  map[string]struct{}
}

func NewDLLTable() *DLLTable {
	return &DLLTable{handles: make(map[string]uintptr), opened: make(map[string]struct{})}
}

// Allow records that path may be dlopen'd by a guest. Paths not allowed
// here are refused even if they exist on the host filesystem.
func (t *DLLTable) Allow(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opened[path] = struct{}{}
}

// Open opens path (if allow-listed) and returns a handle identifier the
// guest can use in subsequent HCDlopen symbol-lookup calls.
func (t *DLLTable) Open(path string) (uintptr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.opened[path]; !ok {
		return 0, fmt.Errorf("hcall: dlopen of %q not permitted", path)
	}
	if h, ok := t.handles[path]; ok {
		return h, nil
	}

	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return 0, fmt.Errorf("hcall: dlopen %q: %w", path, err)
	}
	t.handles[path] = h
	return h, nil
}

// Symbol resolves name within the library opened as handle, returning the
// host address of the symbol. The caller is responsible for deciding
// whether and how that address is made reachable from the guest (this
// monitor does not itself grant guest code execute access to host text —
// HCDlopen is only useful to a payload that marshals calls through a
// monitor-mediated trampoline).
func (t *DLLTable) Symbol(handle uintptr, name string) (uintptr, error) {
	sym, err := purego.Dlsym(handle, name)
	if err != nil {
		return 0, fmt.Errorf("hcall: dlsym %q: %w", name, err)
	}
	return sym, nil
}
