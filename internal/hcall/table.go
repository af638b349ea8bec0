// Package hcall dispatches hypercalls: the guest issues
// `outl &args, PORT_BASE+n` where n is a syscallnum.Number; the VCPU run
// loop reads Args out of guest memory, the handler installed for n
// performs the operation against the monitor's memory/signal/vcpu state
// and sets Ret/Errno in Args, and the run loop writes them back.
package hcall

import (
	"fmt"
	"sync"

	"github.com/tinyrange/kmon/internal/hcall/syscallnum"
)

// PortBase is the first I/O port the guest's hypercall trampoline uses;
// port PortBase+n issues hypercall n. Guests never read or write any other
// port range through this mechanism.
const PortBase = 0x100

// Args mirrors the guest-resident HcArgs structure: six syscall-style
// arguments, a return value, and an errno, all passed by the guest handing
// the monitor a pointer via the OUT instruction's associated data rather
// than through registers (so a single four-byte OUT carries an arbitrarily
// wide argument list).
type Args struct {
	Arg1, Arg2, Arg3, Arg4, Arg5, Arg6 uint64
	Ret                                uint64
	Errno                              uint64
}

// Context is everything a handler needs beyond its Args: which VCPU issued
// the call and a way back into the monitor to reach memory/signals/etc.
// internal/vcpu's run loop implements it (vcpuContext).
type Context interface {
	VCPUID() int
	GVAToKMA(addr uint64, size uint64) ([]byte, error)
}

// Handler implements one hypercall. It mutates args.Ret/args.Errno itself
// rather than returning a value, mirroring the guest-facing convention
// that every hypercall reports success/failure through errno the same way
// a real syscall would — only a handler failure so severe the monitor
// can't even report it back to the guest should return a non-nil error.
type Handler func(ctx Context, args *Args) error

// Table is the hypercall dispatch table for one guest. It is filled by
// Register at monitor startup; Dispatch takes only the read side of mu
// for its lookup.
type Table struct {
	mu       sync.RWMutex
	handlers map[syscallnum.Number]Handler
}

func NewTable() *Table {
	return &Table{handlers: make(map[syscallnum.Number]Handler)}
}

// Register installs handler for n. Registering the same number twice is a
// programming error (it would make dispatch order-dependent) and panics,
// the same way http.ServeMux.Handle panics on a duplicate pattern.
func (t *Table) Register(n syscallnum.Number, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.handlers[n]; exists {
		panic(fmt.Sprintf("hcall: handler for %s already registered", n))
	}
	t.handlers[n] = h
}

// ErrNoSys is assigned to Args.Errno (not returned as a Go error) when no
// handler is registered for the requested number, mirroring ENOSYS at the
// guest boundary.
const ErrNoSys = 38

// Dispatch looks up and runs the handler for n. RtSigreturn is never
// reachable through Dispatch: the VCPU run loop recognizes it before
// decoding a generic hypercall, because its handler rewrites the VCPU's
// full register file directly instead of only Args.Ret/Errno and must
// bypass the normal "write Ret/Errno back to guest memory" step entirely.
func (t *Table) Dispatch(ctx Context, n syscallnum.Number, args *Args) error {
	if n == syscallnum.RtSigreturn {
		return fmt.Errorf("hcall: rt_sigreturn must be handled by the vcpu run loop, not Dispatch")
	}

	t.mu.RLock()
	h, ok := t.handlers[n]
	t.mu.RUnlock()
	if !ok {
		args.Errno = ErrNoSys
		return nil
	}
	return h(ctx, args)
}

// Has reports whether a handler is registered for n.
func (t *Table) Has(n syscallnum.Number) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.handlers[n]
	return ok
}
