// Package memory implements the guest address space: the two-zone guest
// virtual address layout, GVA<->KMA (monitor address) translation over a
// set of power-of-two physical regions, and the mmap/brk engine payloads
// drive through the mmap/brk/mprotect/madvise/msync hypercalls.
//
// Guest virtual addresses are laid out in two zones that grow toward each
// other: a bottom zone starting at GuestBottomBase that grows up as the
// payload's brk advances, and a top zone ending at GuestTopLimit that grows
// down as the mmap arena (tbrk) is extended. Nothing else in the guest
// address space is ever mapped; there is no demand paging and no swap.
package memory

import "fmt"

// Protection mirrors the PROT_* bits from mman.h. It is a distinct type
// from unix.Prot so callers can't accidentally pass a raw syscall flags
// word where a validated protection is expected.
type Protection uint8

const (
	ProtNone  Protection = 0
	ProtRead  Protection = 1 << 0
	ProtWrite Protection = 1 << 1
	ProtExec  Protection = 1 << 2
)

func (p Protection) String() string {
	s := []byte("---")
	if p&ProtRead != 0 {
		s[0] = 'r'
	}
	if p&ProtWrite != 0 {
		s[1] = 'w'
	}
	if p&ProtExec != 0 {
		s[2] = 'x'
	}
	return string(s)
}

// MapFlags mirrors the MAP_* bits the monitor cares about.
type MapFlags uint32

const (
	MapShared    MapFlags = 1 << 0
	MapPrivate   MapFlags = 1 << 1
	MapFixed     MapFlags = 1 << 2
	MapAnonymous MapFlags = 1 << 3
	// MapFixedNoreplace is rejected outright: the reference monitor never
	// promises atomic non-clobbering placement, so a payload that asks for
	// it gets ErrInvalidArgument (EINVAL) rather than silently-wrong
	// semantics.
	MapFixedNoreplace MapFlags = 1 << 4
)

// Advice mirrors the MADV_* values the monitor acts on.
type Advice int

const (
	AdviseNormal Advice = iota
	AdviseDontNeed
	AdviseWillNeed
)

// Region describes one busy or free mapping in guest virtual address
// space. Free regions carry Prot == ProtNone and an empty Filename; they
// exist purely to record an address range available for reuse.
type Region struct {
	Start    uint64
	Size     uint64
	Prot     Protection
	Flags    MapFlags
	KMFlags  uint32 // monitor-private flags: e.g. "this is the guest's initial stack"
	Filename string
	Offset   int64
}

func (r *Region) End() uint64 { return r.Start + r.Size }

// ErrInvalidArgument is returned for malformed mmap/munmap/mprotect
// arguments, mirroring EINVAL at the hypercall boundary.
var ErrInvalidArgument = fmt.Errorf("memory: invalid argument")

// ErrNoMemory is returned when the free-region search or arena growth
// cannot satisfy a request, mirroring ENOMEM.
var ErrNoMemory = fmt.Errorf("memory: no memory")

// ErrNotMapped is returned when an operation names guest addresses no
// busy region covers, mirroring EFAULT at the hypercall boundary.
var ErrNotMapped = fmt.Errorf("memory: address range not mapped")
