package memory

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/tinyrange/kmon/internal/hv"
)

// Layout constants for the two-zone guest virtual address space. The
// bottom zone holds the payload image, its data segment and brk-managed
// heap; the top zone is the mmap arena, allocated top-down via tbrk so the
// heap and the arena never collide regardless of which one a payload
// grows harder.
const (
	GuestBottomBase uint64 = 2 << 20        // 2MB: below this is unmapped guard space
	GuestTopLimit   uint64 = 0x7fffffff0000 // top of canonical 48-bit user address space, minus guard
)

// slot backs one power-of-two-sized physical region with host memory
// installed into the VM at a fixed guest physical address equal to its
// guest virtual address (the monitor runs with an identity GVA==GPA
// mapping, same as the reference implementation).
type slot struct {
	base uint64
	host []byte
}

// AddressSpace owns the physical-region slot table and zone boundaries for
// one guest. It does not itself track busy/free mmap regions — that is
// the MMap engine's job, layered on top; it grows the zones through
// GrowTop (mmap arena) and GrowBottom (Brk).
type AddressSpace struct {
	mu sync.Mutex

	vm hv.VM

	// slots is indexed by leading-zero count of a GVA's distance from the
	// relevant zone base, so a slot covering [2^k, 2^(k+1)) lands at a
	// fixed, collision-free index computed in O(1) instead of by linear
	// search. This mirrors the reference monitor's CLZ-indexed physical
	// region table.
	slots    [hv.MemSlots]*slot
	nextSlot uint32

	bottomBrk uint64 // current top of the bottom zone (payload brk)
	topBrk    uint64 // current bottom of the top zone (mmap arena tbrk)
}

// NewAddressSpace creates an address space with no physical memory
// installed yet; call GrowBottom/GrowTop (via the mmap engine) to back
// guest addresses with host memory on demand.
func NewAddressSpace(vm hv.VM) *AddressSpace {
	return &AddressSpace{
		vm:        vm,
		bottomBrk: GuestBottomBase,
		topBrk:    GuestTopLimit,
	}
}

func slotIndex(offsetFromZoneBase uint64) int {
	if offsetFromZoneBase == 0 {
		return 0
	}
	// bits.Len64(x)-1 is the power-of-two bucket containing x; this is the
	// same computation as 63-CLZ(x) and gives each doubling range of the
	// zone its own fixed slot.
	return bits.Len64(offsetFromZoneBase) - 1
}

// GrowBottom ensures the bottom zone is backed by host memory up to
// newBrk, installing additional power-of-two slots as needed. It returns
// the previous brk value.
func (a *AddressSpace) GrowBottom(newBrk uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if newBrk < GuestBottomBase {
		return 0, fmt.Errorf("%w: brk below guest bottom base", ErrInvalidArgument)
	}
	prev := a.bottomBrk
	if newBrk <= prev {
		a.bottomBrk = newBrk
		return prev, nil
	}

	for covered := prev - GuestBottomBase; covered < newBrk-GuestBottomBase; {
		idx := slotIndex(covered)
		size := uint64(1) << uint(idx)
		if a.slots[idx] == nil {
			if err := a.installSlot(idx, GuestBottomBase+covered/size*size, size); err != nil {
				return 0, err
			}
		}
		covered = (covered/size + 1) * size
	}

	a.bottomBrk = newBrk
	return prev, nil
}

// GrowTop extends the mmap arena downward so that [newTbrk, top zone
// limit) is backed by host memory. It returns the previous tbrk value.
func (a *AddressSpace) GrowTop(newTbrk uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if newTbrk > GuestTopLimit {
		return 0, fmt.Errorf("%w: tbrk above guest top limit", ErrInvalidArgument)
	}
	prev := a.topBrk
	if newTbrk >= prev {
		a.topBrk = newTbrk
		return prev, nil
	}

	distFromTop := func(addr uint64) uint64 { return GuestTopLimit - addr }
	for covered := distFromTop(prev); covered < distFromTop(newTbrk); {
		idx := slotIndex(covered)
		size := uint64(1) << uint(idx)
		base := GuestTopLimit - (covered/size+1)*size
		if a.slots[idx] == nil {
			if err := a.installSlot(idx, base, size); err != nil {
				return 0, err
			}
		}
		covered = (covered/size + 1) * size
	}

	a.topBrk = newTbrk
	return prev, nil
}

func (a *AddressSpace) installSlot(idx int, base, size uint64) error {
	if idx < 0 || idx >= hv.MemSlots {
		return fmt.Errorf("memory: slot index %d out of range", idx)
	}
	host := make([]byte, size)
	if err := a.vm.InstallRegion(a.nextSlot, base, size, host); err != nil {
		return fmt.Errorf("memory: install slot %d at %#x/%#x: %w", idx, base, size, err)
	}
	a.nextSlot++
	a.slots[idx] = &slot{base: base, host: host}
	return nil
}

// findSlot returns the slot covering gva and the offset within it, or nil
// if gva is not currently backed by installed memory.
func (a *AddressSpace) findSlot(gva uint64) (*slot, uint64, error) {
	for _, s := range a.slots {
		if s == nil {
			continue
		}
		if gva >= s.base && gva < s.base+uint64(len(s.host)) {
			return s, gva - s.base, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: gva %#x", ErrNotMapped, gva)
}

// GVAToKMA translates a guest virtual address range to the monitor's own
// (host) address space, returning a slice aliasing the guest's backing
// memory directly — writes through it are visible to the guest on its
// next instruction.
func (a *AddressSpace) GVAToKMA(gva uint64, size uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, off, err := a.findSlot(gva)
	if err != nil {
		return nil, err
	}
	if off+size > uint64(len(s.host)) {
		return nil, fmt.Errorf("%w: range %#x/%#x crosses slot boundary", ErrNotMapped, gva, size)
	}
	return s.host[off : off+size], nil
}

// IsAccessible reports whether every byte of [gva, gva+size) is currently
// backed by installed guest memory, without regard to mmap-engine
// protection bits (callers needing protection-aware checks go through the
// mmap engine's busy-region list instead).
func (a *AddressSpace) IsAccessible(gva uint64, size uint64) bool {
	_, err := a.GVAToKMA(gva, size)
	return err == nil
}

// SlotRange describes one installed physical-memory slot: its guest base
// address and the host buffer backing it. Used by internal/snapshot to
// walk every byte of backed guest memory without needing its own copy of
// the slot table.
type SlotRange struct {
	Base uint64
	Host []byte
}

// Slots returns every installed slot, in no particular order.
func (a *AddressSpace) Slots() []SlotRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SlotRange, 0, hv.MemSlots)
	for _, s := range a.slots {
		if s == nil {
			continue
		}
		out = append(out, SlotRange{Base: s.base, Host: s.host})
	}
	return out
}

func (a *AddressSpace) BottomBrk() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bottomBrk
}

func (a *AddressSpace) TopBrk() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.topBrk
}
