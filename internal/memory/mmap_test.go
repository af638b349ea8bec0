package memory

import (
	"testing"

	"github.com/tinyrange/kmon/internal/hv"
)

// fakeVM satisfies hv.VM with in-process host memory, enough for the mmap
// engine and address space tests to run without a hardware backend.
type fakeVM struct {
	regions map[uint32][]byte
}

func newFakeVM() *fakeVM { return &fakeVM{regions: make(map[uint32][]byte)} }

func (f *fakeVM) InstallRegion(slot uint32, guestPA uint64, size uint64, host []byte) error {
	f.regions[slot] = host
	return nil
}
func (f *fakeVM) SetCPUID([]hv.CPUIDEntry) error       { return nil }
func (f *fakeVM) CreateVCPU(id int) (hv.VCPU, error)   { return nil, nil }
func (f *fakeVM) Close() error                         { return nil }

func newTestMMap() *MMap {
	return NewMMap(NewAddressSpace(newFakeVM()))
}

func TestMmapFirstFitReuse(t *testing.T) {
	m := newTestMMap()

	a, err := m.Mmap(0, 4096, ProtRead|ProtWrite, MapPrivate|MapAnonymous, "", 0)
	if err != nil {
		t.Fatalf("mmap a: %v", err)
	}
	b, err := m.Mmap(0, 8192, ProtRead|ProtWrite, MapPrivate|MapAnonymous, "", 0)
	if err != nil {
		t.Fatalf("mmap b: %v", err)
	}
	if b >= a {
		t.Fatalf("expected arena to grow downward: a=%#x b=%#x", a, b)
	}

	if err := m.Munmap(a, 4096); err != nil {
		t.Fatalf("munmap a: %v", err)
	}

	c, err := m.Mmap(0, 4096, ProtRead, MapPrivate|MapAnonymous, "", 0)
	if err != nil {
		t.Fatalf("mmap c: %v", err)
	}
	if c != a {
		t.Fatalf("expected reuse of freed region at %#x, got %#x", a, c)
	}
}

func TestMmapFixedOverCoveredRangeSplitsAndRewrites(t *testing.T) {
	m := newTestMMap()

	const oneGiB = 1 << 30
	base, err := m.Mmap(0, oneGiB, ProtNone, MapPrivate|MapAnonymous, "", 0)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}

	const hundredMiB = 100 << 20
	fixedAddr := base + hundredMiB
	fixedSize := uint64(200 << 20)
	got, err := m.Mmap(fixedAddr, fixedSize, ProtRead|ProtWrite, MapFixed|MapPrivate|MapAnonymous, "", 0)
	if err != nil {
		t.Fatalf("MAP_FIXED over covered range: %v", err)
	}
	if got != fixedAddr {
		t.Fatalf("MAP_FIXED returned %#x, want requested address %#x", got, fixedAddr)
	}

	if len(m.busy) != 3 {
		t.Fatalf("expected 3 busy regions (PROT_NONE before, RW middle, PROT_NONE after), got %d", len(m.busy))
	}
	if m.busy[0].Prot != ProtNone || m.busy[0].Start != base || m.busy[0].End() != fixedAddr {
		t.Fatalf("leading PROT_NONE region wrong: %+v", m.busy[0])
	}
	if m.busy[1].Prot != ProtRead|ProtWrite || m.busy[1].Start != fixedAddr || m.busy[1].Size != fixedSize {
		t.Fatalf("middle RW region wrong: %+v", m.busy[1])
	}
	if m.busy[2].Prot != ProtNone || m.busy[2].Start != fixedAddr+fixedSize || m.busy[2].End() != base+oneGiB {
		t.Fatalf("trailing PROT_NONE region wrong: %+v", m.busy[2])
	}
}

func TestMmapFixedNotFullyMappedRejected(t *testing.T) {
	m := newTestMMap()

	addr, err := m.Mmap(0, pageSize, ProtRead|ProtWrite, MapPrivate|MapAnonymous, "", 0)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}

	if _, err := m.Mmap(addr, 2*pageSize, ProtRead, MapFixed|MapPrivate|MapAnonymous, "", 0); err == nil {
		t.Fatalf("expected error for MAP_FIXED range not fully covered by the busy list")
	}
}

func TestMprotectSplitsRegion(t *testing.T) {
	m := newTestMMap()

	addr, err := m.Mmap(0, 3*pageSize, ProtRead|ProtWrite, MapPrivate|MapAnonymous, "", 0)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}

	if err := m.Mprotect(addr+pageSize, pageSize, ProtRead); err != nil {
		t.Fatalf("mprotect: %v", err)
	}

	if len(m.busy) != 3 {
		t.Fatalf("expected 3 busy regions after split, got %d", len(m.busy))
	}
	if m.busy[1].Prot != ProtRead {
		t.Fatalf("middle region prot = %v, want r", m.busy[1].Prot)
	}
	if m.busy[0].Prot != ProtRead|ProtWrite || m.busy[2].Prot != ProtRead|ProtWrite {
		t.Fatalf("outer regions lost their original protection")
	}
}

func TestMunmapPartialRangeNotFullyMappedRejected(t *testing.T) {
	m := newTestMMap()

	addr, err := m.Mmap(0, pageSize, ProtRead|ProtWrite, MapPrivate|MapAnonymous, "", 0)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}

	if err := m.Munmap(addr, 2*pageSize); err == nil {
		t.Fatalf("expected error unmapping beyond the mapped range")
	}
}

func TestRemapGrowsInPlaceWhenFreeNeighborFits(t *testing.T) {
	m := newTestMMap()

	// The arena grows downward from the top, so the region allocated first
	// sits at the highest address; allocate it, then allocate the region
	// under test immediately below it, then free the first so a free
	// region directly above a's end becomes available for in-place growth.
	above, err := m.Mmap(0, pageSize, ProtRead|ProtWrite, MapPrivate|MapAnonymous, "", 0)
	if err != nil {
		t.Fatalf("mmap above: %v", err)
	}
	a, err := m.Mmap(0, pageSize, ProtRead|ProtWrite, MapPrivate|MapAnonymous, "", 0)
	if err != nil {
		t.Fatalf("mmap a: %v", err)
	}
	if above != a+pageSize {
		t.Fatalf("expected above to sit directly atop a: a=%#x above=%#x", a, above)
	}
	if err := m.Munmap(above, pageSize); err != nil {
		t.Fatalf("munmap above: %v", err)
	}

	got, err := m.Remap(a, pageSize, 2*pageSize, false)
	if err != nil {
		t.Fatalf("remap grow in place: %v", err)
	}
	if got != a {
		t.Fatalf("remap grow in place moved the mapping: got %#x, want %#x", got, a)
	}
	if len(m.busy) != 1 || m.busy[0].Start != a || m.busy[0].Size != 2*pageSize {
		t.Fatalf("expected a single coalesced 2-page busy region, got %+v", m.busy)
	}
}

func TestRemapMovesWhenNoRoomAndMayMove(t *testing.T) {
	m := newTestMMap()

	a, err := m.Mmap(0, pageSize, ProtRead|ProtWrite, MapPrivate|MapAnonymous, "", 0)
	if err != nil {
		t.Fatalf("mmap a: %v", err)
	}
	if _, err := m.Mmap(0, pageSize, ProtRead|ProtWrite, MapPrivate|MapAnonymous, "", 0); err != nil {
		t.Fatalf("mmap b: %v", err)
	}

	kma, err := m.as.GVAToKMA(a, pageSize)
	if err != nil {
		t.Fatalf("gva to kma: %v", err)
	}
	kma[0] = 0x42

	got, err := m.Remap(a, pageSize, 3*pageSize, true)
	if err != nil {
		t.Fatalf("remap with move: %v", err)
	}
	if got == a {
		t.Fatalf("expected remap to relocate the mapping away from %#x", a)
	}

	moved, err := m.as.GVAToKMA(got, pageSize)
	if err != nil {
		t.Fatalf("gva to kma after move: %v", err)
	}
	if moved[0] != 0x42 {
		t.Fatalf("remap did not preserve contents across the move")
	}

	if m.busyRangeFullyCovered(a, pageSize) {
		t.Fatalf("expected the old range to be released back to the free list after the move")
	}
	if m.freeRegionAt(a) == nil {
		t.Fatalf("expected the old range to appear on the free list after the move")
	}
}

func TestRemapWithoutMayMoveFailsWhenNoRoom(t *testing.T) {
	m := newTestMMap()

	a, err := m.Mmap(0, pageSize, ProtRead|ProtWrite, MapPrivate|MapAnonymous, "", 0)
	if err != nil {
		t.Fatalf("mmap a: %v", err)
	}
	if _, err := m.Mmap(0, pageSize, ProtRead|ProtWrite, MapPrivate|MapAnonymous, "", 0); err != nil {
		t.Fatalf("mmap b: %v", err)
	}

	if _, err := m.Remap(a, pageSize, 2*pageSize, false); err == nil {
		t.Fatalf("expected remap to fail without MREMAP_MAYMOVE when no room to grow in place")
	}
}

func TestRemapShrinkTruncatesTail(t *testing.T) {
	m := newTestMMap()

	a, err := m.Mmap(0, 3*pageSize, ProtRead|ProtWrite, MapPrivate|MapAnonymous, "", 0)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}

	got, err := m.Remap(a, 3*pageSize, pageSize, false)
	if err != nil {
		t.Fatalf("remap shrink: %v", err)
	}
	if got != a {
		t.Fatalf("shrink should never move the mapping: got %#x, want %#x", got, a)
	}
	if len(m.busy) != 1 || m.busy[0].Size != pageSize {
		t.Fatalf("expected busy region truncated to one page, got %+v", m.busy)
	}
	if len(m.free) != 1 || m.free[0].Start != a+pageSize || m.free[0].Size != 2*pageSize {
		t.Fatalf("expected freed tail in free list, got %+v", m.free)
	}
}

func TestMadviseDontNeedZeroesBackingMemory(t *testing.T) {
	m := newTestMMap()

	addr, err := m.Mmap(0, pageSize, ProtRead|ProtWrite, MapPrivate|MapAnonymous, "", 0)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	kma, err := m.as.GVAToKMA(addr, pageSize)
	if err != nil {
		t.Fatalf("gva to kma: %v", err)
	}
	for i := range kma {
		kma[i] = 0xff
	}

	if err := m.Madvise(addr, pageSize, AdviseDontNeed); err != nil {
		t.Fatalf("madvise: %v", err)
	}

	for i, b := range kma {
		if b != 0 {
			t.Fatalf("expected byte %d zeroed after MADV_DONTNEED, got %#x", i, b)
		}
	}
}

func TestMadviseUnmappedRangeRejected(t *testing.T) {
	m := newTestMMap()

	if err := m.Madvise(GuestTopLimit-pageSize, pageSize, AdviseDontNeed); err == nil {
		t.Fatalf("expected error for madvise over an unmapped range")
	}
}

func TestMsyncRequiresFullCoverage(t *testing.T) {
	m := newTestMMap()

	addr, err := m.Mmap(0, pageSize, ProtRead|ProtWrite, MapPrivate|MapAnonymous, "", 0)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}

	if err := m.Msync(addr, pageSize); err != nil {
		t.Fatalf("msync over mapped range: %v", err)
	}
	if err := m.Msync(addr, 2*pageSize); err == nil {
		t.Fatalf("expected error for msync range extending past the mapped region")
	}
}

func TestBrkMonotonicGrowth(t *testing.T) {
	m := newTestMMap()

	prev, err := m.Brk(GuestBottomBase + 0x10000)
	if err != nil {
		t.Fatalf("brk: %v", err)
	}
	if prev != GuestBottomBase {
		t.Fatalf("initial brk = %#x, want %#x", prev, GuestBottomBase)
	}

	cur, err := m.Brk(0)
	if err != nil {
		t.Fatalf("brk query: %v", err)
	}
	if cur != GuestBottomBase+0x10000 {
		t.Fatalf("brk query = %#x, want %#x", cur, GuestBottomBase+0x10000)
	}
}
