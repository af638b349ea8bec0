package memory

import (
	"fmt"
	"sort"
	"sync"
)

// MMap is the guest's mmap/brk engine: a sorted, non-overlapping list of
// busy regions and a sorted list of free regions carved out of the top
// zone's mmap arena. It never returns host memory to the OS; reclaimed
// arena space just becomes eligible for first-fit reuse, same as the
// reference monitor (whose rationale is that a guest's memory footprint
// only ever needs to grow across the life of a payload).
type MMap struct {
	mu sync.Mutex

	as *AddressSpace

	busy []*Region // sorted by Start, never overlapping
	free []*Region // sorted by Start, never overlapping, never adjacent to another free region
}

func NewMMap(as *AddressSpace) *MMap {
	return &MMap{as: as}
}

func checkMmapParams(size uint64, flags MapFlags, filename string) error {
	if size == 0 {
		return fmt.Errorf("%w: zero-size mapping", ErrInvalidArgument)
	}
	if flags&MapFixedNoreplace != 0 {
		return fmt.Errorf("%w: MAP_FIXED_NOREPLACE not supported", ErrInvalidArgument)
	}
	hasShared := flags&MapShared != 0
	hasPrivate := flags&MapPrivate != 0
	if hasShared == hasPrivate {
		return fmt.Errorf("%w: exactly one of MAP_SHARED/MAP_PRIVATE required", ErrInvalidArgument)
	}
	if flags&MapAnonymous == 0 && filename == "" {
		return fmt.Errorf("%w: non-anonymous mapping requires a backing file", ErrInvalidArgument)
	}
	return nil
}

// Mmap installs a new busy region. If flags has MapFixed, addrHint names
// the exact guest address the region must occupy: the whole [addrHint,
// addrHint+size) range must already be fully covered by the busy list
// (km_mmap_busy_check_contiguous's contract — MAP_FIXED carves out of and
// rewrites existing mappings, it does not create fresh ones), and the
// covered range is split and rewritten with the new protection/flags, the
// same split-then-apply shape as Mprotect. Without MapFixed the engine
// picks an address by first-fit search of the free list, falling back to
// growing the arena.
func (m *MMap) Mmap(addrHint uint64, size uint64, prot Protection, flags MapFlags, filename string, offset int64) (uint64, error) {
	if err := checkMmapParams(size, flags, filename); err != nil {
		return 0, err
	}
	size = alignUp(size, pageSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	if flags&MapFixed != 0 {
		if addrHint == 0 {
			return 0, fmt.Errorf("%w: MAP_FIXED with a zero address", ErrInvalidArgument)
		}
		if !m.busyRangeFullyCovered(addrHint, size) {
			return 0, fmt.Errorf("%w: MAP_FIXED range not fully mapped", ErrNotMapped)
		}
		m.splitBusyRange(addrHint, size, func(r *Region) {
			r.Prot = prot
			r.Flags = flags
			r.Filename = filename
			r.Offset = offset
		})
		m.coalesceBusyNeighbors(addrHint, size)
		return addrHint, nil
	}

	var start uint64
	found, ok := m.findFree(size)
	if ok {
		start = found
		m.consumeFree(start, size)
	} else {
		var err error
		start, err = m.growArena(size)
		if err != nil {
			return 0, err
		}
	}

	m.insertBusy(&Region{Start: start, Size: size, Prot: prot, Flags: flags, Filename: filename, Offset: offset})
	return start, nil
}

// Munmap removes [addr, addr+size) from the busy list, splitting any busy
// region that only partially overlaps the requested range and returning
// the freed range to the free list (merged with adjacent free neighbors).
func (m *MMap) Munmap(addr, size uint64) error {
	if size == 0 {
		return fmt.Errorf("%w: zero-size unmap", ErrInvalidArgument)
	}
	size = alignUp(size, pageSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.busyRangeFullyCovered(addr, size) {
		return fmt.Errorf("%w: unmap range not fully mapped", ErrNotMapped)
	}

	m.splitBusyRange(addr, size, func(r *Region) {})
	m.removeBusyRange(addr, size)
	m.insertFree(&Region{Start: addr, Size: size})
	m.reclaimArenaIfAtBoundary()
	return nil
}

// Mprotect changes the protection of every page in [addr, addr+size),
// splitting busy regions at the boundary as needed. Every byte in the
// range must already be mapped.
func (m *MMap) Mprotect(addr, size uint64, prot Protection) error {
	if size == 0 {
		return fmt.Errorf("%w: zero-size mprotect", ErrInvalidArgument)
	}
	size = alignUp(size, pageSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.busyRangeFullyCovered(addr, size) {
		return fmt.Errorf("%w: mprotect range not fully mapped", ErrNotMapped)
	}

	m.splitBusyRange(addr, size, func(r *Region) {
		r.Prot = prot
	})
	m.coalesceBusyNeighbors(addr, size)
	return nil
}

// Remap changes the size of the mapping at [oldAddr, oldAddr+oldSize).
// Shrinking always succeeds in place, truncating the tail back to the free
// list. Growing succeeds in place when the region immediately above is
// free and large enough; otherwise, if mayMove permits relocation, a fresh
// region is allocated, the old contents are copied through KMA, and the
// old range is released. mayMove false with no room to grow in place is
// ENOMEM, mirroring mremap(2) without MREMAP_MAYMOVE.
func (m *MMap) Remap(oldAddr, oldSize, newSize uint64, mayMove bool) (uint64, error) {
	if oldSize == 0 || newSize == 0 {
		return 0, fmt.Errorf("%w: zero-size mremap", ErrInvalidArgument)
	}
	oldSize = alignUp(oldSize, pageSize)
	newSize = alignUp(newSize, pageSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.busyRangeFullyCovered(oldAddr, oldSize) {
		return 0, fmt.Errorf("%w: mremap range not fully mapped", ErrNotMapped)
	}
	src := m.regionAt(oldAddr)
	if src == nil {
		return 0, fmt.Errorf("%w: mremap range not fully mapped", ErrNotMapped)
	}
	attrs := Region{Prot: src.Prot, Flags: src.Flags, Filename: src.Filename, Offset: src.Offset}

	if newSize == oldSize {
		return oldAddr, nil
	}

	if newSize < oldSize {
		tailAddr := oldAddr + newSize
		tailSize := oldSize - newSize
		m.splitBusyRange(tailAddr, tailSize, func(*Region) {})
		m.removeBusyRange(tailAddr, tailSize)
		m.insertFree(&Region{Start: tailAddr, Size: tailSize})
		m.reclaimArenaIfAtBoundary()
		return oldAddr, nil
	}

	delta := newSize - oldSize
	growAddr := oldAddr + oldSize
	if free := m.freeRegionAt(growAddr); free != nil && free.Size >= delta {
		m.consumeFree(growAddr, delta)
		m.insertBusy(&Region{Start: growAddr, Size: delta, Prot: attrs.Prot, Flags: attrs.Flags, Filename: attrs.Filename, Offset: attrs.Offset})
		m.coalesceBusyNeighbors(oldAddr, newSize)
		return oldAddr, nil
	}

	if !mayMove {
		return 0, fmt.Errorf("%w: mremap growth requires moving the mapping", ErrNoMemory)
	}

	var (
		newAddr uint64
		err     error
	)
	if found, ok := m.findFree(newSize); ok {
		newAddr = found
		m.consumeFree(newAddr, newSize)
	} else {
		newAddr, err = m.growArena(newSize)
		if err != nil {
			return 0, err
		}
	}

	oldKMA, err := m.as.GVAToKMA(oldAddr, oldSize)
	if err != nil {
		return 0, err
	}
	newKMA, err := m.as.GVAToKMA(newAddr, oldSize)
	if err != nil {
		return 0, err
	}
	copy(newKMA, oldKMA)

	m.splitBusyRange(oldAddr, oldSize, func(*Region) {})
	m.removeBusyRange(oldAddr, oldSize)
	m.insertFree(&Region{Start: oldAddr, Size: oldSize})
	m.reclaimArenaIfAtBoundary()

	m.insertBusy(&Region{Start: newAddr, Size: newSize, Prot: attrs.Prot, Flags: attrs.Flags, Filename: attrs.Filename, Offset: attrs.Offset})
	return newAddr, nil
}

// Madvise applies advice to every page in [addr, addr+size), which must
// already be fully mapped (no holes). AdviseDontNeed releases the pages'
// contents by zeroing the backing KMA bytes — the closest equivalent to
// MADV_DONTNEED available here, since the host memory backing a region is
// plain Go-managed memory rather than a separate mmap'd mapping the OS can
// reclaim out from under it. Other advice values are accepted and
// validated but are otherwise no-ops.
func (m *MMap) Madvise(addr, size uint64, advice Advice) error {
	if size == 0 {
		return fmt.Errorf("%w: zero-size madvise", ErrInvalidArgument)
	}
	size = alignUp(size, pageSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.busyRangeFullyCovered(addr, size) {
		return fmt.Errorf("%w: madvise range not fully mapped", ErrNotMapped)
	}

	if advice == AdviseDontNeed {
		kma, err := m.as.GVAToKMA(addr, size)
		if err != nil {
			return err
		}
		for i := range kma {
			kma[i] = 0
		}
	}
	return nil
}

// Msync validates that [addr, addr+size) is fully mapped. Every mapping
// this engine tracks stays backed by plain host memory regardless of
// whether the guest asked for a file-backed mapping (internal/monitor's
// mmap hypercall handler doesn't wire a host file descriptor through), so
// there is nothing to flush to a file; the coverage check is the only
// observable effect, matching the EFAULT a real msync(2) would return for
// an address range that was never mapped.
func (m *MMap) Msync(addr, size uint64) error {
	if size == 0 {
		return fmt.Errorf("%w: zero-size msync", ErrInvalidArgument)
	}
	size = alignUp(size, pageSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.busyRangeFullyCovered(addr, size) {
		return fmt.Errorf("%w: msync range not fully mapped", ErrNotMapped)
	}
	return nil
}

// Brk moves the bottom-zone break to newBrk (or, if newBrk is 0, merely
// reports the current break, matching the Linux brk(2) convention).
func (m *MMap) Brk(newBrk uint64) (uint64, error) {
	if newBrk == 0 {
		return m.as.BottomBrk(), nil
	}
	prev, err := m.as.GrowBottom(alignUp(newBrk, pageSize))
	if err != nil {
		return 0, err
	}
	return prev, nil
}

// --- internal helpers ---

const pageSize = 4096

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func (m *MMap) busyRangeFullyCovered(start, size uint64) bool {
	end := start + size
	cursor := start
	for _, r := range m.busy {
		if r.Start > cursor {
			break
		}
		if r.Start <= cursor && r.End() > cursor {
			cursor = r.End()
		}
		if cursor >= end {
			return true
		}
	}
	return cursor >= end
}

// findFree returns the start of the first free region able to hold size,
// scanning in address order (first fit).
func (m *MMap) findFree(size uint64) (uint64, bool) {
	for _, r := range m.free {
		if r.Size >= size {
			return r.Start, true
		}
	}
	return 0, false
}

// consumeFree carves [start, start+size) out of the free list, splitting
// the covering free region into up to two remaining free regions.
func (m *MMap) consumeFree(start, size uint64) {
	end := start + size
	var kept []*Region
	for _, r := range m.free {
		if r.End() <= start || r.Start >= end {
			kept = append(kept, r)
			continue
		}
		if r.Start < start {
			kept = append(kept, &Region{Start: r.Start, Size: start - r.Start})
		}
		if r.End() > end {
			kept = append(kept, &Region{Start: end, Size: r.End() - end})
		}
	}
	m.free = kept
	sortRegions(m.free)
}

func (m *MMap) insertBusy(r *Region) {
	m.busy = append(m.busy, r)
	sortRegions(m.busy)
}

func (m *MMap) removeBusyRange(start, size uint64) {
	end := start + size
	kept := m.busy[:0]
	for _, r := range m.busy {
		if r.Start >= start && r.End() <= end {
			continue
		}
		kept = append(kept, r)
	}
	m.busy = kept
}

// splitBusyRange applies action to the portion of every busy region that
// falls inside [start, start+size), splitting off the parts that fall
// outside it so action never touches memory the caller didn't ask for.
// This is the same "split at both boundaries, apply to the fully covered
// middle" shape as the reference engine's busy_range_apply.
func (m *MMap) splitBusyRange(start, size uint64, action func(*Region)) {
	end := start + size
	var result []*Region
	for _, r := range m.busy {
		if r.End() <= start || r.Start >= end {
			result = append(result, r)
			continue
		}
		if r.Start < start {
			result = append(result, &Region{Start: r.Start, Size: start - r.Start, Prot: r.Prot, Flags: r.Flags, Filename: r.Filename, Offset: r.Offset})
		}
		coveredStart := max64(r.Start, start)
		coveredEnd := min64(r.End(), end)
		middle := &Region{Start: coveredStart, Size: coveredEnd - coveredStart, Prot: r.Prot, Flags: r.Flags, Filename: r.Filename, Offset: r.Offset}
		action(middle)
		result = append(result, middle)
		if r.End() > end {
			tailOffset := r.Offset
			if r.Filename != "" {
				tailOffset += int64(end - r.Start)
			}
			result = append(result, &Region{Start: end, Size: r.End() - end, Prot: r.Prot, Flags: r.Flags, Filename: r.Filename, Offset: tailOffset})
		}
	}
	m.busy = result
	sortRegions(m.busy)
}

// coalesceBusyNeighbors merges adjacent busy regions inside and bordering
// [start, start+size) that now have identical prot/flags/filename, undoing
// the split splitBusyRange performed once the new protection matches its
// neighbor. Mirrors ok_to_concat in the reference mmap engine.
func (m *MMap) coalesceBusyNeighbors(start, size uint64) {
	sortRegions(m.busy)
	var out []*Region
	for _, r := range m.busy {
		if len(out) > 0 && okToConcat(out[len(out)-1], r) {
			out[len(out)-1].Size += r.Size
			continue
		}
		out = append(out, r)
	}
	m.busy = out
}

func okToConcat(a, b *Region) bool {
	return a.End() == b.Start &&
		a.Prot == b.Prot &&
		a.Flags == b.Flags &&
		a.KMFlags == b.KMFlags &&
		a.Filename == b.Filename &&
		(a.Filename == "" || a.Offset+int64(a.Size) == b.Offset)
}

func (m *MMap) insertFree(r *Region) {
	m.free = append(m.free, r)
	sortRegions(m.free)

	var out []*Region
	for _, f := range m.free {
		if len(out) > 0 && out[len(out)-1].End() == f.Start {
			out[len(out)-1].Size += f.Size
			continue
		}
		out = append(out, f)
	}
	m.free = out
}

// reclaimArenaIfAtBoundary shrinks tbrk bookkeeping when the free list's
// highest region now borders the current arena boundary, so a later mmap
// growArena call doesn't re-extend memory that's already free for reuse.
func (m *MMap) reclaimArenaIfAtBoundary() {
	if len(m.free) == 0 {
		return
	}
	top := m.free[len(m.free)-1]
	if top.Start == m.as.TopBrk() {
		m.as.GrowTop(top.End())
		m.free = m.free[:len(m.free)-1]
	}
}

// regionAt returns the busy region starting exactly at addr, or nil.
func (m *MMap) regionAt(addr uint64) *Region {
	for _, r := range m.busy {
		if r.Start == addr {
			return r
		}
	}
	return nil
}

// freeRegionAt returns the free region starting exactly at addr, or nil.
func (m *MMap) freeRegionAt(addr uint64) *Region {
	for _, r := range m.free {
		if r.Start == addr {
			return r
		}
	}
	return nil
}

func (m *MMap) growArena(size uint64) (uint64, error) {
	cur := m.as.TopBrk()
	newTbrk := cur - size
	if _, err := m.as.GrowTop(newTbrk); err != nil {
		return 0, err
	}
	return newTbrk, nil
}

func sortRegions(rs []*Region) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
