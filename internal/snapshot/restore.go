package snapshot

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/tinyrange/kmon/internal/hv"
	"github.com/tinyrange/kmon/internal/memory"
)

// VCPUSink is where restore writes recovered register/FP state back to.
// internal/vcpu.Scheduler.Get returns VCPUs satisfying this via their
// underlying hv.VCPU.
type VCPUSink interface {
	ID() int
	HV() hv.VCPU
}

// RestoredVCPU is one NT_KM_VCPU note's content, handed back to the
// caller so it can allocate a real vcpu.VCPU (via the scheduler) at the
// matching id and apply Regs/FPData to it — restore itself never creates
// VCPUs, since that requires the scheduler's bookkeeping, not just a
// bare hv.VCPU.
type RestoredVCPU struct {
	ID     int
	Regs   hv.Regs
	FPKind VCPUFPDataKind
	FPData []byte
}

// Result is everything Restore recovered from a core file, for the
// caller (internal/monitor) to apply: the monitor bookkeeping note plus
// one entry per captured VCPU. Memory is restored directly into AS as a
// side effect, since that has to happen before any VCPU can safely run.
type Result struct {
	Monitor MonitorNote
	VCPUs   []RestoredVCPU
}

// Restore reads a core file written by Capture and installs its memory
// content into AS, returning the monitor/VCPU state for the caller to
// apply. AS must be freshly created (no slots installed yet) — restore
// does not support merging into a partially-populated address space.
func Restore(ctx context.Context, r io.ReaderAt, as *memory.AddressSpace, backend hv.Identity) (Result, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot: open core file: %w", err)
	}
	defer f.Close()
	if f.Type != elf.ET_CORE {
		return Result{}, fmt.Errorf("snapshot: not a core file (e_type %s)", f.Type)
	}

	var noteProg *elf.Prog
	var loads []*elf.Prog
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_NOTE:
			noteProg = prog
		case elf.PT_LOAD:
			loads = append(loads, prog)
		}
	}
	if noteProg == nil {
		return Result{}, fmt.Errorf("snapshot: core file has no PT_NOTE segment")
	}

	noteData := make([]byte, noteProg.Filesz)
	if _, err := noteProg.ReadAt(noteData, 0); err != nil {
		return Result{}, fmt.Errorf("snapshot: read notes: %w", err)
	}
	notes, err := decodeNotes(noteData)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot: decode notes: %w", err)
	}

	var result Result
	gotMonitor := false
	for _, n := range notes {
		switch n.Type {
		case NTKMMonitor:
			result.Monitor, err = decodeMonitorNote(n.Desc)
			if err != nil {
				return Result{}, fmt.Errorf("snapshot: decode monitor note: %w", err)
			}
			gotMonitor = true
		case NTKMVCPU:
			vn, err := decodeVCPUNote(n.Desc)
			if err != nil {
				return Result{}, fmt.Errorf("snapshot: decode vcpu note: %w", err)
			}
			result.VCPUs = append(result.VCPUs, RestoredVCPU{
				ID:     int(vn.ID),
				Regs:   regsFromArray(vn.Regs),
				FPKind: vn.FPKind,
				FPData: vn.FPData,
			})
		}
	}
	if !gotMonitor {
		return Result{}, fmt.Errorf("snapshot: core file missing NT_KM_MONITOR note")
	}
	if result.Monitor.Identity != string(backend) {
		return Result{}, fmt.Errorf("snapshot: backend mismatch: snapshot is %q, restoring on %q",
			result.Monitor.Identity, backend)
	}

	sort.Slice(result.VCPUs, func(i, j int) bool { return result.VCPUs[i].ID < result.VCPUs[j].ID })

	// Bring the address space up to the captured brk/tbrk first: this
	// installs every slot the captured zones need in the same
	// power-of-two pattern GrowBottom/GrowTop used at capture time, so
	// the memory copy below always lands on backed pages.
	if result.Monitor.BottomBrk > memory.GuestBottomBase {
		if _, err := as.GrowBottom(result.Monitor.BottomBrk); err != nil {
			return Result{}, fmt.Errorf("snapshot: restore bottom zone: %w", err)
		}
	}
	if result.Monitor.TopBrk < memory.GuestTopLimit {
		if _, err := as.GrowTop(result.Monitor.TopBrk); err != nil {
			return Result{}, fmt.Errorf("snapshot: restore top zone: %w", err)
		}
	}

	for _, prog := range loads {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if err := restoreSegment(as, prog); err != nil {
			return Result{}, fmt.Errorf("snapshot: restore segment @%#x: %w", prog.Vaddr, err)
		}
	}

	return result, nil
}

func restoreSegment(as *memory.AddressSpace, prog *elf.Prog) error {
	dst, err := as.GVAToKMA(prog.Vaddr, prog.Memsz)
	if err != nil {
		return err
	}
	n, err := prog.ReadAt(dst[:prog.Filesz], 0)
	if err != nil && err != io.EOF {
		return err
	}
	for i := uint64(n); i < prog.Memsz; i++ {
		dst[i] = 0
	}
	return nil
}

func regsFromArray(a [18]uint64) hv.Regs {
	return hv.Regs{
		RAX: a[0], RBX: a[1], RCX: a[2], RDX: a[3],
		RSI: a[4], RDI: a[5], RSP: a[6], RBP: a[7],
		R8: a[8], R9: a[9], R10: a[10], R11: a[11],
		R12: a[12], R13: a[13], R14: a[14], R15: a[15],
		RIP: a[16], RFLAGS: a[17],
	}
}

func decodeNotes(data []byte) ([]Note, error) {
	var notes []Note
	for len(data) > 0 {
		if len(data) < 12 {
			return nil, fmt.Errorf("snapshot: truncated note header")
		}
		nameSize := binary.LittleEndian.Uint32(data[0:])
		descSize := binary.LittleEndian.Uint32(data[4:])
		typ := binary.LittleEndian.Uint32(data[8:])
		off := 12
		nameLen := alignUp4(int(nameSize))
		descLen := alignUp4(int(descSize))
		if len(data) < off+nameLen+descLen {
			return nil, fmt.Errorf("snapshot: truncated note body")
		}
		name := trimNulTerm(data[off : off+int(nameSize)])
		desc := append([]byte(nil), data[off+nameLen:off+nameLen+int(descSize)]...)
		notes = append(notes, Note{Type: typ, Name: name, Desc: desc})
		data = data[off+nameLen+descLen:]
	}
	return notes, nil
}

func trimNulTerm(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// ApplyVCPU writes a restored VCPU's register and FP state onto sink,
// refusing the FP restore if its format tag doesn't match what this
// backend would have produced (per spec.md's explicit recommendation
// against cross-backend FP compatibility guesses).
func ApplyVCPU(sink VCPUSink, rv RestoredVCPU, backend hv.Identity) error {
	regs := rv.Regs
	if err := sink.HV().SetRegs(&regs); err != nil {
		return fmt.Errorf("snapshot: restore vcpu %d regs: %w", rv.ID, err)
	}
	if len(rv.FPData) == 0 {
		return nil
	}
	if rv.FPKind != fpKindFor(backend) {
		return fmt.Errorf("snapshot: vcpu %d fp state format %d incompatible with backend %s", rv.ID, rv.FPKind, backend)
	}
	if err := sink.HV().RestoreFPState(rv.FPData, int(rv.FPKind)); err != nil {
		return fmt.Errorf("snapshot: restore vcpu %d fpstate: %w", rv.ID, err)
	}
	return nil
}
