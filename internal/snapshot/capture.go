package snapshot

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/kmon/internal/hv"
	"github.com/tinyrange/kmon/internal/memory"
)

// chunkSize is how much guest memory capture writes per iteration. A
// write error on any chunk aborts the capture; no chunk is skipped.
const chunkSize = 1 << 20

// VCPUSource supplies one VCPU's register and FP state for capture.
type VCPUSource interface {
	ID() int
	HV() hv.VCPU
}

// Params describes the machine being captured: its address space, open
// VCPUs, and the monitor-wide bookkeeping that becomes the NT_KM_MONITOR
// note.
type Params struct {
	AS        *memory.AddressSpace
	Backend   hv.Identity
	VCPUs     []VCPUSource
	Monitor   MonitorNote
	ShowProgress bool
}

// Capture writes a complete ELF core file for Params to w. The caller is
// responsible for having paused every VCPU (internal/vcpu.Barrier) before
// calling this — capture does not pause anything itself, since that
// decision belongs to whoever is orchestrating the pause/resume pair
// (HC_SNAPSHOT handler vs. a SIGTERM-triggered best-effort dump).
func Capture(ctx context.Context, w io.WriteSeeker, p Params) error {
	p.Monitor.Identity = string(p.Backend)

	slots := p.AS.Slots()
	sort.Slice(slots, func(i, j int) bool { return slots[i].Base < slots[j].Base })

	notes, err := buildNotes(p)
	if err != nil {
		return fmt.Errorf("snapshot: build notes: %w", err)
	}
	noteBytes := encodeNotes(notes)

	// Layout: ELF header, one PT_NOTE + one PT_LOAD per slot, then note
	// data, then each slot's raw bytes back to back.
	numLoad := len(slots)
	numPhdrs := 1 + numLoad
	ehdrSize := 64
	phdrSize := 56
	phoff := uint64(ehdrSize)
	dataOff := phoff + uint64(numPhdrs)*uint64(phdrSize)
	noteOff := dataOff
	memOff := noteOff + uint64(len(noteBytes))

	if err := writeELFHeader(w, uint64(phoff), numPhdrs); err != nil {
		return err
	}

	if _, err := w.Seek(int64(phoff), io.SeekStart); err != nil {
		return fmt.Errorf("snapshot: seek phdrs: %w", err)
	}
	if err := writeProgHeader(w, progHeader{
		Type: uint32(elf.PT_NOTE), Offset: noteOff, VAddr: 0, FileSize: uint64(len(noteBytes)), MemSize: uint64(len(noteBytes)),
	}); err != nil {
		return err
	}
	off := memOff
	for _, s := range slots {
		if err := writeProgHeader(w, progHeader{
			Type: uint32(elf.PT_LOAD), Offset: off, VAddr: s.Base,
			FileSize: uint64(len(s.Host)), MemSize: uint64(len(s.Host)),
			Flags: uint32(elf.PF_R | elf.PF_W | elf.PF_X),
		}); err != nil {
			return err
		}
		off += uint64(len(s.Host))
	}

	if _, err := w.Seek(int64(noteOff), io.SeekStart); err != nil {
		return fmt.Errorf("snapshot: seek notes: %w", err)
	}
	if _, err := w.Write(noteBytes); err != nil {
		return fmt.Errorf("snapshot: write notes: %w", err)
	}

	var bar *progressbar.ProgressBar
	if p.ShowProgress {
		bar = progressbar.DefaultBytes(int64(off-memOff), "capturing memory")
		defer bar.Close()
	}

	if _, err := w.Seek(int64(memOff), io.SeekStart); err != nil {
		return fmt.Errorf("snapshot: seek memory: %w", err)
	}
	for _, s := range slots {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeChunked(w, s.Host, bar); err != nil {
			return fmt.Errorf("snapshot: write slot @%#x: %w", s.Base, err)
		}
	}

	return nil
}

func writeChunked(w io.Writer, data []byte, bar *progressbar.ProgressBar) error {
	for len(data) > 0 {
		n := len(data)
		if n > chunkSize {
			n = chunkSize
		}
		written, err := w.Write(data[:n])
		if err != nil {
			return err
		}
		if bar != nil {
			bar.Add(written)
		}
		data = data[n:]
	}
	return nil
}

func buildNotes(p Params) ([]Note, error) {
	notes := []Note{
		{Type: NTKMMonitor, Name: noteNameKM, Desc: p.Monitor.encode()},
	}
	for _, v := range p.VCPUs {
		regs, err := v.HV().GetRegs()
		if err != nil {
			return nil, fmt.Errorf("capture vcpu %d regs: %w", v.ID(), err)
		}
		fpSize := v.HV().FPStateSize()
		fpData := make([]byte, fpSize)
		if err := v.HV().SaveFPState(fpData); err != nil {
			return nil, fmt.Errorf("capture vcpu %d fpstate: %w", v.ID(), err)
		}
		vn := VCPUNote{
			ID: int32(v.ID()),
			Regs: [18]uint64{
				regs.RAX, regs.RBX, regs.RCX, regs.RDX,
				regs.RSI, regs.RDI, regs.RSP, regs.RBP,
				regs.R8, regs.R9, regs.R10, regs.R11,
				regs.R12, regs.R13, regs.R14, regs.R15,
				regs.RIP, regs.RFLAGS,
			},
			FPKind: fpKindFor(p.Backend),
			FPData: fpData,
		}
		notes = append(notes, Note{Type: NTKMVCPU, Name: noteNameKM, Desc: vn.encode()})
	}
	return notes, nil
}

func fpKindFor(id hv.Identity) VCPUFPDataKind {
	if id == hv.IdentityKVM {
		return VCPUFPDataKVMFPU
	}
	return VCPUFPDataKKMXSave
}

func encodeNotes(notes []Note) []byte {
	var buf []byte
	for _, n := range notes {
		buf = append(buf, encodeOneNote(n)...)
	}
	return buf
}

func encodeOneNote(n Note) []byte {
	name := n.Name + "\x00"
	nameLen := alignUp4(len(name))
	descLen := alignUp4(len(n.Desc))
	buf := make([]byte, 12+nameLen+descLen)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(n.Name)+1))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(n.Desc)))
	binary.LittleEndian.PutUint32(buf[8:], n.Type)
	copy(buf[12:], name)
	copy(buf[12+nameLen:], n.Desc)
	return buf
}

func alignUp4(n int) int { return (n + 3) &^ 3 }

type progHeader struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	VAddr    uint64
	PAddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

func writeProgHeader(w io.Writer, p progHeader) error {
	buf := make([]byte, 56)
	binary.LittleEndian.PutUint32(buf[0:], p.Type)
	binary.LittleEndian.PutUint32(buf[4:], p.Flags)
	binary.LittleEndian.PutUint64(buf[8:], p.Offset)
	binary.LittleEndian.PutUint64(buf[16:], p.VAddr)
	binary.LittleEndian.PutUint64(buf[24:], p.PAddr)
	binary.LittleEndian.PutUint64(buf[32:], p.FileSize)
	binary.LittleEndian.PutUint64(buf[40:], p.MemSize)
	binary.LittleEndian.PutUint64(buf[48:], p.Align)
	_, err := w.Write(buf)
	return err
}

func writeELFHeader(w io.Writer, phoff uint64, phnum int) error {
	var ident [16]byte
	copy(ident[:4], "\x7fELF")
	ident[4] = 2 // ELFCLASS64
	ident[5] = 1 // little endian
	ident[6] = 1 // EV_CURRENT

	buf := make([]byte, 64)
	copy(buf[0:16], ident[:])
	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_CORE))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(buf[20:], 1) // EV_CURRENT
	binary.LittleEndian.PutUint64(buf[24:], 0) // e_entry unused in a core file
	binary.LittleEndian.PutUint64(buf[32:], phoff)
	binary.LittleEndian.PutUint64(buf[40:], 0) // e_shoff: no section headers
	binary.LittleEndian.PutUint32(buf[48:], 0) // e_flags
	binary.LittleEndian.PutUint16(buf[52:], 64) // e_ehsize
	binary.LittleEndian.PutUint16(buf[54:], 56) // e_phentsize
	binary.LittleEndian.PutUint16(buf[56:], uint16(phnum))
	_, err := w.Write(buf)
	return err
}
