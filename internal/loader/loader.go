// Package loader parses a payload ELF file into the segment plan the
// monitor needs to populate guest memory and start the first VCPU:
// PT_LOAD segments, the entry point, and (for dynamically-linked
// payloads) the requested interpreter and its own load plan.
package loader

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"math"
)

// Segment is one PT_LOAD program header, already read into memory. VAddr
// is the guest virtual address km's bottom zone maps it at (identity GVA
// == GPA, per internal/memory); MemSize may exceed len(Data) for bss.
type Segment struct {
	VAddr    uint64
	Data     []byte
	MemSize  uint64
	Flags    elf.ProgFlag
	Align    uint64
}

// Payload is the load plan for one ELF file: its segments, entry point,
// and auxv-relevant metadata the guest's libc expects to see.
type Payload struct {
	Entry      uint64
	Segments   []Segment
	Interp     string // PT_INTERP content, empty for static binaries
	PHAddr     uint64 // guest VA of the program header table, for AT_PHDR
	PHEntSize  uint64
	PHNum      int
	IsPIE      bool
	MinVAddr   uint64
	MaxVAddr   uint64
}

var (
	ErrNotX86_64    = errors.New("loader: payload is not an x86-64 ELF executable")
	ErrNoLoadSegs   = errors.New("loader: ELF has no PT_LOAD segments")
	ErrSegmentRange = errors.New("loader: ELF segment size exceeds host limits")
)

// Load parses r (a payload ELF file, statically or dynamically linked)
// into a Payload. It does not resolve the interpreter; the caller loads
// Payload.Interp itself (Load again) if non-empty, the same two-step the
// reference monitor's km_exec/km_dl_init split performs.
func Load(r io.ReaderAt) (*Payload, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("loader: open elf: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return nil, ErrNotX86_64
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("loader: unsupported ELF type %s", f.Type)
	}

	p := &Payload{
		Entry: f.Entry,
		IsPIE: f.Type == elf.ET_DYN,
	}

	var minVAddr uint64 = math.MaxUint64
	var maxVAddr uint64

	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_INTERP:
			data := make([]byte, prog.Filesz)
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("loader: read PT_INTERP: %w", err)
			}
			p.Interp = trimNulTerm(data)
		case elf.PT_LOAD:
			if prog.Memsz == 0 {
				continue
			}
			if prog.Filesz > uint64(math.MaxInt) || prog.Memsz > uint64(math.MaxInt) {
				return nil, ErrSegmentRange
			}
			data := make([]byte, prog.Filesz)
			if prog.Filesz > 0 {
				if _, err := prog.ReadAt(data, 0); err != nil {
					return nil, fmt.Errorf("loader: read PT_LOAD @%#x: %w", prog.Vaddr, err)
				}
			}
			p.Segments = append(p.Segments, Segment{
				VAddr:   prog.Vaddr,
				Data:    data,
				MemSize: prog.Memsz,
				Flags:   prog.Flags,
				Align:   prog.Align,
			})
			if prog.Vaddr < minVAddr {
				minVAddr = prog.Vaddr
			}
			if end := prog.Vaddr + prog.Memsz; end > maxVAddr {
				maxVAddr = end
			}
		}
	}

	if len(p.Segments) == 0 {
		return nil, ErrNoLoadSegs
	}
	p.MinVAddr, p.MaxVAddr = minVAddr, maxVAddr

	if phdr := f.Progs; len(phdr) > 0 {
		p.PHEntSize = 56 // sizeof(Elf64_Phdr)
		p.PHNum = len(f.Progs)
		// PHAddr is set by the caller once it knows where the phdrs landed
		// in the loaded image (typically at file offset e_phoff within the
		// first PT_LOAD segment); Load can't know that without re-deriving
		// segment placement, which is the monitor's job, not the parser's.
	}

	return p, nil
}

func trimNulTerm(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
