package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

// buildMinimalELF writes a minimal ET_EXEC x86-64 ELF with one PT_LOAD
// segment, just enough for Load to parse.
func buildMinimalELF(t *testing.T, entry uint64) []byte {
	t.Helper()

	const ehdrSize = 64
	const phdrSize = 56
	data := []byte("\x90\x90\x90\x90") // a few NOPs as "code"

	var buf bytes.Buffer
	var ident [16]byte
	copy(ident[:4], "\x7fELF")
	ident[4] = 2
	ident[5] = 1
	ident[6] = 1
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.EM_X86_64))
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, uint64(ehdrSize))
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint16(ehdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(phdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))

	phOff := uint64(ehdrSize)
	dataOff := phOff + phdrSize
	binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD))
	binary.Write(&buf, binary.LittleEndian, uint32(elf.PF_R|elf.PF_X))
	binary.Write(&buf, binary.LittleEndian, dataOff)
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, uint64(len(data)))
	binary.Write(&buf, binary.LittleEndian, uint64(len(data)))
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))

	buf.Write(data)
	return buf.Bytes()
}

func TestLoadParsesEntryAndSegments(t *testing.T) {
	raw := buildMinimalELF(t, 0x200000)
	p, err := Load(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Entry != 0x200000 {
		t.Fatalf("entry = %#x, want %#x", p.Entry, 0x200000)
	}
	if len(p.Segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(p.Segments))
	}
	if p.Segments[0].VAddr != 0x200000 {
		t.Fatalf("segment vaddr = %#x, want %#x", p.Segments[0].VAddr, 0x200000)
	}
	if p.IsPIE {
		t.Fatalf("ET_EXEC payload reported as PIE")
	}
}

func TestLoadRejectsTruncatedInput(t *testing.T) {
	if _, err := Load(bytes.NewReader([]byte("not an elf"))); err == nil {
		t.Fatalf("expected error for garbage input")
	}
}
