// Package snapshot implements the ELF-core-based capture/restore engine:
// a standard ELF core file (readable by any ELF tool via debug/elf) whose
// PT_NOTE segment carries the monitor's private notes: one NT_KM_MONITOR
// note and one NT_KM_VCPU note per VCPU. No NT_PRSTATUS/NT_FILE/NT_AUXV
// notes are written, and neither are notes for the mmap control block,
// signal tables or open guest fds.
package snapshot

import (
	"encoding/binary"
	"fmt"
)

// Note type tags, matching the reference monitor's 4-character tags
// packed as a little-endian uint32 ("KMMN" etc, no null terminator).
const (
	NTKMMonitor   uint32 = 0x4b4d4d4e // "KMMN"
	NTKMVCPU      uint32 = 0x4b4d5052 // "KMPR"
	NTKMGuest     uint32 = 0x4b4d4754 // "KMGT"
	NTKMDynlinker uint32 = 0x4b4d444c // "KMDL"
	NTKMFile      uint32 = 0x4b4d4644 // "KMFD"
	NTKMSocket    uint32 = 0x4b4d534b // "KMSK"
	NTKMEventFD   uint32 = 0x4b4d4556 // "KMEV"
	NTKMSigHand   uint32 = 0x4b4d5348 // "KMSH"
	NTKMIOContexts uint32 = 0x4b4d494f // "KMIO"

	// Standard core-file note types, reusing debug/elf's constants would
	// require depending on its unexported note-parsing helpers, so the
	// values are restated here (they're part of the stable ELF core ABI).
	NTPRStatus uint32 = 1
	NTFile     uint32 = 0x46494c45 // "FILE", matches Linux coredump's NT_FILE
	NTAuxv     uint32 = 6
)

const noteNameKM = "KM"

// VCPUFPDataKind distinguishes how a NT_KM_VCPU note's trailing FP state
// blob should be decoded, since the format differs by backend and by
// whether XSAVE is in use.
type VCPUFPDataKind uint32

const (
	VCPUFPDataNone     VCPUFPDataKind = 0
	VCPUFPDataKVMFPU   VCPUFPDataKind = 1
	VCPUFPDataKVMXSave VCPUFPDataKind = 2
	VCPUFPDataKKMXSave VCPUFPDataKind = 3
)

// Note is one PT_NOTE entry: type tag, owner name, and raw descriptor
// bytes. Encode/Decode round-trip the Elf64_Nhdr framing (name and
// descriptor each padded to a 4-byte boundary per the ELF note ABI).
type Note struct {
	Type uint32
	Name string
	Desc []byte
}

// MonitorNote is the NT_KM_MONITOR descriptor: process-wide bookkeeping
// needed before any VCPU or guest note can be meaningfully applied.
type MonitorNote struct {
	Identity        string // hv.Identity of the capturing backend; restore refuses a mismatch
	GuestPhysMemBytes uint64
	BottomBrk       uint64
	TopBrk          uint64
	NextGuestFD     int
	Pid, ParentPid  int32
}

func (m MonitorNote) encode() []byte {
	buf := make([]byte, 8+8+8+8+8+4+4+len(m.Identity)+4)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(m.Identity)))
	off := 4
	copy(buf[off:], m.Identity)
	off += len(m.Identity)
	binary.LittleEndian.PutUint64(buf[off:], m.GuestPhysMemBytes)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.BottomBrk)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.TopBrk)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.NextGuestFD))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.Pid))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(m.ParentPid))
	off += 4
	return buf[:off]
}

func decodeMonitorNote(desc []byte) (MonitorNote, error) {
	if len(desc) < 4 {
		return MonitorNote{}, fmt.Errorf("snapshot: truncated monitor note")
	}
	nameLen := binary.LittleEndian.Uint32(desc[0:])
	off := 4
	if len(desc) < off+int(nameLen)+8+8+8+4+4+4 {
		return MonitorNote{}, fmt.Errorf("snapshot: truncated monitor note body")
	}
	m := MonitorNote{Identity: string(desc[off : off+int(nameLen)])}
	off += int(nameLen)
	m.GuestPhysMemBytes = binary.LittleEndian.Uint64(desc[off:])
	off += 8
	m.BottomBrk = binary.LittleEndian.Uint64(desc[off:])
	off += 8
	m.TopBrk = binary.LittleEndian.Uint64(desc[off:])
	off += 8
	m.NextGuestFD = int(binary.LittleEndian.Uint32(desc[off:]))
	off += 4
	m.Pid = int32(binary.LittleEndian.Uint32(desc[off:]))
	off += 4
	m.ParentPid = int32(binary.LittleEndian.Uint32(desc[off:]))
	return m, nil
}

// VCPUNote is the NT_KM_VCPU descriptor: one per captured VCPU, the
// general-purpose register file plus an FP state blob whose format is
// named by FPKind.
type VCPUNote struct {
	ID     int32
	Regs   [18]uint64 // same field order as hv.Regs
	FPKind VCPUFPDataKind
	FPData []byte
}

func (v VCPUNote) encode() []byte {
	buf := make([]byte, 4+4+18*8+4+len(v.FPData))
	binary.LittleEndian.PutUint32(buf[0:], uint32(v.ID))
	binary.LittleEndian.PutUint32(buf[4:], uint32(v.FPKind))
	off := 8
	for _, r := range v.Regs {
		binary.LittleEndian.PutUint64(buf[off:], r)
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(v.FPData)))
	off += 4
	copy(buf[off:], v.FPData)
	return buf
}

func decodeVCPUNote(desc []byte) (VCPUNote, error) {
	const fixed = 4 + 4 + 18*8 + 4
	if len(desc) < fixed {
		return VCPUNote{}, fmt.Errorf("snapshot: truncated vcpu note")
	}
	var v VCPUNote
	v.ID = int32(binary.LittleEndian.Uint32(desc[0:]))
	v.FPKind = VCPUFPDataKind(binary.LittleEndian.Uint32(desc[4:]))
	off := 8
	for i := range v.Regs {
		v.Regs[i] = binary.LittleEndian.Uint64(desc[off:])
		off += 8
	}
	fpLen := int(binary.LittleEndian.Uint32(desc[off:]))
	off += 4
	if len(desc) < off+fpLen {
		return VCPUNote{}, fmt.Errorf("snapshot: truncated vcpu fp data")
	}
	v.FPData = append([]byte(nil), desc[off:off+fpLen]...)
	return v, nil
}

// FileNote is one NT_KM_FILE entry: an open guest fd and enough of its
// host identity to reopen it (path, flags, offset) on restore. Capture
// does not emit file notes.
type FileNote struct {
	GuestFD int32
	Flags   int32
	Offset  int64
	Path    string
}

func (f FileNote) encode() []byte {
	buf := make([]byte, 4+4+8+4+len(f.Path))
	binary.LittleEndian.PutUint32(buf[0:], uint32(f.GuestFD))
	binary.LittleEndian.PutUint32(buf[4:], uint32(f.Flags))
	binary.LittleEndian.PutUint64(buf[8:], uint64(f.Offset))
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(f.Path)))
	copy(buf[20:], f.Path)
	return buf
}

func decodeFileNote(desc []byte) (FileNote, error) {
	if len(desc) < 20 {
		return FileNote{}, fmt.Errorf("snapshot: truncated file note")
	}
	f := FileNote{
		GuestFD: int32(binary.LittleEndian.Uint32(desc[0:])),
		Flags:   int32(binary.LittleEndian.Uint32(desc[4:])),
		Offset:  int64(binary.LittleEndian.Uint64(desc[8:])),
	}
	pathLen := int(binary.LittleEndian.Uint32(desc[16:]))
	if len(desc) < 20+pathLen {
		return FileNote{}, fmt.Errorf("snapshot: truncated file note path")
	}
	f.Path = string(desc[20 : 20+pathLen])
	return f, nil
}
