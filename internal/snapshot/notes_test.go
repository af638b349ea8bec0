package snapshot

import "testing"

func TestMonitorNoteRoundTrip(t *testing.T) {
	want := MonitorNote{
		Identity:          "kvm",
		GuestPhysMemBytes: 1 << 30,
		BottomBrk:         1 << 21,
		TopBrk:            0x7fffffff0000,
		NextGuestFD:       3,
		Pid:               42,
		ParentPid:         1,
	}
	got, err := decodeMonitorNote(want.encode())
	if err != nil {
		t.Fatalf("decodeMonitorNote: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestVCPUNoteRoundTrip(t *testing.T) {
	var regs [18]uint64
	for i := range regs {
		regs[i] = uint64(i) * 7
	}
	want := VCPUNote{ID: 1, Regs: regs, FPKind: VCPUFPDataKVMFPU, FPData: []byte{1, 2, 3, 4}}
	got, err := decodeVCPUNote(want.encode())
	if err != nil {
		t.Fatalf("decodeVCPUNote: %v", err)
	}
	if got.ID != want.ID || got.Regs != want.Regs || got.FPKind != want.FPKind {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if string(got.FPData) != string(want.FPData) {
		t.Fatalf("fp data = %v, want %v", got.FPData, want.FPData)
	}
}

func TestFileNoteRoundTrip(t *testing.T) {
	want := FileNote{GuestFD: 3, Flags: 0x241, Offset: 4096, Path: "/tmp/payload.data"}
	got, err := decodeFileNote(want.encode())
	if err != nil {
		t.Fatalf("decodeFileNote: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestEncodeNotesRoundTrip(t *testing.T) {
	notes := []Note{
		{Type: NTKMMonitor, Name: noteNameKM, Desc: []byte{1, 2, 3}},
		{Type: NTKMVCPU, Name: noteNameKM, Desc: []byte{4, 5}},
	}
	decoded, err := decodeNotes(encodeNotes(notes))
	if err != nil {
		t.Fatalf("decodeNotes: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("got %d notes, want 2", len(decoded))
	}
	for i, n := range decoded {
		if n.Type != notes[i].Type || n.Name != notes[i].Name || string(n.Desc) != string(notes[i].Desc) {
			t.Fatalf("note %d = %+v, want %+v", i, n, notes[i])
		}
	}
}
