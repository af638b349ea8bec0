package exechandoff

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := State{
		KVMFd:            3,
		VMFd:             4,
		VCPUFds:          []int{5, 6},
		IntrFd:           7,
		ShutdownFd:       8,
		GuestFDs:         []GuestFD{{Guest: 0, Host: 10}, {Guest: 1, Host: 11}},
		TracePid:         100,
		ParentPid:        1,
		MyPid:            101,
		NextGuestFd:      2,
		GdbEnabled:       true,
		GdbWaitAtStartup: false,
	}

	got, ok, err := Decode(Encode(want))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !ok {
		t.Fatalf("Decode reported ok=false for a well-formed encoding")
	}
	if got.KVMFd != want.KVMFd || got.VMFd != want.VMFd {
		t.Fatalf("vm fds = %+v, want %+v", got, want)
	}
	if len(got.VCPUFds) != 2 || got.VCPUFds[0] != 5 || got.VCPUFds[1] != 6 {
		t.Fatalf("vcpu fds = %v", got.VCPUFds)
	}
	if got.IntrFd != 7 || got.ShutdownFd != 8 {
		t.Fatalf("event fds = %+v", got)
	}
	if len(got.GuestFDs) != 2 || got.GuestFDs[1].Host != 11 {
		t.Fatalf("guest fds = %+v", got.GuestFDs)
	}
	if got.TracePid != 100 || got.ParentPid != 1 || got.MyPid != 101 {
		t.Fatalf("pid info = %+v", got)
	}
	if !got.GdbEnabled || got.GdbWaitAtStartup {
		t.Fatalf("gdb info = %+v", got)
	}
}

func TestDecodeAbsentIsNotError(t *testing.T) {
	_, ok, err := Decode([]string{"PATH=/bin", "HOME=/root"})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ok {
		t.Fatalf("Decode reported ok=true with no KM_EXEC_VERS present")
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	_, _, err := Decode([]string{"KM_EXEC_VERS=99,0"})
	if err == nil {
		t.Fatalf("expected version-mismatch error")
	}
}
