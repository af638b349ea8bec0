package gdbstub

import (
	"bufio"
	"bytes"
	"context"
	"testing"

	"github.com/tinyrange/kmon/internal/vcpu"
)

func TestEncodePacketChecksum(t *testing.T) {
	got := encodePacket("OK")
	want := "$OK#9a"
	if string(got) != want {
		t.Fatalf("encodePacket(OK) = %q, want %q", got, want)
	}
}

func TestReadPacketStripsFramingAndChecksum(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("$qSupported#37"))
	pkt, err := readPacket(r)
	if err != nil {
		t.Fatalf("readPacket: %v", err)
	}
	if pkt != "qSupported" {
		t.Fatalf("pkt = %q, want qSupported", pkt)
	}
}

func TestParseMemArgs(t *testing.T) {
	addr, size, ok := parseMemArgs("1000,10")
	if !ok {
		t.Fatalf("parseMemArgs failed to parse")
	}
	if addr != 0x1000 || size != 0x10 {
		t.Fatalf("addr=%#x size=%#x, want 0x1000/0x10", addr, size)
	}
	if _, _, ok := parseMemArgs("garbage"); ok {
		t.Fatalf("parseMemArgs accepted malformed input")
	}
}

type fakeTarget struct {
	mem        []byte
	resumed    bool
}

func (f *fakeTarget) PauseAll(ctx context.Context) error { return nil }
func (f *fakeTarget) ResumeAll()                         { f.resumed = true }
func (f *fakeTarget) VCPUs() []*vcpu.VCPU                { return nil }
func (f *fakeTarget) GVAToKMA(addr uint64, size uint64) ([]byte, error) {
	if addr+size > uint64(len(f.mem)) {
		return nil, errTestFault
	}
	return f.mem[addr : addr+size], nil
}

var errTestFault = fakeFaultErr("gdbstub test: out of range")

type fakeFaultErr string

func (e fakeFaultErr) Error() string { return string(e) }

func TestDispatchReadMem(t *testing.T) {
	target := &fakeTarget{mem: []byte{0xde, 0xad, 0xbe, 0xef}}
	s := &Server{target: target}

	reply, closeAfter := s.dispatch(context.Background(), "m0,4")
	if closeAfter {
		t.Fatalf("unexpected closeAfter")
	}
	if reply != "deadbeef" {
		t.Fatalf("reply = %q, want deadbeef", reply)
	}
}

func TestDispatchContinueResumesTarget(t *testing.T) {
	target := &fakeTarget{}
	s := &Server{target: target}
	if _, _ = s.dispatch(context.Background(), "c"); !target.resumed {
		t.Fatalf("continue packet did not resume target")
	}
}

func TestDispatchKillClosesConnection(t *testing.T) {
	s := &Server{target: &fakeTarget{}}
	_, closeAfter := s.dispatch(context.Background(), "k")
	if !closeAfter {
		t.Fatalf("kill packet should close the connection")
	}
}
