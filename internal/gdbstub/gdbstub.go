// Package gdbstub is a minimal GDB remote-serial protocol server: enough
// packet framing and register/memory/continue/step commands to attach a
// debugger to the guest (breakpoint packets Z/z get the empty
// "unsupported" reply), driven entirely through internal/vcpu's pause
// barrier and internal/hv.VCPU — it is an observer, not a second copy of
// the scheduler.
package gdbstub

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/tinyrange/kmon/internal/hv"
	"github.com/tinyrange/kmon/internal/vcpu"
)

// Target is what the stub needs from the monitor: a way to pause/resume
// every VCPU, enumerate them, and translate guest addresses.
type Target interface {
	PauseAll(ctx context.Context) error
	ResumeAll()
	VCPUs() []*vcpu.VCPU
	GVAToKMA(addr uint64, size uint64) ([]byte, error)
}

// Server accepts one GDB client connection at a time on a TCP listener,
// exactly the "wait for a single debugger" lifecycle the reference
// monitor's -g flag implies.
type Server struct {
	target Target
	ln     net.Listener

	mu        sync.Mutex
	curVCPU   int
	waitAtStartup bool
}

func NewServer(target Target, addr string, waitAtStartup bool) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gdbstub: listen on %s: %w", addr, err)
	}
	return &Server{target: target, ln: ln, waitAtStartup: waitAtStartup}, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks accepting and handling exactly one debugger session at a
// time, returning when the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	if s.waitAtStartup {
		if err := s.target.PauseAll(ctx); err != nil {
			return fmt.Errorf("gdbstub: initial pause: %w", err)
		}
	}
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) Close() error { return s.ln.Close() }

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		pkt, err := readPacket(r)
		if err != nil {
			return
		}
		conn.Write([]byte{'+'}) // ack every packet, no retransmission support

		reply, closeAfter := s.dispatch(ctx, pkt)
		if reply != "" {
			conn.Write(encodePacket(reply))
		}
		if closeAfter {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, pkt string) (reply string, closeAfter bool) {
	switch {
	case pkt == "?":
		return "S05", false // SIGTRAP, matches stopping at startup
	case pkt == "g":
		return s.readAllRegs(), false
	case strings.HasPrefix(pkt, "G"):
		return s.writeAllRegs(pkt[1:]), false
	case strings.HasPrefix(pkt, "m"):
		return s.readMem(pkt[1:]), false
	case strings.HasPrefix(pkt, "M"):
		return s.writeMem(pkt[1:]), false
	case pkt == "c" || strings.HasPrefix(pkt, "c"):
		s.target.ResumeAll()
		return "", false
	case pkt == "s":
		return "", false // single-step unsupported without per-instruction trap setup
	case pkt == "k":
		return "", true
	case strings.HasPrefix(pkt, "qSupported"):
		return "PacketSize=1000;qXfer:features:read-", false
	case strings.HasPrefix(pkt, "H"):
		return "OK", false
	default:
		return "", false // unsupported command: empty reply per RSP convention
	}
}

func (s *Server) currentVCPU() (*vcpu.VCPU, error) {
	vcpus := s.target.VCPUs()
	s.mu.Lock()
	idx := s.curVCPU
	s.mu.Unlock()
	for _, v := range vcpus {
		if v.ID() == idx {
			return v, nil
		}
	}
	if len(vcpus) == 0 {
		return nil, fmt.Errorf("gdbstub: no vcpus")
	}
	return vcpus[0], nil
}

// readAllRegs answers 'g' with the 18 registers hv.Regs tracks, in x86-64
// GDB order: rax,rbx,rcx,rdx,rsi,rdi,rbp,rsp,r8-r15,rip,eflags. Segment
// registers and fpregs are not included in the reply.
func (s *Server) readAllRegs() string {
	v, err := s.currentVCPU()
	if err != nil {
		return ""
	}
	regs, err := v.HV().GetRegs()
	if err != nil {
		return ""
	}
	order := []uint64{
		regs.RAX, regs.RBX, regs.RCX, regs.RDX,
		regs.RSI, regs.RDI, regs.RBP, regs.RSP,
		regs.R8, regs.R9, regs.R10, regs.R11,
		regs.R12, regs.R13, regs.R14, regs.R15,
		regs.RIP, regs.RFLAGS,
	}
	var sb strings.Builder
	for _, r := range order {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], r)
		sb.WriteString(hex.EncodeToString(buf[:]))
	}
	return sb.String()
}

func (s *Server) writeAllRegs(hexData string) string {
	v, err := s.currentVCPU()
	if err != nil {
		return "E01"
	}
	raw, err := hex.DecodeString(hexData)
	if err != nil || len(raw) < 18*8 {
		return "E01"
	}
	regs := &hv.Regs{
		RAX: binary.LittleEndian.Uint64(raw[0:]), RBX: binary.LittleEndian.Uint64(raw[8:]),
		RCX: binary.LittleEndian.Uint64(raw[16:]), RDX: binary.LittleEndian.Uint64(raw[24:]),
		RSI: binary.LittleEndian.Uint64(raw[32:]), RDI: binary.LittleEndian.Uint64(raw[40:]),
		RBP: binary.LittleEndian.Uint64(raw[48:]), RSP: binary.LittleEndian.Uint64(raw[56:]),
		R8: binary.LittleEndian.Uint64(raw[64:]), R9: binary.LittleEndian.Uint64(raw[72:]),
		R10: binary.LittleEndian.Uint64(raw[80:]), R11: binary.LittleEndian.Uint64(raw[88:]),
		R12: binary.LittleEndian.Uint64(raw[96:]), R13: binary.LittleEndian.Uint64(raw[104:]),
		R14: binary.LittleEndian.Uint64(raw[112:]), R15: binary.LittleEndian.Uint64(raw[120:]),
		RIP: binary.LittleEndian.Uint64(raw[128:]), RFLAGS: binary.LittleEndian.Uint64(raw[136:]),
	}
	if err := v.HV().SetRegs(regs); err != nil {
		return "E02"
	}
	return "OK"
}

func (s *Server) readMem(args string) string {
	addr, size, ok := parseMemArgs(args)
	if !ok {
		return "E01"
	}
	data, err := s.target.GVAToKMA(addr, size)
	if err != nil {
		return "E03" // EFAULT-equivalent, matches memory.ErrFault at the protocol boundary
	}
	return hex.EncodeToString(data)
}

func (s *Server) writeMem(args string) string {
	parts := strings.SplitN(args, ":", 2)
	if len(parts) != 2 {
		return "E01"
	}
	addr, size, ok := parseMemArgs(parts[0])
	if !ok {
		return "E01"
	}
	raw, err := hex.DecodeString(parts[1])
	if err != nil || uint64(len(raw)) != size {
		return "E01"
	}
	dst, err := s.target.GVAToKMA(addr, size)
	if err != nil {
		return "E03"
	}
	copy(dst, raw)
	return "OK"
}

func parseMemArgs(s string) (addr uint64, size uint64, ok bool) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	var err error
	if addr, err = parseHexU64(parts[0]); err != nil {
		return 0, 0, false
	}
	if size, err = parseHexU64(parts[1]); err != nil {
		return 0, 0, false
	}
	return addr, size, true
}

func parseHexU64(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "%x", &v)
	return v, err
}

func readPacket(r *bufio.Reader) (string, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '$' {
			break
		}
		if b == 0x03 { // Ctrl-C break
			return "", nil
		}
	}
	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '#' {
			// checksum byte pair follows, not validated (trusted local debugger)
			r.ReadByte()
			r.ReadByte()
			return sb.String(), nil
		}
		sb.WriteByte(b)
	}
}

func encodePacket(payload string) []byte {
	var checksum byte
	for i := 0; i < len(payload); i++ {
		checksum += payload[i]
	}
	return []byte(fmt.Sprintf("$%s#%02x", payload, checksum))
}
