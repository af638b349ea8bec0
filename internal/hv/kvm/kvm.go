// Package kvm implements the internal/hv driver interfaces on top of Linux
// /dev/kvm. It only talks ioctl and mmap; decoding a port-I/O or MMIO exit
// into a hypercall belongs to internal/hcall, and guest memory accounting
// belongs to internal/memory.
package kvm

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"unsafe"

	"github.com/tinyrange/kmon/internal/hv"
	"golang.org/x/sys/unix"
)

// Driver opens /dev/kvm once and hands out VMs.
type Driver struct {
	fd          int
	mmapSize    int
	apiVersion  int
}

var _ hv.Driver = (*Driver)(nil)

// Open opens /dev/kvm and checks the API version and capabilities this
// monitor depends on (KVM_CAP_USER_MEMORY, a usable KVM_GET_VCPU_MMAP_SIZE).
func Open() (*Driver, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hv.ErrUnsupportedBackend, err)
	}
	fd := int(f.Fd())

	version, err := ioctlSimple(fd, kvmGetAPIVersion)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("kvm: KVM_GET_API_VERSION: %w", err)
	}
	if version != 12 {
		f.Close()
		return nil, fmt.Errorf("kvm: unexpected API version %d", version)
	}

	hasUserMem, err := ioctlRetry(uintptr(fd), kvmCheckExtension, kvmCapUserMemory)
	if err != nil || hasUserMem == 0 {
		f.Close()
		return nil, fmt.Errorf("kvm: KVM_CAP_USER_MEMORY unavailable")
	}

	mmapSize, err := ioctlSimple(fd, kvmGetVCPUMmapSize)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("kvm: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	return &Driver{fd: fd, mmapSize: mmapSize, apiVersion: version}, nil
}

func (d *Driver) Identity() hv.Identity { return hv.IdentityKVM }

func (d *Driver) OpenVM(physMemBytes uint64) (hv.VM, error) {
	fd, err := ioctlSimple(d.fd, kvmCreateVM)
	if err != nil {
		return nil, fmt.Errorf("kvm: KVM_CREATE_VM: %w", err)
	}

	if _, err := ioctlRetry(uintptr(fd), kvmSetTSSAddr, 0xfffbd000); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: KVM_SET_TSS_ADDR: %w", err)
	}
	if _, err := ioctlRetry(uintptr(fd), kvmCreateIRQChip, 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: KVM_CREATE_IRQCHIP: %w", err)
	}

	return &vm{
		driver:   d,
		fd:       fd,
		mmapSize: d.mmapSize,
		vcpus:    make(map[int]*vcpu),
	}, nil
}

func (d *Driver) Close() error {
	return unix.Close(d.fd)
}

type vm struct {
	driver   *Driver
	fd       int
	mmapSize int

	mu       sync.Mutex
	vcpus    map[int]*vcpu
	slot     uint32
	cpuidRaw []byte
}

var _ hv.VM = (*vm)(nil)

func (v *vm) InstallRegion(slot uint32, guestPA uint64, size uint64, host []byte) error {
	if size == 0 {
		return fmt.Errorf("kvm: zero-size memory region")
	}
	if uint64(len(host)) < size {
		return fmt.Errorf("kvm: host buffer shorter than region size")
	}
	region := kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPA,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&host[0]))),
	}
	if _, err := ioctlRetry(uintptr(v.fd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region))); err != nil {
		return fmt.Errorf("kvm: KVM_SET_USER_MEMORY_REGION slot %d: %w", slot, err)
	}
	return nil
}

func (v *vm) SetCPUID(entries []hv.CPUIDEntry) error {
	type buf struct {
		hdr     kvmCPUID2Header
		entries [1]kvmCPUIDEntry2
	}
	size := unsafe.Sizeof(kvmCPUID2Header{}) + uintptr(len(entries))*unsafe.Sizeof(kvmCPUIDEntry2{})
	raw := make([]byte, size)
	hdr := (*kvmCPUID2Header)(unsafe.Pointer(&raw[0]))
	hdr.Nr = uint32(len(entries))
	if len(entries) > 0 {
		first := (*kvmCPUIDEntry2)(unsafe.Pointer(uintptr(unsafe.Pointer(hdr)) + unsafe.Sizeof(kvmCPUID2Header{})))
		dst := unsafe.Slice(first, len(entries))
		for i, e := range entries {
			dst[i] = kvmCPUIDEntry2{
				Function: e.Function, Index: e.Index, Flags: e.Flags,
				EAX: e.EAX, EBX: e.EBX, ECX: e.ECX, EDX: e.EDX,
			}
		}
	}
	v.cpuidRaw = raw
	return nil
}

func (v *vm) CreateVCPU(id int) (hv.VCPU, error) {
	if id < 0 || id >= hv.MaxVCPUs {
		return nil, hv.ErrVCPULimit
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.vcpus[id]; exists {
		return nil, fmt.Errorf("kvm: vcpu %d already exists", id)
	}

	fd, err := ioctlRetry(uintptr(v.fd), kvmCreateVCPU, uintptr(id))
	if err != nil {
		return nil, fmt.Errorf("kvm: KVM_CREATE_VCPU %d: %w", id, err)
	}

	run, err := unix.Mmap(int(fd), 0, v.mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("kvm: mmap vcpu run page: %w", err)
	}

	if len(v.cpuidRaw) > 0 {
		if _, err := ioctlRetry(fd, kvmSetCPUID2, uintptr(unsafe.Pointer(&v.cpuidRaw[0]))); err != nil {
			unix.Munmap(run)
			unix.Close(int(fd))
			return nil, fmt.Errorf("kvm: KVM_SET_CPUID2: %w", err)
		}
	}

	c := &vcpu{vm: v, id: id, fd: int(fd), run: run}
	v.vcpus[id] = c
	return c, nil
}

func (v *vm) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, c := range v.vcpus {
		c.Close()
	}
	return unix.Close(v.fd)
}

type vcpu struct {
	vm    *vm
	id    int
	fd    int
	run   []byte
	osTid int
}

var _ hv.VCPU = (*vcpu)(nil)

func (c *vcpu) ID() int { return c.id }

func (c *vcpu) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&c.run[0]))
}

func (c *vcpu) GetRegs() (*hv.Regs, error) {
	var r kvmRegs
	if _, err := ioctlRetry(uintptr(c.fd), kvmGetRegs, uintptr(unsafe.Pointer(&r))); err != nil {
		return nil, fmt.Errorf("kvm: KVM_GET_REGS: %w", err)
	}
	return &hv.Regs{
		RAX: r.Rax, RBX: r.Rbx, RCX: r.Rcx, RDX: r.Rdx,
		RSI: r.Rsi, RDI: r.Rdi, RSP: r.Rsp, RBP: r.Rbp,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		RIP: r.Rip, RFLAGS: r.Rflags,
	}, nil
}

func (c *vcpu) SetRegs(regs *hv.Regs) error {
	r := kvmRegs{
		Rax: regs.RAX, Rbx: regs.RBX, Rcx: regs.RCX, Rdx: regs.RDX,
		Rsi: regs.RSI, Rdi: regs.RDI, Rsp: regs.RSP, Rbp: regs.RBP,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
		Rip: regs.RIP, Rflags: regs.RFLAGS,
	}
	if _, err := ioctlRetry(uintptr(c.fd), kvmSetRegs, uintptr(unsafe.Pointer(&r))); err != nil {
		return fmt.Errorf("kvm: KVM_SET_REGS: %w", err)
	}
	return nil
}

func segToHV(s kvmSegment) hv.Segment {
	return hv.Segment{
		Base: s.Base, Limit: s.Limit, Selector: s.Selector, Type: s.Type,
		Present: s.Present, DPL: s.DPL, DB: s.DB, S: s.S, L: s.L, G: s.G,
		AVL: s.AVL, Unusable: s.Unusable,
	}
}

func segFromHV(s hv.Segment) kvmSegment {
	return kvmSegment{
		Base: s.Base, Limit: s.Limit, Selector: s.Selector, Type: s.Type,
		Present: s.Present, DPL: s.DPL, DB: s.DB, S: s.S, L: s.L, G: s.G,
		AVL: s.AVL, Unusable: s.Unusable,
	}
}

func (c *vcpu) GetSregs() (*hv.Sregs, error) {
	var s kvmSregs
	if _, err := ioctlRetry(uintptr(c.fd), kvmGetSregs, uintptr(unsafe.Pointer(&s))); err != nil {
		return nil, fmt.Errorf("kvm: KVM_GET_SREGS: %w", err)
	}
	return &hv.Sregs{
		CS: segToHV(s.CS), DS: segToHV(s.DS), ES: segToHV(s.ES), FS: segToHV(s.FS),
		GS: segToHV(s.GS), SS: segToHV(s.SS), TR: segToHV(s.TR), LDT: segToHV(s.LDT),
		GDT: hv.DTable{Base: s.GDT.Base, Limit: s.GDT.Limit},
		IDT: hv.DTable{Base: s.IDT.Base, Limit: s.IDT.Limit},
		CR0: s.CR0, CR2: s.CR2, CR3: s.CR3, CR4: s.CR4, CR8: s.CR8,
		EFER: s.EFER, ApicBase: s.ApicBase, InterruptBitmap: s.InterruptBitmap,
	}, nil
}

func (c *vcpu) SetSregs(sregs *hv.Sregs) error {
	s := kvmSregs{
		CS: segFromHV(sregs.CS), DS: segFromHV(sregs.DS), ES: segFromHV(sregs.ES), FS: segFromHV(sregs.FS),
		GS: segFromHV(sregs.GS), SS: segFromHV(sregs.SS), TR: segFromHV(sregs.TR), LDT: segFromHV(sregs.LDT),
		GDT: kvmDTable{Base: sregs.GDT.Base, Limit: sregs.GDT.Limit},
		IDT: kvmDTable{Base: sregs.IDT.Base, Limit: sregs.IDT.Limit},
		CR0: sregs.CR0, CR2: sregs.CR2, CR3: sregs.CR3, CR4: sregs.CR4, CR8: sregs.CR8,
		EFER: sregs.EFER, ApicBase: sregs.ApicBase, InterruptBitmap: sregs.InterruptBitmap,
	}
	if _, err := ioctlRetry(uintptr(c.fd), kvmSetSregs, uintptr(unsafe.Pointer(&s))); err != nil {
		return fmt.Errorf("kvm: KVM_SET_SREGS: %w", err)
	}
	return nil
}

// InitSregs sets up the flat 64-bit long-mode segment/paging state the
// monitor boots every VCPU with: identity-mapped page tables already built
// by internal/memory, CS with the long-mode+present+code bits, and paging
// enabled in CR0/CR4/EFER.
func (c *vcpu) InitSregs() error {
	sregs, err := c.GetSregs()
	if err != nil {
		return err
	}

	codeSeg := hv.Segment{Base: 0, Limit: 0xffffffff, Selector: 1 << 3, Present: 1, Type: 11, DPL: 0, DB: 0, S: 1, L: 1, G: 1}
	dataSeg := hv.Segment{Base: 0, Limit: 0xffffffff, Selector: 2 << 3, Present: 1, Type: 3, DPL: 0, DB: 1, S: 1, L: 0, G: 1}

	sregs.CS = codeSeg
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = dataSeg, dataSeg, dataSeg, dataSeg, dataSeg

	const (
		cr0PE = 1 << 0
		cr0PG = 1 << 31
		cr4PAE = 1 << 5
		eferLME = 1 << 8
		eferLMA = 1 << 10
	)
	sregs.CR0 |= cr0PE | cr0PG
	sregs.CR4 |= cr4PAE
	sregs.EFER |= eferLME | eferLMA

	return c.SetSregs(sregs)
}

func (c *vcpu) GetXCRs() (*hv.XCRs, error) {
	var x kvmXcrs
	if _, err := ioctlRetry(uintptr(c.fd), kvmGetXcrs, uintptr(unsafe.Pointer(&x))); err != nil {
		return nil, fmt.Errorf("kvm: KVM_GET_XCRS: %w", err)
	}
	if x.NrXCRs == 0 {
		return &hv.XCRs{}, nil
	}
	return &hv.XCRs{XCR0: x.XCRs[0].Value}, nil
}

func (c *vcpu) SetXCRs(xcrs *hv.XCRs) error {
	x := kvmXcrs{NrXCRs: 1}
	x.XCRs[0] = kvmXcr{XCR: 0, Value: xcrs.XCR0}
	if _, err := ioctlRetry(uintptr(c.fd), kvmSetXcrs, uintptr(unsafe.Pointer(&x))); err != nil {
		return fmt.Errorf("kvm: KVM_SET_XCRS: %w", err)
	}
	return nil
}

func (c *vcpu) Run() (hv.ExitReason, error) {
	run := c.runData()
	run.RequestInterruptWindow = 0

	_, err := ioctl(uintptr(c.fd), kvmRun, 0)
	if err == unix.EINTR {
		return hv.ExitIntr, nil
	}
	if err != nil {
		return hv.ExitUnknown, fmt.Errorf("kvm: KVM_RUN vcpu %d: %w", c.id, err)
	}

	switch kvmExitReason(run.ExitReason) {
	case kvmExitHlt:
		return hv.ExitHLT, nil
	case kvmExitIO:
		return hv.ExitIO, nil
	case kvmExitMmio:
		return hv.ExitMMIO, nil
	case kvmExitDebug:
		return hv.ExitDebug, nil
	case kvmExitShutdown:
		return hv.ExitShutdown, nil
	case kvmExitFailEntry:
		return hv.ExitFailEntry, nil
	case kvmExitInternalError:
		return hv.ExitInternalError, nil
	case kvmExitException:
		return hv.ExitException, nil
	default:
		return hv.ExitUnknown, fmt.Errorf("kvm: vcpu %d exited with unhandled reason %s", c.id, kvmExitReason(run.ExitReason))
	}
}

func (c *vcpu) DecodeIO() (*hv.IOExit, error) {
	run := c.runData()
	io := (*kvmExitIOData)(unsafe.Pointer(&run.Union[0]))
	data := c.run[io.DataOffset : io.DataOffset+uint64(io.Size)*uint64(io.Count)]
	dir := hv.IODirectionIn
	if io.Direction != 0 {
		dir = hv.IODirectionOut
	}
	return &hv.IOExit{Port: io.Port, Direction: dir, Size: io.Size, Count: io.Count, Data: data}, nil
}

func (c *vcpu) DecodeMMIO() (*hv.MMIOExit, error) {
	run := c.runData()
	m := (*kvmExitMMIOData)(unsafe.Pointer(&run.Union[0]))
	if m.Len > uint32(len(m.Data)) {
		return nil, fmt.Errorf("kvm: mmio length %d exceeds union buffer", m.Len)
	}
	return &hv.MMIOExit{PhysAddr: m.PhysAddr, IsWrite: m.IsWrite != 0, Data: m.Data[:m.Len]}, nil
}

// DecodeFault reads the exception vector and error code KVM reported and,
// for a page fault (vector 14), the faulting address from CR2 — KVM
// doesn't surface CR2 in the exception union, so it has to come from a
// separate KVM_GET_SREGS.
func (c *vcpu) DecodeFault() (*hv.FaultExit, error) {
	run := c.runData()
	ex := (*kvmExitExceptionData)(unsafe.Pointer(&run.Union[0]))
	fault := &hv.FaultExit{Vector: uint8(ex.Exception), ErrorCode: ex.ErrorCode}
	if fault.Vector == hv.VectorPF {
		sregs, err := c.GetSregs()
		if err != nil {
			return nil, fmt.Errorf("kvm: decode fault: %w", err)
		}
		fault.Addr = sregs.CR2
	}
	return fault, nil
}

func (c *vcpu) FailReason() uint64 {
	run := c.runData()
	switch kvmExitReason(run.ExitReason) {
	case kvmExitInternalError:
		e := (*kvmInternalError)(unsafe.Pointer(&run.Union[0]))
		return uint64(e.Suberror)
	case kvmExitFailEntry:
		return run.Union[0]
	default:
		return 0
	}
}

// FPStateSize implements hv.VCPU. This backend uses KVM_GET/SET_FPU rather
// than XSAVE; the 512-byte buffer holds the 416-byte struct kvm_fpu.
func (c *vcpu) FPStateSize() int { return 512 }

func (c *vcpu) FPFormat() int { return fpFormatFXSave }

const fpFormatFXSave = 1

func (c *vcpu) SaveFPState(buf []byte) error {
	if len(buf) < c.FPStateSize() {
		return fmt.Errorf("kvm: fp state buffer too small: have %d need %d", len(buf), c.FPStateSize())
	}
	if _, err := ioctlRetry(uintptr(c.fd), kvmGetFPU, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return fmt.Errorf("kvm: KVM_GET_FPU: %w", err)
	}
	return nil
}

func (c *vcpu) RestoreFPState(buf []byte, formatTag int) error {
	if formatTag != fpFormatFXSave {
		return fmt.Errorf("kvm: fp state format %d incompatible with kvm backend", formatTag)
	}
	if len(buf) < c.FPStateSize() {
		return fmt.Errorf("kvm: fp state buffer too small: have %d need %d", len(buf), c.FPStateSize())
	}
	if _, err := ioctlRetry(uintptr(c.fd), kvmSetFPU, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return fmt.Errorf("kvm: KVM_SET_FPU: %w", err)
	}
	return nil
}

// SyncRIP performs a zero-cost KVM_RUN with immediate_exit set, forcing the
// kernel to refresh the run page's cached register state without advancing
// the guest. The vcpu run loop calls this after every hypercall and after
// rt_sigreturn rewrites the register file, so the next Run() sees it.
func (c *vcpu) SyncRIP() error {
	run := c.runData()
	run.ImmediateExit = 1
	_, err := ioctl(uintptr(c.fd), kvmRun, 0)
	run.ImmediateExit = 0
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("kvm: sync rip: %w", err)
	}
	return nil
}

func (c *vcpu) InjectInterrupt(vector uint8) error {
	irq := kvmIRQLevel{IRQ: uint32(vector), Level: 1}
	if _, err := ioctlRetry(uintptr(c.vm.fd), kvmIRQLine, uintptr(unsafe.Pointer(&irq))); err != nil {
		return fmt.Errorf("kvm: KVM_IRQ_LINE: %w", err)
	}
	return nil
}

func (c *vcpu) RequestImmediateExit() error {
	return unix.Tgkill(unix.Getpid(), c.osTid, vcpuStopSignal)
}

// vcpuStopSignal is SIGVCPUSTOP (SIGRTMAX-1 on the host), the reserved
// real-time signal the pause barrier uses to break a VCPU's owning thread
// out of a blocking KVM_RUN ioctl (spec.md §6). It must never carry its
// default terminating action on any thread that might call Run — install
// InstallStopSignalHandler once at monitor startup before creating any
// VCPU. osTid is set by internal/vcpu once the VCPU's owning goroutine has
// locked itself to an OS thread; see SetOSThread.
var vcpuStopSignal = unix.Signal(unix.SIGRTMAX() - 1)

// InstallStopSignalHandler installs a no-op handler for vcpuStopSignal so
// RequestImmediateExit's tgkill interrupts a blocking KVM_RUN (EINTR)
// instead of terminating the process with its default action. It must run
// once, before any VCPU goroutine calls Run, and stays installed for the
// life of the process — every thread that locks itself to a VCPU shares
// the same process-wide signal disposition.
func InstallStopSignalHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, vcpuStopSignal)
	go func() {
		for range ch {
			// no-op: the point of installing a handler at all is just to
			// keep the kernel from running the default (terminate) action
			// and to make sure delivery actually interrupts the ioctl.
		}
	}()
}

func (c *vcpu) SetOSThread(tid int) { c.osTid = tid }

func (c *vcpu) Close() error {
	if c.run != nil {
		unix.Munmap(c.run)
		c.run = nil
	}
	return unix.Close(c.fd)
}
