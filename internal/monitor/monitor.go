// Package monitor wires every other package into the single Monitor
// value that owns one guest: its address space, mmap engine, signal
// subsystem, VCPU scheduler, hypercall table, and guest-fd table. It is
// the Go analogue of the reference implementation's `km_machine_t
// machine` global — but held as one value passed by pointer, per
// REDESIGN FLAGS, rather than a package-level mutable global.
package monitor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/kmon/internal/config"
	"github.com/tinyrange/kmon/internal/fs"
	"github.com/tinyrange/kmon/internal/hcall"
	"github.com/tinyrange/kmon/internal/hv"
	"github.com/tinyrange/kmon/internal/ksignal"
	"github.com/tinyrange/kmon/internal/loader"
	"github.com/tinyrange/kmon/internal/memory"
	"github.com/tinyrange/kmon/internal/vcpu"
)

// Monitor is process-wide state for one guest.
type Monitor struct {
	Driver hv.Driver
	VM     hv.VM

	AS    *memory.AddressSpace
	MMap  *memory.MMap
	Sig   *ksignal.Manager
	Hcall *hcall.Table
	Sched *vcpu.Scheduler
	Bar   *vcpu.Barrier
	Files *fs.Table
	DLLs  *hcall.DLLTable

	cfg config.Machine

	pid, ppid int

	mu         sync.Mutex
	liveVCPUs  int
	exitCode   int32
	exitedOnce sync.Once
	done       chan struct{}
}

// New creates a Monitor against an already-opened backend VM, registering
// every hypercall handler the spec defines. physMemBytes must already
// have been used to size the VM (see hv.Driver.OpenVM).
func New(drv hv.Driver, vm hv.VM, cfg config.Machine) *Monitor {
	as := memory.NewAddressSpace(vm)
	m := &Monitor{
		Driver: drv,
		VM:     vm,
		AS:     as,
		MMap:   memory.NewMMap(as),
		Sig:    ksignal.NewManager(),
		Hcall:  hcall.NewTable(),
		Sched:  vcpu.NewScheduler(vm),
		Files:  fs.NewTable(),
		DLLs:   hcall.NewDLLTable(),
		cfg:    cfg,
		pid:    os.Getpid(),
		ppid:   os.Getppid(),
		done:   make(chan struct{}),
	}
	m.Bar = vcpu.NewBarrier(m.Sched)
	// Guest fds 0-2 are the host's own stdin/stdout/stderr, passed through.
	m.Files.InstallAt(0, fs.OSFile{File: os.Stdin})
	m.Files.InstallAt(1, fs.OSFile{File: os.Stdout})
	m.Files.InstallAt(2, fs.OSFile{File: os.Stderr})
	m.registerHcalls()
	return m
}

// GVAToKMA implements the narrow guest-memory interfaces internal/vcpu,
// internal/ksignal, and internal/gdbstub all depend on.
func (m *Monitor) GVAToKMA(addr uint64, size uint64) ([]byte, error) {
	return m.AS.GVAToKMA(addr, size)
}

// VCPUs implements gdbstub.Target.
func (m *Monitor) VCPUs() []*vcpu.VCPU { return m.Sched.All() }

// PauseAll/ResumeAll implement gdbstub.Target.
func (m *Monitor) PauseAll(ctx context.Context) error { return m.Bar.PauseAll(ctx) }
func (m *Monitor) ResumeAll()                         { m.Bar.ResumeAll() }

// StartPayload loads p's segments into the bottom zone, creates the first
// VCPU, and starts its run loop in a new goroutine. It does not block;
// call Wait to block until every guest thread has exited.
func (m *Monitor) StartPayload(p *loader.Payload, argv, envp []string) error {
	var maxEnd uint64
	for _, seg := range p.Segments {
		end := seg.VAddr + seg.MemSize
		if end > maxEnd {
			maxEnd = end
		}
	}
	if _, err := m.AS.GrowBottom(memory.GuestBottomBase + alignUp(maxEnd, 1<<20)); err != nil {
		return fmt.Errorf("monitor: grow bottom zone for payload: %w", err)
	}
	for _, seg := range p.Segments {
		dst, err := m.AS.GVAToKMA(seg.VAddr, seg.MemSize)
		if err != nil {
			return fmt.Errorf("monitor: map segment @%#x: %w", seg.VAddr, err)
		}
		copy(dst, seg.Data)
		for i := uint64(len(seg.Data)); i < seg.MemSize; i++ {
			dst[i] = 0
		}
	}

	v, err := m.Sched.Get()
	if err != nil {
		return fmt.Errorf("monitor: allocate first vcpu: %w", err)
	}
	regs, err := v.HV().GetRegs()
	if err != nil {
		return fmt.Errorf("monitor: read initial regs: %w", err)
	}
	regs.RIP = p.Entry
	if err := v.HV().SetRegs(regs); err != nil {
		return fmt.Errorf("monitor: set initial regs: %w", err)
	}
	m.Sig.RegisterVCPU(v.ID())

	m.mu.Lock()
	m.liveVCPUs++
	m.mu.Unlock()

	rl := &vcpu.RunLoop{Hcalls: m.Hcall, Signals: m.Sig, Mem: m.AS, OnExit: m.onVCPUExit}
	go func() {
		if err := rl.Run(v); err != nil {
			m.fatal(err)
		}
	}()
	return nil
}

func (m *Monitor) onVCPUExit(v *vcpu.VCPU) {
	m.Sig.UnregisterVCPU(v.ID())
	m.Sched.Put(v)
	m.mu.Lock()
	m.liveVCPUs--
	last := m.liveVCPUs == 0
	m.mu.Unlock()
	if last {
		m.exitedOnce.Do(func() { close(m.done) })
	}
}

func (m *Monitor) fatal(err error) {
	fmt.Fprintf(os.Stderr, "kmon: fatal: %v\n", err)
	atomic.StoreInt32(&m.exitCode, 1)
	m.exitedOnce.Do(func() { close(m.done) })
}

// Wait blocks until every guest thread has exited and returns the guest's
// process exit code.
func (m *Monitor) Wait() int {
	<-m.done
	return int(atomic.LoadInt32(&m.exitCode))
}

func alignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }
