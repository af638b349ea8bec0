package ksignal

import (
	"fmt"
	"sync"

	"github.com/tinyrange/kmon/internal/hv"
)

// AltStack mirrors stack_t, the sigaltstack(2) argument.
type AltStack struct {
	Base  uint64
	Size  uint64
	Flags uint32
}

const (
	ssOnStack = 1 << 0
	ssDisable = 1 << 1
)

type vcpuState struct {
	queue      *PendingQueue
	blockedMask uint64
	altStack   AltStack
	// suspendedMask is non-nil while the VCPU is inside sigsuspend(2),
	// temporarily replacing blockedMask until a signal is delivered.
	suspendedMask *uint64
	savedMask     uint64 // mask to restore once the current handler returns via rt_sigreturn
	inHandler     bool
}

// Manager is the signal subsystem for one guest: a sigaction table, a
// process-wide pending queue, and one pending queue plus delivery state
// per VCPU.
type Manager struct {
	mu      sync.Mutex
	table   *Table
	process *PendingQueue
	vcpus   map[int]*vcpuState
}

func NewManager() *Manager {
	return &Manager{
		table:   NewTable(),
		process: NewPendingQueue(),
		vcpus:   make(map[int]*vcpuState),
	}
}

func (m *Manager) Table() *Table { return m.table }

// RegisterVCPU allocates delivery state for a newly created VCPU. Cloned
// VCPUs (km_clone/fork) start with their parent's blocked mask and
// sigaltstack, which the caller copies in separately via SetMask/
// SetAltStack after registration.
func (m *Manager) RegisterVCPU(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vcpus[id] = &vcpuState{queue: NewPendingQueue()}
}

func (m *Manager) UnregisterVCPU(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vcpus, id)
}

func (m *Manager) state(id int) (*vcpuState, error) {
	s, ok := m.vcpus[id]
	if !ok {
		return nil, fmt.Errorf("ksignal: vcpu %d not registered", id)
	}
	return s, nil
}

// Post queues an asynchronously-delivered signal. targetVCPU selects a
// specific VCPU's queue, or -1 to post to the process-wide queue (any
// VCPU whose mask doesn't block it may pick it up).
func (m *Manager) Post(targetVCPU int, info Info) error {
	if info.Signal == VCPUStop {
		return fmt.Errorf("ksignal: signal %d is reserved", VCPUStop)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if targetVCPU < 0 {
		m.process.Post(info)
		return nil
	}
	s, err := m.state(targetVCPU)
	if err != nil {
		return err
	}
	s.queue.Post(info)
	return nil
}

func (m *Manager) effectiveMask(s *vcpuState) uint64 {
	if s.suspendedMask != nil {
		return *s.suspendedMask
	}
	return s.blockedMask
}

// NextDeliverable pops the next deliverable signal for vcpuID — checking
// its own queue first, then the process-wide queue — along with the
// installed action. It reports false if nothing is deliverable right now.
func (m *Manager) NextDeliverable(vcpuID int) (Info, Action, bool, error) {
	m.mu.Lock()
	s, err := m.state(vcpuID)
	if err != nil {
		m.mu.Unlock()
		return Info{}, Action{}, false, err
	}
	mask := m.effectiveMask(s)
	m.mu.Unlock()

	info, ok := s.queue.Pop(mask)
	if !ok {
		info, ok = m.process.Pop(mask)
	}
	if !ok {
		return Info{}, Action{}, false, nil
	}

	action, _ := m.table.Get(info.Signal)
	return info, action, true, nil
}

// DeliverSynchronous handles a synchronous fault (SIGSEGV/SIGBUS/SIGFPE/
// SIGILL raised by the VCPU's own execution, e.g. a guest page fault or
// divide error) which bypasses the pending queue entirely: it is either
// delivered immediately or, if blocked or ignored, the reference
// semantics is that the guest is terminated rather than silently losing
// the fault.
func (m *Manager) DeliverSynchronous(vcpuID int, info Info) (Action, error) {
	m.mu.Lock()
	s, err := m.state(vcpuID)
	if err != nil {
		m.mu.Unlock()
		return Action{}, err
	}
	blocked := m.effectiveMask(s)&sigBit(info.Signal) != 0
	m.mu.Unlock()

	action, _ := m.table.Get(info.Signal)
	if blocked || action.IsIgnored() {
		return Action{}, fmt.Errorf("ksignal: fatal synchronous signal %d blocked or ignored", info.Signal)
	}
	return action, nil
}

// EnterHandler updates delivery bookkeeping just before a handler is
// entered: the signal being delivered (and anything in its Mask, plus
// itself unless SA_NODEFER) becomes blocked until Sigreturn restores the
// prior mask.
func (m *Manager) EnterHandler(vcpuID int, info Info, action Action) (savedMask uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.state(vcpuID)
	if err != nil {
		return 0, err
	}
	savedMask = s.blockedMask
	newMask := s.blockedMask | action.Mask
	if action.Flags&SANoDefer == 0 {
		newMask |= sigBit(info.Signal)
	}
	s.blockedMask = newMask
	s.inHandler = true
	return savedMask, nil
}

// Sigreturn restores the blocked-signal mask saved by EnterHandler, as the
// guest's rt_sigreturn hypercall does after popping its signal frame.
func (m *Manager) Sigreturn(vcpuID int, savedMask uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.state(vcpuID)
	if err != nil {
		return err
	}
	s.blockedMask = savedMask
	s.inHandler = false
	return nil
}

// SetMask implements rt_sigprocmask: how replaces or augments the blocked
// set depending on mode, and the previous mask is returned.
type MaskMode int

const (
	MaskBlock MaskMode = iota
	MaskUnblock
	MaskSetMask
)

func (m *Manager) SetMask(vcpuID int, mode MaskMode, mask uint64) (uint64, error) {
	mask &^= sigBit(SIGKILL) | sigBit(SIGSTOP) | sigBit(VCPUStop)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.state(vcpuID)
	if err != nil {
		return 0, err
	}
	old := s.blockedMask
	switch mode {
	case MaskBlock:
		s.blockedMask |= mask
	case MaskUnblock:
		s.blockedMask &^= mask
	case MaskSetMask:
		s.blockedMask = mask
	default:
		return 0, fmt.Errorf("ksignal: invalid sigprocmask mode %d", mode)
	}
	return old, nil
}

// SetAltStack implements sigaltstack(2): installs ss and returns the
// previous alternate stack. Installing a new stack while the guest is
// executing on the current one is rejected (EPERM in the real ABI).
func (m *Manager) SetAltStack(vcpuID int, currentSP uint64, ss *AltStack) (AltStack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.state(vcpuID)
	if err != nil {
		return AltStack{}, err
	}
	old := s.altStack
	if ss == nil {
		return old, nil
	}
	if old.Flags&ssDisable == 0 && old.Size > 0 &&
		currentSP >= old.Base && currentSP < old.Base+old.Size {
		return AltStack{}, fmt.Errorf("ksignal: cannot change alternate stack while executing on it")
	}
	s.altStack = *ss
	return old, nil
}

func (m *Manager) altStackFor(vcpuID int) (*AltStack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.state(vcpuID)
	if err != nil {
		return nil, err
	}
	ss := s.altStack
	return &ss, nil
}

// Sigsuspend implements sigsuspend(2): temporarily replaces the blocked
// mask with tempMask. The caller is expected to deliver any signal
// NextDeliverable now reports and then call EndSuspend to restore the
// prior mask, exactly once a signal has actually been delivered — that is
// the one piece of sigsuspend's contract a monitor must get right, since
// a guest busy-loops on it otherwise.
func (m *Manager) Sigsuspend(vcpuID int, tempMask uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.state(vcpuID)
	if err != nil {
		return err
	}
	s.suspendedMask = &tempMask
	return nil
}

func (m *Manager) EndSuspend(vcpuID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.state(vcpuID)
	if err != nil {
		return err
	}
	s.suspendedMask = nil
	return nil
}

// BuildDeliveryFrame constructs the signal frame for info/action on
// vcpuID's stack and returns the register state the VCPU should resume
// execution at.
func (m *Manager) BuildDeliveryFrame(mem GuestMemory, vcpuID int, regs hv.Regs, savedMask uint64, info Info, action Action) (hv.Regs, error) {
	altStack, err := m.altStackFor(vcpuID)
	if err != nil {
		return hv.Regs{}, err
	}
	return BuildFrame(mem, regs, savedMask, info, action, altStack)
}
