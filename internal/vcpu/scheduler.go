// Package vcpu implements the VCPU scheduler and run loop: one goroutine
// per VCPU locked to its own OS thread, a state machine guarding when a
// VCPU may be paused or torn down, and a free list of idle VCPUs so
// short-lived guest threads (clone/exit in a loop) don't pay host thread
// creation cost every time.
package vcpu

import (
	"fmt"
	"sync"

	"github.com/tinyrange/kmon/internal/hv"
)

// State is a VCPU's position in its lifecycle. Only the owning run-loop
// goroutine transitions a VCPU into StateInGuest or out of it; every other
// transition is made under the VCPU's own mu.
type State int32

const (
	StateParkedIdle State = iota
	StateStarting
	StateHypercall
	StateHcallInt
	StateInGuest
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateParkedIdle:
		return "PARKED_IDLE"
	case StateStarting:
		return "STARTING"
	case StateHypercall:
		return "HYPERCALL"
	case StateHcallInt:
		return "HCALL_INT"
	case StateInGuest:
		return "IN_GUEST"
	case StatePaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// VCPU wraps an hv.VCPU with the scheduling state the run loop and pause
// barrier need. A parked idle VCPU is kept on Scheduler's free list via
// idleNext, the same trick the reference monitor plays by repurposing its
// stack_top field: no separate free-list node type, no allocation to park
// or unpark.
type VCPU struct {
	hv hv.VCPU
	id int

	mu    sync.Mutex
	state State
	tid   int // OS thread id, set once the run loop locks itself to a thread

	idleNext *VCPU

	pauseRequested bool
	pauseAck       chan struct{}
	resumeCh       chan struct{}
}

func (v *VCPU) ID() int    { return v.id }
func (v *VCPU) HV() hv.VCPU { return v.hv }

func (v *VCPU) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *VCPU) setState(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

// Scheduler owns every VCPU created against one VM and the idle free list
// used to hand already-initialized-but-unused VCPUs back out for a new
// guest thread instead of creating one from scratch.
type Scheduler struct {
	mu       sync.Mutex
	vm       hv.VM
	all      map[int]*VCPU
	idleHead *VCPU
	nextID   int
}

func NewScheduler(vm hv.VM) *Scheduler {
	return &Scheduler{vm: vm, all: make(map[int]*VCPU)}
}

// Get returns a VCPU ready to run a new guest thread: an idle one popped
// off the free list if any exist, otherwise a freshly created one.
func (s *Scheduler) Get() (*VCPU, error) {
	s.mu.Lock()
	if s.idleHead != nil {
		v := s.idleHead
		s.idleHead = v.idleNext
		v.idleNext = nil
		s.mu.Unlock()
		v.setState(StateStarting)
		return v, nil
	}
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	if id >= hv.MaxVCPUs {
		return nil, hv.ErrVCPULimit
	}

	hvc, err := s.vm.CreateVCPU(id)
	if err != nil {
		return nil, fmt.Errorf("vcpu: create vcpu %d: %w", id, err)
	}
	if err := hvc.InitSregs(); err != nil {
		hvc.Close()
		return nil, fmt.Errorf("vcpu: init sregs for vcpu %d: %w", id, err)
	}

	v := &VCPU{hv: hvc, id: id, state: StateStarting, pauseAck: make(chan struct{}, 1), resumeCh: make(chan struct{})}
	s.mu.Lock()
	s.all[id] = v
	s.mu.Unlock()
	return v, nil
}

// Put parks v on the idle free list for reuse by a later Get, leaving its
// hardware VCPU and memory mappings intact. A VCPU is only ever parked
// from its own run loop goroutine, immediately after the guest thread it
// was running has exited.
func (s *Scheduler) Put(v *VCPU) {
	v.setState(StateParkedIdle)
	s.mu.Lock()
	v.idleNext = s.idleHead
	s.idleHead = v
	s.mu.Unlock()
}

// All returns every VCPU the scheduler has ever created, parked or not —
// used by the pause barrier and by snapshot capture, both of which need
// to see every hardware VCPU regardless of whether a guest thread is
// currently running on it.
func (s *Scheduler) All() []*VCPU {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*VCPU, 0, len(s.all))
	for _, v := range s.all {
		out = append(out, v)
	}
	return out
}

func (s *Scheduler) Lookup(id int) (*VCPU, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.all[id]
	return v, ok
}
