package vcpu

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Barrier coordinates a cooperative pause of every running VCPU: snapshot
// capture, fork, and debugger attach all need every VCPU parked outside
// guest code at a consistent point before they touch shared state.
//
// A VCPU only actually stops once its run loop notices pauseRequested —
// either between hypercalls or via RequestImmediateExit breaking it out of
// a blocking Run(). There is deliberately no way to force a VCPU out of
// guest code instantaneously; the barrier always waits for an
// acknowledgement.
type Barrier struct {
	sched *Scheduler
}

func NewBarrier(sched *Scheduler) *Barrier {
	return &Barrier{sched: sched}
}

// PauseAll requests every VCPU pause and blocks until all of them (parked
// idle ones included, trivially) have acknowledged.
func (b *Barrier) PauseAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, v := range b.sched.All() {
		v := v
		g.Go(func() error {
			return b.pauseOne(ctx, v)
		})
	}
	return g.Wait()
}

func (b *Barrier) pauseOne(ctx context.Context, v *VCPU) error {
	v.mu.Lock()
	if v.state == StateParkedIdle {
		v.mu.Unlock()
		return nil
	}
	v.pauseRequested = true
	v.mu.Unlock()

	if err := v.hv.RequestImmediateExit(); err != nil {
		return fmt.Errorf("vcpu %d: request immediate exit: %w", v.id, err)
	}

	select {
	case <-v.pauseAck:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("vcpu %d: pause barrier: %w", v.id, ctx.Err())
	}
}

// ResumeAll releases every VCPU the last PauseAll stopped.
func (b *Barrier) ResumeAll() {
	for _, v := range b.sched.All() {
		v.mu.Lock()
		v.pauseRequested = false
		resumeCh := v.resumeCh
		v.resumeCh = make(chan struct{})
		v.mu.Unlock()
		close(resumeCh)
	}
}

// ParkForDebug is called by the run loop when a VCPU exits for a
// single-step or breakpoint trap (KVM_EXIT_DEBUG). It parks the VCPU the
// same way a barrier-requested pause does, making it visible to PauseAll
// and handing control to gdbstub until ResumeAll (or a "c" packet, which
// calls ResumeAll) wakes it back up — gdbstub has no separate pause
// mechanism of its own, this pause/resume pair is its entire control
// surface over a running VCPU.
func (v *VCPU) ParkForDebug() {
	v.mu.Lock()
	v.pauseRequested = true
	v.mu.Unlock()
	v.checkpoint()
}

// checkpoint is called by the run loop at safe points (after a hypercall
// completes, before re-entering the guest). If a pause has been
// requested, it acknowledges and blocks the run loop until ResumeAll.
func (v *VCPU) checkpoint() {
	v.mu.Lock()
	if !v.pauseRequested {
		v.mu.Unlock()
		return
	}
	v.state = StatePaused
	resumeCh := v.resumeCh
	v.mu.Unlock()

	select {
	case v.pauseAck <- struct{}{}:
	default:
	}

	<-resumeCh
}
