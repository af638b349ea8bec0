// Package procfork holds host-process helpers for the non-thread clone(2)
// path (plain fork, or fork+exec immediately after): a real fork — not a
// new goroutine — gets copy-on-write semantics for the guest memory the
// monitor holds for free from the host kernel. No other package in this
// tree calls Fork, ReExec or SpawnHelper; the guest's fork hypercall
// returns ENOSYS, and nothing duplicates guest process state (VCPUs,
// signal table, fd table) for a child.
package procfork

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Result is what the parent sees immediately after a successful fork: the
// child's host pid, used to populate the guest's getpid()/wait4() view.
type Result struct {
	ChildPid int
}

// Fork duplicates the calling process via raw fork(2). It must be called
// with every VCPU paused (internal/vcpu.Barrier.PauseAll) and only from
// the goroutine that owns runtime.LockOSThread for the monitor's main
// thread — fork() in a multi-threaded process only carries the calling
// thread into the child, and every other monitor goroutine simply ceases
// to exist there, same as the reference implementation's requirement that
// all other VCPU threads be parked (not just paused) across the call.
//
// The child observes a zero return exactly like libc fork(2); callers
// distinguish parent/child by checking Result.ChildPid == 0.
func Fork() (Result, error) {
	pid, _, errno := unix.RawSyscall(unix.SYS_FORK, 0, 0, 0)
	if errno != 0 {
		return Result{}, fmt.Errorf("procfork: fork: %w", errno)
	}
	return Result{ChildPid: int(pid)}, nil
}

// ReExec replaces the calling process image with a fresh copy of the
// monitor binary, passing handoff through environment variables built by
// internal/exechandoff. No execve hypercall handler is registered, so
// nothing calls it.
func ReExec(argv []string, env []string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("procfork: resolve self: %w", err)
	}
	return unix.Exec(self, argv, env)
}

// SpawnHelper launches an auxiliary process (e.g. a snapshot-restore
// bootstrap) the ordinary way, for paths that don't need raw fork's COW
// semantics.
func SpawnHelper(path string, args []string, env []string) (*exec.Cmd, error) {
	cmd := exec.Command(path, args...)
	cmd.Env = env
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("procfork: spawn %s: %w", path, err)
	}
	return cmd, nil
}
