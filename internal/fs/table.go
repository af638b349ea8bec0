// Package fs is the guest-fd table: a narrow translation layer mapping a
// guest's small dense fd numbers onto host *os.File/net.Conn/pipe values.
// Real I/O is delegated straight to the host; this package owns only the
// guest-fd <-> host-resource bookkeeping hypercall handlers in
// internal/monitor need (read/write/close/dup/fcntl), not path resolution
// policy (chroot, overlay mounts) which stays a true external collaborator.
package fs

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// File is whatever a guest fd currently refers to: a regular file, a pipe
// end, a socket, or an eventfd. internal/monitor's hypercall handlers type
// switch on the concrete value when a syscall needs more than Read/Write/
// Close (e.g. ioctl/fcntl on a socket).
type File interface {
	io.ReadWriteCloser
}

// OSFile wraps a regular host *os.File.
type OSFile struct{ *os.File }

// EventFD is a host eventfd surfaced to the guest as a regular fd, backing
// km's futex-free wait/notify hypercalls and the monitor's own
// intr/shutdown signaling.
type EventFD struct {
	*os.File
	Counter uint64
}

const (
	minGuestFD = 0
	maxGuestFD = 1024 // matches km's default RLIMIT_NOFILE-derived table size
)

var ErrBadFD = fmt.Errorf("fs: bad file descriptor")

// Table is one guest's fd table: guest fd -> File, plus the close-on-exec
// bitset fcntl(F_SETFD, FD_CLOEXEC) sets per fd.
type Table struct {
	mu      sync.Mutex
	entries map[int]File
	cloexec map[int]bool
	nextFD  int
}

func NewTable() *Table {
	return &Table{
		entries: make(map[int]File),
		cloexec: make(map[int]bool),
	}
}

// Install assigns the lowest free guest fd >= minGuestFD to f and returns
// it, mirroring dup/open's "lowest available fd" contract.
func (t *Table) Install(f File) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd := minGuestFD; fd < maxGuestFD; fd++ {
		if _, used := t.entries[fd]; !used {
			t.entries[fd] = f
			return fd, nil
		}
	}
	return -1, fmt.Errorf("fs: no free guest fd (limit %d)", maxGuestFD)
}

// InstallAt installs f at an exact fd, as dup2/dup3 require, closing
// whatever previously occupied it.
func (t *Table) InstallAt(fd int, f File) error {
	if fd < minGuestFD || fd >= maxGuestFD {
		return ErrBadFD
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.entries[fd]; ok {
		old.Close()
	}
	t.entries[fd] = f
	delete(t.cloexec, fd)
	return nil
}

func (t *Table) Get(fd int) (File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.entries[fd]
	if !ok {
		return nil, ErrBadFD
	}
	return f, nil
}

// Close removes fd from the table and closes the underlying resource.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	f, ok := t.entries[fd]
	if !ok {
		t.mu.Unlock()
		return ErrBadFD
	}
	delete(t.entries, fd)
	delete(t.cloexec, fd)
	t.mu.Unlock()
	return f.Close()
}

func (t *Table) SetCloexec(fd int, v bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[fd]; !ok {
		return ErrBadFD
	}
	if v {
		t.cloexec[fd] = true
	} else {
		delete(t.cloexec, fd)
	}
	return nil
}

func (t *Table) Cloexec(fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cloexec[fd]
}

// CloseOnExec closes every fd marked FD_CLOEXEC (the exec-time
// close-on-exec step).
func (t *Table) CloseOnExec() {
	t.mu.Lock()
	toClose := make([]int, 0, len(t.cloexec))
	for fd := range t.cloexec {
		toClose = append(toClose, fd)
	}
	t.mu.Unlock()
	for _, fd := range toClose {
		t.Close(fd)
	}
}

// Fork returns a copy of t for a cloned guest process: every entry is
// shared (not duplicated host-side — exactly like real fork's fd-table
// semantics), except entries marked FD_CLOEXEC are dropped immediately in
// the child to save the table-scan exec would otherwise need.
func (t *Table) Fork() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	nt := NewTable()
	for fd, f := range t.entries {
		if t.cloexec[fd] {
			continue
		}
		nt.entries[fd] = f
	}
	return nt
}
