package fs

import (
	"errors"
	"io"
	"testing"
)

type fakeFile struct {
	closed bool
}

func (f *fakeFile) Read([]byte) (int, error)  { return 0, io.EOF }
func (f *fakeFile) Write(b []byte) (int, error) { return len(b), nil }
func (f *fakeFile) Close() error              { f.closed = true; return nil }

func TestInstallAssignsLowestFreeFD(t *testing.T) {
	tbl := NewTable()
	fd1, err := tbl.Install(&fakeFile{})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	fd2, err := tbl.Install(&fakeFile{})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if fd2 != fd1+1 {
		t.Fatalf("fd2 = %d, want %d", fd2, fd1+1)
	}
	if err := tbl.Close(fd1); err != nil {
		t.Fatalf("close: %v", err)
	}
	fd3, err := tbl.Install(&fakeFile{})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if fd3 != fd1 {
		t.Fatalf("fd3 = %d, want reused %d", fd3, fd1)
	}
}

func TestGetUnknownFDIsBadFD(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Get(5); !errors.Is(err, ErrBadFD) {
		t.Fatalf("got %v, want ErrBadFD", err)
	}
}

func TestForkDropsCloexecEntries(t *testing.T) {
	tbl := NewTable()
	keep, _ := tbl.Install(&fakeFile{})
	drop, _ := tbl.Install(&fakeFile{})
	if err := tbl.SetCloexec(drop, true); err != nil {
		t.Fatalf("set cloexec: %v", err)
	}

	child := tbl.Fork()
	if _, err := child.Get(keep); err != nil {
		t.Fatalf("child missing kept fd: %v", err)
	}
	if _, err := child.Get(drop); !errors.Is(err, ErrBadFD) {
		t.Fatalf("child kept cloexec fd: %v", err)
	}
}

func TestCloseOnExecClosesMarkedFDs(t *testing.T) {
	tbl := NewTable()
	f := &fakeFile{}
	fd, _ := tbl.Install(f)
	if err := tbl.SetCloexec(fd, true); err != nil {
		t.Fatalf("set cloexec: %v", err)
	}
	tbl.CloseOnExec()
	if !f.closed {
		t.Fatalf("cloexec fd not closed")
	}
	if _, err := tbl.Get(fd); !errors.Is(err, ErrBadFD) {
		t.Fatalf("fd still present after CloseOnExec")
	}
}
