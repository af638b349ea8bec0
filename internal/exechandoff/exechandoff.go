// Package exechandoff implements the ASCII environment-variable protocol a
// monitor process uses to hand off its open VM/VCPU/eventfd descriptors
// and guest-fd table across its own execve(2), so that guest-side exec()
// of a new payload doesn't have to tear down and recreate the hypervisor
// VM. Kept as plain CSV-in-an-env-var for fidelity to the reference
// protocol rather than switching to a binary encoding (see DESIGN.md).
package exechandoff

import (
	"fmt"
	"strconv"
	"strings"
)

const version = 2

const (
	envVers      = "KM_EXEC_VERS"
	envVMFDs     = "KM_EXEC_VMFDS"
	envEventFDs  = "KM_EXEC_EVENTFDS"
	envGuestFDs  = "KM_EXEC_GUESTFDS"
	envPidInfo   = "KM_EXEC_PIDINFO"
	envGdbInfo   = "KM_EXEC_GDBINFO"
)

// GuestFD pairs a guest fd with the host fd currently backing it.
type GuestFD struct {
	Guest int
	Host  int
}

// State is everything a re-exec needs to recover: VM/VCPU fds, the
// intr/shutdown eventfds, the guest-fd table, and pid bookkeeping.
type State struct {
	KVMFd    int
	VMFd     int
	VCPUFds  []int
	IntrFd   int
	ShutdownFd int
	GuestFDs []GuestFD
	TracePid int
	ParentPid int
	MyPid    int
	NextGuestFd int
	GdbEnabled bool
	GdbWaitAtStartup bool
}

// Encode returns the environment-variable assignments ("KEY=VALUE") to
// append to the child's environment before calling execve.
func Encode(s State) []string {
	vcpu := make([]string, 0, len(s.VCPUFds))
	for _, fd := range s.VCPUFds {
		vcpu = append(vcpu, strconv.Itoa(fd))
	}
	vmfds := fmt.Sprintf("%s=%d,%d%s", envVMFDs, s.KVMFd, s.VMFd, joinPrefixed(vcpu))

	guestfds := make([]string, 0, len(s.GuestFDs))
	for _, g := range s.GuestFDs {
		guestfds = append(guestfds, fmt.Sprintf("%d:%d", g.Guest, g.Host))
	}

	gdbWait := 0
	if s.GdbWaitAtStartup {
		gdbWait = 1
	}
	gdbEnabled := 0
	if s.GdbEnabled {
		gdbEnabled = 1
	}

	return []string{
		fmt.Sprintf("%s=%d,%d", envVers, version, s.NextGuestFd),
		vmfds,
		fmt.Sprintf("%s=%d,%d", envEventFDs, s.IntrFd, s.ShutdownFd),
		fmt.Sprintf("%s=%s", envGuestFDs, strings.Join(guestfds, ",")),
		fmt.Sprintf("%s=%d,%d,%d,%d", envPidInfo, s.TracePid, s.ParentPid, s.MyPid, s.NextGuestFd),
		fmt.Sprintf("%s=%d,%d", envGdbInfo, gdbEnabled, gdbWait),
	}
}

func joinPrefixed(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return "," + strings.Join(items, ",")
}

// Decode parses the handoff variables out of an environment (os.Environ()
// form). It returns ok=false if KM_EXEC_VERS is absent, meaning this
// process was not re-exec'd by a monitor — the normal case of a fresh
// start, not an error.
func Decode(environ []string) (State, bool, error) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	versRaw, ok := env[envVers]
	if !ok {
		return State{}, false, nil
	}
	versParts := strings.SplitN(versRaw, ",", 2)
	if len(versParts) != 2 {
		return State{}, false, fmt.Errorf("exechandoff: malformed %s", envVers)
	}
	gotVers, err := strconv.Atoi(versParts[0])
	if err != nil {
		return State{}, false, fmt.Errorf("exechandoff: malformed %s version: %w", envVers, err)
	}
	if gotVers != version {
		return State{}, false, fmt.Errorf("exechandoff: version mismatch: got %d, want %d", gotVers, version)
	}
	nextGuestFd, err := strconv.Atoi(versParts[1])
	if err != nil {
		return State{}, false, fmt.Errorf("exechandoff: malformed %s fd count: %w", envVers, err)
	}

	var s State
	s.NextGuestFd = nextGuestFd

	vmfds := strings.Split(env[envVMFDs], ",")
	if len(vmfds) < 2 {
		return State{}, false, fmt.Errorf("exechandoff: malformed %s", envVMFDs)
	}
	s.KVMFd, err = strconv.Atoi(vmfds[0])
	if err != nil {
		return State{}, false, fmt.Errorf("exechandoff: malformed %s kvm fd: %w", envVMFDs, err)
	}
	s.VMFd, err = strconv.Atoi(vmfds[1])
	if err != nil {
		return State{}, false, fmt.Errorf("exechandoff: malformed %s vm fd: %w", envVMFDs, err)
	}
	for _, raw := range vmfds[2:] {
		fd, err := strconv.Atoi(raw)
		if err != nil {
			return State{}, false, fmt.Errorf("exechandoff: malformed %s vcpu fd: %w", envVMFDs, err)
		}
		s.VCPUFds = append(s.VCPUFds, fd)
	}

	eventfds := strings.SplitN(env[envEventFDs], ",", 2)
	if len(eventfds) != 2 {
		return State{}, false, fmt.Errorf("exechandoff: malformed %s", envEventFDs)
	}
	if s.IntrFd, err = strconv.Atoi(eventfds[0]); err != nil {
		return State{}, false, fmt.Errorf("exechandoff: malformed %s intr fd: %w", envEventFDs, err)
	}
	if s.ShutdownFd, err = strconv.Atoi(eventfds[1]); err != nil {
		return State{}, false, fmt.Errorf("exechandoff: malformed %s shutdown fd: %w", envEventFDs, err)
	}

	if raw := env[envGuestFDs]; raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			parts := strings.SplitN(pair, ":", 2)
			if len(parts) != 2 {
				return State{}, false, fmt.Errorf("exechandoff: malformed %s entry %q", envGuestFDs, pair)
			}
			g, err := strconv.Atoi(parts[0])
			if err != nil {
				return State{}, false, fmt.Errorf("exechandoff: malformed %s guest fd: %w", envGuestFDs, err)
			}
			h, err := strconv.Atoi(parts[1])
			if err != nil {
				return State{}, false, fmt.Errorf("exechandoff: malformed %s host fd: %w", envGuestFDs, err)
			}
			s.GuestFDs = append(s.GuestFDs, GuestFD{Guest: g, Host: h})
		}
	}

	pidinfo := strings.Split(env[envPidInfo], ",")
	if len(pidinfo) != 4 {
		return State{}, false, fmt.Errorf("exechandoff: malformed %s", envPidInfo)
	}
	if s.TracePid, err = strconv.Atoi(pidinfo[0]); err != nil {
		return State{}, false, fmt.Errorf("exechandoff: malformed %s trace pid: %w", envPidInfo, err)
	}
	if s.ParentPid, err = strconv.Atoi(pidinfo[1]); err != nil {
		return State{}, false, fmt.Errorf("exechandoff: malformed %s parent pid: %w", envPidInfo, err)
	}
	if s.MyPid, err = strconv.Atoi(pidinfo[2]); err != nil {
		return State{}, false, fmt.Errorf("exechandoff: malformed %s my pid: %w", envPidInfo, err)
	}

	if raw := env[envGdbInfo]; raw != "" {
		gdbinfo := strings.SplitN(raw, ",", 2)
		if len(gdbinfo) == 2 {
			s.GdbEnabled = gdbinfo[0] == "1"
			s.GdbWaitAtStartup = gdbinfo[1] == "1"
		}
	}

	return s, true, nil
}

// EnvKeys lists every variable this package owns, for CloseOnExec-style
// stripping before a *non*-monitor exec (so a guest-initiated exec into an
// unrelated binary doesn't leak monitor-internal fd numbers).
func EnvKeys() []string {
	return []string{envVers, envVMFDs, envEventFDs, envGuestFDs, envPidInfo, envGdbInfo}
}
