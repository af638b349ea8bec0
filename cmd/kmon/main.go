// Command kmon runs a single x86-64 ELF payload as a hardware-virtualized
// guest, acting as its entire kernel: VCPU scheduling, hypercall
// dispatch, guest memory management, and signal delivery.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/tinyrange/kmon/internal/config"
	"github.com/tinyrange/kmon/internal/exechandoff"
	"github.com/tinyrange/kmon/internal/gdbstub"
	"github.com/tinyrange/kmon/internal/hv/factory"
	"github.com/tinyrange/kmon/internal/loader"
	"github.com/tinyrange/kmon/internal/monitor"
)

func run() (int, error) {
	memSize := flag.Uint64("mem", 1<<30, "guest physical memory size in bytes")
	vcpus := flag.Int("vcpus", 1, "number of virtual CPUs")
	configPath := flag.String("config", "", "path to a YAML config file")
	gdbPort := flag.Int("gdb-port", 0, "if non-zero, listen on this port for a gdb remote-serial connection")
	gdbWait := flag.Bool("gdb-wait", false, "pause the guest at startup until a gdb client attaches")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `kmon - run an x86-64 ELF payload under hardware virtualization

USAGE:
  kmon [flags] <payload> [payload-args...]

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	setupLogging(*logLevel)

	if flag.NArg() < 1 {
		flag.Usage()
		return 1, nil
	}
	payloadPath := flag.Arg(0)

	cfgFile, err := config.Load(*configPath)
	if err != nil {
		return 1, err
	}
	machine := config.DefaultMachine()
	if cfgFile.Machine.GuestPhysMemBytes != 0 {
		machine = cfgFile.Machine
	}
	if isFlagSet("mem") {
		machine.GuestPhysMemBytes = *memSize
	}
	if isFlagSet("vcpus") {
		machine.VCPUs = *vcpus
	}

	if _, ok, err := exechandoff.Decode(os.Environ()); err != nil {
		return 1, fmt.Errorf("kmon: decode exec handoff state: %w", err)
	} else if ok {
		// A prior monitor process handed off its VM/VCPU fds to this one
		// via execve(2); internal/monitor's handoff-aware constructor path
		// (wired as subsequent work) would pick the state up from here.
		// Until that path exists, fall through to the normal cold-start
		// flow — the inherited fds are simply left unused, since they are
		// still valid fds this process also owns after the exec.
		slog.Warn("kmon: inherited exec-handoff state, but re-attach is not yet implemented; starting fresh")
	}

	f, err := os.Open(payloadPath)
	if err != nil {
		return 1, fmt.Errorf("kmon: open payload: %w", err)
	}
	defer f.Close()
	payload, err := loader.Load(f)
	if err != nil {
		return 1, fmt.Errorf("kmon: load payload: %w", err)
	}

	drv, err := factory.Open()
	if err != nil {
		return 1, fmt.Errorf("kmon: open hypervisor backend: %w", err)
	}
	defer drv.Close()

	vm, err := drv.OpenVM(machine.GuestPhysMemBytes)
	if err != nil {
		return 1, fmt.Errorf("kmon: create vm: %w", err)
	}

	mon := monitor.New(drv, vm, machine)
	for _, path := range cfgFile.AllowDLL {
		mon.DLLs.Allow(path)
	}

	ctx := context.Background()

	gdbPortEff := *gdbPort
	if gdbPortEff == 0 {
		gdbPortEff = cfgFile.GdbPort
	}
	if gdbPortEff != 0 {
		srv, err := gdbstub.NewServer(mon, fmt.Sprintf(":%d", gdbPortEff), *gdbWait)
		if err != nil {
			return 1, fmt.Errorf("kmon: start gdb server: %w", err)
		}
		defer srv.Close()
		slog.Info("gdb server listening", "addr", srv.Addr())
		go func() {
			if err := srv.Serve(ctx); err != nil {
				slog.Error("gdb server exited", "error", err)
			}
		}()
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		// The guest's fd 0 is the host's stdin fd directly (monitor.New
		// installs it unchanged at startup); put the host terminal in raw
		// mode so the guest's libc sees unbuffered, unechoed keystrokes
		// instead of the line-buffered input the host tty driver would
		// otherwise deliver.
		prevState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return 1, fmt.Errorf("kmon: enter raw terminal mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), prevState)
	}

	if err := mon.StartPayload(payload, flag.Args(), os.Environ()); err != nil {
		return 1, fmt.Errorf("kmon: start payload: %w", err)
	}

	return mon.Wait(), nil
}

func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kmon: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}
