package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessName is what the daemon binary shows up as in the process table.
const ProcessName = "socket-pool-service"

// Diagnostics collects everything the CLI probes when deciding whether a
// daemon is alive, so failures can name exactly what was checked.
type Diagnostics struct {
	PIDFile        string
	PIDFileExists  bool
	PID            int
	ProcessRunning bool
	ProcessCmdline string
	NamedProcesses []int32
	SocketPath     string
	SocketExists   bool
}

// Probe inspects the pid file, the process table and the socket path.
func Probe(pidFile, socketPath string) Diagnostics {
	d := Diagnostics{PIDFile: pidFile, SocketPath: socketPath}

	if pid, err := ReadPIDFile(pidFile); err == nil {
		d.PIDFileExists = true
		d.PID = pid
		if proc, err := process.NewProcess(int32(pid)); err == nil {
			if running, _ := proc.IsRunning(); running {
				d.ProcessRunning = true
				if cmdline, err := proc.Cmdline(); err == nil {
					d.ProcessCmdline = cmdline
				}
			}
		}
	} else if _, statErr := os.Stat(pidFile); statErr == nil {
		d.PIDFileExists = true
	}

	if _, err := os.Stat(socketPath); err == nil {
		d.SocketExists = true
	}

	// Name-based lookup catches a daemon running without its pid file.
	if procs, err := process.Processes(); err == nil {
		for _, p := range procs {
			name, err := p.Name()
			if err != nil {
				continue
			}
			if strings.Contains(name, ProcessName) {
				d.NamedProcesses = append(d.NamedProcesses, p.Pid)
			}
		}
	}
	return d
}

// Describe renders the probe result as operator-facing diagnostics.
func (d Diagnostics) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid file %s: ", d.PIDFile)
	switch {
	case !d.PIDFileExists:
		b.WriteString("missing\n")
	case d.ProcessRunning:
		fmt.Fprintf(&b, "pid %d running\n", d.PID)
	default:
		fmt.Fprintf(&b, "pid %d not running (stale)\n", d.PID)
	}
	fmt.Fprintf(&b, "socket %s: ", d.SocketPath)
	if d.SocketExists {
		b.WriteString("present\n")
	} else {
		b.WriteString("missing\n")
	}
	if len(d.NamedProcesses) > 0 {
		fmt.Fprintf(&b, "processes named %q: %v\n", ProcessName, d.NamedProcesses)
	} else {
		fmt.Fprintf(&b, "processes named %q: none\n", ProcessName)
	}
	return b.String()
}

// StopDaemon signals the daemon recorded in the pid file and waits for it
// to exit. With force, SIGKILL follows an expired wait.
func StopDaemon(ctx context.Context, pidFile string, force bool, timeout time.Duration) error {
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		// Process already gone; clear the stale file.
		_ = RemovePIDFile(pidFile)
		return nil
	}
	if running, _ := proc.IsRunning(); !running {
		_ = RemovePIDFile(pidFile)
		return nil
	}

	if err := proc.SendSignal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		if running, _ := proc.IsRunning(); !running {
			_ = RemovePIDFile(pidFile)
			return nil
		}
	}

	if !force {
		return fmt.Errorf("daemon pid %d did not exit within %s", pid, timeout)
	}
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	_ = RemovePIDFile(pidFile)
	return nil
}
