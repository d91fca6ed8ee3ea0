//go:build !windows

package process

import (
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

func (p *Process) setupProcessGroup() {
	p.command.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

func (p *Process) terminateProcessGroup() error {
	p.logger.Debug("[Process] Sending signal SIGKILL to PGID: %d", p.pid)
	return ignoreESRCH(unix.Kill(-p.pid, unix.SIGKILL))
}

func (p *Process) interruptProcessGroup() error {
	sig := p.conf.InterruptSignal
	if sig == 0 {
		sig = syscall.SIGTERM
	}

	p.logger.Debug("[Process] Sending signal %s to PGID: %d", SignalString(sig), p.pid)
	return ignoreESRCH(unix.Kill(-p.pid, sig))
}

// The group may have exited between the decision to signal and the signal.
func ignoreESRCH(err error) error {
	if err == unix.ESRCH {
		return nil
	}
	return err
}

// GetPgid returns the process group id of pid.
func GetPgid(pid int) (int, error) {
	return unix.Getpgid(pid)
}

// GroupAlive reports whether any process in the process group pgid is still
// running (or is an unreaped zombie).
func GroupAlive(pgid int) bool {
	return unix.Kill(-pgid, 0) == nil
}

// ParseSignal parses a signal name such as "SIGTERM", "term" or "15".
func ParseSignal(s string) (syscall.Signal, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && fmt.Sprint(n) == s {
		return syscall.Signal(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	if sig := unix.SignalNum(name); sig != 0 {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}

// SignalString returns the conventional name of a signal, e.g. "SIGTERM",
// falling back to its number.
func SignalString(s syscall.Signal) string {
	if name := unix.SignalName(s); name != "" {
		return name
	}
	return fmt.Sprintf("%d", int(s))
}
