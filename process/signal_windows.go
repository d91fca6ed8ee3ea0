//go:build windows

package process

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// Windows has no process groups in the unix sense; TASKKILL /T walks the
// process tree instead.
func (p *Process) setupProcessGroup() {}

func (p *Process) terminateProcessGroup() error {
	p.logger.Debug("[Process] Terminating process tree with PID: %d", p.pid)
	return exec.Command("CMD", "/C", "TASKKILL", "/F", "/T", "/PID", strconv.Itoa(p.pid)).Run()
}

// Sending an interrupt is not implemented on Windows, so this kills too.
func (p *Process) interruptProcessGroup() error {
	return p.terminateProcessGroup()
}

func GetPgid(pid int) (int, error) {
	return 0, fmt.Errorf("process groups are not supported on windows")
}

func GroupAlive(pgid int) bool {
	return false
}

func ParseSignal(s string) (syscall.Signal, error) {
	switch strings.ToUpper(strings.TrimPrefix(strings.ToUpper(s), "SIG")) {
	case "INT", "2":
		return syscall.SIGINT, nil
	case "KILL", "9":
		return syscall.SIGKILL, nil
	case "TERM", "15":
		return syscall.SIGTERM, nil
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}

func SignalString(s syscall.Signal) string {
	return s.String()
}
