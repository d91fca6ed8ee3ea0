//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// startPTY starts c with a new terminal as its controlling terminal. As a
// session leader the child is also leader of its own process group, so
// signalling the group works as it does without a PTY.
func startPTY(c *exec.Cmd) (*os.File, error) {
	return pty.StartWithAttrs(c, nil, &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	})
}

// isPTYClosed reports whether err is how reading the terminal ends once the
// child and everything else holding it has exited: EIO on linux.
func isPTYClosed(err error) bool {
	var perr *os.PathError
	return errors.As(err, &perr) && errors.Is(perr.Err, syscall.EIO)
}
