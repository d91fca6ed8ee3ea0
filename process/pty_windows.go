//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
)

var errPTYUnsupported = errors.New("running in a PTY is not supported on windows")

func startPTY(*exec.Cmd) (*os.File, error) {
	return nil, errPTYUnsupported
}

func isPTYClosed(error) bool { return false }
