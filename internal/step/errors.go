package step

import (
	"errors"
	"fmt"
	"time"

	"github.com/labops/deploystep/internal/params"
)

// Exit codes for the failures a run can end in. A script that fails exits
// deploystep with its own code.
const (
	ExitCodeFailure          = 1
	ExitCodeScriptNotFound   = 2
	ExitCodeInvalidParameter = 64
	ExitCodeTimeout          = 124
)

// ScriptNotFoundError means the script to run is missing or unreadable.
type ScriptNotFoundError struct {
	Path string
	Err  error
}

func (e *ScriptNotFoundError) Error() string {
	return fmt.Sprintf("script %q not found or not readable: %v", e.Path, e.Err)
}

func (e *ScriptNotFoundError) Unwrap() error { return e.Err }

// ExecutionFailedError means the script ran to completion and exited
// non-zero.
type ExecutionFailedError struct {
	Code int
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("script exited with status %d", e.Code)
}

// TimeoutError means the script was still running when its time was up, and
// its process group was killed.
type TimeoutError struct {
	Elapsed time.Duration
	Limit   time.Duration

	// Err is whatever the operation returned after being stopped.
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step timed out after %v (limit %v)", e.Elapsed.Round(time.Millisecond), e.Limit)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ExitCode maps the error returned from a run to the process exit code
// deploystep should finish with.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	if perr := new(params.InvalidParameterError); errors.As(err, &perr) {
		return ExitCodeInvalidParameter
	}
	if serr := new(ScriptNotFoundError); errors.As(err, &serr) {
		return ExitCodeScriptNotFound
	}
	if terr := new(TimeoutError); errors.As(err, &terr) {
		return ExitCodeTimeout
	}
	if eerr := new(ExecutionFailedError); errors.As(err, &eerr) {
		if eerr.Code > 0 && eerr.Code < 256 {
			return eerr.Code
		}
	}

	return ExitCodeFailure
}
