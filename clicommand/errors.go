package clicommand

import (
	"errors"
	"fmt"
	"os"
)

// ExitCodeLocked is returned when another run holds the run lock
// (EX_TEMPFAIL).
const ExitCodeLocked = 75

// ExitError is used to signal that the command should exit with the exit code
// in `code`. It also wraps an error, which can be used to provide more context.
type ExitError struct {
	code  int
	inner error
}

// NewExitError returns ExitError with the given code and wrapped error.
func NewExitError(code int, err error) *ExitError {
	return &ExitError{code: code, inner: err}
}

// Code returns the exit code.
func (e *ExitError) Code() int {
	return e.code
}

// Error prints the message of the wrapped error. It ignores the exit code.
func (e *ExitError) Error() string {
	return e.inner.Error()
}

// Unwrap returns the wrapped error.
func (e *ExitError) Unwrap() error {
	return e.inner
}

// Is will return true if the target is an ExitError with the same code.
func (e *ExitError) Is(target error) bool {
	terr, ok := target.(*ExitError)
	return ok && e.code == terr.code
}

// SilentExitError exits with status `code` without printing anything, for
// failures the operator has already been told about.
type SilentExitError struct {
	code int
}

func NewSilentExitError(code int) *SilentExitError {
	return &SilentExitError{code: code}
}

func (e *SilentExitError) Error() string {
	return fmt.Sprintf("silently exited status %d", e.code)
}

func (e *SilentExitError) Code() int {
	return e.code
}

func (e *SilentExitError) Is(target error) bool {
	terr, ok := target.(*SilentExitError)
	return ok && e.code == terr.code
}

// PrintMessageAndReturnExitCode prints the error message to stderr, preceded
// by "deploystep: fatal: ", and returns the exit code for err: 0 for nil, the
// code of an ExitError or SilentExitError, and 1 for anything else. Nothing
// is printed for a SilentExitError.
func PrintMessageAndReturnExitCode(err error) int {
	if err == nil {
		return 0
	}

	if serr := new(SilentExitError); errors.As(err, &serr) {
		return serr.Code()
	}

	fmt.Fprintf(os.Stderr, "deploystep: fatal: %s\n", err)

	if eerr := new(ExitError); errors.As(err, &eerr) {
		return eerr.Code()
	}

	return 1
}
