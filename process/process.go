// Package process runs a single child process in its own process group, so
// that the child and everything it spawns can be signalled together.
//
// It is intended for internal use by deploystep only.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/labops/deploystep/logger"
)

// DefaultWaitDelay bounds how long Run waits for output pipes to drain once
// the child has exited. A descendant that escaped the process group and kept
// stdout open would otherwise hang Run forever.
const DefaultWaitDelay = 5 * time.Second

// ErrAlreadyStarted is returned by Run when called a second time.
var ErrAlreadyStarted = errors.New("process has already been started")

// Config describes the child to run.
type Config struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// InterruptSignal is sent to the process group when the context passed to
	// Run is cancelled and SignalGracePeriod is positive. Defaults to SIGTERM.
	InterruptSignal syscall.Signal

	// SignalGracePeriod is how long to wait after InterruptSignal before
	// sending SIGKILL. Zero means the group is killed straight away.
	SignalGracePeriod time.Duration

	// WaitDelay overrides DefaultWaitDelay.
	WaitDelay time.Duration

	// PTY runs the child attached to a pseudo terminal, in a session of its
	// own. Everything written to the terminal goes to Stdout; Stdin and
	// Stderr are unused. Not supported on windows.
	PTY bool
}

// WaitStatus is the subset of syscall.WaitStatus that callers care about.
type WaitStatus interface {
	ExitStatus() int
	Signaled() bool
	Signal() syscall.Signal
}

// Process is a child process started from a Config. A Process can only be
// run once.
type Process struct {
	conf   Config
	logger logger.Logger

	mu         sync.Mutex
	command    *exec.Cmd
	pid        int
	waitResult error
	status     WaitStatus
	cancelled  bool

	// exited is closed as soon as Wait returns; done is closed once the
	// result has been recorded.
	started, exited, done chan struct{}
}

// New returns a new, not yet started, Process.
func New(l logger.Logger, c Config) *Process {
	if c.WaitDelay == 0 {
		c.WaitDelay = DefaultWaitDelay
	}
	return &Process{
		conf:    c,
		logger:  l,
		started: make(chan struct{}),
		exited:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run starts the process and blocks until it exits. The returned error only
// reports a failure to start; the outcome of the child is available from
// WaitResult, WaitStatus and ExitCode once Run returns.
//
// If ctx is done before the child exits, the whole process group is
// signalled (see Config.SignalGracePeriod).
func (p *Process) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.command != nil {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}

	p.command = exec.Command(p.conf.Path, p.conf.Args...)
	p.command.Env = p.conf.Env
	p.command.Dir = p.conf.Dir
	p.command.WaitDelay = p.conf.WaitDelay

	var (
		pty        *os.File
		ptyCopied  chan struct{}
		startError error
	)
	if p.conf.PTY {
		pty, startError = startPTY(p.command)
	} else {
		p.command.Stdin = p.conf.Stdin
		p.command.Stdout = p.conf.Stdout
		p.command.Stderr = p.conf.Stderr
		p.setupProcessGroup()
		startError = p.command.Start()
	}
	if startError != nil {
		p.waitResult = startError
		close(p.done)
		p.mu.Unlock()
		return fmt.Errorf("starting %s: %w", FormatCommand(p.conf.Path, p.conf.Args), startError)
	}

	if pty != nil {
		out := p.conf.Stdout
		if out == nil {
			out = io.Discard
		}
		ptyCopied = make(chan struct{})
		go func() {
			defer close(ptyCopied)
			p.logger.Debug("[Process] Starting to copy PTY to the output")
			if _, err := io.Copy(out, pty); err != nil && !isPTYClosed(err) {
				p.logger.Error("[Process] PTY output copy failed with error: %T: %v", err, err)
			}
		}()
	}

	p.pid = p.command.Process.Pid
	p.mu.Unlock()

	p.logger.Debug("[Process] Process is running with PID: %d", p.pid)
	close(p.started)

	stopWatching := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			p.logger.Debug("[Process] Context done (%v), stopping process group %d", context.Cause(ctx), p.pid)
			p.stop()
		case <-stopWatching:
		}
	}()

	waitResult := p.command.Wait()
	close(p.exited)
	close(stopWatching)
	<-watcherDone

	if pty != nil {
		// The copy ends once every holder of the terminal has closed it.
		select {
		case <-ptyCopied:
		case <-time.After(p.conf.WaitDelay):
			p.logger.Warn("[Process] Timed out waiting for the PTY output of %d to drain", p.pid)
		}
		if err := pty.Close(); err != nil {
			p.logger.Debug("[Process] Closing PTY: %v", err)
		}
	}

	p.mu.Lock()
	p.waitResult = waitResult
	if ps := p.command.ProcessState; ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
			p.status = ws
		}
	}
	p.mu.Unlock()

	p.logger.Debug("[Process] Process with PID: %d finished with exit code %d", p.pid, p.ExitCode())
	close(p.done)

	return nil
}

// stop signals the process group, escalating to SIGKILL after the grace
// period if the process is still running.
func (p *Process) stop() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()

	if p.conf.SignalGracePeriod <= 0 {
		if err := p.Terminate(); err != nil {
			p.logger.Error("[Process] Failed to terminate process group %d: %v", p.pid, err)
		}
		return
	}

	if err := p.Interrupt(); err != nil {
		p.logger.Warn("[Process] Failed to interrupt process group %d: %v", p.pid, err)
	}

	timer := time.NewTimer(p.conf.SignalGracePeriod)
	defer timer.Stop()

	select {
	case <-p.exited:
	case <-timer.C:
		p.logger.Debug("[Process] Process group %d still running after %v, killing", p.pid, p.conf.SignalGracePeriod)
		if err := p.Terminate(); err != nil {
			p.logger.Error("[Process] Failed to terminate process group %d: %v", p.pid, err)
		}
	}
}

// Interrupt sends the configured interrupt signal to the process group.
func (p *Process) Interrupt() error {
	if p == nil || !p.isStarted() {
		return nil
	}
	return p.interruptProcessGroup()
}

// Terminate sends SIGKILL to the process group.
func (p *Process) Terminate() error {
	if p == nil || !p.isStarted() {
		return nil
	}
	return p.terminateProcessGroup()
}

func (p *Process) isStarted() bool {
	select {
	case <-p.started:
		return true
	default:
		return false
	}
}

// Pid returns the pid of the child, which is also its process group id.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Started returns a channel that is closed when the process has started.
func (p *Process) Started() <-chan struct{} { return p.started }

// Done returns a channel that is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Cancelled reports whether the process group was signalled because the
// context passed to Run was done.
func (p *Process) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// WaitResult returns the error from waiting on the child, which is an
// *exec.ExitError for a non-zero exit.
func (p *Process) WaitResult() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitResult
}

// WaitStatus returns the raw wait status, or nil if the process has not
// exited.
func (p *Process) WaitStatus() WaitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// ExitCode returns the exit code of the child following shell conventions:
// 128+n when the child was killed by signal n, and -1 if it never ran to
// completion.
func (p *Process) ExitCode() int {
	ws := p.WaitStatus()
	if ws == nil {
		return -1
	}
	if ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ws.ExitStatus()
}
