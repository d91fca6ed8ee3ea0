// Package step runs a single deployment script: it checks and prepares the
// script, composes its environment from the deployment parameters, runs it
// under a time limit, and tees its output into a log file.
//
// It is intended for internal use by deploystep only.
package step

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labops/deploystep/env"
	"github.com/labops/deploystep/internal/osutil"
	"github.com/labops/deploystep/internal/params"
	"github.com/labops/deploystep/internal/shellscript"
	"github.com/labops/deploystep/logger"
	"github.com/labops/deploystep/process"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultShell is the interpreter and flags a script runs under: abort on
// errors, on unset variables, and on failures anywhere in a pipeline.
var DefaultShell = []string{"bash", "-euo", "pipefail"}

// fallbackShell is used when bash is not installed. POSIX sh has no
// pipefail.
var fallbackShell = []string{"sh", "-eu"}

// DefaultLogFile is where script output is written unless told otherwise.
const DefaultLogFile = "cs_config.log"

// ExecutionResult describes a finished (or abandoned) run of the script.
type ExecutionResult struct {
	RunID    string        `json:"run_id"`
	Started  time.Time     `json:"started"`
	ExitCode int           `json:"exit_code"`
	LogPath  string        `json:"log_path"`
	Duration time.Duration `json:"duration"`
}

// Runner runs the deployment script.
type Runner struct {
	// Fixed is the fixed part of the script's environment, including the
	// path to the script itself.
	Fixed FixedConfig

	// LogPath is the file the script's output is written to. Defaults to
	// DefaultLogFile.
	LogPath string

	// Shell is the interpreter and its flags; the script path is appended.
	// Defaults to DefaultShell, falling back to sh if bash is missing.
	Shell []string

	// Dir is the working directory of the script, and the base of relative
	// script and log paths. Defaults to the current directory.
	Dir string

	// Environ is the environment the composed variables are layered over.
	// Defaults to os.Environ().
	Environ []string

	// Stdout is the operator's stream. Script output, the resolved
	// parameters and the final status go here.
	Stdout io.Writer
	Ansi   bool

	// SignalGracePeriod is how long the script's process group has to exit
	// after CancelSignal before it is killed. Zero kills it straight away.
	SignalGracePeriod time.Duration

	// CancelSignal is sent to the process group first when the run is
	// cancelled or times out. Defaults to SIGTERM.
	CancelSignal syscall.Signal

	// TimestampLines prefixes each line in the log file with the time.
	TimestampLines bool

	// PTY runs the script attached to a terminal, for scripts that only
	// print progress or color when they have one.
	PTY bool

	// DryRun prints what would run without running it.
	DryRun bool

	Logger logger.Logger

	// Tracer records a span for each state the run passes through, as
	// children of the span in the context given to Execute.
	Tracer trace.Tracer

	// Timeout replaces the parameters' stage timeout when set, for limits
	// finer than a minute.
	Timeout time.Duration

	mu     sync.Mutex
	states []State

	traceCtx   context.Context
	traceAttrs []attribute.KeyValue
	stateSpan  trace.Span
}

// Execute runs the script once with the given parameters.
//
// The returned error is a *ScriptNotFoundError if the script is missing, a
// *TimeoutError if the time limit ran out, and an *ExecutionFailedError if
// the script exited non-zero. The ExecutionResult is always populated with
// as much as is known, so the log can be collected whatever happened.
func (r *Runner) Execute(ctx context.Context, p params.ParameterSet) (ExecutionResult, error) {
	res := ExecutionResult{
		RunID:    uuid.NewString(),
		Started:  time.Now(),
		ExitCode: -1,
		LogPath:  r.resolve(r.logFile()),
	}
	l := r.logger().WithFields(logger.StringField("run_id", res.RunID))
	out := NewOutput(r.stdout(), r.Ansi)

	r.mu.Lock()
	r.traceCtx = ctx
	r.traceAttrs = []attribute.KeyValue{
		attribute.String("deploystep.run_id", res.RunID),
		attribute.String("deploystep.deployment_type", string(p.Tier)),
		attribute.String("deploystep.host_user", p.HostUser),
		attribute.String("deploystep.version", p.Version),
	}
	r.mu.Unlock()

	r.transition(l, StateValidating)

	// The operator sees what the run was asked to do even when it goes no
	// further than validation.
	composed := Compose(p, r.Fixed)
	r.printParameters(out, composed)

	script := r.resolve(r.Fixed.Script)
	if err := osutil.IsReadableFile(script); err != nil {
		serr := &ScriptNotFoundError{Path: script, Err: err}
		r.transition(l, StateFailed)
		r.recordError(serr)
		out.Errorf("Script %s is missing or unreadable", script)
		return res, serr
	}

	r.transition(l, StatePreparing)

	// Normalizing is best effort; a script with CRLF line endings may still
	// run, and bash will say so loudly if not.
	if nr, err := shellscript.Normalize(script); err != nil {
		l.Warn("Couldn't prepare %s: %v", script, err)
		out.Warningf("Couldn't prepare %s: %v", script, err)
	} else if nr.Rewritten {
		l.Info("Converted CRLF line endings in %s", script)
	}
	if line, err := shellscript.ShebangLine(script); err == nil && line != "" && !shellscript.IsPOSIXShell(line) {
		out.Warningf("%s has shebang %q, but will be run by a POSIX shell", script, line)
	}

	shell, err := r.shell(l, out)
	if err != nil {
		r.transition(l, StateFailed)
		r.recordError(err)
		out.Errorf("%v", err)
		return res, err
	}
	args := append(shell[1:len(shell):len(shell)], script)

	environ := env.FromSlice(r.environ())
	environ.Merge(composed)

	if r.DryRun {
		out.Headerf("Dry run, not running the script")
		out.Promptf("%s", process.FormatCommand(shell[0], args))
		res.ExitCode = 0
		r.transition(l, StateSucceeded)
		return res, nil
	}

	logFile, err := openLog(res.LogPath)
	if err != nil {
		r.transition(l, StateFailed)
		r.recordError(err)
		return res, err
	}
	defer func() {
		if err := logFile.Close(); err != nil {
			l.Error("Closing log file %s: %v", res.LogPath, err)
		}
	}()

	var logW io.Writer = logFile
	if r.TimestampLines {
		logW = process.NewTimestamper(logFile)
	}
	output := newTee(logW, r.stdout())

	out.Headerf("Running %s", filepath.Base(script))
	out.Promptf("%s", process.FormatCommand(shell[0], args))

	proc := process.New(l, process.Config{
		Path:              shell[0],
		Args:              args,
		Env:               environ.ToSlice(),
		Dir:               r.Dir,
		Stdout:            output,
		Stderr:            output,
		InterruptSignal:   r.CancelSignal,
		SignalGracePeriod: r.SignalGracePeriod,
		PTY:               r.PTY,
	})
	if r.SignalGracePeriod > 0 && r.CancelSignal != 0 {
		l.Debug("[Runner] Cancelling will send %s, then SIGKILL after %v", process.SignalString(r.CancelSignal), r.SignalGracePeriod)
	}

	limit := p.Timeout()
	if r.Timeout > 0 {
		limit = r.Timeout
	}

	res, err = Guard(ctx, limit, func(ctx context.Context) (ExecutionResult, error) {
		res := res
		r.transition(l, StateExecuting)

		if err := proc.Run(ctx); err != nil {
			return res, err
		}
		res.ExitCode = proc.ExitCode()

		if proc.Cancelled() {
			return res, context.Cause(ctx)
		}
		if res.ExitCode != 0 {
			return res, &ExecutionFailedError{Code: res.ExitCode}
		}
		return res, nil
	})
	res.Duration = time.Since(res.Started)

	if err := output.OutErr(); err != nil {
		l.Warn("Operator output stopped early: %v", err)
	}

	r.finish(l, out, res, err)
	return res, err
}

// Transition records the run moving to a state outside of Execute, such as
// collecting artifacts once it has returned.
func (r *Runner) Transition(s State) {
	r.transition(r.logger(), s)
}

// States returns the states the runner has moved through, in order.
func (r *Runner) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *Runner) transition(l logger.Logger, s State) {
	r.mu.Lock()
	from := StateNew
	if n := len(r.states); n > 0 {
		from = r.states[n-1]
	}
	r.states = append(r.states, s)

	if r.stateSpan != nil {
		r.stateSpan.End()
		r.stateSpan = nil
	}
	if s != StateDone {
		ctx := r.traceCtx
		if ctx == nil {
			ctx = context.Background()
		}
		_, r.stateSpan = r.tracer().Start(ctx, "deploystep."+s.String(), trace.WithAttributes(r.traceAttrs...))
	}
	r.mu.Unlock()

	l.Debug("[Runner] %s -> %s", from, s)
}

// recordError marks the current state's span as failed.
func (r *Runner) recordError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stateSpan == nil {
		return
	}
	r.stateSpan.RecordError(err)
	r.stateSpan.SetStatus(codes.Error, err.Error())
}

func (r *Runner) tracer() trace.Tracer {
	if r.Tracer == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return r.Tracer
}

func (r *Runner) finish(l logger.Logger, out *Output, res ExecutionResult, err error) {
	l.WithFields(
		logger.IntField("exit_code", res.ExitCode),
		logger.DurationField("duration", res.Duration),
	).Info("Script finished")

	var size string
	if info, statErr := os.Stat(res.LogPath); statErr == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}

	terr := new(TimeoutError)
	switch {
	case err == nil:
		r.transition(l, StateSucceeded)
		out.Commentf("Script finished successfully in %v (%s of output in %s)", res.Duration.Round(time.Millisecond), size, res.LogPath)

	case errors.As(err, &terr):
		r.transition(l, StateTimedOut)
		r.recordError(err)
		out.Errorf("Script was still running after %v and has been killed (%s of output in %s)", terr.Limit, size, res.LogPath)

	default:
		r.transition(l, StateFailed)
		r.recordError(err)
		out.Errorf("%v (%s of output in %s)", err, size, res.LogPath)
	}
}

func (r *Runner) printParameters(out *Output, composed *env.Environment) {
	out.Headerf("Resolved deployment parameters")
	for _, k := range []string{
		params.KeyBuildPath,
		params.KeyVersion,
		params.KeyDeploymentType,
		params.KeyHostUser,
		params.KeyTimeoutMinutes,
		params.KeyCapacitySetup,
	} {
		if v, ok := composed.Get(k); ok {
			out.Commentf("%s=%s", k, v)
		}
	}
}

// shell returns the interpreter to run the script with.
func (r *Runner) shell(l logger.Logger, out *Output) ([]string, error) {
	if len(r.Shell) > 0 {
		if _, err := exec.LookPath(r.Shell[0]); err != nil {
			return nil, fmt.Errorf("shell %q not found: %w", r.Shell[0], err)
		}
		return r.Shell, nil
	}

	if _, err := exec.LookPath(DefaultShell[0]); err == nil {
		return DefaultShell, nil
	}

	l.Warn("bash not found, falling back to sh")
	out.Warningf("bash was not found; running under %s, which cannot detect failures inside pipelines", fallbackShell[0])
	return fallbackShell, nil
}

func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

// resolve makes relative paths relative to Dir. The result is absolute when
// Dir is set, since the script runs with Dir as its working directory.
func (r *Runner) resolve(path string) string {
	if r.Dir == "" || filepath.IsAbs(path) {
		return path
	}
	joined := filepath.Join(r.Dir, path)
	if abs, err := filepath.Abs(joined); err == nil {
		return abs
	}
	return joined
}

func (r *Runner) logFile() string {
	if r.LogPath == "" {
		return DefaultLogFile
	}
	return r.LogPath
}

func (r *Runner) environ() []string {
	if r.Environ == nil {
		return os.Environ()
	}
	return r.Environ
}

func (r *Runner) stdout() io.Writer {
	if r.Stdout == nil {
		return os.Stdout
	}
	return r.Stdout
}

func (r *Runner) logger() logger.Logger {
	if r.Logger == nil {
		return logger.Discard
	}
	return r.Logger
}
