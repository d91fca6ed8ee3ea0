package clicommand

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/buildkite/shellwords"
	"github.com/labops/deploystep/env"
	"github.com/labops/deploystep/internal/artifact"
	"github.com/labops/deploystep/internal/params"
	"github.com/labops/deploystep/internal/step"
	"github.com/labops/deploystep/lockfile"
	"github.com/labops/deploystep/logger"
	"github.com/labops/deploystep/metrics"
	"github.com/labops/deploystep/process"
	"github.com/labops/deploystep/tracing"
	"github.com/urfave/cli"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const runHelpDescription = `Usage:

    deploystep run [options...]

Description:

Runs the deployment script once. The deployment parameters are resolved
(every one has a default), exported to the script along with the paths of
the SSH key and server map file, and the script is run with bash in strict
mode. Its output goes to the terminal and to a log file, and the log is
archived afterwards, whatever the outcome.

Only one run may be in progress on a machine at a time. A second run fails
straight away unless --wait-for-lock is given.

Exit status is the script's own on failure, 2 if the script is missing, 64
for an invalid parameter, 124 if the time limit ran out, and 75 if another
run holds the lock.

Example:

    $ deploystep run --deployment-type Low --host-user labadmin \
        --artifact-destination 's3://deploy-logs/${HOST_USER}/'`

const artifactPathDelimiter = ";"

type RunConfig struct {
	GlobalConfig
	ParameterConfig

	LogFile           string        `cli:"log-file" validate:"required"`
	Shell             string        `cli:"shell"`
	Timeout           time.Duration `cli:"timeout"`
	SignalGracePeriod time.Duration `cli:"signal-grace-period"`
	CancelSignal      string        `cli:"cancel-signal"`
	TimestampLines    bool          `cli:"timestamp-lines"`
	PTY               bool          `cli:"pty"`
	DryRun            bool          `cli:"dry-run"`

	ArtifactDestination string `cli:"artifact-destination"`
	ArtifactPaths       string `cli:"artifact-paths"`
	ArtifactGzip        bool   `cli:"artifact-gzip"`

	LockFile    string `cli:"lock-file" normalize:"filepath"`
	WaitForLock bool   `cli:"wait-for-lock"`

	MetricsTextfile    string `cli:"metrics-textfile" normalize:"filepath"`
	MetricsDatadog     bool   `cli:"metrics-datadog"`
	MetricsDatadogHost string `cli:"metrics-datadog-host"`

	TracingBackend     string `cli:"tracing-backend" validate:"oneof=opentelemetry" label:"tracing backend"`
	TracingServiceName string `cli:"tracing-service-name"`
}

var RunCommand = cli.Command{
	Name:        "run",
	Usage:       "Run the deployment script",
	Description: runHelpDescription,
	Flags: flatten(globalFlags(), parameterFlags(), []cli.Flag{
		cli.StringFlag{
			Name:   "log-file",
			Value:  step.DefaultLogFile,
			Usage:  "Where to write the script's output",
			EnvVar: "DEPLOYSTEP_LOG_FILE",
		},
		cli.StringFlag{
			Name:   "shell",
			Value:  "bash -euo pipefail",
			Usage:  "The interpreter and flags to run the script with",
			EnvVar: "DEPLOYSTEP_SHELL",
		},
		cli.DurationFlag{
			Name:   "timeout",
			Usage:  "Overrides --timeout-minutes with a finer limit, such as 90s",
			EnvVar: "DEPLOYSTEP_TIMEOUT",
			Hidden: true,
		},
		cli.DurationFlag{
			Name:   "signal-grace-period",
			Usage:  "How long the script has to exit after SIGTERM, on timeout or cancellation, before it is killed. 0 kills it immediately",
			EnvVar: "DEPLOYSTEP_SIGNAL_GRACE_PERIOD",
		},
		cli.StringFlag{
			Name:   "cancel-signal",
			Value:  "SIGTERM",
			Usage:  "The signal sent to the script first, when --signal-grace-period is set",
			EnvVar: "DEPLOYSTEP_CANCEL_SIGNAL",
		},
		cli.BoolFlag{
			Name:   "timestamp-lines",
			Usage:  "Prefix each line in the log file with a timestamp",
			EnvVar: "DEPLOYSTEP_TIMESTAMP_LINES",
		},
		cli.BoolFlag{
			Name:   "pty",
			Usage:  "Run the script in a pseudo terminal. Its output then has CRLF line endings",
			EnvVar: "DEPLOYSTEP_PTY",
		},
		cli.BoolFlag{
			Name:   "dry-run",
			Usage:  "Print the parameters and command without running anything",
			EnvVar: "DEPLOYSTEP_DRY_RUN",
		},
		cli.StringFlag{
			Name:   "artifact-destination",
			Value:  artifact.DefaultDestination,
			Usage:  "Where to archive the log: a directory, s3://bucket/prefix or az://account/container/prefix. Environment variables are interpolated",
			EnvVar: "DEPLOYSTEP_ARTIFACT_DESTINATION",
		},
		cli.StringFlag{
			Name:   "artifact-paths",
			Usage:  "Glob patterns of other files to archive with the log, separated by semicolons, e.g. \"server_pci_map.txt;logs/**/*.log\"",
			EnvVar: "DEPLOYSTEP_ARTIFACT_PATHS",
		},
		cli.BoolFlag{
			Name:   "artifact-gzip",
			Usage:  "Compress the log before archiving it",
			EnvVar: "DEPLOYSTEP_ARTIFACT_GZIP",
		},
		cli.StringFlag{
			Name:   "lock-file",
			Value:  lockfile.DefaultPath(),
			Usage:  "The lock that keeps runs on this machine from overlapping",
			EnvVar: "DEPLOYSTEP_LOCK_FILE",
		},
		cli.BoolFlag{
			Name:   "wait-for-lock",
			Usage:  "Wait for another run to finish instead of failing",
			EnvVar: "DEPLOYSTEP_WAIT_FOR_LOCK",
		},
		cli.StringFlag{
			Name:   "metrics-textfile",
			Usage:  "Write run metrics to this file in the Prometheus text format",
			EnvVar: "DEPLOYSTEP_METRICS_TEXTFILE",
		},
		cli.BoolFlag{
			Name:   "metrics-datadog",
			Usage:  "Send run metrics to DogStatsD",
			EnvVar: "DEPLOYSTEP_METRICS_DATADOG",
		},
		cli.StringFlag{
			Name:   "metrics-datadog-host",
			Value:  "127.0.0.1:8125",
			Usage:  "The DogStatsD instance to send metrics to",
			EnvVar: "DEPLOYSTEP_METRICS_DATADOG_HOST",
		},
		cli.StringFlag{
			Name:   "tracing-backend",
			Usage:  "Export a trace of the run. The only backend is opentelemetry, configured with the usual OTEL_EXPORTER_OTLP_* variables",
			EnvVar: "DEPLOYSTEP_TRACING_BACKEND",
		},
		cli.StringFlag{
			Name:   "tracing-service-name",
			Value:  tracing.DefaultServiceName,
			Usage:  "The service name traces are reported under",
			EnvVar: "DEPLOYSTEP_TRACING_SERVICE_NAME",
		},
	}),
	Action: func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, l, err := setupLoggerAndConfig[RunConfig](c)
		if err != nil {
			return err
		}

		return Run(ctx, c, l, cfg)
	},
}

// Run is the run command proper.
func Run(ctx context.Context, c *cli.Context, l logger.Logger, cfg *RunConfig) (err error) {
	shell, err := shellwords.Split(cfg.Shell)
	if err != nil {
		return fmt.Errorf("parsing --shell %q: %w", cfg.Shell, err)
	}

	cancelSig, err := process.ParseSignal(cmp.Or(cfg.CancelSignal, "SIGTERM"))
	if err != nil {
		return fmt.Errorf("parsing --cancel-signal: %w", err)
	}

	fixed, err := cfg.FixedConfig()
	if err != nil {
		return err
	}

	runner := &step.Runner{
		Fixed:             fixed,
		LogPath:           cfg.LogFile,
		Shell:             shell,
		Stdout:            c.App.Writer,
		Ansi:              !cfg.NoColor && logger.ColorsSupported(),
		Timeout:           cfg.Timeout,
		SignalGracePeriod: cfg.SignalGracePeriod,
		CancelSignal:      cancelSig,
		TimestampLines:    cfg.TimestampLines,
		PTY:               cfg.PTY,
		DryRun:            cfg.DryRun,
		Logger:            l,
	}

	if cfg.DryRun {
		p, err := cfg.ParameterSet()
		if err != nil {
			return NewExitError(step.ExitCode(err), err)
		}
		_, err = runner.Execute(ctx, p)
		return exitErrorFor(err)
	}

	lock, err := lockfile.Acquire(ctx, cmp.Or(cfg.LockFile, lockfile.DefaultPath()), lockfile.Options{
		Wait:   cfg.WaitForLock,
		Logger: l,
	})
	if errors.Is(err, lockfile.ErrLocked) {
		return NewExitError(ExitCodeLocked, fmt.Errorf("another run is in progress: %w", err))
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			l.Error("Releasing lock %s: %v", lock.Path(), err)
		}
	}()

	mc := metrics.NewCollector(l, metrics.CollectorConfig{
		TextfilePath: cfg.MetricsTextfile,
		Datadog:      cfg.MetricsDatadog,
		DatadogHost:  cfg.MetricsDatadogHost,
	})
	if err := mc.Start(); err != nil {
		l.Warn("Metrics are disabled for this run: %v", err)
	}
	defer func() {
		if err := mc.Stop(); err != nil {
			l.Error("%v", err)
		}
	}()

	tp, err := tracing.Start(ctx, l, tracing.Config{
		Backend:     cfg.TracingBackend,
		ServiceName: cfg.TracingServiceName,
	})
	if err != nil {
		l.Warn("Tracing is disabled for this run: %v", err)
	}
	defer func() {
		if err := tp.Stop(context.WithoutCancel(ctx)); err != nil {
			l.Error("Exporting traces: %v", err)
		}
	}()
	runner.Tracer = tp.Tracer()

	ctx = tracing.ContextWithParent(ctx, env.FromSlice(os.Environ()))
	ctx, span := tp.Tracer().Start(ctx, "deploystep.run")
	defer span.End()

	// A log left behind by an earlier run must not be archived as this
	// one's.
	logPath, err := filepath.Abs(cfg.LogFile)
	if err != nil {
		return err
	}
	if err := os.Remove(logPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing old log %s: %w", logPath, err)
	}

	interpolationEnv := env.FromSlice(os.Environ())
	collector := &artifact.Collector{
		Destination: cfg.ArtifactDestination,
		Env:         interpolationEnv,
		Paths:       splitPaths(cfg.ArtifactPaths),
		Gzip:        cfg.ArtifactGzip,
		Logger:      l,
		Metrics:     mc,
	}

	mc.RunStarted()
	started := time.Now()

	var runErr error
	defer func() {
		runner.Transition(step.StateCollecting)
		collector.Collect(context.WithoutCancel(ctx), runErr, logPath)
		runner.Transition(step.StateDone)

		mc.RunFinished(outcome(runErr), time.Since(started))
		span.SetAttributes(attribute.String("deploystep.outcome", outcome(runErr)))
		if runErr != nil {
			span.SetStatus(codes.Error, runErr.Error())
		}
		err = exitErrorFor(runErr)
	}()

	p, runErr := cfg.ParameterSet()
	if runErr != nil {
		return nil
	}
	interpolationEnv.Merge(step.Compose(p, fixed))
	mc.With(metrics.Tags{
		"deployment_type": string(p.Tier),
		"host_user":       p.HostUser,
	})

	_, runErr = runner.Execute(ctx, p)
	return nil
}

func splitPaths(paths string) []string {
	var split []string
	for p := range strings.SplitSeq(paths, artifactPathDelimiter) {
		if p = strings.TrimSpace(p); p != "" {
			split = append(split, p)
		}
	}
	return split
}

// exitErrorFor attaches the exit code for a run's outcome. A failing script
// has already had its say, so nothing more is printed for it.
func exitErrorFor(err error) error {
	if err == nil {
		return nil
	}
	if eerr := new(step.ExecutionFailedError); errors.As(err, &eerr) {
		return NewSilentExitError(step.ExitCode(err))
	}
	return NewExitError(step.ExitCode(err), err)
}

func outcome(err error) string {
	if err == nil {
		return "succeeded"
	}
	if terr := new(step.TimeoutError); errors.As(err, &terr) {
		return "timed_out"
	}
	if perr := new(params.InvalidParameterError); errors.As(err, &perr) {
		return "invalid"
	}
	return "failed"
}

func flatten(flagSets ...[]cli.Flag) []cli.Flag {
	length := 0
	for _, flagSet := range flagSets {
		length += len(flagSet)
	}

	flat := make([]cli.Flag, 0, length)
	for _, flagSet := range flagSets {
		flat = append(flat, flagSet...)
	}

	return flat
}
