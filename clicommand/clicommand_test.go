package clicommand

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/labops/deploystep/internal/params"
	"github.com/labops/deploystep/lockfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()

	out := &syncBuffer{}
	app := cli.NewApp()
	app.Name = "deploystep"
	app.Writer = out
	app.ErrWriter = out
	app.Commands = DeploystepCommands
	app.CommandNotFound = func(c *cli.Context, command string) {
		t.Errorf("Unknown command: %s %v", command, c.Args())
	}

	err := app.Run(append([]string{"deploystep"}, args...))
	return out.String(), err
}

func exitCode(err error) int {
	if serr := new(SilentExitError); errors.As(err, &serr) {
		return serr.Code()
	}
	if eerr := new(ExitError); errors.As(err, &eerr) {
		return eerr.Code()
	}
	if err != nil {
		return 1
	}
	return 0
}

func requireBash(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("scripts are run with bash, which isn't reliably available on windows")
	}
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not found")
	}
}

func TestParamsCommandJSON(t *testing.T) {
	out, err := runApp(t, "params", "--format", "json",
		"--deployment-type", "low",
		"--param", "version=7.0.0_GA",
		"--build-path", "/opt/builds/7.0.0",
	)
	require.NoError(t, err)

	var got params.ParameterSet
	require.NoError(t, json.Unmarshal([]byte(out), &got))

	want := params.Defaults
	want.Tier = params.TierLow
	want.Version = "7.0.0_GA"
	want.BuildPath = "/opt/builds/7.0.0"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("params diff (-want +got):\n%s", diff)
	}
}

func TestParamsCommandPrecedence(t *testing.T) {
	paramsFile := filepath.Join(t.TempDir(), "params.yml")
	require.NoError(t, os.WriteFile(paramsFile, []byte("tier: High\nuser: alice\nNEW_VERSION: \"1.0_RC1\"\ntimeout: 15\n"), 0o644))

	out, err := runApp(t, "params", "--format", "json",
		"--params-file", paramsFile,
		"--param", "DEPLOYMENT_TYPE=Low",
		"--param", "user=bob",
		"--host-user", "carol",
	)
	require.NoError(t, err)

	var got params.ParameterSet
	require.NoError(t, json.Unmarshal([]byte(out), &got))

	assert.Equal(t, params.TierLow, got.Tier)
	assert.Equal(t, "carol", got.HostUser)
	assert.Equal(t, "1.0_RC1", got.Version)
	assert.Equal(t, 15, got.TimeoutMinutes)
}

func TestParamsCommandText(t *testing.T) {
	out, err := runApp(t, "params", "--host-user", "labadmin")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, []string{"HOST_USER", "labadmin"}, strings.Fields(lines[3]))
	assert.Equal(t, []string{"DEPLOYMENT_TYPE", "Medium"}, strings.Fields(lines[2]))
}

func TestParamsCommandInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"--timeout-minutes", "0"},
		{"--deployment-type", "Huge"},
		{"--param", "no-equals-sign"},
	} {
		_, err := runApp(t, append([]string{"params"}, args...)...)
		assert.Equal(t, 64, exitCode(err), "args %v: %v", args, err)
	}
}

func TestEnvCommand(t *testing.T) {
	out, err := runApp(t, "env",
		"--deployment-type", "Low",
		"--script", "/srv/deploy/cs_config.sh",
		"--env", "CONFIG_DIR=/srv/config",
	)
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "/srv/deploy/cs_config.sh", got["CS_SCRIPT"])
	assert.Equal(t, "/srv/config", got["CONFIG_DIR"])
	assert.Equal(t, "LOW", got["CAPACITY_SETUP"])
	assert.Equal(t, "Low", got["DEPLOYMENT_TYPE"])

	// Order is fixed variables, extras, parameters, capacity.
	order := []string{`"SERVER_FILE"`, `"CS_SCRIPT"`, `"CONFIG_DIR"`, `"NEW_BUILD_PATH"`, `"CAPACITY_SETUP"`}
	last := -1
	for _, key := range order {
		i := strings.Index(out, key)
		assert.Greater(t, i, last, "%s out of order in %s", key, out)
		last = i
	}
}

func TestEnvCommandRejectsFixedKeys(t *testing.T) {
	_, err := runApp(t, "env", "--env", "CS_SCRIPT=other.sh")
	assert.ErrorContains(t, err, "use --script instead")
}

func TestEnvCommandOmitsCapacityForMedium(t *testing.T) {
	out, err := runApp(t, "env")
	require.NoError(t, err)
	assert.NotContains(t, out, "CAPACITY_SETUP")
}

func TestEnvCommandYAML(t *testing.T) {
	out, err := runApp(t, "env", "--format", "yaml", "--host-user", "labadmin")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "SERVER_FILE: server_pci_map.txt\n"), out)
	assert.Contains(t, out, "\nDEPLOYMENT_TYPE: Medium\n")
	assert.Contains(t, out, "\nHOST_USER: labadmin\n")
}

// runFixture lays out a script, and returns the run flags pointing at it
// and at a log, archive, lock and metrics file in the same temp dir.
func runFixture(t *testing.T, script string) (dir string, args []string) {
	t.Helper()

	dir = t.TempDir()
	scriptPath := filepath.Join(dir, "cs_config.sh")
	if script != "" {
		require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o644))
	}

	return dir, []string{"run",
		"--script", scriptPath,
		"--log-file", filepath.Join(dir, "cs_config.log"),
		"--artifact-destination", filepath.Join(dir, "archive"),
		"--lock-file", filepath.Join(dir, "deploystep.lock"),
		"--metrics-textfile", filepath.Join(dir, "deploystep.prom"),
	}
}

func TestRunCommandSucceeds(t *testing.T) {
	requireBash(t)

	dir, args := runFixture(t, "echo \"$NEW_VERSION ${CAPACITY_SETUP:-}\"\n")
	out, err := runApp(t, append(args, "--deployment-type", "Low", "--version-string", "9.9_X")...)
	require.NoError(t, err)
	assert.Contains(t, out, "9.9_X LOW")

	archived, err := os.ReadFile(filepath.Join(dir, "archive", "cs_config.log"))
	require.NoError(t, err)
	assert.Equal(t, "9.9_X LOW\n", string(archived))

	prom, err := os.ReadFile(filepath.Join(dir, "deploystep.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(prom), `deploystep_runs_finished_total{outcome="succeeded"} 1`)
}

func TestRunCommandScriptFailure(t *testing.T) {
	requireBash(t)

	dir, args := runFixture(t, "echo partial\nexit 3\n")
	_, err := runApp(t, args...)
	assert.Equal(t, 3, exitCode(err))
	assert.ErrorIs(t, err, NewSilentExitError(3))

	archived, err := os.ReadFile(filepath.Join(dir, "archive", "cs_config.log"))
	require.NoError(t, err)
	assert.Equal(t, "partial\n", string(archived))
}

func TestRunCommandScriptNotFound(t *testing.T) {
	dir, args := runFixture(t, "")

	// A log from an earlier run must not be archived as this run's.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cs_config.log"), []byte("stale\n"), 0o644))

	_, err := runApp(t, args...)
	assert.Equal(t, 2, exitCode(err))

	assert.NoFileExists(t, filepath.Join(dir, "cs_config.log"))
	assert.NoFileExists(t, filepath.Join(dir, "archive", "cs_config.log"))
}

func TestRunCommandTimeout(t *testing.T) {
	requireBash(t)

	dir, args := runFixture(t, "echo partial\nsleep 30\necho never\n")
	out, err := runApp(t, append(args, "--timeout", "500ms")...)
	assert.Equal(t, 124, exitCode(err), "output: %s", out)

	archived, err := os.ReadFile(filepath.Join(dir, "archive", "cs_config.log"))
	require.NoError(t, err)
	assert.Equal(t, "partial\n", string(archived))

	prom, err := os.ReadFile(filepath.Join(dir, "deploystep.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(prom), `deploystep_runs_finished_total{outcome="timed_out"} 1`)
}

func TestRunCommandInvalidParameter(t *testing.T) {
	_, args := runFixture(t, "echo never\n")
	_, err := runApp(t, append(args, "--timeout-minutes", "soon")...)
	assert.Equal(t, 64, exitCode(err))
}

func TestRunCommandRejectedWhileLocked(t *testing.T) {
	dir, args := runFixture(t, "echo never\n")

	lock, err := lockfile.Acquire(context.Background(), filepath.Join(dir, "deploystep.lock"), lockfile.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { lock.Unlock() }) //nolint:errcheck // Test cleanup.

	_, err = runApp(t, args...)
	assert.Equal(t, ExitCodeLocked, exitCode(err))
	assert.ErrorIs(t, err, lockfile.ErrLocked)
	assert.NoFileExists(t, filepath.Join(dir, "cs_config.log"))
}

func TestRunCommandDryRun(t *testing.T) {
	requireBash(t)

	dir, args := runFixture(t, "touch ran\n")
	out, err := runApp(t, append(args, "--dry-run")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Dry run")
	assert.NoFileExists(t, filepath.Join(dir, "ran"))
	assert.NoFileExists(t, filepath.Join(dir, "archive", "cs_config.log"))
}

func TestRunCommandInvalidCancelSignal(t *testing.T) {
	dir, args := runFixture(t, "touch ran\n")
	_, err := runApp(t, append(args, "--cancel-signal", "SIGLLAMA")...)
	assert.ErrorContains(t, err, "--cancel-signal")
	assert.Equal(t, 1, exitCode(err))
	assert.NoFileExists(t, filepath.Join(dir, "ran"))
}

func TestRunCommandUnknownTracingBackend(t *testing.T) {
	dir, args := runFixture(t, "touch ran\n")
	_, err := runApp(t, append(args, "--tracing-backend", "zipkin")...)
	assert.ErrorContains(t, err, `Invalid tracing backend "zipkin"`)
	assert.NoFileExists(t, filepath.Join(dir, "ran"))
}

func TestRunCommandTracingFallsBackWhenExporterFails(t *testing.T) {
	requireBash(t)
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "carrier-pigeon")

	dir, args := runFixture(t, "touch ran\n")
	_, err := runApp(t, append(args, "--tracing-backend", "opentelemetry")...)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "ran"))
}
