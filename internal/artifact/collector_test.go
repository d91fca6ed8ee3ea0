package artifact

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/labops/deploystep/env"
	"github.com/labops/deploystep/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMetrics struct {
	mu       sync.Mutex
	archived int64
	failures int
}

func (m *fakeMetrics) Archived(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived += n
}

func (m *fakeMetrics) ArchiveFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

type flakyUploader struct {
	failures int
	calls    int
}

func (u *flakyUploader) Upload(ctx context.Context, localPath, name string) (string, error) {
	u.calls++
	if u.calls <= u.failures {
		return "", errors.New("connection reset by peer")
	}
	return "mem://" + name, nil
}

func writeLog(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cs_config.log")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestCollectMissingLogIsEmptyArchive(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "archive")
	metrics := &fakeMetrics{}
	buf := logger.NewBuffer()
	c := &Collector{Destination: dest, Logger: buf, Metrics: metrics}

	missing := filepath.Join(t.TempDir(), "cs_config.log")
	report := c.Collect(t.Context(), errors.New("script not found"), missing)

	assert.True(t, report.Empty)
	assert.NoError(t, report.Err)
	assert.NoDirExists(t, dest)
	assert.Zero(t, metrics.failures)
	assert.Contains(t, buf.Snapshot(), "[info] No log found at "+missing+", nothing to archive")
}

func TestCollectCopiesLogToLocalDestination(t *testing.T) {
	t.Parallel()

	logPath := writeLog(t, "starting deploy\nsomething broke\n")
	dest := filepath.Join(t.TempDir(), "archive", "${HOST_USER}")
	metrics := &fakeMetrics{}

	c := &Collector{
		Destination: dest,
		Env:         env.FromSlice([]string{"HOST_USER=admin"}),
		Metrics:     metrics,
	}

	report := c.Collect(t.Context(), errors.New("script exited with status 3"), logPath)
	require.NoError(t, report.Err)

	want := filepath.Join(filepath.Dir(dest), "admin", "cs_config.log")
	assert.False(t, report.Empty)
	assert.Equal(t, "cs_config.log", report.Name)
	assert.Equal(t, want, report.Location)
	assert.EqualValues(t, 32, report.Bytes)
	assert.EqualValues(t, 32, metrics.archived)

	b, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "starting deploy\nsomething broke\n", string(b))
}

func TestCollectGzip(t *testing.T) {
	t.Parallel()

	logPath := writeLog(t, "line one\nline two\n")
	dest := t.TempDir()

	c := &Collector{Destination: dest, Gzip: true}

	report := c.Collect(t.Context(), nil, logPath)
	require.NoError(t, report.Err)
	assert.Equal(t, "cs_config.log.gz", report.Name)

	f, err := os.Open(filepath.Join(dest, "cs_config.log.gz"))
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck // test cleanup

	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, "cs_config.log", zr.Name)

	b, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(b))
}

func TestCollectRetriesUploads(t *testing.T) {
	t.Parallel()

	logPath := writeLog(t, "hello\n")
	u := &flakyUploader{failures: 2}
	var sleeps []time.Duration

	c := &Collector{
		Destination:    "s3://bucket/prefix",
		RetrySleepFunc: func(d time.Duration) { sleeps = append(sleeps, d) },
		newUploader: func(context.Context, *Collector, Destination) (Uploader, error) {
			return u, nil
		},
	}

	report := c.Collect(t.Context(), nil, logPath)
	require.NoError(t, report.Err)
	assert.Equal(t, "mem://cs_config.log", report.Location)
	assert.Equal(t, 3, u.calls)
	assert.Len(t, sleeps, 2)
}

func TestCollectFailureIsReportedNotReturned(t *testing.T) {
	t.Parallel()

	logPath := writeLog(t, "hello\n")
	u := &flakyUploader{failures: 100}
	metrics := &fakeMetrics{}

	c := &Collector{
		Destination:    "s3://bucket/prefix",
		Attempts:       2,
		Metrics:        metrics,
		RetrySleepFunc: func(time.Duration) {},
		newUploader: func(context.Context, *Collector, Destination) (Uploader, error) {
			return u, nil
		},
	}

	report := c.Collect(t.Context(), nil, logPath)
	assert.ErrorContains(t, report.Err, "connection reset by peer")
	assert.Empty(t, report.Location)
	assert.Equal(t, 2, u.calls)
	assert.Equal(t, 1, metrics.failures)
}

func TestCollectBadDestination(t *testing.T) {
	t.Parallel()

	logPath := writeLog(t, "hello\n")
	c := &Collector{Destination: "ftp://nope"}

	report := c.Collect(t.Context(), nil, logPath)
	assert.ErrorContains(t, report.Err, "unsupported scheme")
	assert.False(t, report.Empty)
}

func TestCollectArchivesMatchingPaths(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	for name, contents := range map[string]string{
		"cs_config.log":          "log\n",
		"server_pci_map.txt":     "host1 0000:3b:00.0\n",
		"logs/install.log":       "installed\n",
		"logs/nested/verify.log": "verified\n",
		"notes.md":               "not archived\n",
	} {
		require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
		require.NoError(t, os.WriteFile(name, []byte(contents), 0o644))
	}

	dest := filepath.Join(t.TempDir(), "archive")
	metrics := &fakeMetrics{}
	c := &Collector{
		Destination: dest,
		Paths:       []string{"**/*.log", "*.txt", "  "},
		Metrics:     metrics,
	}

	report := c.Collect(t.Context(), nil, "cs_config.log")
	require.NoError(t, report.Err)

	var names []string
	for _, extra := range report.Extras {
		require.NoError(t, extra.Err)
		names = append(names, extra.Name)
	}
	// The log is matched by **/*.log but only archived once.
	assert.Equal(t, []string{"logs/install.log", "logs/nested/verify.log", "server_pci_map.txt"}, names)

	b, err := os.ReadFile(filepath.Join(dest, "logs", "nested", "verify.log"))
	require.NoError(t, err)
	assert.Equal(t, "verified\n", string(b))
	assert.NoFileExists(t, filepath.Join(dest, "notes.md"))
	assert.Equal(t, int64(len("log\n")+len("host1 0000:3b:00.0\n")+len("installed\n")+len("verified\n")), metrics.archived)
}

func TestCollectPathsWithoutLog(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile("server_pci_map.txt", []byte("host1\n"), 0o644))

	dest := filepath.Join(t.TempDir(), "archive")
	c := &Collector{Destination: dest, Paths: []string{"*.txt"}}

	report := c.Collect(t.Context(), errors.New("script not found"), "cs_config.log")
	assert.True(t, report.Empty)
	require.Len(t, report.Extras, 1)
	assert.FileExists(t, filepath.Join(dest, "server_pci_map.txt"))
}
