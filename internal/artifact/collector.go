package artifact

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"drjosh.dev/zzglob"
	"github.com/buildkite/interpolate"
	"github.com/buildkite/roko"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/labops/deploystep/logger"
	"golang.org/x/sync/errgroup"
)

const (
	defaultAttempts      = 3
	defaultSleepDuration = 2 * time.Second

	maxConcurrentUploads = 4
)

// Metrics receives archive statistics.
type Metrics interface {
	Archived(bytes int64)
	ArchiveFailed()
}

// Report is what happened to the log.
type Report struct {
	// Empty is true when there was no log to archive. This is not an error.
	Empty bool

	// Name is the artifact's name within the destination.
	Name string

	// Location is where the log was archived to.
	Location string

	// Bytes is the size of the archived file.
	Bytes int64

	// Err is why archiving failed, if it did.
	Err error

	// Extras are the files matching Collector.Paths.
	Extras []Report
}

// Collector archives the log of a run, and any other files the run left
// behind that match Paths. Archiving is best effort: Collect logs failures
// and reports them, but never returns an error, since the outcome of a run
// is decided by the script alone.
type Collector struct {
	// Destination is where to archive to; see ParseDestination.
	Destination string

	// Env is used to interpolate variables in Destination.
	Env interpolate.Env

	// Paths are glob patterns (with ** for any depth) of extra files to
	// archive alongside the log. Relative patterns are resolved against the
	// working directory.
	Paths []string

	// Gzip compresses each file before archiving it.
	Gzip bool

	Logger  logger.Logger
	Metrics Metrics

	// Attempts is how many times to try each upload. Defaults to 3.
	Attempts int

	// RetrySleepFunc replaces time.Sleep between attempts.
	RetrySleepFunc func(time.Duration)

	// newUploader is swapped out in tests.
	newUploader func(context.Context, *Collector, Destination) (Uploader, error)
}

// Collect archives the log at logPath, then the files matching Paths. runErr
// is the outcome of the run and only affects what is logged.
func (c *Collector) Collect(ctx context.Context, runErr error, logPath string) Report {
	l := c.logger()

	if runErr != nil {
		l.Debug("Archiving after failed run (%v)", runErr)
	}

	dest, destErr := ParseDestination(c.Destination, c.Env)

	var report Report
	info, err := os.Stat(logPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		l.Info("No log found at %s, nothing to archive", logPath)
		report = Report{Empty: true}
	case err != nil:
		report = c.failed(Report{}, fmt.Errorf("inspecting log %s: %w", logPath, err))
	case info.IsDir():
		report = c.failed(Report{}, fmt.Errorf("log %s is a directory", logPath))
	case destErr != nil:
		report = c.failed(Report{Name: filepath.Base(logPath), Bytes: info.Size()}, destErr)
	default:
		report = c.archive(ctx, dest, logPath, filepath.Base(logPath), info.Size())
	}

	if len(c.Paths) > 0 {
		if destErr != nil {
			l.Warn("Not archiving %s: %v", strings.Join(c.Paths, ", "), destErr)
			return report
		}
		report.Extras = c.collectPaths(ctx, dest, logPath)
	}

	return report
}

// collectPaths archives every file matching Paths, other than the log,
// a few at a time.
func (c *Collector) collectPaths(ctx context.Context, dest Destination, logPath string) []Report {
	l := c.logger()

	files, err := c.glob(ctx, logPath)
	if err != nil {
		return []Report{c.failed(Report{}, err)}
	}
	if len(files) == 0 {
		l.Info("No files matched %s", strings.Join(c.Paths, ", "))
		return nil
	}

	reports := make([]Report, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentUploads)
	for i, f := range files {
		g.Go(func() error {
			reports[i] = c.archive(gctx, dest, f.path, f.name, f.size)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // Failures are in the reports.

	return reports
}

type matchedFile struct {
	path, name string
	size       int64
}

// glob resolves Paths into files, named by their path relative to the
// working directory. Each file is returned once, however many patterns
// match it.
func (c *Collector) glob(ctx context.Context, logPath string) ([]matchedFile, error) {
	l := c.logger()

	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	var patterns []*zzglob.Pattern
	for _, globPath := range c.Paths {
		globPath = strings.TrimSpace(globPath)
		if globPath == "" {
			continue
		}
		pattern, err := zzglob.Parse(globPath)
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern %q: %w", globPath, err)
		}
		patterns = append(patterns, pattern)
	}

	logAbs, _ := filepath.Abs(logPath)

	var (
		mu    sync.Mutex
		seen  = map[string]bool{logAbs: true}
		files []matchedFile
	)
	walkDirFunc := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			l.Warn("Couldn't walk path %s", path)
			return nil
		}
		if d != nil && d.IsDir() {
			l.Warn("One of the glob patterns matched a directory: %s", path)
			return nil
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		info, err := os.Stat(abs)
		if err != nil {
			l.Warn("Skipping %s: %v", path, err)
			return nil
		}
		name := strings.TrimPrefix(filepath.ToSlash(abs), "/")
		if rel, err := filepath.Rel(wd, abs); err == nil && !strings.HasPrefix(rel, "..") {
			name = rel
		}

		mu.Lock()
		defer mu.Unlock()
		if !seen[abs] {
			seen[abs] = true
			files = append(files, matchedFile{path: abs, name: filepath.ToSlash(name), size: info.Size()})
		}
		return nil
	}
	if err := zzglob.MultiGlob(ctx, patterns, walkDirFunc); err != nil {
		return nil, fmt.Errorf("globbing patterns: %w", err)
	}

	slices.SortFunc(files, func(a, b matchedFile) int { return strings.Compare(a.name, b.name) })
	return files, nil
}

// archive uploads one file to dest, compressing it first if asked to, and
// retrying failed uploads.
func (c *Collector) archive(ctx context.Context, dest Destination, path, name string, size int64) Report {
	l := c.logger()
	report := Report{Name: name, Bytes: size}

	source := path
	if c.Gzip {
		gz, gzSize, err := compress(path)
		if err != nil {
			return c.failed(report, err)
		}
		defer os.Remove(gz) //nolint:errcheck // Temporary file.

		l.Debug("Compressed %s from %s to %s", path, humanize.Bytes(uint64(size)), humanize.Bytes(uint64(gzSize)))
		source, report.Name, report.Bytes = gz, name+".gz", gzSize
	}

	newUploader := c.newUploader
	if newUploader == nil {
		newUploader = defaultUploader
	}

	sleep := c.RetrySleepFunc
	if sleep == nil {
		sleep = time.Sleep
	}

	r := roko.NewRetrier(
		roko.WithMaxAttempts(c.attempts()),
		roko.WithStrategy(roko.Exponential(defaultSleepDuration, 0)),
		roko.WithJitter(),
		roko.WithSleepFunc(sleep),
	)
	location, err := roko.DoFunc(ctx, r, func(r *roko.Retrier) (string, error) {
		u, err := newUploader(ctx, c, dest)
		if err != nil {
			l.Warn("Preparing %s destination %s: %v (%s)", dest.Kind, dest.Raw, err, r)
			return "", err
		}

		location, err := u.Upload(ctx, source, report.Name)
		if err != nil {
			l.Warn("Uploading %s: %v (%s)", report.Name, err, r)
			return "", err
		}
		return location, nil
	})
	if err != nil {
		return c.failed(report, fmt.Errorf("archiving %s to %s: %w", report.Name, dest.Raw, err))
	}

	report.Location = location
	l.Info("Archived %s (%s) to %s", report.Name, humanize.Bytes(uint64(report.Bytes)), location)
	if c.Metrics != nil {
		c.Metrics.Archived(report.Bytes)
	}
	return report
}

func (c *Collector) failed(report Report, err error) Report {
	c.logger().Error("Couldn't archive %s: %v", cmp.Or(report.Name, "the log"), err)
	if c.Metrics != nil {
		c.Metrics.ArchiveFailed()
	}
	report.Err = err
	return report
}

// compress writes a gzipped copy of path to a temporary file and returns its
// name and size.
func compress(path string) (string, int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer src.Close() //nolint:errcheck // File open for read only.

	tmp, err := os.CreateTemp("", filepath.Base(path)+"-*.gz")
	if err != nil {
		return "", 0, fmt.Errorf("creating temporary file: %w", err)
	}

	zw := gzip.NewWriter(tmp)
	zw.Name = filepath.Base(path)

	_, err = io.Copy(zw, src)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck // Already failing.
		return "", 0, fmt.Errorf("compressing %s: %w", path, err)
	}

	info, err := os.Stat(tmp.Name())
	if err != nil {
		return "", 0, err
	}
	return tmp.Name(), info.Size(), nil
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".gz") {
		return "application/gzip"
	}
	return "text/plain; charset=utf-8"
}

func (c *Collector) attempts() int {
	if c.Attempts <= 0 {
		return defaultAttempts
	}
	return c.Attempts
}

func (c *Collector) logger() logger.Logger {
	if c.Logger == nil {
		return logger.Discard
	}
	return c.Logger
}
