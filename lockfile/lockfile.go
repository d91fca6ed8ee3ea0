// Package lockfile provides a cross-process lock that keeps two runs of
// deploystep from overlapping.
//
// It is intended for internal use by deploystep only.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/labops/deploystep/logger"
)

// ErrLocked is returned by Acquire when another process holds the lock and
// the caller did not ask to wait for it.
var ErrLocked = errors.New("another run is already in progress")

// DefaultRetryInterval is how often a waiting Acquire retries the lock.
const DefaultRetryInterval = time.Second

// DefaultPath is the lock file used when none is configured.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), "deploystep.lock")
}

// Lock is a held lock. Unlock releases it.
type Lock struct {
	flock *flock.Flock
}

// Path returns the path of the lock file.
func (l *Lock) Path() string {
	return l.flock.Path()
}

// Unlock releases the lock. The lock file itself is left in place, since
// removing it could let a third process lock a fresh file while a second
// still waits on the old one.
func (l *Lock) Unlock() error {
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("releasing lock %q: %w", l.flock.Path(), err)
	}
	return nil
}

// Options adjusts how Acquire behaves.
type Options struct {
	// Wait queues behind the current holder instead of failing with
	// ErrLocked.
	Wait bool

	// RetryInterval defaults to DefaultRetryInterval.
	RetryInterval time.Duration

	Logger logger.Logger
}

// Acquire takes the lock at path. If it is held elsewhere, Acquire returns
// ErrLocked, or with Options.Wait, retries until it gets the lock or ctx is
// done.
func Acquire(ctx context.Context, path string, opts Options) (*Lock, error) {
	l := opts.Logger
	if l == nil {
		l = logger.Discard
	}
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to find absolute path to lock %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o777); err != nil {
		return nil, fmt.Errorf("creating directory for lock %q: %w", abs, err)
	}

	fl := flock.New(abs)

	gotLock, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("could not acquire lock on %q: %w", abs, err)
	}
	if !gotLock {
		if !opts.Wait {
			return nil, fmt.Errorf("%w (lock %q is held)", ErrLocked, abs)
		}

		l.Info("Lock %s is held by another run, waiting for it", abs)
		if _, err := fl.TryLockContext(ctx, interval); err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			return nil, fmt.Errorf("could not acquire lock on %q: %w", abs, err)
		}
	}

	l.Debug("[Lockfile] Acquired lock on %s", abs)
	return &Lock{flock: fl}, nil
}
