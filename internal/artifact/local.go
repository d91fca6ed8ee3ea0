package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalUploader copies files into a directory.
type LocalUploader struct {
	Dir string
}

func (u *LocalUploader) Upload(ctx context.Context, localPath, name string) (string, error) {
	target := filepath.Join(u.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o777); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open file %q (%w)", localPath, err)
	}
	defer src.Close() //nolint:errcheck // File open for read only.

	// Written beside the target then renamed, so a failed copy never leaves
	// a truncated log in the archive.
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+"-*")
	if err != nil {
		return "", fmt.Errorf("creating temporary file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // Gone after a successful rename.

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close() //nolint:errcheck // Already failing.
		return "", fmt.Errorf("copying %q: %w", localPath, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing %q: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("moving artifact into place: %w", err)
	}

	return target, nil
}
