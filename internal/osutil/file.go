// Package osutil contains small filesystem and path helpers.
package osutil

import (
	"fmt"
	"os"
)

// ChmodExecutable sets the owner executable bit on a file, if not already
// set. Calling it on an executable file is a no-op.
func ChmodExecutable(filename string) error {
	s, err := os.Stat(filename)
	if err != nil {
		return fmt.Errorf("retrieving file information of %q: %w", filename, err)
	}
	if s.Mode()&0o100 == 0 {
		if err := os.Chmod(filename, s.Mode()|0o100); err != nil {
			return fmt.Errorf("marking %q as executable: %w", filename, err)
		}
	}
	return nil
}

// FileExists returns whether or not a file exists on the filesystem. Any
// error returned by os.Stat is treated as the file not being there.
func FileExists(filename string) bool {
	_, err := os.Stat(filename)
	return err == nil
}

// IsReadableFile reports an error unless path names a regular file that the
// current process can open for reading.
func IsReadableFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%q is not a regular file (mode %s)", path, info.Mode())
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
