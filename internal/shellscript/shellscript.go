// Package shellscript contains helpers for inspecting and preparing the shell
// scripts deploystep runs.
package shellscript

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildkite/shellwords"
	"github.com/labops/deploystep/internal/osutil"
)

// ShebangLine extracts the shebang line from the file, if present. If the file
// is readable but contains no shebang line, it will return an empty string.
// Non-nil errors only reflect an inability to read the file.
func ShebangLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck // File only open for read.
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		// If the scan ended because of EOF, the file is empty and sc.Err = nil.
		return "", sc.Err()
	}
	line := strings.TrimSuffix(sc.Text(), "\r")
	if !strings.HasPrefix(line, "#!") {
		return "", nil
	}
	return line, nil
}

// IsPOSIXShell attempts to detect POSIX-compliant shells (e.g bash, sh, zsh)
// from either a plain command line, or a shebang line.
//
// Examples:
//   - IsPOSIXShell("/bin/sh") == true
//   - IsPOSIXShell("/bin/fish") == false
//   - IsPOSIXShell("#!/usr/bin/env bash") == true
//   - IsPOSIXShell("#!/usr/bin/env python3") == false
func IsPOSIXShell(line string) bool {
	parts, err := shellwords.Split(strings.TrimPrefix(line, "#!"))
	if err != nil || len(parts) == 0 {
		return false
	}

	bin := filepath.Base(parts[0])
	if bin == "env" {
		if len(parts) < 2 {
			return false
		}
		bin = filepath.Base(parts[1])
	}

	switch bin {
	case "bash", "dash", "ksh", "sh", "zsh":
		return true
	default:
		return false
	}
}

// StripCR removes a carriage return preceding each line feed, and a trailing
// carriage return at the end of the input. It is the equivalent of
// `sed 's/\r$//'`.
func StripCR(b []byte) []byte {
	if !bytes.Contains(b, []byte("\r")) {
		return b
	}
	lines := bytes.SplitAfter(b, []byte("\n"))
	out := make([]byte, 0, len(b))
	for _, line := range lines {
		switch {
		case bytes.HasSuffix(line, []byte("\r\n")):
			out = append(out, line[:len(line)-2]...)
			out = append(out, '\n')
		case bytes.HasSuffix(line, []byte("\r")):
			out = append(out, line[:len(line)-1]...)
		default:
			out = append(out, line...)
		}
	}
	return out
}

// Result describes what Normalize changed.
type Result struct {
	// Rewritten is true if carriage returns were stripped from the file.
	Rewritten bool
}

// Normalize converts CRLF line endings in the script at path to LF and marks
// it executable. The file is only rewritten when it contains a line ending
// that needs changing, and the mode is only changed when the owner execute bit
// is missing, so calling Normalize on an already prepared script does nothing.
func Normalize(path string) (Result, error) {
	var res Result

	info, err := os.Stat(path)
	if err != nil {
		return res, err
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return res, fmt.Errorf("reading %q: %w", path, err)
	}

	if stripped := StripCR(contents); len(stripped) != len(contents) {
		if err := writeFileAtomic(path, stripped, info.Mode().Perm()); err != nil {
			return res, err
		}
		res.Rewritten = true
	}

	if err := osutil.ChmodExecutable(path); err != nil {
		return res, err
	}

	return res, nil
}

// writeFileAtomic replaces path with data via a temporary file in the same
// directory, so a concurrent reader never sees a half-written script.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temporary file for %q: %w", path, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // Gone after a successful rename.

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck // Already failing.
		return fmt.Errorf("writing %q: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close() //nolint:errcheck // Already failing.
		return fmt.Errorf("chmod %q: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %q: %w", tmp.Name(), err)
	}
	return os.Rename(tmp.Name(), path)
}
