package cliconfig

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/labops/deploystep/internal/osutil"
)

// File is a config file of flag names and values, one per line:
//
//	# comments and blank lines are ignored
//	deployment-type=Low
//	log-format: json
//	artifact-destination="s3://deploy-logs/${HOST_USER}" # trailing comment
type File struct {
	Path string

	// Config holds the values loaded from the file, keyed by flag name.
	Config map[string]string
}

func (f *File) Load() error {
	f.Config = map[string]string{}

	absolutePath, err := f.AbsolutePath()
	if err != nil {
		return fmt.Errorf("getting absolute path for %s: %w", f.Path, err)
	}

	file, err := os.Open(absolutePath)
	if err != nil {
		return fmt.Errorf("opening file %s: %w", f.Path, err)
	}
	defer file.Close() //nolint:errcheck // it's only open for reading

	scanner := bufio.NewScanner(file)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, err := parseLine(line)
		if err != nil {
			return fmt.Errorf("parsing config line %d: %w", lineNum, err)
		}
		f.Config[key] = value
	}

	return scanner.Err()
}

func (f File) AbsolutePath() (string, error) {
	return osutil.NormalizeFilePath(f.Path)
}

func (f File) Exists() bool {
	absolutePath, err := f.AbsolutePath()
	if err != nil {
		return false
	}
	return osutil.FileExists(absolutePath)
}

// parseLine splits a line on the first "=" (or failing that ":"), drops any
// comment that is outside quotes, and unquotes the value.
func parseLine(line string) (key, value string, err error) {
	sep := strings.IndexAny(line, "=")
	if sep == -1 {
		sep = strings.Index(line, ":")
	}
	if sep <= 0 {
		return "", "", fmt.Errorf("can't separate key from value in %q, no valid separators (= or :) found", line)
	}

	key = strings.TrimSpace(strings.TrimPrefix(line[:sep], "export "))
	value = stripComment(strings.TrimSpace(line[sep+1:]))

	if len(value) >= 2 {
		if q := value[0]; (q == '"' || q == '\'') && value[len(value)-1] == q {
			value = value[1 : len(value)-1]
			if q == '"' {
				value = strings.NewReplacer(`\"`, `"`, `\n`, "\n").Replace(value)
			}
		}
	}

	return key, value, nil
}

// stripComment removes a " #" comment that isn't inside quotes.
func stripComment(value string) string {
	var quote byte
	for i := 0; i < len(value); i++ {
		switch c := value[i]; {
		case quote != 0:
			if c == quote && (c != '"' || value[i-1] != '\\') {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '#' && (i == 0 || value[i-1] == ' ' || value[i-1] == '\t'):
			return strings.TrimSpace(value[:i])
		}
	}
	return value
}
