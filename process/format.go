package process

import (
	"strings"

	"github.com/buildkite/shellwords"
)

// FormatCommand formats a command and arguments for human reading, quoting
// each part the way a POSIX shell would need it.
func FormatCommand(command string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellwords.Quote(command))
	for _, a := range args {
		parts = append(parts, shellwords.Quote(a))
	}
	return strings.Join(parts, " ")
}
