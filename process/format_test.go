package process

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatCommand(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		command string
		args    []string
		want    string
	}{
		{"bash", []string{"-euo", "pipefail", "scripts/cs_config.sh"}, "bash -euo pipefail scripts/cs_config.sh"},
		{"/bin/sh", nil, "/bin/sh"},
		{"bash", []string{"my script.sh"}, `bash "my script.sh"`},
	} {
		assert.Equal(t, tc.want, FormatCommand(tc.command, tc.args))
	}
}

func TestTimestamperPrefixesEachLine(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	ts := NewTimestamper(&out)
	ts.now = func() time.Time { return time.Date(2024, 3, 1, 10, 4, 5, 0, time.UTC) }

	for _, chunk := range []string{"hel", "lo\nwor", "ld\n", "\n"} {
		n, err := ts.Write([]byte(chunk))
		assert.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}

	stamp := "2024-03-01T10:04:05.000Z "
	assert.Equal(t, stamp+"hello\n"+stamp+"world\n"+stamp+"\n", out.String())
}
