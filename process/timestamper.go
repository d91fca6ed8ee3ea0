package process

import (
	"bytes"
	"io"
	"time"
)

// Timestamper is an io.Writer that prefixes every line written through it
// with a timestamp. The prefix for a line is written when its first byte
// arrives, so a trailing newline never leaves a dangling prefix behind.
type Timestamper struct {
	w      io.Writer
	now    func() time.Time
	format string

	midLine bool
}

// NewTimestamper returns a Timestamper writing to w. Lines are stamped in
// UTC using the RFC 3339 layout with millisecond precision.
func NewTimestamper(w io.Writer) *Timestamper {
	return &Timestamper{
		w:      w,
		now:    time.Now,
		format: "2006-01-02T15:04:05.000Z07:00",
	}
}

func (t *Timestamper) Write(data []byte) (int, error) {
	out := make([]byte, 0, len(data)+32)

	for rest := data; len(rest) > 0; {
		if !t.midLine {
			out = t.now().UTC().AppendFormat(out, t.format)
			out = append(out, ' ')
			t.midLine = true
		}

		i := bytes.IndexByte(rest, '\n')
		if i == -1 {
			out = append(out, rest...)
			break
		}
		out = append(out, rest[:i+1]...)
		rest = rest[i+1:]
		t.midLine = false
	}

	if _, err := t.w.Write(out); err != nil {
		return 0, err
	}
	return len(data), nil
}
