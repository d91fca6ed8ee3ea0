package step

import (
	"fmt"
	"io"
	"runtime"
)

// Output writes operator-facing lines in the style of a shell session log:
// headers, comments, prompts and errors around the script's own output.
type Output struct {
	Writer io.Writer
	Ansi   bool
}

// NewOutput returns an Output writing to w, with colours if ansi is set.
func NewOutput(w io.Writer, ansi bool) *Output {
	return &Output{Writer: w, Ansi: ansi}
}

func (o *Output) Printf(format string, v ...any) {
	fmt.Fprintf(o.Writer, format+"\n", v...) //nolint:errcheck // operator output; nowhere to report the error
}

func (o *Output) Headerf(format string, v ...any) {
	o.Printf("~~~ "+format, v...)
}

func (o *Output) Commentf(format string, v ...any) {
	if o.Ansi {
		o.Printf(ansiColor("# "+format, "90"), v...)
	} else {
		o.Printf("# "+format, v...)
	}
}

func (o *Output) Errorf(format string, v ...any) {
	if o.Ansi {
		o.Printf(ansiColor("🚨 Error: "+format, "31"), v...)
	} else {
		o.Printf("🚨 Error: "+format, v...)
	}
}

func (o *Output) Warningf(format string, v ...any) {
	if o.Ansi {
		o.Printf(ansiColor("⚠️ Warning: "+format, "33"), v...)
	} else {
		o.Printf("⚠️ Warning: "+format, v...)
	}
}

func (o *Output) Promptf(format string, v ...any) {
	prompt := "$"
	if runtime.GOOS == "windows" {
		prompt = ">"
	}
	if o.Ansi {
		o.Printf(ansiColor(prompt, "90")+" "+format, v...)
	} else {
		o.Printf(prompt+" "+format, v...)
	}
}

func ansiColor(s, attributes string) string {
	return fmt.Sprintf("\033[%sm%s\033[0m", attributes, s)
}
