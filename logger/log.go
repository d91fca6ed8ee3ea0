// Package logger provides a leveled logger for deploystep.
//
// It is intended for internal use by deploystep only.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	nocolor   = "0"
	red       = "31"
	green     = "38;5;48"
	yellow    = "33"
	gray      = "38;5;251"
	graybold  = "1;38;5;251"
	lightgray = "38;5;243"
	cyan      = "1;36"
)

const DateFormat = "2006-01-02 15:04:05"

var windowsColors bool

// Logger is the interface every deploystep component logs through.
type Logger interface {
	Debug(format string, v ...any)
	Error(format string, v ...any)
	Fatal(format string, v ...any)
	Notice(format string, v ...any)
	Warn(format string, v ...any)
	Info(format string, v ...any)

	WithFields(fields ...Field) Logger
	SetLevel(level Level)
	Level() Level
}

// ConsoleLogger is a Logger that hands every message at or above its level
// to a Printer.
type ConsoleLogger struct {
	level   Level
	exitFn  func(int)
	fields  Fields
	printer Printer
}

// NewConsoleLogger returns a ConsoleLogger at the NOTICE level. exitFn is
// called with 1 after a Fatal message has been printed.
func NewConsoleLogger(printer Printer, exitFn func(int)) Logger {
	return &ConsoleLogger{
		level:   NOTICE,
		exitFn:  exitFn,
		printer: printer,
	}
}

// WithFields returns a copy of the logger with the provided fields appended.
func (l *ConsoleLogger) WithFields(fields ...Field) Logger {
	clone := *l
	clone.fields = make(Fields, 0, len(l.fields)+len(fields))
	clone.fields.Add(l.fields...)
	clone.fields.Add(fields...)
	return &clone
}

// SetLevel sets the minimum level that will be printed.
func (l *ConsoleLogger) SetLevel(level Level) {
	l.level = level
}

// Level returns the current minimum level.
func (l *ConsoleLogger) Level() Level {
	return l.level
}

func (l *ConsoleLogger) Debug(format string, v ...any) {
	if l.level == DEBUG {
		l.printer.Print(DEBUG, fmt.Sprintf(format, v...), l.fields)
	}
}

func (l *ConsoleLogger) Error(format string, v ...any) {
	l.printer.Print(ERROR, fmt.Sprintf(format, v...), l.fields)
}

func (l *ConsoleLogger) Fatal(format string, v ...any) {
	l.printer.Print(FATAL, fmt.Sprintf(format, v...), l.fields)
	l.exitFn(1)
}

func (l *ConsoleLogger) Notice(format string, v ...any) {
	if l.level <= NOTICE {
		l.printer.Print(NOTICE, fmt.Sprintf(format, v...), l.fields)
	}
}

func (l *ConsoleLogger) Info(format string, v ...any) {
	if l.level <= INFO {
		l.printer.Print(INFO, fmt.Sprintf(format, v...), l.fields)
	}
}

func (l *ConsoleLogger) Warn(format string, v ...any) {
	if l.level <= WARN {
		l.printer.Print(WARN, fmt.Sprintf(format, v...), l.fields)
	}
}

// Printer renders a single log line.
type Printer interface {
	Print(level Level, msg string, fields Fields)
}

// TextPrinter prints human readable, optionally colored, log lines.
type TextPrinter struct {
	Colors bool
	Writer io.Writer

	mu sync.Mutex
}

func NewTextPrinter(w io.Writer) *TextPrinter {
	return &TextPrinter{
		Writer: w,
		Colors: ColorsSupported(),
	}
}

func (l *TextPrinter) Print(level Level, msg string, fields Fields) {
	now := time.Now().Format(DateFormat)

	var line strings.Builder

	if l.Colors {
		levelColor := green
		messageColor := nocolor
		fieldColor := graybold

		switch level {
		case DEBUG:
			levelColor = gray
			messageColor = gray
		case NOTICE:
			levelColor = cyan
		case WARN:
			levelColor = yellow
		case ERROR:
			levelColor = red
		case FATAL:
			levelColor = red
			messageColor = red
		}

		fmt.Fprintf(&line, "\x1b[%sm%s %-6s\x1b[0m \x1b[%sm%s\x1b[0m", levelColor, now, level, messageColor, msg)
		for _, field := range fields {
			fmt.Fprintf(&line, " \x1b[%sm%s=\x1b[0m\x1b[%sm%s\x1b[0m", fieldColor, field.Key(), lightgray, field.String())
		}
	} else {
		fmt.Fprintf(&line, "%s %-6s %s", now, level, msg)
		for _, field := range fields {
			fmt.Fprintf(&line, " %s=%s", field.Key(), field.String())
		}
	}
	line.WriteByte('\n')

	// Make sure we're only outputting a line one at a time
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.Writer, line.String()) //nolint:errcheck // logger output; error handling would recurse
}

// JSONPrinter prints one JSON object per log line.
type JSONPrinter struct {
	Writer io.Writer

	mu sync.Mutex
}

func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{Writer: w}
}

func (p *JSONPrinter) Print(level Level, msg string, fields Fields) {
	obj := make(map[string]string, len(fields)+3)
	obj["ts"] = time.Now().Format(time.RFC3339)
	obj["level"] = level.String()
	obj["msg"] = msg
	for _, field := range fields {
		obj[field.Key()] = field.String()
	}

	b, err := json.Marshal(obj)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshalling log line: %v\n", err) //nolint:errcheck // best-effort
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.Writer, "%s\n", b) //nolint:errcheck // logger output; error handling would recurse
}

// ColorsSupported reports whether stdout is a terminal that can show colors.
func ColorsSupported() bool {
	// Color support for windows is set in init
	if runtime.GOOS == "windows" && !windowsColors {
		return false
	}

	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Discard is a logger that throws everything away.
var Discard = &ConsoleLogger{
	printer: &TextPrinter{Writer: io.Discard},
	exitFn:  func(int) {},
}
