// Package ttylog provides session-lifecycle logging colorized on an
// interactive terminal, degrading to plain text otherwise. It generalizes
// the teacher's plain log.Printf("[INFO]\t...")/"[FAIL]\t.../"[ERROR]\t..."
// convention (torrent/p2p.go, torrent/tracker.go) by routing the same
// severity tags through github.com/mitchellh/colorstring, another
// dependency the teacher's go.mod carried but never imported.
package ttylog

import (
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/colorstring"
	"golang.org/x/term"
)

// Logger writes colorized (or plain, when not a TTY) lifecycle lines.
type Logger struct {
	out      io.Writer
	colorize bool
}

// New builds a Logger writing to w, colorizing only when w is a file
// descriptor attached to an interactive terminal.
func New(w *os.File) *Logger {
	return &Logger{out: w, colorize: term.IsTerminal(int(w.Fd()))}
}

func (l *Logger) write(tag, color string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if l.colorize {
		line := colorstring.Color(fmt.Sprintf("[%s][%s]\t%s[reset]", color, tag, msg))
		fmt.Fprintln(l.out, line)
		return
	}
	fmt.Fprintf(l.out, "[%s]\t%s\n", tag, msg)
}

// Info logs a routine lifecycle event (connection accepted, leech
// complete) in green.
func (l *Logger) Info(format string, args ...any) {
	l.write("INFO", "green", format, args...)
}

// Warn logs a recoverable condition (integrity failure triggering a
// re-request) in yellow.
func (l *Logger) Warn(format string, args ...any) {
	l.write("WARN", "yellow", format, args...)
}

// Fail logs a session-terminating error in red.
func (l *Logger) Fail(format string, args ...any) {
	l.write("FAIL", "red", format, args...)
}

// Default is a process-wide logger over stderr, used by packages that
// don't carry their own Logger reference (mirroring the teacher's use of
// the standard log package as a process-wide sink).
var Default = New(os.Stderr)
