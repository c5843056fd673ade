// Package logging provides syncr's process-wide logger: a nil-safe,
// prefix-composing *Logger that writes colored output to standard error
// and a parallel ANSI-stripped stream to a per-run log file under
// ~/.syncr/logs.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
)

// ansiPattern strips SGR escape sequences before a line reaches the
// on-disk log, which shares its content with a colored tty stream.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// writer splits a byte stream into lines and hands each complete line to
// callback, buffering any trailing partial line across writes.
type writer struct {
	callback func(string)
	buffer   []byte
}

func (w *writer) Write(p []byte) (int, error) {
	w.buffer = append(w.buffer, p...)

	var processed int
	remaining := w.buffer
	for {
		index := bytes.IndexByte(remaining, '\n')
		if index == -1 {
			break
		}
		w.callback(string(trimCarriageReturn(remaining[:index])))
		processed += index + 1
		remaining = remaining[index+1:]
	}
	if processed > 0 {
		leftover := len(w.buffer) - processed
		if leftover > 0 {
			copy(w.buffer[:leftover], w.buffer[processed:])
		}
		w.buffer = w.buffer[:leftover]
	}
	return len(p), nil
}

func trimCarriageReturn(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}

// Logger is syncr's logger. It is safe to call on a nil *Logger (in which
// case every method is a no-op), so components can accept a possibly-unset
// *Logger without nil-checking at every call site.
type Logger struct {
	prefix  string
	file    io.Writer
	console io.Writer
}

// RootLogger is the process-wide root logger, configured by Configure at
// startup. Until Configure is called it writes to standard error only.
var RootLogger = &Logger{console: os.Stderr}

// Configure opens (creating parent directories as needed) a timestamped
// log file under dir and points RootLogger at it in addition to standard
// error.
func Configure(dir string) (close func() error, err error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "unable to create log directory")
	}
	name := fmt.Sprintf("%s-syncr.log", time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open log file")
	}
	RootLogger.file = file
	RootLogger.console = os.Stderr
	return file.Close, nil
}

// Sublogger returns a new Logger with name appended to the prefix chain,
// sharing the same underlying destinations.
func (l *Logger) Sublogger(name string) *Logger {
	if l == nil {
		return nil
	}
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{prefix: prefix, file: l.file, console: l.console}
}

func (l *Logger) line(v string) {
	if l.prefix != "" {
		v = fmt.Sprintf("[%s] %s", l.prefix, v)
	}
	if l.console != nil {
		log.New(l.console, "", log.LstdFlags).Output(4, v)
	}
	if l.file != nil {
		log.New(l.file, "", log.LstdFlags).Output(4, ansiPattern.ReplaceAllString(v, ""))
	}
}

// Print logs with fmt.Sprint semantics.
func (l *Logger) Print(v ...interface{}) {
	if l != nil {
		l.line(fmt.Sprint(v...))
	}
}

// Printf logs with fmt.Sprintf semantics.
func (l *Logger) Printf(format string, v ...interface{}) {
	if l != nil {
		l.line(fmt.Sprintf(format, v...))
	}
}

// Warn logs err with a yellow "Warning:" prefix.
func (l *Logger) Warn(err error) {
	if l != nil {
		l.line(color.YellowString("Warning: %v", err))
	}
}

// Error logs err with a red "Error:" prefix.
func (l *Logger) Error(err error) {
	if l != nil {
		l.line(color.RedString("Error: %v", err))
	}
}

// Writer returns an io.Writer that logs each line it receives via Print.
func (l *Logger) Writer() io.Writer {
	if l == nil {
		return io.Discard
	}
	return &writer{callback: func(s string) { l.Print(s) }}
}
