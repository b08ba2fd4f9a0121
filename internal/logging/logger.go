// Package logging provides the leveled Logger used across the realtime
// service. Messages go to a standard library logger with a component prefix
// and, when a Rollbar token is configured, are also reported to Rollbar.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
)

// Fields carries structured identifiers attached to a log line, e.g. the
// message or user an event refers to.
type Fields map[string]interface{}

// Logger is a leveled logger. Extra args are errors, Fields, or any value
// printable with %+v.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

// StdLogger writes leveled lines through a *log.Logger.
type StdLogger struct {
	std   *log.Logger
	debug bool
}

var _ Logger = (*StdLogger)(nil)

// New returns a StdLogger writing to stdout with the given component prefix,
// e.g. New("delivery") prints "[delivery] ...".
func New(component string, debug bool) *StdLogger {
	return NewWithWriter(os.Stdout, component, debug)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, component string, debug bool) *StdLogger {
	prefix := ""
	if component != "" {
		prefix = "[" + component + "] "
	}
	return &StdLogger{
		std:   log.New(w, prefix, log.LstdFlags|log.Lmicroseconds),
		debug: debug,
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *StdLogger {
	return NewWithWriter(io.Discard, "", false)
}

func (l *StdLogger) Debug(msg string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.print("DEBUG", msg, args)
}

func (l *StdLogger) Info(msg string, args ...interface{}) {
	l.print("INFO", msg, args)
}

func (l *StdLogger) Warn(msg string, args ...interface{}) {
	l.print("WARN", msg, args)
}

func (l *StdLogger) Error(msg string, args ...interface{}) {
	l.print("ERROR", msg, args)
}

func (l *StdLogger) Fatal(msg string, args ...interface{}) {
	l.print("FATAL", msg, args)
	os.Exit(1)
}

func (l *StdLogger) print(level, msg string, args []interface{}) {
	l.std.Println(Format(level, msg, args))
}

// Format renders a log line: "LEVEL msg key=value ... err=...".
// Fields are printed sorted by key so lines are stable.
func Format(level, msg string, args []interface{}) string {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, arg := range args {
		switch v := arg.(type) {
		case Fields:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, " %s=%v", k, v[k])
			}
		case error:
			fmt.Fprintf(&b, " err=%q", v.Error())
		default:
			fmt.Fprintf(&b, " %+v", v)
		}
	}
	return b.String()
}
