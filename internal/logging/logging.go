// Package logging builds the prefixed, leveled loggers used across incwatch.
//
// Components keep taking a plain *log.Logger; Logger wraps one and drops
// lines below the configured level. When a file is configured, output is
// rotated with lumberjack.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel accepts debug, info, warn/warning and error.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Options selects the output and rotation policy.
type Options struct {
	Level Level

	// File, when set, receives the log instead of stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Output returns the writer for opts: a rotating file or stderr.
func Output(opts Options) io.Writer {
	if opts.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
}

// Logger is a leveled front for a *log.Logger.
type Logger struct {
	std   *log.Logger
	level Level
}

// New returns a Logger writing to out with a "[component] " prefix.
func New(out io.Writer, component string, level Level) *Logger {
	prefix := ""
	if component != "" {
		prefix = "[" + component + "] "
	}
	return &Logger{
		std:   log.New(out, prefix, log.LstdFlags),
		level: level,
	}
}

// Discard returns a Logger that writes nothing.
func Discard() *Logger {
	return &Logger{std: log.New(io.Discard, "", 0), level: LevelError + 1}
}

// Std returns the underlying logger for components that take *log.Logger.
// It logs unconditionally.
func (l *Logger) Std() *log.Logger {
	return l.std
}

// Named returns a Logger sharing the output and level with a new prefix.
func (l *Logger) Named(component string) *Logger {
	return New(l.std.Writer(), component, l.level)
}

// Enabled reports whether lines at level are written.
func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}
	l.std.Printf(strings.ToUpper(level.String())+" "+format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }
