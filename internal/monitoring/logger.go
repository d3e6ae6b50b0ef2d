// Package monitoring holds the diagnostic logger shared by the sensing
// packages. Output goes through Logf so tools and tests can redirect or mute
// it without touching the standard logger.
package monitoring

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

// Level orders log output by severity.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the tag prefixed to each line at this level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int32(l))
	}
}

// ParseLevel maps a config/flag string onto a Level.
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
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var minLevel atomic.Int32

func init() {
	minLevel.Store(int32(LevelInfo))
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetLevel drops every message below l.
func SetLevel(l Level) {
	minLevel.Store(int32(l))
}

// Enabled reports whether messages at l are currently emitted.
func Enabled(l Level) bool {
	return int32(l) >= minLevel.Load()
}

func logAt(l Level, format string, v ...interface{}) {
	if !Enabled(l) {
		return
	}
	Logf("["+l.String()+"] "+format, v...)
}

// Debugf logs per-packet and per-frame detail.
func Debugf(format string, v ...interface{}) { logAt(LevelDebug, format, v...) }

// Infof logs state transitions.
func Infof(format string, v ...interface{}) { logAt(LevelInfo, format, v...) }

// Warnf logs timeouts and bad input that was dropped.
func Warnf(format string, v ...interface{}) { logAt(LevelWarn, format, v...) }

// Errorf logs local faults that could not be recovered.
func Errorf(format string, v ...interface{}) { logAt(LevelError, format, v...) }
