// Package monitoring holds the process-wide diagnostic logger used by the
// localization client.
package monitoring

import (
	"log"
	"sync"
)

var (
	mu   sync.RWMutex
	logf = log.Printf
)

// Logf writes a diagnostic line through the current logger. It defaults to
// log.Printf but may be replaced by SetLogger; tests use that to capture or
// mute output.
func Logf(format string, v ...interface{}) {
	mu.RLock()
	f := logf
	mu.RUnlock()
	f(format, v...)
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		logf = func(string, ...interface{}) {}
		return
	}
	logf = f
}

// Logger prefixes every line with a component tag such as "[localize]".
type Logger struct {
	prefix string
}

// NewLogger returns a Logger tagging lines with "[component] ".
func NewLogger(component string) Logger {
	return Logger{prefix: "[" + component + "] "}
}

// Printf logs a formatted line through Logf.
func (l Logger) Printf(format string, v ...interface{}) {
	Logf(l.prefix+format, v...)
}
