// Package monitoring holds the process-wide diagnostic logger used by the
// simulator packages.
package monitoring

import (
	"log"
	"sync"
)

var mu sync.RWMutex

// logf is the package-level diagnostic logger. It defaults to log.Printf
// and may be replaced by SetLogger; tests redirect or mute it.
var logf func(format string, v ...interface{}) = log.Printf

// Logf writes a diagnostic line through the current logger.
func Logf(format string, v ...interface{}) {
	mu.RLock()
	f := logf
	mu.RUnlock()
	f(format, v...)
}

// SetLogger replaces the package logger. Passing nil sets a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		logf = func(string, ...interface{}) {}
		return
	}
	logf = f
}

// Component returns a logger that prefixes every line with [name], the
// convention used across the simulator's log output.
func Component(name string) func(format string, v ...interface{}) {
	prefix := "[" + name + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
