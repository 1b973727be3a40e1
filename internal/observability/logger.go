// Package observability provides the shared logging primitives, the event
// tap, and the periodic health reporter.
package observability

import "sync/atomic"

// Field is one key/value attribute attached to a log line.
type Field struct {
	Key   string
	Value any
}

// Logger is the structured logging seam every component logs through. The
// process wires a concrete backend once at boot via SetLogger; packages
// call Log() per line and never hold the backend themselves.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// active holds the process-wide logger. Gateway and client goroutines log
// while tests swap backends, so reads and swaps go through an atomic.
var active atomic.Pointer[Logger]

func init() {
	var l Logger = noopLogger{}
	active.Store(&l)
}

// SetLogger swaps the process-wide logger. nil restores the discard logger.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	active.Store(&logger)
}

// Log returns the current process-wide logger.
func Log() Logger {
	return *active.Load()
}

// noopLogger drops everything. It is the default until boot wiring runs.
type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
