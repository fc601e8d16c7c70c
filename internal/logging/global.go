package logging

import (
	"os"
	"sync"
)

var (
	globalLogger = DefaultLogger()
	globalMu     sync.RWMutex
)

// SetGlobal sets the global logger.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the global logger.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Configure builds a logger from the observability settings and installs it
// as the global logger. Debug level also records the caller.
func Configure(level, format string) *Logger {
	l := New(Config{
		Level:     ParseLevel(level),
		Format:    ParseFormat(format),
		Output:    os.Stderr,
		AddCaller: ParseLevel(level) == LevelDebug,
	})
	SetGlobal(l)
	return l
}

// OrGlobal returns l, or the global logger when l is nil.
func OrGlobal(l *Logger) *Logger {
	if l != nil {
		return l
	}
	return Global()
}
