// Package logging provides the engine-wide logger. Lattice never lets a
// subscriber panic or a best-effort publish failure reach the writer;
// both are logged here at error severity instead.
package logging

import (
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu  sync.RWMutex
	std = log.New(os.Stderr, "lattice: ", log.LstdFlags)
)

// Configure points the engine logger at a rotating file. An empty path
// leaves the logger writing to stderr.
func Configure(path string, maxSizeMB, maxBackups, maxAgeDays int) {
	mu.Lock()
	defer mu.Unlock()
	if path == "" {
		std = log.New(os.Stderr, "lattice: ", log.LstdFlags)
		return
	}
	std = log.New(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}, "lattice: ", log.LstdFlags)
}

// Errorf logs a message at error severity. Used for subscriber panics,
// best-effort publication failures, and anything else the engine must
// not let abort or retry the write that triggered it.
func Errorf(format string, args ...any) {
	mu.RLock()
	l := std
	mu.RUnlock()
	l.Printf("ERROR "+format, args...)
}

// Warnf logs a message at warning severity.
func Warnf(format string, args ...any) {
	mu.RLock()
	l := std
	mu.RUnlock()
	l.Printf("WARN "+format, args...)
}
