// Package logging configures the process-wide zerolog logger for the follow-up engine.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger output.
type Config struct {
	// Level is the minimum level to emit (trace, debug, info, warn, error).
	// Default: info.
	Level string

	// Format selects "console" or "json" output.
	// Default: console.
	Format string

	// Output is where log lines go. Default: stderr.
	Output io.Writer
}

var (
	mu   sync.RWMutex
	root = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Init replaces the root logger. Component loggers created afterwards inherit it.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	if !strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()

	mu.Lock()
	root = logger
	mu.Unlock()
}

// Logger returns the root logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// Disable silences all logging. Used by tests and quiet CLI invocations.
func Disable() {
	mu.Lock()
	root = zerolog.Nop()
	mu.Unlock()
}
