// Package logx provides the structured logging used across pvm.
//
// It wraps zerolog the way cuemby-warren's pkg/log does: a process-wide
// base logger configured once at startup, and per-component child loggers
// derived from it so call sites never touch the global logger directly.
package logx

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Config controls the base logger created by Init.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// JSON selects structured JSON output; otherwise a console writer is used.
	JSON bool
	// Output overrides the destination writer. Defaults to os.Stderr.
	Output io.Writer
}

var (
	mu   sync.RWMutex
	base zerolog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Init configures the process-wide base logger. It is safe to call once at
// process startup; components should use For rather than touch this logger
// directly.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, NoColor: false}
	}

	level := parseLevel(cfg.Level)
	base = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// For returns a logger scoped to the given component, e.g. "cache", "backend.uv".
func For(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", component).Logger()
}

// ForOperation returns a logger additionally scoped to an operation ID, used by
// the Ledger and anything that logs on behalf of a tracked operation.
func ForOperation(component, operationID string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", component).Str("op", operationID).Logger()
}
