// Package logger builds the process-wide slog logger for the docpipe
// binaries: tint for colored console output during development, plain JSON
// for everything else. Every record carries the service name so the API and
// worker logs stay distinguishable in a shared stream.
package logger

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Config selects the handler for a docpipe process.
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // "console" for tint output; anything else means JSON
	Service   string // stamped on every record as "service"
	AddSource bool
}

// Logger wraps slog.Logger.
type Logger struct {
	*slog.Logger
}

// New builds the process logger writing to stdout.
func New(cfg *Config) *Logger {
	return build(cfg, os.Stdout)
}

func build(cfg *Config, w io.Writer) *Logger {
	level := ParseLevel(cfg.Level)

	var handler slog.Handler
	switch cfg.Format {
	case "console":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  cfg.AddSource,
			TimeFormat: time.RFC3339,
		})
	default:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: cfg.AddSource,
		})
	}

	l := slog.New(handler)
	if cfg.Service != "" {
		l = l.With(slog.String("service", cfg.Service))
	}
	return &Logger{Logger: l}
}

// ParseLevel maps a config level string onto slog; unknown values fall back
// to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
