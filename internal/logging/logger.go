package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects the handler and minimum level. Empty fields fall back to
// LOG_FORMAT and LOG_LEVEL from the environment.
type Options struct {
	Format string
	Level  string
	Output io.Writer
}

// New returns a production-friendly JSON logger writing to stdout unless the
// console format is requested, in which case a human-readable handler is used.
func New(opts Options) *slog.Logger {
	format := opts.Format
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}
	level := opts.Level
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler = slog.NewJSONHandler(out, handlerOpts)
	if format == "console" {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return slog.New(handler)
}

// ParseLevel maps debug/info/warn/error onto slog levels, defaulting to info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

// Discard is handy for tests and for components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
