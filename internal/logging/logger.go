package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a JSON logger for the agent process. slog keeps the
// standard library feel while emitting structured records any log
// backend can ingest.
func NewLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// ForComponent tags a child logger with the subsystem it serves so the
// coordinator, gate, and reconciler are distinguishable in one stream.
func ForComponent(l *slog.Logger, name string) *slog.Logger {
	return l.With("component", name)
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
