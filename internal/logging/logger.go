package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the JSON logger every binary writes to stdout.
func NewLogger(level string) *slog.Logger {
	return New(os.Stdout, level)
}

func New(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Discard drops everything; handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
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
