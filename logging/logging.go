package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Parses a level name. Supports debug, info, warn/warning and error,
// defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// Configures the default slog logger. An empty level falls back on
// the LOG_LEVEL environment variable.
func Init(level string) {
	InitWriter(os.Stdout, level)
}

func InitWriter(w io.Writer, level string) {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}
