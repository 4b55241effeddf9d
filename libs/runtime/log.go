package runtime

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the JSON logger every binary in the repo writes with.
// Level is one of debug|info|warn|error; anything else means info.
func NewLogger(service, instance, level string) *slog.Logger {
	return newLogger(os.Stdout, service, instance, level)
}

func newLogger(w io.Writer, service, instance, level string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	logger := slog.New(h).With("service", service)
	if instance != "" {
		logger = logger.With("instance", instance)
	}
	return logger
}

func parseLevel(level string) slog.Level {
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
