// Package svcutil holds process setup shared by threadr commands.
package svcutil

import (
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps a log level name (error, warn, info, debug; case-insensitive) to a slog level.
// Unknown or empty names are INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// ConfigLogger creates a JSON logger writing to writer, tagged with the service name, and installs it
// as the slog default.
func ConfigLogger(service, level string, writer io.Writer) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
	if service != "" {
		logger = logger.With("service", service)
	}
	slog.SetDefault(logger)
	return logger
}
