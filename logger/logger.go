// Package logger configures the process-wide structured logger.
//
// All packages log through log/slog; this package decides the handler
// (text or JSON), the minimum level, and the output destination once at
// startup.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the handler encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error. Unknown strings fall back to info.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseFormat converts a string to a Format. Unknown strings fall back to text.
func ParseFormat(formatStr string) Format {
	if strings.EqualFold(strings.TrimSpace(formatStr), string(FormatJSON)) {
		return FormatJSON
	}
	return FormatText
}

// Init installs the default slog logger with the given level and format.
func Init(level slog.Level, format Format) {
	InitWithWriter(os.Stderr, level, format)
}

// InitWithWriter is Init with an explicit destination, used by tests.
func InitWithWriter(w io.Writer, level slog.Level, format Format) {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}
