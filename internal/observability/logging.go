// Package observability bundles the gateway's logging, metrics, health
// probes, and tracing setup.
package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/edgegate/edgegate/internal/config"
)

// NewLogger creates the process-wide structured logger. Unknown levels fall
// back to info, unknown formats to JSON.
func NewLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	return newLoggerTo(os.Stdout, level, format)
}

func newLoggerTo(w io.Writer, level config.LogLevel, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	if format == config.LogFormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
