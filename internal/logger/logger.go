package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// LevelCritical sits above slog.LevelError for the CRITICAL config level.
const LevelCritical = slog.Level(12)

// New builds a logger writing to w. The text format uses tint, anything
// else is JSON.
func New(w io.Writer, levelStr, format string) *slog.Logger {
	level := parseLogLevel(levelStr)
	var handler slog.Handler

	if format == "text" || format == "dev" {
		handler = tint.NewHandler(w, &tint.Options{Level: level, NoColor: !isColorWriter(w)})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// Open builds a logger on stdout, teeing into file when set. The returned
// closer releases the log file and is never nil.
func Open(levelStr, format, file string) (*slog.Logger, io.Closer, error) {
	if file == "" {
		return New(os.Stdout, levelStr, format), io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		l := New(os.Stdout, levelStr, format)
		l.Warn("Failed to setup file logging", "path", file, "error", err)
		return l, io.NopCloser(nil), fmt.Errorf("open log file %s: %w", file, err)
	}
	return New(io.MultiWriter(os.Stdout, f), levelStr, format), f, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "info", "INFO":
		return slog.LevelInfo
	case "warn", "warning", "WARN", "WARNING":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	case "critical", "CRITICAL":
		return LevelCritical
	default:
		return slog.LevelInfo
	}
}

func isColorWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
