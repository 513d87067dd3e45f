package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger creates a dual-output logger: text to console, JSON appended to
// logFile. A nil console drops console output, which the live progress view
// needs while it owns the terminal. Returns the logger and a cleanup function
// closing the file.
func SetupLogger(logFile string, level slog.Level, console io.Writer) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{Level: level}
	var handlers []slog.Handler
	if console != nil {
		handlers = append(handlers, slog.NewTextHandler(console, opts))
	}

	noop := func() error { return nil }
	if logFile == "" {
		return newLogger(handlers), noop
	}

	if dir := filepath.Dir(logFile); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := newLogger(handlers)
		logger.Error("failed to open log file, using console only", "error", err, "file", logFile)
		return logger, noop
	}

	handlers = append(handlers, slog.NewJSONHandler(file, opts))
	return newLogger(handlers), file.Close
}

// SetupLoggerWithWriters creates a logger with custom writers (for testing).
func SetupLoggerWithWriters(console, file io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	return newLogger([]slog.Handler{
		slog.NewTextHandler(console, opts),
		slog.NewJSONHandler(file, opts),
	})
}

func newLogger(handlers []slog.Handler) *slog.Logger {
	switch len(handlers) {
	case 0:
		return slog.New(slog.DiscardHandler)
	case 1:
		return slog.New(handlers[0])
	}
	return slog.New(slogmulti.Fanout(handlers...))
}
