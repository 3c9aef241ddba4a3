// Package logging configures the operational logger. The audit log is
// the authoritative record; slog output is for operators and never
// carries secret material or raw message content.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

// Options controls where log records go.
type Options struct {
	Level slog.Level

	// FilePath, when set, adds a JSON handler appending to that file
	// alongside the stderr text handler.
	FilePath string
}

// Setup builds the process logger and installs it as slog's default.
// The returned closer releases the log file, if one was opened.
func Setup(opts Options) (*slog.Logger, func() error, error) {
	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: opts.Level}),
	}
	closer := func() error { return nil }

	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o700); err != nil {
			return nil, nil, fmt.Errorf("logging: create log dir: %w", err)
		}
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: opts.Level}))
		closer = f.Close
	}

	logger := slog.New(slogmulti.Fanout(handlers...))
	slog.SetDefault(logger)
	return logger, closer, nil
}

// SetupWriter is Setup with an injected writer instead of stderr, for
// tests.
func SetupWriter(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slogmulti.Fanout(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}
