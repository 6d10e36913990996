package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sherry-sync/deamon/internal/config"
)

// buildLogger configures the daemon's slog.Logger the way the teacher's
// root.go buildLogger configures its handler, extended with a rolling
// per-start log file (section 6). silent drops the console handler; the
// file handler is always attached.
func buildLogger(configDir string, silent, debug bool) (*slog.Logger, func() error, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	logsDir := filepath.Join(configDir, config.LogsDir)
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, nil, err
	}

	fileName := config.LogFileName(time.Now().Format(time.RFC3339))

	roller := &lumberjack.Logger{
		Filename: filepath.Join(logsDir, fileName),
		Compress: false,
	}

	handlers := []slog.Handler{slog.NewTextHandler(roller, &slog.HandlerOptions{Level: level})}

	if !silent {
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	return slog.New(&fanoutHandler{handlers: handlers}), roller.Close, nil
}

// fanoutHandler dispatches every record to each of its handlers. slog has no
// built-in multi-handler; this is the minimal fan-out needed to mirror every
// record to both the rolling file and the console.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error

	for _, h := range f.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}

		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}

	return &fanoutHandler{handlers: next}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}

	return &fanoutHandler{handlers: next}
}
