package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

const ansiReset = "\033[0m"

// consoleHandler decorates interactive output: the level is colored by
// severity and the process identity by role, so interleaved monitor, mold
// and worker lines can be told apart at a glance. Role and seq live in the
// prefix here instead of as attrs; file output stays plain text.
type consoleHandler struct {
	inner slog.Handler
	tag   string
}

func newConsoleHandler(w io.Writer, opts *slog.HandlerOptions, role string, seq uint64) slog.Handler {
	return &consoleHandler{
		inner: slog.NewTextHandler(w, opts),
		tag:   roleColor(role) + fmt.Sprintf("%s/%d", role, seq) + ansiReset,
	}
}

func (h *consoleHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &consoleHandler{inner: h.inner.WithAttrs(attrs), tag: h.tag}
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	return &consoleHandler{inner: h.inner.WithGroup(name), tag: h.tag}
}

func (h *consoleHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Message = levelColor(r.Level) + r.Level.String() + ansiReset + " " + h.tag + " " + r.Message
	return h.inner.Handle(ctx, r)
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // red
	case l >= slog.LevelWarn:
		return "\033[33m" // yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // green
	default:
		return "\033[36m" // cyan
	}
}

func roleColor(role string) string {
	switch role {
	case "mold":
		return "\033[35m" // magenta
	case "worker":
		return "\033[34m" // blue
	default:
		return "\033[32m" // green, the monitor
	}
}
