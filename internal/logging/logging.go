// Package logging wraps slog with the text-handler conventions used across
// the machine: a debug stream gated independently of the main output level,
// so trap and SBI diagnostics can be enabled without raising everything
// else to Debug.
package logging

import (
	"context"
	"io"
	"log/slog"
)

// Handler wraps a slog.TextHandler, holding its own debug gate separate
// from the wrapped handler's configured level.
type Handler struct {
	inner slog.Handler
	debug bool
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level == slog.LevelDebug && !h.debug {
		return false
	}
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs), debug: h.debug}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name), debug: h.debug}
}

// New builds a logger writing text-formatted records to w. When debug is
// false, Debug-level records (interrupt and exception delivery, SBI calls)
// are suppressed regardless of the handler's configured level.
func New(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := &Handler{
		inner: slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}),
		debug: debug,
	}
	return slog.New(h)
}
