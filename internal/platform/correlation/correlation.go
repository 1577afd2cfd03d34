package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

type contextKey struct{}

// With returns a context carrying attrs in addition to any already attached.
// Later attributes with the same key shadow earlier ones in log output order.
func With(ctx context.Context, attrs ...slog.Attr) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	merged := slices.Concat(Attrs(ctx), attrs)
	return context.WithValue(ctx, contextKey{}, merged)
}

// WithSession tags ctx with a subscriber session ID and its remote address.
func WithSession(ctx context.Context, sessionID, remoteAddr string) context.Context {
	return With(ctx, slog.String("session_id", sessionID), slog.String("remote_addr", remoteAddr))
}

// Attrs returns the attributes carried by ctx.
func Attrs(ctx context.Context) []slog.Attr {
	attrs, _ := ctx.Value(contextKey{}).([]slog.Attr)
	return attrs
}

// Handler wraps an existing slog.Handler and appends the attributes carried
// by the record's context.
type Handler struct {
	inner slog.Handler
}

// NewHandler creates a context-aware handler wrapping the given handler.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := Attrs(ctx); len(attrs) > 0 {
		r.AddAttrs(attrs...)
	}
	if err := h.inner.Handle(ctx, r); err != nil {
		return fmt.Errorf("correlation handler: %w", err)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
