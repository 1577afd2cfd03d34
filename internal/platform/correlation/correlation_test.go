package correlation

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	inner := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewHandler(inner))
}

func TestAttrs_Missing(t *testing.T) {
	assert.Empty(t, Attrs(context.Background()))
}

func TestWith_Accumulates(t *testing.T) {
	ctx := With(context.Background(), slog.String("a", "1"))
	ctx = With(ctx, slog.String("b", "2"))

	attrs := Attrs(ctx)
	assert.Len(t, attrs, 2)
	assert.Equal(t, "a", attrs[0].Key)
	assert.Equal(t, "b", attrs[1].Key)
}

func TestWith_DoesNotMutateParent(t *testing.T) {
	parent := With(context.Background(), slog.String("a", "1"))
	_ = With(parent, slog.String("b", "2"))

	assert.Len(t, Attrs(parent), 1)
}

func TestHandler_AddsSessionAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	ctx := WithSession(context.Background(), "sess-1", "10.0.0.1:1234")
	logger.InfoContext(ctx, "test message", "key", "value")

	output := buf.String()
	assert.Contains(t, output, "session_id=sess-1")
	assert.Contains(t, output, "remote_addr=10.0.0.1:1234")
	assert.Contains(t, output, "key=value")
	assert.Contains(t, output, "test message")
}

func TestHandler_NoAttrs_WhenMissing(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.InfoContext(context.Background(), "plain")

	assert.NotContains(t, buf.String(), "session_id")
}

func TestHandler_WithAttrs_PreservesContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf).With("component", "test")

	ctx := With(context.Background(), slog.String("session_id", "s2"))
	logger.InfoContext(ctx, "with attrs")

	output := buf.String()
	assert.Contains(t, output, "session_id=s2")
	assert.Contains(t, output, "component=test")
}
