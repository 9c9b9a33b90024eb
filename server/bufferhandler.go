package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/porticohq/portico/supervisor"
)

// BufferHandler is a slog.Handler that tees records into a LogBuffer so the
// server's own log lines show up on the log stream next to child output.
type BufferHandler struct {
	inner  slog.Handler
	buffer *supervisor.LogBuffer
	attrs  []slog.Attr
}

// NewBufferHandler wraps inner, copying every record into buffer.
func NewBufferHandler(inner slog.Handler, buffer *supervisor.LogBuffer) *BufferHandler {
	return &BufferHandler{inner: inner, buffer: buffer}
}

func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *BufferHandler) Handle(ctx context.Context, record slog.Record) error {
	var sb strings.Builder
	sb.WriteString(record.Message)
	appendAttr := func(a slog.Attr) bool {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
		return true
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	record.Attrs(appendAttr)

	h.buffer.AddEntry(strings.ToLower(record.Level.String()), "server", sb.String(), os.Getpid())
	return h.inner.Handle(ctx, record)
}

func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &BufferHandler{inner: h.inner.WithAttrs(attrs), buffer: h.buffer, attrs: merged}
}

func (h *BufferHandler) WithGroup(name string) slog.Handler {
	return &BufferHandler{inner: h.inner.WithGroup(name), buffer: h.buffer, attrs: h.attrs}
}
