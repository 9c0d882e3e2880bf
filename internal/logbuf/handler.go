// ABOUTME: slog.Handler tee that mirrors Info-and-above records into the log ring buffer.
// ABOUTME: Lets every component's structured log line feed the dashboard without extra plumbing.

package logbuf

import (
	"context"
	"log/slog"
	"strings"
)

// Handler wraps an inner slog handler and copies each record at Info level
// or above into the ring buffer as a flat text line. Debug records bypass
// the ring, which also keeps the fan-out's own debug logging from feeding
// back into the events it publishes.
type Handler struct {
	inner slog.Handler
	buf   *Buffer
	attrs []slog.Attr
}

// NewHandler tees records handled by inner into buf.
func NewHandler(inner slog.Handler, buf *Buffer) *Handler {
	return &Handler{inner: inner, buf: buf}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelInfo {
		h.buf.AppendEntry(Entry{Timestamp: r.Time.UTC(), Message: h.format(r)})
	}
	return h.inner.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	merged = append(merged, attrs...)
	return &Handler{inner: h.inner.WithAttrs(attrs), buf: h.buf, attrs: merged}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name), buf: h.buf, attrs: h.attrs}
}

// format renders a record as "LEVEL message key=value ...".
func (h *Handler) format(r slog.Record) string {
	var sb strings.Builder
	sb.WriteString(r.Level.String())
	sb.WriteString(" ")
	sb.WriteString(r.Message)
	for _, a := range h.attrs {
		sb.WriteString(" ")
		sb.WriteString(a.Key)
		sb.WriteString("=")
		sb.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		sb.WriteString(" ")
		sb.WriteString(a.Key)
		sb.WriteString("=")
		sb.WriteString(a.Value.String())
		return true
	})
	return sb.String()
}
