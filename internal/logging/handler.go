package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// fanoutHandler implements slog.Handler, delegating formatting/output to the
// hub's base handler and additionally rendering a plain-text line for every
// registered Sink (the remote-shell WebSocket clients read these).
type fanoutHandler struct {
	hub  *Hub
	attrs []slog.Attr
	group string
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.hub.base.Enabled(ctx, level)
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.hub.base.Handle(ctx, r); err != nil {
		return err
	}
	h.hub.broadcast(renderLine(r, h.attrs))
	return nil
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanoutHandler{
		hub:   &Hub{sinks: h.hub.sinks, base: h.hub.base.WithAttrs(attrs)},
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
		group: h.group,
	}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	return &fanoutHandler{
		hub:   &Hub{sinks: h.hub.sinks, base: h.hub.base.WithGroup(name)},
		attrs: h.attrs,
		group: name,
	}
}

func renderLine(r slog.Record, extra []slog.Attr) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", r.Level.String(), r.Message)
	for _, a := range extra {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	return b.String()
}
