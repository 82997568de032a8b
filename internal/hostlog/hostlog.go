// Package hostlog relays structured log records to a host-registered callback.
//
// The host receives (message, level, length) triples verbatim. Filtering, if
// any, happens host-side; the only gate applied here is the slog level.
package hostlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Level is the severity understood by the host sink.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

// String returns a human-readable level name
func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "Info"
	case LevelWarning:
		return "Warning"
	case LevelError:
		return "Error"
	default:
		return "Info"
	}
}

// levelFromSlog maps slog levels onto the three host levels.
func levelFromSlog(l slog.Level) Level {
	switch {
	case l >= slog.LevelError:
		return LevelError
	case l >= slog.LevelWarn:
		return LevelWarning
	default:
		return LevelInfo
	}
}

// Sink receives log lines for the host.
type Sink interface {
	Log(message string, level Level, length int)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(message string, level Level, length int)

// Log implements Sink.
func (f SinkFunc) Log(message string, level Level, length int) { f(message, level, length) }

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// Level is the minimum slog level forwarded (default: slog.LevelInfo).
	Level slog.Leveler

	// Next receives every record as well (e.g. a JSON stdout handler).
	// May be nil.
	Next slog.Handler
}

// Handler is a slog.Handler forwarding records to a Sink.
type Handler struct {
	sink  Sink
	level slog.Leveler
	next  slog.Handler

	// attrs/groups accumulated through WithAttrs/WithGroup
	prefix string
	groups []string
}

// NewHandler creates a Handler. A nil sink is allowed: records then only go
// to opts.Next.
func NewHandler(sink Sink, opts *HandlerOptions) *Handler {
	h := &Handler{
		sink:  sink,
		level: slog.LevelInfo,
	}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.next = opts.Next
	}
	return h
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(ctx context.Context, l slog.Level) bool {
	if l >= h.level.Level() {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, l)
}

// Handle implements slog.Handler.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		if err := h.next.Handle(ctx, r); err != nil {
			return err
		}
	}

	if h.sink == nil || r.Level < h.level.Level() {
		return nil
	}

	var b strings.Builder
	b.WriteString(r.Message)
	if h.prefix != "" {
		b.WriteString(h.prefix)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.groups, a)
		return true
	})
	msg := b.String()

	h.deliver(msg, levelFromSlog(r.Level))
	return nil
}

// deliver calls the host sink, isolating the caller from a panicking sink.
// No lock is held during the call: sinks may run concurrently and may log
// through the same handler.
func (h *Handler) deliver(msg string, level Level) {
	defer func() {
		_ = recover()
	}()
	h.sink.Log(msg, level, len(msg))
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := h.clone()
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		writeAttr(&b, h.groups, a)
	}
	c.prefix = b.String()
	if h.next != nil {
		c.next = h.next.WithAttrs(attrs)
	}
	return c
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.groups = append(append([]string(nil), h.groups...), name)
	if h.next != nil {
		c.next = h.next.WithGroup(name)
	}
	return c
}

func (h *Handler) clone() *Handler {
	c := *h
	return &c
}

func writeAttr(b *strings.Builder, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := groups
		if a.Key != "" {
			sub = append(append([]string(nil), groups...), a.Key)
		}
		for _, ga := range a.Value.Group() {
			writeAttr(b, sub, ga)
		}
		return
	}

	b.WriteByte(' ')
	for _, g := range groups {
		b.WriteString(g)
		b.WriteByte('.')
	}
	b.WriteString(a.Key)
	b.WriteByte('=')
	fmt.Fprint(b, a.Value.Any())
}
