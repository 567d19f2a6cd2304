// Package logging multiplexes the host's structured log onto two
// destinations: the local file/stderr handler (everything) and, while a
// run is active, the client's result channel as LogEvent frames.
//
// Debug-level records never cross the channel. That is a protocol
// invariant, not a verbosity option.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cadhost/testbridge/pkg/protocol"
)

// LevelFatal extends slog's levels for unrecoverable host-side failures.
const LevelFatal = slog.Level(12)

// Sink receives log frames for the currently active run.
type Sink interface {
	WriteLog(protocol.LogEvent) error
}

// Handler is a slog.Handler fanning out to the local handler and the
// active run's sink. One Handler lives for the host process; the sink is
// swapped per run.
type Handler struct {
	local  slog.Handler
	source string

	mu   sync.RWMutex
	sink Sink
}

// NewHandler wraps the local handler. source tags forwarded LogEvents.
func NewHandler(local slog.Handler, source string) *Handler {
	return &Handler{local: local, source: source}
}

// SetSink routes INFO-and-above records to the given run sink.
func (h *Handler) SetSink(s Sink) {
	h.mu.Lock()
	h.sink = s
	h.mu.Unlock()
}

// ClearSink detaches the run sink; call during run release.
func (h *Handler) ClearSink() {
	h.mu.Lock()
	h.sink = nil
	h.mu.Unlock()
}

// Enabled implements slog.Handler. The local handler decides; forwarding
// never makes a record more verbose than the local policy allows.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.local.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	err := h.local.Handle(ctx, rec)
	h.forward(rec)
	return err
}

// forward sends one record to the active run sink, if any. Used by the
// base handler and every derived handler so a record formats the same
// regardless of which logger produced it.
func (h *Handler) forward(rec slog.Record) {
	// Hard invariant: debug stays file-only.
	if rec.Level < slog.LevelInfo {
		return
	}

	h.mu.RLock()
	sink := h.sink
	h.mu.RUnlock()
	if sink == nil {
		return
	}

	msg := rec.Message
	rec.Attrs(func(a slog.Attr) bool {
		msg += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})

	ev := protocol.LogEvent{
		Type:      protocol.LogFrameType,
		Level:     frameLevel(rec.Level),
		Message:   msg,
		Timestamp: rec.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Source:    h.source,
	}
	// A write failure here means the client is gone; the local log
	// already has the record.
	sink.WriteLog(ev)
}

// WithAttrs implements slog.Handler. The sink is shared with the parent
// so per-run routing still applies to derived loggers.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &derived{Handler: h, local: h.local.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	return &derived{Handler: h, local: h.local.WithGroup(name)}
}

// derived shares the parent's sink but carries its own local handler
// state (attrs/groups).
type derived struct {
	*Handler
	local slog.Handler
}

func (d *derived) Enabled(ctx context.Context, level slog.Level) bool {
	return d.local.Enabled(ctx, level)
}

func (d *derived) Handle(ctx context.Context, rec slog.Record) error {
	err := d.local.Handle(ctx, rec)
	d.Handler.forward(rec)
	return err
}

func (d *derived) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &derived{Handler: d.Handler, local: d.local.WithAttrs(attrs)}
}

func (d *derived) WithGroup(name string) slog.Handler {
	return &derived{Handler: d.Handler, local: d.local.WithGroup(name)}
}

func frameLevel(level slog.Level) string {
	switch {
	case level >= LevelFatal:
		return "FATAL"
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	default:
		return "INFO"
	}
}

var _ slog.Handler = (*Handler)(nil)
var _ slog.Handler = (*derived)(nil)
