// Package dispatch delivers engine events to subscribers. Delivery is
// fire-and-forget from the engine's point of view: a failed sink is logged
// and never fails the state change that produced the event.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/reservation-engine/internal/events"
	"github.com/example/reservation-engine/internal/observability"
)

// Notifier accepts one event.
type Notifier interface {
	Notify(ctx context.Context, ev events.Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev events.Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev events.Event) error { return f(ctx, ev) }

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, events.Event) error { return nil }

// Fanout hands each event to every sink and swallows their errors after
// logging them.
type Fanout struct {
	sinks  []Notifier
	logger *slog.Logger
}

func NewFanout(logger *slog.Logger, sinks ...Notifier) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]Notifier, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Fanout{sinks: out, logger: logger}
}

func (f *Fanout) Notify(ctx context.Context, ev events.Event) error {
	observability.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()
	for _, s := range f.sinks {
		if err := s.Notify(ctx, ev); err != nil {
			observability.EventDeliveryFailures.WithLabelValues(string(ev.Type)).Inc()
			f.logger.Warn("event delivery failed", "type", ev.Type, "entity_id", ev.EntityID, "err", err)
		}
	}
	return nil
}
