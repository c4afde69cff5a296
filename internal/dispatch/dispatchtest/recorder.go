// Package dispatchtest records events for assertions.
package dispatchtest

import (
	"context"
	"sync"

	"github.com/example/reservation-engine/internal/events"
)

type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *Recorder) Notify(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// Types lists recorded event types in order.
func (r *Recorder) Types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t events.Type) int {
	n := 0
	for _, got := range r.Types() {
		if got == t {
			n++
		}
	}
	return n
}
