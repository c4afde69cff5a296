package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/reservation-engine/internal/events"
)

// Conn is the part of *websocket.Conn the hub writes to.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// WSSession is one subscribed websocket connection.
type WSSession struct {
	conn Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// WSHub broadcasts events to websocket sessions subscribed by channel,
// e.g. "trip.<id>" for a live trip feed.
type WSHub struct {
	mu       sync.RWMutex
	channels map[string]map[*WSSession]struct{}
	logger   *slog.Logger
}

func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{channels: make(map[string]map[*WSSession]struct{}), logger: logger}
}

// Subscribe registers conn on channel. The returned func removes it.
func (h *WSHub) Subscribe(channel string, conn Conn) func() {
	s := &WSSession{conn: conn}
	h.mu.Lock()
	set, ok := h.channels[channel]
	if !ok {
		set = make(map[*WSSession]struct{})
		h.channels[channel] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return func() { h.remove(channel, s) }
}

func (h *WSHub) remove(channel string, s *WSSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.channels[channel]
	delete(set, s)
	if len(set) == 0 {
		delete(h.channels, channel)
	}
}

// Subscribers reports how many sessions listen on channel.
func (h *WSHub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Notify writes ev to every session of every channel it names. Sessions
// that fail to write are dropped and closed.
func (h *WSHub) Notify(_ context.Context, ev events.Event) error {
	var errs []error
	for _, ch := range ev.Channels {
		h.mu.RLock()
		sessions := make([]*WSSession, 0, len(h.channels[ch]))
		for s := range h.channels[ch] {
			sessions = append(sessions, s)
		}
		h.mu.RUnlock()

		for _, s := range sessions {
			if err := s.Send(ev); err != nil {
				h.logger.Debug("ws send error", "channel", ch, "err", err)
				h.remove(ch, s)
				_ = s.conn.Close()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}
