package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/reservation-engine/internal/dispatch/dispatchtest"
	"github.com/example/reservation-engine/internal/events"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFanoutSwallowsSinkErrors(t *testing.T) {
	rec := &dispatchtest.Recorder{}
	failing := NotifierFunc(func(context.Context, events.Event) error { return errors.New("down") })
	f := NewFanout(quietLogger(), failing, nil, rec)

	err := f.Notify(context.Background(), events.Event{Type: events.TripEmergency, EntityID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, []events.Type{events.TripEmergency}, rec.Types())
}

type fakeConn struct {
	mu     sync.Mutex
	sent   []events.Event
	fail   bool
	closed bool
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.sent = append(c.sent, v.(events.Event))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestWSHubRoutesByChannel(t *testing.T) {
	hub := NewWSHub(quietLogger())
	a, b, broken := &fakeConn{}, &fakeConn{}, &fakeConn{fail: true}
	unsubA := hub.Subscribe("trip.t1", a)
	hub.Subscribe("trip.t2", b)
	hub.Subscribe("trip.t1", broken)
	require.Equal(t, 2, hub.Subscribers("trip.t1"))

	err := hub.Notify(context.Background(), events.Event{Type: events.PositionUpdated, EntityID: "t1", Channels: []string{"trip.t1"}})
	assert.Error(t, err)
	assert.Len(t, a.sent, 1)
	assert.Empty(t, b.sent)
	assert.True(t, broken.closed)
	assert.Equal(t, 1, hub.Subscribers("trip.t1"))

	unsubA()
	assert.Equal(t, 0, hub.Subscribers("trip.t1"))
	require.NoError(t, hub.Notify(context.Background(), events.Event{Channels: []string{"trip.t1"}}))
	assert.Len(t, a.sent, 1)
}

func TestWebhookPostsSelectedTypes(t *testing.T) {
	var got []events.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev events.Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		got = append(got, ev)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, events.TripEmergency)
	ctx := context.Background()
	require.NoError(t, w.Notify(ctx, events.Event{Type: events.PositionUpdated, EntityID: "t1"}))
	require.NoError(t, w.Notify(ctx, events.Event{Type: events.TripEmergency, EntityID: "t1", At: time.Now()}))
	require.Len(t, got, 1)
	assert.Equal(t, events.TripEmergency, got[0].Type)
}

func TestWebhookReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewWebhook(srv.URL).Notify(context.Background(), events.Event{Type: events.TripEmergency})
	assert.Error(t, err)
}
