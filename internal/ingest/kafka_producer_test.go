package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/reservation-engine/internal/events"
	"github.com/example/reservation-engine/internal/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { f.closed = true; return nil }

func TestNotifyKeysByEntity(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{events: w, timeout: time.Second}
	require.NoError(t, p.Notify(context.Background(), events.Event{Type: events.ReservationCreated, EntityID: "r1"}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "r1", string(w.msgs[0].Key))
	assert.Equal(t, "reservation.created", string(w.msgs[0].Headers[0].Value))

	var ev events.Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, events.ReservationCreated, ev.Type)
}

func TestNotifyWithoutTopicIsNoop(t *testing.T) {
	p := &KafkaProducer{timeout: time.Second}
	assert.NoError(t, p.Notify(context.Background(), events.Event{Type: events.TripStarted}))
	assert.Error(t, p.PublishPosition(context.Background(), PositionMessage{TripID: "t1"}))
}

func TestPublishPositionRoundTrip(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{positions: w, timeout: time.Second}
	in := PositionMessage{TripID: "t1", Lat: 25.7, Lon: -80.1, Speed: models.Float64(12.5)}
	require.NoError(t, p.PublishPosition(context.Background(), in))
	require.Len(t, w.msgs, 1)

	got, err := DecodePosition(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TripID)
	assert.Equal(t, 12.5, *got.Input().Speed)
	assert.Equal(t, -80.1, got.Input().Lon)
}

func TestPublishWrapsWriterErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := &KafkaProducer{positions: w, events: w, timeout: time.Second}
	assert.ErrorContains(t, p.PublishPosition(context.Background(), PositionMessage{TripID: "t1"}), "kafka write")
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestDecodePositionRejectsMissingTrip(t *testing.T) {
	_, err := DecodePosition([]byte(`{"lat":1,"lng":2}`))
	assert.Error(t, err)
	_, err = DecodePosition([]byte(`not json`))
	assert.Error(t, err)
}
