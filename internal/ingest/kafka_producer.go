// Package ingest moves engine traffic through Kafka: domain events out to
// the events topic, device position reports in through the positions topic.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/reservation-engine/internal/events"
	"github.com/example/reservation-engine/internal/telemetry"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes events and position reports. Messages are keyed by
// entity or trip id so a trip's traffic stays ordered within a partition.
type KafkaProducer struct {
	events    messageWriter
	positions messageWriter
	timeout   time.Duration
}

func NewKafkaProducer(brokers []string, eventsTopic, positionsTopic string) *KafkaProducer {
	p := &KafkaProducer{timeout: 2 * time.Second}
	if eventsTopic != "" {
		p.events = kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: eventsTopic, Balancer: &kafka.Hash{}})
	}
	if positionsTopic != "" {
		p.positions = kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: positionsTopic, Balancer: &kafka.Hash{}})
	}
	return p
}

// Notify publishes ev to the events topic; it makes the producer a
// dispatch.Notifier.
func (k *KafkaProducer) Notify(ctx context.Context, ev events.Event) error {
	if k.events == nil {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.write(ctx, k.events, kafka.Message{
		Key:     []byte(ev.EntityID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	})
}

// PublishPosition queues a device report for the consumer.
func (k *KafkaProducer) PublishPosition(ctx context.Context, m PositionMessage) error {
	if k.positions == nil {
		return errors.New("positions topic not configured")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return k.write(ctx, k.positions, kafka.Message{Key: []byte(m.TripID), Value: b})
}

func (k *KafkaProducer) write(ctx context.Context, w messageWriter, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	var errs []error
	for _, w := range []messageWriter{k.events, k.positions} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}

// PositionMessage is the wire form of one device report on the positions
// topic.
type PositionMessage struct {
	TripID     string    `json:"trip_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lng"`
	Speed      *float64  `json:"speed_knots,omitempty"`
	Heading    *float64  `json:"heading_degrees,omitempty"`
	Altitude   *float64  `json:"altitude_meters,omitempty"`
	Accuracy   *float64  `json:"accuracy_meters,omitempty"`
	RecordedAt time.Time `json:"recorded_at,omitempty"`
}

func (m PositionMessage) Input() telemetry.PositionInput {
	return telemetry.PositionInput{
		TripID:     m.TripID,
		Lat:        m.Lat,
		Lon:        m.Lon,
		Speed:      m.Speed,
		Heading:    m.Heading,
		Altitude:   m.Altitude,
		Accuracy:   m.Accuracy,
		RecordedAt: m.RecordedAt,
	}
}

// DecodePosition parses a positions-topic message value.
func DecodePosition(b []byte) (PositionMessage, error) {
	var m PositionMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return m, err
	}
	if m.TripID == "" {
		return m, errors.New("missing trip_id")
	}
	return m, nil
}
