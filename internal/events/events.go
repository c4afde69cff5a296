// Package events defines the payloads the engine emits on state changes.
// Delivery belongs to dispatch; an event only carries the entity id, the
// channels it concerns and a few fields a subscriber needs to react.
package events

import (
	"time"

	"github.com/example/reservation-engine/internal/models"
)

type Type string

const (
	ReservationCreated   Type = "reservation.created"
	ReservationAccepted  Type = "reservation.accepted"
	ReservationRejected  Type = "reservation.rejected"
	ReservationCancelled Type = "reservation.cancelled"
	HoldCaptured         Type = "hold.captured"
	HoldReleased         Type = "hold.released"
	HoldExpired          Type = "hold.expired"
	SettlementCompleted  Type = "settlement.completed"
	SettlementFailed     Type = "settlement.failed"
	TripStarted          Type = "trip.started"
	PositionUpdated      Type = "position.updated"
	TripEmergency        Type = "trip.emergency"
	TripCompleted        Type = "trip.completed"
)

type Event struct {
	Type     Type           `json:"type"`
	EntityID string         `json:"entity_id"`
	Channels []string       `json:"channels"`
	At       time.Time      `json:"at"`
	Data     map[string]any `json:"data,omitempty"`
}

func TripChannel(id string) string        { return "trip." + id }
func ReservationChannel(id string) string { return "reservation." + id }
func OperatorChannel(id string) string    { return "operator." + id }
func CustomerChannel(id string) string    { return "customer." + id }

// AdminChannel receives safety alerts.
const AdminChannel = "admin"

func reservationEvent(t Type, r models.Reservation, at time.Time) Event {
	return Event{
		Type:     t,
		EntityID: r.ID,
		Channels: []string{ReservationChannel(r.ID), OperatorChannel(r.OperatorID), CustomerChannel(r.CustomerID)},
		At:       at,
		Data: map[string]any{
			"asset_id": r.AssetID,
			"status":   r.Status,
			"start":    r.Start,
			"end":      r.End,
			"total":    r.Total,
		},
	}
}

func NewReservationCreated(r models.Reservation, at time.Time) Event {
	ev := reservationEvent(ReservationCreated, r, at)
	ev.Data["mode"] = r.Mode
	if r.EstimatedArrivalMinutes != nil {
		ev.Data["estimated_arrival_minutes"] = *r.EstimatedArrivalMinutes
	}
	return ev
}

func NewReservationAccepted(r models.Reservation, at time.Time) Event {
	return reservationEvent(ReservationAccepted, r, at)
}

func NewReservationRejected(r models.Reservation, at time.Time) Event {
	ev := reservationEvent(ReservationRejected, r, at)
	ev.Data["reason"] = r.CancellationReason
	return ev
}

func NewReservationCancelled(r models.Reservation, at time.Time) Event {
	ev := reservationEvent(ReservationCancelled, r, at)
	ev.Data["reason"] = r.CancellationReason
	ev.Data["payment_status"] = r.PaymentStatus
	return ev
}

func holdEvent(t Type, h models.Hold, at time.Time) Event {
	return Event{
		Type:     t,
		EntityID: h.ID,
		Channels: []string{ReservationChannel(h.ReservationID)},
		At:       at,
		Data:     map[string]any{"reservation_id": h.ReservationID, "amount": h.Amount, "status": h.Status},
	}
}

func NewHoldCaptured(h models.Hold, at time.Time) Event { return holdEvent(HoldCaptured, h, at) }
func NewHoldReleased(h models.Hold, at time.Time) Event { return holdEvent(HoldReleased, h, at) }
func NewHoldExpired(h models.Hold, at time.Time) Event  { return holdEvent(HoldExpired, h, at) }

func settlementEvent(t Type, s models.Settlement, at time.Time) Event {
	data := map[string]any{
		"subject_kind": s.Subject.Kind,
		"subject_id":   s.Subject.ID,
		"total":        s.Total,
		"platform_fee": s.PlatformFee,
	}
	if s.FailureReason != "" {
		data["reason"] = s.FailureReason
	}
	chans := make([]string, 0, len(s.Payees))
	for _, p := range s.Payees {
		if p.Role == models.PayeeOperator {
			chans = append(chans, OperatorChannel(p.PartyID))
		}
	}
	return Event{Type: t, EntityID: s.ID, Channels: chans, At: at, Data: data}
}

func NewSettlementCompleted(s models.Settlement, at time.Time) Event {
	return settlementEvent(SettlementCompleted, s, at)
}

func NewSettlementFailed(s models.Settlement, at time.Time) Event {
	return settlementEvent(SettlementFailed, s, at)
}

func tripEvent(t Type, tr models.TripRecord, at time.Time) Event {
	return Event{
		Type:     t,
		EntityID: tr.ID,
		Channels: []string{TripChannel(tr.ID), ReservationChannel(tr.ReservationID)},
		At:       at,
		Data: map[string]any{
			"reservation_id":    tr.ReservationID,
			"asset_id":          tr.AssetID,
			"status":            tr.Status,
			"total_distance_nm": tr.TotalDistanceNM,
		},
	}
}

func NewTripStarted(tr models.TripRecord, at time.Time) Event {
	ev := tripEvent(TripStarted, tr, at)
	ev.Data["start"] = tr.Start
	return ev
}

func NewTripCompleted(tr models.TripRecord, at time.Time) Event {
	ev := tripEvent(TripCompleted, tr, at)
	ev.Data["max_speed_knots"] = tr.MaxSpeedKnots
	ev.Data["average_speed_knots"] = tr.AverageSpeedKnots
	return ev
}

// NewTripEmergency also goes to the admin channel. last is the most recent
// known position, if any.
func NewTripEmergency(tr models.TripRecord, last *models.PositionReport, at time.Time) Event {
	ev := tripEvent(TripEmergency, tr, at)
	ev.Channels = append(ev.Channels, AdminChannel)
	if last != nil {
		ev.Data["lat"] = last.Lat
		ev.Data["lng"] = last.Lon
	}
	return ev
}

func NewPositionUpdated(p models.PositionReport) Event {
	data := map[string]any{
		"lat":                    p.Lat,
		"lng":                    p.Lon,
		"distance_from_start_nm": p.DistanceFromStartNM,
	}
	if p.Speed != nil {
		data["speed_knots"] = *p.Speed
	}
	if p.Heading != nil {
		data["heading_degrees"] = *p.Heading
	}
	return Event{
		Type:     PositionUpdated,
		EntityID: p.TripID,
		Channels: []string{TripChannel(p.TripID)},
		At:       p.RecordedAt,
		Data:     data,
	}
}
