package models

import "time"

type BookingKind string

const (
	KindHourly BookingKind = "hourly"
	KindDaily  BookingKind = "daily"
	KindWeekly BookingKind = "weekly"
)

func (k BookingKind) Valid() bool {
	switch k {
	case KindHourly, KindDaily, KindWeekly:
		return true
	}
	return false
}

type BookingMode string

const (
	ModeScheduled BookingMode = "scheduled"
	ModeOnDemand  BookingMode = "on_demand"
)

type ReservationStatus string

const (
	ReservationPending    ReservationStatus = "pending"
	ReservationConfirmed  ReservationStatus = "confirmed"
	ReservationInProgress ReservationStatus = "in_progress"
	ReservationCompleted  ReservationStatus = "completed"
	ReservationCancelled  ReservationStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFailed   PaymentStatus = "failed"
)

// ReservationTransitions is the reservation state flow as code.
// Cancelled and completed have no outgoing edges.
var ReservationTransitions = map[ReservationStatus][]ReservationStatus{
	ReservationPending:    {ReservationConfirmed, ReservationCancelled},
	ReservationConfirmed:  {ReservationInProgress, ReservationCancelled},
	ReservationInProgress: {ReservationCompleted},
}

func (s ReservationStatus) CanTransition(to ReservationStatus) bool {
	return allowed(ReservationTransitions, s, to)
}

type Reservation struct {
	ID                      string            `json:"id"`
	CustomerID              string            `json:"customer_id"`
	AssetID                 string            `json:"asset_id"`
	OperatorID              string            `json:"operator_id"`
	Kind                    BookingKind       `json:"kind"`
	Mode                    BookingMode       `json:"mode"`
	Start                   time.Time         `json:"start"`
	End                     time.Time         `json:"end"`
	DurationHours           int64             `json:"duration_hours"`
	Rate                    Money             `json:"rate"`
	Subtotal                Money             `json:"subtotal"`
	Tax                     Money             `json:"tax"`
	Fee                     Money             `json:"fee"`
	Total                   Money             `json:"total"`
	Status                  ReservationStatus `json:"status"`
	PaymentStatus           PaymentStatus     `json:"payment_status"`
	PaymentIntentID         string            `json:"payment_intent_id,omitempty"`
	Pickup                  *Coord            `json:"pickup,omitempty"`
	Dropoff                 *Coord            `json:"dropoff,omitempty"`
	EstimatedArrivalMinutes *int              `json:"estimated_arrival_minutes,omitempty"`
	CancelledAt             *time.Time        `json:"cancelled_at,omitempty"`
	CancellationReason      string            `json:"cancellation_reason,omitempty"`
	CreatedAt               time.Time         `json:"created_at"`
	UpdatedAt               time.Time         `json:"updated_at"`
}

// Blocking reports whether the reservation still occupies its asset.
func (r Reservation) Blocking() bool { return r.Status != ReservationCancelled }

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}
