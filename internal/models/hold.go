package models

import "time"

type HoldStatus string

const (
	HoldHeld     HoldStatus = "held"
	HoldCaptured HoldStatus = "captured"
	HoldReleased HoldStatus = "released"
	HoldExpired  HoldStatus = "expired"
)

var HoldTransitions = map[HoldStatus][]HoldStatus{
	HoldHeld: {HoldCaptured, HoldReleased, HoldExpired},
}

func (s HoldStatus) CanTransition(to HoldStatus) bool {
	return allowed(HoldTransitions, s, to)
}

// Hold is a provisional authorization of the reservation total.
// Amount never changes after creation.
type Hold struct {
	ID              string     `json:"id"`
	ReservationID   string     `json:"reservation_id"`
	PaymentIntentID string     `json:"payment_intent_id"`
	Amount          Money      `json:"amount"`
	Status          HoldStatus `json:"status"`
	ExpiresAt       time.Time  `json:"expires_at"`
	CapturedAt      *time.Time `json:"captured_at,omitempty"`
	ReleasedAt      *time.Time `json:"released_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Expired reports whether a still-held hold has passed its expiry.
func (h Hold) Expired(now time.Time) bool {
	return h.Status == HoldHeld && !h.ExpiresAt.After(now)
}
