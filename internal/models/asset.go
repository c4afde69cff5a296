package models

import "time"

type AssetKind string

const (
	AssetBoat      AssetKind = "boat"
	AssetEquipment AssetKind = "equipment"
)

// RateCard holds per-unit prices. Weekly is optional and falls back to
// seven times the daily rate when unset.
type RateCard struct {
	Hourly Money  `json:"hourly"`
	Daily  Money  `json:"daily"`
	Weekly *Money `json:"weekly,omitempty"`
}

// Asset is a reservable boat or piece of equipment. The core only reads it;
// owners and the verification workflow mutate it elsewhere.
type Asset struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Kind      AssetKind `json:"kind"`
	Name      string    `json:"name"`
	Rates     RateCard  `json:"rates"`
	Position  Coord     `json:"position"`
	Available bool      `json:"available"`
	Verified  bool      `json:"verified"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Bookable reports whether the availability and verification gates pass.
func (a Asset) Bookable() bool { return a.Available && a.Verified }

// Operator owns assets and receives payouts for their reservations.
type Operator struct {
	ID            string `json:"id"`
	Active        bool   `json:"active"`
	Verified      bool   `json:"verified"`
	PayoutAccount string `json:"payout_account,omitempty"`
}

// AvailabilityBlock is an owner-authored calendar entry for one day.
// When StartMinute/EndMinute are set the block only covers that part of
// the day (minutes after UTC midnight).
type AvailabilityBlock struct {
	AssetID     string    `json:"asset_id"`
	Date        time.Time `json:"date"`
	StartMinute *int      `json:"start_minute,omitempty"`
	EndMinute   *int      `json:"end_minute,omitempty"`
	Available   bool      `json:"available"`
	Reason      string    `json:"reason,omitempty"`
}

// Covers returns the absolute interval this block applies to.
func (b AvailabilityBlock) Covers() (time.Time, time.Time) {
	day := Day(b.Date)
	from, to := day, day.Add(24*time.Hour)
	if b.StartMinute != nil {
		from = day.Add(time.Duration(*b.StartMinute) * time.Minute)
	}
	if b.EndMinute != nil {
		to = day.Add(time.Duration(*b.EndMinute) * time.Minute)
	}
	return from, to
}
