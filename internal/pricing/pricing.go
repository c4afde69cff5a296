// Package pricing turns an asset rate card and a booking window into a
// quote. Everything here is pure; amounts are integer cents and each
// component is rounded exactly once.
package pricing

import (
	"time"

	"github.com/example/reservation-engine/internal/apperr"
	"github.com/example/reservation-engine/internal/models"
)

// Percentages are expressed as num/100.
const (
	TaxPercent       = 10
	FeePercent       = 5
	SurchargePercent = 10

	hoursPerDay  = 24
	hoursPerWeek = 24 * 7
)

// Quote is the price breakdown for one booking window.
type Quote struct {
	Kind          models.BookingKind `json:"kind"`
	DurationHours int64              `json:"duration_hours"`
	Units         int64              `json:"units"`
	Rate          models.Money       `json:"rate"`
	Subtotal      models.Money       `json:"subtotal"`
	Tax           models.Money       `json:"tax"`
	Fee           models.Money       `json:"fee"`
	Total         models.Money       `json:"total"`
}

// Price quotes a scheduled booking.
func Price(a models.Asset, kind models.BookingKind, start, end time.Time) (Quote, error) {
	return quote(a, kind, start, end, 100)
}

// PriceOnDemand quotes an on-demand booking. The surcharge is applied to
// the subtotal before tax and fee are derived from it.
func PriceOnDemand(a models.Asset, kind models.BookingKind, start, end time.Time) (Quote, error) {
	return quote(a, kind, start, end, 100+SurchargePercent)
}

// DurationHours is the whole number of hours in [start, end), rounded down.
func DurationHours(start, end time.Time) int64 {
	return int64(end.Sub(start) / time.Hour)
}

// WeeklyRate returns the weekly rate, or seven days at the daily rate.
func WeeklyRate(r models.RateCard) models.Money {
	if r.Weekly != nil {
		return *r.Weekly
	}
	return r.Daily * 7
}

func quote(a models.Asset, kind models.BookingKind, start, end time.Time, multiplier int64) (Quote, error) {
	if !end.After(start) {
		return Quote{}, apperr.Validation("end %s must be after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	hours := DurationHours(start, end)
	q := Quote{Kind: kind, DurationHours: hours}
	switch kind {
	case models.KindHourly:
		q.Units, q.Rate = hours, a.Rates.Hourly
	case models.KindDaily:
		q.Units, q.Rate = ceilDiv(hours, hoursPerDay), a.Rates.Daily
	case models.KindWeekly:
		q.Units, q.Rate = ceilDiv(hours, hoursPerWeek), WeeklyRate(a.Rates)
	default:
		return Quote{}, apperr.Validation("unknown booking kind %q", kind)
	}
	if q.Rate < 0 {
		return Quote{}, apperr.Validation("negative %s rate on asset %s", kind, a.ID)
	}
	base := q.Rate * models.Money(q.Units)

	// subtotal = base*m/100, tax = subtotal*10/100: fold the multiplier
	// into one integer ratio so the unrounded subtotal feeds tax and fee.
	q.Subtotal = models.MulDiv(base, multiplier, 100)
	q.Tax = models.MulDiv(base, multiplier*TaxPercent, 100*100)
	q.Fee = models.MulDiv(base, multiplier*FeePercent, 100*100)
	q.Total = q.Subtotal + q.Tax + q.Fee
	return q, nil
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
