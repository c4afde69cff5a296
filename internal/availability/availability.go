// Package availability decides whether an asset can be reserved for a
// window and renders its per-day calendar.
package availability

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/reservation-engine/internal/apperr"
	"github.com/example/reservation-engine/internal/models"
	"github.com/example/reservation-engine/internal/storage"
)

// MaxCalendarDays bounds a single Calendar request.
const MaxCalendarDays = 366

const reasonBooked = "Booked"

// Day is one calendar entry.
type Day struct {
	Date      string `json:"date"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

type Ledger struct {
	store  storage.Store
	logger *slog.Logger
}

func NewLedger(store storage.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect:
// b starts inside a, b ends inside a, or b contains a. Touching endpoints
// do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	startsInside := !bStart.Before(aStart) && bStart.Before(aEnd)
	endsInside := bEnd.After(aStart) && !bEnd.After(aEnd)
	contains := !bStart.After(aStart) && !bEnd.Before(aEnd)
	return startsInside || endsInside || contains
}

func validWindow(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return apperr.Validation("start and end are required")
	}
	if !end.After(start) {
		return apperr.Validation("end %s must be after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return nil
}

// IsAvailable checks the window in its own transaction. Callers that go on
// to write a reservation must use Check inside their transaction instead,
// after locking the asset.
func (l *Ledger) IsAvailable(ctx context.Context, assetID string, start, end time.Time) (bool, error) {
	if err := validWindow(start, end); err != nil {
		return false, err
	}
	var ok bool
	err := l.store.WithTx(ctx, func(tx storage.Tx) error {
		a, err := tx.GetAsset(ctx, assetID)
		if err != nil {
			return err
		}
		ok, err = l.Check(ctx, tx, a, start, end)
		return err
	})
	return ok, err
}

// Check evaluates availability of a against the reservations and blocks
// visible to tx.
func (l *Ledger) Check(ctx context.Context, tx storage.Tx, a models.Asset, start, end time.Time) (bool, error) {
	if err := validWindow(start, end); err != nil {
		return false, err
	}
	if !a.Bookable() {
		return false, nil
	}
	existing, err := tx.ReservationsInWindow(ctx, a.ID, start, end)
	if err != nil {
		return false, err
	}
	for _, r := range existing {
		if r.Blocking() && Overlaps(r.Start, r.End, start, end) {
			l.logger.Debug("window overlaps reservation", "asset_id", a.ID, "reservation_id", r.ID)
			return false, nil
		}
	}
	blocks, err := tx.BlocksInRange(ctx, a.ID, start, end)
	if err != nil {
		return false, err
	}
	for _, b := range blocks {
		if b.Available {
			continue
		}
		from, to := b.Covers()
		if Overlaps(from, to, start, end) {
			return false, nil
		}
	}
	return true, nil
}

// Calendar renders every day from the day of from through the day of to,
// both inclusive. An explicit block decides its day; otherwise a day is
// unavailable when a live reservation touches it.
func (l *Ledger) Calendar(ctx context.Context, assetID string, from, to time.Time) ([]Day, error) {
	first, last := models.Day(from), models.Day(to)
	if last.Before(first) {
		return nil, apperr.Validation("calendar end %s is before start %s", last.Format(time.DateOnly), first.Format(time.DateOnly))
	}
	n := int(last.Sub(first)/(24*time.Hour)) + 1
	if n > MaxCalendarDays {
		return nil, apperr.Validation("calendar spans %d days, max %d", n, MaxCalendarDays)
	}
	windowEnd := last.Add(24 * time.Hour)

	var (
		asset        models.Asset
		reservations []models.Reservation
		blocks       []models.AvailabilityBlock
	)
	err := l.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if asset, err = tx.GetAsset(ctx, assetID); err != nil {
			return err
		}
		if reservations, err = tx.ReservationsInWindow(ctx, assetID, first, windowEnd); err != nil {
			return err
		}
		blocks, err = tx.BlocksInRange(ctx, assetID, first, windowEnd)
		return err
	})
	if err != nil {
		return nil, err
	}

	byDay := make(map[string]models.AvailabilityBlock, len(blocks))
	for _, b := range blocks {
		byDay[models.Day(b.Date).Format(time.DateOnly)] = b
	}

	out := make([]Day, 0, n)
	for d := first; !d.After(last); d = d.Add(24 * time.Hour) {
		key := d.Format(time.DateOnly)
		if b, ok := byDay[key]; ok {
			out = append(out, Day{Date: key, Available: b.Available, Reason: b.Reason})
			continue
		}
		booked := false
		for _, r := range reservations {
			if r.Blocking() && Overlaps(d, d.Add(24*time.Hour), r.Start, r.End) {
				booked = true
				break
			}
		}
		day := Day{Date: key, Available: !booked && asset.Available}
		if booked {
			day.Reason = reasonBooked
		}
		out = append(out, day)
	}
	return out, nil
}

// BlockDates marks each date unavailable. Re-blocking a date overwrites
// its reason.
func (l *Ledger) BlockDates(ctx context.Context, assetID string, dates []time.Time, reason string) error {
	if len(dates) == 0 {
		return apperr.Validation("no dates to block")
	}
	err := l.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.LockAsset(ctx, assetID); err != nil {
			return err
		}
		for _, d := range dates {
			b := models.AvailabilityBlock{AssetID: assetID, Date: models.Day(d), Available: false, Reason: reason}
			if err := tx.UpsertBlock(ctx, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.logger.Info("dates blocked", "asset_id", assetID, "count", len(dates))
	return nil
}

// UnblockDates removes any block on the given dates and reports how many
// were removed.
func (l *Ledger) UnblockDates(ctx context.Context, assetID string, dates []time.Time) (int, error) {
	if len(dates) == 0 {
		return 0, apperr.Validation("no dates to unblock")
	}
	var n int
	err := l.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.LockAsset(ctx, assetID); err != nil {
			return err
		}
		var err error
		n, err = tx.DeleteBlocks(ctx, assetID, dates)
		return err
	})
	return n, err
}
