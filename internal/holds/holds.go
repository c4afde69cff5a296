// Package holds manages the money hold behind a reservation:
// held -> captured | released | expired.
package holds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/reservation-engine/internal/apperr"
	"github.com/example/reservation-engine/internal/clock"
	"github.com/example/reservation-engine/internal/dispatch"
	"github.com/example/reservation-engine/internal/events"
	"github.com/example/reservation-engine/internal/models"
	"github.com/example/reservation-engine/internal/observability"
	"github.com/example/reservation-engine/internal/payments"
	"github.com/example/reservation-engine/internal/storage"
)

const (
	DefaultTTL = 7 * 24 * time.Hour
	// SweepBatch caps how many expired holds one sweep pass handles.
	SweepBatch = 500
)

type Ledger struct {
	store    storage.Store
	payments payments.Authority
	notifier dispatch.Notifier
	clock    clock.Clock
	logger   *slog.Logger
}

func NewLedger(store storage.Store, auth payments.Authority, notifier dispatch.Notifier, clk clock.Clock, logger *slog.Logger) *Ledger {
	if notifier == nil {
		notifier = dispatch.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, payments: auth, notifier: notifier, clock: clock.OrReal(clk), logger: logger}
}

// SweepResult summarizes one SweepExpired pass.
type SweepResult struct {
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func (l *Ledger) notify(ctx context.Context, ev events.Event) {
	if err := l.notifier.Notify(ctx, ev); err != nil {
		l.logger.Warn("notify failed", "type", ev.Type, "entity_id", ev.EntityID, "err", err)
	}
}

func (l *Ledger) external(op string, err error) error {
	observability.PaymentAuthorityErr.WithLabelValues(op).Inc()
	return apperr.External(op, err)
}

// CreateHold authorizes r.Total and records a held hold inside the caller's
// transaction. r must already be inserted through tx. If recording fails the
// authorization is cancelled before returning. If the caller's transaction
// fails later, the caller must call Abandon with the returned hold.
func (l *Ledger) CreateHold(ctx context.Context, tx storage.Tx, r models.Reservation, ttl time.Duration) (models.Hold, error) {
	if r.Total < 0 {
		return models.Hold{}, apperr.Validation("negative amount %s", r.Total)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if _, found, err := tx.FindHeldHold(ctx, r.ID); err != nil {
		return models.Hold{}, err
	} else if found {
		return models.Hold{}, apperr.Conflict("reservation %s already has an active hold", r.ID)
	}

	// nothing to authorize for a free window; the hold still tracks state
	var intentID string
	if r.Total > 0 {
		id, err := l.payments.Authorize(ctx, payments.AuthorizeRequest{
			Amount:         r.Total,
			CustomerID:     r.CustomerID,
			ReservationID:  r.ID,
			IdempotencyKey: "hold:" + r.ID,
		})
		if err != nil {
			return models.Hold{}, l.external("authorize", err)
		}
		intentID = id
	}

	now := l.clock.Now()
	h := models.Hold{
		ID:              uuid.NewString(),
		ReservationID:   r.ID,
		PaymentIntentID: intentID,
		Amount:          r.Total,
		Status:          models.HoldHeld,
		ExpiresAt:       now.Add(ttl),
		CreatedAt:       now,
	}
	if err := l.record(ctx, tx, h); err != nil {
		l.Abandon(ctx, h)
		return models.Hold{}, err
	}
	observability.HoldTransitions.WithLabelValues(string(models.HoldHeld)).Inc()
	l.logger.Info("hold created", "hold_id", h.ID, "reservation_id", r.ID, "amount", h.Amount.String(), "expires_at", h.ExpiresAt)
	return h, nil
}

func (l *Ledger) record(ctx context.Context, tx storage.Tx, h models.Hold) error {
	if err := tx.InsertHold(ctx, h); err != nil {
		return fmt.Errorf("insert hold: %w", err)
	}
	r, err := tx.LockReservation(ctx, h.ReservationID)
	if err != nil {
		return err
	}
	r.PaymentIntentID = h.PaymentIntentID
	r.UpdatedAt = h.CreatedAt
	return tx.UpdateReservation(ctx, r)
}

// Abandon cancels the authorization of a hold whose transaction never
// committed.
func (l *Ledger) Abandon(ctx context.Context, h models.Hold) {
	if h.PaymentIntentID == "" {
		return
	}
	if err := l.payments.Cancel(ctx, h.PaymentIntentID); err != nil {
		l.logger.Error("cancel abandoned authorization", "payment_intent_id", h.PaymentIntentID, "err", err)
	}
}

func (l *Ledger) Get(ctx context.Context, holdID string) (models.Hold, error) {
	var h models.Hold
	err := l.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		h, err = tx.GetHold(ctx, holdID)
		return err
	})
	return h, err
}

// Capture settles the hold with the payment authority and marks the
// reservation paid. A failed capture leaves everything as it was.
func (l *Ledger) Capture(ctx context.Context, holdID string) (models.Hold, error) {
	var h models.Hold
	err := l.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		h, err = l.CaptureInTx(ctx, tx, holdID)
		return err
	})
	if err != nil {
		return models.Hold{}, err
	}
	l.notify(ctx, events.NewHoldCaptured(h, l.clock.Now()))
	return h, nil
}

// CaptureInTx is Capture within the caller's transaction. It emits nothing.
func (l *Ledger) CaptureInTx(ctx context.Context, tx storage.Tx, holdID string) (models.Hold, error) {
	h, err := tx.LockHold(ctx, holdID)
	if err != nil {
		return models.Hold{}, err
	}
	if !h.Status.CanTransition(models.HoldCaptured) {
		return models.Hold{}, fmt.Errorf("%w: capture hold %s in status %s", apperr.ErrInvalidState, h.ID, h.Status)
	}
	if h.PaymentIntentID != "" {
		if err := l.payments.Capture(ctx, h.PaymentIntentID); err != nil {
			return models.Hold{}, l.external("capture", err)
		}
	}
	now := l.clock.Now()
	h.Status = models.HoldCaptured
	h.CapturedAt = &now
	if err := tx.UpdateHold(ctx, h); err != nil {
		return models.Hold{}, err
	}
	r, err := tx.LockReservation(ctx, h.ReservationID)
	if err != nil {
		return models.Hold{}, err
	}
	r.PaymentStatus = models.PaymentPaid
	r.UpdatedAt = now
	if err := tx.UpdateReservation(ctx, r); err != nil {
		return models.Hold{}, err
	}
	observability.HoldTransitions.WithLabelValues(string(models.HoldCaptured)).Inc()
	l.logger.Info("hold captured", "hold_id", h.ID, "reservation_id", h.ReservationID)
	return h, nil
}

// Release cancels the authorization, marks the hold released and cancels
// the reservation with its payment marked refunded.
func (l *Ledger) Release(ctx context.Context, holdID string) (models.Hold, error) {
	var (
		h models.Hold
		r models.Reservation
	)
	err := l.store.WithTx(ctx, func(tx storage.Tx) error {
		locked, err := tx.LockHold(ctx, holdID)
		if err != nil {
			return err
		}
		if h, err = l.release(ctx, tx, locked, models.HoldReleased); err != nil {
			return err
		}
		r, err = l.cancelReservation(ctx, tx, h.ReservationID, "payment hold released")
		return err
	})
	if err != nil {
		return models.Hold{}, err
	}
	now := l.clock.Now()
	l.notify(ctx, events.NewHoldReleased(h, now))
	if r.Status == models.ReservationCancelled {
		l.notify(ctx, events.NewReservationCancelled(r, now))
	}
	return h, nil
}

// ReleaseInTx releases the held hold of a reservation, if any, without
// touching the reservation itself. ok is false when nothing was held.
func (l *Ledger) ReleaseInTx(ctx context.Context, tx storage.Tx, reservationID string) (models.Hold, bool, error) {
	h, found, err := tx.FindHeldHold(ctx, reservationID)
	if err != nil || !found {
		return models.Hold{}, false, err
	}
	if h, err = tx.LockHold(ctx, h.ID); err != nil {
		return models.Hold{}, false, err
	}
	h, err = l.release(ctx, tx, h, models.HoldReleased)
	if err != nil {
		return models.Hold{}, false, err
	}
	return h, true, nil
}

func (l *Ledger) release(ctx context.Context, tx storage.Tx, h models.Hold, to models.HoldStatus) (models.Hold, error) {
	if !h.Status.CanTransition(to) {
		return models.Hold{}, fmt.Errorf("%w: move hold %s from %s to %s", apperr.ErrInvalidState, h.ID, h.Status, to)
	}
	if h.PaymentIntentID != "" {
		if err := l.payments.Cancel(ctx, h.PaymentIntentID); err != nil {
			return models.Hold{}, l.external("cancel", err)
		}
	}
	now := l.clock.Now()
	h.Status = to
	h.ReleasedAt = &now
	if err := tx.UpdateHold(ctx, h); err != nil {
		return models.Hold{}, err
	}
	observability.HoldTransitions.WithLabelValues(string(to)).Inc()
	l.logger.Info("hold released", "hold_id", h.ID, "reservation_id", h.ReservationID, "status", to)
	return h, nil
}

// cancelReservation cancels the reservation when its state allows it and
// always records the payment as refunded.
func (l *Ledger) cancelReservation(ctx context.Context, tx storage.Tx, reservationID, reason string) (models.Reservation, error) {
	r, err := tx.LockReservation(ctx, reservationID)
	if err != nil {
		return models.Reservation{}, err
	}
	now := l.clock.Now()
	if r.Status.CanTransition(models.ReservationCancelled) {
		r.Status = models.ReservationCancelled
		r.CancelledAt = &now
		if r.CancellationReason == "" {
			r.CancellationReason = reason
		}
	}
	r.PaymentStatus = models.PaymentRefunded
	r.UpdatedAt = now
	return r, tx.UpdateReservation(ctx, r)
}

// SweepExpired expires every held hold past its ExpiresAt: the
// authorization is cancelled, the hold lands in expired and its
// reservation is cancelled. Each hold commits on its own, so one failure
// does not block the rest. Running it again is a no-op for holds already
// handled.
func (l *Ledger) SweepExpired(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { observability.SweepDuration.Observe(time.Since(start).Seconds()) }()

	now := l.clock.Now()
	var due []models.Hold
	err := l.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		due, err = tx.ExpiredHolds(ctx, now, SweepBatch)
		return err
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("list expired holds: %w", err)
	}

	var res SweepResult
	for _, candidate := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var (
			h       models.Hold
			r       models.Reservation
			skipped bool
		)
		err := l.store.WithTx(ctx, func(tx storage.Tx) error {
			locked, err := tx.LockHold(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if !locked.Expired(l.clock.Now()) {
				skipped = true
				return nil
			}
			if h, err = l.release(ctx, tx, locked, models.HoldExpired); err != nil {
				return err
			}
			r, err = l.cancelReservation(ctx, tx, h.ReservationID, "payment hold expired")
			return err
		})
		switch {
		case err != nil:
			res.Failed++
			l.logger.Error("expire hold", "hold_id", candidate.ID, "err", err)
			if errors.Is(err, context.Canceled) {
				return res, err
			}
		case skipped:
			res.Skipped++
		default:
			res.Expired++
			at := l.clock.Now()
			l.notify(ctx, events.NewHoldExpired(h, at))
			if r.Status == models.ReservationCancelled {
				l.notify(ctx, events.NewReservationCancelled(r, at))
			}
		}
	}
	if len(due) > 0 {
		l.logger.Info("hold sweep finished", "expired", res.Expired, "skipped", res.Skipped, "failed", res.Failed)
	}
	return res, nil
}
