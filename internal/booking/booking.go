// Package booking runs the scheduled reservation lifecycle: reserve,
// operator accept or reject, cancel, and payment capture into settlement.
package booking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/reservation-engine/internal/apperr"
	"github.com/example/reservation-engine/internal/availability"
	"github.com/example/reservation-engine/internal/clock"
	"github.com/example/reservation-engine/internal/dispatch"
	"github.com/example/reservation-engine/internal/events"
	"github.com/example/reservation-engine/internal/holds"
	"github.com/example/reservation-engine/internal/models"
	"github.com/example/reservation-engine/internal/observability"
	"github.com/example/reservation-engine/internal/payments"
	"github.com/example/reservation-engine/internal/pricing"
	"github.com/example/reservation-engine/internal/settlement"
	"github.com/example/reservation-engine/internal/storage"
)

type ReserveRequest struct {
	CustomerID string             `json:"customer_id"`
	AssetID    string             `json:"asset_id"`
	Kind       models.BookingKind `json:"kind"`
	Start      time.Time          `json:"start"`
	End        time.Time          `json:"end"`
}

func (r ReserveRequest) validate(now time.Time) error {
	if r.CustomerID == "" || r.AssetID == "" {
		return apperr.Validation("customer_id and asset_id are required")
	}
	if !r.Kind.Valid() {
		return apperr.Validation("unknown booking kind %q", r.Kind)
	}
	if !r.End.After(r.Start) {
		return apperr.Validation("end must be after start")
	}
	if r.Start.Before(now) {
		return apperr.Validation("start is in the past")
	}
	return nil
}

type Service struct {
	Store        storage.Store
	Availability *availability.Ledger
	Holds        *holds.Ledger
	Settlements  *settlement.Splitter
	Payments     payments.Authority
	Notifier     dispatch.Notifier
	Clock        clock.Clock
	Logger       *slog.Logger
	HoldTTL      time.Duration
}

func (s *Service) now() time.Time { return clock.OrReal(s.Clock).Now() }

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) notify(ctx context.Context, evs ...events.Event) {
	if s.Notifier == nil {
		return
	}
	for _, ev := range evs {
		if err := s.Notifier.Notify(ctx, ev); err != nil {
			s.logger().Warn("notify failed", "type", ev.Type, "entity_id", ev.EntityID, "err", err)
		}
	}
}

// Quote prices a window without reserving it.
func (s *Service) Quote(ctx context.Context, assetID string, kind models.BookingKind, start, end time.Time) (pricing.Quote, error) {
	var a models.Asset
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		a, err = tx.GetAsset(ctx, assetID)
		return err
	})
	if err != nil {
		return pricing.Quote{}, err
	}
	return pricing.Price(a, kind, start, end)
}

// Reserve books a scheduled window. Availability, pricing, the reservation
// insert and the hold all happen under the asset lock in one transaction.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (models.Reservation, models.Hold, error) {
	now := s.now()
	if err := req.validate(now); err != nil {
		return models.Reservation{}, models.Hold{}, err
	}
	var (
		r models.Reservation
		h models.Hold
	)
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		a, err := tx.LockAsset(ctx, req.AssetID)
		if err != nil {
			return err
		}
		ok, err := s.Availability.Check(ctx, tx, a, req.Start, req.End)
		if err != nil {
			return err
		}
		if !ok {
			observability.AvailabilityRejections.Inc()
			return fmt.Errorf("%w: asset %s from %s to %s", apperr.ErrUnavailable, a.ID,
				req.Start.Format(time.RFC3339), req.End.Format(time.RFC3339))
		}
		q, err := pricing.Price(a, req.Kind, req.Start, req.End)
		if err != nil {
			return err
		}
		r = models.Reservation{
			ID:            uuid.NewString(),
			CustomerID:    req.CustomerID,
			AssetID:       a.ID,
			OperatorID:    a.OwnerID,
			Kind:          req.Kind,
			Mode:          models.ModeScheduled,
			Start:         req.Start,
			End:           req.End,
			DurationHours: q.DurationHours,
			Rate:          q.Rate,
			Subtotal:      q.Subtotal,
			Tax:           q.Tax,
			Fee:           q.Fee,
			Total:         q.Total,
			Status:        models.ReservationPending,
			PaymentStatus: models.PaymentPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.InsertReservation(ctx, r); err != nil {
			return err
		}
		if h, err = s.Holds.CreateHold(ctx, tx, r, s.HoldTTL); err != nil {
			return err
		}
		r.PaymentIntentID = h.PaymentIntentID
		return nil
	})
	if err != nil {
		if h.ID != "" {
			s.Holds.Abandon(ctx, h)
		}
		return models.Reservation{}, models.Hold{}, err
	}
	observability.ReservationsCreated.WithLabelValues(string(models.ModeScheduled)).Inc()
	s.logger().Info("reservation created", "reservation_id", r.ID, "asset_id", r.AssetID, "total", r.Total.String())
	s.notify(ctx, events.NewReservationCreated(r, now))
	return r, h, nil
}

func (s *Service) Get(ctx context.Context, id string) (models.Reservation, error) {
	var r models.Reservation
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		r, err = tx.GetReservation(ctx, id)
		return err
	})
	return r, err
}

func lockOwned(ctx context.Context, tx storage.Tx, id, operatorID string) (models.Reservation, error) {
	r, err := tx.LockReservation(ctx, id)
	if err != nil {
		return models.Reservation{}, err
	}
	if r.OperatorID != operatorID {
		return models.Reservation{}, apperr.Forbidden("operator %s does not own reservation %s", operatorID, id)
	}
	return r, nil
}

// Accept confirms a pending reservation on behalf of its operator.
func (s *Service) Accept(ctx context.Context, operatorID, reservationID string) (models.Reservation, error) {
	now := s.now()
	var r models.Reservation
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if r, err = lockOwned(ctx, tx, reservationID, operatorID); err != nil {
			return err
		}
		if !r.Status.CanTransition(models.ReservationConfirmed) {
			return fmt.Errorf("%w: accept reservation %s in status %s", apperr.ErrInvalidState, r.ID, r.Status)
		}
		r.Status = models.ReservationConfirmed
		r.UpdatedAt = now
		return tx.UpdateReservation(ctx, r)
	})
	if err != nil {
		return models.Reservation{}, err
	}
	s.logger().Info("reservation accepted", "reservation_id", r.ID, "operator_id", operatorID)
	s.notify(ctx, events.NewReservationAccepted(r, now))
	return r, nil
}

// Reject declines a pending reservation and gives the money back.
func (s *Service) Reject(ctx context.Context, operatorID, reservationID, reason string) (models.Reservation, error) {
	if reason == "" {
		reason = "rejected by operator"
	}
	now := s.now()
	var (
		r        models.Reservation
		h        models.Hold
		released bool
	)
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if r, err = lockOwned(ctx, tx, reservationID, operatorID); err != nil {
			return err
		}
		if r.Status != models.ReservationPending {
			return fmt.Errorf("%w: reject reservation %s in status %s", apperr.ErrInvalidState, r.ID, r.Status)
		}
		if h, released, err = s.releaseOrRefund(ctx, tx, r); err != nil {
			return err
		}
		markCancelled(&r, now, reason)
		return tx.UpdateReservation(ctx, r)
	})
	if err != nil {
		return models.Reservation{}, err
	}
	s.logger().Info("reservation rejected", "reservation_id", r.ID, "operator_id", operatorID, "reason", reason)
	s.notify(ctx, events.NewReservationRejected(r, now))
	if released {
		s.notify(ctx, events.NewHoldReleased(h, now))
	}
	return r, nil
}

func markCancelled(r *models.Reservation, now time.Time, reason string) {
	r.Status = models.ReservationCancelled
	r.CancelledAt = &now
	r.CancellationReason = reason
	if r.PaymentStatus == models.PaymentPending || r.PaymentStatus == models.PaymentPaid {
		r.PaymentStatus = models.PaymentRefunded
	}
	r.UpdatedAt = now
}

// Cancel cancels a reservation on behalf of its customer. A held hold is
// released; a captured payment is refunded in full.
func (s *Service) Cancel(ctx context.Context, customerID, reservationID, reason string) (models.Reservation, error) {
	if reason == "" {
		reason = "cancelled by customer"
	}
	now := s.now()
	var (
		r        models.Reservation
		h        models.Hold
		released bool
	)
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if r, err = tx.LockReservation(ctx, reservationID); err != nil {
			return err
		}
		if r.CustomerID != customerID {
			return apperr.Forbidden("customer %s does not own reservation %s", customerID, reservationID)
		}
		if !r.Status.CanTransition(models.ReservationCancelled) {
			return fmt.Errorf("%w: cancel reservation %s in status %s", apperr.ErrInvalidState, r.ID, r.Status)
		}
		if h, released, err = s.releaseOrRefund(ctx, tx, r); err != nil {
			return err
		}
		markCancelled(&r, now, reason)
		return tx.UpdateReservation(ctx, r)
	})
	if err != nil {
		return models.Reservation{}, err
	}
	s.logger().Info("reservation cancelled", "reservation_id", r.ID, "reason", reason)
	s.notify(ctx, events.NewReservationCancelled(r, now))
	if released {
		s.notify(ctx, events.NewHoldReleased(h, now))
	}
	return r, nil
}

// releaseOrRefund gives the customer's money back: a held hold is
// released, a captured payment refunded.
func (s *Service) releaseOrRefund(ctx context.Context, tx storage.Tx, r models.Reservation) (models.Hold, bool, error) {
	h, released, err := s.Holds.ReleaseInTx(ctx, tx, r.ID)
	if err != nil || released {
		return h, released, err
	}
	if r.PaymentStatus == models.PaymentPaid && r.PaymentIntentID != "" {
		if err := s.refund(ctx, r); err != nil {
			return models.Hold{}, false, err
		}
	}
	return models.Hold{}, false, nil
}

func (s *Service) refund(ctx context.Context, r models.Reservation) error {
	id, err := s.Payments.Refund(ctx, payments.RefundRequest{
		IntentID:       r.PaymentIntentID,
		Amount:         r.Total,
		IdempotencyKey: "refund:" + r.ID,
	})
	if err != nil {
		observability.PaymentAuthorityErr.WithLabelValues("refund").Inc()
		return apperr.External("refund", err)
	}
	s.logger().Info("payment refunded", "reservation_id", r.ID, "refund_id", id, "amount", r.Total.String())
	return nil
}

// CapturePayment captures the reservation's held hold, then records and
// pays out its settlement. The capture commits on its own, after checking
// the operator to be paid exists; if recording the settlement fails a retry
// skips the capture and picks up from there, returning a zero hold.
// A failed payout leaves the settlement failed for a later retry; it does
// not fail the capture.
func (s *Service) CapturePayment(ctx context.Context, reservationID string) (models.Hold, models.Settlement, error) {
	var (
		h       models.Hold
		resumed bool
	)
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		held, found, err := tx.FindHeldHold(ctx, reservationID)
		if err != nil {
			return err
		}
		if !found {
			_, settled, err := tx.FindSettlement(ctx, models.Subject{Kind: models.SubjectReservation, ID: reservationID})
			if err != nil {
				return err
			}
			if r.PaymentStatus == models.PaymentPaid && !settled {
				resumed = true
				return nil
			}
			return fmt.Errorf("%w: reservation %s has no held payment", apperr.ErrInvalidState, reservationID)
		}
		if _, err := tx.GetOperator(ctx, r.OperatorID); err != nil {
			return err
		}
		h, err = s.Holds.CaptureInTx(ctx, tx, held.ID)
		return err
	})
	if err != nil {
		return models.Hold{}, models.Settlement{}, err
	}
	if resumed {
		s.logger().Info("resuming settlement of captured reservation", "reservation_id", reservationID)
	} else {
		s.notify(ctx, events.NewHoldCaptured(h, s.now()))
	}

	st, err := s.Settlements.CreateForReservation(ctx, reservationID)
	if err != nil {
		return h, models.Settlement{}, err
	}
	processed, err := s.Settlements.Process(ctx, st.ID)
	if err != nil {
		s.logger().Warn("settlement payout failed", "settlement_id", st.ID, "reservation_id", reservationID, "err", err)
		if processed.ID == "" {
			return h, st, nil
		}
	}
	return h, processed, nil
}
