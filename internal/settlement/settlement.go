// Package settlement divides captured money between the platform and the
// parties that provided the service, then pays them out.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math"
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

const DefaultFeePercent = 15.0

// StaleProcessingAfter is how long a settlement may sit in processing
// before Process takes it over again. Transfer idempotency keys keep the
// takeover from paying anyone twice.
const StaleProcessingAfter = 10 * time.Minute

// Split returns the platform fee (feePercent of total, rounded to the cent)
// and the payee remainder. The payee absorbs any rounding so the two always
// add up to total exactly.
func Split(total models.Money, feePercent float64) (fee, payee models.Money, err error) {
	if total < 0 {
		return 0, 0, apperr.Validation("negative amount %s", total)
	}
	if feePercent < 0 || feePercent > 100 || math.IsNaN(feePercent) {
		return 0, 0, apperr.Validation("fee percent %v out of range", feePercent)
	}
	basisPoints := int64(math.Round(feePercent * 100))
	fee = models.MulDiv(total, basisPoints, 10000)
	return fee, total - fee, nil
}

// Order is the slice of an equipment order a settlement needs.
type Order struct {
	ID            string       `json:"id"`
	VendorID      string       `json:"vendor_id"`
	VendorAccount string       `json:"vendor_account"`
	Total         models.Money `json:"total"`
}

type Splitter struct {
	store      storage.Store
	payments   payments.Authority
	notifier   dispatch.Notifier
	clock      clock.Clock
	logger     *slog.Logger
	feePercent float64
}

func NewSplitter(store storage.Store, auth payments.Authority, notifier dispatch.Notifier, clk clock.Clock, logger *slog.Logger, feePercent float64) *Splitter {
	if notifier == nil {
		notifier = dispatch.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if feePercent < 0 {
		feePercent = DefaultFeePercent
	}
	return &Splitter{store: store, payments: auth, notifier: notifier, clock: clock.OrReal(clk), logger: logger, feePercent: feePercent}
}

func (s *Splitter) newSettlement(subject models.Subject, total models.Money, payee models.Payee) (models.Settlement, error) {
	fee, rest, err := Split(total, s.feePercent)
	if err != nil {
		return models.Settlement{}, err
	}
	payee.Amount = rest
	now := s.clock.Now()
	return models.Settlement{
		ID:          uuid.NewString(),
		Subject:     subject,
		Total:       total,
		PlatformFee: fee,
		Payees:      []models.Payee{payee},
		Status:      models.SettlementPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// CreateForReservation records a pending settlement paying the asset
// operator. The reservation must be paid. Calling it again returns the
// settlement already recorded.
func (s *Splitter) CreateForReservation(ctx context.Context, reservationID string) (models.Settlement, error) {
	var st models.Settlement
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		st, err = s.createForReservation(ctx, tx, reservationID)
		return err
	})
	return st, err
}

func (s *Splitter) createForReservation(ctx context.Context, tx storage.Tx, reservationID string) (models.Settlement, error) {
	subject := models.Subject{Kind: models.SubjectReservation, ID: reservationID}
	if existing, ok, err := tx.FindSettlement(ctx, subject); err != nil || ok {
		return existing, err
	}
	r, err := tx.GetReservation(ctx, reservationID)
	if err != nil {
		return models.Settlement{}, err
	}
	if r.PaymentStatus != models.PaymentPaid {
		return models.Settlement{}, apperr.Conflict("reservation %s payment is %s, not paid", r.ID, r.PaymentStatus)
	}
	op, err := tx.GetOperator(ctx, r.OperatorID)
	if err != nil {
		return models.Settlement{}, err
	}
	st, err := s.newSettlement(subject, r.Total, models.Payee{Role: models.PayeeOperator, PartyID: op.ID, Account: op.PayoutAccount})
	if err != nil {
		return models.Settlement{}, err
	}
	if err := tx.InsertSettlement(ctx, st); err != nil {
		return models.Settlement{}, err
	}
	s.logger.Info("settlement created", "settlement_id", st.ID, "reservation_id", r.ID, "platform_fee", st.PlatformFee.String())
	return st, nil
}

// CreateForOrder records a pending settlement paying the order's vendor.
func (s *Splitter) CreateForOrder(ctx context.Context, o Order) (models.Settlement, error) {
	if o.ID == "" || o.VendorID == "" {
		return models.Settlement{}, apperr.Validation("order id and vendor id are required")
	}
	subject := models.Subject{Kind: models.SubjectOrder, ID: o.ID}
	var st models.Settlement
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		existing, ok, err := tx.FindSettlement(ctx, subject)
		if err != nil {
			return err
		}
		if ok {
			st = existing
			return nil
		}
		st, err = s.newSettlement(subject, o.Total, models.Payee{Role: models.PayeeVendor, PartyID: o.VendorID, Account: o.VendorAccount})
		if err != nil {
			return err
		}
		return tx.InsertSettlement(ctx, st)
	})
	return st, err
}

func (s *Splitter) Get(ctx context.Context, id string) (models.Settlement, error) {
	var st models.Settlement
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		st, err = tx.GetSettlement(ctx, id)
		return err
	})
	return st, err
}

// TransferKey is the idempotency key of one payee transfer. It is stable
// across Process retries so the authority never pays a payee twice.
func TransferKey(settlementID string, p models.Payee) string {
	return fmt.Sprintf("settlement:%s:%s:%s", settlementID, p.Role, p.PartyID)
}

// Process pays every payee that has an amount and no transfer yet. Each
// transfer id is committed as soon as it is known; the first failure marks
// the settlement failed and stops. Only pending or failed settlements can
// be processed, plus processing ones left behind by a crashed or failed
// run for longer than StaleProcessingAfter.
func (s *Splitter) Process(ctx context.Context, id string) (models.Settlement, error) {
	st, err := s.begin(ctx, id)
	if err != nil {
		return models.Settlement{}, err
	}

	var failure error
	for i := range st.Payees {
		p := st.Payees[i]
		if p.Amount <= 0 || p.TransferID != "" {
			continue
		}
		transferID, err := s.pay(ctx, st.ID, p)
		if err != nil {
			failure = err
			break
		}
		if st, err = s.recordTransfer(ctx, st.ID, i, transferID); err != nil {
			failure = err
			break
		}
	}

	st, err = s.finish(ctx, st.ID, failure)
	if err != nil {
		return models.Settlement{}, err
	}
	if failure != nil {
		observability.SettlementsProcessed.WithLabelValues(string(models.SettlementFailed)).Inc()
		s.logger.Warn("settlement failed", "settlement_id", st.ID, "err", failure)
		s.notify(ctx, events.NewSettlementFailed(st, s.clock.Now()))
		return st, failure
	}
	observability.SettlementsProcessed.WithLabelValues(string(models.SettlementCompleted)).Inc()
	s.logger.Info("settlement completed", "settlement_id", st.ID)
	s.notify(ctx, events.NewSettlementCompleted(st, s.clock.Now()))
	return st, nil
}

func (s *Splitter) begin(ctx context.Context, id string) (models.Settlement, error) {
	var st models.Settlement
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if st, err = tx.LockSettlement(ctx, id); err != nil {
			return err
		}
		now := s.clock.Now()
		stale := st.Status == models.SettlementProcessing && now.Sub(st.UpdatedAt) >= StaleProcessingAfter
		if !stale && !st.Status.CanTransition(models.SettlementProcessing) {
			return fmt.Errorf("%w: settlement %s is %s", apperr.ErrInvalidState, st.ID, st.Status)
		}
		if stale {
			s.logger.Warn("taking over stale settlement", "settlement_id", st.ID, "since", st.UpdatedAt)
		}
		st.Status = models.SettlementProcessing
		st.FailureReason = ""
		st.UpdatedAt = now
		if st.Subject.Kind == models.SubjectReservation {
			if err := s.refreshAccounts(ctx, tx, &st); err != nil {
				return err
			}
		}
		return tx.UpdateSettlement(ctx, st)
	})
	return st, err
}

// refreshAccounts fills operator accounts connected after creation.
func (s *Splitter) refreshAccounts(ctx context.Context, tx storage.Tx, st *models.Settlement) error {
	for i, p := range st.Payees {
		if p.Role != models.PayeeOperator || p.Account != "" {
			continue
		}
		op, err := tx.GetOperator(ctx, p.PartyID)
		if err != nil {
			return err
		}
		st.Payees[i].Account = op.PayoutAccount
	}
	return nil
}

func (s *Splitter) pay(ctx context.Context, settlementID string, p models.Payee) (string, error) {
	if p.Account == "" {
		return "", apperr.Validation("%s %s has no payout account", p.Role, p.PartyID)
	}
	id, err := s.payments.Transfer(ctx, payments.TransferRequest{
		Amount:         p.Amount,
		Destination:    p.Account,
		SettlementID:   settlementID,
		IdempotencyKey: TransferKey(settlementID, p),
	})
	if err != nil {
		observability.PaymentAuthorityErr.WithLabelValues("transfer").Inc()
		return "", apperr.External("transfer", err)
	}
	observability.TransfersIssued.Inc()
	return id, nil
}

func (s *Splitter) recordTransfer(ctx context.Context, id string, payee int, transferID string) (models.Settlement, error) {
	var st models.Settlement
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if st, err = tx.LockSettlement(ctx, id); err != nil {
			return err
		}
		st.Payees[payee].TransferID = transferID
		st.UpdatedAt = s.clock.Now()
		return tx.UpdateSettlement(ctx, st)
	})
	return st, err
}

func (s *Splitter) finish(ctx context.Context, id string, failure error) (models.Settlement, error) {
	var st models.Settlement
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if st, err = tx.LockSettlement(ctx, id); err != nil {
			return err
		}
		now := s.clock.Now()
		st.UpdatedAt = now
		if failure != nil {
			st.Status = models.SettlementFailed
			st.FailureReason = failure.Error()
		} else {
			st.Status = models.SettlementCompleted
			st.ProcessedAt = &now
		}
		return tx.UpdateSettlement(ctx, st)
	})
	return st, err
}

func (s *Splitter) notify(ctx context.Context, ev events.Event) {
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.Warn("notify failed", "type", ev.Type, "entity_id", ev.EntityID, "err", err)
	}
}
