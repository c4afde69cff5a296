package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/reservation-engine/internal/apperr"
	"github.com/example/reservation-engine/internal/availability"
	"github.com/example/reservation-engine/internal/clock"
	"github.com/example/reservation-engine/internal/dispatch/dispatchtest"
	"github.com/example/reservation-engine/internal/events"
	"github.com/example/reservation-engine/internal/holds"
	"github.com/example/reservation-engine/internal/models"
	"github.com/example/reservation-engine/internal/payments/paymentstest"
	"github.com/example/reservation-engine/internal/settlement"
	"github.com/example/reservation-engine/internal/storage"
)

var (
	t0  = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	day = time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
)

func at(hour int) time.Time { return day.Add(time.Duration(hour) * time.Hour) }

type fixture struct {
	store *storage.MemoryStore
	pay   *paymentstest.Fake
	rec   *dispatchtest.Recorder
	svc   *Service
}

func newFixture(t *testing.T, payoutAccount string) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemoryStore(), pay: paymentstest.New(), rec: &dispatchtest.Recorder{}}
	clk := clock.NewFake(t0)
	f.svc = &Service{
		Store:        f.store,
		Availability: availability.NewLedger(f.store, nil),
		Holds:        holds.NewLedger(f.store, f.pay, f.rec, clk, nil),
		Settlements:  settlement.NewSplitter(f.store, f.pay, f.rec, clk, nil, settlement.DefaultFeePercent),
		Payments:     f.pay,
		Notifier:     f.rec,
		Clock:        clk,
	}
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.SaveOperator(ctx, models.Operator{ID: "op-1", Active: true, Verified: true, PayoutAccount: payoutAccount}); err != nil {
			return err
		}
		return tx.SaveAsset(ctx, models.Asset{
			ID: "boat-1", OwnerID: "op-1", Kind: models.AssetBoat, Name: "Boat #1",
			Rates:     models.RateCard{Hourly: 50000, Daily: 300000},
			Available: true, Verified: true,
		})
	}))
	return f
}

func (f *fixture) reserve(t *testing.T, from, to int) models.Reservation {
	t.Helper()
	r, _, err := f.svc.Reserve(context.Background(), ReserveRequest{
		CustomerID: "c-1", AssetID: "boat-1", Kind: models.KindHourly, Start: at(from), End: at(to),
	})
	require.NoError(t, err)
	return r
}

func TestReserveScenario(t *testing.T) {
	f := newFixture(t, "acct_op1")
	ctx := context.Background()

	r, h, err := f.svc.Reserve(ctx, ReserveRequest{
		CustomerID: "c-1", AssetID: "boat-1", Kind: models.KindHourly, Start: at(10), End: at(14),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), r.DurationHours)
	assert.Equal(t, models.Money(200000), r.Subtotal)
	assert.Equal(t, models.Money(20000), r.Tax)
	assert.Equal(t, models.Money(10000), r.Fee)
	assert.Equal(t, models.Money(230000), r.Total)
	assert.Equal(t, models.ModeScheduled, r.Mode)
	assert.Equal(t, models.ReservationPending, r.Status)
	assert.Equal(t, models.HoldHeld, h.Status)
	assert.Equal(t, h.PaymentIntentID, r.PaymentIntentID)
	assert.Equal(t, 1, f.rec.Count(events.ReservationCreated))

	_, _, err = f.svc.Reserve(ctx, ReserveRequest{
		CustomerID: "c-2", AssetID: "boat-1", Kind: models.KindHourly, Start: at(12), End: at(16),
	})
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	// touching windows do not overlap
	f.reserve(t, 14, 16)
}

func TestReserveValidation(t *testing.T) {
	f := newFixture(t, "acct_op1")
	ctx := context.Background()
	cases := []ReserveRequest{
		{CustomerID: "c-1", AssetID: "boat-1", Kind: models.KindHourly, Start: t0.Add(-time.Hour), End: t0.Add(time.Hour)},
		{CustomerID: "c-1", AssetID: "boat-1", Kind: models.KindHourly, Start: at(14), End: at(10)},
		{CustomerID: "c-1", AssetID: "boat-1", Kind: "monthly", Start: at(10), End: at(14)},
		{AssetID: "boat-1", Kind: models.KindHourly, Start: at(10), End: at(14)},
	}
	for _, req := range cases {
		_, _, err := f.svc.Reserve(ctx, req)
		assert.ErrorIs(t, err, apperr.ErrValidation)
	}
	_, _, err := f.svc.Reserve(ctx, ReserveRequest{
		CustomerID: "c-1", AssetID: "missing", Kind: models.KindHourly, Start: at(10), End: at(14),
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReserveConcurrentSameWindow(t *testing.T) {
	f := newFixture(t, "acct_op1")
	const n = 20
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		ok, refused int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.svc.Reserve(context.Background(), ReserveRequest{
				CustomerID: "c-1", AssetID: "boat-1", Kind: models.KindHourly, Start: at(10), End: at(14),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrUnavailable):
				refused++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, refused)
	assert.Len(t, f.pay.Authorized, 1)
}

func TestReserveAuthorizeFailureLeavesWindowFree(t *testing.T) {
	f := newFixture(t, "acct_op1")
	f.pay.FailAuthorize = true
	_, _, err := f.svc.Reserve(context.Background(), ReserveRequest{
		CustomerID: "c-1", AssetID: "boat-1", Kind: models.KindHourly, Start: at(10), End: at(14),
	})
	assert.ErrorIs(t, err, apperr.ErrExternal)

	free, err := f.svc.Availability.IsAvailable(context.Background(), "boat-1", at(10), at(14))
	require.NoError(t, err)
	assert.True(t, free)
}

func TestAccept(t *testing.T) {
	f := newFixture(t, "acct_op1")
	r := f.reserve(t, 10, 14)
	ctx := context.Background()

	_, err := f.svc.Accept(ctx, "op-other", r.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := f.svc.Accept(ctx, "op-1", r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationConfirmed, got.Status)
	assert.Equal(t, 1, f.rec.Count(events.ReservationAccepted))

	_, err = f.svc.Accept(ctx, "op-1", r.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestRejectReleasesHold(t *testing.T) {
	f := newFixture(t, "acct_op1")
	r := f.reserve(t, 10, 14)
	ctx := context.Background()

	got, err := f.svc.Reject(ctx, "op-1", r.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCancelled, got.Status)
	assert.Equal(t, "rejected by operator", got.CancellationReason)
	assert.Equal(t, []string{r.PaymentIntentID}, f.pay.Cancelled)
	assert.Equal(t, 1, f.rec.Count(events.ReservationRejected))
	assert.Equal(t, 1, f.rec.Count(events.HoldReleased))

	// the window is free again
	f.reserve(t, 10, 14)

	_, err = f.svc.Reject(ctx, "op-1", r.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestCancelHeldReservation(t *testing.T) {
	f := newFixture(t, "acct_op1")
	r := f.reserve(t, 10, 14)
	ctx := context.Background()

	_, err := f.svc.Cancel(ctx, "c-other", r.ID, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := f.svc.Cancel(ctx, "c-1", r.ID, "plans changed")
	require.NoError(t, err)
	assert.Equal(t, models.ReservationCancelled, got.Status)
	assert.Equal(t, models.PaymentRefunded, got.PaymentStatus)
	require.NotNil(t, got.CancelledAt)
	assert.Empty(t, f.pay.Refunds)
	assert.Len(t, f.pay.Cancelled, 1)
}

func TestCapturePaymentSettlesAndCancelRefunds(t *testing.T) {
	f := newFixture(t, "acct_op1")
	r := f.reserve(t, 10, 14)
	ctx := context.Background()
	_, err := f.svc.Accept(ctx, "op-1", r.ID)
	require.NoError(t, err)

	h, st, err := f.svc.CapturePayment(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldCaptured, h.Status)
	assert.Equal(t, models.SettlementCompleted, st.Status)
	assert.Equal(t, models.Money(34500), st.PlatformFee)
	require.Len(t, st.Payees, 1)
	assert.Equal(t, models.Money(195500), st.Payees[0].Amount)
	assert.NotEmpty(t, st.Payees[0].TransferID)

	paid, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, paid.PaymentStatus)

	_, _, err = f.svc.CapturePayment(ctx, r.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	got, err := f.svc.Cancel(ctx, "c-1", r.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, got.PaymentStatus)
	require.Len(t, f.pay.Refunds, 1)
	assert.Equal(t, models.Money(230000), f.pay.Refunds[0].Amount)
	assert.Equal(t, "refund:"+r.ID, f.pay.Refunds[0].IdempotencyKey)
}

func TestCancelRefundFailureKeepsReservation(t *testing.T) {
	f := newFixture(t, "acct_op1")
	r := f.reserve(t, 10, 14)
	ctx := context.Background()
	_, _, err := f.svc.CapturePayment(ctx, r.ID)
	require.NoError(t, err)

	f.pay.FailRefund = true
	_, err = f.svc.Cancel(ctx, "c-1", r.ID, "")
	assert.ErrorIs(t, err, apperr.ErrExternal)

	got, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationPending, got.Status)
	assert.Equal(t, models.PaymentPaid, got.PaymentStatus)
}

func TestCapturePaymentWithoutPayoutAccount(t *testing.T) {
	f := newFixture(t, "")
	r := f.reserve(t, 10, 14)

	h, st, err := f.svc.CapturePayment(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldCaptured, h.Status)
	assert.Equal(t, models.SettlementFailed, st.Status)
	assert.NotEmpty(t, st.FailureReason)
	assert.Equal(t, 1, f.rec.Count(events.SettlementFailed))
}

func TestQuote(t *testing.T) {
	f := newFixture(t, "acct_op1")
	q, err := f.svc.Quote(context.Background(), "boat-1", models.KindDaily, at(10), at(35))
	require.NoError(t, err)
	assert.Equal(t, int64(2), q.Units)
	assert.Equal(t, models.Money(600000), q.Subtotal)
}

func heldHold(t *testing.T, f *fixture, reservationID string) (models.Hold, bool) {
	t.Helper()
	var (
		h     models.Hold
		found bool
	)
	require.NoError(t, f.store.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		h, found, err = tx.FindHeldHold(context.Background(), reservationID)
		return err
	}))
	return h, found
}

func TestCapturePaymentChecksPayeeBeforeCapturing(t *testing.T) {
	f := newFixture(t, "acct_op1")
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.SaveAsset(ctx, models.Asset{
			ID: "boat-2", OwnerID: "op-2", Kind: models.AssetBoat,
			Rates: models.RateCard{Hourly: 50000}, Available: true, Verified: true,
		})
	}))
	r, _, err := f.svc.Reserve(ctx, ReserveRequest{CustomerID: "c-1", AssetID: "boat-2", Kind: models.KindHourly, Start: at(10), End: at(14)})
	require.NoError(t, err)

	_, _, err = f.svc.CapturePayment(ctx, r.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, f.pay.Captured)
	_, found := heldHold(t, f, r.ID)
	assert.True(t, found)
	got, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, got.PaymentStatus)

	require.NoError(t, f.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.SaveOperator(ctx, models.Operator{ID: "op-2", Active: true, Verified: true, PayoutAccount: "acct_op2"})
	}))
	h, st, err := f.svc.CapturePayment(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HoldCaptured, h.Status)
	assert.Equal(t, models.SettlementCompleted, st.Status)
	assert.Len(t, f.pay.Captured, 1)
}

// flakyStore fails the WithTx calls listed in fail, counted from 1.
type flakyStore struct {
	storage.Store
	calls int
	fail  map[int]bool
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.calls++
	if s.fail[s.calls] {
		return errors.New("connection reset")
	}
	return s.Store.WithTx(ctx, fn)
}

func TestCapturePaymentResumesAfterSettlementRecordFails(t *testing.T) {
	f := newFixture(t, "acct_op1")
	r := f.reserve(t, 10, 14)
	ctx := context.Background()

	broken := *f.svc
	flaky := &flakyStore{Store: f.store, fail: map[int]bool{1: true}}
	broken.Settlements = settlement.NewSplitter(flaky, f.pay, f.rec, f.svc.Clock, nil, settlement.DefaultFeePercent)
	_, _, err := broken.CapturePayment(ctx, r.ID)
	require.Error(t, err)

	// the capture stands on its own
	assert.Len(t, f.pay.Captured, 1)
	_, found := heldHold(t, f, r.ID)
	assert.False(t, found)
	paid, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, paid.PaymentStatus)

	h, st, err := f.svc.CapturePayment(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, h.ID)
	assert.Equal(t, models.SettlementCompleted, st.Status)
	assert.Len(t, f.pay.Captured, 1, "retry must not capture again")
	assert.Equal(t, 1, f.rec.Count(events.HoldCaptured))

	_, _, err = f.svc.CapturePayment(ctx, r.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}
