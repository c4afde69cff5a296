package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/reservation-engine/internal/apperr"
	"github.com/example/reservation-engine/internal/cache"
	"github.com/example/reservation-engine/internal/clock"
	"github.com/example/reservation-engine/internal/dispatch/dispatchtest"
	"github.com/example/reservation-engine/internal/events"
	"github.com/example/reservation-engine/internal/models"
	"github.com/example/reservation-engine/internal/storage"
)

var (
	t0       = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	marina   = models.Coord{Lat: 25.77, Lon: -80.13}
	boatDock = models.Coord{Lat: 25.76, Lon: -80.19}
)

type fixture struct {
	store *storage.MemoryStore
	rec   *dispatchtest.Recorder
	clk   *clock.Fake
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemoryStore(), rec: &dispatchtest.Recorder{}, clk: clock.NewFake(t0)}
	f.svc = NewService(f.store, cache.NewMemoryPositions(cache.DefaultTTL), f.rec, f.clk, nil)
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.SaveAsset(ctx, models.Asset{
			ID: "boat-1", OwnerID: "op-1", Kind: models.AssetBoat,
			Position: boatDock, Available: true, Verified: true,
		})
	}))
	return f
}

func (f *fixture) reservation(t *testing.T, id string, status models.ReservationStatus, pickup *models.Coord) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertReservation(ctx, models.Reservation{
			ID: id, CustomerID: "c-1", AssetID: "boat-1", OperatorID: "op-1",
			Kind: models.KindHourly, Start: t0, End: t0.Add(4 * time.Hour),
			Status: status, PaymentStatus: models.PaymentPaid, Pickup: pickup,
		})
	}))
}

func (f *fixture) getReservation(t *testing.T, id string) models.Reservation {
	t.Helper()
	var r models.Reservation
	require.NoError(t, f.store.WithTx(context.Background(), func(tx storage.Tx) error {
		var err error
		r, err = tx.GetReservation(context.Background(), id)
		return err
	}))
	return r
}

func (f *fixture) start(t *testing.T) models.TripRecord {
	t.Helper()
	f.reservation(t, "r-1", models.ReservationConfirmed, &marina)
	tr, err := f.svc.Start(context.Background(), "r-1")
	require.NoError(t, err)
	return tr
}

func speed(v float64) *float64 { return &v }

func TestStartUsesPickup(t *testing.T) {
	f := newFixture(t)
	tr := f.start(t)

	assert.Equal(t, models.TripActive, tr.Status)
	assert.Equal(t, marina, tr.Start)
	assert.Equal(t, t0, tr.StartedAt)
	assert.Equal(t, models.ReservationInProgress, f.getReservation(t, "r-1").Status)
	assert.Equal(t, 1, f.rec.Count(events.TripStarted))
}

func TestStartFallsBackToAssetPosition(t *testing.T) {
	f := newFixture(t)
	f.reservation(t, "r-2", models.ReservationConfirmed, nil)
	tr, err := f.svc.Start(context.Background(), "r-2")
	require.NoError(t, err)
	assert.Equal(t, boatDock, tr.Start)
}

func TestStartRequiresConfirmed(t *testing.T) {
	f := newFixture(t)
	f.reservation(t, "r-p", models.ReservationPending, nil)
	_, err := f.svc.Start(context.Background(), "r-p")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	f.start(t)
	_, err = f.svc.Start(context.Background(), "r-1")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestIngestAtStartIsZeroDistance(t *testing.T) {
	f := newFixture(t)
	tr := f.start(t)

	p, err := f.svc.Ingest(context.Background(), PositionInput{TripID: tr.ID, Lat: marina.Lat, Lon: marina.Lon, Speed: speed(0)})
	require.NoError(t, err)
	assert.Zero(t, p.DistanceFromStartNM)
	assert.Equal(t, t0, p.RecordedAt)
	assert.Equal(t, "r-1", p.ReservationID)
	assert.Equal(t, 1, f.rec.Count(events.PositionUpdated))
}

func TestIngestDistanceInNauticalMiles(t *testing.T) {
	f := newFixture(t)
	tr := f.start(t)

	// one degree of latitude on a 3440 NM sphere is 60.04 NM
	p, err := f.svc.Ingest(context.Background(), PositionInput{TripID: tr.ID, Lat: marina.Lat + 1, Lon: marina.Lon})
	require.NoError(t, err)
	assert.Equal(t, 60.04, p.DistanceFromStartNM)

	got, err := f.svc.Get(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 60.04, got.TotalDistanceNM)
}

func TestIngestSpeedFigures(t *testing.T) {
	f := newFixture(t)
	tr := f.start(t)
	ctx := context.Background()

	for i, s := range []*float64{speed(12), nil, speed(12), speed(12)} {
		_, err := f.svc.Ingest(ctx, PositionInput{
			TripID: tr.ID, Lat: marina.Lat + float64(i)*0.001, Lon: marina.Lon,
			Speed: s, RecordedAt: t0.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	got, err := f.svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 12.0, got.MaxSpeedKnots)
	assert.Equal(t, 12.0, got.AverageSpeedKnots)
	assert.Equal(t, int64(3), got.SpeedSamples)

	_, err = f.svc.Ingest(ctx, PositionInput{TripID: tr.ID, Lat: marina.Lat, Lon: marina.Lon, Speed: speed(20), RecordedAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	got, err = f.svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 20.0, got.MaxSpeedKnots)
	assert.Equal(t, 14.0, got.AverageSpeedKnots)
}

func TestRouteBufferIsBounded(t *testing.T) {
	f := newFixture(t)
	tr := f.start(t)
	ctx := context.Background()

	for i := 0; i < 105; i++ {
		_, err := f.svc.Ingest(ctx, PositionInput{
			TripID: tr.ID, Lat: marina.Lat + float64(i)*0.0001, Lon: marina.Lon,
			RecordedAt: t0.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	got, err := f.svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, got.Route, models.RouteBufferSize)
	assert.Equal(t, t0.Add(5*time.Second), got.Route[0].At)
	assert.Equal(t, t0.Add(104*time.Second), got.Route[len(got.Route)-1].At)

	route, err := f.svc.Route(ctx, tr.ID, 0)
	require.NoError(t, err)
	require.Len(t, route, DefaultRouteLimit)
	assert.Equal(t, t0, route[0].At)

	route, err = f.svc.Route(ctx, tr.ID, 3)
	require.NoError(t, err)
	require.Len(t, route, 3)
	assert.True(t, route[1].At.Before(route[2].At))
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t)
	tr := f.start(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, PositionInput{TripID: tr.ID, Lat: 95, Lon: 0})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.Ingest(ctx, PositionInput{Lat: 1, Lon: 1})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.Ingest(ctx, PositionInput{TripID: "missing", Lat: 1, Lon: 1})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCurrentLocationPrefersCacheThenStore(t *testing.T) {
	f := newFixture(t)
	tr := f.start(t)
	ctx := context.Background()

	_, ok, err := f.svc.CurrentLocation(ctx, tr.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := f.svc.Ingest(ctx, PositionInput{TripID: tr.ID, Lat: 25.8, Lon: -80.1})
	require.NoError(t, err)

	got, ok, err := f.svc.CurrentLocation(ctx, tr.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p.ID, got.ID)

	// a cold cache falls back to the stored history
	cold := NewService(f.store, cache.NewMemoryPositions(time.Minute), nil, f.clk, nil)
	got, ok, err = cold.CurrentLocation(ctx, tr.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p.ID, got.ID)

	_, _, err = cold.CurrentLocation(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCurrentLocationIgnoresLateReports(t *testing.T) {
	f := newFixture(t)
	tr := f.start(t)
	ctx := context.Background()

	newer, err := f.svc.Ingest(ctx, PositionInput{TripID: tr.ID, Lat: 25.8, Lon: -80.1, RecordedAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	_, err = f.svc.Ingest(ctx, PositionInput{TripID: tr.ID, Lat: 25.79, Lon: -80.1, RecordedAt: t0})
	require.NoError(t, err)

	got, ok, err := f.svc.CurrentLocation(ctx, tr.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newer.ID, got.ID)

	var stored models.PositionReport
	require.NoError(t, f.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		stored, _, err = tx.LatestPosition(ctx, tr.ID)
		return err
	}))
	assert.Equal(t, stored.ID, got.ID, "cache agrees with the store")
}

func TestEndCompletesTripAndReservation(t *testing.T) {
	f := newFixture(t)
	tr := f.start(t)
	ctx := context.Background()

	for i, s := range []float64{10, 20, 30} {
		_, err := f.svc.Ingest(ctx, PositionInput{
			TripID: tr.ID, Lat: marina.Lat + float64(i+1)*0.01, Lon: marina.Lon,
			Speed: speed(s), RecordedAt: t0.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	last, ok, err := f.svc.CurrentLocation(ctx, tr.ID)
	require.NoError(t, err)
	require.True(t, ok)

	f.clk.Advance(2 * time.Hour)
	end := models.Coord{Lat: 25.9, Lon: -80.1}
	done, err := f.svc.End(ctx, tr.ID, &end)
	require.NoError(t, err)

	assert.Equal(t, models.TripCompleted, done.Status)
	assert.Equal(t, &end, done.End)
	require.NotNil(t, done.EndedAt)
	assert.Equal(t, t0.Add(2*time.Hour), *done.EndedAt)
	assert.Equal(t, last.DistanceFromStartNM, done.TotalDistanceNM)
	assert.Equal(t, 30.0, done.MaxSpeedKnots)
	assert.Equal(t, 20.0, done.AverageSpeedKnots)
	assert.Equal(t, models.ReservationCompleted, f.getReservation(t, "r-1").Status)
	assert.Equal(t, 1, f.rec.Count(events.TripCompleted))

	_, err = f.svc.Ingest(ctx, PositionInput{TripID: tr.ID, Lat: 25.9, Lon: -80.1})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = f.svc.End(ctx, tr.ID, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestEndWithoutReports(t *testing.T) {
	f := newFixture(t)
	tr := f.start(t)

	done, err := f.svc.End(context.Background(), tr.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, done.TotalDistanceNM)
	require.NotNil(t, done.End)
	assert.Equal(t, boatDock, *done.End)
}

func TestEmergencyThenCancel(t *testing.T) {
	f := newFixture(t)
	tr := f.start(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, PositionInput{TripID: tr.ID, Lat: 25.8, Lon: -80.1})
	require.NoError(t, err)

	em, err := f.svc.MarkEmergencyForReservation(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, models.TripEmergency, em.Status)
	evs := f.rec.Events()
	ev := evs[len(evs)-1]
	assert.Equal(t, events.TripEmergency, ev.Type)
	assert.Contains(t, ev.Channels, events.AdminChannel)
	assert.Equal(t, 25.8, ev.Data["lat"])

	// still tracking
	_, err = f.svc.Ingest(ctx, PositionInput{TripID: tr.ID, Lat: 25.81, Lon: -80.1})
	require.NoError(t, err)

	_, err = f.svc.End(ctx, tr.ID, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = f.svc.MarkEmergency(ctx, tr.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	cancelled, err := f.svc.Cancel(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TripCancelled, cancelled.Status)
	assert.Equal(t, models.ReservationCompleted, f.getReservation(t, "r-1").Status, "reservation is not left in progress")

	_, err = f.svc.MarkEmergencyForReservation(ctx, "r-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
