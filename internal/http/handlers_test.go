package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/reservation-engine/internal/apperr"
	"github.com/example/reservation-engine/internal/availability"
	"github.com/example/reservation-engine/internal/booking"
	"github.com/example/reservation-engine/internal/cache"
	"github.com/example/reservation-engine/internal/clock"
	"github.com/example/reservation-engine/internal/dispatch"
	"github.com/example/reservation-engine/internal/events"
	"github.com/example/reservation-engine/internal/holds"
	"github.com/example/reservation-engine/internal/ingest"
	"github.com/example/reservation-engine/internal/matcher"
	"github.com/example/reservation-engine/internal/models"
	"github.com/example/reservation-engine/internal/payments/paymentstest"
	"github.com/example/reservation-engine/internal/settlement"
	"github.com/example/reservation-engine/internal/storage"
	"github.com/example/reservation-engine/internal/telemetry"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type env struct {
	srv   *Server
	store *storage.MemoryStore
	hub   *dispatch.WSHub
}

func newEnv(t *testing.T, rps float64, burst int) *env {
	t.Helper()
	logger := quietLogger()
	store := storage.NewMemoryStore()
	pay := paymentstest.New()
	clk := clock.NewFake(t0)
	hub := dispatch.NewWSHub(logger)
	notifier := dispatch.NewFanout(logger, hub)

	avail := availability.NewLedger(store, logger)
	hl := holds.NewLedger(store, pay, notifier, clk, logger)
	splitter := settlement.NewSplitter(store, pay, notifier, clk, logger, settlement.DefaultFeePercent)
	deps := Deps{
		Booking: &booking.Service{
			Store: store, Availability: avail, Holds: hl, Settlements: splitter,
			Payments: pay, Notifier: notifier, Clock: clk, Logger: logger,
		},
		Matcher: &matcher.Service{
			Store: store, Availability: avail, Holds: hl, Notifier: notifier, Clock: clk, Logger: logger,
		},
		Availability: avail,
		Holds:        hl,
		Settlements:  splitter,
		Telemetry:    telemetry.NewService(store, cache.NewMemoryPositions(cache.DefaultTTL), notifier, clk, logger),
		Hub:          hub,
	}

	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.SaveOperator(ctx, models.Operator{ID: "op-1", Active: true, Verified: true, PayoutAccount: "acct_op1"}); err != nil {
			return err
		}
		return tx.SaveAsset(ctx, models.Asset{
			ID: "boat-1", OwnerID: "op-1", Kind: models.AssetBoat, Name: "Boat #1",
			Rates:    models.RateCard{Hourly: 50000, Daily: 300000},
			Position: models.Coord{Lat: 25.76, Lon: -80.19}, Available: true, Verified: true,
		})
	}))
	return &env{srv: NewServer(deps, logger, rps, burst), store: store, hub: hub}
}

func (e *env) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func reserveBody(from, to string) map[string]any {
	return map[string]any{
		"customer_id": "c-1", "asset_id": "boat-1", "kind": "hourly",
		"start": "2024-06-02T" + from + ":00Z", "end": "2024-06-02T" + to + ":00Z",
	}
}

func decodeReservation(t *testing.T, rec *httptest.ResponseRecorder) reservationResponse {
	t.Helper()
	var out reservationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, 0, 0)
	rec := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReservationLifecycle(t *testing.T) {
	e := newEnv(t, 0, 0)

	rec := e.do(t, http.MethodPost, "/api/v1/reservations", reserveBody("10:00", "14:00"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeReservation(t, rec)
	assert.Equal(t, models.Money(230000), created.Reservation.Total)
	require.NotNil(t, created.Hold)
	assert.Equal(t, models.HoldHeld, created.Hold.Status)
	id := created.Reservation.ID

	rec = e.do(t, http.MethodPost, "/api/v1/reservations", reserveBody("12:00", "16:00"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/reservations/"+id+"/accept", nil, operatorHeader, "op-2")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/reservations/"+id+"/accept", nil, operatorHeader, "op-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ReservationConfirmed, decodeReservation(t, rec).Reservation.Status)

	rec = e.do(t, http.MethodPost, "/api/v1/reservations/"+id+"/capture", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var captured struct {
		Hold       models.Hold       `json:"hold"`
		Settlement models.Settlement `json:"settlement"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &captured))
	assert.Equal(t, models.HoldCaptured, captured.Hold.Status)
	assert.Equal(t, models.SettlementCompleted, captured.Settlement.Status)
	assert.Equal(t, models.Money(34500), captured.Settlement.PlatformFee)

	rec = e.do(t, http.MethodGet, "/api/v1/reservations/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.PaymentPaid, decodeReservation(t, rec).Reservation.PaymentStatus)
}

func TestCancelWithReason(t *testing.T) {
	e := newEnv(t, 0, 0)
	rec := e.do(t, http.MethodPost, "/api/v1/reservations", reserveBody("10:00", "12:00"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeReservation(t, rec).Reservation.ID

	rec = e.do(t, http.MethodPost, "/api/v1/reservations/"+id+"/cancel", map[string]string{"reason": "weather"}, customerHeader, "c-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeReservation(t, rec).Reservation
	assert.Equal(t, models.ReservationCancelled, got.Status)
	assert.Equal(t, "weather", got.CancellationReason)
}

func TestErrorsMapToStatus(t *testing.T) {
	e := newEnv(t, 0, 0)

	rec := e.do(t, http.MethodGet, "/api/v1/reservations/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reservations", strings.NewReader("{"))
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "malformed")

	rec = e.do(t, http.MethodGet, "/api/v1/assets/boat-1/availability?start=2024-06-02T10:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(apperr.Validation("x")))
	assert.Equal(t, http.StatusNotFound, statusFor(apperr.NotFound("asset", "a")))
	assert.Equal(t, http.StatusForbidden, statusFor(apperr.Forbidden("no")))
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("wrap: %w", apperr.ErrUnavailable)))
	assert.Equal(t, http.StatusBadGateway, statusFor(apperr.External("capture", errors.New("boom"))))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("unknown")))
}

func TestAvailabilityCalendarAndBlocks(t *testing.T) {
	e := newEnv(t, 0, 0)

	rec := e.do(t, http.MethodPost, "/api/v1/assets/boat-1/blocks", map[string]any{"dates": []string{"2024-06-03"}, "reason": "maintenance"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/v1/assets/boat-1/availability?start=2024-06-03T10:00:00Z&end=2024-06-03T12:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"available":false}`, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/v1/assets/boat-1/calendar?from=2024-06-02&to=2024-06-03", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cal struct {
		Days []availability.Day `json:"days"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cal))
	require.Len(t, cal.Days, 2)
	assert.True(t, cal.Days[0].Available)
	assert.False(t, cal.Days[1].Available)
	assert.Equal(t, "maintenance", cal.Days[1].Reason)

	rec = e.do(t, http.MethodDelete, "/api/v1/assets/boat-1/blocks", map[string]any{"dates": []string{"2024-06-03"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":1}`, rec.Body.String())
}

func TestQuoteEndpoint(t *testing.T) {
	e := newEnv(t, 0, 0)
	rec := e.do(t, http.MethodGet, "/api/v1/assets/boat-1/quote?kind=hourly&start=2024-06-02T10:00:00Z&end=2024-06-02T14:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"total":2300.00`)
}

func TestNearbyAndOnDemand(t *testing.T) {
	e := newEnv(t, 0, 0)

	rec := e.do(t, http.MethodGet, "/api/v1/assets/nearby?lat=25.77&lng=-80.19", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var nearby struct {
		Candidates []matcher.Candidate `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nearby))
	require.Len(t, nearby.Candidates, 1)
	assert.Equal(t, "boat-1", nearby.Candidates[0].Asset.ID)

	rec = e.do(t, http.MethodPost, "/api/v1/reservations/on-demand", map[string]any{
		"asset_id": "boat-1", "pickup": map[string]float64{"lat": 25.77, "lon": -80.19},
	}, customerHeader, "c-9")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decodeReservation(t, rec).Reservation
	assert.Equal(t, "c-9", got.CustomerID)
	assert.Equal(t, models.ModeOnDemand, got.Mode)
}

// confirmedReservation inserts a reservation ready for a trip.
func (e *env) confirmedReservation(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertReservation(ctx, models.Reservation{
			ID: id, CustomerID: "c-1", AssetID: "boat-1", OperatorID: "op-1", Kind: models.KindHourly,
			Start: t0, End: t0.Add(4 * time.Hour), Status: models.ReservationConfirmed, PaymentStatus: models.PaymentPaid,
		})
	}))
}

func TestTripEndpoints(t *testing.T) {
	e := newEnv(t, 0, 0)
	e.confirmedReservation(t, "r-1")

	rec := e.do(t, http.MethodPost, "/api/v1/reservations/r-1/trip", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tr models.TripRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))

	rec = e.do(t, http.MethodGet, "/api/v1/trips/"+tr.ID+"/location", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/trips/"+tr.ID+"/positions", map[string]any{"lat": 25.8, "lng": -80.19, "speed_knots": 12.0})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodPost, "/api/v1/trips/"+tr.ID+"/positions", map[string]any{"lat": 125.8, "lng": -80.19})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/trips/"+tr.ID+"/location", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p models.PositionReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, 25.8, p.Lat)

	rec = e.do(t, http.MethodGet, "/api/v1/trips/"+tr.ID+"/route?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"lat":25.8`)

	rec = e.do(t, http.MethodPost, "/api/v1/trips/"+tr.ID+"/end", map[string]float64{"lat": 25.81, "lon": -80.19})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))
	assert.Equal(t, models.TripCompleted, tr.Status)
	assert.Equal(t, 12.0, tr.MaxSpeedKnots)
}

type fakePublisher struct{ got []ingest.PositionMessage }

func (f *fakePublisher) PublishPosition(_ context.Context, m ingest.PositionMessage) error {
	f.got = append(f.got, m)
	return nil
}

func TestPositionsQueuedWhenPublisherSet(t *testing.T) {
	e := newEnv(t, 0, 0)
	pub := &fakePublisher{}
	e.srv.Positions = pub

	rec := e.do(t, http.MethodPost, "/api/v1/trips/t-9/positions", map[string]any{"lat": 25.8, "lng": -80.19})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, pub.got, 1)
	assert.Equal(t, "t-9", pub.got[0].TripID)
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, 1, 1)
	first := e.do(t, http.MethodGet, "/api/v1/reservations/nope", nil)
	assert.Equal(t, http.StatusNotFound, first.Code)
	second := e.do(t, http.MethodGet, "/api/v1/reservations/nope", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	// unlimited routes stay reachable
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestTripFeedStreamsEvents(t *testing.T) {
	e := newEnv(t, 0, 0)
	e.confirmedReservation(t, "r-1")
	rec := e.do(t, http.MethodPost, "/api/v1/reservations/r-1/trip", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var tr models.TripRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))

	ts := httptest.NewServer(e.srv)
	defer ts.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/trips/"+tr.ID, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return e.hub.Subscribers(events.TripChannel(tr.ID)) == 1 }, time.Second, 10*time.Millisecond)

	rec = e.do(t, http.MethodPost, "/api/v1/trips/"+tr.ID+"/positions", map[string]any{"lat": 25.8, "lng": -80.19})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.PositionUpdated, ev.Type)
}
