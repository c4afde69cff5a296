package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/reservation-engine/internal/apperr"
	"github.com/example/reservation-engine/internal/availability"
	"github.com/example/reservation-engine/internal/booking"
	"github.com/example/reservation-engine/internal/dispatch"
	"github.com/example/reservation-engine/internal/holds"
	"github.com/example/reservation-engine/internal/ingest"
	"github.com/example/reservation-engine/internal/matcher"
	"github.com/example/reservation-engine/internal/models"
	"github.com/example/reservation-engine/internal/settlement"
	"github.com/example/reservation-engine/internal/telemetry"
)

// Caller identity arrives from the gateway in these headers.
const (
	customerHeader = "X-Customer-ID"
	operatorHeader = "X-Operator-ID"
)

// PositionPublisher queues device reports for asynchronous ingestion.
type PositionPublisher interface {
	PublishPosition(ctx context.Context, m ingest.PositionMessage) error
}

// Deps are the services the API fronts. Positions is optional; without it
// position reports are ingested inline.
type Deps struct {
	Booking      *booking.Service
	Matcher      *matcher.Service
	Availability *availability.Ledger
	Holds        *holds.Ledger
	Settlements  *settlement.Splitter
	Telemetry    *telemetry.Service
	Hub          *dispatch.WSHub
	Positions    PositionPublisher
	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error
}

type Server struct {
	Deps
	logger  *slog.Logger
	limiter *clientLimiter
	mux     *mux.Router
}

// NewServer builds the router. rps <= 0 disables rate limiting.
func NewServer(deps Deps, logger *slog.Logger, rps float64, burst int) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Deps: deps, logger: logger, mux: mux.NewRouter()}
	if rps > 0 {
		s.limiter = newClientLimiter(rps, burst)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/trips/{id}", s.handleTripFeed)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.rateLimitMiddleware)

	api.HandleFunc("/assets/nearby", s.handleNearby).Methods("GET")
	api.HandleFunc("/assets/{id}/availability", s.handleAvailability).Methods("GET")
	api.HandleFunc("/assets/{id}/calendar", s.handleCalendar).Methods("GET")
	api.HandleFunc("/assets/{id}/quote", s.handleQuote).Methods("GET")
	api.HandleFunc("/assets/{id}/blocks", s.handleBlock).Methods("POST")
	api.HandleFunc("/assets/{id}/blocks", s.handleUnblock).Methods("DELETE")

	api.HandleFunc("/reservations", s.handleReserve).Methods("POST")
	api.HandleFunc("/reservations/on-demand", s.handleOnDemand).Methods("POST")
	api.HandleFunc("/reservations/{id}", s.handleGetReservation).Methods("GET")
	api.HandleFunc("/reservations/{id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/reservations/{id}/reject", s.handleReject).Methods("POST")
	api.HandleFunc("/reservations/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/reservations/{id}/capture", s.handleCapture).Methods("POST")
	api.HandleFunc("/reservations/{id}/trip", s.handleStartTrip).Methods("POST")
	api.HandleFunc("/reservations/{id}/sos", s.handleSOS).Methods("POST")

	api.HandleFunc("/holds/sweep", s.handleSweep).Methods("POST")
	api.HandleFunc("/holds/{id}", s.handleGetHold).Methods("GET")
	api.HandleFunc("/holds/{id}/release", s.handleReleaseHold).Methods("POST")

	api.HandleFunc("/settlements/orders", s.handleOrderSettlement).Methods("POST")
	api.HandleFunc("/settlements/{id}", s.handleGetSettlement).Methods("GET")
	api.HandleFunc("/settlements/{id}/process", s.handleProcessSettlement).Methods("POST")

	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{id}/positions", s.handlePosition).Methods("POST")
	api.HandleFunc("/trips/{id}/location", s.handleLocation).Methods("GET")
	api.HandleFunc("/trips/{id}/route", s.handleRoute).Methods("GET")
	api.HandleFunc("/trips/{id}/end", s.handleEndTrip).Methods("POST")
	api.HandleFunc("/trips/{id}/emergency", s.handleEmergency).Methods("POST")
	api.HandleFunc("/trips/{id}/cancel", s.handleCancelTrip).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, apperr.Validation("%s is required", key)
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, apperr.Validation("%s: %v", key, err)
	}
	return t, nil
}

func queryDate(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, apperr.Validation("%s is required", key)
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, apperr.Validation("%s: %v", key, err)
	}
	return t, nil
}

func queryFloat(r *http.Request, key string, required bool) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		if required {
			return 0, apperr.Validation("%s is required", key)
		}
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, apperr.Validation("%s: %v", key, err)
	}
	return f, nil
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	lat, err := queryFloat(r, "lat", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lon, err := queryFloat(r, "lng", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius, err := queryFloat(r, "radius_km", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cands, err := s.Matcher.FindNearby(r.Context(), lat, lon, radius)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if cands == nil {
		cands = []matcher.Candidate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": cands})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	start, err := queryTime(r, "start")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	end, err := queryTime(r, "end")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ok, err := s.Availability.IsAvailable(r.Context(), mux.Vars(r)["id"], start, end)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"available": ok})
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	from, err := queryDate(r, "from")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := queryDate(r, "to")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	days, err := s.Availability.Calendar(r.Context(), mux.Vars(r)["id"], from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": days})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	start, err := queryTime(r, "start")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	end, err := queryTime(r, "end")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	kind := models.BookingKind(r.URL.Query().Get("kind"))
	q, err := s.Booking.Quote(r.Context(), mux.Vars(r)["id"], kind, start, end)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type blockRequest struct {
	Dates  []string `json:"dates"`
	Reason string   `json:"reason,omitempty"`
}

func (b blockRequest) days() ([]time.Time, error) {
	if len(b.Dates) == 0 {
		return nil, apperr.Validation("dates are required")
	}
	out := make([]time.Time, 0, len(b.Dates))
	for _, d := range b.Dates {
		t, err := time.Parse(time.DateOnly, d)
		if err != nil {
			return nil, apperr.Validation("date %q: %v", d, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	days, err := req.days()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Availability.BlockDates(r.Context(), mux.Vars(r)["id"], days, req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	days, err := req.days()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.Availability.UnblockDates(r.Context(), mux.Vars(r)["id"], days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

type reservationResponse struct {
	Reservation models.Reservation `json:"reservation"`
	Hold        *models.Hold       `json:"hold,omitempty"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req booking.ReserveRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if id := r.Header.Get(customerHeader); id != "" {
		req.CustomerID = id
	}
	res, h, err := s.Booking.Reserve(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reservationResponse{Reservation: res, Hold: &h})
}

func (s *Server) handleOnDemand(w http.ResponseWriter, r *http.Request) {
	var req matcher.OnDemandRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if id := r.Header.Get(customerHeader); id != "" {
		req.CustomerID = id
	}
	res, h, err := s.Matcher.CreateOnDemand(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reservationResponse{Reservation: res, Hold: &h})
}

func (s *Server) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.Booking.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationResponse{Reservation: res})
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

// optionalReason reads a reason body when one was sent.
func optionalReason(r *http.Request) (string, error) {
	if r.ContentLength == 0 {
		return "", nil
	}
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		return "", err
	}
	return req.Reason, nil
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	res, err := s.Booking.Accept(r.Context(), r.Header.Get(operatorHeader), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationResponse{Reservation: res})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	reason, err := optionalReason(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Booking.Reject(r.Context(), r.Header.Get(operatorHeader), mux.Vars(r)["id"], reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationResponse{Reservation: res})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	reason, err := optionalReason(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Booking.Cancel(r.Context(), r.Header.Get(customerHeader), mux.Vars(r)["id"], reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationResponse{Reservation: res})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	h, st, err := s.Booking.CapturePayment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hold": h, "settlement": st})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.Holds.SweepExpired(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetHold(w http.ResponseWriter, r *http.Request) {
	h, err := s.Holds.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleReleaseHold(w http.ResponseWriter, r *http.Request) {
	h, err := s.Holds.Release(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleOrderSettlement(w http.ResponseWriter, r *http.Request) {
	var o settlement.Order
	if err := decode(r, &o); err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.Settlements.CreateForOrder(r.Context(), o)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	st, err := s.Settlements.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleProcessSettlement(w http.ResponseWriter, r *http.Request) {
	st, err := s.Settlements.Process(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
