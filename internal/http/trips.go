package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/reservation-engine/internal/apperr"
	"github.com/example/reservation-engine/internal/events"
	"github.com/example/reservation-engine/internal/ingest"
	"github.com/example/reservation-engine/internal/models"
	"github.com/example/reservation-engine/internal/telemetry"
)

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	tr, err := s.Telemetry.Start(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tr)
}

func (s *Server) handleSOS(w http.ResponseWriter, r *http.Request) {
	tr, err := s.Telemetry.MarkEmergencyForReservation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	tr, err := s.Telemetry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// handlePosition accepts a device report. With a publisher configured the
// report is queued and ingested by the consumer; otherwise it is ingested
// inline.
func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var in telemetry.PositionInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	in.TripID = mux.Vars(r)["id"]
	if !(models.Coord{Lat: in.Lat, Lon: in.Lon}).Valid() {
		s.writeError(w, r, apperr.Validation("invalid coordinate %v,%v", in.Lat, in.Lon))
		return
	}

	if s.Positions != nil {
		msg := ingest.PositionMessage{
			TripID: in.TripID, Lat: in.Lat, Lon: in.Lon,
			Speed: in.Speed, Heading: in.Heading, Altitude: in.Altitude, Accuracy: in.Accuracy,
			RecordedAt: in.RecordedAt,
		}
		if err := s.Positions.PublishPosition(r.Context(), msg); err != nil {
			s.writeError(w, r, apperr.External("publish position", err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	p, err := s.Telemetry.Ingest(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	p, ok, err := s.Telemetry.CurrentLocation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, apperr.Validation("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	route, err := s.Telemetry.Route(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"route": route})
}

func (s *Server) handleEndTrip(w http.ResponseWriter, r *http.Request) {
	var end *models.Coord
	if r.ContentLength != 0 {
		var c models.Coord
		if err := decode(r, &c); err != nil {
			s.writeError(w, r, err)
			return
		}
		end = &c
	}
	tr, err := s.Telemetry.End(r.Context(), mux.Vars(r)["id"], end)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	tr, err := s.Telemetry.MarkEmergency(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	tr, err := s.Telemetry.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

var upgrader = websocket.Upgrader{}

// handleTripFeed streams the trip's events to a websocket client until it
// disconnects.
func (s *Server) handleTripFeed(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		http.Error(w, "live feed disabled", http.StatusNotFound)
		return
	}
	id := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "trip_id", id, "err", err)
		return
	}
	unsubscribe := s.Hub.Subscribe(events.TripChannel(id), conn)
	defer func() {
		unsubscribe()
		_ = conn.Close()
	}()
	// the client only listens; reading surfaces its close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
