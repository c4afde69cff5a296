// Package telemetry turns a moving asset's position stream into a trip
// record with derived distance and speed figures.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/reservation-engine/internal/apperr"
	"github.com/example/reservation-engine/internal/cache"
	"github.com/example/reservation-engine/internal/clock"
	"github.com/example/reservation-engine/internal/dispatch"
	"github.com/example/reservation-engine/internal/events"
	"github.com/example/reservation-engine/internal/geo"
	"github.com/example/reservation-engine/internal/models"
	"github.com/example/reservation-engine/internal/observability"
	"github.com/example/reservation-engine/internal/storage"
)

// DefaultRouteLimit bounds Route when the caller passes no limit.
const DefaultRouteLimit = 100

// PositionInput is one device report before it is attached to a trip.
type PositionInput struct {
	TripID     string    `json:"trip_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lng"`
	Speed      *float64  `json:"speed_knots,omitempty"`
	Heading    *float64  `json:"heading_degrees,omitempty"`
	Altitude   *float64  `json:"altitude_meters,omitempty"`
	Accuracy   *float64  `json:"accuracy_meters,omitempty"`
	RecordedAt time.Time `json:"recorded_at,omitempty"`
}

type Service struct {
	store     storage.Store
	positions cache.Positions
	notifier  dispatch.Notifier
	clock     clock.Clock
	logger    *slog.Logger
}

func NewService(store storage.Store, positions cache.Positions, notifier dispatch.Notifier, clk clock.Clock, logger *slog.Logger) *Service {
	if positions == nil {
		positions = cache.NewMemoryPositions(cache.DefaultTTL)
	}
	if notifier == nil {
		notifier = dispatch.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, positions: positions, notifier: notifier, clock: clock.OrReal(clk), logger: logger}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *Service) notify(ctx context.Context, ev events.Event) {
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.Warn("notify failed", "type", ev.Type, "entity_id", ev.EntityID, "err", err)
	}
}

// Start opens a trip for a confirmed reservation and moves the reservation
// to in_progress. The trip starts at the pickup point when one was given,
// otherwise at the asset's position.
func (s *Service) Start(ctx context.Context, reservationID string) (models.TripRecord, error) {
	now := s.clock.Now()
	var tr models.TripRecord
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		r, err := tx.LockReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if !r.Status.CanTransition(models.ReservationInProgress) {
			return fmt.Errorf("%w: reservation %s is %s", apperr.ErrInvalidState, r.ID, r.Status)
		}
		if _, found, err := tx.FindTrackingTrip(ctx, r.ID); err != nil {
			return err
		} else if found {
			return apperr.Conflict("reservation %s already has a trip in progress", r.ID)
		}
		a, err := tx.GetAsset(ctx, r.AssetID)
		if err != nil {
			return err
		}
		start := a.Position
		if r.Pickup != nil {
			start = *r.Pickup
		}
		tr = models.TripRecord{
			ID:            uuid.NewString(),
			ReservationID: r.ID,
			AssetID:       a.ID,
			Start:         start,
			Status:        models.TripActive,
			Route:         models.RouteBuffer{},
			StartedAt:     now,
		}
		if err := tx.InsertTrip(ctx, tr); err != nil {
			return err
		}
		r.Status = models.ReservationInProgress
		r.UpdatedAt = now
		return tx.UpdateReservation(ctx, r)
	})
	if err != nil {
		return models.TripRecord{}, err
	}
	observability.ActiveTrips.Inc()
	s.logger.Info("trip started", "trip_id", tr.ID, "reservation_id", tr.ReservationID, "asset_id", tr.AssetID)
	s.notify(ctx, events.NewTripStarted(tr, now))
	return tr, nil
}

// Ingest records one position report against a tracking trip and refreshes
// the trip summary.
func (s *Service) Ingest(ctx context.Context, in PositionInput) (models.PositionReport, error) {
	if in.TripID == "" {
		return models.PositionReport{}, apperr.Validation("trip_id is required")
	}
	pos := models.Coord{Lat: in.Lat, Lon: in.Lon}
	if !pos.Valid() {
		return models.PositionReport{}, apperr.Validation("invalid coordinate %v,%v", in.Lat, in.Lon)
	}
	if in.Speed != nil && *in.Speed < 0 {
		return models.PositionReport{}, apperr.Validation("negative speed")
	}
	if in.RecordedAt.IsZero() {
		in.RecordedAt = s.clock.Now()
	}

	var p models.PositionReport
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		tr, err := tx.LockTrip(ctx, in.TripID)
		if err != nil {
			return err
		}
		if !tr.Status.Tracking() {
			return fmt.Errorf("%w: trip %s is %s", apperr.ErrInvalidState, tr.ID, tr.Status)
		}
		p = models.PositionReport{
			ID:                  uuid.NewString(),
			TripID:              tr.ID,
			ReservationID:       tr.ReservationID,
			Lat:                 in.Lat,
			Lon:                 in.Lon,
			Speed:               in.Speed,
			Heading:             in.Heading,
			Altitude:            in.Altitude,
			Accuracy:            in.Accuracy,
			DistanceFromStartNM: round2(geo.HaversineNM(tr.Start, pos)),
			RecordedAt:          in.RecordedAt,
		}
		if err := tx.AppendPosition(ctx, p); err != nil {
			return err
		}

		tr.Route = tr.Route.Push(models.RoutePoint{
			Lat: p.Lat, Lon: p.Lon, Speed: p.Speed, Heading: p.Heading, At: p.RecordedAt,
		}, models.RouteBufferSize)
		tr.TotalDistanceNM = p.DistanceFromStartNM
		speed := 0.0
		if p.Speed != nil {
			speed = *p.Speed
			tr.SpeedSum += speed
			tr.SpeedSamples++
			tr.AverageSpeedKnots = round2(tr.SpeedSum / float64(tr.SpeedSamples))
		}
		tr.MaxSpeedKnots = math.Max(tr.MaxSpeedKnots, speed)
		return tx.UpdateTrip(ctx, tr)
	})
	if err != nil {
		return models.PositionReport{}, err
	}

	observability.PositionsIngested.Inc()
	if err := s.positions.Put(ctx, p); err != nil {
		s.logger.Warn("cache position", "trip_id", p.TripID, "err", err)
	}
	s.notify(ctx, events.NewPositionUpdated(p))
	return p, nil
}

// CurrentLocation returns the latest known position of a trip, reading the
// cache before the store.
func (s *Service) CurrentLocation(ctx context.Context, tripID string) (models.PositionReport, bool, error) {
	p, ok, err := s.positions.Latest(ctx, tripID)
	if err != nil {
		s.logger.Warn("read cached position", "trip_id", tripID, "err", err)
	} else if ok {
		return p, true, nil
	}
	var found bool
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetTrip(ctx, tripID); err != nil {
			return err
		}
		var err error
		p, found, err = tx.LatestPosition(ctx, tripID)
		return err
	})
	if err != nil {
		return models.PositionReport{}, false, err
	}
	return p, found, nil
}

// End completes an active trip. Distance comes from the last report and the
// speed figures are recomputed from the full history. The reservation moves
// to completed.
func (s *Service) End(ctx context.Context, tripID string, endPos *models.Coord) (models.TripRecord, error) {
	if endPos != nil && !endPos.Valid() {
		return models.TripRecord{}, apperr.Validation("invalid end coordinate")
	}
	now := s.clock.Now()
	var tr models.TripRecord
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if tr, err = tx.LockTrip(ctx, tripID); err != nil {
			return err
		}
		if !tr.Status.CanTransition(models.TripCompleted) {
			return fmt.Errorf("%w: trip %s is %s", apperr.ErrInvalidState, tr.ID, tr.Status)
		}
		end := endPos
		if end == nil {
			a, err := tx.GetAsset(ctx, tr.AssetID)
			if err != nil {
				return err
			}
			end = &a.Position
		}
		history, err := tx.Positions(ctx, tr.ID, 0)
		if err != nil {
			return err
		}
		summarize(&tr, history)
		tr.End = end
		tr.Status = models.TripCompleted
		tr.EndedAt = &now
		if err := tx.UpdateTrip(ctx, tr); err != nil {
			return err
		}

		r, err := tx.LockReservation(ctx, tr.ReservationID)
		if err != nil {
			return err
		}
		if !r.Status.CanTransition(models.ReservationCompleted) {
			return fmt.Errorf("%w: reservation %s is %s", apperr.ErrInvalidState, r.ID, r.Status)
		}
		r.Status = models.ReservationCompleted
		r.UpdatedAt = now
		return tx.UpdateReservation(ctx, r)
	})
	if err != nil {
		return models.TripRecord{}, err
	}
	observability.ActiveTrips.Dec()
	s.logger.Info("trip completed", "trip_id", tr.ID, "distance_nm", tr.TotalDistanceNM, "max_speed_knots", tr.MaxSpeedKnots)
	s.notify(ctx, events.NewTripCompleted(tr, now))
	return tr, nil
}

// summarize recomputes the distance and speed figures from the full
// chronological history. Speeds are left alone when no report carried one.
func summarize(tr *models.TripRecord, history []models.PositionReport) {
	tr.TotalDistanceNM = 0
	if n := len(history); n > 0 {
		tr.TotalDistanceNM = history[n-1].DistanceFromStartNM
	}
	var (
		sum, top float64
		n        int64
	)
	for _, p := range history {
		if p.Speed == nil {
			continue
		}
		sum += *p.Speed
		top = math.Max(top, *p.Speed)
		n++
	}
	if n == 0 {
		return
	}
	tr.SpeedSum, tr.SpeedSamples = sum, n
	tr.MaxSpeedKnots = top
	tr.AverageSpeedKnots = round2(sum / float64(n))
}

// Route returns up to limit points of the trip history, oldest first.
func (s *Service) Route(ctx context.Context, tripID string, limit int) ([]models.RoutePoint, error) {
	if limit <= 0 {
		limit = DefaultRouteLimit
	}
	var history []models.PositionReport
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetTrip(ctx, tripID); err != nil {
			return err
		}
		var err error
		history, err = tx.Positions(ctx, tripID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.RoutePoint, 0, len(history))
	for _, p := range history {
		out = append(out, models.RoutePoint{Lat: p.Lat, Lon: p.Lon, Speed: p.Speed, Heading: p.Heading, At: p.RecordedAt})
	}
	return out, nil
}

// MarkEmergency flags an active trip. Position reports are still accepted
// afterwards.
func (s *Service) MarkEmergency(ctx context.Context, tripID string) (models.TripRecord, error) {
	var (
		tr   models.TripRecord
		last *models.PositionReport
	)
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if tr, err = tx.LockTrip(ctx, tripID); err != nil {
			return err
		}
		if !tr.Status.CanTransition(models.TripEmergency) {
			return fmt.Errorf("%w: trip %s is %s", apperr.ErrInvalidState, tr.ID, tr.Status)
		}
		tr.Status = models.TripEmergency
		if err := tx.UpdateTrip(ctx, tr); err != nil {
			return err
		}
		p, ok, err := tx.LatestPosition(ctx, tr.ID)
		if err != nil {
			return err
		}
		if ok {
			last = &p
		}
		return nil
	})
	if err != nil {
		return models.TripRecord{}, err
	}
	s.logger.Error("trip emergency", "trip_id", tr.ID, "reservation_id", tr.ReservationID, "asset_id", tr.AssetID)
	s.notify(ctx, events.NewTripEmergency(tr, last, s.clock.Now()))
	return tr, nil
}

// MarkEmergencyForReservation flags the trip tracking reservationID.
func (s *Service) MarkEmergencyForReservation(ctx context.Context, reservationID string) (models.TripRecord, error) {
	var tripID string
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		tr, found, err := tx.FindTrackingTrip(ctx, reservationID)
		if err != nil {
			return err
		}
		if !found {
			return apperr.NotFound("active trip for reservation", reservationID)
		}
		tripID = tr.ID
		return nil
	})
	if err != nil {
		return models.TripRecord{}, err
	}
	return s.MarkEmergency(ctx, tripID)
}

// Cancel stops tracking an active or emergency trip. Its reservation, if
// still in progress, is closed as completed.
func (s *Service) Cancel(ctx context.Context, tripID string) (models.TripRecord, error) {
	now := s.clock.Now()
	var tr models.TripRecord
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if tr, err = tx.LockTrip(ctx, tripID); err != nil {
			return err
		}
		if !tr.Status.CanTransition(models.TripCancelled) {
			return fmt.Errorf("%w: trip %s is %s", apperr.ErrInvalidState, tr.ID, tr.Status)
		}
		tr.Status = models.TripCancelled
		tr.EndedAt = &now
		if err := tx.UpdateTrip(ctx, tr); err != nil {
			return err
		}
		// in_progress only leads to completed; close the reservation so it
		// is not stranded without a trip.
		r, err := tx.LockReservation(ctx, tr.ReservationID)
		if err != nil {
			return err
		}
		if r.Status != models.ReservationInProgress {
			return nil
		}
		r.Status = models.ReservationCompleted
		r.UpdatedAt = now
		return tx.UpdateReservation(ctx, r)
	})
	if err != nil {
		return models.TripRecord{}, err
	}
	observability.ActiveTrips.Dec()
	s.logger.Info("trip cancelled", "trip_id", tr.ID, "reservation_id", tr.ReservationID)
	return tr, nil
}

// Get returns the trip record.
func (s *Service) Get(ctx context.Context, tripID string) (models.TripRecord, error) {
	var tr models.TripRecord
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		tr, err = tx.GetTrip(ctx, tripID)
		return err
	})
	return tr, err
}
