// Package matcher finds assets near a requester and books one immediately
// for on-demand service.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/reservation-engine/internal/apperr"
	"github.com/example/reservation-engine/internal/availability"
	"github.com/example/reservation-engine/internal/clock"
	"github.com/example/reservation-engine/internal/dispatch"
	"github.com/example/reservation-engine/internal/events"
	"github.com/example/reservation-engine/internal/geo"
	"github.com/example/reservation-engine/internal/holds"
	"github.com/example/reservation-engine/internal/models"
	"github.com/example/reservation-engine/internal/observability"
	"github.com/example/reservation-engine/internal/pricing"
	"github.com/example/reservation-engine/internal/storage"
)

const (
	DefaultRadiusKm        = 10.0
	DefaultDurationMinutes = 60
	MinDurationMinutes     = 30
	MaxDurationMinutes     = 480
)

// Candidate is an eligible asset with its distance and arrival estimate.
type Candidate struct {
	Asset                   models.Asset `json:"asset"`
	DistanceKm              float64      `json:"distance_km"`
	EstimatedArrivalMinutes int          `json:"estimated_arrival_minutes"`
}

type OnDemandRequest struct {
	CustomerID      string        `json:"customer_id"`
	AssetID         string        `json:"asset_id"`
	Pickup          models.Coord  `json:"pickup"`
	Dropoff         *models.Coord `json:"dropoff,omitempty"`
	DurationMinutes int           `json:"duration_minutes"`
}

type Service struct {
	Store        storage.Store
	Availability *availability.Ledger
	Holds        *holds.Ledger
	// Locator narrows the candidate set before exact filtering. When nil
	// every asset in the store is considered.
	Locator  geo.Locator
	Notifier dispatch.Notifier
	Clock    clock.Clock
	Logger   *slog.Logger
	RadiusKm float64
	HoldTTL  time.Duration
}

func (s *Service) radius(r float64) float64 {
	if r > 0 {
		return r
	}
	if s.RadiusKm > 0 {
		return s.RadiusKm
	}
	return DefaultRadiusKm
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func eligible(a models.Asset, op models.Operator) bool {
	return a.Bookable() && op.Active && op.Verified
}

// FindNearby ranks eligible assets within radiusKm of (lat, lon) by arrival
// estimate, then asset id. radiusKm <= 0 uses the service default.
func (s *Service) FindNearby(ctx context.Context, lat, lon, radiusKm float64) ([]Candidate, error) {
	center := models.Coord{Lat: lat, Lon: lon}
	if !center.Valid() {
		return nil, apperr.Validation("invalid coordinate %v,%v", lat, lon)
	}
	radius := s.radius(radiusKm)

	var ids []string
	if s.Locator != nil {
		hits, err := s.Locator.Within(ctx, center, radius)
		if err != nil {
			return nil, fmt.Errorf("locate assets: %w", err)
		}
		ids = make([]string, 0, len(hits))
		for _, h := range hits {
			ids = append(ids, h.AssetID)
		}
	}

	var cands []Candidate
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		assets, err := s.loadAssets(ctx, tx, ids)
		if err != nil {
			return err
		}
		operators := make(map[string]models.Operator)
		for _, a := range assets {
			op, ok := operators[a.OwnerID]
			if !ok {
				if op, err = tx.GetOperator(ctx, a.OwnerID); err != nil {
					s.logger().Warn("asset owner missing", "asset_id", a.ID, "operator_id", a.OwnerID, "err", err)
					continue
				}
				operators[a.OwnerID] = op
			}
			if !eligible(a, op) {
				continue
			}
			d := geo.HaversineKm(center, a.Position)
			if d > radius {
				continue
			}
			cands = append(cands, Candidate{Asset: a, DistanceKm: d, EstimatedArrivalMinutes: geo.ArrivalMinutes(d)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].EstimatedArrivalMinutes != cands[j].EstimatedArrivalMinutes {
			return cands[i].EstimatedArrivalMinutes < cands[j].EstimatedArrivalMinutes
		}
		return cands[i].Asset.ID < cands[j].Asset.ID
	})
	observability.DispatchCandidates.Observe(float64(len(cands)))
	return cands, nil
}

func (s *Service) loadAssets(ctx context.Context, tx storage.Tx, ids []string) ([]models.Asset, error) {
	if s.Locator == nil {
		return tx.ListAssets(ctx)
	}
	out := make([]models.Asset, 0, len(ids))
	for _, id := range ids {
		a, err := tx.GetAsset(ctx, id)
		if err != nil {
			// stale index entry
			s.logger().Debug("skip indexed asset", "asset_id", id, "err", err)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func validateOnDemand(req *OnDemandRequest) error {
	if req.CustomerID == "" || req.AssetID == "" {
		return apperr.Validation("customer_id and asset_id are required")
	}
	if !req.Pickup.Valid() {
		return apperr.Validation("invalid pickup coordinate")
	}
	if req.Dropoff != nil && !req.Dropoff.Valid() {
		return apperr.Validation("invalid dropoff coordinate")
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = DefaultDurationMinutes
	}
	if req.DurationMinutes < MinDurationMinutes || req.DurationMinutes > MaxDurationMinutes {
		return apperr.Validation("duration must be between %d and %d minutes", MinDurationMinutes, MaxDurationMinutes)
	}
	return nil
}

// CreateOnDemand books req.AssetID from now for the requested duration.
// Eligibility is re-checked under the asset lock; the reservation and its
// hold commit together.
func (s *Service) CreateOnDemand(ctx context.Context, req OnDemandRequest) (models.Reservation, models.Hold, error) {
	if err := validateOnDemand(&req); err != nil {
		return models.Reservation{}, models.Hold{}, err
	}
	clk := clock.OrReal(s.Clock)
	now := clk.Now()
	start, end := now, now.Add(time.Duration(req.DurationMinutes)*time.Minute)

	var (
		r models.Reservation
		h models.Hold
	)
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		a, err := tx.LockAsset(ctx, req.AssetID)
		if err != nil {
			return err
		}
		op, err := tx.GetOperator(ctx, a.OwnerID)
		if err != nil {
			return err
		}
		d := geo.HaversineKm(req.Pickup, a.Position)
		if !eligible(a, op) || d > s.radius(0) {
			return fmt.Errorf("%w: asset %s is not eligible for on-demand dispatch", apperr.ErrUnavailable, a.ID)
		}
		ok, err := s.Availability.Check(ctx, tx, a, start, end)
		if err != nil {
			return err
		}
		if !ok {
			observability.AvailabilityRejections.Inc()
			return fmt.Errorf("%w: asset %s", apperr.ErrUnavailable, a.ID)
		}
		q, err := pricing.PriceOnDemand(a, models.KindHourly, start, end)
		if err != nil {
			return err
		}
		eta := geo.ArrivalMinutes(d)
		pickup := req.Pickup
		r = models.Reservation{
			ID:                      uuid.NewString(),
			CustomerID:              req.CustomerID,
			AssetID:                 a.ID,
			OperatorID:              a.OwnerID,
			Kind:                    models.KindHourly,
			Mode:                    models.ModeOnDemand,
			Start:                   start,
			End:                     end,
			DurationHours:           int64(math.Ceil(float64(req.DurationMinutes) / 60)),
			Rate:                    q.Rate,
			Subtotal:                q.Subtotal,
			Tax:                     q.Tax,
			Fee:                     q.Fee,
			Total:                   q.Total,
			Status:                  models.ReservationPending,
			PaymentStatus:           models.PaymentPending,
			Pickup:                  &pickup,
			Dropoff:                 req.Dropoff,
			EstimatedArrivalMinutes: &eta,
			CreatedAt:               now,
			UpdatedAt:               now,
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

	observability.ReservationsCreated.WithLabelValues(string(models.ModeOnDemand)).Inc()
	s.logger().Info("on-demand reservation created", "reservation_id", r.ID, "asset_id", r.AssetID,
		"eta_minutes", *r.EstimatedArrivalMinutes, "total", r.Total.String())
	notifier := s.Notifier
	if notifier == nil {
		notifier = dispatch.Nop{}
	}
	if err := notifier.Notify(ctx, events.NewReservationCreated(r, now)); err != nil {
		s.logger().Warn("notify failed", "reservation_id", r.ID, "err", err)
	}
	return r, h, nil
}

// Reindex loads every bookable asset position into the Locator and drops
// assets that are no longer bookable. It reports how many were indexed.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if s.Locator == nil {
		return 0, nil
	}
	var assets []models.Asset
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		assets, err = tx.ListAssets(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range assets {
		if !a.Bookable() {
			if err := s.Locator.Remove(ctx, a.ID); err != nil {
				return n, fmt.Errorf("unindex asset %s: %w", a.ID, err)
			}
			continue
		}
		if err := s.Locator.Upsert(ctx, a.ID, a.Position); err != nil {
			return n, fmt.Errorf("index asset %s: %w", a.ID, err)
		}
		n++
	}
	s.logger().Debug("asset index refreshed", "indexed", n, "total", len(assets))
	return n, nil
}
