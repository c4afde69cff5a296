// Package storage persists engine entities. Every mutation runs inside
// Store.WithTx; a Tx is only valid for the duration of the callback.
package storage

import (
	"context"
	"time"

	"github.com/example/reservation-engine/internal/models"
)

// Store opens all-or-nothing units of work. If fn returns an error every
// write made through the Tx is discarded. WithTx must not be nested.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional view of the store. Lock* methods take an
// exclusive row lock held until the transaction ends. Get and Lock return
// an apperr.ErrNotFound error for unknown IDs; Find-style lookups return
// ok=false instead.
type Tx interface {
	GetAsset(ctx context.Context, id string) (models.Asset, error)
	LockAsset(ctx context.Context, id string) (models.Asset, error)
	ListAssets(ctx context.Context) ([]models.Asset, error)
	SaveAsset(ctx context.Context, a models.Asset) error

	GetOperator(ctx context.Context, id string) (models.Operator, error)
	SaveOperator(ctx context.Context, o models.Operator) error

	InsertReservation(ctx context.Context, r models.Reservation) error
	UpdateReservation(ctx context.Context, r models.Reservation) error
	GetReservation(ctx context.Context, id string) (models.Reservation, error)
	LockReservation(ctx context.Context, id string) (models.Reservation, error)
	// ReservationsInWindow returns non-cancelled reservations on the asset
	// with Start < to and End > from, ordered by Start.
	ReservationsInWindow(ctx context.Context, assetID string, from, to time.Time) ([]models.Reservation, error)

	// BlocksInRange returns blocks whose Date falls in [Day(from), to).
	BlocksInRange(ctx context.Context, assetID string, from, to time.Time) ([]models.AvailabilityBlock, error)
	// UpsertBlock replaces any block for the same asset and day.
	UpsertBlock(ctx context.Context, b models.AvailabilityBlock) error
	DeleteBlocks(ctx context.Context, assetID string, days []time.Time) (int, error)

	InsertHold(ctx context.Context, h models.Hold) error
	UpdateHold(ctx context.Context, h models.Hold) error
	GetHold(ctx context.Context, id string) (models.Hold, error)
	LockHold(ctx context.Context, id string) (models.Hold, error)
	FindHeldHold(ctx context.Context, reservationID string) (models.Hold, bool, error)
	// ExpiredHolds lists held holds with ExpiresAt <= now, oldest first.
	ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Hold, error)

	InsertSettlement(ctx context.Context, s models.Settlement) error
	UpdateSettlement(ctx context.Context, s models.Settlement) error
	GetSettlement(ctx context.Context, id string) (models.Settlement, error)
	LockSettlement(ctx context.Context, id string) (models.Settlement, error)
	FindSettlement(ctx context.Context, subject models.Subject) (models.Settlement, bool, error)

	InsertTrip(ctx context.Context, t models.TripRecord) error
	UpdateTrip(ctx context.Context, t models.TripRecord) error
	GetTrip(ctx context.Context, id string) (models.TripRecord, error)
	LockTrip(ctx context.Context, id string) (models.TripRecord, error)
	// FindTrackingTrip returns the active or emergency trip of a reservation.
	FindTrackingTrip(ctx context.Context, reservationID string) (models.TripRecord, bool, error)

	AppendPosition(ctx context.Context, p models.PositionReport) error
	// Positions returns the first limit reports in RecordedAt order; limit <= 0
	// returns the full history.
	Positions(ctx context.Context, tripID string, limit int) ([]models.PositionReport, error)
	LatestPosition(ctx context.Context, tripID string) (models.PositionReport, bool, error)
}
