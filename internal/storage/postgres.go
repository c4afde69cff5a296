package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/reservation-engine/internal/apperr"
	"github.com/example/reservation-engine/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = sqlTx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = sqlTx.Rollback()
			return
		}
		if cerr := sqlTx.Commit(); cerr != nil {
			err = fmt.Errorf("commit: %w", cerr)
		}
	}()
	return fn(&pgTx{tx: sqlTx})
}

type pgTx struct {
	tx *sql.Tx
}

type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(entity, id)
	}
	return fmt.Errorf("load %s %s: %w", entity, id, err)
}

func expectOne(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound(entity, id)
	}
	return nil
}

func coordPtr(lat, lon *float64) *models.Coord {
	if lat == nil || lon == nil {
		return nil
	}
	return &models.Coord{Lat: *lat, Lon: *lon}
}

func coordArgs(c *models.Coord) (any, any) {
	if c == nil {
		return nil, nil
	}
	return c.Lat, c.Lon
}

// assets

const assetColumns = `id, owner_id, kind, name, hourly_rate, daily_rate, weekly_rate, lat, lon, available, verified, updated_at`

func scanAsset(s scanner) (models.Asset, error) {
	var a models.Asset
	err := s.Scan(&a.ID, &a.OwnerID, &a.Kind, &a.Name, &a.Rates.Hourly, &a.Rates.Daily, &a.Rates.Weekly,
		&a.Position.Lat, &a.Position.Lon, &a.Available, &a.Verified, &a.UpdatedAt)
	return a, err
}

func (t *pgTx) GetAsset(ctx context.Context, id string) (models.Asset, error) {
	a, err := scanAsset(t.tx.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id=$1`, id))
	if err != nil {
		return a, notFound(err, "asset", id)
	}
	return a, nil
}

func (t *pgTx) LockAsset(ctx context.Context, id string) (models.Asset, error) {
	a, err := scanAsset(t.tx.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return a, notFound(err, "asset", id)
	}
	return a, nil
}

func (t *pgTx) ListAssets(ctx context.Context) ([]models.Asset, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *pgTx) SaveAsset(ctx context.Context, a models.Asset) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO assets(`+assetColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET owner_id=EXCLUDED.owner_id, kind=EXCLUDED.kind, name=EXCLUDED.name,
		hourly_rate=EXCLUDED.hourly_rate, daily_rate=EXCLUDED.daily_rate, weekly_rate=EXCLUDED.weekly_rate,
		lat=EXCLUDED.lat, lon=EXCLUDED.lon, available=EXCLUDED.available, verified=EXCLUDED.verified, updated_at=EXCLUDED.updated_at`,
		a.ID, a.OwnerID, string(a.Kind), a.Name, int64(a.Rates.Hourly), int64(a.Rates.Daily), a.Rates.Weekly,
		a.Position.Lat, a.Position.Lon, a.Available, a.Verified, a.UpdatedAt)
	return err
}

// operators

func (t *pgTx) GetOperator(ctx context.Context, id string) (models.Operator, error) {
	var o models.Operator
	err := t.tx.QueryRowContext(ctx, `SELECT id, active, verified, payout_account FROM operators WHERE id=$1`, id).
		Scan(&o.ID, &o.Active, &o.Verified, &o.PayoutAccount)
	if err != nil {
		return o, notFound(err, "operator", id)
	}
	return o, nil
}

func (t *pgTx) SaveOperator(ctx context.Context, o models.Operator) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO operators(id, active, verified, payout_account) VALUES($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET active=EXCLUDED.active, verified=EXCLUDED.verified, payout_account=EXCLUDED.payout_account`,
		o.ID, o.Active, o.Verified, o.PayoutAccount)
	return err
}

// reservations

const reservationColumns = `id, customer_id, asset_id, operator_id, kind, mode, start_at, end_at, duration_hours, rate,
	subtotal, tax, fee, total, status, payment_status, payment_intent_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	estimated_arrival_minutes, cancelled_at, cancellation_reason, created_at, updated_at`

func scanReservation(s scanner) (models.Reservation, error) {
	var (
		r          models.Reservation
		pLat, pLon *float64
		dLat, dLon *float64
	)
	err := s.Scan(&r.ID, &r.CustomerID, &r.AssetID, &r.OperatorID, &r.Kind, &r.Mode, &r.Start, &r.End,
		&r.DurationHours, &r.Rate, &r.Subtotal, &r.Tax, &r.Fee, &r.Total, &r.Status, &r.PaymentStatus,
		&r.PaymentIntentID, &pLat, &pLon, &dLat, &dLon, &r.EstimatedArrivalMinutes, &r.CancelledAt,
		&r.CancellationReason, &r.CreatedAt, &r.UpdatedAt)
	r.Pickup = coordPtr(pLat, pLon)
	r.Dropoff = coordPtr(dLat, dLon)
	return r, err
}

func reservationArgs(r models.Reservation) []any {
	pLat, pLon := coordArgs(r.Pickup)
	dLat, dLon := coordArgs(r.Dropoff)
	return []any{r.ID, r.CustomerID, r.AssetID, r.OperatorID, string(r.Kind), string(r.Mode), r.Start, r.End,
		r.DurationHours, int64(r.Rate), int64(r.Subtotal), int64(r.Tax), int64(r.Fee), int64(r.Total),
		string(r.Status), string(r.PaymentStatus), r.PaymentIntentID, pLat, pLon, dLat, dLon,
		r.EstimatedArrivalMinutes, r.CancelledAt, r.CancellationReason, r.CreatedAt, r.UpdatedAt}
}

func (t *pgTx) InsertReservation(ctx context.Context, r models.Reservation) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO reservations(`+reservationColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		reservationArgs(r)...)
	return err
}

// UpdateReservation rewrites the mutable columns only.
func (t *pgTx) UpdateReservation(ctx context.Context, r models.Reservation) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE reservations SET status=$1, payment_status=$2, payment_intent_id=$3,
		cancelled_at=$4, cancellation_reason=$5, updated_at=$6 WHERE id=$7`,
		string(r.Status), string(r.PaymentStatus), r.PaymentIntentID, r.CancelledAt, r.CancellationReason, r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	return expectOne(res, "reservation", r.ID)
}

func (t *pgTx) GetReservation(ctx context.Context, id string) (models.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1`, id))
	if err != nil {
		return r, notFound(err, "reservation", id)
	}
	return r, nil
}

func (t *pgTx) LockReservation(ctx context.Context, id string) (models.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return r, notFound(err, "reservation", id)
	}
	return r, nil
}

func (t *pgTx) ReservationsInWindow(ctx context.Context, assetID string, from, to time.Time) ([]models.Reservation, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+reservationColumns+` FROM reservations
		WHERE asset_id=$1 AND status <> 'cancelled' AND start_at < $3 AND end_at > $2 ORDER BY start_at`, assetID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// availability blocks

func (t *pgTx) BlocksInRange(ctx context.Context, assetID string, from, to time.Time) ([]models.AvailabilityBlock, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT asset_id, day, start_minute, end_minute, available, reason
		FROM availability_blocks WHERE asset_id=$1 AND day >= $2 AND day < $3 ORDER BY day`, assetID, models.Day(from), to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AvailabilityBlock
	for rows.Next() {
		var b models.AvailabilityBlock
		if err := rows.Scan(&b.AssetID, &b.Date, &b.StartMinute, &b.EndMinute, &b.Available, &b.Reason); err != nil {
			return nil, err
		}
		b.Date = models.Day(b.Date)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *pgTx) UpsertBlock(ctx context.Context, b models.AvailabilityBlock) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO availability_blocks(asset_id, day, start_minute, end_minute, available, reason)
		VALUES($1,$2,$3,$4,$5,$6) ON CONFLICT (asset_id, day) DO UPDATE SET start_minute=EXCLUDED.start_minute,
		end_minute=EXCLUDED.end_minute, available=EXCLUDED.available, reason=EXCLUDED.reason`,
		b.AssetID, models.Day(b.Date), b.StartMinute, b.EndMinute, b.Available, b.Reason)
	return err
}

func (t *pgTx) DeleteBlocks(ctx context.Context, assetID string, days []time.Time) (int, error) {
	n := 0
	for _, d := range days {
		res, err := t.tx.ExecContext(ctx, `DELETE FROM availability_blocks WHERE asset_id=$1 AND day=$2`, assetID, models.Day(d))
		if err != nil {
			return n, err
		}
		c, err := res.RowsAffected()
		if err != nil {
			return n, err
		}
		n += int(c)
	}
	return n, nil
}

// holds

const holdColumns = `id, reservation_id, payment_intent_id, amount, status, expires_at, captured_at, released_at, created_at`

func scanHold(s scanner) (models.Hold, error) {
	var h models.Hold
	err := s.Scan(&h.ID, &h.ReservationID, &h.PaymentIntentID, &h.Amount, &h.Status, &h.ExpiresAt,
		&h.CapturedAt, &h.ReleasedAt, &h.CreatedAt)
	return h, err
}

func (t *pgTx) queryHolds(ctx context.Context, query string, args ...any) ([]models.Hold, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertHold(ctx context.Context, h models.Hold) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO holds(`+holdColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		h.ID, h.ReservationID, h.PaymentIntentID, int64(h.Amount), string(h.Status), h.ExpiresAt, h.CapturedAt, h.ReleasedAt, h.CreatedAt)
	return err
}

func (t *pgTx) UpdateHold(ctx context.Context, h models.Hold) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE holds SET status=$1, captured_at=$2, released_at=$3 WHERE id=$4`,
		string(h.Status), h.CapturedAt, h.ReleasedAt, h.ID)
	if err != nil {
		return err
	}
	return expectOne(res, "hold", h.ID)
}

func (t *pgTx) GetHold(ctx context.Context, id string) (models.Hold, error) {
	h, err := scanHold(t.tx.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM holds WHERE id=$1`, id))
	if err != nil {
		return h, notFound(err, "hold", id)
	}
	return h, nil
}

func (t *pgTx) LockHold(ctx context.Context, id string) (models.Hold, error) {
	h, err := scanHold(t.tx.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM holds WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return h, notFound(err, "hold", id)
	}
	return h, nil
}

func (t *pgTx) FindHeldHold(ctx context.Context, reservationID string) (models.Hold, bool, error) {
	h, err := scanHold(t.tx.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM holds WHERE reservation_id=$1 AND status='held'`, reservationID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Hold{}, false, nil
	}
	if err != nil {
		return models.Hold{}, false, err
	}
	return h, true, nil
}

func (t *pgTx) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]models.Hold, error) {
	q := `SELECT ` + holdColumns + ` FROM holds WHERE status='held' AND expires_at <= $1 ORDER BY expires_at, id`
	if limit > 0 {
		return t.queryHolds(ctx, q+` LIMIT $2`, now, limit)
	}
	return t.queryHolds(ctx, q, now)
}

// settlements

const settlementColumns = `id, subject_kind, subject_id, total, platform_fee, payees, status, failure_reason, processed_at, created_at, updated_at`

func scanSettlement(s scanner) (models.Settlement, error) {
	var (
		st     models.Settlement
		payees []byte
	)
	if err := s.Scan(&st.ID, &st.Subject.Kind, &st.Subject.ID, &st.Total, &st.PlatformFee, &payees, &st.Status,
		&st.FailureReason, &st.ProcessedAt, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return st, err
	}
	if err := json.Unmarshal(payees, &st.Payees); err != nil {
		return st, fmt.Errorf("decode payees of settlement %s: %w", st.ID, err)
	}
	return st, nil
}

func (t *pgTx) InsertSettlement(ctx context.Context, s models.Settlement) error {
	payees, err := json.Marshal(s.Payees)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO settlements(`+settlementColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		s.ID, string(s.Subject.Kind), s.Subject.ID, int64(s.Total), int64(s.PlatformFee), string(payees), string(s.Status),
		s.FailureReason, s.ProcessedAt, s.CreatedAt, s.UpdatedAt)
	return err
}

func (t *pgTx) UpdateSettlement(ctx context.Context, s models.Settlement) error {
	payees, err := json.Marshal(s.Payees)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE settlements SET payees=$1, status=$2, failure_reason=$3, processed_at=$4, updated_at=$5 WHERE id=$6`,
		string(payees), string(s.Status), s.FailureReason, s.ProcessedAt, s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	return expectOne(res, "settlement", s.ID)
}

func (t *pgTx) GetSettlement(ctx context.Context, id string) (models.Settlement, error) {
	s, err := scanSettlement(t.tx.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id=$1`, id))
	if err != nil {
		return s, notFound(err, "settlement", id)
	}
	return s, nil
}

func (t *pgTx) LockSettlement(ctx context.Context, id string) (models.Settlement, error) {
	s, err := scanSettlement(t.tx.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return s, notFound(err, "settlement", id)
	}
	return s, nil
}

func (t *pgTx) FindSettlement(ctx context.Context, subject models.Subject) (models.Settlement, bool, error) {
	s, err := scanSettlement(t.tx.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE subject_kind=$1 AND subject_id=$2`,
		string(subject.Kind), subject.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Settlement{}, false, nil
	}
	if err != nil {
		return models.Settlement{}, false, err
	}
	return s, true, nil
}

// trips

const tripColumns = `id, reservation_id, asset_id, start_lat, start_lon, end_lat, end_lon, status, total_distance_nm,
	max_speed_knots, average_speed_knots, speed_sum, speed_samples, route, started_at, ended_at`

func scanTrip(s scanner) (models.TripRecord, error) {
	var (
		tr         models.TripRecord
		eLat, eLon *float64
		route      []byte
	)
	if err := s.Scan(&tr.ID, &tr.ReservationID, &tr.AssetID, &tr.Start.Lat, &tr.Start.Lon, &eLat, &eLon, &tr.Status,
		&tr.TotalDistanceNM, &tr.MaxSpeedKnots, &tr.AverageSpeedKnots, &tr.SpeedSum, &tr.SpeedSamples, &route,
		&tr.StartedAt, &tr.EndedAt); err != nil {
		return tr, err
	}
	tr.End = coordPtr(eLat, eLon)
	if err := json.Unmarshal(route, &tr.Route); err != nil {
		return tr, fmt.Errorf("decode route of trip %s: %w", tr.ID, err)
	}
	return tr, nil
}

func (t *pgTx) InsertTrip(ctx context.Context, tr models.TripRecord) error {
	route, err := json.Marshal(tr.Route)
	if err != nil {
		return err
	}
	eLat, eLon := coordArgs(tr.End)
	_, err = t.tx.ExecContext(ctx, `INSERT INTO trips(`+tripColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		tr.ID, tr.ReservationID, tr.AssetID, tr.Start.Lat, tr.Start.Lon, eLat, eLon, string(tr.Status), tr.TotalDistanceNM,
		tr.MaxSpeedKnots, tr.AverageSpeedKnots, tr.SpeedSum, tr.SpeedSamples, string(route), tr.StartedAt, tr.EndedAt)
	return err
}

func (t *pgTx) UpdateTrip(ctx context.Context, tr models.TripRecord) error {
	route, err := json.Marshal(tr.Route)
	if err != nil {
		return err
	}
	eLat, eLon := coordArgs(tr.End)
	res, err := t.tx.ExecContext(ctx, `UPDATE trips SET end_lat=$1, end_lon=$2, status=$3, total_distance_nm=$4, max_speed_knots=$5,
		average_speed_knots=$6, speed_sum=$7, speed_samples=$8, route=$9, ended_at=$10 WHERE id=$11`,
		eLat, eLon, string(tr.Status), tr.TotalDistanceNM, tr.MaxSpeedKnots, tr.AverageSpeedKnots, tr.SpeedSum,
		tr.SpeedSamples, string(route), tr.EndedAt, tr.ID)
	if err != nil {
		return err
	}
	return expectOne(res, "trip", tr.ID)
}

func (t *pgTx) GetTrip(ctx context.Context, id string) (models.TripRecord, error) {
	tr, err := scanTrip(t.tx.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, id))
	if err != nil {
		return tr, notFound(err, "trip", id)
	}
	return tr, nil
}

func (t *pgTx) LockTrip(ctx context.Context, id string) (models.TripRecord, error) {
	tr, err := scanTrip(t.tx.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return tr, notFound(err, "trip", id)
	}
	return tr, nil
}

func (t *pgTx) FindTrackingTrip(ctx context.Context, reservationID string) (models.TripRecord, bool, error) {
	tr, err := scanTrip(t.tx.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips
		WHERE reservation_id=$1 AND status IN ('active','emergency') ORDER BY started_at DESC LIMIT 1`, reservationID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.TripRecord{}, false, nil
	}
	if err != nil {
		return models.TripRecord{}, false, err
	}
	return tr, true, nil
}

// positions

const positionColumns = `id, trip_id, reservation_id, lat, lon, speed_knots, heading_degrees, altitude_meters,
	accuracy_meters, distance_from_start_nm, recorded_at`

func scanPosition(s scanner) (models.PositionReport, error) {
	var p models.PositionReport
	err := s.Scan(&p.ID, &p.TripID, &p.ReservationID, &p.Lat, &p.Lon, &p.Speed, &p.Heading, &p.Altitude,
		&p.Accuracy, &p.DistanceFromStartNM, &p.RecordedAt)
	return p, err
}

func (t *pgTx) AppendPosition(ctx context.Context, p models.PositionReport) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO trip_positions(`+positionColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.TripID, p.ReservationID, p.Lat, p.Lon, p.Speed, p.Heading, p.Altitude, p.Accuracy, p.DistanceFromStartNM, p.RecordedAt)
	return err
}

func (t *pgTx) Positions(ctx context.Context, tripID string, limit int) ([]models.PositionReport, error) {
	q := `SELECT ` + positionColumns + ` FROM trip_positions WHERE trip_id=$1 ORDER BY recorded_at, id`
	args := []any{tripID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.PositionReport
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTx) LatestPosition(ctx context.Context, tripID string) (models.PositionReport, bool, error) {
	p, err := scanPosition(t.tx.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM trip_positions
		WHERE trip_id=$1 ORDER BY recorded_at DESC, id DESC LIMIT 1`, tripID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.PositionReport{}, false, nil
	}
	if err != nil {
		return models.PositionReport{}, false, err
	}
	return p, true, nil
}

var _ Store = (*PostgresStore)(nil)
