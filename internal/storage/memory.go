package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/reservation-engine/internal/apperr"
	"github.com/example/reservation-engine/internal/models"
)

// MemoryStore keeps everything in maps. A single mutex serializes
// transactions, which also satisfies every Lock* call; failed transactions
// are rolled back from an undo log.
type MemoryStore struct {
	mu           sync.Mutex
	assets       map[string]models.Asset
	operators    map[string]models.Operator
	reservations map[string]models.Reservation
	blocks       map[blockKey]models.AvailabilityBlock
	holds        map[string]models.Hold
	settlements  map[string]models.Settlement
	trips        map[string]models.TripRecord
	positions    map[string][]models.PositionReport
}

type blockKey struct {
	assetID string
	day     string
}

func keyForBlock(assetID string, day time.Time) blockKey {
	return blockKey{assetID: assetID, day: models.Day(day).Format(time.DateOnly)}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:       make(map[string]models.Asset),
		operators:    make(map[string]models.Operator),
		reservations: make(map[string]models.Reservation),
		blocks:       make(map[blockKey]models.AvailabilityBlock),
		holds:        make(map[string]models.Hold),
		settlements:  make(map[string]models.Settlement),
		trips:        make(map[string]models.TripRecord),
		positions:    make(map[string][]models.PositionReport),
	}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{s: m}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err != nil {
			tx.rollback()
		}
	}()
	return fn(tx)
}

type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// put writes v under k and records how to restore the previous value.
func put[K comparable, V any](t *memTx, m map[K]V, k K, v V) {
	prev, had := m[k]
	t.undo = append(t.undo, func() {
		if had {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

func get[V any](m map[string]V, entity, id string) (V, error) {
	v, ok := m[id]
	if !ok {
		var zero V
		return zero, apperr.NotFound(entity, id)
	}
	return v, nil
}

func insert[V any](t *memTx, m map[string]V, entity, id string, v V) error {
	if _, ok := m[id]; ok {
		return apperr.Conflict("%s %s already exists", entity, id)
	}
	put(t, m, id, v)
	return nil
}

func update[V any](t *memTx, m map[string]V, entity, id string, v V) error {
	if _, ok := m[id]; !ok {
		return apperr.NotFound(entity, id)
	}
	put(t, m, id, v)
	return nil
}

func copySettlement(s models.Settlement) models.Settlement {
	s.Payees = append([]models.Payee(nil), s.Payees...)
	return s
}

func copyTrip(tr models.TripRecord) models.TripRecord {
	tr.Route = append(models.RouteBuffer(nil), tr.Route...)
	return tr
}

func (t *memTx) GetAsset(_ context.Context, id string) (models.Asset, error) {
	return get(t.s.assets, "asset", id)
}

func (t *memTx) LockAsset(ctx context.Context, id string) (models.Asset, error) {
	return t.GetAsset(ctx, id)
}

func (t *memTx) ListAssets(_ context.Context) ([]models.Asset, error) {
	out := make([]models.Asset, 0, len(t.s.assets))
	for _, a := range t.s.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) SaveAsset(_ context.Context, a models.Asset) error {
	put(t, t.s.assets, a.ID, a)
	return nil
}

func (t *memTx) GetOperator(_ context.Context, id string) (models.Operator, error) {
	return get(t.s.operators, "operator", id)
}

func (t *memTx) SaveOperator(_ context.Context, o models.Operator) error {
	put(t, t.s.operators, o.ID, o)
	return nil
}

func (t *memTx) InsertReservation(_ context.Context, r models.Reservation) error {
	return insert(t, t.s.reservations, "reservation", r.ID, r)
}

func (t *memTx) UpdateReservation(_ context.Context, r models.Reservation) error {
	return update(t, t.s.reservations, "reservation", r.ID, r)
}

func (t *memTx) GetReservation(_ context.Context, id string) (models.Reservation, error) {
	return get(t.s.reservations, "reservation", id)
}

func (t *memTx) LockReservation(ctx context.Context, id string) (models.Reservation, error) {
	return t.GetReservation(ctx, id)
}

func (t *memTx) ReservationsInWindow(_ context.Context, assetID string, from, to time.Time) ([]models.Reservation, error) {
	var out []models.Reservation
	for _, r := range t.s.reservations {
		if r.AssetID != assetID || !r.Blocking() {
			continue
		}
		if r.Start.Before(to) && r.End.After(from) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (t *memTx) BlocksInRange(_ context.Context, assetID string, from, to time.Time) ([]models.AvailabilityBlock, error) {
	lo := models.Day(from)
	var out []models.AvailabilityBlock
	for k, b := range t.s.blocks {
		if k.assetID != assetID {
			continue
		}
		d := models.Day(b.Date)
		if !d.Before(lo) && d.Before(to) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (t *memTx) UpsertBlock(_ context.Context, b models.AvailabilityBlock) error {
	b.Date = models.Day(b.Date)
	put(t, t.s.blocks, keyForBlock(b.AssetID, b.Date), b)
	return nil
}

func (t *memTx) DeleteBlocks(_ context.Context, assetID string, days []time.Time) (int, error) {
	n := 0
	for _, d := range days {
		k := keyForBlock(assetID, d)
		prev, ok := t.s.blocks[k]
		if !ok {
			continue
		}
		delete(t.s.blocks, k)
		t.undo = append(t.undo, func() { t.s.blocks[k] = prev })
		n++
	}
	return n, nil
}

func (t *memTx) InsertHold(_ context.Context, h models.Hold) error {
	return insert(t, t.s.holds, "hold", h.ID, h)
}

func (t *memTx) UpdateHold(_ context.Context, h models.Hold) error {
	return update(t, t.s.holds, "hold", h.ID, h)
}

func (t *memTx) GetHold(_ context.Context, id string) (models.Hold, error) {
	return get(t.s.holds, "hold", id)
}

func (t *memTx) LockHold(ctx context.Context, id string) (models.Hold, error) {
	return t.GetHold(ctx, id)
}

func (t *memTx) FindHeldHold(_ context.Context, reservationID string) (models.Hold, bool, error) {
	for _, h := range t.s.holds {
		if h.ReservationID == reservationID && h.Status == models.HoldHeld {
			return h, true, nil
		}
	}
	return models.Hold{}, false, nil
}

func (t *memTx) ExpiredHolds(_ context.Context, now time.Time, limit int) ([]models.Hold, error) {
	var out []models.Hold
	for _, h := range t.s.holds {
		if h.Expired(now) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) InsertSettlement(_ context.Context, s models.Settlement) error {
	return insert(t, t.s.settlements, "settlement", s.ID, copySettlement(s))
}

func (t *memTx) UpdateSettlement(_ context.Context, s models.Settlement) error {
	return update(t, t.s.settlements, "settlement", s.ID, copySettlement(s))
}

func (t *memTx) GetSettlement(_ context.Context, id string) (models.Settlement, error) {
	s, err := get(t.s.settlements, "settlement", id)
	return copySettlement(s), err
}

func (t *memTx) LockSettlement(ctx context.Context, id string) (models.Settlement, error) {
	return t.GetSettlement(ctx, id)
}

func (t *memTx) FindSettlement(_ context.Context, subject models.Subject) (models.Settlement, bool, error) {
	for _, s := range t.s.settlements {
		if s.Subject == subject {
			return copySettlement(s), true, nil
		}
	}
	return models.Settlement{}, false, nil
}

func (t *memTx) InsertTrip(_ context.Context, tr models.TripRecord) error {
	return insert(t, t.s.trips, "trip", tr.ID, copyTrip(tr))
}

func (t *memTx) UpdateTrip(_ context.Context, tr models.TripRecord) error {
	return update(t, t.s.trips, "trip", tr.ID, copyTrip(tr))
}

func (t *memTx) GetTrip(_ context.Context, id string) (models.TripRecord, error) {
	tr, err := get(t.s.trips, "trip", id)
	return copyTrip(tr), err
}

func (t *memTx) LockTrip(ctx context.Context, id string) (models.TripRecord, error) {
	return t.GetTrip(ctx, id)
}

func (t *memTx) FindTrackingTrip(_ context.Context, reservationID string) (models.TripRecord, bool, error) {
	for _, tr := range t.s.trips {
		if tr.ReservationID == reservationID && tr.Status.Tracking() {
			return copyTrip(tr), true, nil
		}
	}
	return models.TripRecord{}, false, nil
}

func (t *memTx) AppendPosition(_ context.Context, p models.PositionReport) error {
	prev := t.s.positions[p.TripID]
	t.undo = append(t.undo, func() { t.s.positions[p.TripID] = prev })
	// fresh slice so the undo closure keeps the old view intact
	next := make([]models.PositionReport, 0, len(prev)+1)
	next = append(next, prev...)
	next = append(next, p)
	sort.SliceStable(next, func(i, j int) bool { return next[i].RecordedAt.Before(next[j].RecordedAt) })
	t.s.positions[p.TripID] = next
	return nil
}

func (t *memTx) Positions(_ context.Context, tripID string, limit int) ([]models.PositionReport, error) {
	all := t.s.positions[tripID]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return append([]models.PositionReport(nil), all...), nil
}

func (t *memTx) LatestPosition(_ context.Context, tripID string) (models.PositionReport, bool, error) {
	all := t.s.positions[tripID]
	if len(all) == 0 {
		return models.PositionReport{}, false, nil
	}
	return all[len(all)-1], true, nil
}

var _ Store = (*MemoryStore)(nil)
