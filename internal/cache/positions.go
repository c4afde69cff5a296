package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/reservation-engine/internal/models"
)

// DefaultTTL is how long the latest trip position stays cached.
const DefaultTTL = 5 * time.Minute

// Positions caches the most recent position report per trip. Put ignores a
// report recorded before the one already cached, so out-of-order writers
// cannot roll the latest point back.
type Positions interface {
	Put(ctx context.Context, p models.PositionReport) error
	Latest(ctx context.Context, tripID string) (models.PositionReport, bool, error)
}

// MemoryPositions is a tiny in-memory cache keyed by trip ID.
type MemoryPositions struct {
	mu    sync.RWMutex
	store map[string]entry
	ttl   time.Duration
	now   func() time.Time
}

type entry struct {
	p  models.PositionReport
	ts time.Time
}

// NewMemoryPositions creates a cache with the provided TTL.
func NewMemoryPositions(ttl time.Duration) *MemoryPositions {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryPositions{store: make(map[string]entry), ttl: ttl, now: time.Now}
}

func (c *MemoryPositions) Put(_ context.Context, p models.PositionReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if e, ok := c.store[p.TripID]; ok && now.Sub(e.ts) <= c.ttl && p.RecordedAt.Before(e.p.RecordedAt) {
		return nil
	}
	c.store[p.TripID] = entry{p: p, ts: now}
	return nil
}

// Latest returns the cached report and true if present and not expired.
func (c *MemoryPositions) Latest(_ context.Context, tripID string) (models.PositionReport, bool, error) {
	c.mu.RLock()
	e, ok := c.store[tripID]
	c.mu.RUnlock()
	if !ok {
		return models.PositionReport{}, false, nil
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, tripID)
		c.mu.Unlock()
		return models.PositionReport{}, false, nil
	}
	return e.p, true, nil
}

// RedisPositions stores the latest report as JSON under trip:<id>:location.
type RedisPositions struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPositions(client *redis.Client, ttl time.Duration) *RedisPositions {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisPositions{client: client, ttl: ttl}
}

func positionKey(tripID string) string { return "trip:" + tripID + ":location" }

const putAttempts = 3

// Put compares against the cached report under WATCH so a concurrent newer
// write aborts this one instead of being overwritten.
func (c *RedisPositions) Put(ctx context.Context, p models.PositionReport) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	key := positionKey(p.TripID)
	put := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var prev models.PositionReport
			if json.Unmarshal(cur, &prev) == nil && p.RecordedAt.Before(prev.RecordedAt) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, c.ttl)
			return nil
		})
		return err
	}
	for i := 0; i < putAttempts; i++ {
		err = c.client.Watch(ctx, put, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("cache position %s: %w", p.TripID, err)
	}
	return nil
}

func (c *RedisPositions) Latest(ctx context.Context, tripID string) (models.PositionReport, bool, error) {
	b, err := c.client.Get(ctx, positionKey(tripID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.PositionReport{}, false, nil
	}
	if err != nil {
		return models.PositionReport{}, false, fmt.Errorf("read cached position %s: %w", tripID, err)
	}
	var p models.PositionReport
	if err := json.Unmarshal(b, &p); err != nil {
		return models.PositionReport{}, false, err
	}
	return p, true, nil
}
