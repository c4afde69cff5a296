package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/reservation-engine/internal/models"
)

// Redis computes distances on a slightly larger sphere than EarthRadiusKm,
// so searches are widened a little and callers filter exactly.
const redisRadiusSlack = 1.01

// RedisLocator implements Locator using Redis GEO commands.
type RedisLocator struct {
	client *redis.Client
	key    string
}

func NewRedisLocator(client *redis.Client, key string) *RedisLocator {
	return &RedisLocator{client: client, key: key}
}

func (r *RedisLocator) Upsert(ctx context.Context, assetID string, pos models.Coord) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: pos.Lon, Latitude: pos.Lat, Name: assetID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", assetID, err)
	}
	return nil
}

func (r *RedisLocator) Remove(ctx context.Context, assetID string) error {
	return r.client.ZRem(ctx, r.key, assetID).Err()
}

func (r *RedisLocator) Within(ctx context.Context, center models.Coord, radiusKm float64) ([]Hit, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm * redisRadiusSlack,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{
			AssetID:    g.Name,
			Position:   models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceKm: g.Dist,
		})
	}
	return out, nil
}
