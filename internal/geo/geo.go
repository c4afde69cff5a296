package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/reservation-engine/internal/models"
)

const (
	EarthRadiusKm = 6371.0
	EarthRadiusNM = 3440.0

	// Arrival heuristic: five minutes per kilometre, never less than five.
	MinutesPerKm      = 5.0
	MinArrivalMinutes = 5
)

// Distance is the great-circle distance between two points on a sphere of
// the given radius; the result uses the radius unit.
func Distance(lat1, lon1, lat2, lon2, radius float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return radius * c
}

// HaversineKm is the great-circle distance in kilometres.
func HaversineKm(a, b models.Coord) float64 {
	return Distance(a.Lat, a.Lon, b.Lat, b.Lon, EarthRadiusKm)
}

// HaversineNM is the great-circle distance in nautical miles.
func HaversineNM(a, b models.Coord) float64 {
	return Distance(a.Lat, a.Lon, b.Lat, b.Lon, EarthRadiusNM)
}

// ArrivalMinutes estimates how long an asset takes to reach a requester
// distanceKm away.
func ArrivalMinutes(distanceKm float64) int {
	m := int(math.Round(distanceKm * MinutesPerKm))
	if m < MinArrivalMinutes {
		return MinArrivalMinutes
	}
	return m
}

// Hit is an asset found within a search radius.
type Hit struct {
	AssetID    string
	Position   models.Coord
	DistanceKm float64
}

// Locator indexes asset positions for radius searches. Results are a coarse
// pre-filter; callers recompute exact distances.
type Locator interface {
	Upsert(ctx context.Context, assetID string, pos models.Coord) error
	Remove(ctx context.Context, assetID string) error
	Within(ctx context.Context, center models.Coord, radiusKm float64) ([]Hit, error)
}

// Index is an in-process Locator.
type Index struct {
	mu     sync.RWMutex
	assets map[string]models.Coord
}

func NewIndex() *Index {
	return &Index{assets: make(map[string]models.Coord)}
}

func (g *Index) Upsert(_ context.Context, assetID string, pos models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.assets[assetID] = pos
	return nil
}

func (g *Index) Remove(_ context.Context, assetID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.assets, assetID)
	return nil
}

// naive scan; fine for a fleet that fits in memory
func (g *Index) Within(_ context.Context, center models.Coord, radiusKm float64) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Hit, 0)
	for id, pos := range g.assets {
		d := HaversineKm(center, pos)
		if d > radiusKm {
			continue
		}
		out = append(out, Hit{AssetID: id, Position: pos, DistanceKm: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].AssetID < out[j].AssetID
	})
	return out, nil
}
