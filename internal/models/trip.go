package models

import "time"

type TripStatus string

const (
	TripActive    TripStatus = "active"
	TripCompleted TripStatus = "completed"
	TripCancelled TripStatus = "cancelled"
	TripEmergency TripStatus = "emergency"
)

var TripTransitions = map[TripStatus][]TripStatus{
	TripActive:    {TripCompleted, TripEmergency, TripCancelled},
	TripEmergency: {TripCancelled},
}

func (s TripStatus) CanTransition(to TripStatus) bool {
	return allowed(TripTransitions, s, to)
}

// Tracking reports whether position reports are still accepted.
func (s TripStatus) Tracking() bool { return s == TripActive || s == TripEmergency }

// RouteBufferSize is how many recent points the live route keeps.
const RouteBufferSize = 100

type RoutePoint struct {
	Lat     float64   `json:"lat"`
	Lon     float64   `json:"lng"`
	Speed   *float64  `json:"speed,omitempty"`
	Heading *float64  `json:"heading,omitempty"`
	At      time.Time `json:"timestamp"`
}

// RouteBuffer holds the most recent route points, oldest first. It is the
// live view only; the full history lives in the position reports.
type RouteBuffer []RoutePoint

// Push appends p and drops the oldest points beyond limit. The receiver is
// never modified in place.
func (b RouteBuffer) Push(p RoutePoint, limit int) RouteBuffer {
	if limit <= 0 {
		limit = RouteBufferSize
	}
	keep := b
	if len(keep) >= limit {
		keep = keep[len(keep)-limit+1:]
	}
	out := make(RouteBuffer, 0, len(keep)+1)
	out = append(out, keep...)
	return append(out, p)
}

type TripRecord struct {
	ID                string      `json:"id"`
	ReservationID     string      `json:"reservation_id"`
	AssetID           string      `json:"asset_id"`
	Start             Coord       `json:"start"`
	End               *Coord      `json:"end,omitempty"`
	Status            TripStatus  `json:"status"`
	TotalDistanceNM   float64     `json:"total_distance_nm"`
	MaxSpeedKnots     float64     `json:"max_speed_knots"`
	AverageSpeedKnots float64     `json:"average_speed_knots"`
	SpeedSum          float64     `json:"-"`
	SpeedSamples      int64       `json:"-"`
	Route             RouteBuffer `json:"route"`
	StartedAt         time.Time   `json:"started_at"`
	EndedAt           *time.Time  `json:"ended_at,omitempty"`
}

type PositionReport struct {
	ID                  string    `json:"id"`
	TripID              string    `json:"trip_id"`
	ReservationID       string    `json:"reservation_id"`
	Lat                 float64   `json:"lat"`
	Lon                 float64   `json:"lng"`
	Speed               *float64  `json:"speed_knots,omitempty"`
	Heading             *float64  `json:"heading_degrees,omitempty"`
	Altitude            *float64  `json:"altitude_meters,omitempty"`
	Accuracy            *float64  `json:"accuracy_meters,omitempty"`
	DistanceFromStartNM float64   `json:"distance_from_start_nm"`
	RecordedAt          time.Time `json:"recorded_at"`
}

func (p PositionReport) Coord() Coord { return Coord{Lat: p.Lat, Lon: p.Lon} }
