package models

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies within WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Money is an amount in minor currency units (cents).
type Money int64

func (m Money) String() string {
	v := int64(m)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Float returns the amount in major units.
func (m Money) Float() float64 { return float64(m) / 100 }

// MoneyFromFloat converts major units to Money, rounding to the nearest cent.
func MoneyFromFloat(v float64) Money { return Money(math.Round(v * 100)) }

func (m Money) MarshalJSON() ([]byte, error) { return []byte(m.String()), nil }

func (m *Money) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid money %q: %w", s, err)
	}
	*m = MoneyFromFloat(f)
	return nil
}

// MulDiv returns m*num/den rounded half away from zero to the nearest cent.
// Intermediate products stay in integer space so no precision is lost
// between chained percentage steps.
func MulDiv(m Money, num, den int64) Money {
	n := int64(m) * num
	if den < 0 {
		n, den = -n, -den
	}
	if n >= 0 {
		return Money((2*n + den) / (2 * den))
	}
	return Money(-((-2*n + den) / (2 * den)))
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

func ptr[T any](v T) *T { return &v }

// Float64 returns a pointer to v. Handy for optional telemetry fields.
func Float64(v float64) *float64 { return ptr(v) }
