// Package reading holds the measurement model shared by the store, the
// ingestion paths and the analytics components.
package reading

import (
	"fmt"
	"iter"
	"math"
	"time"
)

// Reading is one timestamped measurement for a location. Readings are
// immutable once appended to the store.
type Reading struct {
	ID            int64     `json:"id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Temperature   float64   `json:"temperature"`
	Humidity      *float64  `json:"humidity,omitempty"`
	WindSpeed     *float64  `json:"wind_speed,omitempty"`
	Precipitation *float64  `json:"precipitation,omitempty"`
	Source        string    `json:"source"`
}

// Location identifies a reading series.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Location returns the series the reading belongs to.
func (r Reading) Location() Location {
	return Location{Latitude: r.Latitude, Longitude: r.Longitude}
}

// Key renders the location as a stable string, used for cache keys and
// message partitioning.
func (l Location) Key() string {
	return fmt.Sprintf("%.4f,%.4f", l.Latitude, l.Longitude)
}

func (l Location) String() string {
	return l.Key()
}

// Query selects readings in the half-open interval [Start, End). A nil
// Location selects every series.
type Query struct {
	Location *Location
	Start    time.Time
	End      time.Time
}

// Status tags analytics results so empty or degraded answers stay distinct
// from real numbers.
type Status string

const (
	StatusOK               Status = "ok"
	StatusNoData           Status = "no_data"
	StatusInsufficientData Status = "insufficient_data"
)

// Collect drains a reading sequence into a slice.
func Collect(seq iter.Seq2[Reading, error]) ([]Reading, error) {
	var out []Reading
	for r, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Float returns a pointer to v, for the optional measurement fields.
func Float(v float64) *float64 {
	return &v
}

// Round rounds v to the given number of decimals.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
