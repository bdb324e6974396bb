package reading

import (
	"fmt"
	"math"
	"time"
)

// Limits bound what the store accepts.
type Limits struct {
	MinTemperature float64
	MaxTemperature float64
	ClockSkew      time.Duration
}

// DefaultLimits accepts -90..60 °C and two minutes of clock skew.
var DefaultLimits = Limits{
	MinTemperature: -90,
	MaxTemperature: 60,
	ClockSkew:      2 * time.Minute,
}

// Validate checks a reading against the limits, using now as the reference
// for future timestamps.
func (l Limits) Validate(r Reading, now time.Time) error {
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "missing"}
	}
	if r.Timestamp.After(now.Add(l.ClockSkew)) {
		return &ValidationError{
			Field:  "timestamp",
			Reason: fmt.Sprintf("%s is in the future", r.Timestamp.UTC().Format(time.RFC3339)),
		}
	}
	if math.IsNaN(r.Latitude) || r.Latitude < -90 || r.Latitude > 90 {
		return &ValidationError{Field: "latitude", Reason: fmt.Sprintf("%v out of range", r.Latitude)}
	}
	if math.IsNaN(r.Longitude) || r.Longitude < -180 || r.Longitude > 180 {
		return &ValidationError{Field: "longitude", Reason: fmt.Sprintf("%v out of range", r.Longitude)}
	}
	if math.IsNaN(r.Temperature) || math.IsInf(r.Temperature, 0) {
		return &ValidationError{Field: "temperature", Reason: "not a number"}
	}
	if r.Temperature < l.MinTemperature || r.Temperature > l.MaxTemperature {
		return &ValidationError{
			Field:  "temperature",
			Reason: fmt.Sprintf("%.2f outside [%.0f, %.0f]", r.Temperature, l.MinTemperature, l.MaxTemperature),
		}
	}
	if r.Humidity != nil {
		h := *r.Humidity
		if math.IsNaN(h) || h < 0 || h > 100 {
			return &ValidationError{Field: "humidity", Reason: fmt.Sprintf("%v outside [0, 100]", h)}
		}
	}
	if r.WindSpeed != nil && (math.IsNaN(*r.WindSpeed) || *r.WindSpeed < 0) {
		return &ValidationError{Field: "wind_speed", Reason: "must be non-negative"}
	}
	if r.Precipitation != nil && (math.IsNaN(*r.Precipitation) || *r.Precipitation < 0) {
		return &ValidationError{Field: "precipitation", Reason: "must be non-negative"}
	}
	return nil
}
