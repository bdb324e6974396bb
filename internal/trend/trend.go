// Package trend classifies the direction of the latest temperature change.
package trend

import "math"

// Direction of a temperature change.
type Direction string

const (
	Rising  Direction = "rising"
	Falling Direction = "falling"
	Stable  Direction = "stable"
)

// DefaultEpsilon is the smallest change, in °C, reported as a direction.
const DefaultEpsilon = 0.05

// Result is the classified change between two readings.
type Result struct {
	Direction Direction `json:"direction"`
	Delta     float64   `json:"delta"`
	// InsufficientHistory is set when there was no previous reading to compare.
	InsufficientHistory bool `json:"insufficient_history,omitempty"`
}

// Estimate compares current with previous. A nil previous yields Stable with
// InsufficientHistory set.
func Estimate(current float64, previous *float64, epsilon float64) Result {
	if previous == nil {
		return Result{Direction: Stable, InsufficientHistory: true}
	}
	delta := current - *previous
	switch {
	case math.Abs(delta) < epsilon:
		return Result{Direction: Stable, Delta: delta}
	case delta > 0:
		return Result{Direction: Rising, Delta: delta}
	default:
		return Result{Direction: Falling, Delta: delta}
	}
}
