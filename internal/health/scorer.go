// Package health condenses the device registry and reading freshness into a
// 0-100 fleet score plus per-sensor alerts.
package health

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/smukkama/iot-watch/internal/reading"
	"github.com/smukkama/iot-watch/internal/registry"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

const (
	KindBattery       = "battery"
	KindOffline       = "offline"
	KindSilent        = "silent"
	KindStaleReadings = "stale_readings"
)

type Alert struct {
	SensorID string   `json:"sensor_id"`
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

type Weights struct {
	Battery      float64 `json:"battery"`
	Connectivity float64 `json:"connectivity"`
	Uptime       float64 `json:"uptime"`
}

type Options struct {
	Weights        Weights
	BatteryFloor   float64
	BatteryWarning float64
	// A sensor counts as up when last_seen is within twice ExpectedPoll.
	ExpectedPoll       time.Duration
	OfflineGrace       time.Duration
	ReadingsStaleAfter time.Duration
}

// DefaultOptions weights connectivity slightly above battery and uptime.
var DefaultOptions = Options{
	Weights:            Weights{Battery: 0.3, Connectivity: 0.4, Uptime: 0.3},
	BatteryFloor:       5,
	BatteryWarning:     20,
	ExpectedPoll:       5 * time.Minute,
	OfflineGrace:       10 * time.Minute,
	ReadingsStaleAfter: 15 * time.Minute,
}

// Freshness is the newest stored reading time of one location.
type Freshness struct {
	Location    reading.Location
	LastReading time.Time
	HasReadings bool
}

type Score struct {
	Status            reading.Status `json:"status"`
	Overall           float64        `json:"overall_health_score"`
	BatteryScore      *float64       `json:"battery_score"`
	ConnectivityScore float64        `json:"connectivity_score"`
	UptimeScore       float64        `json:"sensor_uptime_score"`
	OnlineSensors     int            `json:"online_sensors"`
	TotalSensors      int            `json:"total_sensors"`
	AverageLatency    *float64       `json:"average_latency_ms,omitempty"`
	Weights           Weights        `json:"weights"`
	Alerts            []Alert        `json:"alerts"`
	EvaluatedAt       time.Time      `json:"evaluated_at"`
}

// Evaluate scores devices and freshness at now. With no registered sensors
// the status is no_data and every score is zero. BatteryScore stays nil
// while no online sensor has reported a battery level.
func Evaluate(devices []registry.DeviceStatus, freshness []Freshness, now time.Time, opts Options) Score {
	score := Score{
		Status:      reading.StatusNoData,
		Weights:     opts.Weights,
		Alerts:      []Alert{},
		EvaluatedAt: now.UTC(),
	}
	score.TotalSensors = len(devices)

	upWithin := 2 * opts.ExpectedPoll
	minBattery := math.Inf(1)
	up := 0
	latencySum, latencyCount := 0.0, 0
	for _, d := range devices {
		silentFor := now.Sub(d.LastSeen)
		if d.Online {
			score.OnlineSensors++
			if d.BatteryLevel != nil {
				minBattery = math.Min(minBattery, *d.BatteryLevel)
			}
			if d.NetworkLatency != nil {
				latencySum += *d.NetworkLatency
				latencyCount++
			}
		}
		if !d.LastSeen.IsZero() && silentFor <= upWithin {
			up++
		}
		score.Alerts = append(score.Alerts, deviceAlerts(d, silentFor, upWithin, opts)...)
	}

	for _, f := range freshness {
		if a, ok := freshnessAlert(f, now, opts); ok {
			score.Alerts = append(score.Alerts, a)
		}
	}
	sortAlerts(score.Alerts)

	if score.TotalSensors == 0 {
		return score
	}

	total := float64(score.TotalSensors)
	score.ConnectivityScore = round(float64(score.OnlineSensors) / total * 100)
	score.UptimeScore = round(float64(up) / total * 100)
	if !math.IsInf(minBattery, 1) {
		score.BatteryScore = reading.Float(round(BatteryScore(minBattery, opts.BatteryFloor)))
	}
	if latencyCount > 0 {
		score.AverageLatency = reading.Float(round(latencySum / float64(latencyCount)))
	}

	// an unknown battery score drops out of the weighted average
	w := opts.Weights
	weighted := w.Connectivity*score.ConnectivityScore + w.Uptime*score.UptimeScore
	weightSum := w.Connectivity + w.Uptime
	if score.BatteryScore != nil {
		weighted += w.Battery * *score.BatteryScore
		weightSum += w.Battery
	}
	if weightSum > 0 {
		score.Overall = round(weighted / weightSum)
	}
	score.Status = reading.StatusOK
	return score
}

// BatteryScore maps a battery level linearly onto 0-100, reaching 0 at the floor.
func BatteryScore(level, floor float64) float64 {
	if level <= floor {
		return 0
	}
	return math.Min(100, (level-floor)/(100-floor)*100)
}

func deviceAlerts(d registry.DeviceStatus, silentFor, upWithin time.Duration, opts Options) []Alert {
	var alerts []Alert
	reported := !d.LastSeen.IsZero()
	switch {
	case !reported || d.BatteryLevel == nil:
	case *d.BatteryLevel <= opts.BatteryFloor:
		alerts = append(alerts, Alert{
			SensorID: d.SensorID,
			Kind:     KindBattery,
			Message:  fmt.Sprintf("Battery critically low: %.0f%%", *d.BatteryLevel),
			Severity: SeverityCritical,
		})
	case *d.BatteryLevel < opts.BatteryWarning:
		alerts = append(alerts, Alert{
			SensorID: d.SensorID,
			Kind:     KindBattery,
			Message:  fmt.Sprintf("Low battery: %.0f%%", *d.BatteryLevel),
			Severity: SeverityWarning,
		})
	}

	switch {
	case !d.Online && (d.LastSeen.IsZero() || silentFor > opts.OfflineGrace):
		alerts = append(alerts, Alert{
			SensorID: d.SensorID,
			Kind:     KindOffline,
			Message:  offlineMessage(d, silentFor),
			Severity: SeverityWarning,
		})
	case d.Online && !reported:
		alerts = append(alerts, Alert{
			SensorID: d.SensorID,
			Kind:     KindSilent,
			Message:  "Sensor connected, never reported",
			Severity: SeverityInfo,
		})
	case d.Online && silentFor > upWithin:
		alerts = append(alerts, Alert{
			SensorID: d.SensorID,
			Kind:     KindSilent,
			Message:  fmt.Sprintf("No report for %s", silentFor.Round(time.Second)),
			Severity: SeverityInfo,
		})
	}
	return alerts
}

func offlineMessage(d registry.DeviceStatus, silentFor time.Duration) string {
	if d.LastSeen.IsZero() {
		return "Sensor offline, never reported"
	}
	return fmt.Sprintf("Sensor offline for %s", silentFor.Round(time.Second))
}

func freshnessAlert(f Freshness, now time.Time, opts Options) (Alert, bool) {
	id := "location:" + f.Location.Key()
	if !f.HasReadings {
		return Alert{SensorID: id, Kind: KindStaleReadings, Message: "No readings stored", Severity: SeverityWarning}, true
	}
	age := now.Sub(f.LastReading)
	if opts.ReadingsStaleAfter <= 0 || age <= opts.ReadingsStaleAfter {
		return Alert{}, false
	}
	return Alert{
		SensorID: id,
		Kind:     KindStaleReadings,
		Message:  fmt.Sprintf("Latest reading is %s old", age.Round(time.Second)),
		Severity: SeverityWarning,
	}, true
}

func sortAlerts(alerts []Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		if a.Severity.rank() != b.Severity.rank() {
			return a.Severity.rank() > b.Severity.rank()
		}
		if a.SensorID != b.SensorID {
			return a.SensorID < b.SensorID
		}
		return a.Kind < b.Kind
	})
}

func round(v float64) float64 {
	return reading.Round(v, 2)
}

// LatestSource reports the newest stored reading of a location.
type LatestSource interface {
	Latest(ctx context.Context, loc reading.Location) (reading.Reading, bool, error)
}

// Scorer evaluates the live registry on every call; it keeps no state between calls.
type Scorer struct {
	registry  registry.Registry
	latest    LatestSource
	locations []reading.Location
	opts      Options
	now       func() time.Time
}

// NewScorer creates a scorer. latest may be nil to skip freshness checks.
func NewScorer(reg registry.Registry, latest LatestSource, locations []reading.Location, opts Options) *Scorer {
	return &Scorer{registry: reg, latest: latest, locations: locations, opts: opts, now: time.Now}
}

func (s *Scorer) Score(ctx context.Context) (*Score, error) {
	devices, err := s.registry.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read device registry: %w", err)
	}

	var freshness []Freshness
	if s.latest != nil {
		for _, loc := range s.locations {
			r, ok, err := s.latest.Latest(ctx, loc)
			if err != nil {
				return nil, fmt.Errorf("failed to read freshness for %s: %w", loc.Key(), err)
			}
			freshness = append(freshness, Freshness{Location: loc, LastReading: r.Timestamp, HasReadings: ok})
		}
	}

	score := Evaluate(devices, freshness, s.now(), s.opts)
	return &score, nil
}
