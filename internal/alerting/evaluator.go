package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/smukkama/iot-watch/internal/anomaly"
	"github.com/smukkama/iot-watch/internal/health"
	"github.com/smukkama/iot-watch/internal/metrics"
	"github.com/smukkama/iot-watch/internal/protocol"
	"github.com/smukkama/iot-watch/internal/reading"
)

const KindAnomaly = "anomaly"

// Analytics is the part of the analytics service alerting reads.
type Analytics interface {
	DeviceHealth(ctx context.Context) (*health.Score, error)
	Anomalies(ctx context.Context, loc reading.Location, hours int) (*anomaly.Report, error)
}

// Publisher is the write side of the alerts topic.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Candidate is an alert condition observed in the current round.
type Candidate struct {
	SensorID string
	Kind     string
	Severity string
	Message  string
	Value    *float64
}

func (c Candidate) key() string { return StateKey(c.SensorID, c.Kind) }

type Options struct {
	// Hold is how long a condition must persist before it triggers.
	Hold time.Duration
	// MinSeverity filters health alerts; info alerts are not announced by default.
	MinSeverity health.Severity
	// AnomalyHours is the trailing window scanned for critical anomalies.
	AnomalyHours int
}

// Evaluator compares the current alert conditions with the stored states and
// publishes TRIGGERED and CLEARED notifications for the differences.
type Evaluator struct {
	analytics Analytics
	locations []reading.Location
	states    StateStore
	publisher Publisher
	opts      Options
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewEvaluator(analytics Analytics, locations []reading.Location, states StateStore, publisher Publisher,
	opts Options, m *metrics.Metrics, logger *slog.Logger) *Evaluator {
	if opts.MinSeverity == "" {
		opts.MinSeverity = health.SeverityWarning
	}
	if opts.AnomalyHours <= 0 {
		opts.AnomalyHours = 1
	}
	return &Evaluator{
		analytics: analytics,
		locations: locations,
		states:    states,
		publisher: publisher,
		opts:      opts,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Run evaluates one round: it collects the current conditions and applies them.
func (e *Evaluator) Run(ctx context.Context) error {
	candidates, err := e.Collect(ctx)
	if err != nil {
		return err
	}
	return e.Apply(ctx, candidates)
}

// Collect gathers health alerts at or above MinSeverity and one candidate
// per location with critical anomalies in the trailing window.
func (e *Evaluator) Collect(ctx context.Context) ([]Candidate, error) {
	score, err := e.analytics.DeviceHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("device health: %w", err)
	}

	var out []Candidate
	for _, a := range score.Alerts {
		if !a.Severity.AtLeast(e.opts.MinSeverity) {
			continue
		}
		out = append(out, Candidate{SensorID: a.SensorID, Kind: a.Kind, Severity: string(a.Severity), Message: a.Message})
	}

	for _, loc := range e.locations {
		report, err := e.analytics.Anomalies(ctx, loc, e.opts.AnomalyHours)
		if err != nil {
			return nil, fmt.Errorf("anomalies %s: %w", loc.Key(), err)
		}
		if c, ok := anomalyCandidate(loc, report); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func anomalyCandidate(loc reading.Location, report *anomaly.Report) (Candidate, bool) {
	var worst *anomaly.Record
	critical := 0
	for i, rec := range report.Flagged {
		if rec.Severity != anomaly.SeverityCritical {
			continue
		}
		critical++
		if worst == nil || math.Abs(rec.ZScore) > math.Abs(worst.ZScore) {
			worst = &report.Flagged[i]
		}
	}
	if worst == nil {
		return Candidate{}, false
	}
	value := worst.Observed
	return Candidate{
		SensorID: "location:" + loc.Key(),
		Kind:     KindAnomaly,
		Severity: string(anomaly.SeverityCritical),
		Message:  fmt.Sprintf("%d critical temperature anomalies, worst %.2f°C (z=%.2f)", critical, worst.Observed, worst.ZScore),
		Value:    &value,
	}, true
}

// Apply moves every stored state one step given the current candidates.
func (e *Evaluator) Apply(ctx context.Context, candidates []Candidate) error {
	states, err := e.states.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alert states: %w", err)
	}
	now := e.now()

	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		key := c.key()
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := e.handleCondition(ctx, key, c, states[key], now); err != nil {
			e.logger.Error("failed to evaluate alert", "sensor_id", c.SensorID, "kind", c.Kind, "error", err)
		}
	}

	for key, state := range states {
		if seen[key] {
			continue
		}
		if err := e.handleRecovery(ctx, key, state, now); err != nil {
			e.logger.Error("failed to clear alert", "sensor_id", state.SensorID, "kind", state.Kind, "error", err)
		}
	}
	return nil
}

func (e *Evaluator) handleCondition(ctx context.Context, key string, c Candidate, state *AlertState, now time.Time) error {
	if state == nil {
		state = &AlertState{
			Status:    StatePending,
			SensorID:  c.SensorID,
			Kind:      c.Kind,
			StartTime: now,
		}
	}
	state.Severity = c.Severity
	state.Message = c.Message
	state.Value = c.Value
	state.LastChecked = now

	if state.Status == StatePending && now.Sub(state.StartTime) >= e.opts.Hold {
		return e.trigger(ctx, key, state, now)
	}
	return e.states.Set(ctx, key, state)
}

func (e *Evaluator) handleRecovery(ctx context.Context, key string, state *AlertState, now time.Time) error {
	if state.Status == StateActive {
		return e.clear(ctx, key, state, now)
	}
	// condition ended before it triggered
	return e.states.Delete(ctx, key)
}

func (e *Evaluator) trigger(ctx context.Context, key string, state *AlertState, now time.Time) error {
	state.Status = StateActive
	state.AlertID = uuid.NewString()
	if err := e.states.Set(ctx, key, state); err != nil {
		return err
	}
	e.logger.Warn("alert triggered", "sensor_id", state.SensorID, "kind", state.Kind, "severity", state.Severity, "message", state.Message)
	return e.publish(ctx, protocol.AlertTypeTriggered, state, now)
}

func (e *Evaluator) clear(ctx context.Context, key string, state *AlertState, now time.Time) error {
	if err := e.states.Delete(ctx, key); err != nil {
		return err
	}
	e.logger.Info("alert cleared", "sensor_id", state.SensorID, "kind", state.Kind)
	return e.publish(ctx, protocol.AlertTypeCleared, state, now)
}

func (e *Evaluator) publish(ctx context.Context, kind string, state *AlertState, now time.Time) error {
	data, err := protocol.EncodeAlertNotification(&protocol.AlertNotification{
		Type:      kind,
		AlertID:   state.AlertID,
		SensorID:  state.SensorID,
		Kind:      state.Kind,
		Severity:  state.Severity,
		Message:   state.Message,
		Value:     state.Value,
		StartTime: state.StartTime,
		Timestamp: now,
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := e.publisher.Publish(ctx, StateKey(state.SensorID, state.Kind), data); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	e.metrics.AlertPublished(kind)
	return nil
}
