// Package anomaly flags recent readings that deviate from a baseline built
// from the preceding lookback period.
package anomaly

import (
	"context"
	"fmt"
	"iter"
	"math"
	"sort"
	"time"

	"github.com/smukkama/iot-watch/internal/reading"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Threshold flags readings whose |z| is strictly greater than Z.
type Threshold struct {
	Z        float64
	Severity Severity
}

// DefaultThresholds are 2σ warning and 3σ critical.
var DefaultThresholds = []Threshold{
	{Z: 2.0, Severity: SeverityWarning},
	{Z: 3.0, Severity: SeverityCritical},
}

type Record struct {
	Timestamp      time.Time `json:"timestamp"`
	Observed       float64   `json:"observed_value"`
	BaselineMean   float64   `json:"baseline_mean"`
	BaselineStdDev float64   `json:"baseline_stddev"`
	ZScore         float64   `json:"z_score"`
	Severity       Severity  `json:"severity"`
}

type Baseline struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Mean   float64   `json:"mean"`
	StdDev float64   `json:"stddev"`
	Count  int       `json:"count"`
}

type Report struct {
	Status            reading.Status   `json:"status"`
	Location          reading.Location `json:"location"`
	WindowStart       time.Time        `json:"window_start"`
	WindowEnd         time.Time        `json:"window_end"`
	Baseline          *Baseline        `json:"baseline,omitempty"`
	AnomaliesDetected int              `json:"anomalies_detected"`
	TotalReadings     int              `json:"total_readings"`
	Flagged           []Record         `json:"flagged"`
}

// Classify returns the highest severity whose threshold |z| exceeds.
func Classify(z float64, thresholds []Threshold) (Severity, bool) {
	var (
		best  Severity
		level = math.Inf(-1)
	)
	abs := math.Abs(z)
	for _, t := range thresholds {
		if abs > t.Z && t.Z > level {
			best, level = t.Severity, t.Z
		}
	}
	return best, best != ""
}

// BaselineOf computes the population mean and standard deviation of values.
func BaselineOf(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN()
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))
	ss := 0.0
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(values)))
}

// Detect scores candidates against the baseline statistics. A zero standard
// deviation flags nothing.
func Detect(mean, std float64, candidates []reading.Reading, thresholds []Threshold) []Record {
	flagged := []Record{}
	if std == 0 || math.IsNaN(std) {
		return flagged
	}
	for _, r := range candidates {
		z := (r.Temperature - mean) / std
		severity, ok := Classify(z, thresholds)
		if !ok {
			continue
		}
		flagged = append(flagged, Record{
			Timestamp:      r.Timestamp,
			Observed:       r.Temperature,
			BaselineMean:   mean,
			BaselineStdDev: std,
			ZScore:         z,
			Severity:       severity,
		})
	}
	return flagged
}

// Source is the read side of the Reading Store.
type Source interface {
	Query(ctx context.Context, q reading.Query) iter.Seq2[reading.Reading, error]
}

type Options struct {
	Window     time.Duration
	Lookback   time.Duration
	Thresholds []Threshold
}

// Detector evaluates the trailing window of a location against the lookback
// period immediately before it.
type Detector struct {
	source Source
	opts   Options
}

func NewDetector(source Source, opts Options) *Detector {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 7 * 24 * time.Hour
	}
	if len(opts.Thresholds) == 0 {
		opts.Thresholds = DefaultThresholds
	}
	thresholds := append([]Threshold(nil), opts.Thresholds...)
	sort.Slice(thresholds, func(i, j int) bool { return thresholds[i].Z < thresholds[j].Z })
	opts.Thresholds = thresholds
	return &Detector{source: source, opts: opts}
}

// Analyze runs detection over the configured window ending at now.
func (d *Detector) Analyze(ctx context.Context, loc reading.Location, now time.Time) (*Report, error) {
	return d.AnalyzeWindow(ctx, loc, now, d.opts.Window)
}

// AnalyzeWindow runs detection over [now-window, now]. The baseline covers
// the lookback period ending where the window starts.
func (d *Detector) AnalyzeWindow(ctx context.Context, loc reading.Location, now time.Time, window time.Duration) (*Report, error) {
	if window <= 0 {
		return nil, &reading.ValidationError{Field: "window", Reason: "must be positive"}
	}
	end := now.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	windowStart := now.UTC().Add(-window)
	baselineStart := windowStart.Add(-d.opts.Lookback)

	candidates, err := reading.Collect(d.source.Query(ctx, reading.Query{Location: &loc, Start: windowStart, End: end}))
	if err != nil {
		return nil, fmt.Errorf("anomaly window: %w", err)
	}

	report := &Report{
		Status:        reading.StatusNoData,
		Location:      loc,
		WindowStart:   windowStart,
		WindowEnd:     now.UTC(),
		TotalReadings: len(candidates),
		Flagged:       []Record{},
	}
	if len(candidates) == 0 {
		return report, nil
	}

	var values []float64
	for r, err := range d.source.Query(ctx, reading.Query{Location: &loc, Start: baselineStart, End: windowStart}) {
		if err != nil {
			return nil, fmt.Errorf("anomaly baseline: %w", err)
		}
		values = append(values, r.Temperature)
	}
	if len(values) == 0 {
		report.Status = reading.StatusInsufficientData
		return report, nil
	}

	mean, std := BaselineOf(values)
	report.Baseline = &Baseline{Start: baselineStart, End: windowStart, Mean: mean, StdDev: std, Count: len(values)}
	report.Flagged = Detect(mean, std, candidates, d.opts.Thresholds)
	report.AnomaliesDetected = len(report.Flagged)
	report.Status = reading.StatusOK
	return report, nil
}
