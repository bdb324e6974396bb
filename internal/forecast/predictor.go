// Package forecast extrapolates recent readings to a short horizon.
package forecast

import (
	"context"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/smukkama/iot-watch/internal/reading"
)

type Model string

const (
	ModelLinear Model = "linear_regression"
	ModelEWMA   Model = "ewma"
	ModelNone   Model = "none"
)

// sampleHalf is the sample count at which the sample factor of the
// confidence reaches one half.
const sampleHalf = 10.0

type Result struct {
	Status          reading.Status   `json:"status"`
	Location        reading.Location `json:"location"`
	TargetTimestamp time.Time        `json:"target_timestamp"`
	PredictedValue  *float64         `json:"predicted_value"`
	Confidence      float64          `json:"confidence"`
	ModelType       Model            `json:"model_type"`
	SampleCount     int              `json:"sample_count"`
	RequiredSamples int              `json:"required_samples"`
	SlopePerHour    *float64         `json:"slope_per_hour,omitempty"`
	ResidualStdDev  float64          `json:"residual_stddev"`
}

type Options struct {
	Window     time.Duration
	MinSamples int
	Horizon    time.Duration
	// Model is the preferred model; linear regression falls back to EWMA
	// when all samples share one timestamp.
	Model Model
	Alpha float64
	// DayLookback bounds the history a day-ahead forecast reads; it is
	// never shorter than Window.
	DayLookback time.Duration
	Timezone    *time.Location
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = 24 * time.Hour
	}
	if o.MinSamples < 2 {
		o.MinSamples = 3
	}
	if o.Horizon <= 0 {
		o.Horizon = time.Hour
	}
	if o.Model != ModelEWMA {
		o.Model = ModelLinear
	}
	if o.Alpha <= 0 || o.Alpha > 1 {
		o.Alpha = 0.3
	}
	if o.DayLookback <= 0 {
		o.DayLookback = 7 * 24 * time.Hour
	}
	o.DayLookback = max(o.DayLookback, o.Window)
	if o.Timezone == nil {
		o.Timezone = time.UTC
	}
	return o
}

// Fit predicts the value at target from samples ordered by time. With fewer
// than MinSamples it returns an insufficient-data result and no value.
func Fit(samples []reading.Reading, target time.Time, opts Options) Result {
	opts = opts.withDefaults()
	res := Result{
		Status:          reading.StatusInsufficientData,
		TargetTimestamp: target.UTC(),
		ModelType:       ModelNone,
		SampleCount:     len(samples),
		RequiredSamples: opts.MinSamples,
	}
	if len(samples) < opts.MinSamples {
		return res
	}

	var (
		value, variance float64
		model           = opts.Model
	)
	if model == ModelLinear {
		v, slope, resVar, ok := linear(samples, target)
		if ok {
			value, variance = v, resVar
			res.SlopePerHour = &slope
		} else {
			model = ModelEWMA
		}
	}
	if model == ModelEWMA {
		value, variance = ewma(samples, opts.Alpha)
	}

	res.Status = reading.StatusOK
	res.ModelType = model
	res.PredictedValue = &value
	res.ResidualStdDev = math.Sqrt(variance)
	res.Confidence = Confidence(len(samples), variance)
	return res
}

// Confidence grows with sample count and shrinks with residual variance:
// n/(n+10) * 1/(1+variance), rounded to three decimals.
func Confidence(n int, variance float64) float64 {
	if n <= 0 || math.IsNaN(variance) || variance < 0 {
		return 0
	}
	c := float64(n) / (float64(n) + sampleHalf) / (1 + variance)
	return reading.Round(math.Max(0, math.Min(1, c)), 3)
}

// linear fits temperature against hours since the last sample. ok is false
// when the timestamps carry no spread.
func linear(samples []reading.Reading, target time.Time) (value, slope, variance float64, ok bool) {
	last := samples[len(samples)-1].Timestamp
	n := float64(len(samples))

	var sx, sy float64
	xs := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = s.Timestamp.Sub(last).Hours()
		sx += xs[i]
		sy += s.Temperature
	}
	mx, my := sx/n, sy/n

	var sxx, sxy float64
	for i, s := range samples {
		dx := xs[i] - mx
		sxx += dx * dx
		sxy += dx * (s.Temperature - my)
	}
	if sxx == 0 {
		return 0, 0, 0, false
	}
	slope = sxy / sxx
	intercept := my - slope*mx

	sse := 0.0
	for i, s := range samples {
		r := s.Temperature - (intercept + slope*xs[i])
		sse += r * r
	}
	if len(samples) > 2 {
		variance = sse / (n - 2)
	}
	return intercept + slope*target.Sub(last).Hours(), slope, variance, true
}

// ewma returns the smoothed level and the variance of its one-step-ahead errors.
func ewma(samples []reading.Reading, alpha float64) (level, variance float64) {
	level = samples[0].Temperature
	sse := 0.0
	for _, s := range samples[1:] {
		e := s.Temperature - level
		sse += e * e
		level += alpha * e
	}
	if len(samples) > 1 {
		variance = sse / float64(len(samples)-1)
	}
	return level, variance
}

// Source is the read side of the Reading Store.
type Source interface {
	Query(ctx context.Context, q reading.Query) iter.Seq2[reading.Reading, error]
}

// Predictor fits the trailing window of readings that precede the request time.
type Predictor struct {
	source Source
	opts   Options
}

func NewPredictor(source Source, opts Options) *Predictor {
	return &Predictor{source: source, opts: opts.withDefaults()}
}

// Predict forecasts the value at now+horizon using readings from
// [now-window, now]. A zero horizon uses the configured default.
func (p *Predictor) Predict(ctx context.Context, loc reading.Location, now time.Time, horizon time.Duration) (*Result, error) {
	if horizon < 0 {
		return nil, &reading.ValidationError{Field: "horizon", Reason: "must not be negative"}
	}
	if horizon == 0 {
		horizon = p.opts.Horizon
	}
	q := reading.Query{
		Location: &loc,
		Start:    now.UTC().Add(-p.opts.Window),
		End:      now.UTC().Truncate(time.Microsecond).Add(time.Microsecond),
	}
	samples, err := reading.Collect(p.source.Query(ctx, q))
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}

	res := Fit(samples, now.Add(horizon), p.opts)
	res.Location = loc
	return &res, nil
}

// Err returns an InsufficientDataError for a degraded result, nil otherwise.
func (r *Result) Err() error {
	if r.Status != reading.StatusInsufficientData {
		return nil
	}
	return &reading.InsufficientDataError{Op: "predict", Have: r.SampleCount, Need: r.RequiredSamples}
}
