package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/smukkama/iot-watch/internal/reading"
)

// MaxDays is the furthest day a day-ahead forecast reaches.
const MaxDays = 5

// minProfileHours is how many distinct hours of day the lookback must cover
// before its hour-of-day profile is applied.
const minProfileHours = 12

type DayPoint struct {
	Hour        int       `json:"hour"`
	Time        string    `json:"time"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	Confidence  float64   `json:"confidence"`
	ModelType   Model     `json:"model_type"`
}

// DayResult is the hourly forecast for one local calendar day.
type DayResult struct {
	Status          reading.Status   `json:"status"`
	Location        reading.Location `json:"location"`
	Day             int              `json:"day"`
	Date            string           `json:"date"`
	DayOfWeek       string           `json:"day_of_week"`
	Hourly          []DayPoint       `json:"hourly"`
	MinTemp         *float64         `json:"min_temp"`
	MaxTemp         *float64         `json:"max_temp"`
	AvgTemp         *float64         `json:"avg_temp"`
	ModelType       Model            `json:"model_type"`
	HourlyProfile   bool             `json:"hourly_profile"`
	SampleCount     int              `json:"sample_count"`
	RequiredSamples int              `json:"required_samples"`
}

// Err returns an InsufficientDataError for a degraded result, nil otherwise.
func (r *DayResult) Err() error {
	if r.Status != reading.StatusInsufficientData {
		return nil
	}
	return &reading.InsufficientDataError{Op: "predict day", Have: r.SampleCount, Need: r.RequiredSamples}
}

type profile [24]float64

func (p *profile) offset(t time.Time, tz *time.Location) float64 {
	if p == nil {
		return 0
	}
	return p[t.In(tz).Hour()]
}

// hourProfile returns the mean deviation of each local hour from the mean of
// all observed hours, or nil when too few hours are covered.
func hourProfile(history []reading.Reading, tz *time.Location) *profile {
	var sums, counts [24]float64
	for _, r := range history {
		h := r.Timestamp.In(tz).Hour()
		sums[h] += r.Temperature
		counts[h]++
	}
	var means [24]float64
	covered, total := 0, 0.0
	for h := range sums {
		if counts[h] == 0 {
			continue
		}
		means[h] = sums[h] / counts[h]
		total += means[h]
		covered++
	}
	if covered < minProfileHours {
		return nil
	}
	level := total / float64(covered)
	var p profile
	for h := range means {
		if counts[h] > 0 {
			p[h] = means[h] - level
		}
	}
	return &p
}

// FitDay forecasts the 24 local hours of the day that starts day days after
// the local date of now. history is the lookback ordered by time; its last
// Window fits the base model and the whole of it shapes the hour-of-day
// profile added on top. Confidence decays with lead time as
// c * window/(window+lead).
func FitDay(history []reading.Reading, now time.Time, day int, opts Options) (DayResult, error) {
	if day < 1 || day > MaxDays {
		return DayResult{}, &reading.ValidationError{Field: "day", Reason: fmt.Sprintf("must be between 1 and %d", MaxDays)}
	}
	opts = opts.withDefaults()
	tz := opts.Timezone

	local := now.In(tz)
	date := time.Date(local.Year(), local.Month(), local.Day()+day, 0, 0, 0, 0, tz)
	res := DayResult{
		Status:          reading.StatusInsufficientData,
		Day:             day,
		Date:            date.Format(time.DateOnly),
		DayOfWeek:       date.Weekday().String(),
		Hourly:          []DayPoint{},
		ModelType:       ModelNone,
		RequiredSamples: opts.MinSamples,
	}

	prof := hourProfile(history, tz)
	windowStart := now.Add(-opts.Window)
	var samples []reading.Reading
	for _, r := range history {
		if r.Timestamp.Before(windowStart) || r.Timestamp.After(now) {
			continue
		}
		r.Temperature -= prof.offset(r.Timestamp, tz)
		samples = append(samples, r)
	}
	res.SampleCount = len(samples)
	if len(samples) < opts.MinSamples {
		return res, nil
	}

	lo, hi, sum := math.Inf(1), math.Inf(-1), 0.0
	for h := 0; h < 24; h++ {
		target := time.Date(date.Year(), date.Month(), date.Day(), h, 0, 0, 0, tz)
		fit := Fit(samples, target, opts)
		v := reading.Round(*fit.PredictedValue+prof.offset(target, tz), 2)
		lead := target.Sub(now).Hours()
		conf := reading.Round(fit.Confidence*opts.Window.Hours()/(opts.Window.Hours()+lead), 3)

		res.Hourly = append(res.Hourly, DayPoint{
			Hour:        h,
			Time:        fmt.Sprintf("%02d:00", h),
			Timestamp:   target.UTC(),
			Temperature: v,
			Confidence:  conf,
			ModelType:   fit.ModelType,
		})
		res.ModelType = fit.ModelType
		lo, hi, sum = math.Min(lo, v), math.Max(hi, v), sum+v
	}
	avg := reading.Round(sum/float64(len(res.Hourly)), 2)
	res.MinTemp, res.MaxTemp, res.AvgTemp = &lo, &hi, &avg
	res.HourlyProfile = prof != nil
	res.Status = reading.StatusOK
	return res, nil
}

// Day forecasts the hourly series of the day'th local day after now, using
// the trailing DayLookback of readings.
func (p *Predictor) Day(ctx context.Context, loc reading.Location, now time.Time, day int) (*DayResult, error) {
	if day < 1 || day > MaxDays {
		return nil, &reading.ValidationError{Field: "day", Reason: fmt.Sprintf("must be between 1 and %d", MaxDays)}
	}
	q := reading.Query{
		Location: &loc,
		Start:    now.UTC().Add(-p.opts.DayLookback),
		End:      now.UTC().Truncate(time.Microsecond).Add(time.Microsecond),
	}
	history, err := reading.Collect(p.source.Query(ctx, q))
	if err != nil {
		return nil, fmt.Errorf("predict day: %w", err)
	}
	res, err := FitDay(history, now, day, p.opts)
	if err != nil {
		return nil, err
	}
	res.Location = loc
	return &res, nil
}
