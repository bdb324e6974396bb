package forecast

import (
	"context"
	"errors"
	"iter"
	"math"
	"testing"
	"time"

	"github.com/smukkama/iot-watch/internal/reading"
)

var (
	loc = reading.Location{Latitude: 30.4202, Longitude: -9.5982}
	now = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
)

type fakeSource struct {
	readings []reading.Reading
	lastQ    reading.Query
}

func (f *fakeSource) Query(_ context.Context, q reading.Query) iter.Seq2[reading.Reading, error] {
	f.lastQ = q
	return func(yield func(reading.Reading, error) bool) {
		for _, r := range f.readings {
			if r.Timestamp.Before(q.Start) || !r.Timestamp.Before(q.End) {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func hourly(values ...float64) []reading.Reading {
	out := make([]reading.Reading, len(values))
	for i, v := range values {
		out[i] = reading.Reading{
			Timestamp:   now.Add(-time.Duration(len(values)-1-i) * time.Hour),
			Latitude:    loc.Latitude,
			Longitude:   loc.Longitude,
			Temperature: v,
		}
	}
	return out
}

func TestFitPerfectLine(t *testing.T) {
	res := Fit(hourly(10, 11, 12, 13, 14), now.Add(time.Hour), Options{})
	if res.Status != reading.StatusOK || res.ModelType != ModelLinear {
		t.Fatalf("expected linear fit, got %s/%s", res.Status, res.ModelType)
	}
	if res.PredictedValue == nil || math.Abs(*res.PredictedValue-15) > 1e-9 {
		t.Fatalf("expected 15, got %v", res.PredictedValue)
	}
	if res.SlopePerHour == nil || math.Abs(*res.SlopePerHour-1) > 1e-9 {
		t.Errorf("expected slope 1/h, got %v", res.SlopePerHour)
	}
	if res.ResidualStdDev > 1e-9 {
		t.Errorf("expected zero residual, got %v", res.ResidualStdDev)
	}
	if want := Confidence(5, 0); res.Confidence != want {
		t.Errorf("expected confidence %v, got %v", want, res.Confidence)
	}
}

func TestFitInsufficientData(t *testing.T) {
	res := Fit(hourly(10, 11), now.Add(time.Hour), Options{MinSamples: 3})
	if res.Status != reading.StatusInsufficientData {
		t.Fatalf("expected insufficient data, got %s", res.Status)
	}
	if res.PredictedValue != nil || res.ModelType != ModelNone || res.SlopePerHour != nil {
		t.Errorf("insufficient result must not carry a fit: %+v", res)
	}

	var insufficient *reading.InsufficientDataError
	if err := res.Err(); !errors.As(err, &insufficient) || insufficient.Have != 2 || insufficient.Need != 3 {
		t.Errorf("expected InsufficientDataError 2/3, got %v", err)
	}
}

func TestFitFallsBackWhenTimestampsCoincide(t *testing.T) {
	samples := hourly(10, 12, 14)
	for i := range samples {
		samples[i].Timestamp = now
	}
	res := Fit(samples, now.Add(time.Hour), Options{})
	if res.ModelType != ModelEWMA {
		t.Fatalf("expected ewma fallback to be reported, got %s", res.ModelType)
	}
	if res.PredictedValue == nil || res.SlopePerHour != nil {
		t.Errorf("unexpected fallback result %+v", res)
	}
}

func TestFitEWMA(t *testing.T) {
	res := Fit(hourly(20, 20, 20, 20), now.Add(time.Hour), Options{Model: ModelEWMA})
	if res.ModelType != ModelEWMA || *res.PredictedValue != 20 {
		t.Fatalf("expected constant ewma prediction of 20, got %+v", res)
	}
}

func TestConfidenceBounds(t *testing.T) {
	for _, n := range []int{1, 3, 10, 1000, 1000000} {
		for _, v := range []float64{0, 0.5, 4, 1e6} {
			c := Confidence(n, v)
			if c < 0 || c > 1 {
				t.Fatalf("confidence(%d, %v) = %v out of [0,1]", n, v, c)
			}
		}
	}
	if Confidence(20, 0) <= Confidence(5, 0) {
		t.Error("expected confidence to grow with sample count")
	}
	if Confidence(20, 4) >= Confidence(20, 0.5) {
		t.Error("expected confidence to shrink with residual variance")
	}
	if Confidence(0, 0) != 0 {
		t.Error("expected zero confidence without samples")
	}
}

func TestNoisierSeriesLowersConfidence(t *testing.T) {
	smooth := Fit(hourly(10, 11, 12, 13, 14, 15), now.Add(time.Hour), Options{})
	noisy := Fit(hourly(10, 14, 9, 16, 11, 15), now.Add(time.Hour), Options{})
	if noisy.Confidence >= smooth.Confidence {
		t.Errorf("expected noisy fit (%v) to be less confident than smooth fit (%v)", noisy.Confidence, smooth.Confidence)
	}
}

func TestPredictUsesOnlyPastWindow(t *testing.T) {
	readings := hourly(10, 11, 12, 13)
	// a reading after now must never be used
	readings = append(readings, reading.Reading{Timestamp: now.Add(30 * time.Minute), Latitude: loc.Latitude, Longitude: loc.Longitude, Temperature: 99})
	src := &fakeSource{readings: readings}
	p := NewPredictor(src, Options{Window: 24 * time.Hour})

	res, err := p.Predict(context.Background(), loc, now, 0)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if res.SampleCount != 4 {
		t.Fatalf("expected 4 past samples, got %d", res.SampleCount)
	}
	if !res.TargetTimestamp.Equal(now.Add(time.Hour)) {
		t.Errorf("expected default one hour horizon, got %s", res.TargetTimestamp)
	}
	if math.Abs(*res.PredictedValue-14) > 1e-9 {
		t.Errorf("expected 14, got %v", *res.PredictedValue)
	}
	if !src.lastQ.Start.Equal(now.Add(-24 * time.Hour)) {
		t.Errorf("expected 24h window, got start %s", src.lastQ.Start)
	}
}

func TestPredictRejectsNegativeHorizon(t *testing.T) {
	p := NewPredictor(&fakeSource{}, Options{})
	_, err := p.Predict(context.Background(), loc, now, -time.Hour)
	var verr *reading.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
