// Package analytics is the query surface of the system: it answers the
// latest, history, weekly, boxplot, heatmap, anomaly, prediction and device
// health operations from the Reading Store and the device registry.
package analytics

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/smukkama/iot-watch/internal/aggregation"
	"github.com/smukkama/iot-watch/internal/anomaly"
	"github.com/smukkama/iot-watch/internal/forecast"
	"github.com/smukkama/iot-watch/internal/health"
	"github.com/smukkama/iot-watch/internal/metrics"
	"github.com/smukkama/iot-watch/internal/reading"
	"github.com/smukkama/iot-watch/internal/trend"
)

// Store is the Reading Store as seen by the service.
type Store interface {
	Append(ctx context.Context, r reading.Reading) error
	Query(ctx context.Context, q reading.Query) iter.Seq2[reading.Reading, error]
	Last(ctx context.Context, loc reading.Location, n int) ([]reading.Reading, error)
	Latest(ctx context.Context, loc reading.Location) (reading.Reading, bool, error)
	Since(ctx context.Context, loc reading.Location, t time.Time) ([]reading.Reading, error)
}

type Options struct {
	TrendEpsilon float64
	RecentLimit  int
	Timezone     *time.Location
}

type Service struct {
	store      Store
	aggregator *aggregation.Aggregator
	detector   *anomaly.Detector
	predictor  *forecast.Predictor
	scorer     *health.Scorer
	metrics    *metrics.Metrics
	logger     *slog.Logger
	opts       Options

	// Now is the reference time of every query.
	Now func() time.Time
}

func NewService(
	store Store,
	aggregator *aggregation.Aggregator,
	detector *anomaly.Detector,
	predictor *forecast.Predictor,
	scorer *health.Scorer,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts Options,
) *Service {
	if opts.TrendEpsilon <= 0 {
		opts.TrendEpsilon = trend.DefaultEpsilon
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 10
	}
	if opts.Timezone == nil {
		opts.Timezone = time.UTC
	}
	return &Service{
		store:      store,
		aggregator: aggregator,
		detector:   detector,
		predictor:  predictor,
		scorer:     scorer,
		metrics:    m,
		logger:     logger,
		opts:       opts,
		Now:        time.Now,
	}
}

// Append stores a reading and drops the cached aggregates of its location.
func (s *Service) Append(ctx context.Context, r reading.Reading) error {
	if err := s.store.Append(ctx, r); err != nil {
		s.recordAppendError(err)
		return err
	}
	s.metrics.ReadingAppended(r.Source)

	if err := s.aggregator.Invalidate(ctx, r.Location()); err != nil {
		// entries still expire by TTL
		s.logger.Warn("failed to invalidate aggregate cache", "location", r.Location().Key(), "error", err)
	}
	return nil
}

func (s *Service) recordAppendError(err error) {
	var verr *reading.ValidationError
	switch {
	case errors.As(err, &verr):
		s.metrics.ReadingRejected(verr.Field)
	default:
		var unavailable *reading.StoreUnavailableError
		if errors.As(err, &unavailable) {
			s.metrics.StoreError()
		}
	}
}

// Latest returns the newest reading with its trend against the one before it.
func (s *Service) Latest(ctx context.Context, loc reading.Location) (*LatestResult, error) {
	defer s.metrics.ObserveQuery("latest", time.Now())

	last, err := s.store.Last(ctx, loc, 2)
	if err != nil {
		return nil, err
	}
	res := &LatestResult{Status: reading.StatusNoData, Location: loc}
	if len(last) == 0 {
		return res, nil
	}

	current := last[len(last)-1]
	var previous *float64
	if len(last) == 2 {
		previous = &last[0].Temperature
	}
	res.Status = reading.StatusOK
	res.Time = current.Timestamp
	res.Temperature = current.Temperature
	res.Humidity = current.Humidity
	res.Trend = trend.Estimate(current.Temperature, previous, s.opts.TrendEpsilon)

	local := s.Now().In(s.opts.Timezone)
	hourStart := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, s.opts.Timezone)
	thisHour, err := s.store.Since(ctx, loc, hourStart)
	if err != nil {
		return nil, err
	}
	if len(thisHour) > 0 {
		sum := 0.0
		for _, r := range thisHour {
			sum += r.Temperature
		}
		avg := reading.Round(sum/float64(len(thisHour)), 2)
		res.CurrentHourAvg = &avg
	}
	res.ReadingsThisHour = len(thisHour)
	return res, nil
}

// History returns the readings of the trailing window, oldest first.
func (s *Service) History(ctx context.Context, loc reading.Location, window time.Duration) (*HistoryResult, error) {
	defer s.metrics.ObserveQuery("history", time.Now())

	if window <= 0 {
		return nil, &reading.ValidationError{Field: "window", Reason: "must be positive"}
	}
	now := s.Now().UTC()
	q := reading.Query{Location: &loc, Start: now.Add(-window), End: now.Truncate(time.Microsecond).Add(time.Microsecond)}

	res := &HistoryResult{Status: reading.StatusNoData, Location: loc, Points: []HistoryPoint{}}
	for r, err := range s.store.Query(ctx, q) {
		if err != nil {
			return nil, err
		}
		res.Points = append(res.Points, HistoryPoint{Timestamp: r.Timestamp, Temperature: r.Temperature, Humidity: r.Humidity})
	}
	if len(res.Points) > 0 {
		res.Status = reading.StatusOK
	}
	return res, nil
}

// Recent returns the last n readings, oldest first; n <= 0 uses the default limit.
func (s *Service) Recent(ctx context.Context, loc reading.Location, n int) (*HistoryResult, error) {
	defer s.metrics.ObserveQuery("recent", time.Now())

	if n <= 0 {
		n = s.opts.RecentLimit
	}
	last, err := s.store.Last(ctx, loc, n)
	if err != nil {
		return nil, err
	}
	res := &HistoryResult{Status: reading.StatusNoData, Location: loc, Points: make([]HistoryPoint, 0, len(last))}
	for _, r := range last {
		res.Points = append(res.Points, HistoryPoint{Timestamp: r.Timestamp, Temperature: r.Temperature, Humidity: r.Humidity})
	}
	if len(res.Points) > 0 {
		res.Status = reading.StatusOK
	}
	return res, nil
}

// WeeklyStats returns the per-day series and the window summary.
func (s *Service) WeeklyStats(ctx context.Context, loc reading.Location) (*WeeklyStatsResult, error) {
	defer s.metrics.ObserveQuery("weekly_stats", time.Now())

	stats, err := s.aggregator.Weekly(ctx, loc, s.Now())
	if err != nil {
		return nil, err
	}
	return newWeeklyStatsResult(stats), nil
}

func (s *Service) Boxplot(ctx context.Context, loc reading.Location, days int) (*aggregation.BoxplotResult, error) {
	defer s.metrics.ObserveQuery("boxplot", time.Now())
	return s.aggregator.Boxplot(ctx, loc, s.Now(), days)
}

func (s *Service) Heatmap(ctx context.Context, loc reading.Location) (*aggregation.HeatmapResult, error) {
	defer s.metrics.ObserveQuery("heatmap", time.Now())
	return s.aggregator.Heatmap(ctx, loc, s.Now())
}

// Anomalies analyzes the trailing hours; hours <= 0 uses the configured window.
func (s *Service) Anomalies(ctx context.Context, loc reading.Location, hours int) (*anomaly.Report, error) {
	defer s.metrics.ObserveQuery("anomalies", time.Now())
	if hours <= 0 {
		return s.detector.Analyze(ctx, loc, s.Now())
	}
	return s.detector.AnalyzeWindow(ctx, loc, s.Now(), time.Duration(hours)*time.Hour)
}

func (s *Service) Predict(ctx context.Context, loc reading.Location, horizon time.Duration) (*forecast.Result, error) {
	defer s.metrics.ObserveQuery("predict", time.Now())
	return s.predictor.Predict(ctx, loc, s.Now(), horizon)
}

// PredictDay forecasts the 24 local hours of the day'th day after today, day in 1..5.
func (s *Service) PredictDay(ctx context.Context, loc reading.Location, day int) (*forecast.DayResult, error) {
	defer s.metrics.ObserveQuery("predict_day", time.Now())
	return s.predictor.Day(ctx, loc, s.Now(), day)
}

func (s *Service) DeviceHealth(ctx context.Context) (*health.Score, error) {
	defer s.metrics.ObserveQuery("device_health", time.Now())
	return s.scorer.Score(ctx)
}
