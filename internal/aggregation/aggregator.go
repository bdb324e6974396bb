package aggregation

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/smukkama/iot-watch/internal/cache"
	"github.com/smukkama/iot-watch/internal/reading"
)

// Source is the read side of the Reading Store.
type Source interface {
	Query(ctx context.Context, q reading.Query) iter.Seq2[reading.Reading, error]
}

type Options struct {
	WindowDays  int
	BoxplotDays int
	Timezone    *time.Location
}

// Window describes the trailing calendar-aligned range an answer covers.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Days  int       `json:"days"`
}

type WeeklyStats struct {
	Status   reading.Status   `json:"status"`
	Location reading.Location `json:"location"`
	Window   Window           `json:"window"`
	Days     []DailyAggregate `json:"days"`
	Summary  *WeeklySummary   `json:"summary,omitempty"`
}

type HeatmapResult struct {
	Status   reading.Status   `json:"status"`
	Location reading.Location `json:"location"`
	Window   Window           `json:"window"`
	Heatmap  Heatmap          `json:"heatmap"`
}

type BoxplotResult struct {
	Status   reading.Status   `json:"status"`
	Location reading.Location `json:"location"`
	Window   Window           `json:"window"`
	Days     []BoxplotDay     `json:"days"`
}

// Aggregator turns a trailing window of readings into daily, heatmap and
// boxplot views. Results are cached per location until the next append.
type Aggregator struct {
	source Source
	cache  cache.Store
	opts   Options
	logger *slog.Logger
}

// NewAggregator creates an aggregator. A nil cache disables caching.
func NewAggregator(source Source, store cache.Store, opts Options, logger *slog.Logger) *Aggregator {
	if opts.WindowDays < 1 {
		opts.WindowDays = 7
	}
	if opts.BoxplotDays < 1 {
		opts.BoxplotDays = 5
	}
	if opts.Timezone == nil {
		opts.Timezone = time.UTC
	}
	return &Aggregator{source: source, cache: store, opts: opts, logger: logger}
}

// WindowFor returns the range covering the last days local calendar dates up to now.
func (a *Aggregator) WindowFor(now time.Time, days int) Window {
	local := now.In(a.opts.Timezone)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.opts.Timezone)
	return Window{
		Start: midnight.AddDate(0, 0, -(days - 1)).UTC(),
		End:   now.UTC().Truncate(time.Microsecond).Add(time.Microsecond),
		Days:  days,
	}
}

// Weekly computes daily aggregates and their summary over the configured window.
func (a *Aggregator) Weekly(ctx context.Context, loc reading.Location, now time.Time) (*WeeklyStats, error) {
	w := a.WindowFor(now, a.opts.WindowDays)
	key := a.key("weekly", loc, w)

	var cached WeeklyStats
	slot, hit := a.lookup(ctx, loc, key, &cached)
	if hit {
		return &cached, nil
	}

	readings, err := a.load(ctx, loc, w)
	if err != nil {
		return nil, fmt.Errorf("weekly stats: %w", err)
	}

	out := &WeeklyStats{Status: reading.StatusNoData, Location: loc, Window: w, Days: []DailyAggregate{}}
	if len(readings) > 0 {
		out.Days = Daily(readings, a.opts.Timezone)
		if summary, ok := Summarize(out.Days); ok {
			out.Summary = &summary
			out.Status = reading.StatusOK
		}
	}

	a.store(ctx, loc, slot, key, out)
	return out, nil
}

// Heatmap bins the configured window by local date and hour.
func (a *Aggregator) Heatmap(ctx context.Context, loc reading.Location, now time.Time) (*HeatmapResult, error) {
	w := a.WindowFor(now, a.opts.WindowDays)
	key := a.key("heatmap", loc, w)

	var cached HeatmapResult
	slot, hit := a.lookup(ctx, loc, key, &cached)
	if hit {
		return &cached, nil
	}

	readings, err := a.load(ctx, loc, w)
	if err != nil {
		return nil, fmt.Errorf("heatmap: %w", err)
	}

	out := &HeatmapResult{
		Status:   reading.StatusNoData,
		Location: loc,
		Window:   w,
		Heatmap:  BuildHeatmap(readings, a.opts.Timezone),
	}
	if len(readings) > 0 {
		out.Status = reading.StatusOK
	}

	a.store(ctx, loc, slot, key, out)
	return out, nil
}

// Boxplot computes per-day quartiles over the last days dates; zero means
// the configured default.
func (a *Aggregator) Boxplot(ctx context.Context, loc reading.Location, now time.Time, days int) (*BoxplotResult, error) {
	if days <= 0 {
		days = a.opts.BoxplotDays
	}
	w := a.WindowFor(now, days)
	key := a.key("boxplot", loc, w)

	var cached BoxplotResult
	slot, hit := a.lookup(ctx, loc, key, &cached)
	if hit {
		return &cached, nil
	}

	readings, err := a.load(ctx, loc, w)
	if err != nil {
		return nil, fmt.Errorf("boxplot: %w", err)
	}

	out := &BoxplotResult{
		Status:   reading.StatusNoData,
		Location: loc,
		Window:   w,
		Days:     Boxplot(readings, a.opts.Timezone),
	}
	if len(readings) > 0 {
		out.Status = reading.StatusOK
	}

	a.store(ctx, loc, slot, key, out)
	return out, nil
}

func (a *Aggregator) load(ctx context.Context, loc reading.Location, w Window) ([]reading.Reading, error) {
	return reading.Collect(a.source.Query(ctx, reading.Query{Location: &loc, Start: w.Start, End: w.End}))
}

func (a *Aggregator) key(kind string, loc reading.Location, w Window) string {
	return cache.BuildKey(kind, map[string]string{
		"location": loc.Key(),
		"start":    cache.CanonicalTime(w.Start),
		"days":     cache.CanonicalInt(w.Days),
		"tz":       a.opts.Timezone.String(),
	})
}

// cacheSlot is the scope generation observed before a computation started.
// A result is written back only under that generation.
type cacheSlot struct {
	gen    uint64
	usable bool
}

// lookup treats cache failures as misses; the store stays authoritative.
func (a *Aggregator) lookup(ctx context.Context, loc reading.Location, key string, dst any) (cacheSlot, bool) {
	if a.cache == nil {
		return cacheSlot{}, false
	}
	gen, err := a.cache.Generation(ctx, loc.Key())
	if err != nil {
		a.logger.Warn("aggregate cache read failed", "location", loc.Key(), "error", err)
		return cacheSlot{}, false
	}
	slot := cacheSlot{gen: gen, usable: true}
	ok, err := a.cache.Get(ctx, loc.Key(), gen, key, dst)
	if err != nil {
		a.logger.Warn("aggregate cache read failed", "location", loc.Key(), "error", err)
		return slot, false
	}
	return slot, ok
}

func (a *Aggregator) store(ctx context.Context, loc reading.Location, slot cacheSlot, key string, v any) {
	if a.cache == nil || !slot.usable {
		return
	}
	if err := a.cache.Set(ctx, loc.Key(), slot.gen, key, v); err != nil {
		a.logger.Warn("aggregate cache write failed", "location", loc.Key(), "error", err)
	}
}

// Invalidate drops cached aggregates for a location; called after appends.
func (a *Aggregator) Invalidate(ctx context.Context, loc reading.Location) error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Invalidate(ctx, loc.Key())
}
