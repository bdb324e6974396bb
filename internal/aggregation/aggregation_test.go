package aggregation

import (
	"context"
	"iter"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/smukkama/iot-watch/internal/cache"
	"github.com/smukkama/iot-watch/internal/logging"
	"github.com/smukkama/iot-watch/internal/reading"
)

var loc = reading.Location{Latitude: 30.4202, Longitude: -9.5982}

// fakeSource filters an in-memory slice the way the store does.
type fakeSource struct {
	readings []reading.Reading
	queries  int
	// afterScan runs once the iterator has yielded its snapshot.
	afterScan func()
}

func (f *fakeSource) Query(_ context.Context, q reading.Query) iter.Seq2[reading.Reading, error] {
	f.queries++
	return func(yield func(reading.Reading, error) bool) {
		for _, r := range f.readings {
			if r.Timestamp.Before(q.Start) || !r.Timestamp.Before(q.End) {
				continue
			}
			if q.Location != nil && r.Location() != *q.Location {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
		if f.afterScan != nil {
			f.afterScan()
		}
	}
}

func rd(ts time.Time, temp float64) reading.Reading {
	return reading.Reading{Timestamp: ts, Latitude: loc.Latitude, Longitude: loc.Longitude, Temperature: temp}
}

func day(d, h, m int) time.Time {
	return time.Date(2024, 6, d, h, m, 0, 0, time.UTC)
}

const tolerance = 1e-9

func TestDailyInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var readings []reading.Reading
	for i := 0; i < 500; i++ {
		ts := day(1, 0, 0).Add(time.Duration(i) * 17 * time.Minute)
		readings = append(readings, rd(ts, -10+rng.Float64()*45))
	}
	// identical values exercise the rounding clamp
	for i := 0; i < 3; i++ {
		readings = append(readings, rd(day(20, i, 0), 0.1))
	}

	for _, d := range Daily(readings, time.UTC) {
		if d.Count <= 0 {
			t.Fatalf("day %s has no readings", d.Date)
		}
		if !(d.Min <= d.Avg && d.Avg <= d.Max) {
			t.Errorf("day %s violates min <= avg <= max: %v %v %v", d.Date, d.Min, d.Avg, d.Max)
		}
		if d.StdDev < 0 {
			t.Errorf("day %s has negative stddev", d.Date)
		}
	}
}

func TestDailyPopulationStdDev(t *testing.T) {
	readings := []reading.Reading{rd(day(1, 1, 0), 2), rd(day(1, 2, 0), 4), rd(day(1, 3, 0), 4), rd(day(1, 4, 0), 4),
		rd(day(1, 5, 0), 5), rd(day(1, 6, 0), 5), rd(day(1, 7, 0), 7), rd(day(1, 8, 0), 9)}
	days := Daily(readings, time.UTC)
	if len(days) != 1 {
		t.Fatalf("expected one day, got %d", len(days))
	}
	if days[0].Avg != 5 || days[0].StdDev != 2 {
		t.Errorf("expected avg 5 and population stddev 2, got %v and %v", days[0].Avg, days[0].StdDev)
	}
}

func TestSummarizeMatchesRawReadings(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var readings []reading.Reading
	var all []float64
	for d := 1; d <= 7; d++ {
		n := 1 + rng.Intn(30)
		for i := 0; i < n; i++ {
			v := 10 + rng.Float64()*15
			readings = append(readings, rd(day(d, 0, i), v))
			all = append(all, v)
		}
	}

	days := Daily(readings, time.UTC)
	summary, ok := Summarize(days)
	if !ok {
		t.Fatal("expected summary")
	}

	weighted, total := 0.0, 0
	for _, d := range days {
		weighted += d.Avg * float64(d.Count)
		total += d.Count
	}
	if math.Abs(summary.Avg-weighted/float64(total)) > tolerance {
		t.Errorf("overall avg %v differs from count-weighted mean %v", summary.Avg, weighted/float64(total))
	}
	if summary.TotalReadings != len(all) {
		t.Errorf("expected %d total readings, got %d", len(all), summary.TotalReadings)
	}

	_, _, _, rawStd := describe(all)
	if math.Abs(summary.StdDev-rawStd) > 1e-6 {
		t.Errorf("pooled stddev %v differs from raw stddev %v", summary.StdDev, rawStd)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if _, ok := Summarize(nil); ok {
		t.Fatal("expected no summary for empty input")
	}
}

func TestWeeklyOmitsMissingDays(t *testing.T) {
	src := &fakeSource{readings: []reading.Reading{
		rd(day(3, 8, 0), 18), rd(day(3, 14, 0), 24),
		rd(day(5, 9, 0), 20),
		rd(day(8, 10, 0), 22),
	}}
	agg := NewAggregator(src, nil, Options{WindowDays: 7, Timezone: time.UTC}, logging.Discard())

	stats, err := agg.Weekly(context.Background(), loc, day(8, 12, 0))
	if err != nil {
		t.Fatalf("Weekly failed: %v", err)
	}
	if stats.Status != reading.StatusOK {
		t.Fatalf("expected ok status, got %s", stats.Status)
	}
	if len(stats.Days) != 3 {
		t.Fatalf("expected exactly 3 days, got %d", len(stats.Days))
	}
	want := []string{"2024-06-03", "2024-06-05", "2024-06-08"}
	for i, d := range stats.Days {
		if d.Date != want[i] {
			t.Errorf("day %d: expected %s, got %s", i, want[i], d.Date)
		}
	}
	if stats.Summary == nil || stats.Summary.TotalReadings != 4 || stats.Summary.Min != 18 || stats.Summary.Max != 24 {
		t.Errorf("unexpected summary %+v", stats.Summary)
	}
}

func TestWeeklyWindowExcludesOlderDays(t *testing.T) {
	src := &fakeSource{readings: []reading.Reading{rd(day(1, 23, 0), 10), rd(day(2, 0, 30), 11)}}
	agg := NewAggregator(src, nil, Options{WindowDays: 7, Timezone: time.UTC}, logging.Discard())

	stats, err := agg.Weekly(context.Background(), loc, day(8, 12, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.Days) != 1 || stats.Days[0].Date != "2024-06-02" {
		t.Fatalf("expected only 2024-06-02 in a 7 day window ending 2024-06-08, got %+v", stats.Days)
	}
}

func TestWeeklyNoData(t *testing.T) {
	agg := NewAggregator(&fakeSource{}, nil, Options{}, logging.Discard())

	stats, err := agg.Weekly(context.Background(), loc, day(8, 12, 0))
	if err != nil {
		t.Fatalf("expected no error for empty window, got %v", err)
	}
	if stats.Status != reading.StatusNoData || stats.Summary != nil || len(stats.Days) != 0 {
		t.Errorf("expected explicit no-data result, got %+v", stats)
	}
}

func TestLocalTimezoneDates(t *testing.T) {
	tz := time.FixedZone("UTC+1", 3600)
	readings := []reading.Reading{rd(day(1, 23, 30), 15)}

	days := Daily(readings, tz)
	if len(days) != 1 || days[0].Date != "2024-06-02" {
		t.Fatalf("expected reading to fall on local 2024-06-02, got %+v", days)
	}
	hm := BuildHeatmap(readings, tz)
	if len(hm.Cells) != 1 || hm.Cells[0].Hour != 0 {
		t.Fatalf("expected local hour 0, got %+v", hm.Cells)
	}
}

func TestHeatmapMeansAndGaps(t *testing.T) {
	readings := []reading.Reading{
		rd(day(1, 9, 0), 10), rd(day(1, 9, 30), 14),
		rd(day(1, 11, 0), 20),
		rd(day(3, 0, 15), 5),
	}
	hm := BuildHeatmap(readings, time.UTC)

	if len(hm.Cells) != 3 {
		t.Fatalf("expected 3 observed cells, got %d", len(hm.Cells))
	}
	if hm.Cells[0].Hour != 9 || hm.Cells[0].Value != 12 || hm.Cells[0].Count != 2 {
		t.Errorf("expected mean 12 over 2 readings at hour 9, got %+v", hm.Cells[0])
	}
	for _, c := range hm.Cells {
		if c.Date == "2024-06-01" && c.Hour == 10 {
			t.Error("unobserved hour must be absent")
		}
	}
	if len(hm.Days) != 2 || hm.Days[0] != "2024-06-01" || hm.Days[1] != "2024-06-03" {
		t.Errorf("expected day axis without the missing date, got %v", hm.Days)
	}
}

func TestBoxplotExample(t *testing.T) {
	src := &fakeSource{readings: []reading.Reading{
		rd(day(1, 8, 0), 10), rd(day(1, 16, 0), 14),
		rd(day(2, 12, 0), 20),
	}}
	agg := NewAggregator(src, nil, Options{Timezone: time.UTC}, logging.Discard())

	res, err := agg.Boxplot(context.Background(), loc, day(2, 18, 0), 5)
	if err != nil {
		t.Fatalf("Boxplot failed: %v", err)
	}
	if len(res.Days) != 2 {
		t.Fatalf("expected 2 days, got %d", len(res.Days))
	}

	d1 := res.Days[0]
	if d1.Min != 10 || d1.Max != 14 || d1.Median != 12 {
		t.Errorf("day1: expected min 10 max 14 median 12, got %+v", d1)
	}
	if d1.Q1 != 11 || d1.Q3 != 13 {
		t.Errorf("day1: expected linear quartiles 11 and 13, got %v and %v", d1.Q1, d1.Q3)
	}

	d2 := res.Days[1]
	for name, v := range map[string]float64{"min": d2.Min, "q1": d2.Q1, "median": d2.Median, "q3": d2.Q3, "max": d2.Max} {
		if v != 20 {
			t.Errorf("day2: expected degenerate box at 20, %s = %v", name, v)
		}
	}
}

func TestQuantile(t *testing.T) {
	values := []float64{1, 2, 3, 4}
	cases := map[float64]float64{0: 1, 0.25: 1.75, 0.5: 2.5, 0.75: 3.25, 1: 4}
	for p, want := range cases {
		if got := Quantile(values, p); math.Abs(got-want) > tolerance {
			t.Errorf("Quantile(%v) = %v, want %v", p, got, want)
		}
	}
	if !math.IsNaN(Quantile(nil, 0.5)) {
		t.Error("expected NaN for empty input")
	}
}

func TestAggregatorCachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{readings: []reading.Reading{rd(day(8, 9, 0), 20)}}
	agg := NewAggregator(src, cache.NewMemory(time.Hour, nil), Options{Timezone: time.UTC}, logging.Discard())
	now := day(8, 12, 0)

	if _, err := agg.Weekly(ctx, loc, now); err != nil {
		t.Fatal(err)
	}
	second, err := agg.Weekly(ctx, loc, now)
	if err != nil {
		t.Fatal(err)
	}
	if src.queries != 1 {
		t.Fatalf("expected second call to be served from cache, got %d store queries", src.queries)
	}
	if second.Summary == nil || second.Summary.TotalReadings != 1 {
		t.Fatalf("unexpected cached result %+v", second)
	}

	src.readings = append(src.readings, rd(day(8, 10, 0), 22))
	if err := agg.Invalidate(ctx, loc); err != nil {
		t.Fatal(err)
	}
	third, err := agg.Weekly(ctx, loc, now)
	if err != nil {
		t.Fatal(err)
	}
	if src.queries != 2 || third.Summary.TotalReadings != 2 {
		t.Errorf("expected recomputation after invalidation, queries=%d total=%d", src.queries, third.Summary.TotalReadings)
	}
}

func TestAppendDuringComputationIsNotHiddenByCache(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{readings: []reading.Reading{rd(day(8, 9, 0), 20)}}
	agg := NewAggregator(src, cache.NewMemory(time.Hour, nil), Options{Timezone: time.UTC}, logging.Discard())
	now := day(8, 12, 0)

	src.afterScan = func() {
		src.afterScan = nil
		src.readings = append(src.readings, rd(day(8, 10, 0), 22))
		if err := agg.Invalidate(ctx, loc); err != nil {
			t.Errorf("Invalidate failed: %v", err)
		}
	}

	first, err := agg.Weekly(ctx, loc, now)
	if err != nil {
		t.Fatal(err)
	}
	if first.Summary.TotalReadings != 1 {
		t.Fatalf("expected the in-flight computation to see its snapshot of 1 reading, got %d", first.Summary.TotalReadings)
	}

	second, err := agg.Weekly(ctx, loc, now)
	if err != nil {
		t.Fatal(err)
	}
	if second.Summary.TotalReadings != 2 {
		t.Fatalf("expected the completed append to be visible, got %d readings", second.Summary.TotalReadings)
	}
	if src.queries != 2 {
		t.Errorf("expected the stale result not to be cached, got %d store queries", src.queries)
	}
}
