package aggregation

import (
	"math"
	"time"

	"github.com/smukkama/iot-watch/internal/reading"
)

// DailyAggregate summarizes one local calendar date. Dates without readings
// never produce an aggregate.
type DailyAggregate struct {
	Date   string  `json:"date"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	StdDev float64 `json:"stddev"`
	Count  int     `json:"reading_count"`
}

// WeeklySummary is derived from the daily aggregates, not from raw readings.
type WeeklySummary struct {
	Min           float64 `json:"overall_min"`
	Max           float64 `json:"overall_max"`
	Avg           float64 `json:"overall_avg"`
	StdDev        float64 `json:"stddev"`
	TotalReadings int     `json:"total_reading_count"`
	DayCount      int     `json:"day_count"`
}

// Daily computes one aggregate per local date present in readings, ordered by date.
func Daily(readings []reading.Reading, tz *time.Location) []DailyAggregate {
	dates, groups := groupByDate(readings, tz)
	out := make([]DailyAggregate, 0, len(dates))
	for _, date := range dates {
		values := groups[date]
		lo, hi, mean, std := describe(values)
		out = append(out, DailyAggregate{
			Date:   date,
			Min:    lo,
			Max:    hi,
			Avg:    mean,
			StdDev: std,
			Count:  len(values),
		})
	}
	return out
}

// Summarize folds daily aggregates into the window summary. The average is
// count weighted and the standard deviation is the pooled population value,
// which equals the standard deviation over all underlying readings.
func Summarize(days []DailyAggregate) (WeeklySummary, bool) {
	var s WeeklySummary
	if len(days) == 0 {
		return s, false
	}

	s.Min, s.Max = math.Inf(1), math.Inf(-1)
	weighted := 0.0
	for _, d := range days {
		s.Min = math.Min(s.Min, d.Min)
		s.Max = math.Max(s.Max, d.Max)
		weighted += d.Avg * float64(d.Count)
		s.TotalReadings += d.Count
	}
	if s.TotalReadings == 0 {
		return WeeklySummary{}, false
	}
	s.DayCount = len(days)
	s.Avg = clamp(weighted/float64(s.TotalReadings), s.Min, s.Max)

	pooled := 0.0
	for _, d := range days {
		diff := d.Avg - s.Avg
		pooled += float64(d.Count) * (d.StdDev*d.StdDev + diff*diff)
	}
	s.StdDev = math.Sqrt(pooled / float64(s.TotalReadings))
	return s, true
}
