package aggregation

import (
	"sort"
	"time"

	"github.com/smukkama/iot-watch/internal/reading"
)

// BoxplotDay is the five-number summary of one local date.
type BoxplotDay struct {
	Date   string  `json:"date"`
	Min    float64 `json:"min"`
	Q1     float64 `json:"q1"`
	Median float64 `json:"median"`
	Q3     float64 `json:"q3"`
	Max    float64 `json:"max"`
	Count  int     `json:"count"`
}

// Boxplot computes per-day quartiles using Quantile.
func Boxplot(readings []reading.Reading, tz *time.Location) []BoxplotDay {
	dates, groups := groupByDate(readings, tz)
	out := make([]BoxplotDay, 0, len(dates))
	for _, date := range dates {
		values := groups[date]
		sort.Float64s(values)
		out = append(out, BoxplotDay{
			Date:   date,
			Min:    values[0],
			Q1:     Quantile(values, 0.25),
			Median: Quantile(values, 0.5),
			Q3:     Quantile(values, 0.75),
			Max:    values[len(values)-1],
			Count:  len(values),
		})
	}
	return out
}
