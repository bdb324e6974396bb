package aggregation

import (
	"sort"
	"time"

	"github.com/smukkama/iot-watch/internal/reading"
)

// HeatmapCell is the mean temperature of one observed (date, hour) bucket.
type HeatmapCell struct {
	Date  string  `json:"date"`
	Hour  int     `json:"hour"`
	Value float64 `json:"value"`
	Count int     `json:"count"`
}

// Heatmap holds only observed cells; Days lists the dates that have at least one.
type Heatmap struct {
	Days  []string      `json:"days"`
	Cells []HeatmapCell `json:"cells"`
}

type cellKey struct {
	date string
	hour int
}

// BuildHeatmap bins readings by local date and hour.
func BuildHeatmap(readings []reading.Reading, tz *time.Location) Heatmap {
	sums := make(map[cellKey]float64)
	counts := make(map[cellKey]int)
	for _, r := range readings {
		local := r.Timestamp.In(tz)
		k := cellKey{date: local.Format(dateLayout), hour: local.Hour()}
		sums[k] += r.Temperature
		counts[k]++
	}

	hm := Heatmap{Days: []string{}, Cells: make([]HeatmapCell, 0, len(sums))}
	seen := make(map[string]bool)
	for k, sum := range sums {
		hm.Cells = append(hm.Cells, HeatmapCell{
			Date:  k.date,
			Hour:  k.hour,
			Value: sum / float64(counts[k]),
			Count: counts[k],
		})
		if !seen[k.date] {
			seen[k.date] = true
			hm.Days = append(hm.Days, k.date)
		}
	}
	sort.Strings(hm.Days)
	sort.Slice(hm.Cells, func(i, j int) bool {
		if hm.Cells[i].Date != hm.Cells[j].Date {
			return hm.Cells[i].Date < hm.Cells[j].Date
		}
		return hm.Cells[i].Hour < hm.Cells[j].Hour
	})
	return hm
}
