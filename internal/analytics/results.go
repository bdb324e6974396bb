package analytics

import (
	"time"

	"github.com/smukkama/iot-watch/internal/aggregation"
	"github.com/smukkama/iot-watch/internal/reading"
	"github.com/smukkama/iot-watch/internal/trend"
)

// LatestResult answers get_latest. Time, Temperature and Trend are set when
// Status is ok.
type LatestResult struct {
	Status           reading.Status   `json:"status"`
	Location         reading.Location `json:"location"`
	Time             time.Time        `json:"time"`
	Temperature      float64          `json:"temperature"`
	Humidity         *float64         `json:"humidity,omitempty"`
	Trend            trend.Result     `json:"trend"`
	CurrentHourAvg   *float64         `json:"current_hour_avg,omitempty"`
	ReadingsThisHour int              `json:"readings_this_hour"`
}

type HistoryPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	Humidity    *float64  `json:"humidity,omitempty"`
}

type HistoryResult struct {
	Status   reading.Status   `json:"status"`
	Location reading.Location `json:"location"`
	Points   []HistoryPoint   `json:"points"`
}

// WeeklyStatsResult answers get_weekly_stats as parallel per-day arrays plus
// the window summary. The summary fields are nil when there is no data.
type WeeklyStatsResult struct {
	Status        reading.Status               `json:"status"`
	Location      reading.Location             `json:"location"`
	Window        aggregation.Window           `json:"window"`
	Days          []string                     `json:"days"`
	MinTemps      []float64                    `json:"min_temps"`
	MaxTemps      []float64                    `json:"max_temps"`
	AvgTemps      []float64                    `json:"avg_temps"`
	Counts        []int                        `json:"reading_counts"`
	WeeklyMin     *float64                     `json:"weekly_min"`
	WeeklyMax     *float64                     `json:"weekly_max"`
	WeeklyAvg     *float64                     `json:"weekly_avg"`
	TempStdDev    *float64                     `json:"temp_std_dev"`
	TotalReadings int                          `json:"total_readings"`
	Daily         []aggregation.DailyAggregate `json:"daily"`
}

func newWeeklyStatsResult(stats *aggregation.WeeklyStats) *WeeklyStatsResult {
	n := len(stats.Days)
	res := &WeeklyStatsResult{
		Status:   stats.Status,
		Location: stats.Location,
		Window:   stats.Window,
		Days:     make([]string, 0, n),
		MinTemps: make([]float64, 0, n),
		MaxTemps: make([]float64, 0, n),
		AvgTemps: make([]float64, 0, n),
		Counts:   make([]int, 0, n),
		Daily:    stats.Days,
	}
	for _, d := range stats.Days {
		res.Days = append(res.Days, d.Date)
		res.MinTemps = append(res.MinTemps, d.Min)
		res.MaxTemps = append(res.MaxTemps, d.Max)
		res.AvgTemps = append(res.AvgTemps, reading.Round(d.Avg, 2))
		res.Counts = append(res.Counts, d.Count)
	}
	if s := stats.Summary; s != nil {
		lo, hi := s.Min, s.Max
		avg, std := reading.Round(s.Avg, 2), reading.Round(s.StdDev, 2)
		res.WeeklyMin, res.WeeklyMax = &lo, &hi
		res.WeeklyAvg, res.TempStdDev = &avg, &std
		res.TotalReadings = s.TotalReadings
	}
	return res
}
