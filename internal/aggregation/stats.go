package aggregation

import (
	"math"
	"sort"
	"time"

	"github.com/smukkama/iot-watch/internal/reading"
)

const dateLayout = "2006-01-02"

// describe returns min, max, mean and population standard deviation of values.
// The mean is clamped into [min, max] so rounding never breaks min <= avg <= max.
func describe(values []float64) (lo, hi, mean, std float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	sum := 0.0
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		sum += v
	}
	n := float64(len(values))
	mean = clamp(sum/n, lo, hi)

	ss := 0.0
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	std = math.Sqrt(ss / n)
	return lo, hi, mean, std
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Quantile returns the p-quantile of sorted values by linear interpolation
// between closest ranks: h = (n-1)p, q = x[floor h] + (h - floor h)(x[floor h + 1] - x[floor h]).
func Quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 || p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}
	h := float64(n-1) * p
	lo := int(math.Floor(h))
	if lo+1 >= n {
		return sorted[n-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// groupByDate buckets temperatures by local calendar date and returns the
// dates in ascending order.
func groupByDate(readings []reading.Reading, tz *time.Location) ([]string, map[string][]float64) {
	groups := make(map[string][]float64)
	for _, r := range readings {
		date := r.Timestamp.In(tz).Format(dateLayout)
		groups[date] = append(groups[date], r.Temperature)
	}
	dates := make([]string, 0, len(groups))
	for date := range groups {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	return dates, groups
}
