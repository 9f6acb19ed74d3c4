package domain

import (
	"math"
	"sort"
	"time"

	"github.com/guregu/null/v5"
)

// MetricsWindow is the trailing window aggregates are computed over.
const MetricsWindow = 5 * time.Minute

// BadCodeThreshold: rows with a status code above it count as bad.
const BadCodeThreshold = 299

// AggregateMetrics is a rolling view over stored rows for one URL. The
// metric fields are null when no rows matched, so "no data" never reads
// as "perfect health".
type AggregateMetrics struct {
	URL             string        `json:"url"`
	Window          time.Duration `json:"-"`
	Samples         int           `json:"samples"`
	AvgResponseTime null.Float    `json:"avg_response_time"`
	NumBad          null.Int      `json:"num_bad"`
	P90ResponseTime null.Float    `json:"ninetieth_percentile_response_time"`
}

// Sample is the part of a stored row the aggregator needs.
type Sample struct {
	Code      null.Int
	TimeTaken null.Float
}

// Summarize computes AggregateMetrics the way the SQL aggregates do: avg and
// percentile_disc skip null response times, the bad count covers every row.
func Summarize(url string, samples []Sample) AggregateMetrics {
	m := AggregateMetrics{URL: url, Window: MetricsWindow, Samples: len(samples)}
	if len(samples) == 0 {
		return m
	}

	var bad int64
	times := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.Code.Valid && s.Code.Int64 > BadCodeThreshold {
			bad++
		}
		if s.TimeTaken.Valid {
			times = append(times, s.TimeTaken.Float64)
		}
	}
	m.NumBad = null.IntFrom(bad)

	if len(times) == 0 {
		return m
	}
	var sum float64
	for _, t := range times {
		sum += t
	}
	m.AvgResponseTime = null.FloatFrom(sum / float64(len(times)))

	sort.Float64s(times)
	m.P90ResponseTime = null.FloatFrom(PercentileDisc(times, 0.9))
	return m
}

// PercentileDisc returns the first value of sorted whose cumulative fraction
// reaches p. sorted must be ascending and non-empty.
func PercentileDisc(sorted []float64, p float64) float64 {
	n := len(sorted)
	row := int(math.Ceil(p * float64(n)))
	if row < 1 {
		row = 1
	}
	if row > n {
		row = n
	}
	return sorted[row-1]
}
