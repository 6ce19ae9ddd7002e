// Package bench measures end-to-end pipeline latency and summarizes it.
package bench

import (
	"slices"
	"time"
)

// Result is one benchmarked study. Times are in seconds.
type Result struct {
	StudyID         string
	UploadSuccess   bool
	UploadTime      float64
	PipelineSuccess bool
	ProcessingTime  float64
	TotalTime       float64
	Timestamp       time.Time
	Error           string
}

// Stats summarizes a benchmark run. Processing time statistics only cover
// successful studies and are zero when none succeeded.
type Stats struct {
	TotalStudies      int
	Successful        int
	Failed            int
	SuccessRate       float64
	TotalTime         float64
	Throughput        float64
	AvgProcessingTime float64
	P50ProcessingTime float64
	P95ProcessingTime float64
	P99ProcessingTime float64
	AvgTotalTime      float64
}

// HasProcessingStats reports whether any study completed the pipeline
func (s Stats) HasProcessingStats() bool {
	return s.Successful > 0
}

// Summarize computes run statistics. wall is the elapsed time of the whole
// run and drives throughput.
func Summarize(results []Result, wall time.Duration) Stats {
	total := wall.Seconds()
	stats := Stats{
		TotalStudies: len(results),
		TotalTime:    total,
	}

	var processing, totals []float64
	for _, r := range results {
		if !r.PipelineSuccess {
			continue
		}
		processing = append(processing, r.ProcessingTime)
		totals = append(totals, r.TotalTime)
	}

	stats.Successful = len(processing)
	stats.Failed = stats.TotalStudies - stats.Successful
	if stats.TotalStudies == 0 || stats.Successful == 0 {
		return stats
	}

	stats.SuccessRate = float64(stats.Successful) / float64(stats.TotalStudies) * 100
	if total > 0 {
		stats.Throughput = float64(stats.TotalStudies) / total
	}

	slices.Sort(processing)
	stats.AvgProcessingTime = mean(processing)
	stats.P50ProcessingTime = median(processing)
	stats.P95ProcessingTime = Percentile(processing, 0.95)
	stats.P99ProcessingTime = Percentile(processing, 0.99)
	stats.AvgTotalTime = mean(totals)
	return stats
}

// Percentile returns the nearest-rank percentile int(n*p) of sorted values,
// clamped to the last element.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)) * p)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	if i < 0 {
		i = 0
	}
	return sorted[i]
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
