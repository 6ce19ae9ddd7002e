package bench

import (
	"fmt"
	"strconv"
	"time"

	"github.com/savaki/radstream/internal/constants"
)

// TelemetryQuery builds the per-stage latency query over the telemetry table
// for events between start and end.
func TelemetryQuery(start, end time.Time) string {
	return fmt.Sprintf(`SELECT
    stage,
    COUNT(*) AS total_events,
    AVG(latency_ms) AS avg_latency_ms,
    approx_percentile(latency_ms, 0.5) AS p50_latency_ms,
    approx_percentile(latency_ms, 0.95) AS p95_latency_ms,
    SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END) AS success_count,
    SUM(CASE WHEN status IN ('failed', 'error') THEN 1 ELSE 0 END) AS failed_count
FROM %s.%s
WHERE "timestamp" >= from_iso8601_timestamp('%s')
    AND "timestamp" <= from_iso8601_timestamp('%s')
GROUP BY stage
ORDER BY avg_latency_ms`,
		constants.AnalyticsDatabase,
		constants.TelemetryEventsTable,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
}

// StageMetrics is one row of TelemetryQuery
type StageMetrics struct {
	Stage        string
	TotalEvents  int
	AvgLatencyMs float64
	P50LatencyMs float64
	P95LatencyMs float64
	SuccessCount int
	FailedCount  int
}

// ParseStageMetrics converts result rows, header excluded, into StageMetrics
func ParseStageMetrics(rows [][]string) ([]StageMetrics, error) {
	var metrics []StageMetrics
	for i, row := range rows {
		if len(row) < 7 {
			return nil, fmt.Errorf("row %d: expected 7 columns, got %d", i, len(row))
		}

		var (
			m   = StageMetrics{Stage: row[0]}
			err error
		)
		if m.TotalEvents, err = strconv.Atoi(row[1]); err != nil {
			return nil, fmt.Errorf("row %d: invalid total_events: %w", i, err)
		}
		if m.AvgLatencyMs, err = parseFloat(row[2]); err != nil {
			return nil, fmt.Errorf("row %d: invalid avg_latency_ms: %w", i, err)
		}
		if m.P50LatencyMs, err = parseFloat(row[3]); err != nil {
			return nil, fmt.Errorf("row %d: invalid p50_latency_ms: %w", i, err)
		}
		if m.P95LatencyMs, err = parseFloat(row[4]); err != nil {
			return nil, fmt.Errorf("row %d: invalid p95_latency_ms: %w", i, err)
		}
		if m.SuccessCount, err = strconv.Atoi(row[5]); err != nil {
			return nil, fmt.Errorf("row %d: invalid success_count: %w", i, err)
		}
		if m.FailedCount, err = strconv.Atoi(row[6]); err != nil {
			return nil, fmt.Errorf("row %d: invalid failed_count: %w", i, err)
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
