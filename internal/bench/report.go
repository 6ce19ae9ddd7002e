package bench

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

var csvHeader = []string{
	"study_id",
	"upload_success",
	"upload_time",
	"pipeline_success",
	"processing_time",
	"total_time",
	"timestamp",
}

// WriteCSV writes one row per result
func WriteCSV(w io.Writer, results []Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, r := range results {
		record := []string{
			r.StudyID,
			strconv.FormatBool(r.UploadSuccess),
			strconv.FormatFloat(r.UploadTime, 'f', -1, 64),
			strconv.FormatBool(r.PipelineSuccess),
			strconv.FormatFloat(r.ProcessingTime, 'f', -1, 64),
			strconv.FormatFloat(r.TotalTime, 'f', -1, 64),
			r.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write csv row for %s: %w", r.StudyID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// SummaryPath derives the summary report path from a csv path,
// e.g. benchmark.csv -> benchmark_summary.txt
func SummaryPath(csvPath string) string {
	if strings.HasSuffix(csvPath, ".csv") {
		return strings.TrimSuffix(csvPath, ".csv") + "_summary.txt"
	}
	return csvPath + "_summary.txt"
}

// FormatSummary renders the text report
func FormatSummary(stats Stats, at time.Time) string {
	var b strings.Builder
	b.WriteString("RadStream Pipeline Benchmark Report\n")
	b.WriteString(strings.Repeat("=", 40) + "\n\n")
	fmt.Fprintf(&b, "Test Date: %s\n", at.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Total Studies: %d\n", stats.TotalStudies)
	fmt.Fprintf(&b, "Successful: %d\n", stats.Successful)
	fmt.Fprintf(&b, "Failed: %d\n", stats.Failed)
	fmt.Fprintf(&b, "Success Rate: %.1f%%\n", stats.SuccessRate)
	fmt.Fprintf(&b, "Total Test Time: %.2fs\n", stats.TotalTime)
	fmt.Fprintf(&b, "Throughput: %.2f studies/second\n\n", stats.Throughput)

	if stats.HasProcessingStats() {
		b.WriteString("Processing Time Statistics:\n")
		fmt.Fprintf(&b, "  Average: %.2fs\n", stats.AvgProcessingTime)
		fmt.Fprintf(&b, "  P50: %.2fs\n", stats.P50ProcessingTime)
		fmt.Fprintf(&b, "  P95: %.2fs\n", stats.P95ProcessingTime)
		fmt.Fprintf(&b, "  P99: %.2fs\n", stats.P99ProcessingTime)
	}
	return b.String()
}

// WriteReport writes the csv to path and the summary next to it. It returns
// the summary path.
func WriteReport(path string, results []Result, stats Stats) (string, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := WriteCSV(f, results); err != nil {
		return "", err
	}

	summaryPath := SummaryPath(path)
	if err := os.WriteFile(summaryPath, []byte(FormatSummary(stats, time.Now())), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", summaryPath, err)
	}
	return summaryPath, nil
}
