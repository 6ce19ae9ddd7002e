package commands

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/gox/slicex"
	"github.com/savaki/radstream/internal/bench"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/fixtures"
	"github.com/savaki/radstream/internal/services"
	"github.com/savaki/radstream/internal/utils"
	"github.com/urfave/cli/v2"
)

// resultChecker reports whether results exist under a prefix
type resultChecker interface {
	Exists(ctx context.Context, bucket, prefix string) (bool, error)
}

// benchmarker uploads a study and waits for its results to appear
type benchmarker struct {
	uploader      *uploader
	results       resultChecker
	resultsBucket string
	interval      time.Duration
	timeout       time.Duration
	now           func() time.Time
}

func (b *benchmarker) run(ctx context.Context, studyID string) bench.Result {
	upload := b.uploader.upload(ctx, studyID)
	result := bench.Result{
		StudyID:       studyID,
		UploadSuccess: upload.Success,
		UploadTime:    upload.Duration.Seconds(),
	}
	if !upload.Success {
		result.TotalTime = result.UploadTime
		result.Timestamp = b.now()
		result.Error = upload.Err.Error()
		return result
	}

	started := b.now()
	prefix := constants.ResultsPrefix + studyID + "/"
	err := utils.Poll(ctx, b.interval, b.timeout, func(ctx context.Context) (bool, error) {
		found, err := b.results.Exists(ctx, b.resultsBucket, prefix)
		if err != nil {
			return false, utils.Permanent(err)
		}
		return found, nil
	})

	result.ProcessingTime = b.now().Sub(started).Seconds()
	result.TotalTime = result.UploadTime + result.ProcessingTime
	result.Timestamp = b.now()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.PipelineSuccess = true
	return result
}

// runAll benchmarks ids with at most concurrency studies in flight
func (b *benchmarker) runAll(ctx context.Context, ids []string, concurrency int, report func(bench.Result)) ([]bench.Result, error) {
	var mu sync.Mutex
	callback := func(ctx context.Context, id string) (bench.Result, error) {
		result := b.run(ctx, id)
		if report != nil {
			mu.Lock()
			report(result)
			mu.Unlock()
		}
		return result, nil
	}

	return slicex.MapConcurrent(callback).
		Concurrency(max(concurrency, 1)).
		CollectErrors().
		DoValues(ctx, ids...)
}

func printBenchResult(r bench.Result) {
	status := "✅"
	if !r.PipelineSuccess {
		status = "❌"
	}
	fmt.Printf("  %s %s: %.2fs\n", status, r.StudyID, r.TotalTime)
}

func printStats(stats bench.Stats) {
	banner("BENCHMARK RESULTS")
	fmt.Printf("Total studies: %d\n", stats.TotalStudies)
	fmt.Printf("Successful: %d\n", stats.Successful)
	fmt.Printf("Failed: %d\n", stats.Failed)
	fmt.Printf("Success rate: %.1f%%\n", stats.SuccessRate)
	fmt.Printf("Total time: %.2fs\n", stats.TotalTime)
	fmt.Printf("Throughput: %.2f studies/second\n", stats.Throughput)
	if stats.HasProcessingStats() {
		fmt.Printf("Average processing time: %.2fs\n", stats.AvgProcessingTime)
		fmt.Printf("P50 processing time: %.2fs\n", stats.P50ProcessingTime)
		fmt.Printf("P95 processing time: %.2fs\n", stats.P95ProcessingTime)
		fmt.Printf("P99 processing time: %.2fs\n", stats.P99ProcessingTime)
		fmt.Printf("Average total time: %.2fs\n", stats.AvgTotalTime)
	}
}

func printStageMetrics(metrics []bench.StageMetrics) {
	banner("TELEMETRY METRICS")
	fmt.Printf("%-22s %8s %10s %10s %10s %8s %8s\n", "stage", "events", "avg_ms", "p50_ms", "p95_ms", "ok", "failed")
	for _, m := range metrics {
		fmt.Printf("%-22s %8d %10.1f %10.1f %10.1f %8d %8d\n",
			m.Stage, m.TotalEvents, m.AvgLatencyMs, m.P50LatencyMs, m.P95LatencyMs, m.SuccessCount, m.FailedCount)
	}
}

// BenchmarkCommand returns the benchmark command for measuring end-to-end latency
func BenchmarkCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "benchmark",
		Usage: "Measure end-to-end pipeline latency",
		Description: `Upload synthetic studies and wait for each one's results to land in the
results bucket. Writes a csv of per-study timings and a summary report, and
optionally pushes metrics to a Pushgateway and queries per-stage telemetry
from Athena.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "num-studies",
				Usage: "Number of studies to benchmark",
				Value: 10,
			},
			&cli.IntFlag{
				Name:  "concurrent",
				Usage: "Studies in flight at once",
				Value: 5,
			},
			&cli.StringFlag{
				Name:  "output",
				Usage: "CSV output path; the summary is written next to it",
				Value: "benchmark_results.csv",
			},
			&cli.StringFlag{
				Name:  "single",
				Usage: "Benchmark a single study id",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Per-study wait for results",
				Value: 5 * time.Minute,
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Results polling interval",
				Value: 5 * time.Second,
			},
			&cli.StringFlag{
				Name:    "pushgateway",
				Usage:   "Pushgateway URL to push benchmark metrics to",
				EnvVars: []string{"PUSHGATEWAY_URL"},
			},
			&cli.BoolFlag{
				Name:  "athena",
				Usage: "Query per-stage telemetry metrics for the run from Athena",
			},
		},
		Action: func(c *cli.Context) error {
			ctx := c.Context

			s, err := newSession(c)
			if err != nil {
				return err
			}

			store := services.NewObjectStore(s.aws)
			b := &benchmarker{
				uploader:      newUploader(store, s.config.ImagesBucket, fixtures.TestPattern),
				results:       store,
				resultsBucket: s.config.ResultsBucket,
				interval:      c.Duration("interval"),
				timeout:       c.Duration("timeout"),
				now:           time.Now,
			}

			ids := studyIDs(fixtures.BenchmarkIDFormat, c.Int("num-studies"))
			if single := c.String("single"); single != "" {
				ids = []string{single}
			}

			fmt.Printf("Running benchmark with %d studies, %d concurrent...\n", len(ids), c.Int("concurrent"))
			fmt.Println(strings.Repeat("=", 60))

			started := time.Now()
			results, err := b.runAll(ctx, ids, c.Int("concurrent"), printBenchResult)
			if err != nil {
				return err
			}
			finished := time.Now()

			stats := bench.Summarize(results, finished.Sub(started))
			printStats(stats)

			summaryPath, err := bench.WriteReport(c.String("output"), results, stats)
			if err != nil {
				return err
			}
			fmt.Printf("\nResults saved to %s\n", c.String("output"))
			fmt.Printf("Summary saved to %s\n", summaryPath)

			if url := c.String("pushgateway"); url != "" {
				metrics := bench.NewMetrics()
				for _, r := range results {
					metrics.Observe(r)
				}
				if err := metrics.Push(ctx, url); err != nil {
					logger.Warn().Err(err).Msg("failed to push benchmark metrics")
				} else {
					logger.Info().Str("pushgateway", url).Msg("pushed benchmark metrics")
				}
			}

			if c.Bool("athena") {
				query := services.NewQueryService(s.aws)
				output := "s3://" + s.config.TelemetryBucket + "/" + constants.AthenaResultsPrefix
				got, err := query.Run(ctx, bench.TelemetryQuery(started, finished), constants.AnalyticsDatabase, output)
				if err != nil {
					logger.Warn().Err(err).Msg("failed to query telemetry metrics")
				} else if metrics, err := bench.ParseStageMetrics(got.Rows); err != nil {
					logger.Warn().Err(err).Msg("failed to parse telemetry metrics")
				} else {
					printStageMetrics(metrics)
				}
			}

			if stats.Failed > 0 {
				return fmt.Errorf("%d of %d studies did not complete", stats.Failed, stats.TotalStudies)
			}
			return nil
		},
	}
}
