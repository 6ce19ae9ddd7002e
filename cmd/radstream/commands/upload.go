package commands

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/fixtures"
	"github.com/savaki/radstream/internal/services"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"
)

// objectWriter is the part of services.ObjectStore uploads need
type objectWriter interface {
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

type uploadResult struct {
	StudyID     string
	ImageKey    string
	MetadataKey string
	Success     bool
	Duration    time.Duration
	ImageSize   int
	Err         error
}

// uploader renders synthetic studies and writes image then sidecar, so the
// sidecar upload is what triggers the pipeline
type uploader struct {
	store  objectWriter
	bucket string
	kind   string
	now    func() time.Time
}

func newUploader(store objectWriter, bucket, kind string) *uploader {
	return &uploader{
		store:  store,
		bucket: bucket,
		kind:   kind,
		now:    time.Now,
	}
}

func studyIDs(format string, n int) []string {
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		ids = append(ids, fmt.Sprintf(format, i))
	}
	return ids
}

func (u *uploader) upload(ctx context.Context, studyID string) uploadResult {
	started := u.now()
	result := uploadResult{StudyID: studyID}

	study, err := fixtures.NewStudy(studyID, u.kind, started)
	if err != nil {
		result.Err = err
		return result
	}
	result.ImageKey = study.ImageKey
	result.MetadataKey = study.MetadataKey
	result.ImageSize = len(study.Image)

	if err := u.store.PutObject(ctx, u.bucket, study.ImageKey, study.Image, "image/jpeg"); err != nil {
		result.Err = err
		result.Duration = u.now().Sub(started)
		return result
	}
	if err := u.store.PutObject(ctx, u.bucket, study.MetadataKey, study.Metadata, "application/json"); err != nil {
		result.Err = err
		result.Duration = u.now().Sub(started)
		return result
	}

	result.Success = true
	result.Duration = u.now().Sub(started)
	return result
}

// uploadBatches uploads ids sequentially, pausing between batches
func (u *uploader) uploadBatches(ctx context.Context, ids []string, batchSize int, pause time.Duration, report func(uploadResult)) []uploadResult {
	if batchSize <= 0 {
		batchSize = len(ids)
	}

	results := make([]uploadResult, 0, len(ids))
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))
		fmt.Printf("Processing batch %d (images %d-%d)...\n", start/batchSize+1, start+1, end)

		for _, id := range ids[start:end] {
			result := u.upload(ctx, id)
			if report != nil {
				report(result)
			}
			results = append(results, result)
		}

		if end < len(ids) && pause > 0 {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(pause):
			}
		}
	}
	return results
}

// uploadConcurrent uploads ids on a worker pool. A non-nil limiter paces
// submissions.
func (u *uploader) uploadConcurrent(ctx context.Context, ids []string, concurrency int, limiter *rate.Limiter, report func(uploadResult)) []uploadResult {
	var (
		mu      sync.Mutex
		results = make([]uploadResult, 0, len(ids))
		wp      = workerpool.New(max(concurrency, 1))
	)

	for _, id := range ids {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}

		id := id
		wp.Submit(func() {
			result := u.upload(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			results = append(results, result)
			if report != nil {
				report(result)
			}
		})
	}
	wp.StopWait()

	return results
}

// newLimiter returns nil for an unlimited rate
func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

func printUploadResult(r uploadResult) {
	if r.Success {
		fmt.Printf("  ✅ %s: %.2fs\n", r.StudyID, r.Duration.Seconds())
		return
	}
	fmt.Printf("  ❌ %s: %v\n", r.StudyID, r.Err)
}

type uploadSummary struct {
	Total      int
	Successful int
	Failed     int
	AvgUpload  time.Duration
}

func summarizeUploads(results []uploadResult) uploadSummary {
	summary := uploadSummary{Total: len(results)}

	var total time.Duration
	for _, r := range results {
		if r.Success {
			summary.Successful++
			total += r.Duration
		}
	}
	summary.Failed = summary.Total - summary.Successful
	if summary.Successful > 0 {
		summary.AvgUpload = total / time.Duration(summary.Successful)
	}
	return summary
}

func (s uploadSummary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.Total) * 100
}

// UploadCommand returns the upload command for pushing synthetic studies
func UploadCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "upload",
		Usage: "Upload synthetic studies to the images bucket",
		Description: `Render synthetic images with sidecars and upload them as images/{id}/{id}.jpg
and images/{id}/{id}.json. Each sidecar upload starts a pipeline execution.

With --load-test, uploads run concurrently on a worker pool, optionally paced
by --rate uploads per second.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "num-images",
				Aliases: []string{"n"},
				Usage:   "Number of studies to upload",
				Value:   10,
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Studies per batch in sequential mode",
				Value: 10,
			},
			&cli.BoolFlag{
				Name:  "load-test",
				Usage: "Upload concurrently",
			},
			&cli.IntFlag{
				Name:  "concurrent",
				Usage: "Concurrent uploads in load test mode",
				Value: 5,
			},
			&cli.Float64Flag{
				Name:  "rate",
				Usage: "Maximum uploads per second in load test mode, 0 for unlimited",
			},
			&cli.StringFlag{
				Name:  "image-type",
				Usage: "Synthetic image kind: chest_xray or test_pattern",
				Value: fixtures.ChestXRay,
			},
			&cli.BoolFlag{
				Name:  "cleanup",
				Usage: "Delete uploaded studies whose id starts with --prefix instead of uploading",
			},
			&cli.StringFlag{
				Name:  "prefix",
				Usage: "Study id prefix removed by --cleanup",
				Value: "TEST-",
			},
		},
		Action: func(c *cli.Context) error {
			ctx := c.Context

			kind := c.String("image-type")
			if kind != fixtures.ChestXRay && kind != fixtures.TestPattern {
				return fmt.Errorf("unknown image type %q", kind)
			}

			s, err := newSession(c)
			if err != nil {
				return err
			}
			store := services.NewObjectStore(s.aws)
			bucket := s.config.ImagesBucket

			fmt.Printf("Using AWS Account ID: %s\n", s.scope.AccountID)
			fmt.Printf("Images bucket: %s\n", bucket)

			if c.Bool("cleanup") {
				prefix := constants.ImagesPrefix + c.String("prefix")
				deleted, err := store.DeletePrefix(ctx, bucket, prefix)
				if err != nil {
					return fmt.Errorf("failed to clean up %s: %w", prefix, err)
				}
				fmt.Printf("Deleted %d objects under %s\n", deleted, prefix)
				return nil
			}

			u := newUploader(store, bucket, kind)
			n := c.Int("num-images")
			started := time.Now()

			var results []uploadResult
			if c.Bool("load-test") {
				fmt.Printf("Starting load test with %d images, %d concurrent uploads...\n", n, c.Int("concurrent"))
				fmt.Println(strings.Repeat("=", 60))
				results = u.uploadConcurrent(ctx, studyIDs(fixtures.LoadTestIDFormat, n), c.Int("concurrent"), newLimiter(c.Float64("rate")), printUploadResult)
			} else {
				fmt.Printf("Uploading %d test images...\n", n)
				fmt.Printf("Batch size: %d\n", c.Int("batch-size"))
				fmt.Println(strings.Repeat("=", 50))
				results = u.uploadBatches(ctx, studyIDs(fixtures.BatchIDFormat, n), c.Int("batch-size"), time.Second, printUploadResult)
			}
			elapsed := time.Since(started)

			summary := summarizeUploads(results)
			banner("UPLOAD SUMMARY")
			fmt.Printf("Total images: %d\n", summary.Total)
			fmt.Printf("Successful: %d\n", summary.Successful)
			fmt.Printf("Failed: %d\n", summary.Failed)
			fmt.Printf("Success rate: %.1f%%\n", summary.SuccessRate())
			fmt.Printf("Total time: %.2fs\n", elapsed.Seconds())
			if summary.Successful > 0 {
				fmt.Printf("Average upload time: %.2fs\n", summary.AvgUpload.Seconds())
			}
			if elapsed > 0 {
				fmt.Printf("Throughput: %.2f images/second\n", float64(summary.Total)/elapsed.Seconds())
			}

			logger.Info().
				Int("successful", summary.Successful).
				Int("failed", summary.Failed).
				Msg("upload complete")

			if summary.Failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", summary.Failed, summary.Total)
			}
			return nil
		},
	}
}
