package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/dao/studydao"
	"github.com/savaki/radstream/internal/di"
	"github.com/savaki/radstream/internal/errors"
	"github.com/savaki/radstream/internal/models"
	"github.com/savaki/radstream/internal/orchestrator"
	"github.com/segmentio/ksuid"
	"github.com/urfave/cli/v2"
)

// Starter starts pipeline executions. *orchestrator.Orchestrator satisfies it.
type Starter interface {
	StartExecution(ctx context.Context, input models.StepFunctionInput) (string, error)
}

// Recorder creates ledger runs. *studydao.DAO satisfies it.
type Recorder interface {
	Create(ctx context.Context, input studydao.CreateInput) (studydao.Record, error)
}

type Handler struct {
	starter Starter
	ledger  Recorder
}

func NewHandler(orch *orchestrator.Orchestrator, dao *studydao.DAO) *Handler {
	h := &Handler{starter: orch}
	if dao != nil {
		h.ledger = dao
	}
	return h
}

// ParseSidecarKey returns the study id of an images/{id}/{id}.json key.
// Keys that are not sidecars return "" and no error.
func ParseSidecarKey(key string) (string, error) {
	if !strings.HasPrefix(key, constants.ImagesPrefix) || path.Ext(key) != ".json" {
		return "", nil
	}

	parts := strings.Split(strings.TrimPrefix(key, constants.ImagesPrefix), "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", fmt.Errorf("%w: %s, expected format: images/{study_id}/{study_id}.json",
			errors.ErrInvalidS3KeyFormat, key)
	}

	studyID := parts[0]
	if strings.TrimSuffix(parts[1], ".json") != studyID {
		return "", fmt.Errorf("%w: %s, sidecar name must match its study directory",
			errors.ErrInvalidS3KeyFormat, key)
	}
	return studyID, nil
}

func (h *Handler) HandleS3Event(ctx context.Context, event events.S3Event) error {
	logger := zerolog.Ctx(ctx)

	for i := range event.Records {
		if err := h.processS3Record(ctx, &event.Records[i]); err != nil {
			logger.Error().Err(err).Msg("Error processing S3 record")
			return err
		}
	}
	return nil
}

func (h *Handler) processS3Record(ctx context.Context, record *events.S3EventRecord) error {
	logger := zerolog.Ctx(ctx)

	key := record.S3.Object.URLDecodedKey
	if key == "" {
		key = record.S3.Object.Key
	}

	studyID, err := ParseSidecarKey(key)
	if err != nil {
		return err
	}
	if studyID == "" {
		return nil // images and other uploads wait for their sidecar
	}

	runID := ksuid.New().String()
	if h.ledger != nil {
		_, err := h.ledger.Create(ctx, studydao.CreateInput{
			StudyID:     studyID,
			SK:          runID,
			ImageKey:    strings.TrimSuffix(key, ".json") + ".jpg",
			MetadataKey: key,
		})
		if err != nil {
			return fmt.Errorf("failed to save study record: %w", err)
		}
	}

	input := models.StepFunctionInput{
		Bucket:  record.S3.Bucket.Name,
		Key:     key,
		StudyID: studyID,
		RunID:   runID,
	}
	if !record.EventTime.IsZero() {
		input.EventTime = record.EventTime.UTC().Format("2006-01-02T15:04:05Z")
	}

	executionArn, err := h.starter.StartExecution(ctx, input)
	if err != nil {
		return err
	}

	logger.Info().
		Str("study_id", studyID).
		Str("ksuid", runID).
		Str("execution_arn", executionArn).
		Msg("Started pipeline for study")
	return nil
}

func main() {
	logger := di.ProvideLogger().With().Str("lambda", "s3-trigger").Logger()

	env := os.Getenv("ENV")
	if env == "" {
		env = "dev"
	}

	container, err := di.New(env, di.WithProviders(NewHandler))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create DI container")
		os.Exit(1)
	}
	handler := di.MustGet[*Handler](container)

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		wrappedHandler := func(ctx context.Context, event events.S3Event) error {
			ctx = logger.WithContext(ctx)
			return handler.HandleS3Event(ctx, event)
		}
		lambda.Start(wrappedHandler)
		return
	}

	app := &cli.App{
		Name:  "s3-trigger",
		Usage: "Simulate S3 event to trigger step function",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "bucket",
				Usage:    "S3 bucket name",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "key",
				Usage:    "S3 object key (e.g., images/{study_id}/{study_id}.json)",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			event := events.S3Event{
				Records: []events.S3EventRecord{
					{
						S3: events.S3Entity{
							Bucket: events.S3Bucket{
								Name: c.String("bucket"),
							},
							Object: events.S3Object{
								Key: c.String("key"),
							},
						},
					},
				},
			}

			ctx := logger.WithContext(context.Background())
			return handler.HandleS3Event(ctx, event)
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
