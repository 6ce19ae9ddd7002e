package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/di"
	"github.com/savaki/radstream/internal/metadata"
	"github.com/savaki/radstream/internal/models"
	"github.com/savaki/radstream/internal/services"
	"github.com/savaki/radstream/internal/telemetry"
	"github.com/urfave/cli/v2"
)

type ObjectReader interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, e telemetry.Event)
}

type Handler struct {
	store     ObjectReader
	telemetry Emitter
	now       func() time.Time
}

func NewHandler(store *services.ObjectStore, producer *telemetry.Producer) *Handler {
	return &Handler{
		store:     store,
		telemetry: producer,
		now:       time.Now,
	}
}

// MetadataKey returns the sidecar of key. Image keys map to the .json file
// next to them.
func MetadataKey(key string) string {
	if strings.HasSuffix(key, ".json") {
		return key
	}
	return strings.TrimSuffix(key, path.Ext(key)) + ".json"
}

// ImageKey returns the image a study was uploaded with. Sidecar keys map to
// the .jpg next to them.
func ImageKey(key string) string {
	if !strings.HasSuffix(key, ".json") {
		return key
	}
	return strings.TrimSuffix(key, ".json") + ".jpg"
}

func (h *Handler) HandleValidateMetadata(ctx context.Context, input *models.StepFunctionInput) (*models.Validation, error) {
	start := h.now()
	logger := zerolog.Ctx(ctx)

	finish := func(v *models.Validation) *models.Validation {
		if v.Errors == nil {
			v.Errors = []string{}
		}
		v.LatencyMs = h.now().Sub(start).Milliseconds()
		v.Timestamp = telemetry.Timestamp(h.now())
		return v
	}

	if input == nil || input.Bucket == "" || input.Key == "" {
		out := finish(&models.Validation{
			Errors: []string{"Unexpected error in validation: bucket and key are required"},
		})
		h.telemetry.Emit(ctx, telemetry.Event{
			StudyID:   "unknown",
			Stage:     telemetry.StageValidateMetadata,
			Status:    telemetry.StatusError,
			LatencyMs: out.LatencyMs,
			ErrorCode: telemetry.CodeUnexpected,
		})
		return out, nil
	}

	metadataKey := MetadataKey(input.Key)
	imageKey := ImageKey(input.Key)
	logger.Info().
		Str("bucket", input.Bucket).
		Str("key", metadataKey).
		Msg("Validating metadata")

	failed := func(code string, errs ...string) *models.Validation {
		out := finish(&models.Validation{
			Errors:      errs,
			ImageKey:    imageKey,
			MetadataKey: metadataKey,
		})
		h.telemetry.Emit(ctx, telemetry.Event{
			StudyID:      metadataKey,
			Stage:        telemetry.StageValidateMetadata,
			Status:       telemetry.StatusFailed,
			LatencyMs:    out.LatencyMs,
			ErrorCode:    code,
			ErrorMessage: strings.Join(errs, "; "),
			Details:      map[string]any{"validation_errors": len(errs)},
		})
		return out
	}

	data, err := h.store.GetObject(ctx, input.Bucket, metadataKey)
	if err != nil {
		logger.Warn().Err(err).Str("key", metadataKey).Msg("Failed to download metadata")
		return failed(telemetry.CodeDownload, fmt.Sprintf("Failed to download metadata from S3: %v", err)), nil
	}

	doc, err := metadata.Parse(data)
	if err != nil {
		return failed(telemetry.CodeValidation, err.Error()), nil
	}

	result := metadata.Validate(doc)
	if !result.Valid {
		logger.Info().Strs("errors", result.Errors).Msg("Metadata failed validation")
		return failed(telemetry.CodeValidation, result.Errors...), nil
	}

	studyID := metadata.StudyID(doc)
	out := finish(&models.Validation{
		Valid:       true,
		Errors:      result.Errors,
		StudyID:     studyID,
		Metadata:    doc,
		ImageKey:    imageKey,
		MetadataKey: metadataKey,
	})
	h.telemetry.Emit(ctx, telemetry.Event{
		StudyID:   studyID,
		Stage:     telemetry.StageValidateMetadata,
		Status:    telemetry.StatusSuccess,
		LatencyMs: out.LatencyMs,
		Details:   map[string]any{"validation_errors": 0},
	})

	logger.Info().
		Str("study_id", studyID).
		Int64("latency_ms", out.LatencyMs).
		Msg("Validation completed")
	return out, nil
}

func main() {
	logger := di.ProvideLogger().With().Str("lambda", "validate-metadata").Logger()

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
		wrappedHandler := func(ctx context.Context, input *models.StepFunctionInput) (*models.Validation, error) {
			ctx = logger.WithContext(ctx)
			return handler.HandleValidateMetadata(ctx, input)
		}
		lambda.Start(wrappedHandler)
		return
	}

	app := &cli.App{
		Name:  "validate-metadata",
		Usage: "Validate the metadata sidecar of a study in S3",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "bucket",
				Usage:    "S3 bucket name",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "key",
				Usage:    "S3 object key of the image or its sidecar",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			ctx := logger.WithContext(c.Context)
			out, err := handler.HandleValidateMetadata(ctx, &models.StepFunctionInput{
				Bucket: c.String("bucket"),
				Key:    c.String("key"),
			})
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(out, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
