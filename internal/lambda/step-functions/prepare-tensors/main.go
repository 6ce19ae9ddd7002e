package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/di"
	"github.com/savaki/radstream/internal/errors"
	"github.com/savaki/radstream/internal/models"
	"github.com/savaki/radstream/internal/preprocess"
	"github.com/savaki/radstream/internal/services"
	"github.com/savaki/radstream/internal/telemetry"
	"github.com/urfave/cli/v2"
)

type ObjectStore interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

type Emitter interface {
	Emit(ctx context.Context, e telemetry.Event)
}

type Handler struct {
	store           ObjectStore
	telemetry       Emitter
	artifactsBucket string
	now             func() time.Time
}

func NewHandler(store *services.ObjectStore, producer *telemetry.Producer, config *services.Config) *Handler {
	return &Handler{
		store:           store,
		telemetry:       producer,
		artifactsBucket: config.ArtifactsBucket,
		now:             time.Now,
	}
}

// TensorKey is where the raw tensor of a study is stored
func TensorKey(studyID string) string {
	return fmt.Sprintf("%s%s/%s.bin", constants.TensorsPrefix, studyID, studyID)
}

func (h *Handler) HandlePrepareTensors(ctx context.Context, input *models.State) (*models.Preprocessing, error) {
	start := h.now()
	logger := zerolog.Ctx(ctx)

	if input == nil || input.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket and key are required", errors.ErrImageDownload)
	}

	studyID := input.ResolvedStudyID()
	imageKey := input.Key
	var md map[string]any
	if v := input.Validation; v != nil {
		md = v.Metadata
		if v.ImageKey != "" {
			imageKey = v.ImageKey
		}
	}
	if studyID == "" {
		studyID = models.StudyIDFromKey(imageKey)
	}

	fail := func(code string, err error) (*models.Preprocessing, error) {
		h.telemetry.Emit(ctx, telemetry.Event{
			StudyID:      studyID,
			Stage:        telemetry.StagePrepareTensors,
			Status:       telemetry.StatusError,
			LatencyMs:    h.now().Sub(start).Milliseconds(),
			ErrorCode:    code,
			ErrorMessage: err.Error(),
		})
		return nil, err
	}

	data, err := h.store.GetObject(ctx, input.Bucket, imageKey)
	if err != nil {
		return fail(telemetry.CodeDownload, fmt.Errorf("%w: %s: %v", errors.ErrImageDownload, imageKey, err))
	}

	tensor, err := preprocess.Prepare(data, md)
	if err != nil {
		return fail(telemetry.CodeUnexpected, err)
	}

	stats := tensor.Stats()
	params := models.NormalizationParams{
		Scale: 1.0 / 255.0,
		Mean:  stats.Mean,
		Std:   stats.Std,
		Min:   stats.Min,
		Max:   stats.Max,
	}
	if preprocess.NeedsChestWindow(md) {
		window, level := preprocess.ChestWindow, preprocess.ChestLevel
		params.Windowed = true
		params.Window = &window
		params.Level = &level
	}

	prepared := &models.PreprocessedData{
		StudyID:             studyID,
		OriginalKey:         imageKey,
		ImageShape:          tensor.ShapeSlice(),
		NormalizationParams: params,
		Metadata:            md,
	}

	if h.artifactsBucket != "" {
		key := TensorKey(studyID)
		if err := h.store.PutObject(ctx, h.artifactsBucket, key, tensor.Bytes(), "application/octet-stream"); err != nil {
			return fail(telemetry.CodeStorage, fmt.Errorf("failed to store tensor: %w", err))
		}
		prepared.PreprocessedImageURI = fmt.Sprintf("s3://%s/%s", h.artifactsBucket, key)
	} else {
		prepared.PreprocessedImage = tensor.Base64()
	}

	latency := h.now().Sub(start).Milliseconds()
	h.telemetry.Emit(ctx, telemetry.Event{
		StudyID:   studyID,
		Stage:     telemetry.StagePrepareTensors,
		Status:    telemetry.StatusSuccess,
		LatencyMs: latency,
		Details: map[string]any{
			"image_shape":     prepared.ImageShape,
			"original_width":  tensor.OriginalWidth,
			"original_height": tensor.OriginalHeight,
			"windowed":        params.Windowed,
		},
	})

	logger.Info().
		Str("study_id", studyID).
		Ints("shape", prepared.ImageShape).
		Int64("latency_ms", latency).
		Msg("Prepared tensor")

	return &models.Preprocessing{
		Success:          true,
		PreprocessedData: prepared,
		LatencyMs:        latency,
		Timestamp:        telemetry.Timestamp(h.now()),
	}, nil
}

func main() {
	logger := di.ProvideLogger().With().Str("lambda", "prepare-tensors").Logger()

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
		wrappedHandler := func(ctx context.Context, input *models.State) (*models.Preprocessing, error) {
			ctx = logger.WithContext(ctx)
			return handler.HandlePrepareTensors(ctx, input)
		}
		lambda.Start(wrappedHandler)
		return
	}

	app := &cli.App{
		Name:  "prepare-tensors",
		Usage: "Prepare the model input tensor of a study image in S3",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "bucket",
				Usage:    "S3 bucket name",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "key",
				Usage:    "S3 object key of the image",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "study-id",
				Usage: "study id; derived from the key when empty",
			},
		},
		Action: func(c *cli.Context) error {
			ctx := logger.WithContext(c.Context)
			out, err := handler.HandlePrepareTensors(ctx, &models.State{
				StepFunctionInput: models.StepFunctionInput{
					Bucket:  c.String("bucket"),
					Key:     c.String("key"),
					StudyID: c.String("study-id"),
				},
			})
			if err != nil {
				return err
			}
			if d := out.PreprocessedData; d != nil && len(d.PreprocessedImage) > 64 {
				d.PreprocessedImage = d.PreprocessedImage[:64] + "..."
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
