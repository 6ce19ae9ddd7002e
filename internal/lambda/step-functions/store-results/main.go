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
	"github.com/savaki/radstream/internal/dao/studydao"
	"github.com/savaki/radstream/internal/di"
	"github.com/savaki/radstream/internal/errors"
	"github.com/savaki/radstream/internal/models"
	"github.com/savaki/radstream/internal/services"
	"github.com/savaki/radstream/internal/telemetry"
	"github.com/urfave/cli/v2"
)

type ObjectWriter interface {
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

type Emitter interface {
	Emit(ctx context.Context, e telemetry.Event)
}

// Ledger marks a run complete, either by id or as the most recent run of a study
type Ledger interface {
	Complete(ctx context.Context, id studydao.ID, resultsKey string) error
	CompleteLatest(ctx context.Context, studyID, resultsKey string) error
}

type Handler struct {
	store         ObjectWriter
	telemetry     Emitter
	ledger        Ledger
	resultsBucket string
	now           func() time.Time
}

func NewHandler(store *services.ObjectStore, producer *telemetry.Producer, dao *studydao.DAO, config *services.Config) *Handler {
	h := &Handler{
		store:         store,
		telemetry:     producer,
		resultsBucket: config.ResultsBucket,
		now:           time.Now,
	}
	if dao != nil {
		h.ledger = dao
	}
	return h
}

// Results is the document written for every completed study
type Results struct {
	StudyID          string         `json:"study_id"`
	Timestamp        string         `json:"timestamp"`
	InferenceResults map[string]any `json:"inference_results"`
	Metadata         map[string]any `json:"metadata"`
	PipelineVersion  string         `json:"pipeline_version"`
}

// ResultsKey returns results/{study}/{YYYY/MM/DD}/{study}_results.json
func ResultsKey(studyID string, t time.Time) string {
	return fmt.Sprintf("%s%s/%s/%s_results.json", constants.ResultsPrefix, studyID, t.UTC().Format("2006/01/02"), studyID)
}

func (h *Handler) HandleStoreResults(ctx context.Context, input *models.State) (*models.Storage, error) {
	start := h.now()
	logger := zerolog.Ctx(ctx)

	if h.resultsBucket == "" {
		return nil, errors.ErrResultsBucketRequired
	}
	if input == nil {
		return nil, errors.ErrStudyIDRequired
	}

	studyID := input.ResolvedStudyID()
	if studyID == "" {
		studyID = "unknown"
	}

	results := Results{
		StudyID:          studyID,
		Timestamp:        telemetry.Timestamp(start),
		InferenceResults: input.Inference,
		Metadata:         map[string]any{},
		PipelineVersion:  constants.PipelineVersion,
	}
	if results.InferenceResults == nil {
		results.InferenceResults = map[string]any{}
	}
	if input.Validation != nil && input.Validation.Metadata != nil {
		results.Metadata = input.Validation.Metadata
	}

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal results: %w", err)
	}

	key := ResultsKey(studyID, start)
	if err := h.store.PutObject(ctx, h.resultsBucket, key, data, "application/json"); err != nil {
		h.telemetry.Emit(ctx, telemetry.Event{
			StudyID:      studyID,
			Stage:        telemetry.StageStoreResults,
			Status:       telemetry.StatusError,
			LatencyMs:    h.now().Sub(start).Milliseconds(),
			ErrorCode:    telemetry.CodeStorage,
			ErrorMessage: err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", errors.ErrResultsUpload, err)
	}

	logger.Info().
		Str("study_id", studyID).
		Str("location", fmt.Sprintf("s3://%s/%s", h.resultsBucket, key)).
		Msg("Results stored")

	if h.ledger != nil {
		var err error
		if run := input.StepFunctionInput; run.RunID != "" && run.StudyID != "" {
			err = h.ledger.Complete(ctx, studydao.NewID(run.StudyID, run.RunID), key)
		} else {
			err = h.ledger.CompleteLatest(ctx, studyID, key)
		}
		if err != nil {
			logger.Warn().Err(err).Str("study_id", studyID).Str("run_id", input.RunID).Msg("Failed to mark study run complete")
		}
	}

	latency := h.now().Sub(start).Milliseconds()
	h.telemetry.Emit(ctx, telemetry.Event{
		StudyID:   studyID,
		Stage:     telemetry.StageStoreResults,
		Status:    telemetry.StatusSuccess,
		LatencyMs: latency,
		Details:   map[string]any{"results_key": key},
	})

	return &models.Storage{
		Success: true,
		Results: &models.ResultsLocation{
			Bucket:  h.resultsBucket,
			Key:     key,
			StudyID: studyID,
		},
		LatencyMs: latency,
		Timestamp: telemetry.Timestamp(h.now()),
	}, nil
}

func main() {
	logger := di.ProvideLogger().With().Str("lambda", "store-results").Logger()

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
		wrappedHandler := func(ctx context.Context, input *models.State) (*models.Storage, error) {
			ctx = logger.WithContext(ctx)
			return handler.HandleStoreResults(ctx, input)
		}
		lambda.Start(wrappedHandler)
		return
	}

	app := &cli.App{
		Name:  "store-results",
		Usage: "Store inference results of a study",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "study-id",
				Usage:    "study id",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "inference",
				Usage: "inference results as a JSON object",
				Value: "{}",
			},
		},
		Action: func(c *cli.Context) error {
			var inference map[string]any
			if err := json.Unmarshal([]byte(c.String("inference")), &inference); err != nil {
				return fmt.Errorf("invalid --inference: %w", err)
			}

			ctx := logger.WithContext(c.Context)
			out, err := handler.HandleStoreResults(ctx, &models.State{
				StepFunctionInput: models.StepFunctionInput{StudyID: c.String("study-id")},
				Inference:         inference,
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
