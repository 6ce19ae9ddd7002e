package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/dao/studydao"
	"github.com/savaki/radstream/internal/di"
	"github.com/savaki/radstream/internal/models"
	"github.com/savaki/radstream/internal/telemetry"
	"github.com/urfave/cli/v2"
)

type Emitter interface {
	Emit(ctx context.Context, e telemetry.Event)
}

// Ledger marks a run failed, either by id or as the most recent run of a study
type Ledger interface {
	Fail(ctx context.Context, id studydao.ID, msg string) error
	FailLatest(ctx context.Context, studyID, msg string) error
}

type Handler struct {
	telemetry Emitter
	ledger    Ledger
	now       func() time.Time
}

func NewHandler(producer *telemetry.Producer, dao *studydao.DAO) *Handler {
	h := &Handler{
		telemetry: producer,
		now:       time.Now,
	}
	if dao != nil {
		h.ledger = dao
	}
	return h
}

// Input is the error handler state: the failure plus the analysis
// recorded at $.errorAnalysis
type Input struct {
	Failure  models.ExecutionFailure
	Analysis *models.ErrorAnalysis
}

func (i *Input) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &i.Failure); err != nil {
		return err
	}

	var aux struct {
		ErrorAnalysis *models.ErrorAnalysis `json:"errorAnalysis"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	i.Analysis = aux.ErrorAnalysis
	return nil
}

type Output struct {
	Logged        bool            `json:"logged"`
	StudyID       string          `json:"study_id,omitempty"`
	Severity      models.Severity `json:"severity"`
	LedgerUpdated bool            `json:"ledger_updated"`
	Timestamp     string          `json:"timestamp"`
}

func (h *Handler) HandleLogError(ctx context.Context, input *Input) (*Output, error) {
	logger := zerolog.Ctx(ctx)
	if input == nil {
		input = &Input{}
	}

	failure := input.Failure
	analysis := models.ErrorAnalysis{
		Severity: models.SeverityMedium,
		Category: "unknown",
		Summary:  failure.Error,
	}
	if input.Analysis != nil {
		analysis = *input.Analysis
	}

	logger.Error().
		Str("execution_arn", failure.ExecutionArn).
		Str("study_id", failure.StudyID).
		Str("error", failure.Error).
		Str("cause", failure.Cause).
		Str("severity", string(analysis.Severity)).
		Str("category", analysis.Category).
		Bool("retryable", analysis.Retryable).
		Msg("Pipeline execution failed")

	studyID := failure.StudyID
	if studyID == "" {
		studyID = "unknown"
	}
	h.telemetry.Emit(ctx, telemetry.Event{
		StudyID:      studyID,
		Stage:        telemetry.StageErrorHandler,
		Status:       telemetry.StatusError,
		ErrorCode:    failure.Error,
		ErrorMessage: analysis.Summary,
		Details: map[string]any{
			"severity":      analysis.Severity,
			"category":      analysis.Category,
			"retryable":     analysis.Retryable,
			"execution_arn": failure.ExecutionArn,
		},
	})

	out := &Output{
		Logged:    true,
		StudyID:   failure.StudyID,
		Severity:  analysis.Severity,
		Timestamp: telemetry.Timestamp(h.now()),
	}

	if h.ledger != nil {
		var err error
		switch {
		case failure.RunID != "":
			err = h.ledger.Fail(ctx, studydao.NewID(failure.RunStudyID, failure.RunID), analysis.Summary)
		case failure.StudyID != "":
			err = h.ledger.FailLatest(ctx, failure.StudyID, analysis.Summary)
		default:
			return out, nil
		}
		if err != nil {
			logger.Warn().Err(err).Str("study_id", failure.StudyID).Str("run_id", failure.RunID).Msg("Failed to mark study run failed")
		} else {
			out.LedgerUpdated = true
		}
	}

	return out, nil
}

func main() {
	logger := di.ProvideLogger().With().Str("lambda", "log-error").Logger()

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
		wrappedHandler := func(ctx context.Context, input *Input) (*Output, error) {
			ctx = logger.WithContext(ctx)
			return handler.HandleLogError(ctx, input)
		}
		lambda.Start(wrappedHandler)
		return
	}

	app := &cli.App{
		Name:  "log-error",
		Usage: "Record a pipeline failure",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "study-id",
				Usage:    "study id",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "error",
				Usage:    "error name, e.g. InferenceError",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "cause",
				Usage: "error cause",
			},
		},
		Action: func(c *cli.Context) error {
			ctx := logger.WithContext(c.Context)
			out, err := handler.HandleLogError(ctx, &Input{
				Failure: models.ExecutionFailure{
					StudyID: c.String("study-id"),
					Error:   c.String("error"),
					Cause:   c.String("cause"),
				},
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
