package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/di"
	"github.com/savaki/radstream/internal/models"
	"github.com/urfave/cli/v2"
)

// Error names raised by the pipeline and the Step Functions runtime
const (
	ErrorValidation    = "ValidationError"
	ErrorPreprocessing = "PreprocessingError"
	ErrorInference     = "InferenceError"
	ErrorStorage       = "StorageError"
	ErrorTimeout       = "States.Timeout"
)

// Failure categories
const (
	CategoryValidation    = "validation"
	CategoryPreprocessing = "preprocessing"
	CategoryInference     = "inference"
	CategoryStorage       = "storage"
	CategoryTimeout       = "timeout"
	CategoryAborted       = "aborted"
	CategoryUnknown       = "unknown"
)

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

// Analyze classifies a failure. Inference, storage and timeout failures are
// HIGH and retryable, preprocessing failures are MEDIUM and validation
// failures are LOW.
func Analyze(f models.ExecutionFailure) models.ErrorAnalysis {
	name := f.Error
	if name == "" && f.Status == "TIMED_OUT" {
		name = ErrorTimeout
	}

	var a models.ErrorAnalysis
	switch {
	case name == ErrorTimeout:
		a = models.ErrorAnalysis{Severity: models.SeverityHigh, Category: CategoryTimeout, Retryable: true}
	case name == ErrorInference || strings.Contains(strings.ToLower(name), "inference"):
		a = models.ErrorAnalysis{Severity: models.SeverityHigh, Category: CategoryInference, Retryable: true}
	case name == ErrorStorage:
		a = models.ErrorAnalysis{Severity: models.SeverityHigh, Category: CategoryStorage, Retryable: true}
	case name == ErrorPreprocessing:
		a = models.ErrorAnalysis{Severity: models.SeverityMedium, Category: CategoryPreprocessing}
	case name == ErrorValidation:
		a = models.ErrorAnalysis{Severity: models.SeverityLow, Category: CategoryValidation}
	case name == "" && f.Status == "ABORTED":
		a = models.ErrorAnalysis{Severity: models.SeverityLow, Category: CategoryAborted}
	case strings.HasPrefix(name, "Lambda.") || strings.HasPrefix(name, "States."):
		a = models.ErrorAnalysis{Severity: models.SeverityMedium, Category: CategoryUnknown, Retryable: true}
	default:
		a = models.ErrorAnalysis{Severity: models.SeverityMedium, Category: CategoryUnknown}
	}

	if name == "" {
		name = "unknown error"
	}
	a.Summary = name
	if f.Cause != "" {
		a.Summary = fmt.Sprintf("%s: %s", name, f.Cause)
	}
	if f.StudyID != "" {
		a.Summary = fmt.Sprintf("study %s: %s", f.StudyID, a.Summary)
	}
	return a
}

func (h *Handler) HandleAnalyzeError(ctx context.Context, input *models.ExecutionFailure) (*models.ErrorAnalysis, error) {
	if input == nil {
		input = &models.ExecutionFailure{}
	}

	analysis := Analyze(*input)
	zerolog.Ctx(ctx).Info().
		Str("execution_arn", input.ExecutionArn).
		Str("study_id", input.StudyID).
		Str("error", input.Error).
		Str("severity", string(analysis.Severity)).
		Str("category", analysis.Category).
		Msg("Analyzed pipeline failure")
	return &analysis, nil
}

func main() {
	logger := di.ProvideLogger().With().Str("lambda", "analyze-error").Logger()
	handler := NewHandler()

	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		wrappedHandler := func(ctx context.Context, input *models.ExecutionFailure) (*models.ErrorAnalysis, error) {
			ctx = logger.WithContext(ctx)
			return handler.HandleAnalyzeError(ctx, input)
		}
		lambda.Start(wrappedHandler)
		return
	}

	app := &cli.App{
		Name:  "analyze-error",
		Usage: "Classify a pipeline failure",
		Flags: []cli.Flag{
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
			out, err := handler.HandleAnalyzeError(ctx, &models.ExecutionFailure{
				Error: c.String("error"),
				Cause: c.String("cause"),
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
