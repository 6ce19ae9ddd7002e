package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/di"
	"github.com/savaki/radstream/internal/models"
	"github.com/savaki/radstream/internal/telemetry"
	"github.com/urfave/cli/v2"
)

// Sender publishes telemetry. *telemetry.Producer satisfies it.
type Sender interface {
	Send(ctx context.Context, e telemetry.Event) (*telemetry.SendResult, error)
	SendBatch(ctx context.Context, events []telemetry.Event) (*telemetry.BatchResult, error)
}

type Handler struct {
	sender Sender
	now    func() time.Time
}

func NewHandler(producer *telemetry.Producer) *Handler {
	return &Handler{
		sender: producer,
		now:    time.Now,
	}
}

// Input is the pipeline state, optionally carrying an explicit event or batch
type Input struct {
	models.State

	Telemetry      *telemetry.Event  `json:"telemetry,omitempty"`
	TelemetryBatch []telemetry.Event `json:"telemetry_batch,omitempty"`
}

type Output struct {
	Success         bool                     `json:"success"`
	Stage           string                   `json:"stage,omitempty"`
	ShardID         string                   `json:"shard_id,omitempty"`
	SequenceNumber  string                   `json:"sequence_number,omitempty"`
	SuccessfulCount int                      `json:"successful_count,omitempty"`
	FailedCount     int                      `json:"failed_count,omitempty"`
	FailedRecords   []telemetry.FailedRecord `json:"failed_records,omitempty"`
	LatencyMs       int64                    `json:"latency_ms"`
	Timestamp       string                   `json:"timestamp"`
}

// enrich stamps the invoking function onto e
func enrich(ctx context.Context, e telemetry.Event) telemetry.Event {
	if e.FunctionName == "" {
		e.FunctionName = lambdacontext.FunctionName
	}
	if e.FunctionVersion == "" {
		e.FunctionVersion = lambdacontext.FunctionVersion
	}
	if lc, ok := lambdacontext.FromContext(ctx); ok && e.RequestID == "" {
		e.RequestID = lc.AwsRequestID
	}
	return e
}

// Summary describes a finished run as a pipeline_complete event carrying the
// latency of every stage that reported one
func Summary(state *models.State) telemetry.Event {
	latencies := map[string]int64{}
	if state.Validation != nil {
		latencies[telemetry.StageValidateMetadata] = state.Validation.LatencyMs
	}
	if state.Preprocessing != nil {
		latencies[telemetry.StagePrepareTensors] = state.Preprocessing.LatencyMs
	}
	if state.Storage != nil {
		latencies[telemetry.StageStoreResults] = state.Storage.LatencyMs
	}

	var total int64
	for _, v := range latencies {
		total += v
	}

	details := map[string]any{
		"stage_latencies": latencies,
		"inference":       state.Inference != nil,
	}
	if state.Storage != nil && state.Storage.Results != nil {
		details["results_key"] = state.Storage.Results.Key
	}

	return telemetry.Event{
		StudyID:   state.ResolvedStudyID(),
		Stage:     telemetry.StagePipelineComplete,
		Status:    telemetry.StatusSuccess,
		LatencyMs: total,
		Details:   details,
	}
}

func (h *Handler) HandleSendTelemetry(ctx context.Context, input *Input) (*Output, error) {
	start := h.now()
	logger := zerolog.Ctx(ctx)

	if input == nil {
		input = &Input{}
	}

	out := &Output{Success: true}
	switch {
	case len(input.TelemetryBatch) > 0:
		events := make([]telemetry.Event, 0, len(input.TelemetryBatch))
		for _, e := range input.TelemetryBatch {
			events = append(events, enrich(ctx, e))
		}

		result, err := h.sender.SendBatch(ctx, events)
		if err != nil {
			return nil, err
		}
		out.Success = result.FailedCount == 0
		out.SuccessfulCount = result.SuccessfulCount
		out.FailedCount = result.FailedCount
		out.FailedRecords = result.FailedRecords

		logger.Info().
			Int("successful", result.SuccessfulCount).
			Int("failed", result.FailedCount).
			Msg("Telemetry batch sent")

	default:
		event := Summary(&input.State)
		if input.Telemetry != nil {
			event = *input.Telemetry
		}
		event = enrich(ctx, event)

		result, err := h.sender.Send(ctx, event)
		if err != nil {
			return nil, err
		}
		out.Stage = event.Stage
		out.ShardID = result.ShardID
		out.SequenceNumber = result.SequenceNumber

		logger.Info().
			Str("study_id", event.StudyID).
			Str("stage", event.Stage).
			Str("sequence_number", result.SequenceNumber).
			Msg("Telemetry sent")
	}

	out.LatencyMs = h.now().Sub(start).Milliseconds()
	out.Timestamp = telemetry.Timestamp(h.now())
	return out, nil
}

func main() {
	logger := di.ProvideLogger().With().Str("lambda", "send-telemetry").Logger()

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
			return handler.HandleSendTelemetry(ctx, input)
		}
		lambda.Start(wrappedHandler)
		return
	}

	app := &cli.App{
		Name:  "send-telemetry",
		Usage: "Send a telemetry event to the telemetry stream",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "study-id",
				Usage:    "study id",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "stage",
				Usage: "pipeline stage",
				Value: "test_telemetry",
			},
			&cli.StringFlag{
				Name:  "status",
				Usage: "stage status",
				Value: telemetry.StatusSuccess,
			},
			&cli.Int64Flag{
				Name:  "latency-ms",
				Usage: "stage latency",
				Value: 100,
			},
		},
		Action: func(c *cli.Context) error {
			ctx := logger.WithContext(c.Context)
			out, err := handler.HandleSendTelemetry(ctx, &Input{
				Telemetry: &telemetry.Event{
					StudyID:   c.String("study-id"),
					Stage:     c.String("stage"),
					Status:    c.String("status"),
					LatencyMs: c.Int64("latency-ms"),
				},
			})
			if err != nil {
				return fmt.Errorf("failed to send telemetry: %w", err)
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
