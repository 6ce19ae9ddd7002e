package main

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze(t *testing.T) {
	tests := []struct {
		name      string
		failure   models.ExecutionFailure
		severity  models.Severity
		category  string
		retryable bool
	}{
		{
			name:      "inference",
			failure:   models.ExecutionFailure{Error: "InferenceError", Cause: "Model inference failed"},
			severity:  models.SeverityHigh,
			category:  CategoryInference,
			retryable: true,
		},
		{
			name:      "storage",
			failure:   models.ExecutionFailure{Error: "StorageError"},
			severity:  models.SeverityHigh,
			category:  CategoryStorage,
			retryable: true,
		},
		{
			name:      "timeout",
			failure:   models.ExecutionFailure{Error: "States.Timeout"},
			severity:  models.SeverityHigh,
			category:  CategoryTimeout,
			retryable: true,
		},
		{
			name:      "timed out status",
			failure:   models.ExecutionFailure{Status: "TIMED_OUT"},
			severity:  models.SeverityHigh,
			category:  CategoryTimeout,
			retryable: true,
		},
		{
			name:     "preprocessing",
			failure:  models.ExecutionFailure{Error: "PreprocessingError"},
			severity: models.SeverityMedium,
			category: CategoryPreprocessing,
		},
		{
			name:     "validation",
			failure:  models.ExecutionFailure{Error: "ValidationError"},
			severity: models.SeverityLow,
			category: CategoryValidation,
		},
		{
			name:     "aborted",
			failure:  models.ExecutionFailure{Status: "ABORTED"},
			severity: models.SeverityLow,
			category: CategoryAborted,
		},
		{
			name:      "lambda runtime",
			failure:   models.ExecutionFailure{Error: "Lambda.ServiceException"},
			severity:  models.SeverityMedium,
			category:  CategoryUnknown,
			retryable: true,
		},
		{
			name:     "unrecognized",
			failure:  models.ExecutionFailure{Error: "Something"},
			severity: models.SeverityMedium,
			category: CategoryUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Analyze(tt.failure)
			assert.Equal(t, tt.severity, got.Severity)
			assert.Equal(t, tt.category, got.Category)
			assert.Equal(t, tt.retryable, got.Retryable)
			assert.NotEmpty(t, got.Summary)
		})
	}
}

func TestHandleAnalyzeError_StatusChangeEvent(t *testing.T) {
	var input models.ExecutionFailure
	require.NoError(t, json.Unmarshal([]byte(`{
		"source": "aws.states",
		"detail": {
			"executionArn": "arn:aws:states:us-east-1:123:execution:radstream-pipeline:abc",
			"status": "FAILED",
			"error": "InferenceError",
			"cause": "Model inference failed",
			"input": "{\"bucket\":\"b\",\"key\":\"images/TEST-9/TEST-9.jpg\"}"
		}
	}`), &input))

	ctx := zerolog.New(io.Discard).WithContext(context.Background())
	out, err := NewHandler().HandleAnalyzeError(ctx, &input)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityHigh, out.Severity)
	assert.Equal(t, "study TEST-9: InferenceError: Model inference failed", out.Summary)

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"severity":"HIGH"`)
}
