package pipeline

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/go-test/deep"
	"github.com/savaki/radstream/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testScope = policy.Scope{Region: "us-east-1", AccountID: "123456789012"}

func TestDefinitionsValidate(t *testing.T) {
	for name, sm := range Definitions(testScope) {
		t.Run(name, func(t *testing.T) {
			if err := sm.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestPipeline_StageOrder(t *testing.T) {
	sm := Pipeline(testScope)

	var order []string
	for name := sm.StartAt; name != ""; {
		order = append(order, name)
		state := sm.States[name]
		switch {
		case state.Type == TypeChoice:
			name = state.Choices[0].Next
		case state.End:
			name = ""
		default:
			name = state.Next
		}
	}

	want := []string{
		StateValidateInput,
		StateCheckValidationResult,
		StatePrepareImage,
		StateInvokeInference,
		StateStoreResults,
		StateSendTelemetry,
		StatePipelineComplete,
	}
	if diff := deep.Equal(order, want); diff != nil {
		t.Error(diff)
	}
}

func TestPipeline_RetryAndCatch(t *testing.T) {
	sm := Pipeline(testScope)

	tests := []struct {
		state          string
		interval       int
		attempts       int
		catchNext      string
		catchPath      string
		resultPath     string
		retryAllErrors bool
	}{
		{StateValidateInput, 2, 3, StateHandleValidationError, "$.error", "$.validation", false},
		{StatePrepareImage, 2, 3, StateHandlePreprocessingError, "$.error", "$.preprocessing", false},
		{StateInvokeInference, 5, 2, StateHandleInferenceError, "$.error", "$.inference", true},
		{StateStoreResults, 2, 3, StateHandleStorageError, "$.error", "$.storage", false},
		{StateSendTelemetry, 1, 2, StatePipelineComplete, "$.telemetryError", "$.telemetry", false},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			state := sm.States[tt.state]
			require.NotNil(t, state)
			require.Len(t, state.Retry, 1)
			require.Len(t, state.Catch, 1)

			assert.Equal(t, tt.interval, state.Retry[0].IntervalSeconds)
			assert.Equal(t, tt.attempts, state.Retry[0].MaxAttempts)
			assert.Equal(t, 2.0, state.Retry[0].BackoffRate)
			assert.Equal(t, tt.retryAllErrors, state.Retry[0].ErrorEquals[0] == ErrorAll)
			assert.Equal(t, []string{ErrorAll}, state.Catch[0].ErrorEquals)
			assert.Equal(t, tt.catchNext, state.Catch[0].Next)
			assert.Equal(t, tt.catchPath, state.Catch[0].ResultPath)
			assert.Equal(t, tt.resultPath, state.ResultPath)
		})
	}
}

func TestPipeline_FailStates(t *testing.T) {
	sm := Pipeline(testScope)

	want := map[string]string{
		StateHandleValidationError:    "Validation failed",
		StateHandlePreprocessingError: "Image preprocessing failed",
		StateHandleInferenceError:     "Model inference failed",
		StateHandleStorageError:       "Result storage failed",
	}
	for name, cause := range want {
		state := sm.States[name]
		if state.Type != TypeFail {
			t.Errorf("%s type = %s, want Fail", name, state.Type)
		}
		if state.Cause != cause {
			t.Errorf("%s cause = %q, want %q", name, state.Cause, cause)
		}
	}
}

func TestPipeline_JSON(t *testing.T) {
	text, err := Pipeline(testScope).JSON()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &doc))
	assert.Equal(t, StateValidateInput, doc["StartAt"])
	assert.True(t, strings.Contains(text, `"BooleanEquals": true`))
	assert.True(t, strings.Contains(text, "arn:aws:lambda:us-east-1:123456789012:function:radstream-validate-metadata"))
	assert.True(t, strings.Contains(text, "arn:aws:states:::eks:runJob.sync"))
}

func TestErrorHandler_Choices(t *testing.T) {
	sm := ErrorHandler(testScope)

	choice := sm.States[StateDetermineAction]
	require.Len(t, choice.Choices, 2)
	assert.Equal(t, "HIGH", choice.Choices[0].StringEquals)
	assert.Equal(t, StateSendAlert, choice.Choices[0].Next)
	assert.Equal(t, "MEDIUM", choice.Choices[1].StringEquals)
	assert.Equal(t, StateLogError, choice.Choices[1].Next)
	assert.Equal(t, StateLogError, choice.Default)

	alert := sm.States[StateSendAlert]
	assert.Equal(t, "arn:aws:sns:us-east-1:123456789012:radstream-alerts", alert.Parameters["TopicArn"])
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		sm      *StateMachine
		wantErr string
	}{
		{
			name:    "unknown start",
			sm:      &StateMachine{StartAt: "Missing", States: map[string]*State{"A": {Type: TypeSucceed}}},
			wantErr: "StartAt",
		},
		{
			name: "dangling next",
			sm: &StateMachine{StartAt: "A", States: map[string]*State{
				"A": {Type: TypeTask, Next: "B"},
			}},
			wantErr: "unknown state \"B\"",
		},
		{
			name: "no transition",
			sm: &StateMachine{StartAt: "A", States: map[string]*State{
				"A": {Type: TypeTask},
			}},
			wantErr: "neither transitions nor ends",
		},
		{
			name: "empty choice",
			sm: &StateMachine{StartAt: "A", States: map[string]*State{
				"A": {Type: TypeChoice, Default: "B"},
				"B": {Type: TypeSucceed},
			}},
			wantErr: "no choices",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sm.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
