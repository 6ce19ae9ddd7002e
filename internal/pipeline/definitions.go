package pipeline

import (
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/policy"
)

// Pipeline state names
const (
	StateValidateInput            = "ValidateInput"
	StateCheckValidationResult    = "CheckValidationResult"
	StatePrepareImage             = "PrepareImage"
	StateInvokeInference          = "InvokeInference"
	StateStoreResults             = "StoreResults"
	StateSendTelemetry            = "SendTelemetry"
	StatePipelineComplete         = "PipelineComplete"
	StateHandleValidationError    = "HandleValidationError"
	StateHandlePreprocessingError = "HandlePreprocessingError"
	StateHandleInferenceError     = "HandleInferenceError"
	StateHandleStorageError       = "HandleStorageError"
)

// Error handler state names
const (
	StateAnalyzeError    = "AnalyzeError"
	StateDetermineAction = "DetermineAction"
	StateSendAlert       = "SendAlert"
	StateLogError        = "LogError"
	StateEnd             = "End"
)

const eksRunJobSync = "arn:aws:states:::eks:runJob.sync"
const snsPublish = "arn:aws:states:::sns:publish"

func lambdaRetry(interval, attempts int) []Retrier {
	return []Retrier{
		{
			ErrorEquals:     []string{ErrorLambdaService, ErrorLambdaAWS, ErrorLambdaSdkClient},
			IntervalSeconds: interval,
			MaxAttempts:     attempts,
			BackoffRate:     2.0,
		},
	}
}

func catchAll(next, resultPath string) []Catcher {
	return []Catcher{
		{
			ErrorEquals: []string{ErrorAll},
			Next:        next,
			ResultPath:  resultPath,
		},
	}
}

// Pipeline returns the radstream-pipeline definition:
// validate, preprocess, infer, store and report telemetry for one study
func Pipeline(scope policy.Scope) *StateMachine {
	return &StateMachine{
		Comment: "RadStream Medical Imaging Pipeline - Orchestrates image processing workflow",
		StartAt: StateValidateInput,
		States: map[string]*State{
			StateValidateInput: {
				Type:       TypeTask,
				Resource:   scope.FunctionArn(constants.FunctionValidateMetadata),
				Next:       StateCheckValidationResult,
				Retry:      lambdaRetry(2, 3),
				Catch:      catchAll(StateHandleValidationError, "$.error"),
				ResultPath: "$.validation",
			},
			StateCheckValidationResult: {
				Type: TypeChoice,
				Choices: []ChoiceRule{
					{
						Variable:      "$.validation.valid",
						BooleanEquals: boolPtr(true),
						Next:          StatePrepareImage,
					},
				},
				Default: StateHandleValidationError,
			},
			StatePrepareImage: {
				Type:       TypeTask,
				Resource:   scope.FunctionArn(constants.FunctionPrepareTensors),
				Next:       StateInvokeInference,
				Retry:      lambdaRetry(2, 3),
				Catch:      catchAll(StateHandlePreprocessingError, "$.error"),
				ResultPath: "$.preprocessing",
			},
			StateInvokeInference: {
				Type:     TypeTask,
				Resource: eksRunJobSync,
				Parameters: map[string]any{
					"ClusterName":   constants.InferenceCluster,
					"JobDefinition": constants.InferenceJobDefinition,
					"JobName.$":     "States.Format('radstream-inference-{}', $$.Execution.Name)",
					"JobQueue":      constants.InferenceJobQueue,
					"Parameters": map[string]any{
						"studyId.$":          "$.validation.studyId",
						"bucket.$":           "$.bucket",
						"key.$":              "$.key",
						"preprocessedData.$": "$.preprocessing.preprocessedData",
					},
				},
				Next: StateStoreResults,
				Retry: []Retrier{
					{
						ErrorEquals:     []string{ErrorAll},
						IntervalSeconds: 5,
						MaxAttempts:     2,
						BackoffRate:     2.0,
					},
				},
				Catch:      catchAll(StateHandleInferenceError, "$.error"),
				ResultPath: "$.inference",
			},
			StateStoreResults: {
				Type:       TypeTask,
				Resource:   scope.FunctionArn(constants.FunctionStoreResults),
				Next:       StateSendTelemetry,
				Retry:      lambdaRetry(2, 3),
				Catch:      catchAll(StateHandleStorageError, "$.error"),
				ResultPath: "$.storage",
			},
			StateSendTelemetry: {
				Type:       TypeTask,
				Resource:   scope.FunctionArn(constants.FunctionSendTelemetry),
				Next:       StatePipelineComplete,
				Retry:      lambdaRetry(1, 2),
				Catch:      catchAll(StatePipelineComplete, "$.telemetryError"),
				ResultPath: "$.telemetry",
			},
			StatePipelineComplete: {
				Type: TypePass,
				Parameters: map[string]any{
					"studyId.$":   "$.validation.studyId",
					"status":      "completed",
					"timestamp.$": "$$.State.EnteredTime",
					"results.$":   "$.storage.results",
				},
				End: true,
			},
			StateHandleValidationError: {
				Type:    TypeFail,
				Cause:   "Validation failed",
				Error:   "ValidationError",
				Comment: "Input validation failed - check metadata format",
			},
			StateHandlePreprocessingError: {
				Type:    TypeFail,
				Cause:   "Image preprocessing failed",
				Error:   "PreprocessingError",
				Comment: "Failed to preprocess image - check image format and size",
			},
			StateHandleInferenceError: {
				Type:    TypeFail,
				Cause:   "Model inference failed",
				Error:   "InferenceError",
				Comment: "Failed to run inference - check EKS cluster and model",
			},
			StateHandleStorageError: {
				Type:    TypeFail,
				Cause:   "Result storage failed",
				Error:   "StorageError",
				Comment: "Failed to store results - check S3 permissions",
			},
		},
	}
}

// ErrorHandler returns the radstream-error-handler definition. It classifies a
// failed execution, alerts on high severity and always records the failure.
func ErrorHandler(scope policy.Scope) *StateMachine {
	return &StateMachine{
		Comment: "RadStream Error Handling Workflow - Processes failed pipeline executions",
		StartAt: StateAnalyzeError,
		States: map[string]*State{
			StateAnalyzeError: {
				Type:       TypeTask,
				Resource:   scope.FunctionArn(constants.FunctionAnalyzeError),
				Next:       StateDetermineAction,
				ResultPath: "$.errorAnalysis",
			},
			StateDetermineAction: {
				Type: TypeChoice,
				Choices: []ChoiceRule{
					{
						Variable:     "$.errorAnalysis.severity",
						StringEquals: "HIGH",
						Next:         StateSendAlert,
					},
					{
						Variable:     "$.errorAnalysis.severity",
						StringEquals: "MEDIUM",
						Next:         StateLogError,
					},
				},
				Default: StateLogError,
			},
			StateSendAlert: {
				Type:     TypeTask,
				Resource: snsPublish,
				Parameters: map[string]any{
					"TopicArn": scope.TopicArn(constants.AlertTopic),
					"Message":  "High severity error in RadStream pipeline",
					"Subject":  "RadStream Pipeline Alert",
				},
				ResultPath: "$.alert",
				Next:       StateLogError,
			},
			StateLogError: {
				Type:     TypeTask,
				Resource: scope.FunctionArn(constants.FunctionLogError),
				Next:     StateEnd,
			},
			StateEnd: {
				Type: TypeSucceed,
			},
		},
	}
}

// Definitions returns every state machine keyed by name
func Definitions(scope policy.Scope) map[string]*StateMachine {
	return map[string]*StateMachine{
		constants.PipelineStateMachine:     Pipeline(scope),
		constants.ErrorHandlerStateMachine: ErrorHandler(scope),
	}
}
