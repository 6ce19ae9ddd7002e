package errors

import "errors"

var (
	ErrStateMachineARNRequired = errors.New("STATE_MACHINE_ARN environment variable is required")
	ErrResultsBucketRequired   = errors.New("RESULTS_BUCKET environment variable is required")
	ErrInvalidS3KeyFormat      = errors.New("invalid S3 key format")
	ErrStudyIDRequired         = errors.New("study id is required")
	ErrImageDecode             = errors.New("failed to decode image")
	ErrImageDownload           = errors.New("failed to download image")
	ErrResultsUpload           = errors.New("failed to store results")
	ErrStudyNotFound           = errors.New("study record not found")
	ErrStateMachineNotFound    = errors.New("state machine not found")
	ErrStreamNotActive         = errors.New("stream is not active")
	ErrPolicyViolation         = errors.New("policy document violates guardrails")
	ErrConfirmationRequired    = errors.New("destructive operation requires --confirm")
	ErrExecutionFailed         = errors.New("step function execution did not succeed")
	ErrQueryFailed             = errors.New("athena query did not succeed")
	ErrHealthCheckFailed       = errors.New("inference server health check failed")
)
