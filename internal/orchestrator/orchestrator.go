package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/dao/studydao"
	"github.com/savaki/radstream/internal/errors"
	"github.com/savaki/radstream/internal/models"
	"github.com/savaki/radstream/internal/utils"
	"github.com/segmentio/ksuid"
)

// StepFunctionInput is the input payload of a radstream-pipeline execution
type StepFunctionInput = models.StepFunctionInput

// Client is the subset of the Step Functions API the orchestrator uses
type Client interface {
	StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
	DescribeExecution(ctx context.Context, params *sfn.DescribeExecutionInput, optFns ...func(*sfn.Options)) (*sfn.DescribeExecutionOutput, error)
}

// Ledger records run transitions. *studydao.DAO satisfies it.
type Ledger interface {
	StartExecution(ctx context.Context, id studydao.ID, executionArn string) error
}

// Execution describes one state machine execution
type Execution struct {
	Arn       string
	Name      string
	Status    types.ExecutionStatus
	StartDate time.Time
	StopDate  time.Time
	Output    string
	Error     string
	Cause     string
}

// Terminal reports whether the execution has stopped
func (e Execution) Terminal() bool {
	return e.Status != "" && e.Status != types.ExecutionStatusRunning && e.Status != types.ExecutionStatusPendingRedrive
}

// Succeeded reports whether the execution completed successfully
func (e Execution) Succeeded() bool {
	return e.Status == types.ExecutionStatusSucceeded
}

// Duration is the elapsed time of a stopped execution
func (e Execution) Duration() time.Duration {
	if e.StopDate.IsZero() {
		return 0
	}
	return e.StopDate.Sub(e.StartDate)
}

// Orchestrator manages Step Functions execution lifecycle
type Orchestrator struct {
	client          Client
	stateMachineArn string
	ledger          Ledger
	prefix          string
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLedger records started executions against their ledger run
func WithLedger(ledger Ledger) Option {
	return func(o *Orchestrator) {
		o.ledger = ledger
	}
}

// WithPrefix overrides the execution name prefix, "radstream" by default
func WithPrefix(prefix string) Option {
	return func(o *Orchestrator) {
		o.prefix = prefix
	}
}

// New creates a new Orchestrator instance
func New(client Client, stateMachineArn string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:          client,
		stateMachineArn: stateMachineArn,
		prefix:          "radstream",
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// maxExecutionName is the Step Functions limit on execution names
const maxExecutionName = 80

// ExecutionName returns {prefix}-{studyID}-{id} with characters Step Functions
// rejects replaced, truncated to the service limit from the left so the
// unique suffix survives.
func ExecutionName(prefix, studyID, id string) string {
	name := invalidNameChars.ReplaceAllString(fmt.Sprintf("%s-%s-%s", prefix, studyID, id), "_")
	if len(name) > maxExecutionName {
		name = name[len(name)-maxExecutionName:]
	}
	return name
}

// StartExecution starts a pipeline execution for input and, when a ledger
// is configured and input carries a RunID, marks the run RUNNING.
func (o *Orchestrator) StartExecution(ctx context.Context, input StepFunctionInput) (string, error) {
	id := input.RunID
	if id == "" {
		id = ksuid.New().String()
	}
	return o.StartNamedExecution(ctx, ExecutionName(o.prefix, input.StudyID, id), input)
}

// StartNamedExecution starts a pipeline execution with an explicit name
func (o *Orchestrator) StartNamedExecution(ctx context.Context, name string, input StepFunctionInput) (string, error) {
	if o.stateMachineArn == "" {
		return "", errors.ErrStateMachineARNRequired
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to marshal step function input: %w", err)
	}

	result, err := o.client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(o.stateMachineArn),
		Name:            aws.String(name),
		Input:           aws.String(string(inputJSON)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to start step function execution: %w", err)
	}

	executionArn := aws.ToString(result.ExecutionArn)
	zerolog.Ctx(ctx).Info().
		Str("study_id", input.StudyID).
		Str("execution_arn", executionArn).
		Msg("started pipeline execution")

	if o.ledger != nil && input.RunID != "" {
		if err := o.ledger.StartExecution(ctx, studydao.NewID(input.StudyID, input.RunID), executionArn); err != nil {
			return "", fmt.Errorf("failed to update study status: %w", err)
		}
	}

	return executionArn, nil
}

// Describe returns the current state of an execution
func (o *Orchestrator) Describe(ctx context.Context, executionArn string) (Execution, error) {
	out, err := o.client.DescribeExecution(ctx, &sfn.DescribeExecutionInput{
		ExecutionArn: aws.String(executionArn),
	})
	if err != nil {
		return Execution{}, fmt.Errorf("failed to describe execution %s: %w", executionArn, err)
	}

	return Execution{
		Arn:       aws.ToString(out.ExecutionArn),
		Name:      aws.ToString(out.Name),
		Status:    out.Status,
		StartDate: aws.ToTime(out.StartDate),
		StopDate:  aws.ToTime(out.StopDate),
		Output:    aws.ToString(out.Output),
		Error:     aws.ToString(out.Error),
		Cause:     aws.ToString(out.Cause),
	}, nil
}

// Wait polls an execution every interval until it stops or timeout elapses.
// A stopped execution that did not succeed is returned along with
// ErrExecutionFailed.
func (o *Orchestrator) Wait(ctx context.Context, executionArn string, interval, timeout time.Duration) (Execution, error) {
	var execution Execution
	err := utils.Poll(ctx, interval, timeout, func(ctx context.Context) (bool, error) {
		e, err := o.Describe(ctx, executionArn)
		if err != nil {
			return false, err
		}
		execution = e
		return e.Terminal(), nil
	})
	if err != nil {
		return execution, err
	}

	if !execution.Succeeded() {
		return execution, fmt.Errorf("%w: %s %s", errors.ErrExecutionFailed, execution.Status, execution.Error)
	}
	return execution, nil
}
