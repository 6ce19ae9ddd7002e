package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/errors"
	"github.com/savaki/radstream/internal/pipeline"
	"github.com/savaki/radstream/internal/policy"
)

// SFNAPI is the subset of the Step Functions API used by StateMachineService
type SFNAPI interface {
	DescribeStateMachine(ctx context.Context, params *sfn.DescribeStateMachineInput, optFns ...func(*sfn.Options)) (*sfn.DescribeStateMachineOutput, error)
	CreateStateMachine(ctx context.Context, params *sfn.CreateStateMachineInput, optFns ...func(*sfn.Options)) (*sfn.CreateStateMachineOutput, error)
	UpdateStateMachine(ctx context.Context, params *sfn.UpdateStateMachineInput, optFns ...func(*sfn.Options)) (*sfn.UpdateStateMachineOutput, error)
	ListStateMachines(ctx context.Context, params *sfn.ListStateMachinesInput, optFns ...func(*sfn.Options)) (*sfn.ListStateMachinesOutput, error)
	DeleteStateMachine(ctx context.Context, params *sfn.DeleteStateMachineInput, optFns ...func(*sfn.Options)) (*sfn.DeleteStateMachineOutput, error)
}

// StateMachineSpec describes a state machine to provision
type StateMachineSpec struct {
	Name       string
	Definition *pipeline.StateMachine
	RoleArn    string
	// LogGroupArn receives execution history at level ALL
	LogGroupArn string
}

// StateMachineResult reports what EnsureStateMachine did
type StateMachineResult struct {
	Name    string
	Arn     string
	Created bool
	Updated bool
}

// StateMachineInfo summarizes an existing state machine
type StateMachineInfo struct {
	Name string
	Arn  string
	Type string
}

// DefaultStateMachines returns the pipeline and error handler specs
func DefaultStateMachines(scope policy.Scope) []StateMachineSpec {
	logGroup := scope.LogGroupArn(constants.PipelineLogGroup) + ":*"
	role := scope.RoleArn(constants.StepFunctionsRoleName)
	return []StateMachineSpec{
		{
			Name:        constants.PipelineStateMachine,
			Definition:  pipeline.Pipeline(scope),
			RoleArn:     role,
			LogGroupArn: logGroup,
		},
		{
			Name:        constants.ErrorHandlerStateMachine,
			Definition:  pipeline.ErrorHandler(scope),
			RoleArn:     role,
			LogGroupArn: logGroup,
		},
	}
}

// StateMachineService provisions state machines
type StateMachineService struct {
	client SFNAPI
	scope  policy.Scope
}

// NewStateMachineService returns a StateMachineService for cfg
func NewStateMachineService(cfg aws.Config, scope policy.Scope) *StateMachineService {
	return NewStateMachineServiceWithClient(sfn.NewFromConfig(cfg), scope)
}

// NewStateMachineServiceWithClient returns a StateMachineService over an existing client
func NewStateMachineServiceWithClient(client SFNAPI, scope policy.Scope) *StateMachineService {
	return &StateMachineService{client: client, scope: scope}
}

// EnsureStateMachine creates a state machine when it does not exist. With
// update set, an existing machine receives the new definition.
func (s *StateMachineService) EnsureStateMachine(ctx context.Context, spec StateMachineSpec, update bool) (*StateMachineResult, error) {
	logger := zerolog.Ctx(ctx).With().Str("state_machine", spec.Name).Logger()

	if err := spec.Definition.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definition for %s: %w", spec.Name, err)
	}
	definition, err := spec.Definition.JSON()
	if err != nil {
		return nil, err
	}

	arn := s.scope.StateMachineArn(spec.Name)
	_, err = s.client.DescribeStateMachine(ctx, &sfn.DescribeStateMachineInput{StateMachineArn: aws.String(arn)})
	switch {
	case err == nil && !update:
		logger.Info().Msg("state machine already exists")
		return &StateMachineResult{Name: spec.Name, Arn: arn}, nil

	case err == nil:
		_, err := s.client.UpdateStateMachine(ctx, &sfn.UpdateStateMachineInput{
			StateMachineArn: aws.String(arn),
			Definition:      aws.String(definition),
			RoleArn:         aws.String(spec.RoleArn),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update state machine %s: %w", spec.Name, err)
		}
		logger.Info().Msg("updated state machine")
		return &StateMachineResult{Name: spec.Name, Arn: arn, Updated: true}, nil

	case !IsNotFound(err):
		return nil, fmt.Errorf("failed to describe state machine %s: %w", spec.Name, err)
	}

	input := &sfn.CreateStateMachineInput{
		Name:       aws.String(spec.Name),
		Definition: aws.String(definition),
		RoleArn:    aws.String(spec.RoleArn),
		Type:       types.StateMachineTypeStandard,
		TracingConfiguration: &types.TracingConfiguration{
			Enabled: true,
		},
	}
	if spec.LogGroupArn != "" {
		input.LoggingConfiguration = &types.LoggingConfiguration{
			Level:                types.LogLevelAll,
			IncludeExecutionData: true,
			Destinations: []types.LogDestination{
				{
					CloudWatchLogsLogGroup: &types.CloudWatchLogsLogGroup{
						LogGroupArn: aws.String(spec.LogGroupArn),
					},
				},
			},
		}
	}

	out, err := s.client.CreateStateMachine(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create state machine %s: %w", spec.Name, err)
	}
	logger.Info().Msg("created state machine")
	return &StateMachineResult{Name: spec.Name, Arn: aws.ToString(out.StateMachineArn), Created: true}, nil
}

// List returns the state machines whose names start with prefix
func (s *StateMachineService) List(ctx context.Context, prefix string) ([]StateMachineInfo, error) {
	var (
		machines  []StateMachineInfo
		paginator = sfn.NewListStateMachinesPaginator(s.client, &sfn.ListStateMachinesInput{})
	)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list state machines: %w", err)
		}
		for _, sm := range page.StateMachines {
			if name := aws.ToString(sm.Name); strings.HasPrefix(name, prefix) {
				machines = append(machines, StateMachineInfo{
					Name: name,
					Arn:  aws.ToString(sm.StateMachineArn),
					Type: string(sm.Type),
				})
			}
		}
	}
	return machines, nil
}

// FindArn resolves a state machine name to its ARN
func (s *StateMachineService) FindArn(ctx context.Context, name string) (string, error) {
	machines, err := s.List(ctx, name)
	if err != nil {
		return "", err
	}
	for _, sm := range machines {
		if sm.Name == name {
			return sm.Arn, nil
		}
	}
	return "", fmt.Errorf("%w: %s", errors.ErrStateMachineNotFound, name)
}

// Delete removes a state machine by name
func (s *StateMachineService) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteStateMachine(ctx, &sfn.DeleteStateMachineInput{
		StateMachineArn: aws.String(s.scope.StateMachineArn(name)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete state machine %s: %w", name, err)
	}
	zerolog.Ctx(ctx).Info().Str("state_machine", name).Msg("deleted state machine")
	return nil
}

// Cleanup deletes every state machine starting with prefix
func (s *StateMachineService) Cleanup(ctx context.Context, prefix string) ([]string, error) {
	machines, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var (
		deleted []string
		result  *multierror.Error
	)
	for _, sm := range machines {
		if err := s.Delete(ctx, sm.Name); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		deleted = append(deleted, sm.Name)
	}
	return deleted, result.ErrorOrNil()
}
