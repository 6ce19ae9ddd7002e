package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/savaki/gox/slicex"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/policy"
)

// EventBridgeAPI is the subset of the EventBridge API used by RuleService
type EventBridgeAPI interface {
	DescribeRule(ctx context.Context, params *eventbridge.DescribeRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.DescribeRuleOutput, error)
	PutRule(ctx context.Context, params *eventbridge.PutRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutRuleOutput, error)
	PutTargets(ctx context.Context, params *eventbridge.PutTargetsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutTargetsOutput, error)
	ListRules(ctx context.Context, params *eventbridge.ListRulesInput, optFns ...func(*eventbridge.Options)) (*eventbridge.ListRulesOutput, error)
	ListTargetsByRule(ctx context.Context, params *eventbridge.ListTargetsByRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.ListTargetsByRuleOutput, error)
	RemoveTargets(ctx context.Context, params *eventbridge.RemoveTargetsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.RemoveTargetsOutput, error)
	DeleteRule(ctx context.Context, params *eventbridge.DeleteRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.DeleteRuleOutput, error)
}

// RuleSpec describes a rule, its event pattern and its targets
type RuleSpec struct {
	Name    string
	Pattern map[string]any
	Targets []types.Target
}

// PatternJSON renders the event pattern
func (r RuleSpec) PatternJSON() (string, error) {
	data, err := json.Marshal(r.Pattern)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event pattern for %s: %w", r.Name, err)
	}
	return string(data), nil
}

// RuleResult reports what EnsureRule did
type RuleResult struct {
	Name    string
	Arn     string
	Created bool
	Targets int
}

// RuleInfo summarizes an existing rule
type RuleInfo struct {
	Name  string
	Arn   string
	State string
}

// RuleScope holds the ARNs rule targets point at
type RuleScope struct {
	policy.Scope
	StateMachineArn  string
	ErrorHandlerArn  string
	StreamArn        string
	AlertTopicArn    string
	ImagesBucketName string
}

// NewRuleScope derives default target ARNs from the account and region
func NewRuleScope(scope policy.Scope) RuleScope {
	return RuleScope{
		Scope:            scope,
		StateMachineArn:  scope.StateMachineArn(constants.PipelineStateMachine),
		ErrorHandlerArn:  scope.StateMachineArn(constants.ErrorHandlerStateMachine),
		StreamArn:        scope.StreamArn(constants.TelemetryStream),
		ImagesBucketName: constants.BucketName(constants.BucketImages, scope.AccountID),
	}
}

// uploadTransformer maps an S3 Object Created event onto the pipeline input
func uploadTransformer(metadata bool) *types.InputTransformer {
	template := `{"bucket": "<bucket>", "key": "<key>", "study_id": "<key>", "eventTime": "<time>"}`
	if metadata {
		template = `{"bucket": "<bucket>", "key": "<key>", "study_id": "<key>", "eventTime": "<time>", "isMetadata": true}`
	}
	return &types.InputTransformer{
		InputPathsMap: map[string]string{
			"bucket": "$.detail.bucket.name",
			"key":    "$.detail.object.key",
			"time":   "$.time",
		},
		InputTemplate: aws.String(template),
	}
}

// StartExecutionTarget returns the target that starts the pipeline for an upload
func (s RuleScope) StartExecutionTarget(metadata bool) types.Target {
	return types.Target{
		Id:               aws.String("1"),
		Arn:              aws.String(s.StateMachineArn),
		RoleArn:          aws.String(s.RoleArn(constants.EventBridgeStepFunctionsRoleName)),
		InputTransformer: uploadTransformer(metadata),
	}
}

func (s RuleScope) uploadPattern(key map[string]string) map[string]any {
	return map[string]any{
		"source":      []string{"aws.s3"},
		"detail-type": []string{"Object Created"},
		"detail": map[string]any{
			"bucket": map[string]any{"name": []string{s.ImagesBucketName}},
			"object": map[string]any{"key": []map[string]string{key}},
		},
	}
}

// DefaultRules returns the upload, error handling and telemetry rules
func DefaultRules(s RuleScope) []RuleSpec {
	errorTargets := []types.Target{
		{
			Id:  aws.String("2"),
			Arn: aws.String(s.LogGroupArn(constants.ErrorsLogGroup)),
			InputTransformer: &types.InputTransformer{
				InputPathsMap: map[string]string{
					"executionArn": "$.detail.executionArn",
					"status":       "$.detail.status",
					"error":        "$.detail.error",
					"time":         "$.time",
				},
				InputTemplate: aws.String(`{"executionArn": "<executionArn>", "status": "<status>", "error": "<error>", "timestamp": "<time>"}`),
			},
		},
		{
			Id:      aws.String("3"),
			Arn:     aws.String(s.ErrorHandlerArn),
			RoleArn: aws.String(s.RoleArn(constants.EventBridgeStepFunctionsRoleName)),
		},
	}
	if s.AlertTopicArn != "" {
		errorTargets = append([]types.Target{{
			Id:  aws.String("1"),
			Arn: aws.String(s.AlertTopicArn),
			InputTransformer: &types.InputTransformer{
				InputPathsMap: map[string]string{
					"executionArn": "$.detail.executionArn",
					"status":       "$.detail.status",
					"error":        "$.detail.error",
				},
				InputTemplate: aws.String(`{"message": "RadStream pipeline execution failed", "executionArn": "<executionArn>", "status": "<status>", "error": "<error>"}`),
			},
		}}, errorTargets...)
	}

	return []RuleSpec{
		{
			Name:    constants.RuleImageUpload,
			Pattern: s.uploadPattern(map[string]string{"prefix": constants.ImagesPrefix}),
			Targets: []types.Target{s.StartExecutionTarget(false)},
		},
		{
			Name:    constants.RuleMetadataUpload,
			Pattern: s.uploadPattern(map[string]string{"suffix": ".json"}),
			Targets: []types.Target{s.StartExecutionTarget(true)},
		},
		{
			Name: constants.RuleErrorHandling,
			Pattern: map[string]any{
				"source":      []string{"aws.states"},
				"detail-type": []string{"Step Functions Execution Status Change"},
				"detail": map[string]any{
					"status":          []string{"FAILED", "ABORTED", "TIMED_OUT"},
					"stateMachineArn": []string{s.StateMachineArn},
				},
			},
			Targets: errorTargets,
		},
		{
			Name: constants.RuleTelemetry,
			Pattern: map[string]any{
				"source":      []string{constants.TelemetryEventSource},
				"detail-type": []string{"Pipeline Stage Complete", "Inference Complete", "Error Occurred"},
			},
			Targets: []types.Target{
				{
					Id:      aws.String("1"),
					Arn:     aws.String(s.StreamArn),
					RoleArn: aws.String(s.RoleArn(constants.EventBridgeKinesisRoleName)),
					KinesisParameters: &types.KinesisParameters{
						PartitionKeyPath: aws.String("$.detail.study_id"),
					},
					InputTransformer: &types.InputTransformer{
						InputPathsMap: map[string]string{
							"study_id":   "$.detail.study_id",
							"stage":      "$.detail.stage",
							"latency_ms": "$.detail.latency_ms",
							"error_code": "$.detail.error_code",
							"time":       "$.time",
						},
						InputTemplate: aws.String(`{"study_id": "<study_id>", "stage": "<stage>", "latency_ms": <latency_ms>, "timestamp": "<time>", "error_code": "<error_code>"}`),
					},
				},
			},
		},
	}
}

// IAMRolesTemplate returns the inline policies of the EventBridge roles
func IAMRolesTemplate(scope policy.Scope) map[string]policy.Document {
	return map[string]policy.Document{
		constants.EventBridgeStepFunctionsRoleName: policy.EventBridgeStartExecution(scope),
		constants.EventBridgeKinesisRoleName:       policy.EventBridgeKinesis(scope),
	}
}

// RuleService manages EventBridge rules on the default bus
type RuleService struct {
	client EventBridgeAPI
}

// NewRuleService returns a RuleService for cfg
func NewRuleService(cfg aws.Config) *RuleService {
	return NewRuleServiceWithClient(eventbridge.NewFromConfig(cfg))
}

// NewRuleServiceWithClient returns a RuleService over an existing client
func NewRuleServiceWithClient(client EventBridgeAPI) *RuleService {
	return &RuleService{client: client}
}

// EnsureRule creates a rule and its targets when it does not exist
func (s *RuleService) EnsureRule(ctx context.Context, spec RuleSpec) (*RuleResult, error) {
	logger := zerolog.Ctx(ctx).With().Str("rule", spec.Name).Logger()

	existing, err := s.client.DescribeRule(ctx, &eventbridge.DescribeRuleInput{Name: aws.String(spec.Name)})
	if err == nil {
		logger.Info().Msg("rule already exists")
		return &RuleResult{Name: spec.Name, Arn: aws.ToString(existing.Arn)}, nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) && !IsNotFound(err) {
		return nil, fmt.Errorf("failed to describe rule %s: %w", spec.Name, err)
	}

	pattern, err := spec.PatternJSON()
	if err != nil {
		return nil, err
	}

	out, err := s.client.PutRule(ctx, &eventbridge.PutRuleInput{
		Name:         aws.String(spec.Name),
		EventPattern: aws.String(pattern),
		State:        types.RuleStateEnabled,
		Description:  aws.String("RadStream rule for " + spec.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rule %s: %w", spec.Name, err)
	}
	logger.Info().Msg("created rule")

	result := &RuleResult{Name: spec.Name, Arn: aws.ToString(out.RuleArn), Created: true}
	if len(spec.Targets) > 0 {
		if err := s.putTargets(ctx, spec.Name, spec.Targets); err != nil {
			return nil, err
		}
		result.Targets = len(spec.Targets)
		logger.Info().Int("targets", result.Targets).Msg("added targets")
	}
	return result, nil
}

func (s *RuleService) putTargets(ctx context.Context, rule string, targets []types.Target) error {
	out, err := s.client.PutTargets(ctx, &eventbridge.PutTargetsInput{
		Rule:    aws.String(rule),
		Targets: targets,
	})
	if err != nil {
		return fmt.Errorf("failed to put targets on %s: %w", rule, err)
	}
	if out.FailedEntryCount > 0 {
		e := out.FailedEntries[0]
		return fmt.Errorf("failed to put %d targets on %s: %s %s", out.FailedEntryCount, rule,
			aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage))
	}
	return nil
}

// ListRules returns the rules whose names start with prefix
func (s *RuleService) ListRules(ctx context.Context, prefix string) ([]RuleInfo, error) {
	var (
		rules []RuleInfo
		input = &eventbridge.ListRulesInput{NamePrefix: aws.String(prefix)}
	)
	for {
		out, err := s.client.ListRules(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list rules: %w", err)
		}
		rules = append(rules, slicex.Map(out.Rules, func(r types.Rule) RuleInfo {
			return RuleInfo{
				Name:  aws.ToString(r.Name),
				Arn:   aws.ToString(r.Arn),
				State: string(r.State),
			}
		})...)
		if out.NextToken == nil {
			return rules, nil
		}
		input.NextToken = out.NextToken
	}
}

func (s *RuleService) removeTargets(ctx context.Context, rule string) (int, error) {
	out, err := s.client.ListTargetsByRule(ctx, &eventbridge.ListTargetsByRuleInput{Rule: aws.String(rule)})
	if err != nil {
		return 0, fmt.Errorf("failed to list targets of %s: %w", rule, err)
	}
	if len(out.Targets) == 0 {
		return 0, nil
	}

	ids := slicex.Map(out.Targets, func(t types.Target) string { return aws.ToString(t.Id) })
	if _, err := s.client.RemoveTargets(ctx, &eventbridge.RemoveTargetsInput{
		Rule: aws.String(rule),
		Ids:  ids,
	}); err != nil {
		return 0, fmt.Errorf("failed to remove targets from %s: %w", rule, err)
	}
	return len(ids), nil
}

// DeleteRule removes a rule's targets and then the rule
func (s *RuleService) DeleteRule(ctx context.Context, name string) error {
	n, err := s.removeTargets(ctx, name)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteRule(ctx, &eventbridge.DeleteRuleInput{Name: aws.String(name)}); err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", name, err)
	}
	zerolog.Ctx(ctx).Info().Str("rule", name).Int("targets", n).Msg("deleted rule")
	return nil
}

// ReplaceTargets swaps every target of an existing rule for targets
func (s *RuleService) ReplaceTargets(ctx context.Context, rule string, targets []types.Target) error {
	n, err := s.removeTargets(ctx, rule)
	if err != nil {
		return err
	}
	if n > 0 {
		zerolog.Ctx(ctx).Info().Str("rule", rule).Int("targets", n).Msg("removed existing targets")
	}
	return s.putTargets(ctx, rule, targets)
}

// Cleanup deletes every rule starting with prefix
func (s *RuleService) Cleanup(ctx context.Context, prefix string) ([]string, error) {
	rules, err := s.ListRules(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var (
		deleted []string
		result  *multierror.Error
	)
	for _, r := range rules {
		if err := s.DeleteRule(ctx, r.Name); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		deleted = append(deleted, r.Name)
	}
	return deleted, result.ErrorOrNil()
}
