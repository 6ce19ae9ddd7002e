package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockEventBridge struct {
	EventBridgeAPI

	rules   map[string]bool
	puts    []*eventbridge.PutRuleInput
	targets map[string][]types.Target
	removed map[string][]string
	deleted []string
}

func newMockEventBridge() *mockEventBridge {
	return &mockEventBridge{
		rules:   map[string]bool{},
		targets: map[string][]types.Target{},
		removed: map[string][]string{},
	}
}

func (m *mockEventBridge) DescribeRule(ctx context.Context, params *eventbridge.DescribeRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.DescribeRuleOutput, error) {
	name := aws.ToString(params.Name)
	if !m.rules[name] {
		return nil, &types.ResourceNotFoundException{Message: aws.String("not found")}
	}
	return &eventbridge.DescribeRuleOutput{Name: params.Name, Arn: aws.String("arn:rule/" + name)}, nil
}

func (m *mockEventBridge) PutRule(ctx context.Context, params *eventbridge.PutRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutRuleOutput, error) {
	m.puts = append(m.puts, params)
	m.rules[aws.ToString(params.Name)] = true
	return &eventbridge.PutRuleOutput{RuleArn: aws.String("arn:rule/" + aws.ToString(params.Name))}, nil
}

func (m *mockEventBridge) PutTargets(ctx context.Context, params *eventbridge.PutTargetsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutTargetsOutput, error) {
	rule := aws.ToString(params.Rule)
	m.targets[rule] = append(m.targets[rule], params.Targets...)
	return &eventbridge.PutTargetsOutput{}, nil
}

func (m *mockEventBridge) ListRules(ctx context.Context, params *eventbridge.ListRulesInput, optFns ...func(*eventbridge.Options)) (*eventbridge.ListRulesOutput, error) {
	out := &eventbridge.ListRulesOutput{}
	for name := range m.rules {
		out.Rules = append(out.Rules, types.Rule{Name: aws.String(name), State: types.RuleStateEnabled})
	}
	return out, nil
}

func (m *mockEventBridge) ListTargetsByRule(ctx context.Context, params *eventbridge.ListTargetsByRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.ListTargetsByRuleOutput, error) {
	return &eventbridge.ListTargetsByRuleOutput{Targets: m.targets[aws.ToString(params.Rule)]}, nil
}

func (m *mockEventBridge) RemoveTargets(ctx context.Context, params *eventbridge.RemoveTargetsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.RemoveTargetsOutput, error) {
	rule := aws.ToString(params.Rule)
	m.removed[rule] = append(m.removed[rule], params.Ids...)
	delete(m.targets, rule)
	return &eventbridge.RemoveTargetsOutput{}, nil
}

func (m *mockEventBridge) DeleteRule(ctx context.Context, params *eventbridge.DeleteRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.DeleteRuleOutput, error) {
	m.deleted = append(m.deleted, aws.ToString(params.Name))
	delete(m.rules, aws.ToString(params.Name))
	return &eventbridge.DeleteRuleOutput{}, nil
}

var testScope = policy.Scope{Region: "us-east-1", AccountID: "123456789012"}

func TestDefaultRules(t *testing.T) {
	rules := DefaultRules(NewRuleScope(testScope))
	require.Len(t, rules, 4)

	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{
		constants.RuleImageUpload,
		constants.RuleMetadataUpload,
		constants.RuleErrorHandling,
		constants.RuleTelemetry,
	}, names)

	pattern, err := rules[0].PatternJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"source": ["aws.s3"],
		"detail-type": ["Object Created"],
		"detail": {
			"bucket": {"name": ["radstream-images-123456789012"]},
			"object": {"key": [{"prefix": "images/"}]}
		}
	}`, pattern)

	upload := rules[0].Targets[0]
	assert.Equal(t, "arn:aws:states:us-east-1:123456789012:stateMachine:radstream-pipeline", aws.ToString(upload.Arn))
	assert.Equal(t, "arn:aws:iam::123456789012:role/EventBridgeStepFunctionsRole", aws.ToString(upload.RoleArn))
	assert.Equal(t, "$.detail.object.key", upload.InputTransformer.InputPathsMap["key"])

	metadata := rules[1].Targets[0]
	assert.Contains(t, aws.ToString(metadata.InputTransformer.InputTemplate), `"isMetadata": true`)

	assert.Len(t, rules[2].Targets, 2, "no alert topic configured")
}

func TestDefaultRules_AlertTopic(t *testing.T) {
	scope := NewRuleScope(testScope)
	scope.AlertTopicArn = "arn:aws:sns:us-east-1:123456789012:radstream-alerts"

	rules := DefaultRules(scope)
	require.Len(t, rules[2].Targets, 3)
	assert.Equal(t, "1", aws.ToString(rules[2].Targets[0].Id))
	assert.Equal(t, scope.AlertTopicArn, aws.ToString(rules[2].Targets[0].Arn))
}

func TestUploadTransformerTemplatesAreJSON(t *testing.T) {
	for _, metadata := range []bool{false, true} {
		template := aws.ToString(uploadTransformer(metadata).InputTemplate)
		var v map[string]any
		assert.NoError(t, json.Unmarshal([]byte(template), &v), template)
	}
}

func TestEnsureRule(t *testing.T) {
	client := newMockEventBridge()
	s := NewRuleServiceWithClient(client)
	spec := DefaultRules(NewRuleScope(testScope))[0]

	result, err := s.EnsureRule(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, 1, result.Targets)
	require.Len(t, client.puts, 1)
	assert.Equal(t, types.RuleStateEnabled, client.puts[0].State)
	assert.Equal(t, "RadStream rule for radstream-s3-image-upload", aws.ToString(client.puts[0].Description))

	again, err := s.EnsureRule(context.Background(), spec)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Len(t, client.puts, 1)
}

func TestReplaceTargets(t *testing.T) {
	client := newMockEventBridge()
	client.rules[constants.RuleImageUpload] = true
	client.targets[constants.RuleImageUpload] = []types.Target{{Id: aws.String("old")}}
	s := NewRuleServiceWithClient(client)

	scope := NewRuleScope(testScope)
	err := s.ReplaceTargets(context.Background(), constants.RuleImageUpload, []types.Target{scope.StartExecutionTarget(false)})
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, client.removed[constants.RuleImageUpload])
	require.Len(t, client.targets[constants.RuleImageUpload], 1)
	assert.Equal(t, "1", aws.ToString(client.targets[constants.RuleImageUpload][0].Id))
}

func TestRuleCleanup(t *testing.T) {
	client := newMockEventBridge()
	client.rules["radstream-a"] = true
	client.rules["radstream-b"] = true
	s := NewRuleServiceWithClient(client)

	deleted, err := s.Cleanup(context.Background(), "radstream")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"radstream-a", "radstream-b"}, deleted)
	assert.Empty(t, client.rules)
}

func TestIAMRolesTemplate(t *testing.T) {
	roles := IAMRolesTemplate(testScope)
	require.Contains(t, roles, constants.EventBridgeStepFunctionsRoleName)
	require.Contains(t, roles, constants.EventBridgeKinesisRoleName)
	assert.Equal(t, []string{"states:StartExecution"}, roles[constants.EventBridgeStepFunctionsRoleName].Statement[0].Action)
}
