package services

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSFN struct {
	SFNAPI

	existing map[string]bool
	created  []*sfn.CreateStateMachineInput
	updated  []*sfn.UpdateStateMachineInput
	deleted  []string
}

func (m *mockSFN) DescribeStateMachine(ctx context.Context, params *sfn.DescribeStateMachineInput, optFns ...func(*sfn.Options)) (*sfn.DescribeStateMachineOutput, error) {
	if m.existing[aws.ToString(params.StateMachineArn)] {
		return &sfn.DescribeStateMachineOutput{StateMachineArn: params.StateMachineArn}, nil
	}
	return nil, &types.StateMachineDoesNotExist{Message: aws.String("missing")}
}

func (m *mockSFN) CreateStateMachine(ctx context.Context, params *sfn.CreateStateMachineInput, optFns ...func(*sfn.Options)) (*sfn.CreateStateMachineOutput, error) {
	m.created = append(m.created, params)
	return &sfn.CreateStateMachineOutput{
		StateMachineArn: aws.String(testScope.StateMachineArn(aws.ToString(params.Name))),
	}, nil
}

func (m *mockSFN) UpdateStateMachine(ctx context.Context, params *sfn.UpdateStateMachineInput, optFns ...func(*sfn.Options)) (*sfn.UpdateStateMachineOutput, error) {
	m.updated = append(m.updated, params)
	return &sfn.UpdateStateMachineOutput{}, nil
}

func (m *mockSFN) ListStateMachines(ctx context.Context, params *sfn.ListStateMachinesInput, optFns ...func(*sfn.Options)) (*sfn.ListStateMachinesOutput, error) {
	return &sfn.ListStateMachinesOutput{
		StateMachines: []types.StateMachineListItem{
			{Name: aws.String("radstream-pipeline"), StateMachineArn: aws.String(testScope.StateMachineArn("radstream-pipeline")), Type: types.StateMachineTypeStandard},
			{Name: aws.String("radstream-pipeline-old"), StateMachineArn: aws.String(testScope.StateMachineArn("radstream-pipeline-old"))},
			{Name: aws.String("unrelated"), StateMachineArn: aws.String(testScope.StateMachineArn("unrelated"))},
		},
	}, nil
}

func (m *mockSFN) DeleteStateMachine(ctx context.Context, params *sfn.DeleteStateMachineInput, optFns ...func(*sfn.Options)) (*sfn.DeleteStateMachineOutput, error) {
	m.deleted = append(m.deleted, aws.ToString(params.StateMachineArn))
	return &sfn.DeleteStateMachineOutput{}, nil
}

func TestEnsureStateMachine_Creates(t *testing.T) {
	client := &mockSFN{}
	s := NewStateMachineServiceWithClient(client, testScope)
	spec := DefaultStateMachines(testScope)[0]

	result, err := s.EnsureStateMachine(context.Background(), spec, false)
	require.NoError(t, err)
	assert.True(t, result.Created)
	require.Len(t, client.created, 1)

	input := client.created[0]
	assert.Equal(t, types.StateMachineTypeStandard, input.Type)
	assert.True(t, input.TracingConfiguration.Enabled)
	assert.Equal(t, types.LogLevelAll, input.LoggingConfiguration.Level)
	assert.True(t, input.LoggingConfiguration.IncludeExecutionData)
	assert.Equal(t, "arn:aws:logs:us-east-1:123456789012:log-group:/aws/stepfunctions/radstream-pipeline:*",
		aws.ToString(input.LoggingConfiguration.Destinations[0].CloudWatchLogsLogGroup.LogGroupArn))
	assert.Equal(t, "arn:aws:iam::123456789012:role/RadStreamStepFunctionsRole", aws.ToString(input.RoleArn))
	assert.Contains(t, aws.ToString(input.Definition), `"StartAt": "ValidateInput"`)
}

func TestEnsureStateMachine_Existing(t *testing.T) {
	arn := testScope.StateMachineArn(constants.PipelineStateMachine)
	spec := DefaultStateMachines(testScope)[0]

	client := &mockSFN{existing: map[string]bool{arn: true}}
	s := NewStateMachineServiceWithClient(client, testScope)

	result, err := s.EnsureStateMachine(context.Background(), spec, false)
	require.NoError(t, err)
	assert.False(t, result.Created)
	assert.Empty(t, client.created)
	assert.Empty(t, client.updated)

	result, err = s.EnsureStateMachine(context.Background(), spec, true)
	require.NoError(t, err)
	assert.True(t, result.Updated)
	assert.Len(t, client.updated, 1)
}

func TestFindArn(t *testing.T) {
	s := NewStateMachineServiceWithClient(&mockSFN{}, testScope)

	arn, err := s.FindArn(context.Background(), "radstream-pipeline")
	require.NoError(t, err)
	assert.Equal(t, testScope.StateMachineArn("radstream-pipeline"), arn)

	_, err = s.FindArn(context.Background(), "radstream-missing")
	assert.ErrorIs(t, err, errors.ErrStateMachineNotFound)
}

func TestStateMachineCleanup(t *testing.T) {
	client := &mockSFN{}
	s := NewStateMachineServiceWithClient(client, testScope)

	deleted, err := s.Cleanup(context.Background(), "radstream-")
	require.NoError(t, err)
	assert.Equal(t, []string{"radstream-pipeline", "radstream-pipeline-old"}, deleted)
	assert.Len(t, client.deleted, 2)
}
