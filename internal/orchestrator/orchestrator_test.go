package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/savaki/radstream/internal/dao/studydao"
	"github.com/savaki/radstream/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	started   []*sfn.StartExecutionInput
	statuses  []types.ExecutionStatus
	describes int
}

func (m *mockClient) StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error) {
	m.started = append(m.started, params)
	return &sfn.StartExecutionOutput{
		ExecutionArn: aws.String("arn:aws:states:us-east-1:123456789012:execution:radstream-pipeline:" + aws.ToString(params.Name)),
	}, nil
}

func (m *mockClient) DescribeExecution(ctx context.Context, params *sfn.DescribeExecutionInput, optFns ...func(*sfn.Options)) (*sfn.DescribeExecutionOutput, error) {
	i := m.describes
	if i >= len(m.statuses) {
		i = len(m.statuses) - 1
	}
	m.describes++

	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	out := &sfn.DescribeExecutionOutput{
		ExecutionArn: params.ExecutionArn,
		Status:       m.statuses[i],
		StartDate:    aws.Time(start),
	}
	if m.statuses[i] != types.ExecutionStatusRunning {
		out.StopDate = aws.Time(start.Add(12 * time.Second))
	}
	if m.statuses[i] == types.ExecutionStatusFailed {
		out.Error = aws.String("InferenceError")
	}
	return out, nil
}

type mockLedger struct {
	id  studydao.ID
	arn string
}

func (m *mockLedger) StartExecution(ctx context.Context, id studydao.ID, executionArn string) error {
	m.id, m.arn = id, executionArn
	return nil
}

func TestExecutionName(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		studyID string
		id      string
		want    string
	}{
		{
			name:    "standard",
			prefix:  "radstream",
			studyID: "TEST-000001",
			id:      "2HFj3kLmNoPqRsTuVwXy",
			want:    "radstream-TEST-000001-2HFj3kLmNoPqRsTuVwXy",
		},
		{
			name:    "invalid characters replaced",
			prefix:  "radstream",
			studyID: "STUDY 1/2",
			id:      "abc",
			want:    "radstream-STUDY_1_2-abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExecutionName(tt.prefix, tt.studyID, tt.id); got != tt.want {
				t.Errorf("ExecutionName() = %q, want %q", got, tt.want)
			}
		})
	}

	long := ExecutionName("radstream", strings.Repeat("X", 100), "2HFj3kLmNoPqRsTuVwXy")
	assert.Len(t, long, 80)
	assert.True(t, strings.HasSuffix(long, "-2HFj3kLmNoPqRsTuVwXy"))
}

func TestStartExecution(t *testing.T) {
	client := &mockClient{}
	ledger := &mockLedger{}
	o := New(client, "arn:aws:states:us-east-1:123456789012:stateMachine:radstream-pipeline", WithLedger(ledger))

	input := StepFunctionInput{
		Bucket:  "radstream-images-123456789012",
		Key:     "images/TEST-000001/TEST-000001.json",
		StudyID: "TEST-000001",
		RunID:   "2HFj3kLmNoPqRsTuVwXy",
	}
	arn, err := o.StartExecution(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, client.started, 1)

	assert.Equal(t, "radstream-TEST-000001-2HFj3kLmNoPqRsTuVwXy", aws.ToString(client.started[0].Name))
	assert.Equal(t, studydao.ID("TEST-000001:2HFj3kLmNoPqRsTuVwXy"), ledger.id)
	assert.Equal(t, arn, ledger.arn)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(client.started[0].Input)), &got))
	assert.Equal(t, "TEST-000001", got["study_id"])
	assert.Equal(t, "radstream-images-123456789012", got["bucket"])
	assert.NotContains(t, got, "eventTime")
}

func TestStartExecution_WithoutRunID(t *testing.T) {
	client := &mockClient{}
	ledger := &mockLedger{}
	o := New(client, "arn:aws:states:us-east-1:123456789012:stateMachine:radstream-pipeline", WithLedger(ledger), WithPrefix("e2e"))

	_, err := o.StartExecution(context.Background(), StepFunctionInput{StudyID: "TEST-000001"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(aws.ToString(client.started[0].Name), "e2e-TEST-000001-"))
	assert.Empty(t, ledger.id)
}

func TestStartExecution_RequiresArn(t *testing.T) {
	_, err := New(&mockClient{}, "").StartExecution(context.Background(), StepFunctionInput{StudyID: "x"})
	assert.ErrorIs(t, err, errors.ErrStateMachineARNRequired)
}

func TestWait(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []types.ExecutionStatus
		wantStatus types.ExecutionStatus
		wantErr    error
	}{
		{
			name:       "succeeds",
			statuses:   []types.ExecutionStatus{types.ExecutionStatusRunning, types.ExecutionStatusRunning, types.ExecutionStatusSucceeded},
			wantStatus: types.ExecutionStatusSucceeded,
		},
		{
			name:       "fails",
			statuses:   []types.ExecutionStatus{types.ExecutionStatusRunning, types.ExecutionStatusFailed},
			wantStatus: types.ExecutionStatusFailed,
			wantErr:    errors.ErrExecutionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockClient{statuses: tt.statuses}
			o := New(client, "arn")

			execution, err := o.Wait(context.Background(), "arn:execution", time.Millisecond, time.Second)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, 12*time.Second, execution.Duration())
			}
			assert.Equal(t, tt.wantStatus, execution.Status)
			assert.Equal(t, len(tt.statuses), client.describes)
		})
	}
}

func TestExecution_Terminal(t *testing.T) {
	assert.False(t, Execution{Status: types.ExecutionStatusRunning}.Terminal())
	assert.True(t, Execution{Status: types.ExecutionStatusTimedOut}.Terminal())
	assert.True(t, Execution{Status: types.ExecutionStatusAborted}.Terminal())
}
