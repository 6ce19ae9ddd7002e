package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockKinesisClient struct {
	putRecordFunc   func(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
	putRecordsFunc  func(ctx context.Context, params *kinesis.PutRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error)
	describeFunc    func(ctx context.Context, params *kinesis.DescribeStreamSummaryInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamSummaryOutput, error)
	putRecordInputs []*kinesis.PutRecordInput
}

func (m *mockKinesisClient) PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error) {
	m.putRecordInputs = append(m.putRecordInputs, params)
	if m.putRecordFunc != nil {
		return m.putRecordFunc(ctx, params, optFns...)
	}
	return &kinesis.PutRecordOutput{ShardId: aws.String("shardId-000000000000"), SequenceNumber: aws.String("1")}, nil
}

func (m *mockKinesisClient) PutRecords(ctx context.Context, params *kinesis.PutRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error) {
	return m.putRecordsFunc(ctx, params, optFns...)
}

func (m *mockKinesisClient) DescribeStreamSummary(ctx context.Context, params *kinesis.DescribeStreamSummaryInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamSummaryOutput, error) {
	return m.describeFunc(ctx, params, optFns...)
}

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

func TestProducer_Send(t *testing.T) {
	client := &mockKinesisClient{}
	producer := NewProducer(client, "radstream-telemetry")
	producer.now = func() time.Time { return time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC) }

	result, err := producer.Send(testContext(), Event{
		StudyID:   "STUDY-1",
		Stage:     StageValidateMetadata,
		Status:    StatusSuccess,
		LatencyMs: 12,
		Details:   map[string]any{"validation_errors": 0},
	})
	require.NoError(t, err)
	assert.Equal(t, "shardId-000000000000", result.ShardID)

	require.Len(t, client.putRecordInputs, 1)
	input := client.putRecordInputs[0]
	assert.Equal(t, "radstream-telemetry", aws.ToString(input.StreamName))
	assert.Equal(t, "STUDY-1", aws.ToString(input.PartitionKey))

	var got map[string]any
	require.NoError(t, json.Unmarshal(input.Data, &got))
	assert.Equal(t, "2024-01-15T10:30:00Z", got["timestamp"])
	assert.Equal(t, ProducerName, got["producer"])
	assert.Equal(t, float64(0), got["validation_errors"])
	assert.NotEmpty(t, got["event_id"])
}

func TestProducer_SendDefaultPartitionKey(t *testing.T) {
	client := &mockKinesisClient{}
	producer := NewProducer(client, "stream")

	_, err := producer.Send(testContext(), Event{Stage: StageSendTelemetry, Status: StatusSuccess})
	require.NoError(t, err)
	assert.Equal(t, "default", aws.ToString(client.putRecordInputs[0].PartitionKey))
}

func TestProducer_EmitSwallowsErrors(t *testing.T) {
	client := &mockKinesisClient{
		putRecordFunc: func(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error) {
			return nil, fmt.Errorf("throttled")
		},
	}
	producer := NewProducer(client, "stream")

	producer.Emit(testContext(), Event{StudyID: "S", Stage: StageStoreResults, Status: StatusSuccess})
	assert.Len(t, client.putRecordInputs, 1)

	var nilProducer *Producer
	nilProducer.Emit(testContext(), Event{})
}

func TestProducer_SendBatch(t *testing.T) {
	var calls []int
	client := &mockKinesisClient{
		putRecordsFunc: func(ctx context.Context, params *kinesis.PutRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error) {
			calls = append(calls, len(params.Records))
			out := &kinesis.PutRecordsOutput{}
			for i := range params.Records {
				entry := types.PutRecordsResultEntry{ShardId: aws.String("shardId-000000000000")}
				if i == 1 {
					entry = types.PutRecordsResultEntry{
						ErrorCode:    aws.String("ProvisionedThroughputExceededException"),
						ErrorMessage: aws.String("slow down"),
					}
				}
				out.Records = append(out.Records, entry)
			}
			return out, nil
		},
	}
	producer := NewProducer(client, "stream")

	events := make([]Event, 501)
	for i := range events {
		events[i] = Event{StudyID: fmt.Sprintf("S-%d", i), Stage: StageStoreResults, Status: StatusSuccess}
	}

	result, err := producer.SendBatch(testContext(), events)
	require.NoError(t, err)
	assert.Equal(t, []int{500, 1}, calls)
	assert.Equal(t, 500, result.SuccessfulCount)
	assert.Equal(t, 1, result.FailedCount)
	require.Len(t, result.FailedRecords, 1)
	assert.Equal(t, 1, result.FailedRecords[0].Index)
	assert.Equal(t, "S-1", result.FailedRecords[0].StudyID)
}

func TestProducer_VerifyActive(t *testing.T) {
	tests := []struct {
		name    string
		status  types.StreamStatus
		wantErr error
	}{
		{"active", types.StreamStatusActive, nil},
		{"creating", types.StreamStatusCreating, errors.ErrStreamNotActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockKinesisClient{
				describeFunc: func(ctx context.Context, params *kinesis.DescribeStreamSummaryInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamSummaryOutput, error) {
					return &kinesis.DescribeStreamSummaryOutput{
						StreamDescriptionSummary: &types.StreamDescriptionSummary{
							StreamName:           params.StreamName,
							StreamStatus:         tt.status,
							OpenShardCount:       aws.Int32(1),
							RetentionPeriodHours: aws.Int32(24),
							StreamARN:            aws.String("arn:aws:kinesis:us-east-1:1:stream/s"),
						},
					}, nil
				},
			}

			err := NewProducer(client, "s").VerifyActive(testContext())
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.True(t, stderrors.Is(err, tt.wantErr), "got %v", err)
			}
		})
	}
}

func TestEvent_JSONFlattensDetails(t *testing.T) {
	e := Event{
		StudyID: "S",
		Stage:   StagePrepareTensors,
		Status:  StatusSuccess,
		Details: map[string]any{"image_shape": []int{1, 3, 224, 224}, "stage": "ignored"},
	}

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, StagePrepareTensors, got["stage"])
	assert.Equal(t, []any{1.0, 3.0, 224.0, 224.0}, got["image_shape"])

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "S", back.StudyID)
	assert.Contains(t, back.Details, "image_shape")
	assert.NotContains(t, back.Details, "stage")
}

func TestEvent_UnmarshalLegacyStudyID(t *testing.T) {
	var e Event
	err := json.NewDecoder(bytes.NewReader([]byte(`{"studyId":"OLD-1","stage":"store_results","status":"success","latency_ms":5}`))).Decode(&e)
	require.NoError(t, err)
	assert.Equal(t, "OLD-1", e.StudyID)
	assert.Equal(t, int64(5), e.LatencyMs)
	assert.Nil(t, e.Details)
}

func TestStageEvents(t *testing.T) {
	events := StageEvents("STUDY-9")
	require.Len(t, events, 4)

	stages := []string{StageValidateMetadata, StagePrepareTensors, StageRunInference, StageStoreResults}
	for i, e := range events {
		assert.Equal(t, stages[i], e.Stage)
		assert.Equal(t, "STUDY-9", e.StudyID)
	}
	assert.Equal(t, 0.95, events[2].Details["confidence"])
	assert.Equal(t, 1024, events[3].Details["results_size_bytes"])
}
