package services

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	fhtypes "github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/savaki/radstream/internal/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockKinesis struct {
	KinesisAPI

	streams map[string]bool
	created []*kinesis.CreateStreamInput
	deleted []string
}

func (m *mockKinesis) DescribeStreamSummary(ctx context.Context, params *kinesis.DescribeStreamSummaryInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamSummaryOutput, error) {
	name := aws.ToString(params.StreamName)
	if !m.streams[name] {
		return nil, &types.ResourceNotFoundException{Message: aws.String("stream not found")}
	}
	return &kinesis.DescribeStreamSummaryOutput{
		StreamDescriptionSummary: &types.StreamDescriptionSummary{
			StreamName:              aws.String(name),
			StreamARN:               aws.String(testScope.StreamArn(name)),
			StreamStatus:            types.StreamStatusActive,
			OpenShardCount:          aws.Int32(1),
			RetentionPeriodHours:    aws.Int32(24),
			StreamCreationTimestamp: aws.Time(time.Unix(1700000000, 0)),
		},
	}, nil
}

func (m *mockKinesis) DescribeStream(ctx context.Context, params *kinesis.DescribeStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamOutput, error) {
	return &kinesis.DescribeStreamOutput{
		StreamDescription: &types.StreamDescription{
			StreamName:   params.StreamName,
			StreamStatus: types.StreamStatusActive,
		},
	}, nil
}

func (m *mockKinesis) CreateStream(ctx context.Context, params *kinesis.CreateStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.CreateStreamOutput, error) {
	m.created = append(m.created, params)
	m.streams[aws.ToString(params.StreamName)] = true
	return &kinesis.CreateStreamOutput{}, nil
}

func (m *mockKinesis) ListStreams(ctx context.Context, params *kinesis.ListStreamsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListStreamsOutput, error) {
	if params.NextToken == nil {
		return &kinesis.ListStreamsOutput{
			StreamNames:    []string{"radstream-telemetry", "other"},
			HasMoreStreams: aws.Bool(true),
			NextToken:      aws.String("page-2"),
		}, nil
	}
	return &kinesis.ListStreamsOutput{
		StreamNames:    []string{"radstream-audit"},
		HasMoreStreams: aws.Bool(false),
	}, nil
}

func (m *mockKinesis) DeleteStream(ctx context.Context, params *kinesis.DeleteStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.DeleteStreamOutput, error) {
	m.deleted = append(m.deleted, aws.ToString(params.StreamName))
	return &kinesis.DeleteStreamOutput{}, nil
}

func (m *mockKinesis) ListShards(ctx context.Context, params *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error) {
	if params.NextToken == nil {
		return &kinesis.ListShardsOutput{
			Shards:    []types.Shard{{ShardId: aws.String("shardId-000000000000"), HashKeyRange: &types.HashKeyRange{StartingHashKey: aws.String("0"), EndingHashKey: aws.String("170141183460469231731687303715884105727")}}},
			NextToken: aws.String("next"),
		}, nil
	}
	return &kinesis.ListShardsOutput{
		Shards: []types.Shard{{ShardId: aws.String("shardId-000000000001")}},
	}, nil
}

func (m *mockKinesis) GetShardIterator(ctx context.Context, params *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error) {
	if params.ShardIteratorType != types.ShardIteratorTypeTrimHorizon {
		panic("expected TRIM_HORIZON")
	}
	return &kinesis.GetShardIteratorOutput{ShardIterator: aws.String("iterator")}, nil
}

func (m *mockKinesis) GetRecords(ctx context.Context, params *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error) {
	var records []types.Record
	for i := int32(0); i < aws.ToInt32(params.Limit) && i < 3; i++ {
		records = append(records, types.Record{
			PartitionKey:   aws.String("STUDY-001"),
			SequenceNumber: aws.String("1"),
			Data:           []byte(`{"stage":"validate_metadata"}`),
		})
	}
	return &kinesis.GetRecordsOutput{Records: records}, nil
}

type mockFirehose struct {
	FirehoseAPI

	streams  map[string]fhtypes.DeliveryStreamStatus
	describe int
	created  []*firehose.CreateDeliveryStreamInput
	deleted  []string
}

func (m *mockFirehose) DescribeDeliveryStream(ctx context.Context, params *firehose.DescribeDeliveryStreamInput, optFns ...func(*firehose.Options)) (*firehose.DescribeDeliveryStreamOutput, error) {
	m.describe++
	status, ok := m.streams[aws.ToString(params.DeliveryStreamName)]
	if !ok {
		return nil, &fhtypes.ResourceNotFoundException{Message: aws.String("not found")}
	}
	// becomes active on the second poll
	if status == fhtypes.DeliveryStreamStatusCreating {
		m.streams[aws.ToString(params.DeliveryStreamName)] = fhtypes.DeliveryStreamStatusActive
	}
	return &firehose.DescribeDeliveryStreamOutput{
		DeliveryStreamDescription: &fhtypes.DeliveryStreamDescription{
			DeliveryStreamName:   params.DeliveryStreamName,
			DeliveryStreamStatus: status,
		},
	}, nil
}

func (m *mockFirehose) CreateDeliveryStream(ctx context.Context, params *firehose.CreateDeliveryStreamInput, optFns ...func(*firehose.Options)) (*firehose.CreateDeliveryStreamOutput, error) {
	m.created = append(m.created, params)
	m.streams[aws.ToString(params.DeliveryStreamName)] = fhtypes.DeliveryStreamStatusCreating
	return &firehose.CreateDeliveryStreamOutput{}, nil
}

func (m *mockFirehose) ListDeliveryStreams(ctx context.Context, params *firehose.ListDeliveryStreamsInput, optFns ...func(*firehose.Options)) (*firehose.ListDeliveryStreamsOutput, error) {
	return &firehose.ListDeliveryStreamsOutput{
		DeliveryStreamNames:    []string{"radstream-telemetry-firehose", "other-firehose"},
		HasMoreDeliveryStreams: aws.Bool(false),
	}, nil
}

func (m *mockFirehose) DeleteDeliveryStream(ctx context.Context, params *firehose.DeleteDeliveryStreamInput, optFns ...func(*firehose.Options)) (*firehose.DeleteDeliveryStreamOutput, error) {
	m.deleted = append(m.deleted, aws.ToString(params.DeliveryStreamName))
	return &firehose.DeleteDeliveryStreamOutput{}, nil
}

func newTestStreamService() (*StreamService, *mockKinesis, *mockFirehose) {
	k := &mockKinesis{streams: map[string]bool{}}
	f := &mockFirehose{streams: map[string]fhtypes.DeliveryStreamStatus{}}
	s := NewStreamServiceWithClients(k, f)
	s.pollInterval = time.Millisecond
	s.waitTimeout = time.Second
	return s, k, f
}

func TestEnsureStream(t *testing.T) {
	ctx := context.Background()
	s, k, _ := newTestStreamService()

	result, err := s.EnsureStream(ctx, constants.TelemetryStream, 1)
	require.NoError(t, err)
	assert.True(t, result.Created)
	require.Len(t, k.created, 1)
	assert.Equal(t, int32(1), aws.ToInt32(k.created[0].ShardCount))

	result, err = s.EnsureStream(ctx, constants.TelemetryStream, 1)
	require.NoError(t, err)
	assert.False(t, result.Created)
	assert.Len(t, k.created, 1)

	info, err := s.StreamInfo(ctx, constants.TelemetryStream)
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", info.Status)
	assert.Equal(t, int32(1), info.OpenShards)
}

func TestEnsureDeliveryStream(t *testing.T) {
	ctx := context.Background()
	s, _, f := newTestStreamService()

	result, err := s.EnsureDeliveryStream(ctx, TelemetryDeliveryStream(testScope))
	require.NoError(t, err)
	assert.True(t, result.Created)
	require.Len(t, f.created, 1)

	cfg := f.created[0].S3DestinationConfiguration
	assert.Equal(t, fhtypes.DeliveryStreamTypeDirectPut, f.created[0].DeliveryStreamType)
	assert.Equal(t, "arn:aws:s3:::radstream-telemetry-123456789012", aws.ToString(cfg.BucketARN))
	assert.Equal(t, "arn:aws:iam::123456789012:role/RadStreamFirehoseRole", aws.ToString(cfg.RoleARN))
	assert.Equal(t, "raw/year=!{timestamp:yyyy}/month=!{timestamp:MM}/day=!{timestamp:dd}/", aws.ToString(cfg.Prefix))
	assert.Equal(t, "errors/", aws.ToString(cfg.ErrorOutputPrefix))
	assert.Equal(t, int32(5), aws.ToInt32(cfg.BufferingHints.SizeInMBs))
	assert.Equal(t, int32(300), aws.ToInt32(cfg.BufferingHints.IntervalInSeconds))
	assert.Equal(t, fhtypes.CompressionFormatGzip, cfg.CompressionFormat)
	assert.Equal(t, "/aws/kinesisfirehose/radstream-telemetry-firehose", aws.ToString(cfg.CloudWatchLoggingOptions.LogGroupName))
	assert.GreaterOrEqual(t, f.describe, 3)
}

func TestListShardsAndReadRecords(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStreamService()

	shards, err := s.ListShards(ctx, constants.TelemetryStream)
	require.NoError(t, err)
	require.Len(t, shards, 2)
	assert.Equal(t, "shardId-000000000000", shards[0].ID)
	assert.Equal(t, "0", shards[0].StartingHashKey)

	records, err := s.ReadRecords(ctx, constants.TelemetryStream, shards[0].ID, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "STUDY-001", records[0].PartitionKey)
}

func TestStreamCleanup(t *testing.T) {
	ctx := context.Background()
	s, k, f := newTestStreamService()

	listing, err := s.List(ctx, constants.Prefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"radstream-telemetry", "radstream-audit"}, listing.Streams)
	assert.Equal(t, []string{"radstream-telemetry-firehose"}, listing.DeliveryStreams)

	deleted, err := s.Cleanup(ctx, constants.Prefix)
	require.NoError(t, err)
	assert.Equal(t, listing, deleted)
	assert.Equal(t, []string{"radstream-telemetry-firehose"}, f.deleted)
	assert.Equal(t, []string{"radstream-telemetry", "radstream-audit"}, k.deleted)
}
