package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	fhtypes "github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/errors"
	"github.com/savaki/radstream/internal/policy"
	"github.com/savaki/radstream/internal/utils"
)

// Delivery stream layout in the telemetry bucket
const (
	DeliveryPrefix      = "raw/year=!{timestamp:yyyy}/month=!{timestamp:MM}/day=!{timestamp:dd}/"
	DeliveryErrorPrefix = "errors/"
	DeliveryLogStream   = "S3Delivery"
)

// KinesisAPI is the subset of the Kinesis API used by StreamService
type KinesisAPI interface {
	CreateStream(ctx context.Context, params *kinesis.CreateStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.CreateStreamOutput, error)
	DescribeStream(ctx context.Context, params *kinesis.DescribeStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamOutput, error)
	DescribeStreamSummary(ctx context.Context, params *kinesis.DescribeStreamSummaryInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamSummaryOutput, error)
	ListStreams(ctx context.Context, params *kinesis.ListStreamsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListStreamsOutput, error)
	DeleteStream(ctx context.Context, params *kinesis.DeleteStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.DeleteStreamOutput, error)
	ListShards(ctx context.Context, params *kinesis.ListShardsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	GetShardIterator(ctx context.Context, params *kinesis.GetShardIteratorInput, optFns ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *kinesis.GetRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
}

// FirehoseAPI is the subset of the Firehose API used by StreamService
type FirehoseAPI interface {
	CreateDeliveryStream(ctx context.Context, params *firehose.CreateDeliveryStreamInput, optFns ...func(*firehose.Options)) (*firehose.CreateDeliveryStreamOutput, error)
	DescribeDeliveryStream(ctx context.Context, params *firehose.DescribeDeliveryStreamInput, optFns ...func(*firehose.Options)) (*firehose.DescribeDeliveryStreamOutput, error)
	ListDeliveryStreams(ctx context.Context, params *firehose.ListDeliveryStreamsInput, optFns ...func(*firehose.Options)) (*firehose.ListDeliveryStreamsOutput, error)
	DeleteDeliveryStream(ctx context.Context, params *firehose.DeleteDeliveryStreamInput, optFns ...func(*firehose.Options)) (*firehose.DeleteDeliveryStreamOutput, error)
}

// StreamResult reports what an Ensure call did
type StreamResult struct {
	Name    string
	Created bool
}

// StreamSummary describes a Kinesis stream
type StreamSummary struct {
	Name           string
	Arn            string
	Status         string
	OpenShards     int32
	RetentionHours int32
	CreatedAt      time.Time
}

// Shard describes one shard of a stream
type Shard struct {
	ID               string
	StartingHashKey  string
	EndingHashKey    string
	StartingSequence string
	EndingSequence   string
}

// Record is a record read back from a shard
type Record struct {
	PartitionKey   string
	SequenceNumber string
	Data           []byte
	ArrivedAt      time.Time
}

// DeliveryStreamSpec describes a DirectPut delivery stream writing to S3
type DeliveryStreamSpec struct {
	Name      string
	BucketArn string
	RoleArn   string
}

// TelemetryDeliveryStream returns the delivery stream that lands telemetry
// in the telemetry bucket
func TelemetryDeliveryStream(scope policy.Scope) DeliveryStreamSpec {
	return DeliveryStreamSpec{
		Name:      constants.TelemetryDeliveryStream,
		BucketArn: policy.BucketArn(constants.BucketName(constants.BucketTelemetry, scope.AccountID)),
		RoleArn:   scope.RoleArn(constants.FirehoseRoleName),
	}
}

// StreamListing holds the streams and delivery streams sharing a prefix
type StreamListing struct {
	Streams         []string
	DeliveryStreams []string
}

// StreamService provisions the telemetry streams
type StreamService struct {
	kinesis      KinesisAPI
	firehose     FirehoseAPI
	waitTimeout  time.Duration
	pollInterval time.Duration
}

// NewStreamService returns a StreamService for cfg
func NewStreamService(cfg aws.Config) *StreamService {
	return NewStreamServiceWithClients(kinesis.NewFromConfig(cfg), firehose.NewFromConfig(cfg))
}

// NewStreamServiceWithClients returns a StreamService over existing clients
func NewStreamServiceWithClients(k KinesisAPI, f FirehoseAPI) *StreamService {
	return &StreamService{
		kinesis:      k,
		firehose:     f,
		waitTimeout:  5 * time.Minute,
		pollInterval: 10 * time.Second,
	}
}

// EnsureStream creates a stream with shards shards when it does not exist and
// waits for it to become active
func (s *StreamService) EnsureStream(ctx context.Context, name string, shards int32) (*StreamResult, error) {
	logger := zerolog.Ctx(ctx).With().Str("stream", name).Logger()

	_, err := s.kinesis.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{StreamName: aws.String(name)})
	if err == nil {
		logger.Info().Msg("stream already exists")
		return &StreamResult{Name: name}, nil
	}
	if !IsNotFound(err) {
		return nil, fmt.Errorf("failed to describe stream %s: %w", name, err)
	}

	_, err = s.kinesis.CreateStream(ctx, &kinesis.CreateStreamInput{
		StreamName: aws.String(name),
		ShardCount: aws.Int32(shards),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", name, err)
	}
	logger.Info().Int32("shards", shards).Msg("creating stream")

	waiter := kinesis.NewStreamExistsWaiter(s.kinesis)
	if err := waiter.Wait(ctx, &kinesis.DescribeStreamInput{StreamName: aws.String(name)}, s.waitTimeout); err != nil {
		return nil, fmt.Errorf("stream %s did not become active: %w", name, err)
	}
	logger.Info().Msg("stream is active")

	return &StreamResult{Name: name, Created: true}, nil
}

// StreamInfo describes a stream
func (s *StreamService) StreamInfo(ctx context.Context, name string) (*StreamSummary, error) {
	out, err := s.kinesis.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{StreamName: aws.String(name)})
	if err != nil {
		return nil, fmt.Errorf("failed to describe stream %s: %w", name, err)
	}

	d := out.StreamDescriptionSummary
	return &StreamSummary{
		Name:           aws.ToString(d.StreamName),
		Arn:            aws.ToString(d.StreamARN),
		Status:         string(d.StreamStatus),
		OpenShards:     aws.ToInt32(d.OpenShardCount),
		RetentionHours: aws.ToInt32(d.RetentionPeriodHours),
		CreatedAt:      aws.ToTime(d.StreamCreationTimestamp),
	}, nil
}

// ListShards returns every shard of a stream
func (s *StreamService) ListShards(ctx context.Context, name string) ([]Shard, error) {
	var (
		shards []Shard
		input  = &kinesis.ListShardsInput{StreamName: aws.String(name)}
	)
	for {
		out, err := s.kinesis.ListShards(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list shards of %s: %w", name, err)
		}
		for _, shard := range out.Shards {
			item := Shard{ID: aws.ToString(shard.ShardId)}
			if r := shard.HashKeyRange; r != nil {
				item.StartingHashKey = aws.ToString(r.StartingHashKey)
				item.EndingHashKey = aws.ToString(r.EndingHashKey)
			}
			if r := shard.SequenceNumberRange; r != nil {
				item.StartingSequence = aws.ToString(r.StartingSequenceNumber)
				item.EndingSequence = aws.ToString(r.EndingSequenceNumber)
			}
			shards = append(shards, item)
		}
		if out.NextToken == nil {
			return shards, nil
		}
		// StreamName must be omitted when NextToken is set
		input = &kinesis.ListShardsInput{NextToken: out.NextToken}
	}
}

// ReadRecords reads up to limit records from the start of a shard
func (s *StreamService) ReadRecords(ctx context.Context, stream, shardID string, limit int32) ([]Record, error) {
	iterator, err := s.kinesis.GetShardIterator(ctx, &kinesis.GetShardIteratorInput{
		StreamName:        aws.String(stream),
		ShardId:           aws.String(shardID),
		ShardIteratorType: types.ShardIteratorTypeTrimHorizon,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get iterator for %s/%s: %w", stream, shardID, err)
	}

	out, err := s.kinesis.GetRecords(ctx, &kinesis.GetRecordsInput{
		ShardIterator: iterator.ShardIterator,
		Limit:         aws.Int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read records from %s/%s: %w", stream, shardID, err)
	}

	records := make([]Record, 0, len(out.Records))
	for _, r := range out.Records {
		records = append(records, Record{
			PartitionKey:   aws.ToString(r.PartitionKey),
			SequenceNumber: aws.ToString(r.SequenceNumber),
			Data:           r.Data,
			ArrivedAt:      aws.ToTime(r.ApproximateArrivalTimestamp),
		})
	}
	return records, nil
}

// EnsureDeliveryStream creates a DirectPut delivery stream when it does not
// exist and waits for it to become active
func (s *StreamService) EnsureDeliveryStream(ctx context.Context, spec DeliveryStreamSpec) (*StreamResult, error) {
	logger := zerolog.Ctx(ctx).With().Str("delivery_stream", spec.Name).Logger()

	_, err := s.firehose.DescribeDeliveryStream(ctx, &firehose.DescribeDeliveryStreamInput{
		DeliveryStreamName: aws.String(spec.Name),
	})
	if err == nil {
		logger.Info().Msg("delivery stream already exists")
		return &StreamResult{Name: spec.Name}, nil
	}
	if !IsNotFound(err) {
		return nil, fmt.Errorf("failed to describe delivery stream %s: %w", spec.Name, err)
	}

	_, err = s.firehose.CreateDeliveryStream(ctx, &firehose.CreateDeliveryStreamInput{
		DeliveryStreamName: aws.String(spec.Name),
		DeliveryStreamType: fhtypes.DeliveryStreamTypeDirectPut,
		S3DestinationConfiguration: &fhtypes.S3DestinationConfiguration{
			RoleARN:           aws.String(spec.RoleArn),
			BucketARN:         aws.String(spec.BucketArn),
			Prefix:            aws.String(DeliveryPrefix),
			ErrorOutputPrefix: aws.String(DeliveryErrorPrefix),
			BufferingHints: &fhtypes.BufferingHints{
				SizeInMBs:         aws.Int32(5),
				IntervalInSeconds: aws.Int32(300),
			},
			CompressionFormat: fhtypes.CompressionFormatGzip,
			CloudWatchLoggingOptions: &fhtypes.CloudWatchLoggingOptions{
				Enabled:       aws.Bool(true),
				LogGroupName:  aws.String(constants.FirehoseLogGroup(spec.Name)),
				LogStreamName: aws.String(DeliveryLogStream),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery stream %s: %w", spec.Name, err)
	}
	logger.Info().Msg("creating delivery stream")

	err = utils.Poll(ctx, s.pollInterval, s.waitTimeout, func(ctx context.Context) (bool, error) {
		out, err := s.firehose.DescribeDeliveryStream(ctx, &firehose.DescribeDeliveryStreamInput{
			DeliveryStreamName: aws.String(spec.Name),
		})
		if err != nil {
			return false, err
		}
		switch status := out.DeliveryStreamDescription.DeliveryStreamStatus; status {
		case fhtypes.DeliveryStreamStatusActive:
			return true, nil
		case fhtypes.DeliveryStreamStatusCreatingFailed:
			return false, utils.Permanent(fmt.Errorf("%w: %s is %s", errors.ErrStreamNotActive, spec.Name, status))
		default:
			return false, nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("delivery stream %s did not become active: %w", spec.Name, err)
	}
	logger.Info().Msg("delivery stream is active")

	return &StreamResult{Name: spec.Name, Created: true}, nil
}

// List returns the streams and delivery streams starting with prefix
func (s *StreamService) List(ctx context.Context, prefix string) (*StreamListing, error) {
	var listing StreamListing

	input := &kinesis.ListStreamsInput{}
	for {
		out, err := s.kinesis.ListStreams(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list streams: %w", err)
		}
		for _, name := range out.StreamNames {
			if strings.HasPrefix(name, prefix) {
				listing.Streams = append(listing.Streams, name)
			}
		}
		if !aws.ToBool(out.HasMoreStreams) || out.NextToken == nil {
			break
		}
		input = &kinesis.ListStreamsInput{NextToken: out.NextToken}
	}

	fhInput := &firehose.ListDeliveryStreamsInput{}
	for {
		out, err := s.firehose.ListDeliveryStreams(ctx, fhInput)
		if err != nil {
			return nil, fmt.Errorf("failed to list delivery streams: %w", err)
		}
		for _, name := range out.DeliveryStreamNames {
			if strings.HasPrefix(name, prefix) {
				listing.DeliveryStreams = append(listing.DeliveryStreams, name)
			}
		}
		if !aws.ToBool(out.HasMoreDeliveryStreams) || len(out.DeliveryStreamNames) == 0 {
			break
		}
		fhInput = &firehose.ListDeliveryStreamsInput{
			ExclusiveStartDeliveryStreamName: aws.String(out.DeliveryStreamNames[len(out.DeliveryStreamNames)-1]),
		}
	}

	return &listing, nil
}

// Cleanup deletes the delivery streams reading from prefix streams first,
// then the streams themselves
func (s *StreamService) Cleanup(ctx context.Context, prefix string) (*StreamListing, error) {
	listing, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var (
		deleted StreamListing
		result  *multierror.Error
		logger  = zerolog.Ctx(ctx)
	)
	for _, name := range listing.DeliveryStreams {
		_, err := s.firehose.DeleteDeliveryStream(ctx, &firehose.DeleteDeliveryStreamInput{DeliveryStreamName: aws.String(name)})
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to delete delivery stream %s: %w", name, err))
			continue
		}
		logger.Info().Str("delivery_stream", name).Msg("deleted delivery stream")
		deleted.DeliveryStreams = append(deleted.DeliveryStreams, name)
	}
	for _, name := range listing.Streams {
		_, err := s.kinesis.DeleteStream(ctx, &kinesis.DeleteStreamInput{StreamName: aws.String(name)})
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to delete stream %s: %w", name, err))
			continue
		}
		logger.Info().Str("stream", name).Msg("deleted stream")
		deleted.Streams = append(deleted.Streams, name)
	}
	return &deleted, result.ErrorOrNil()
}
