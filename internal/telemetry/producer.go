package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/errors"
)

// maxBatch is the PutRecords record limit
const maxBatch = 500

// KinesisClient is the subset of the Kinesis API the producer uses
type KinesisClient interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
	PutRecords(ctx context.Context, params *kinesis.PutRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error)
	DescribeStreamSummary(ctx context.Context, params *kinesis.DescribeStreamSummaryInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamSummaryOutput, error)
}

// Producer publishes telemetry events to a Kinesis stream
type Producer struct {
	client     KinesisClient
	streamName string
	now        func() time.Time
}

// NewProducer creates a producer for streamName
func NewProducer(client KinesisClient, streamName string) *Producer {
	return &Producer{
		client:     client,
		streamName: streamName,
		now:        time.Now,
	}
}

// StreamName returns the target stream
func (p *Producer) StreamName() string {
	return p.streamName
}

// SendResult identifies where a record landed
type SendResult struct {
	ShardID        string `json:"shard_id"`
	SequenceNumber string `json:"sequence_number"`
}

// FailedRecord describes a record PutRecords rejected
type FailedRecord struct {
	Index        int    `json:"index"`
	StudyID      string `json:"study_id"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// BatchResult summarizes a SendBatch call
type BatchResult struct {
	SuccessfulCount int            `json:"successful_count"`
	FailedCount     int            `json:"failed_count"`
	FailedRecords   []FailedRecord `json:"failed_records,omitempty"`
}

// StreamInfo describes the target stream
type StreamInfo struct {
	StreamName     string `json:"stream_name"`
	StreamStatus   string `json:"stream_status"`
	ShardCount     int32  `json:"shard_count"`
	RetentionHours int32  `json:"retention_period_hours"`
	StreamArn      string `json:"stream_arn"`
}

// stamp fills in the fields every published event carries
func (p *Producer) stamp(e Event) Event {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp == "" {
		e.Timestamp = Timestamp(p.now())
	}
	if e.Producer == "" {
		e.Producer = ProducerName
	}
	return e
}

// Info describes the stream
func (p *Producer) Info(ctx context.Context) (*StreamInfo, error) {
	out, err := p.client.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{
		StreamName: aws.String(p.streamName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe stream %s: %w", p.streamName, err)
	}

	d := out.StreamDescriptionSummary
	return &StreamInfo{
		StreamName:     aws.ToString(d.StreamName),
		StreamStatus:   string(d.StreamStatus),
		ShardCount:     aws.ToInt32(d.OpenShardCount),
		RetentionHours: aws.ToInt32(d.RetentionPeriodHours),
		StreamArn:      aws.ToString(d.StreamARN),
	}, nil
}

// VerifyActive returns ErrStreamNotActive unless the stream is ACTIVE
func (p *Producer) VerifyActive(ctx context.Context) error {
	info, err := p.Info(ctx)
	if err != nil {
		return err
	}
	if info.StreamStatus != string(types.StreamStatusActive) {
		return fmt.Errorf("%w: %s is %s", errors.ErrStreamNotActive, p.streamName, info.StreamStatus)
	}
	return nil
}

// Send publishes a single event
func (p *Producer) Send(ctx context.Context, e Event) (*SendResult, error) {
	e = p.stamp(e)
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal telemetry event: %w", err)
	}

	out, err := p.client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(p.streamName),
		Data:         data,
		PartitionKey: aws.String(e.PartitionKey()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put telemetry record: %w", err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("stage", e.Stage).
		Str("study_id", e.StudyID).
		Str("shard_id", aws.ToString(out.ShardId)).
		Msg("Sent telemetry event")

	return &SendResult{
		ShardID:        aws.ToString(out.ShardId),
		SequenceNumber: aws.ToString(out.SequenceNumber),
	}, nil
}

// SendBatch publishes events with PutRecords, in chunks of 500. Rejected
// records are reported, not retried.
func (p *Producer) SendBatch(ctx context.Context, events []Event) (*BatchResult, error) {
	result := &BatchResult{}

	for start := 0; start < len(events); start += maxBatch {
		end := start + maxBatch
		if end > len(events) {
			end = len(events)
		}

		chunk := make([]Event, 0, end-start)
		entries := make([]types.PutRecordsRequestEntry, 0, end-start)
		for _, e := range events[start:end] {
			e = p.stamp(e)
			data, err := json.Marshal(e)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal telemetry event: %w", err)
			}
			chunk = append(chunk, e)
			entries = append(entries, types.PutRecordsRequestEntry{
				Data:         data,
				PartitionKey: aws.String(e.PartitionKey()),
			})
		}

		out, err := p.client.PutRecords(ctx, &kinesis.PutRecordsInput{
			StreamName: aws.String(p.streamName),
			Records:    entries,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to put telemetry records: %w", err)
		}

		for i, record := range out.Records {
			if record.ErrorCode == nil {
				result.SuccessfulCount++
				continue
			}
			result.FailedCount++
			result.FailedRecords = append(result.FailedRecords, FailedRecord{
				Index:        start + i,
				StudyID:      chunk[i].StudyID,
				ErrorCode:    aws.ToString(record.ErrorCode),
				ErrorMessage: aws.ToString(record.ErrorMessage),
			})
		}
	}

	return result, nil
}

// SendPipelineEvent publishes the outcome of a stage
func (p *Producer) SendPipelineEvent(ctx context.Context, studyID, stage, status string, latencyMs int64, details map[string]any) (*SendResult, error) {
	return p.Send(ctx, Event{
		StudyID:   studyID,
		Stage:     stage,
		Status:    status,
		LatencyMs: latencyMs,
		Details:   details,
	})
}

// SendErrorEvent publishes a stage failure
func (p *Producer) SendErrorEvent(ctx context.Context, studyID, stage, code, message string) (*SendResult, error) {
	return p.Send(ctx, Event{
		StudyID:      studyID,
		Stage:        stage,
		Status:       StatusError,
		ErrorCode:    code,
		ErrorMessage: message,
	})
}

// SendPerformanceMetrics publishes resource usage for a stage. The metrics
// are recorded under the performance_metrics stage with the measured stage in
// source_stage.
func (p *Producer) SendPerformanceMetrics(ctx context.Context, studyID, stage string, m PerformanceMetrics) (*SendResult, error) {
	return p.Send(ctx, Event{
		StudyID:   studyID,
		Stage:     StagePerformanceMetrics,
		Status:    StatusSuccess,
		LatencyMs: m.LatencyMs,
		Details: map[string]any{
			"source_stage": stage,
			"cpu_usage":    m.CPUUsage,
			"memory_usage": m.MemoryUsage,
			"gpu_usage":    m.GPUUsage,
			"throughput":   m.Throughput,
		},
	})
}

// Emit publishes an event on a best-effort basis. Failures are logged and
// never returned so telemetry cannot fail a pipeline stage.
func (p *Producer) Emit(ctx context.Context, e Event) {
	if p == nil {
		return
	}
	if _, err := p.Send(ctx, e); err != nil {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("stage", e.Stage).
			Str("study_id", e.StudyID).
			Msg("Failed to send telemetry")
	}
}
