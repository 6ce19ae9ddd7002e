package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/rs/zerolog"
)

// LogsAPI is the subset of the CloudWatch Logs API used by LogService
type LogsAPI interface {
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	PutRetentionPolicy(ctx context.Context, params *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
	DescribeLogStreams(ctx context.Context, params *cloudwatchlogs.DescribeLogStreamsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogStreamsOutput, error)
	GetLogEvents(ctx context.Context, params *cloudwatchlogs.GetLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetLogEventsOutput, error)
	DeleteLogGroup(ctx context.Context, params *cloudwatchlogs.DeleteLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DeleteLogGroupOutput, error)
}

// LogEvent is one CloudWatch log line
type LogEvent struct {
	Timestamp time.Time
	Message   string
}

// LogService manages log groups and reads recent events
type LogService struct {
	client LogsAPI
}

// NewLogService returns a LogService for cfg
func NewLogService(cfg aws.Config) *LogService {
	return NewLogServiceWithClient(cloudwatchlogs.NewFromConfig(cfg))
}

// NewLogServiceWithClient returns a LogService over an existing client
func NewLogServiceWithClient(client LogsAPI) *LogService {
	return &LogService{client: client}
}

// EnsureLogGroup creates a log group when it does not exist. A positive
// retentionDays is applied either way.
func (s *LogService) EnsureLogGroup(ctx context.Context, name string, retentionDays int32) (bool, error) {
	created := true
	_, err := s.client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{LogGroupName: aws.String(name)})
	if err != nil {
		var exists *types.ResourceAlreadyExistsException
		if !errors.As(err, &exists) {
			return false, fmt.Errorf("failed to create log group %s: %w", name, err)
		}
		created = false
	}

	if retentionDays > 0 {
		_, err := s.client.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    aws.String(name),
			RetentionInDays: aws.Int32(retentionDays),
		})
		if err != nil {
			return created, fmt.Errorf("failed to set retention of %s: %w", name, err)
		}
	}

	if created {
		zerolog.Ctx(ctx).Info().Str("log_group", name).Msg("created log group")
	}
	return created, nil
}

// RecentEvents returns up to n events from the most recently written stream
// of group. A group without streams yields no events.
func (s *LogService) RecentEvents(ctx context.Context, group string, n int32) ([]LogEvent, error) {
	streams, err := s.client.DescribeLogStreams(ctx, &cloudwatchlogs.DescribeLogStreamsInput{
		LogGroupName: aws.String(group),
		OrderBy:      types.OrderByLastEventTime,
		Descending:   aws.Bool(true),
		Limit:        aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe log streams of %s: %w", group, err)
	}
	if len(streams.LogStreams) == 0 {
		return nil, nil
	}

	out, err := s.client.GetLogEvents(ctx, &cloudwatchlogs.GetLogEventsInput{
		LogGroupName:  aws.String(group),
		LogStreamName: streams.LogStreams[0].LogStreamName,
		Limit:         aws.Int32(n),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get log events of %s: %w", group, err)
	}

	events := make([]LogEvent, 0, len(out.Events))
	for _, e := range out.Events {
		events = append(events, LogEvent{
			Timestamp: time.UnixMilli(aws.ToInt64(e.Timestamp)),
			Message:   aws.ToString(e.Message),
		})
	}
	return events, nil
}

// DeleteLogGroup removes a log group. A missing group is not an error.
func (s *LogService) DeleteLogGroup(ctx context.Context, name string) error {
	_, err := s.client.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{LogGroupName: aws.String(name)})
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to delete log group %s: %w", name, err)
	}
	return nil
}
