package di

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/savaki/radstream/internal/dao/studydao"
	"github.com/savaki/radstream/internal/errors"
	"github.com/savaki/radstream/internal/orchestrator"
	"github.com/savaki/radstream/internal/services"
	"github.com/savaki/radstream/internal/telemetry"
)

func ProvideAWSConfig(ctx context.Context, region Region) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(string(region)))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

func ProvideS3Client(config aws.Config) *s3.Client {
	return s3.NewFromConfig(config)
}

func ProvideDynamoDB(config aws.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(config)
}

func ProvideStepFunctions(config aws.Config) *sfn.Client {
	return sfn.NewFromConfig(config)
}

func ProvideKinesis(config aws.Config) *kinesis.Client {
	return kinesis.NewFromConfig(config)
}

func ProvideObjectStore(client *s3.Client) *services.ObjectStore {
	return services.NewObjectStoreWithClient(client)
}

// ProvideProducer publishes telemetry to the configured stream
func ProvideProducer(client *kinesis.Client, config *services.Config) *telemetry.Producer {
	return telemetry.NewProducer(client, config.TelemetryStream)
}

// ProvideOrchestrator starts pipeline executions, recording them in the
// study ledger when one is configured
func ProvideOrchestrator(client *sfn.Client, config *services.Config, dao *studydao.DAO) (*orchestrator.Orchestrator, error) {
	if config.StateMachineArn == "" {
		return nil, errors.ErrStateMachineARNRequired
	}

	var opts []orchestrator.Option
	if dao != nil {
		opts = append(opts, orchestrator.WithLedger(dao))
	}
	return orchestrator.New(client, config.StateMachineArn, opts...), nil
}
