package services

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/dao/studydao"
)

// DynamoDBAPI is the subset of the DynamoDB API used to manage the ledger table
type DynamoDBAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
}

type TableResult struct {
	Name    string
	Arn     string
	Created bool
}

// LedgerService manages the study ledger table
type LedgerService struct {
	client      DynamoDBAPI
	tableName   string
	waitTimeout time.Duration
}

// NewLedgerService creates a LedgerService for the ledger table of env
func NewLedgerService(cfg aws.Config, env string) *LedgerService {
	return NewLedgerServiceWithClient(dynamodb.NewFromConfig(cfg), studydao.TableName(env))
}

// NewLedgerServiceWithClient creates a LedgerService with a custom client and table name.
// This is useful for testing with local DynamoDB.
func NewLedgerServiceWithClient(client DynamoDBAPI, tableName string) *LedgerService {
	return &LedgerService{
		client:      client,
		tableName:   tableName,
		waitTimeout: 5 * time.Minute,
	}
}

// TableName returns the ledger table name
func (s *LedgerService) TableName() string {
	return s.tableName
}

// EnsureTable creates the ledger table with string pk/sk keys and
// on-demand billing, then waits for it to become ACTIVE
func (s *LedgerService) EnsureTable(ctx context.Context) (*TableResult, error) {
	logger := zerolog.Ctx(ctx).With().Str("table", s.tableName).Logger()

	describe, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err == nil {
		logger.Info().Msg("ledger table already exists")
		return &TableResult{
			Name: s.tableName,
			Arn:  aws.ToString(describe.Table.TableArn),
		}, nil
	}
	if !IsNotFound(err) {
		return nil, fmt.Errorf("failed to describe table %s: %w", s.tableName, err)
	}

	output, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
		Tags: []types.Tag{
			{Key: aws.String("Project"), Value: aws.String("radstream")},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", s.tableName, err)
	}
	logger.Info().Msg("created ledger table, waiting for it to become active")

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)}, s.waitTimeout); err != nil {
		return nil, fmt.Errorf("table %s did not become active: %w", s.tableName, err)
	}

	return &TableResult{
		Name:    s.tableName,
		Arn:     aws.ToString(output.TableDescription.TableArn),
		Created: true,
	}, nil
}

// DeleteTable removes the ledger table. A missing table is not an error.
func (s *LedgerService) DeleteTable(ctx context.Context) error {
	_, err := s.client.DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to delete table %s: %w", s.tableName, err)
	}
	return nil
}
