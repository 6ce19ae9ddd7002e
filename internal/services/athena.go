package services

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/errors"
	"github.com/savaki/radstream/internal/utils"
)

// AthenaAPI is the subset of the Athena API used by QueryService
type AthenaAPI interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, params *athena.GetQueryResultsInput, optFns ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error)
}

// QueryResult holds the column names and data rows of a finished query
type QueryResult struct {
	ExecutionID string
	Columns     []string
	Rows        [][]string
}

// QueryService runs Athena queries to completion
type QueryService struct {
	client   AthenaAPI
	interval time.Duration
	timeout  time.Duration
}

// NewQueryService returns a QueryService for cfg
func NewQueryService(cfg aws.Config) *QueryService {
	return NewQueryServiceWithClient(athena.NewFromConfig(cfg))
}

// NewQueryServiceWithClient returns a QueryService over an existing client
func NewQueryServiceWithClient(client AthenaAPI) *QueryService {
	return &QueryService{
		client:   client,
		interval: 2 * time.Second,
		timeout:  5 * time.Minute,
	}
}

// Run executes sql against database, writing results under output, and
// returns the rows once the query succeeds
func (s *QueryService) Run(ctx context.Context, sql, database, output string) (*QueryResult, error) {
	logger := zerolog.Ctx(ctx)

	started, err := s.client.StartQueryExecution(ctx, &athena.StartQueryExecutionInput{
		QueryString:           aws.String(sql),
		QueryExecutionContext: &types.QueryExecutionContext{Database: aws.String(database)},
		ResultConfiguration:   &types.ResultConfiguration{OutputLocation: aws.String(output)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start query: %w", err)
	}
	id := aws.ToString(started.QueryExecutionId)
	logger.Debug().Str("query_execution_id", id).Msg("started query")

	err = utils.Poll(ctx, s.interval, s.timeout, func(ctx context.Context) (bool, error) {
		out, err := s.client.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{QueryExecutionId: aws.String(id)})
		if err != nil {
			return false, err
		}

		status := out.QueryExecution.Status
		switch status.State {
		case types.QueryExecutionStateSucceeded:
			return true, nil
		case types.QueryExecutionStateFailed, types.QueryExecutionStateCancelled:
			return false, utils.Permanent(fmt.Errorf("%w: %s %s: %s", errors.ErrQueryFailed, id, status.State, aws.ToString(status.StateChangeReason)))
		default:
			return false, nil
		}
	})
	if err != nil {
		return nil, err
	}

	result := &QueryResult{ExecutionID: id}
	input := &athena.GetQueryResultsInput{QueryExecutionId: aws.String(id)}
	for first := true; ; first = false {
		out, err := s.client.GetQueryResults(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to get query results: %w", err)
		}

		rows := out.ResultSet.Rows
		if first && len(rows) > 0 {
			result.Columns = datums(rows[0].Data)
			rows = rows[1:]
		}
		for _, row := range rows {
			result.Rows = append(result.Rows, datums(row.Data))
		}

		if out.NextToken == nil {
			return result, nil
		}
		input.NextToken = out.NextToken
	}
}

func datums(data []types.Datum) []string {
	values := make([]string, 0, len(data))
	for _, d := range data {
		values = append(values, aws.ToString(d.VarCharValue))
	}
	return values
}
