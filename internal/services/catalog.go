package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/policy"
)

// Hive formats used by the JSON telemetry tables
const (
	textInputFormat  = "org.apache.hadoop.mapred.TextInputFormat"
	textOutputFormat = "org.apache.hadoop.hive.ql.io.HiveIgnoreKeyTextOutputFormat"
	jsonSerDe        = "org.openx.data.jsonserde.JsonSerDe"
)

// GlueAPI is the subset of the Glue API used by CatalogService
type GlueAPI interface {
	GetDatabase(ctx context.Context, params *glue.GetDatabaseInput, optFns ...func(*glue.Options)) (*glue.GetDatabaseOutput, error)
	CreateDatabase(ctx context.Context, params *glue.CreateDatabaseInput, optFns ...func(*glue.Options)) (*glue.CreateDatabaseOutput, error)
	DeleteDatabase(ctx context.Context, params *glue.DeleteDatabaseInput, optFns ...func(*glue.Options)) (*glue.DeleteDatabaseOutput, error)
	GetTable(ctx context.Context, params *glue.GetTableInput, optFns ...func(*glue.Options)) (*glue.GetTableOutput, error)
	GetTables(ctx context.Context, params *glue.GetTablesInput, optFns ...func(*glue.Options)) (*glue.GetTablesOutput, error)
	CreateTable(ctx context.Context, params *glue.CreateTableInput, optFns ...func(*glue.Options)) (*glue.CreateTableOutput, error)
	DeleteTable(ctx context.Context, params *glue.DeleteTableInput, optFns ...func(*glue.Options)) (*glue.DeleteTableOutput, error)
	GetCrawler(ctx context.Context, params *glue.GetCrawlerInput, optFns ...func(*glue.Options)) (*glue.GetCrawlerOutput, error)
	CreateCrawler(ctx context.Context, params *glue.CreateCrawlerInput, optFns ...func(*glue.Options)) (*glue.CreateCrawlerOutput, error)
	StartCrawler(ctx context.Context, params *glue.StartCrawlerInput, optFns ...func(*glue.Options)) (*glue.StartCrawlerOutput, error)
	DeleteCrawler(ctx context.Context, params *glue.DeleteCrawlerInput, optFns ...func(*glue.Options)) (*glue.DeleteCrawlerOutput, error)
}

// Column is a table column
type Column struct {
	Name    string
	Type    string
	Comment string
}

// TableSpec describes a partitioned JSON table over an S3 location
type TableSpec struct {
	Name        string
	Description string
	Location    string
	Columns     []Column
	DataType    string
}

// CrawlerSpec describes a crawler over S3 paths
type CrawlerSpec struct {
	Name     string
	Database string
	RoleArn  string
	Paths    []string
}

// CatalogResult reports what an Ensure call did
type CatalogResult struct {
	Name    string
	Created bool
}

// TelemetryLocation returns the s3:// base location of the telemetry bucket
func TelemetryLocation(accountID string) string {
	return "s3://" + constants.BucketName(constants.BucketTelemetry, accountID) + "/"
}

// TelemetryTables returns the telemetry and performance tables under base,
// the s3:// location of the telemetry bucket
func TelemetryTables(base string) []TableSpec {
	return []TableSpec{
		{
			Name:        constants.TelemetryEventsTable,
			Description: "RadStream pipeline telemetry events",
			Location:    base + constants.TelemetryRawPrefix,
			DataType:    "telemetry",
			Columns: []Column{
				{Name: "study_id", Type: "string", Comment: "Study identifier"},
				{Name: "stage", Type: "string", Comment: "Pipeline stage"},
				{Name: "status", Type: "string", Comment: "Event status"},
				{Name: "latency_ms", Type: "int", Comment: "Processing latency in milliseconds"},
				{Name: "timestamp", Type: "timestamp", Comment: "Event timestamp"},
				{Name: "error_code", Type: "string", Comment: "Error code if applicable"},
				{Name: "error_message", Type: "string", Comment: "Error message if applicable"},
				{Name: "event_id", Type: "string", Comment: "Unique event identifier"},
				{Name: "producer", Type: "string", Comment: "Event producer"},
				{Name: "metadata", Type: "string", Comment: "Additional metadata as JSON string"},
			},
		},
		{
			Name:        constants.PerformanceTable,
			Description: "RadStream pipeline performance metrics",
			Location:    base + constants.PerformanceDataPrefix,
			DataType:    "performance_metrics",
			Columns: []Column{
				{Name: "study_id", Type: "string", Comment: "Study identifier"},
				{Name: "stage", Type: "string", Comment: "Pipeline stage"},
				{Name: "latency_ms", Type: "int", Comment: "Processing latency"},
				{Name: "cpu_usage", Type: "double", Comment: "CPU usage percentage"},
				{Name: "memory_usage", Type: "double", Comment: "Memory usage percentage"},
				{Name: "gpu_usage", Type: "double", Comment: "GPU usage percentage"},
				{Name: "throughput", Type: "double", Comment: "Throughput (requests/second)"},
				{Name: "timestamp", Type: "timestamp", Comment: "Metric timestamp"},
				{Name: "event_id", Type: "string", Comment: "Unique event identifier"},
			},
		},
	}
}

// TelemetryCrawler returns the crawler over both telemetry tables
func TelemetryCrawler(scope policy.Scope) CrawlerSpec {
	base := TelemetryLocation(scope.AccountID)
	return CrawlerSpec{
		Name:     constants.TelemetryCrawler,
		Database: constants.AnalyticsDatabase,
		RoleArn:  scope.RoleArn(constants.GlueCrawlerRoleName),
		Paths:    []string{base + constants.TelemetryRawPrefix, base + constants.PerformanceDataPrefix},
	}
}

func toGlueColumns(columns []Column) []types.Column {
	out := make([]types.Column, 0, len(columns))
	for _, c := range columns {
		col := types.Column{Name: aws.String(c.Name), Type: aws.String(c.Type)}
		if c.Comment != "" {
			col.Comment = aws.String(c.Comment)
		}
		out = append(out, col)
	}
	return out
}

// TableInput renders spec as a partitioned external JSON table
func (t TableSpec) TableInput() *types.TableInput {
	return &types.TableInput{
		Name:        aws.String(t.Name),
		Description: aws.String(t.Description),
		StorageDescriptor: &types.StorageDescriptor{
			Columns:      toGlueColumns(t.Columns),
			Location:     aws.String(t.Location),
			InputFormat:  aws.String(textInputFormat),
			OutputFormat: aws.String(textOutputFormat),
			SerdeInfo: &types.SerDeInfo{
				SerializationLibrary: aws.String(jsonSerDe),
				Parameters:           map[string]string{"serialization.format": "1"},
			},
		},
		PartitionKeys: toGlueColumns([]Column{
			{Name: "year", Type: "string"},
			{Name: "month", Type: "string"},
			{Name: "day", Type: "string"},
		}),
		TableType: aws.String("EXTERNAL_TABLE"),
		Parameters: map[string]string{
			"classification": "json",
			"typeOfData":     t.DataType,
		},
	}
}

// CatalogService manages the analytics catalog
type CatalogService struct {
	client GlueAPI
}

// NewCatalogService returns a CatalogService for cfg
func NewCatalogService(cfg aws.Config) *CatalogService {
	return NewCatalogServiceWithClient(glue.NewFromConfig(cfg))
}

// NewCatalogServiceWithClient returns a CatalogService over an existing client
func NewCatalogServiceWithClient(client GlueAPI) *CatalogService {
	return &CatalogService{client: client}
}

// EnsureDatabase creates the database when it does not exist
func (s *CatalogService) EnsureDatabase(ctx context.Context, name, location string) (*CatalogResult, error) {
	logger := zerolog.Ctx(ctx).With().Str("database", name).Logger()

	_, err := s.client.GetDatabase(ctx, &glue.GetDatabaseInput{Name: aws.String(name)})
	if err == nil {
		logger.Info().Msg("database already exists")
		return &CatalogResult{Name: name}, nil
	}
	if !IsNotFound(err) {
		return nil, fmt.Errorf("failed to get database %s: %w", name, err)
	}

	_, err = s.client.CreateDatabase(ctx, &glue.CreateDatabaseInput{
		DatabaseInput: &types.DatabaseInput{
			Name:        aws.String(name),
			Description: aws.String("RadStream medical imaging pipeline telemetry database"),
			LocationUri: aws.String(location),
			Parameters: map[string]string{
				"classification": "json",
				"typeOfData":     "telemetry",
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create database %s: %w", name, err)
	}
	logger.Info().Msg("created database")
	return &CatalogResult{Name: name, Created: true}, nil
}

// EnsureTable creates the table when it does not exist
func (s *CatalogService) EnsureTable(ctx context.Context, database string, spec TableSpec) (*CatalogResult, error) {
	logger := zerolog.Ctx(ctx).With().Str("table", spec.Name).Logger()

	_, err := s.client.GetTable(ctx, &glue.GetTableInput{
		DatabaseName: aws.String(database),
		Name:         aws.String(spec.Name),
	})
	if err == nil {
		logger.Info().Msg("table already exists")
		return &CatalogResult{Name: spec.Name}, nil
	}
	if !IsNotFound(err) {
		return nil, fmt.Errorf("failed to get table %s: %w", spec.Name, err)
	}

	_, err = s.client.CreateTable(ctx, &glue.CreateTableInput{
		DatabaseName: aws.String(database),
		TableInput:   spec.TableInput(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", spec.Name, err)
	}
	logger.Info().Msg("created table")
	return &CatalogResult{Name: spec.Name, Created: true}, nil
}

// EnsureCrawler creates the crawler when it does not exist
func (s *CatalogService) EnsureCrawler(ctx context.Context, spec CrawlerSpec) (*CatalogResult, error) {
	logger := zerolog.Ctx(ctx).With().Str("crawler", spec.Name).Logger()

	_, err := s.client.GetCrawler(ctx, &glue.GetCrawlerInput{Name: aws.String(spec.Name)})
	if err == nil {
		logger.Info().Msg("crawler already exists")
		return &CatalogResult{Name: spec.Name}, nil
	}
	if !IsNotFound(err) {
		return nil, fmt.Errorf("failed to get crawler %s: %w", spec.Name, err)
	}

	targets := make([]types.S3Target, 0, len(spec.Paths))
	for _, path := range spec.Paths {
		targets = append(targets, types.S3Target{Path: aws.String(path)})
	}

	_, err = s.client.CreateCrawler(ctx, &glue.CreateCrawlerInput{
		Name:         aws.String(spec.Name),
		Role:         aws.String(spec.RoleArn),
		DatabaseName: aws.String(spec.Database),
		Description:  aws.String("RadStream telemetry data crawler"),
		Targets:      &types.CrawlerTargets{S3Targets: targets},
		SchemaChangePolicy: &types.SchemaChangePolicy{
			UpdateBehavior: types.UpdateBehaviorUpdateInDatabase,
			DeleteBehavior: types.DeleteBehaviorLog,
		},
		RecrawlPolicy: &types.RecrawlPolicy{
			RecrawlBehavior: types.RecrawlBehaviorCrawlEverything,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create crawler %s: %w", spec.Name, err)
	}
	logger.Info().Msg("created crawler")
	return &CatalogResult{Name: spec.Name, Created: true}, nil
}

// StartCrawler starts a crawl. It reports false when a crawl is already running.
func (s *CatalogService) StartCrawler(ctx context.Context, name string) (bool, error) {
	_, err := s.client.StartCrawler(ctx, &glue.StartCrawlerInput{Name: aws.String(name)})
	if err != nil {
		var running *types.CrawlerRunningException
		if errors.As(err, &running) {
			return false, nil
		}
		return false, fmt.Errorf("failed to start crawler %s: %w", name, err)
	}
	zerolog.Ctx(ctx).Info().Str("crawler", name).Msg("started crawler")
	return true, nil
}

// ListTables returns the table names of a database
func (s *CatalogService) ListTables(ctx context.Context, database string) ([]string, error) {
	var (
		names []string
		input = &glue.GetTablesInput{DatabaseName: aws.String(database)}
	)
	for {
		out, err := s.client.GetTables(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list tables of %s: %w", database, err)
		}
		for _, t := range out.TableList {
			names = append(names, aws.ToString(t.Name))
		}
		if out.NextToken == nil {
			return names, nil
		}
		input.NextToken = out.NextToken
	}
}

// Delete removes the crawler, every table of the database and the database.
// Missing resources are skipped.
func (s *CatalogService) Delete(ctx context.Context, database, crawler string) error {
	var (
		result *multierror.Error
		logger = zerolog.Ctx(ctx)
	)

	if crawler != "" {
		_, err := s.client.DeleteCrawler(ctx, &glue.DeleteCrawlerInput{Name: aws.String(crawler)})
		switch {
		case err == nil:
			logger.Info().Str("crawler", crawler).Msg("deleted crawler")
		case !IsNotFound(err):
			result = multierror.Append(result, fmt.Errorf("failed to delete crawler %s: %w", crawler, err))
		}
	}

	tables, err := s.ListTables(ctx, database)
	if err != nil {
		if IsNotFound(err) {
			return result.ErrorOrNil()
		}
		return multierror.Append(result, err).ErrorOrNil()
	}
	for _, table := range tables {
		_, err := s.client.DeleteTable(ctx, &glue.DeleteTableInput{
			DatabaseName: aws.String(database),
			Name:         aws.String(table),
		})
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to delete table %s: %w", table, err))
			continue
		}
		logger.Info().Str("table", table).Msg("deleted table")
	}

	if _, err := s.client.DeleteDatabase(ctx, &glue.DeleteDatabaseInput{Name: aws.String(database)}); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to delete database %s: %w", database, err))
	} else {
		logger.Info().Str("database", database).Msg("deleted database")
	}

	return result.ErrorOrNil()
}
