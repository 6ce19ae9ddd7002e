package services

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/go-test/deep"
	"github.com/savaki/radstream/internal/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockGlue struct {
	GlueAPI

	databases map[string]bool
	tables    map[string]*types.TableInput
	crawlers  map[string]*glue.CreateCrawlerInput
	running   bool
	deleted   []string
}

func newMockGlue() *mockGlue {
	return &mockGlue{
		databases: map[string]bool{},
		tables:    map[string]*types.TableInput{},
		crawlers:  map[string]*glue.CreateCrawlerInput{},
	}
}

func notFound() error {
	return &types.EntityNotFoundException{Message: aws.String("entity not found")}
}

func (m *mockGlue) GetDatabase(ctx context.Context, params *glue.GetDatabaseInput, optFns ...func(*glue.Options)) (*glue.GetDatabaseOutput, error) {
	if !m.databases[aws.ToString(params.Name)] {
		return nil, notFound()
	}
	return &glue.GetDatabaseOutput{}, nil
}

func (m *mockGlue) CreateDatabase(ctx context.Context, params *glue.CreateDatabaseInput, optFns ...func(*glue.Options)) (*glue.CreateDatabaseOutput, error) {
	m.databases[aws.ToString(params.DatabaseInput.Name)] = true
	return &glue.CreateDatabaseOutput{}, nil
}

func (m *mockGlue) DeleteDatabase(ctx context.Context, params *glue.DeleteDatabaseInput, optFns ...func(*glue.Options)) (*glue.DeleteDatabaseOutput, error) {
	delete(m.databases, aws.ToString(params.Name))
	m.deleted = append(m.deleted, "database/"+aws.ToString(params.Name))
	return &glue.DeleteDatabaseOutput{}, nil
}

func (m *mockGlue) GetTable(ctx context.Context, params *glue.GetTableInput, optFns ...func(*glue.Options)) (*glue.GetTableOutput, error) {
	if _, ok := m.tables[aws.ToString(params.Name)]; !ok {
		return nil, notFound()
	}
	return &glue.GetTableOutput{}, nil
}

func (m *mockGlue) GetTables(ctx context.Context, params *glue.GetTablesInput, optFns ...func(*glue.Options)) (*glue.GetTablesOutput, error) {
	if !m.databases[aws.ToString(params.DatabaseName)] {
		return nil, notFound()
	}
	var out glue.GetTablesOutput
	for _, name := range []string{constants.TelemetryEventsTable, constants.PerformanceTable} {
		if _, ok := m.tables[name]; ok {
			out.TableList = append(out.TableList, types.Table{Name: aws.String(name)})
		}
	}
	return &out, nil
}

func (m *mockGlue) CreateTable(ctx context.Context, params *glue.CreateTableInput, optFns ...func(*glue.Options)) (*glue.CreateTableOutput, error) {
	m.tables[aws.ToString(params.TableInput.Name)] = params.TableInput
	return &glue.CreateTableOutput{}, nil
}

func (m *mockGlue) DeleteTable(ctx context.Context, params *glue.DeleteTableInput, optFns ...func(*glue.Options)) (*glue.DeleteTableOutput, error) {
	delete(m.tables, aws.ToString(params.Name))
	m.deleted = append(m.deleted, "table/"+aws.ToString(params.Name))
	return &glue.DeleteTableOutput{}, nil
}

func (m *mockGlue) GetCrawler(ctx context.Context, params *glue.GetCrawlerInput, optFns ...func(*glue.Options)) (*glue.GetCrawlerOutput, error) {
	if _, ok := m.crawlers[aws.ToString(params.Name)]; !ok {
		return nil, notFound()
	}
	return &glue.GetCrawlerOutput{}, nil
}

func (m *mockGlue) CreateCrawler(ctx context.Context, params *glue.CreateCrawlerInput, optFns ...func(*glue.Options)) (*glue.CreateCrawlerOutput, error) {
	m.crawlers[aws.ToString(params.Name)] = params
	return &glue.CreateCrawlerOutput{}, nil
}

func (m *mockGlue) StartCrawler(ctx context.Context, params *glue.StartCrawlerInput, optFns ...func(*glue.Options)) (*glue.StartCrawlerOutput, error) {
	if m.running {
		return nil, &types.CrawlerRunningException{Message: aws.String("already running")}
	}
	m.running = true
	return &glue.StartCrawlerOutput{}, nil
}

func (m *mockGlue) DeleteCrawler(ctx context.Context, params *glue.DeleteCrawlerInput, optFns ...func(*glue.Options)) (*glue.DeleteCrawlerOutput, error) {
	if _, ok := m.crawlers[aws.ToString(params.Name)]; !ok {
		return nil, notFound()
	}
	delete(m.crawlers, aws.ToString(params.Name))
	m.deleted = append(m.deleted, "crawler/"+aws.ToString(params.Name))
	return &glue.DeleteCrawlerOutput{}, nil
}

func TestTelemetryTables(t *testing.T) {
	tables := TelemetryTables(TelemetryLocation("123456789012"))
	require.Len(t, tables, 2)

	input := tables[0].TableInput()
	assert.Equal(t, "s3://radstream-telemetry-123456789012/raw/", aws.ToString(input.StorageDescriptor.Location))
	assert.Equal(t, "EXTERNAL_TABLE", aws.ToString(input.TableType))
	assert.Equal(t, "org.openx.data.jsonserde.JsonSerDe", aws.ToString(input.StorageDescriptor.SerdeInfo.SerializationLibrary))
	assert.Len(t, input.StorageDescriptor.Columns, 10)

	var partitions []string
	for _, c := range input.PartitionKeys {
		partitions = append(partitions, aws.ToString(c.Name))
	}
	if diff := deep.Equal(partitions, []string{"year", "month", "day"}); diff != nil {
		t.Error(diff)
	}

	perf := tables[1].TableInput()
	assert.Equal(t, "s3://radstream-telemetry-123456789012/performance/", aws.ToString(perf.StorageDescriptor.Location))
	assert.Equal(t, "performance_metrics", perf.Parameters["typeOfData"])
	assert.Len(t, perf.StorageDescriptor.Columns, 9)
}

func TestCatalogSetup(t *testing.T) {
	ctx := context.Background()
	client := newMockGlue()
	s := NewCatalogServiceWithClient(client)
	base := TelemetryLocation(testScope.AccountID)

	db, err := s.EnsureDatabase(ctx, constants.AnalyticsDatabase, base)
	require.NoError(t, err)
	assert.True(t, db.Created)

	for _, table := range TelemetryTables(base) {
		result, err := s.EnsureTable(ctx, constants.AnalyticsDatabase, table)
		require.NoError(t, err)
		assert.True(t, result.Created)
	}

	crawler, err := s.EnsureCrawler(ctx, TelemetryCrawler(testScope))
	require.NoError(t, err)
	assert.True(t, crawler.Created)

	input := client.crawlers[constants.TelemetryCrawler]
	assert.Equal(t, types.RecrawlBehaviorCrawlEverything, input.RecrawlPolicy.RecrawlBehavior)
	assert.Equal(t, types.UpdateBehaviorUpdateInDatabase, input.SchemaChangePolicy.UpdateBehavior)
	assert.Len(t, input.Targets.S3Targets, 2)

	// second pass is idempotent
	db, err = s.EnsureDatabase(ctx, constants.AnalyticsDatabase, base)
	require.NoError(t, err)
	assert.False(t, db.Created)

	started, err := s.StartCrawler(ctx, constants.TelemetryCrawler)
	require.NoError(t, err)
	assert.True(t, started)

	started, err = s.StartCrawler(ctx, constants.TelemetryCrawler)
	require.NoError(t, err)
	assert.False(t, started)
}

func TestCatalogDelete(t *testing.T) {
	ctx := context.Background()
	client := newMockGlue()
	s := NewCatalogServiceWithClient(client)
	base := TelemetryLocation(testScope.AccountID)

	_, err := s.EnsureDatabase(ctx, constants.AnalyticsDatabase, base)
	require.NoError(t, err)
	for _, table := range TelemetryTables(base) {
		_, err := s.EnsureTable(ctx, constants.AnalyticsDatabase, table)
		require.NoError(t, err)
	}

	// crawler was never created, so its deletion is skipped
	require.NoError(t, s.Delete(ctx, constants.AnalyticsDatabase, constants.TelemetryCrawler))
	assert.Equal(t, []string{
		"table/telemetry_events",
		"table/performance_metrics",
		"database/radstream_analytics",
	}, client.deleted)

	// deleting a missing database is not an error
	require.NoError(t, s.Delete(ctx, constants.AnalyticsDatabase, ""))
}
