// Package studydao records pipeline runs of studies in DynamoDB.
package studydao

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/gox/slicex"
	"github.com/savaki/radstream/internal/errors"
)

// latest partitions the per-study pointer records to the most recent run
const latest = "latest"

// TableName returns the ledger table of an environment, e.g. dev-radstream-studies
func TableName(env string) string {
	return fmt.Sprintf("%s-radstream-studies", env)
}

// ID identifies one run in format {studyID}:{ksuid}
// Example: TEST-000001:2HFj3kLmNoPqRsTuVwXy
type ID string

func (id ID) String() string {
	return string(id)
}

// NewID constructs an ID from a study id and run sort key
func NewID(studyID, sk string) ID {
	return ID(studyID + ":" + sk)
}

// ParseID splits an ID into study id and sort key
func ParseID(id ID) (studyID, sk string, err error) {
	parts := strings.Split(string(id), ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid run ID format: %s, expected {study_id}:{ksuid}", id)
	}
	return parts[0], parts[1], nil
}

// Status of a pipeline run
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transitions are expected
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Record is one pipeline run of a study
type Record struct {
	PK           string  `ddb:"hash" dynamodbav:"pk"`  // study id, or "latest" for pointer records
	SK           string  `ddb:"range" dynamodbav:"sk"` // KSUID run id, or study id for pointer records
	ID           ID      `dynamodbav:"id,omitempty"`   // only set on pointer records
	StudyID      string  `dynamodbav:"study_id,omitempty"`
	Status       Status  `dynamodbav:"status,omitempty"`
	ExecutionArn *string `dynamodbav:"execution_arn,omitempty"`
	ImageKey     string  `dynamodbav:"image_key,omitempty"`
	MetadataKey  string  `dynamodbav:"metadata_key,omitempty"`
	ResultsKey   *string `dynamodbav:"results_key,omitempty"`
	ErrorMsg     *string `dynamodbav:"error_msg,omitempty"`
	CreatedAt    int64   `dynamodbav:"created_at,omitempty"`
	UpdatedAt    int64   `dynamodbav:"updated_at,omitempty"`
	FinishedAt   *int64  `dynamodbav:"finished_at,omitempty"`
}

// GetID returns the run ID
func (r Record) GetID() ID {
	if r.ID != "" {
		return r.ID
	}
	return NewID(r.PK, r.SK)
}

// CreateInput holds the fields of a new run
type CreateInput struct {
	StudyID     string
	SK          string // KSUID
	ImageKey    string
	MetadataKey string
}

// DAO provides data access for the study ledger
type DAO struct {
	db    *ddb.DDB
	table *ddb.Table
	now   func() time.Time
}

// New creates a new DAO instance
func New(client *dynamodb.Client, tableName string) *DAO {
	db := ddb.New(client)
	return &DAO{
		db:    db,
		table: db.MustTable(tableName, &Record{}),
		now:   time.Now,
	}
}

// Create stores a PENDING run and points the study's latest record at it
func (d *DAO) Create(ctx context.Context, input CreateInput) (Record, error) {
	if input.StudyID == "" {
		return Record{}, errors.ErrStudyIDRequired
	}

	now := d.now().Unix()
	record := Record{
		PK:          input.StudyID,
		SK:          input.SK,
		StudyID:     input.StudyID,
		Status:      StatusPending,
		ImageKey:    input.ImageKey,
		MetadataKey: input.MetadataKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	put := d.table.Put(&record)
	pointer := d.table.Put(d.pointer(record.GetID(), input.StudyID, StatusPending, now))
	if _, err := d.db.TransactWriteItemsWithContext(ctx, put, pointer); err != nil {
		return Record{}, fmt.Errorf("failed to create study record: %w", err)
	}

	return record, nil
}

func (d *DAO) pointer(id ID, studyID string, status Status, now int64) *Record {
	return &Record{
		PK:        latest,
		SK:        studyID,
		ID:        id,
		StudyID:   studyID,
		Status:    status,
		UpdatedAt: now,
	}
}

// Find retrieves a run by ID
func (d *DAO) Find(ctx context.Context, id ID) (Record, error) {
	studyID, sk, err := ParseID(id)
	if err != nil {
		return Record{}, err
	}

	var record Record
	err = d.table.Get(studyID).
		Range(sk).
		ConsistentRead(true).
		ScanWithContext(ctx, &record)
	if err != nil {
		if isNotFound(err) {
			return Record{}, fmt.Errorf("%w: %s", errors.ErrStudyNotFound, id)
		}
		return Record{}, fmt.Errorf("failed to find study record: %w", err)
	}

	if record.PK == "" && record.SK == "" {
		return Record{}, fmt.Errorf("%w: %s", errors.ErrStudyNotFound, id)
	}

	return record, nil
}

// Delete removes a run. The latest pointer is left in place.
func (d *DAO) Delete(ctx context.Context, id ID) error {
	studyID, sk, err := ParseID(id)
	if err != nil {
		return err
	}

	if err := d.table.Delete(studyID).Range(sk).RunWithContext(ctx); err != nil {
		return fmt.Errorf("failed to delete study record: %w", err)
	}
	return nil
}

// Query returns every run of a study, oldest first
func (d *DAO) Query(ctx context.Context, studyID string) ([]Record, error) {
	var records []Record
	err := d.table.Query("#PK = ?", studyID).
		FindAllWithContext(ctx, &records)
	if err != nil {
		return nil, fmt.Errorf("failed to query study runs: %w", err)
	}
	return records, nil
}

// Latest returns the most recent run of a study
func (d *DAO) Latest(ctx context.Context, studyID string) (Record, error) {
	records, err := d.Query(ctx, studyID)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, fmt.Errorf("%w: %s", errors.ErrStudyNotFound, studyID)
	}

	// KSUIDs sort by creation time
	return slices.MaxFunc(records, func(a, b Record) int {
		return strings.Compare(a.SK, b.SK)
	}), nil
}

// List returns the latest run of every study, most recently updated first
func (d *DAO) List(ctx context.Context) ([]Record, error) {
	var pointers []Record
	if err := d.table.Query("#PK = ?", latest).FindAllWithContext(ctx, &pointers); err != nil {
		return nil, fmt.Errorf("failed to query latest study runs: %w", err)
	}

	slices.SortFunc(pointers, func(a, b Record) int {
		return cmp.Compare(b.UpdatedAt, a.UpdatedAt)
	})

	ids := slicex.Map(pointers, func(r Record) ID { return r.GetID() })
	callback := func(ctx context.Context, id ID) (*Record, error) {
		record, err := d.Find(ctx, id)
		if err != nil {
			// deleted runs leave dangling pointers
			return nil, nil
		}
		return &record, nil
	}
	found, err := slicex.MapConcurrent(callback).
		Concurrency(8).
		CollectErrors().
		DoValues(ctx, ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to load study runs: %w", err)
	}

	records := make([]Record, 0, len(found))
	for _, r := range found {
		if r != nil {
			records = append(records, *r)
		}
	}
	return records, nil
}

func isNotFound(err error) bool {
	s := err.Error()
	return strings.Contains(s, "item not found") || strings.Contains(s, "ItemNotFound")
}

// transition moves a run to status, setting one extra attribute, and
// repoints the study's latest record in the same transaction
func (d *DAO) transition(ctx context.Context, id ID, status Status, expr string, value any) error {
	studyID, sk, err := ParseID(id)
	if err != nil {
		return err
	}

	now := d.now().Unix()
	update := d.table.Update(studyID).
		Range(sk).
		Set("#Status = ?", string(status)).
		Set("#UpdatedAt = ?", now)
	if status.Terminal() {
		update = update.Set("#FinishedAt = ?", now)
	}
	if expr != "" {
		update = update.Set(expr, value)
	}

	put := d.table.Put(d.pointer(id, studyID, status, now))
	if _, err := d.db.TransactWriteItemsWithContext(ctx, update, put); err != nil {
		return fmt.Errorf("failed to mark study run %s %s: %w", id, status, err)
	}
	return nil
}

// StartExecution marks a run RUNNING and records its execution ARN
func (d *DAO) StartExecution(ctx context.Context, id ID, executionArn string) error {
	return d.transition(ctx, id, StatusRunning, "#ExecutionArn = ?", executionArn)
}

// Complete marks a run SUCCEEDED with the key of its stored results
func (d *DAO) Complete(ctx context.Context, id ID, resultsKey string) error {
	return d.transition(ctx, id, StatusSucceeded, "#ResultsKey = ?", resultsKey)
}

// Fail marks a run FAILED
func (d *DAO) Fail(ctx context.Context, id ID, msg string) error {
	return d.transition(ctx, id, StatusFailed, "#ErrorMsg = ?", msg)
}

// CompleteLatest marks the most recent run of a study SUCCEEDED. It serves
// executions started without a run id.
func (d *DAO) CompleteLatest(ctx context.Context, studyID, resultsKey string) error {
	record, err := d.Latest(ctx, studyID)
	if err != nil {
		return err
	}
	return d.Complete(ctx, record.GetID(), resultsKey)
}

// FailLatest marks the most recent run of a study FAILED
func (d *DAO) FailLatest(ctx context.Context, studyID, msg string) error {
	record, err := d.Latest(ctx, studyID)
	if err != nil {
		return err
	}
	return d.Fail(ctx, record.GetID(), msg)
}
