package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/dao/studydao"
	radstreamerrors "github.com/savaki/radstream/internal/errors"
	"github.com/savaki/radstream/internal/models"
	"github.com/savaki/radstream/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type putCall struct {
	bucket      string
	key         string
	data        []byte
	contentType string
}

type mockStore struct {
	calls []putCall
	err   error
}

func (m *mockStore) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, putCall{bucket: bucket, key: key, data: data, contentType: contentType})
	return nil
}

type mockEmitter struct {
	events []telemetry.Event
}

func (m *mockEmitter) Emit(ctx context.Context, e telemetry.Event) {
	m.events = append(m.events, e)
}

type mockLedger struct {
	id         studydao.ID
	studyID    string
	resultsKey string
	err        error
}

func (m *mockLedger) Complete(ctx context.Context, id studydao.ID, resultsKey string) error {
	m.id, m.resultsKey = id, resultsKey
	return m.err
}

func (m *mockLedger) CompleteLatest(ctx context.Context, studyID, resultsKey string) error {
	m.studyID, m.resultsKey = studyID, resultsKey
	return m.err
}

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

var fixedNow = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func testState() *models.State {
	return &models.State{
		StepFunctionInput: models.StepFunctionInput{Bucket: "images", Key: "images/TEST-001/TEST-001.json"},
		Validation: &models.Validation{
			Valid:    true,
			StudyID:  "TEST-001",
			Metadata: map[string]any{"study_id": "TEST-001", "view": "PA"},
		},
		Inference: map[string]any{
			"predictions":   []any{map[string]any{"class": "normal", "confidence": 0.95}},
			"model_version": "1.0.0",
		},
	}
}

func TestResultsKey(t *testing.T) {
	assert.Equal(t, "results/TEST-001/2024/01/15/TEST-001_results.json", ResultsKey("TEST-001", fixedNow))
}

func TestHandleStoreResults(t *testing.T) {
	store := &mockStore{}
	emitter := &mockEmitter{}
	ledger := &mockLedger{}
	h := &Handler{
		store:         store,
		telemetry:     emitter,
		ledger:        ledger,
		resultsBucket: "radstream-results-123",
		now:           func() time.Time { return fixedNow },
	}

	out, err := h.HandleStoreResults(testContext(), testState())
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, &models.ResultsLocation{
		Bucket:  "radstream-results-123",
		Key:     "results/TEST-001/2024/01/15/TEST-001_results.json",
		StudyID: "TEST-001",
	}, out.Results)

	require.Len(t, store.calls, 1)
	call := store.calls[0]
	assert.Equal(t, "application/json", call.contentType)

	var doc Results
	require.NoError(t, json.Unmarshal(call.data, &doc))
	assert.Equal(t, "TEST-001", doc.StudyID)
	assert.Equal(t, "1.0.0", doc.PipelineVersion)
	assert.Equal(t, "1.0.0", doc.InferenceResults["model_version"])
	assert.Equal(t, "PA", doc.Metadata["view"])

	assert.Equal(t, "TEST-001", ledger.studyID)
	assert.Empty(t, ledger.id)
	assert.Equal(t, call.key, ledger.resultsKey)

	require.Len(t, emitter.events, 1)
	assert.Equal(t, telemetry.StatusSuccess, emitter.events[0].Status)
	assert.Equal(t, call.key, emitter.events[0].Details["results_key"])
}

func TestHandleStoreResults_CompletesRecordedRun(t *testing.T) {
	ledger := &mockLedger{}
	h := &Handler{
		store:         &mockStore{},
		telemetry:     &mockEmitter{},
		ledger:        ledger,
		resultsBucket: "results",
		now:           func() time.Time { return fixedNow },
	}

	// the ledger is keyed by the upload directory, not the sidecar's study id
	state := testState()
	state.StudyID = "UPLOAD-DIR"
	state.RunID = "2HFj3kLmNoPqRsTuVwXy"

	_, err := h.HandleStoreResults(testContext(), state)
	require.NoError(t, err)
	assert.Equal(t, studydao.NewID("UPLOAD-DIR", "2HFj3kLmNoPqRsTuVwXy"), ledger.id)
	assert.Empty(t, ledger.studyID)
	assert.Equal(t, "results/TEST-001/2024/01/15/TEST-001_results.json", ledger.resultsKey)
}

func TestHandleStoreResults_LedgerFailureIsNotFatal(t *testing.T) {
	h := &Handler{
		store:         &mockStore{},
		telemetry:     &mockEmitter{},
		ledger:        &mockLedger{err: radstreamerrors.ErrStudyNotFound},
		resultsBucket: "results",
		now:           time.Now,
	}

	out, err := h.HandleStoreResults(testContext(), testState())
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestHandleStoreResults_Errors(t *testing.T) {
	t.Run("no results bucket", func(t *testing.T) {
		h := &Handler{store: &mockStore{}, telemetry: &mockEmitter{}, now: time.Now}
		_, err := h.HandleStoreResults(testContext(), testState())
		assert.ErrorIs(t, err, radstreamerrors.ErrResultsBucketRequired)
	})

	t.Run("upload fails", func(t *testing.T) {
		emitter := &mockEmitter{}
		h := &Handler{
			store:         &mockStore{err: errors.New("AccessDenied")},
			telemetry:     emitter,
			resultsBucket: "results",
			now:           time.Now,
		}
		_, err := h.HandleStoreResults(testContext(), testState())
		assert.ErrorIs(t, err, radstreamerrors.ErrResultsUpload)
		require.Len(t, emitter.events, 1)
		assert.Equal(t, telemetry.CodeStorage, emitter.events[0].ErrorCode)
	})

	t.Run("missing inference is stored empty", func(t *testing.T) {
		store := &mockStore{}
		h := &Handler{store: store, telemetry: &mockEmitter{}, resultsBucket: "results", now: time.Now}
		state := testState()
		state.Inference = nil

		_, err := h.HandleStoreResults(testContext(), state)
		require.NoError(t, err)
		assert.Contains(t, string(store.calls[0].data), `"inference_results": {}`)
	})
}
