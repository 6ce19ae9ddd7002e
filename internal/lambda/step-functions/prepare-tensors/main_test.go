package main

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/constants"
	radstreamerrors "github.com/savaki/radstream/internal/errors"
	"github.com/savaki/radstream/internal/fixtures"
	"github.com/savaki/radstream/internal/models"
	"github.com/savaki/radstream/internal/services"
	"github.com/savaki/radstream/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	objects map[string][]byte
	putErr  error
}

func (m *mockStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return data, nil
}

func (m *mockStore) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[bucket+"/"+key] = data
	return nil
}

type mockEmitter struct {
	events []telemetry.Event
}

func (m *mockEmitter) Emit(ctx context.Context, e telemetry.Event) {
	m.events = append(m.events, e)
}

func testContext() context.Context {
	logger := zerolog.New(io.Discard)
	return logger.WithContext(context.Background())
}

func newState(t *testing.T, studyID string) (*models.State, *mockStore) {
	t.Helper()

	study, err := fixtures.NewStudy(studyID, fixtures.ChestXRay, time.Now())
	require.NoError(t, err)

	store := &mockStore{objects: map[string][]byte{"images/" + study.ImageKey: study.Image}}
	state := &models.State{
		StepFunctionInput: models.StepFunctionInput{
			Bucket: "images",
			Key:    study.MetadataKey,
		},
		Validation: &models.Validation{
			Valid:    true,
			StudyID:  studyID,
			ImageKey: study.ImageKey,
			Metadata: map[string]any{
				"study_id":  studyID,
				"modality":  "X-RAY",
				"body_part": "CHEST",
			},
		},
	}
	return state, store
}

func TestTensorKey(t *testing.T) {
	assert.Equal(t, "tensors/TEST-1/TEST-1.bin", TensorKey("TEST-1"))
}

func TestHandlePrepareTensors_Inline(t *testing.T) {
	state, store := newState(t, "TEST-000001")
	emitter := &mockEmitter{}
	h := &Handler{store: store, telemetry: emitter, now: time.Now}

	out, err := h.HandlePrepareTensors(testContext(), state)
	require.NoError(t, err)
	require.True(t, out.Success)

	data := out.PreprocessedData
	require.NotNil(t, data)
	assert.Equal(t, "TEST-000001", data.StudyID)
	assert.Equal(t, "images/TEST-000001/TEST-000001.jpg", data.OriginalKey)
	assert.Equal(t, []int{1, 3, constants.TensorSize, constants.TensorSize}, data.ImageShape)
	assert.Empty(t, data.PreprocessedImageURI)
	assert.True(t, data.NormalizationParams.Windowed)
	require.NotNil(t, data.NormalizationParams.Window)
	assert.Equal(t, 1500.0, *data.NormalizationParams.Window)
	assert.GreaterOrEqual(t, data.NormalizationParams.Min, 0.0)
	assert.LessOrEqual(t, data.NormalizationParams.Max, 1.0)

	raw, err := base64.StdEncoding.DecodeString(data.PreprocessedImage)
	require.NoError(t, err)
	assert.Len(t, raw, 4*3*constants.TensorSize*constants.TensorSize)

	require.Len(t, emitter.events, 1)
	assert.Equal(t, telemetry.StatusSuccess, emitter.events[0].Status)
}

func TestHandlePrepareTensors_Artifacts(t *testing.T) {
	state, store := newState(t, "TEST-000002")
	h := &Handler{store: store, telemetry: &mockEmitter{}, artifactsBucket: "artifacts", now: time.Now}

	out, err := h.HandlePrepareTensors(testContext(), state)
	require.NoError(t, err)

	data := out.PreprocessedData
	assert.Empty(t, data.PreprocessedImage)
	assert.Equal(t, "s3://artifacts/tensors/TEST-000002/TEST-000002.bin", data.PreprocessedImageURI)
	assert.Len(t, store.objects["artifacts/tensors/TEST-000002/TEST-000002.bin"], 4*3*constants.TensorSize*constants.TensorSize)
}

func TestHandlePrepareTensors_Errors(t *testing.T) {
	t.Run("missing image", func(t *testing.T) {
		state, _ := newState(t, "TEST-000003")
		emitter := &mockEmitter{}
		h := &Handler{store: &mockStore{objects: map[string][]byte{}}, telemetry: emitter, now: time.Now}

		_, err := h.HandlePrepareTensors(testContext(), state)
		assert.ErrorIs(t, err, radstreamerrors.ErrImageDownload)
		require.Len(t, emitter.events, 1)
		assert.Equal(t, telemetry.CodeDownload, emitter.events[0].ErrorCode)
	})

	t.Run("not an image", func(t *testing.T) {
		state, store := newState(t, "TEST-000004")
		store.objects["images/"+state.Validation.ImageKey] = []byte("not an image")
		h := &Handler{store: store, telemetry: &mockEmitter{}, now: time.Now}

		_, err := h.HandlePrepareTensors(testContext(), state)
		assert.ErrorIs(t, err, radstreamerrors.ErrImageDecode)
	})

	t.Run("tensor upload fails", func(t *testing.T) {
		state, store := newState(t, "TEST-000005")
		store.putErr = errors.New("AccessDenied")
		h := &Handler{store: store, telemetry: &mockEmitter{}, artifactsBucket: "artifacts", now: time.Now}

		_, err := h.HandlePrepareTensors(testContext(), state)
		assert.ErrorContains(t, err, "failed to store tensor")
	})
}

func TestNewHandler_ArtifactsBucketDefault(t *testing.T) {
	h := NewHandler(nil, nil, services.Config{}.WithDefaults("123456789012"))
	assert.Equal(t, "radstream-artifacts-123456789012", h.artifactsBucket)

	inline := NewHandler(nil, nil, services.Config{InlineTensors: true}.WithDefaults("123456789012"))
	assert.Empty(t, inline.artifactsBucket)
}
