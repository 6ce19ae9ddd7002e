package di

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	radstreamerrors "github.com/savaki/radstream/internal/errors"
	"github.com/savaki/radstream/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/dig"
)

type Uploader struct {
	Bucket string
}

type Handler struct {
	Uploader *Uploader
	Env      string
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		opts    []Option
		wantErr bool
	}{
		{
			name: "creates container with no options",
			env:  "dev",
		},
		{
			name: "creates container with providers",
			env:  "prod",
			opts: []Option{
				WithProviders(
					func() *Uploader { return &Uploader{Bucket: "radstream-images"} },
					func(u *Uploader, env string) *Handler { return &Handler{Uploader: u, Env: env} },
				),
			},
		},
		{
			name: "duplicate provider",
			env:  "dev",
			opts: []Option{
				WithProviders(
					func() *Uploader { return &Uploader{} },
					func() *Uploader { return &Uploader{} },
				),
			},
			wantErr: true,
		},
		{
			name: "provider collides with core",
			env:  "dev",
			opts: []Option{
				WithProviders(func() *services.Config { return &services.Config{} }),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			container, err := New(tt.env, tt.opts...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, container)
		})
	}
}

func TestMustGet(t *testing.T) {
	t.Run("resolves nested dependencies", func(t *testing.T) {
		container, err := New("staging",
			WithProviders(func() *Uploader { return &Uploader{Bucket: "b"} }),
			WithProviders(func(u *Uploader, env string) *Handler { return &Handler{Uploader: u, Env: env} }),
		)
		require.NoError(t, err)

		h := MustGet[*Handler](container)
		assert.Equal(t, "b", h.Uploader.Bucket)
		assert.Equal(t, "staging", h.Env)
	})

	t.Run("panics when dependency not found", func(t *testing.T) {
		container, err := New("dev")
		require.NoError(t, err)

		assert.Panics(t, func() {
			_ = MustGet[*Uploader](container)
		})
	})

	t.Run("panics when provider fails", func(t *testing.T) {
		container, err := New("dev", WithProviders(func() (*Uploader, error) {
			return nil, errors.New("boom")
		}))
		require.NoError(t, err)

		assert.Panics(t, func() {
			_ = MustGet[*Uploader](container)
		})
	})
}

func TestOptions(t *testing.T) {
	container, err := New("dev", WithRegion("eu-west-1"), WithConfigFile("/tmp/radstream.yaml"))
	require.NoError(t, err)

	assert.Equal(t, Region("eu-west-1"), MustGet[Region](container))
	assert.Equal(t, ConfigFile("/tmp/radstream.yaml"), MustGet[ConfigFile](container))
	assert.Equal(t, "dev", MustGet[string](container))
}

func TestContainer_Interface(t *testing.T) {
	var _ Container = (*dig.Container)(nil)
}

func TestProvideContext(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := ProvideContext(logger)
	zerolog.Ctx(ctx).Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, logLevel(in), in)
	}
}

type staticStore struct {
	cfg *services.Config
}

func (s staticStore) GetParameter(ctx context.Context, name string) (string, error) {
	return "", nil
}

func (s staticStore) GetConfig(ctx context.Context) (*services.Config, error) {
	return s.cfg, nil
}

func TestProvideParameterStore(t *testing.T) {
	t.Setenv("RADSTREAM_CONFIG", "")
	ctx := context.Background()

	assert.IsType(t, &services.FileParameterStore{}, ProvideParameterStore(ctx, nil, "dev", "radstream.yaml"))
	assert.IsType(t, &services.EnvParameterStore{}, ProvideParameterStore(ctx, nil, "dev", ""))

	t.Setenv("RADSTREAM_CONFIG", "from-env.yaml")
	assert.IsType(t, &services.FileParameterStore{}, ProvideParameterStore(ctx, nil, "dev", ""))
}

func TestProvideAppConfig(t *testing.T) {
	cfg, err := ProvideAppConfig(context.Background(), staticStore{cfg: &services.Config{StudyTable: "dev-radstream-studies"}})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, "radstream-telemetry", cfg.TelemetryStream)
	assert.Equal(t, "dev-radstream-studies", cfg.StudyTable)
}

func TestProvideOrchestrator(t *testing.T) {
	_, err := ProvideOrchestrator(nil, &services.Config{}, nil)
	assert.ErrorIs(t, err, radstreamerrors.ErrStateMachineARNRequired)

	o, err := ProvideOrchestrator(nil, &services.Config{StateMachineArn: "arn:aws:states:us-east-1:123456789012:stateMachine:radstream-pipeline"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, o)
}

func TestProvideStudyDAO_Disabled(t *testing.T) {
	assert.Nil(t, ProvideStudyDAO(context.Background(), nil, &services.Config{}))
}

func TestCore_ConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "radstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte("images_bucket: local-images\nstate_machine_arn: arn:aws:states:us-east-1:123456789012:stateMachine:radstream-pipeline\n"), 0644))

	container, err := New("dev", WithRegion("us-east-1"), WithConfigFile(path))
	require.NoError(t, err)

	cfg := MustGet[*services.Config](container)
	assert.Equal(t, "local-images", cfg.ImagesBucket)
	assert.Equal(t, "radstream-telemetry", cfg.TelemetryStream)
}
