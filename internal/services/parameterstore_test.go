package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSSM struct {
	SSMAPI

	params map[string]string
	gets   int
}

func (m *mockSSM) GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	m.gets++
	value, ok := m.params[aws.ToString(params.Name)]
	if !ok {
		return nil, &types.ParameterNotFound{Message: aws.String("missing")}
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: params.Name, Value: aws.String(value)}}, nil
}

func (m *mockSSM) GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error) {
	var out []types.Parameter
	for k, v := range m.params {
		out = append(out, types.Parameter{Name: aws.String(k), Value: aws.String(v)})
	}
	return &ssm.GetParametersByPathOutput{Parameters: out}, nil
}

func (m *mockSSM) PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	if !aws.ToBool(params.Overwrite) {
		return nil, &types.ParameterAlreadyExists{Message: aws.String("exists")}
	}
	m.params[aws.ToString(params.Name)] = aws.ToString(params.Value)
	return &ssm.PutParameterOutput{}, nil
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{ResultsBucket: "custom-results"}.WithDefaults("123456789012")

	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, "radstream-images-123456789012", cfg.ImagesBucket)
	assert.Equal(t, "custom-results", cfg.ResultsBucket)
	assert.Equal(t, "radstream-telemetry-123456789012", cfg.TelemetryBucket)
	assert.Equal(t, "radstream-telemetry", cfg.TelemetryStream)
	assert.Equal(t, "http://localhost:8000", cfg.TritonURL)
	assert.Equal(t, "radstream-artifacts-123456789012", cfg.ArtifactsBucket)
	assert.Empty(t, cfg.StudyTable)

	unknown := Config{}.WithDefaults("")
	assert.Empty(t, unknown.ImagesBucket)
	assert.Empty(t, unknown.ArtifactsBucket)
}

func TestConfigWithDefaults_InlineTensors(t *testing.T) {
	cfg := Config{InlineTensors: true}.WithDefaults("123456789012")
	assert.Empty(t, cfg.ArtifactsBucket)
	assert.Equal(t, "true", cfg.Parameters()[ParamInlineTensors])

	functions := DefaultFunctions(policy.Scope{Region: "us-east-1", AccountID: "123456789012"}, FunctionEnv{
		ArtifactsBucket: Config{}.WithDefaults("123456789012").ArtifactsBucket,
	})
	for _, fn := range functions {
		if fn.Name == constants.FunctionPrepareTensors {
			assert.Equal(t, "radstream-artifacts-123456789012", fn.Environment["ARTIFACTS_BUCKET"])
		}
	}
}

func TestSSMParameterStore(t *testing.T) {
	ctx := context.Background()
	client := &mockSSM{params: map[string]string{}}

	cfg := &Config{
		Region:          "us-west-2",
		ImagesBucket:    "images",
		StateMachineArn: "arn:aws:states:us-west-2:123456789012:stateMachine:radstream-pipeline",
	}
	written, err := PutParameters(ctx, client, "dev", cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/dev/radstream/images-bucket",
		"/dev/radstream/region",
		"/dev/radstream/state-machine-arn",
	}, written)

	store := NewSSMParameterStore(client, "dev")
	got, err := store.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	value, err := store.GetParameter(ctx, ParamRegion)
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", value)
	assert.Equal(t, 0, client.gets, "GetConfig should have populated the cache")

	_, err = store.GetParameter(ctx, "/dev/radstream/missing")
	assert.Error(t, err)
}

func TestEnvParameterStore(t *testing.T) {
	env := map[string]string{
		"IMAGES_BUCKET":    "img",
		"ARTIFACTS_BUCKET": "art",
		"STUDY_TABLE":      "dev-radstream-studies",
		"TRITON_URL":       "http://triton:8000",
	}
	store := &EnvParameterStore{lookup: func(k string) string { return env[k] }}

	cfg, err := store.GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Config{
		ImagesBucket:    "img",
		ArtifactsBucket: "art",
		StudyTable:      "dev-radstream-studies",
		TritonURL:       "http://triton:8000",
	}, cfg)
}

func TestFileParameterStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "radstream.yaml")
	content := "region: eu-west-1\nimages_bucket: my-images\ntriton_url: http://gpu:8000\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	store := NewFileParameterStore(path)
	cfg, err := store.GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, "my-images", cfg.ImagesBucket)

	value, err := store.GetParameter(context.Background(), ParamTritonURL)
	require.NoError(t, err)
	assert.Equal(t, "http://gpu:8000", value)

	_, err = store.GetParameter(context.Background(), ParamAlertTopicArn)
	assert.Error(t, err)
}
