package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/utils"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Config.WithDefaults
const (
	DefaultRegion    = "us-east-1"
	DefaultTritonURL = "http://localhost:8000"
)

// Parameter names relative to the environment path
const (
	ParamRegion          = "region"
	ParamImagesBucket    = "images-bucket"
	ParamResultsBucket   = "results-bucket"
	ParamTelemetryBucket = "telemetry-bucket"
	ParamArtifactsBucket = "artifacts-bucket"
	ParamTelemetryStream = "telemetry-stream-name"
	ParamStateMachineArn = "state-machine-arn"
	ParamStudyTable      = "study-table"
	ParamTritonURL       = "triton-url"
	ParamAlertTopicArn   = "alert-topic-arn"
	ParamInlineTensors   = "inline-tensors"
)

// Config holds all application configuration values
type Config struct {
	Region          string `yaml:"region"`
	ImagesBucket    string `yaml:"images_bucket"`
	ResultsBucket   string `yaml:"results_bucket"`
	TelemetryBucket string `yaml:"telemetry_bucket"`
	// ArtifactsBucket holds preprocessed tensors. It defaults to the
	// account's artifacts bucket unless InlineTensors is set.
	ArtifactsBucket string `yaml:"artifacts_bucket"`
	// InlineTensors passes tensors base64 encoded through the state machine.
	// Only small images fit the 256 KiB state payload limit.
	InlineTensors   bool   `yaml:"inline_tensors"`
	TelemetryStream string `yaml:"telemetry_stream_name"`
	StateMachineArn string `yaml:"state_machine_arn"`
	// StudyTable names the study ledger. Empty disables the ledger.
	StudyTable    string `yaml:"study_table"`
	TritonURL     string `yaml:"triton_url"`
	AlertTopicArn string `yaml:"alert_topic_arn"`
}

// WithDefaults returns a copy of c with empty fields filled in. Bucket names
// are derived from accountID when it is known.
func (c Config) WithDefaults(accountID string) *Config {
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.TelemetryStream == "" {
		c.TelemetryStream = constants.TelemetryStream
	}
	if c.TritonURL == "" {
		c.TritonURL = DefaultTritonURL
	}
	if accountID != "" {
		if c.ImagesBucket == "" {
			c.ImagesBucket = constants.BucketName(constants.BucketImages, accountID)
		}
		if c.ResultsBucket == "" {
			c.ResultsBucket = constants.BucketName(constants.BucketResults, accountID)
		}
		if c.TelemetryBucket == "" {
			c.TelemetryBucket = constants.BucketName(constants.BucketTelemetry, accountID)
		}
		if c.ArtifactsBucket == "" && !c.InlineTensors {
			c.ArtifactsBucket = constants.BucketName(constants.BucketArtifacts, accountID)
		}
	}
	return &c
}

// Parameters returns the non-empty fields keyed by parameter name
func (c *Config) Parameters() map[string]string {
	all := map[string]string{
		ParamRegion:          c.Region,
		ParamImagesBucket:    c.ImagesBucket,
		ParamResultsBucket:   c.ResultsBucket,
		ParamTelemetryBucket: c.TelemetryBucket,
		ParamArtifactsBucket: c.ArtifactsBucket,
		ParamTelemetryStream: c.TelemetryStream,
		ParamStateMachineArn: c.StateMachineArn,
		ParamStudyTable:      c.StudyTable,
		ParamTritonURL:       c.TritonURL,
		ParamAlertTopicArn:   c.AlertTopicArn,
	}
	if c.InlineTensors {
		all[ParamInlineTensors] = "true"
	}
	params := make(map[string]string, len(all))
	for k, v := range all {
		if v != "" {
			params[k] = v
		}
	}
	return params
}

func configFromParameters(params map[string]string) *Config {
	return &Config{
		Region:          params[ParamRegion],
		ImagesBucket:    params[ParamImagesBucket],
		ResultsBucket:   params[ParamResultsBucket],
		TelemetryBucket: params[ParamTelemetryBucket],
		ArtifactsBucket: params[ParamArtifactsBucket],
		TelemetryStream: params[ParamTelemetryStream],
		StateMachineArn: params[ParamStateMachineArn],
		StudyTable:      params[ParamStudyTable],
		TritonURL:       params[ParamTritonURL],
		AlertTopicArn:   params[ParamAlertTopicArn],
		InlineTensors:   params[ParamInlineTensors] == "true",
	}
}

// ParameterStore defines the interface for accessing configuration parameters
type ParameterStore interface {
	// GetParameter retrieves a single parameter by name
	GetParameter(ctx context.Context, name string) (string, error)

	// GetConfig loads all application configuration
	GetConfig(ctx context.Context) (*Config, error)
}

// SSMAPI is the subset of the SSM API used for configuration
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// SSMParameterStore implements ParameterStore using AWS Systems Manager Parameter Store
type SSMParameterStore struct {
	client SSMAPI
	env    string
	mu     sync.RWMutex
	cache  map[string]string
}

// NewSSMParameterStore creates a new SSM-backed parameter store
func NewSSMParameterStore(client SSMAPI, env string) *SSMParameterStore {
	return &SSMParameterStore{
		client: client,
		env:    env,
		cache:  make(map[string]string),
	}
}

// GetParameter retrieves a single parameter from SSM Parameter Store. Names
// without a leading slash are resolved under the environment path.
func (s *SSMParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	if !strings.HasPrefix(name, "/") {
		name = constants.ParameterPath(s.env) + "/" + name
	}

	s.mu.RLock()
	if value, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get parameter %s: %w", name, err)
	}

	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s not found", name)
	}

	value := *result.Parameter.Value

	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()

	return value, nil
}

// GetConfig loads all application configuration from Parameter Store
func (s *SSMParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	path := constants.ParameterPath(s.env)

	params := make(map[string]string)
	paginator := ssm.NewGetParametersByPathPaginator(s.client, &ssm.GetParametersByPathInput{
		Path:           aws.String(path),
		Recursive:      aws.Bool(true),
		WithDecryption: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get parameters by path %s: %w", path, err)
		}
		for _, param := range page.Parameters {
			if param.Name != nil && param.Value != nil {
				params[*param.Name] = *param.Value
			}
		}
	}

	s.mu.Lock()
	for k, v := range params {
		s.cache[k] = v
	}
	s.mu.Unlock()

	relative := make(map[string]string, len(params))
	for k, v := range params {
		relative[strings.TrimPrefix(k, path+"/")] = v
	}

	return configFromParameters(relative), nil
}

// PutParameters writes the non-empty config values under the environment
// path, overwriting existing values. It returns the names written.
func PutParameters(ctx context.Context, client SSMAPI, env string, cfg *Config) ([]string, error) {
	logger := zerolog.Ctx(ctx)
	params := cfg.Parameters()

	var written []string
	for _, key := range utils.SortedKeys(params) {
		name := constants.ParameterPath(env) + "/" + key
		_, err := client.PutParameter(ctx, &ssm.PutParameterInput{
			Name:      aws.String(name),
			Value:     aws.String(params[key]),
			Type:      types.ParameterTypeString,
			Overwrite: aws.Bool(true),
		})
		if err != nil {
			return written, fmt.Errorf("failed to put parameter %s: %w", name, err)
		}
		logger.Info().Str("parameter", name).Msg("wrote parameter")
		written = append(written, name)
	}
	return written, nil
}

// EnvParameterStore implements ParameterStore using environment variables.
// It is used for local development without an AWS connection.
type EnvParameterStore struct {
	lookup func(string) string
}

// NewEnvParameterStore creates a new environment variable-backed parameter store
func NewEnvParameterStore() *EnvParameterStore {
	return &EnvParameterStore{lookup: os.Getenv}
}

// GetParameter returns the environment variable called name
func (e *EnvParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	return e.lookup(name), nil
}

// GetConfig loads all application configuration from environment variables
func (e *EnvParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	return &Config{
		Region:          e.lookup("AWS_REGION"),
		ImagesBucket:    e.lookup("IMAGES_BUCKET"),
		ResultsBucket:   e.lookup("RESULTS_BUCKET"),
		TelemetryBucket: e.lookup("TELEMETRY_BUCKET"),
		ArtifactsBucket: e.lookup("ARTIFACTS_BUCKET"),
		TelemetryStream: e.lookup("TELEMETRY_STREAM_NAME"),
		StateMachineArn: e.lookup("STATE_MACHINE_ARN"),
		StudyTable:      e.lookup("STUDY_TABLE"),
		TritonURL:       e.lookup("TRITON_URL"),
		AlertTopicArn:   e.lookup("ALERT_TOPIC_ARN"),
		InlineTensors:   e.lookup("INLINE_TENSORS") == "true",
	}, nil
}

// FileParameterStore implements ParameterStore using a YAML file
type FileParameterStore struct {
	path string
}

func NewFileParameterStore(path string) *FileParameterStore {
	return &FileParameterStore{path: path}
}

// GetParameter returns a single value by its parameter name, e.g. triton-url
func (f *FileParameterStore) GetParameter(ctx context.Context, name string) (string, error) {
	cfg, err := f.GetConfig(ctx)
	if err != nil {
		return "", err
	}
	value, ok := cfg.Parameters()[name]
	if !ok {
		return "", fmt.Errorf("parameter %s not found in %s", name, f.path)
	}
	return value, nil
}

// GetConfig parses the YAML file
func (f *FileParameterStore) GetConfig(ctx context.Context) (*Config, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", f.path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", f.path, err)
	}
	return &cfg, nil
}
