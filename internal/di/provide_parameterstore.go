package di

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/services"
)

// ProvideSSMClient provides an SSM client for Parameter Store access.
// Returns nil if SSM is disabled (for local development) or when running
// inside Lambda, where functions are configured through their environment.
func ProvideSSMClient(awsConfig aws.Config) *ssm.Client {
	if os.Getenv("DISABLE_SSM") == "true" || os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		return nil
	}

	return ssm.NewFromConfig(awsConfig)
}

// ProvideParameterStore provides a ParameterStore implementation. A config
// file wins, then SSM Parameter Store, then environment variables.
func ProvideParameterStore(ctx context.Context, ssmClient *ssm.Client, env string, configFile ConfigFile) services.ParameterStore {
	logger := zerolog.Ctx(ctx)

	if configFile == "" {
		configFile = ConfigFile(os.Getenv("RADSTREAM_CONFIG"))
	}

	switch {
	case configFile != "":
		logger.Debug().Str("path", string(configFile)).Msg("Using config file for configuration")
		return services.NewFileParameterStore(string(configFile))

	case ssmClient == nil:
		logger.Debug().Msg("Using environment variables for configuration")
		return services.NewEnvParameterStore()

	default:
		logger.Debug().Msg("Using AWS Systems Manager Parameter Store for configuration")
		return services.NewSSMParameterStore(ssmClient, env)
	}
}

// ProvideAppConfig loads application configuration and fills in defaults
func ProvideAppConfig(ctx context.Context, store services.ParameterStore) (*services.Config, error) {
	logger := zerolog.Ctx(ctx)

	config, err := store.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	config = config.WithDefaults("")

	logger.Debug().
		Str("region", config.Region).
		Str("telemetry_stream", config.TelemetryStream).
		Bool("ledger", config.StudyTable != "").
		Bool("inline_tensors", config.ArtifactsBucket == "").
		Msg("Configuration loaded successfully")

	return config, nil
}
