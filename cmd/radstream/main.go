package main

import (
	"context"
	"os"

	"github.com/savaki/radstream/cmd/radstream/commands"
	"github.com/savaki/radstream/internal/di"
	"github.com/urfave/cli/v2"
)

func main() {
	logger := di.ProvideLogger()
	ctx := logger.WithContext(context.Background())

	app := &cli.App{
		Name:  "radstream",
		Usage: "RadStream imaging pipeline operations toolkit",
		Description: `Provision, exercise and measure the RadStream serverless imaging pipeline.

This tool provides commands for:
  - Creating the buckets, streams, functions and state machines of the pipeline
  - Uploading synthetic studies and running load tests
  - Benchmarking end-to-end latency and checking inference server health`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "region",
				Usage:   "AWS region",
				Value:   "us-east-1",
				EnvVars: []string{"AWS_REGION"},
			},
			&cli.StringFlag{
				Name:    "env",
				Usage:   "Environment name, selects the Parameter Store path",
				Value:   "dev",
				EnvVars: []string{"ENV"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML configuration file, replaces Parameter Store",
				EnvVars: []string{"RADSTREAM_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			commands.SetupCommand(&logger),
			commands.UploadCommand(&logger),
			commands.MetadataCommand(&logger),
			commands.ValidateCommand(&logger),
			commands.PreprocessCommand(&logger),
			commands.BenchmarkCommand(&logger),
			commands.HealthCommand(&logger),
			commands.E2ECommand(&logger),
			commands.TelemetryCommand(&logger),
			commands.StudiesCommand(&logger),
			commands.PrereqsCommand(&logger),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
