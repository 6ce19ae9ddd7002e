package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

type setupStep struct {
	name string
	run  func(ctx context.Context) error
}

func setupAllCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "all",
		Usage: "Provision every resource in dependency order",
		Description: `Runs s3, kinesis, glue, ledger, lambda, stepfunctions, eventbridge and params
in that order and stops at the first failing step.`,
		Flags: []cli.Flag{
			distFlag(),
			dryRunFlag(),
			&cli.IntFlag{
				Name:  "shards",
				Usage: "Shard count of the telemetry stream",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Directory the state machine definitions are written to",
				Value: ".",
			},
		},
		Action: func(c *cli.Context) error {
			s, err := newSession(c)
			if err != nil {
				return err
			}

			ctx := c.Context
			dryRun := c.Bool("dry-run")
			steps := []setupStep{
				{name: "s3", run: func(ctx context.Context) error {
					return newS3Handler(s, logger).create(ctx, dryRun)
				}},
				{name: "kinesis", run: func(ctx context.Context) error {
					return newKinesisHandler(s, logger).create(ctx, int32(c.Int("shards")), dryRun)
				}},
				{name: "glue", run: func(ctx context.Context) error {
					return newGlueHandler(s, logger).create(ctx, dryRun)
				}},
				{name: "ledger", run: func(ctx context.Context) error {
					if dryRun {
						fmt.Printf("DRY RUN: Would ensure ledger table %s\n", s.studyTable())
						return nil
					}
					return createLedger(ctx, s)
				}},
				{name: "lambda", run: func(ctx context.Context) error {
					return newLambdaHandler(s, logger).deploy(ctx, c.String("dist"), dryRun)
				}},
				{name: "stepfunctions", run: func(ctx context.Context) error {
					return newStepFunctionsHandler(s, logger).create(ctx, c.String("dir"), false, dryRun)
				}},
				{name: "eventbridge", run: func(ctx context.Context) error {
					return newEventBridgeHandler(s, logger).create(ctx, dryRun)
				}},
				{name: "params", run: func(ctx context.Context) error {
					return writeParams(ctx, s, dryRun)
				}},
			}

			for i, step := range steps {
				fmt.Printf("\n[%d/%d] %s\n", i+1, len(steps), step.name)
				if err := step.run(ctx); err != nil {
					return fmt.Errorf("setup %s failed: %w", step.name, err)
				}
			}

			banner("RadStream Setup Complete!")
			fmt.Printf("Environment:    %s\n", s.env)
			fmt.Printf("Region:         %s\n", s.scope.Region)
			fmt.Printf("Account:        %s\n", s.scope.AccountID)
			fmt.Printf("Images bucket:  %s\n", s.config.ImagesBucket)
			fmt.Printf("State machine:  %s\n", s.config.StateMachineArn)
			fmt.Println()
			fmt.Println("Upload a synthetic study with: radstream upload --num-images 1")
			return nil
		},
	}
}
