package commands

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/services"
	"github.com/urfave/cli/v2"
)

func setupLedgerCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "ledger",
		Usage: "Manage the study ledger table",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create the study ledger table",
				Action: func(c *cli.Context) error {
					s, err := newSession(c)
					if err != nil {
						return err
					}
					if err := createLedger(c.Context, s); err != nil {
						return err
					}
					logger.Info().Msgf("Set STUDY_TABLE=%s to enable the ledger", s.studyTable())
					return nil
				},
			},
		},
	}
}

func createLedger(ctx context.Context, s *session) error {
	ledger := services.NewLedgerServiceWithClient(dynamodb.NewFromConfig(s.aws), s.studyTable())
	result, err := ledger.EnsureTable(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("  %s ledger table %s (created=%t)\n", mark(true), result.Name, result.Created)
	return nil
}

func setupParamsCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "params",
		Usage: "Write the resolved configuration to Parameter Store",
		Flags: []cli.Flag{dryRunFlag()},
		Action: func(c *cli.Context) error {
			s, err := newSession(c)
			if err != nil {
				return err
			}
			if err := writeParams(c.Context, s, c.Bool("dry-run")); err != nil {
				logger.Error().Err(err).Msg("failed to write parameters")
				return err
			}
			return nil
		},
	}
}

// paramsConfig is the configuration written back to Parameter Store: the
// resolved config with the ledger table filled in
func paramsConfig(s *session) *services.Config {
	cfg := *s.config
	cfg.StudyTable = s.studyTable()
	return &cfg
}

func writeParams(ctx context.Context, s *session, dryRun bool) error {
	cfg := paramsConfig(s)

	if dryRun {
		fmt.Printf("DRY RUN: Would write parameters for %s:\n%s\n", s.env, prettyJSON(cfg.Parameters()))
		return nil
	}

	written, err := services.PutParameters(ctx, ssm.NewFromConfig(s.aws), s.env, cfg)
	for _, name := range written {
		fmt.Printf("  %s %s\n", mark(true), name)
	}
	if err != nil {
		return err
	}
	fmt.Printf("\n%d parameters written\n", len(written))
	return nil
}
