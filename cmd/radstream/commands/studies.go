package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/dao/studydao"
	"github.com/urfave/cli/v2"
)

func buildLedger(s *session, _ *zerolog.Logger) *studydao.DAO {
	return s.ledger()
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

// formatRuns renders runs as a fixed-width table
func formatRuns(records []studydao.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-28s %-10s %-20s %s\n", "STUDY", "RUN", "STATUS", "UPDATED", "RESULTS")
	for _, r := range records {
		results := aws.ToString(r.ResultsKey)
		if results == "" {
			results = "-"
		}
		fmt.Fprintf(&b, "%-20s %-28s %-10s %-20s %s\n", r.StudyID, r.SK, r.Status, formatUnix(r.UpdatedAt), results)
	}
	return b.String()
}

// StudiesCommand returns the studies command for reading the study ledger
func StudiesCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "studies",
		Usage: "Inspect pipeline runs recorded in the study ledger",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List the latest run of every study, or every run of one study",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "study",
						Usage: "Only list runs of this study",
					},
				},
				Action: handlerAction(logger, buildLedger, func(ctx context.Context, dao *studydao.DAO, c *cli.Context) error {
					var (
						records []studydao.Record
						err     error
					)
					if study := c.String("study"); study != "" {
						records, err = dao.Query(ctx, study)
					} else {
						records, err = dao.List(ctx)
					}
					if err != nil {
						return err
					}

					if len(records) == 0 {
						fmt.Println("No study runs found")
						return nil
					}
					fmt.Print(formatRuns(records))
					return nil
				}),
			},
			{
				Name:      "show",
				Usage:     "Show the latest run of a study and its history",
				ArgsUsage: "<study-id>",
				Action: handlerAction(logger, buildLedger, func(ctx context.Context, dao *studydao.DAO, c *cli.Context) error {
					studyID := c.Args().First()
					if studyID == "" {
						return fmt.Errorf("a study id is required")
					}

					latest, err := dao.Latest(ctx, studyID)
					if err != nil {
						return err
					}
					fmt.Println(prettyJSON(latest))

					runs, err := dao.Query(ctx, studyID)
					if err != nil {
						return err
					}
					fmt.Printf("\n%d run(s)\n", len(runs))
					fmt.Print(formatRuns(runs))
					return nil
				}),
			},
		},
	}
}
