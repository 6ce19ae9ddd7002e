package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/services"
	"github.com/savaki/radstream/internal/telemetry"
	"github.com/urfave/cli/v2"
)

// TelemetryCommand returns the telemetry command for exercising the telemetry stream
func TelemetryCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "telemetry",
		Usage: "Inspect and exercise the telemetry stream",
		Subcommands: []*cli.Command{
			{
				Name:  "send",
				Usage: "Send a sample lifecycle of stage events for a study",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "study",
						Usage: "Study id the events are recorded under",
					},
					&cli.BoolFlag{
						Name:  "batch",
						Usage: "Send all events in one PutRecords call",
						Value: true,
					},
				},
				Action: handlerAction(logger, buildProducer, func(ctx context.Context, p *telemetry.Producer, c *cli.Context) error {
					studyID := c.String("study")
					if studyID == "" {
						studyID = fmt.Sprintf("TEST-%d", time.Now().Unix())
					}
					events := telemetry.StageEvents(studyID)

					if err := p.VerifyActive(ctx); err != nil {
						return err
					}

					if c.Bool("batch") {
						result, err := p.SendBatch(ctx, events)
						if err != nil {
							return err
						}
						fmt.Printf("%s sent %d/%d events for %s\n", mark(result.FailedCount == 0), result.SuccessfulCount, len(events), studyID)
						for _, f := range result.FailedRecords {
							fmt.Printf("  ✗ %d %s: %s\n", f.Index, f.ErrorCode, f.ErrorMessage)
						}
						if result.FailedCount > 0 {
							return fmt.Errorf("%d telemetry records rejected", result.FailedCount)
						}
						return nil
					}

					for _, e := range events {
						result, err := p.Send(ctx, e)
						if err != nil {
							return err
						}
						fmt.Printf("✓ %-20s shard=%s seq=%s\n", e.Stage, result.ShardID, result.SequenceNumber)
					}
					return nil
				}),
			},
			{
				Name:  "info",
				Usage: "Describe the telemetry stream",
				Action: handlerAction(logger, buildStreams, func(ctx context.Context, h *streamsHandler, c *cli.Context) error {
					info, err := h.streams.StreamInfo(ctx, h.stream)
					if err != nil {
						return err
					}
					fmt.Println(prettyJSON(info))
					return nil
				}),
			},
			{
				Name:  "shards",
				Usage: "List the shards of the telemetry stream",
				Action: handlerAction(logger, buildStreams, func(ctx context.Context, h *streamsHandler, c *cli.Context) error {
					shards, err := h.streams.ListShards(ctx, h.stream)
					if err != nil {
						return err
					}
					fmt.Printf("%d shards in %s\n", len(shards), h.stream)
					for _, shard := range shards {
						fmt.Printf("  %s [%s, %s]\n", shard.ID, shard.StartingHashKey, shard.EndingHashKey)
					}
					return nil
				}),
			},
		},
	}
}

type streamsHandler struct {
	streams *services.StreamService
	stream  string
}

func buildProducer(s *session, _ *zerolog.Logger) *telemetry.Producer {
	return s.producer()
}

func buildStreams(s *session, _ *zerolog.Logger) *streamsHandler {
	return &streamsHandler{
		streams: services.NewStreamService(s.aws),
		stream:  s.config.TelemetryStream,
	}
}
