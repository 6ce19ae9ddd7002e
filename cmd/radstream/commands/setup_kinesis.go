package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/services"
	"github.com/urfave/cli/v2"
)

type kinesisHandler struct {
	session *session
	streams *services.StreamService
	logs    *services.LogService
	logger  *zerolog.Logger
}

func newKinesisHandler(s *session, logger *zerolog.Logger) *kinesisHandler {
	return &kinesisHandler{
		session: s,
		streams: services.NewStreamService(s.aws),
		logs:    services.NewLogService(s.aws),
		logger:  logger,
	}
}

func setupKinesisCommand(logger *zerolog.Logger) *cli.Command {
	action := func(fn func(ctx context.Context, h *kinesisHandler, c *cli.Context) error) cli.ActionFunc {
		return handlerAction(logger, newKinesisHandler, fn)
	}

	return &cli.Command{
		Name:  "kinesis",
		Usage: "Manage the telemetry stream and its Firehose delivery stream",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create the telemetry stream, delivery role and delivery stream",
				Flags: []cli.Flag{
					dryRunFlag(),
					&cli.IntFlag{
						Name:  "shards",
						Usage: "Shard count of the telemetry stream",
						Value: 1,
					},
				},
				Action: action(func(ctx context.Context, h *kinesisHandler, c *cli.Context) error {
					return h.create(ctx, int32(c.Int("shards")), c.Bool("dry-run"))
				}),
			},
			{
				Name:  "list",
				Usage: "List RadStream streams and delivery streams",
				Action: action(func(ctx context.Context, h *kinesisHandler, c *cli.Context) error {
					return h.list(ctx)
				}),
			},
			{
				Name:  "cleanup",
				Usage: "Delete the delivery streams, then the streams",
				Flags: []cli.Flag{confirmFlag()},
				Action: action(func(ctx context.Context, h *kinesisHandler, c *cli.Context) error {
					if err := requireConfirm(c); err != nil {
						return err
					}
					deleted, err := h.streams.Cleanup(ctx, constants.Prefix)
					if deleted != nil {
						fmt.Printf("%d delivery streams and %d streams deleted\n", len(deleted.DeliveryStreams), len(deleted.Streams))
					}
					return err
				}),
			},
		},
	}
}

func (h *kinesisHandler) create(ctx context.Context, shards int32, dryRun bool) error {
	delivery := services.TelemetryDeliveryStream(h.session.scope)
	stream := h.session.config.TelemetryStream

	if dryRun {
		fmt.Printf("DRY RUN: Would ensure stream %s with %d shards\n", stream, shards)
		fmt.Printf("DRY RUN: Would ensure delivery stream:\n%s\n", prettyJSON(delivery))
		return ensureRoles(ctx, h.session, []services.RoleSpec{services.FirehoseRole(h.session.scope)}, true)
	}

	fmt.Println("Setting up Kinesis...")
	result, err := h.streams.EnsureStream(ctx, stream, shards)
	if err != nil {
		return err
	}
	fmt.Printf("  %s stream %s (created=%t)\n", mark(true), result.Name, result.Created)

	if err := ensureRoles(ctx, h.session, []services.RoleSpec{services.FirehoseRole(h.session.scope)}, false); err != nil {
		return err
	}

	group := constants.FirehoseLogGroup(delivery.Name)
	if _, err := h.logs.EnsureLogGroup(ctx, group, 14); err != nil {
		h.logger.Warn().Err(err).Str("log_group", group).Msg("failed to ensure delivery log group")
	}

	result, err = h.streams.EnsureDeliveryStream(ctx, delivery)
	if err != nil {
		return err
	}
	fmt.Printf("  %s delivery stream %s (created=%t)\n", mark(true), result.Name, result.Created)
	return nil
}

func (h *kinesisHandler) list(ctx context.Context) error {
	listing, err := h.streams.List(ctx, constants.Prefix)
	if err != nil {
		return err
	}

	fmt.Printf("Streams (%d):\n", len(listing.Streams))
	for _, name := range listing.Streams {
		info, err := h.streams.StreamInfo(ctx, name)
		if err != nil {
			fmt.Printf("  %s: %v\n", name, err)
			continue
		}
		fmt.Printf("  %-28s %-8s shards=%d retention=%dh\n", info.Name, info.Status, info.OpenShards, info.RetentionHours)
	}

	fmt.Printf("Delivery streams (%d):\n", len(listing.DeliveryStreams))
	for _, name := range listing.DeliveryStreams {
		fmt.Printf("  %s\n", name)
	}
	return nil
}
