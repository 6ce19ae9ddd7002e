package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/services"
	"github.com/urfave/cli/v2"
)

type s3Handler struct {
	session *session
	buckets *services.BucketService
	logger  *zerolog.Logger
}

func newS3Handler(s *session, logger *zerolog.Logger) *s3Handler {
	return &s3Handler{
		session: s,
		buckets: services.NewBucketService(s.aws),
		logger:  logger,
	}
}

func setupS3Command(logger *zerolog.Logger) *cli.Command {
	action := func(fn func(ctx context.Context, h *s3Handler, c *cli.Context) error) cli.ActionFunc {
		return handlerAction(logger, newS3Handler, fn)
	}

	return &cli.Command{
		Name:  "s3",
		Usage: "Manage the images, results, telemetry and artifacts buckets",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create buckets with versioning, encryption, lifecycle and CORS",
				Flags: []cli.Flag{dryRunFlag()},
				Action: action(func(ctx context.Context, h *s3Handler, c *cli.Context) error {
					return h.create(ctx, c.Bool("dry-run"))
				}),
			},
			{
				Name:  "list",
				Usage: "List RadStream buckets",
				Action: action(func(ctx context.Context, h *s3Handler, c *cli.Context) error {
					return h.list(ctx)
				}),
			},
			{
				Name:  "cleanup",
				Usage: "Empty and delete every RadStream bucket",
				Flags: []cli.Flag{confirmFlag()},
				Action: action(func(ctx context.Context, h *s3Handler, c *cli.Context) error {
					if err := requireConfirm(c); err != nil {
						return err
					}
					return h.cleanup(ctx)
				}),
			},
		},
	}
}

func (h *s3Handler) create(ctx context.Context, dryRun bool) error {
	specs := services.DefaultBuckets(h.session.scope.AccountID)

	if dryRun {
		fmt.Printf("DRY RUN: Would ensure %d buckets in %s:\n", len(specs), h.session.scope.Region)
		for _, spec := range specs {
			fmt.Printf("Bucket: %s\n%s\n", spec.Name, prettyJSON(spec))
		}
		return nil
	}

	fmt.Printf("Setting up S3 buckets in %s...\n", h.session.scope.Region)

	var configured int
	for _, spec := range specs {
		result, err := h.buckets.EnsureBucket(ctx, spec)
		if err != nil {
			h.logger.Error().Err(err).Str("bucket", spec.Name).Msg("failed to configure bucket")
			fmt.Printf("  %s %s: %v\n", mark(false), spec.Name, err)
			continue
		}

		configured++
		status := "exists"
		if result.Created {
			status = "created"
		}
		fmt.Printf("  %s %s (%s)\n", mark(true), result.Name, status)
		for _, warning := range result.Warnings {
			fmt.Printf("    warning: %s\n", warning)
		}
	}

	images := constants.BucketName(constants.BucketImages, h.session.scope.AccountID)
	if err := h.buckets.EnableEventBridge(ctx, images); err != nil {
		h.logger.Warn().Err(err).Str("bucket", images).Msg("failed to enable EventBridge notifications")
	} else {
		fmt.Printf("  %s EventBridge notifications enabled on %s\n", mark(true), images)
	}

	fmt.Printf("\n%d/%d buckets configured\n", configured, len(specs))
	if configured != len(specs) {
		return fmt.Errorf("failed to configure %d buckets", len(specs)-configured)
	}
	return nil
}

func (h *s3Handler) list(ctx context.Context) error {
	names, err := h.buckets.ListBuckets(ctx, constants.Prefix)
	if err != nil {
		return err
	}

	if len(names) == 0 {
		fmt.Println("No RadStream buckets found")
		return nil
	}

	fmt.Printf("RadStream buckets (%d):\n", len(names))
	for _, name := range names {
		fmt.Printf("  %s\n", name)
	}
	return nil
}

func (h *s3Handler) cleanup(ctx context.Context) error {
	deleted, err := h.buckets.Cleanup(ctx, constants.Prefix)
	for _, name := range deleted {
		fmt.Printf("  %s deleted %s\n", mark(true), name)
	}
	fmt.Printf("\n%d buckets deleted\n", len(deleted))
	return err
}
