package commands

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/services"
	"github.com/urfave/cli/v2"
)

type glueHandler struct {
	session *session
	catalog *services.CatalogService
	logger  *zerolog.Logger
}

func newGlueHandler(s *session, logger *zerolog.Logger) *glueHandler {
	return &glueHandler{
		session: s,
		catalog: services.NewCatalogService(s.aws),
		logger:  logger,
	}
}

func setupGlueCommand(logger *zerolog.Logger) *cli.Command {
	action := func(fn func(ctx context.Context, h *glueHandler, c *cli.Context) error) cli.ActionFunc {
		return handlerAction(logger, newGlueHandler, fn)
	}

	return &cli.Command{
		Name:  "glue",
		Usage: "Manage the telemetry analytics catalog",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create the database, telemetry tables and crawler",
				Flags: []cli.Flag{dryRunFlag()},
				Action: action(func(ctx context.Context, h *glueHandler, c *cli.Context) error {
					return h.create(ctx, c.Bool("dry-run"))
				}),
			},
			{
				Name:  "start-crawler",
				Usage: "Start the telemetry crawler",
				Action: action(func(ctx context.Context, h *glueHandler, c *cli.Context) error {
					started, err := h.catalog.StartCrawler(ctx, constants.TelemetryCrawler)
					if err != nil {
						return err
					}
					if started {
						fmt.Printf("%s started %s\n", mark(true), constants.TelemetryCrawler)
					} else {
						fmt.Printf("%s %s is already running\n", mark(true), constants.TelemetryCrawler)
					}
					return nil
				}),
			},
			{
				Name:  "delete",
				Usage: "Delete the crawler, tables and database",
				Flags: []cli.Flag{confirmFlag()},
				Action: action(func(ctx context.Context, h *glueHandler, c *cli.Context) error {
					if err := requireConfirm(c); err != nil {
						return err
					}
					if err := h.catalog.Delete(ctx, constants.AnalyticsDatabase, constants.TelemetryCrawler); err != nil {
						return err
					}
					fmt.Printf("%s deleted %s\n", mark(true), constants.AnalyticsDatabase)
					return nil
				}),
			},
		},
	}
}

func (h *glueHandler) create(ctx context.Context, dryRun bool) error {
	base := services.TelemetryLocation(h.session.scope.AccountID)
	tables := services.TelemetryTables(base)
	crawler := services.TelemetryCrawler(h.session.scope)

	if dryRun {
		fmt.Printf("DRY RUN: Would ensure database %s at %s\n", constants.AnalyticsDatabase, base)
		for _, table := range tables {
			fmt.Printf("Table %s:\n%s\n", table.Name, prettyJSON(table))
		}
		fmt.Printf("Crawler:\n%s\n", prettyJSON(crawler))
		return ensureRoles(ctx, h.session, []services.RoleSpec{services.CrawlerRole(h.session.scope)}, true)
	}

	fmt.Println("Setting up Glue catalog...")
	if err := ensureRoles(ctx, h.session, []services.RoleSpec{services.CrawlerRole(h.session.scope)}, false); err != nil {
		return err
	}

	db, err := h.catalog.EnsureDatabase(ctx, constants.AnalyticsDatabase, base)
	if err != nil {
		return err
	}
	fmt.Printf("  %s database %s (created=%t)\n", mark(true), db.Name, db.Created)

	var result *multierror.Error
	for _, table := range tables {
		got, err := h.catalog.EnsureTable(ctx, constants.AnalyticsDatabase, table)
		if err != nil {
			fmt.Printf("  %s table %s: %v\n", mark(false), table.Name, err)
			result = multierror.Append(result, err)
			continue
		}
		fmt.Printf("  %s table %s (created=%t)\n", mark(true), got.Name, got.Created)
	}

	got, err := h.catalog.EnsureCrawler(ctx, crawler)
	if err != nil {
		result = multierror.Append(result, err)
	} else {
		fmt.Printf("  %s crawler %s (created=%t)\n", mark(true), got.Name, got.Created)
	}

	return result.ErrorOrNil()
}
