package commands

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/pipeline"
	"github.com/savaki/radstream/internal/services"
	"github.com/urfave/cli/v2"
)

type stepFunctionsHandler struct {
	session  *session
	machines *services.StateMachineService
	logs     *services.LogService
	logger   *zerolog.Logger
}

func newStepFunctionsHandler(s *session, logger *zerolog.Logger) *stepFunctionsHandler {
	return &stepFunctionsHandler{
		session:  s,
		machines: services.NewStateMachineService(s.aws, s.scope),
		logs:     services.NewLogService(s.aws),
		logger:   logger,
	}
}

func setupStepFunctionsCommand(logger *zerolog.Logger) *cli.Command {
	action := func(fn func(ctx context.Context, h *stepFunctionsHandler, c *cli.Context) error) cli.ActionFunc {
		return handlerAction(logger, newStepFunctionsHandler, fn)
	}
	dirFlag := func(usage string) cli.Flag {
		return &cli.StringFlag{
			Name:  "dir",
			Usage: usage,
			Value: ".",
		}
	}

	return &cli.Command{
		Name:  "stepfunctions",
		Usage: "Manage the pipeline and error handler state machines",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create the execution role and both state machines",
				Flags: []cli.Flag{
					dryRunFlag(),
					dirFlag("Directory the definitions are written to"),
					&cli.BoolFlag{
						Name:  "update",
						Usage: "Push the current definition to existing state machines",
					},
				},
				Action: action(func(ctx context.Context, h *stepFunctionsHandler, c *cli.Context) error {
					return h.create(ctx, c.String("dir"), c.Bool("update"), c.Bool("dry-run"))
				}),
			},
			{
				Name:  "list",
				Usage: "List RadStream state machines",
				Action: action(func(ctx context.Context, h *stepFunctionsHandler, c *cli.Context) error {
					return h.list(ctx)
				}),
			},
			{
				Name:  "delete",
				Usage: "Delete every RadStream state machine",
				Flags: []cli.Flag{confirmFlag()},
				Action: action(func(ctx context.Context, h *stepFunctionsHandler, c *cli.Context) error {
					if err := requireConfirm(c); err != nil {
						return err
					}
					deleted, err := h.machines.Cleanup(ctx, constants.Prefix)
					for _, name := range deleted {
						fmt.Printf("  %s deleted %s\n", mark(true), name)
					}
					return err
				}),
			},
			{
				Name:  "render",
				Usage: "Write the state machine definitions and role without deploying",
				Flags: []cli.Flag{dirFlag("Output directory")},
				Action: action(func(ctx context.Context, h *stepFunctionsHandler, c *cli.Context) error {
					return h.render(c.String("dir"))
				}),
			},
		},
	}
}

func (h *stepFunctionsHandler) render(dir string) error {
	paths, err := pipeline.WriteArtifacts(dir, h.session.scope)
	if err != nil {
		return err
	}
	for _, path := range paths {
		fmt.Printf("  %s wrote %s\n", mark(true), path)
	}
	return nil
}

func (h *stepFunctionsHandler) create(ctx context.Context, dir string, update, dryRun bool) error {
	specs := services.DefaultStateMachines(h.session.scope)

	if dryRun {
		if err := ensureRoles(ctx, h.session, []services.RoleSpec{services.StepFunctionsRole(h.session.scope)}, true); err != nil {
			return err
		}
		for _, spec := range specs {
			definition, err := spec.Definition.JSON()
			if err != nil {
				return err
			}
			fmt.Printf("DRY RUN: Would ensure state machine %s\n", spec.Name)
			fmt.Printf("Definition:\n%s\n", prettyJSON(definition))
		}
		return nil
	}

	fmt.Println("Setting up Step Functions...")
	if err := ensureRoles(ctx, h.session, []services.RoleSpec{services.StepFunctionsRole(h.session.scope)}, false); err != nil {
		return err
	}

	if _, err := h.logs.EnsureLogGroup(ctx, constants.PipelineLogGroup, 14); err != nil {
		return err
	}
	fmt.Printf("  %s log group %s\n", mark(true), constants.PipelineLogGroup)

	var (
		configured int
		result     *multierror.Error
	)
	for _, spec := range specs {
		got, err := h.machines.EnsureStateMachine(ctx, spec, update)
		if err != nil {
			fmt.Printf("  %s %s: %v\n", mark(false), spec.Name, err)
			result = multierror.Append(result, err)
			continue
		}
		configured++

		status := "exists"
		switch {
		case got.Created:
			status = "created"
		case got.Updated:
			status = "updated"
		}
		fmt.Printf("  %s %s (%s)\n", mark(true), got.Arn, status)
	}

	if err := h.render(dir); err != nil {
		result = multierror.Append(result, err)
	}

	fmt.Printf("\n%d/%d state machines configured\n", configured, len(specs))
	return result.ErrorOrNil()
}

func (h *stepFunctionsHandler) list(ctx context.Context) error {
	machines, err := h.machines.List(ctx, constants.Prefix)
	if err != nil {
		return err
	}

	if len(machines) == 0 {
		fmt.Println("No RadStream state machines found")
		return nil
	}

	fmt.Printf("RadStream state machines (%d):\n", len(machines))
	for _, m := range machines {
		fmt.Printf("  %-28s %-9s %s\n", m.Name, m.Type, m.Arn)
	}
	return nil
}
