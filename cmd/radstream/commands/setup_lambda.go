package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/savaki/gox/slicex"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/services"
	"github.com/urfave/cli/v2"
)

type lambdaHandler struct {
	session   *session
	functions *services.FunctionService
	logs      *services.LogService
	logger    *zerolog.Logger
}

func newLambdaHandler(s *session, logger *zerolog.Logger) *lambdaHandler {
	return &lambdaHandler{
		session:   s,
		functions: services.NewFunctionService(s.aws),
		logs:      services.NewLogService(s.aws),
		logger:    logger,
	}
}

func distFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "dist",
		Usage: "Directory holding one {function}/bootstrap executable per function",
		Value: "dist",
	}
}

func setupLambdaCommand(logger *zerolog.Logger) *cli.Command {
	action := func(fn func(ctx context.Context, h *lambdaHandler, c *cli.Context) error) cli.ActionFunc {
		return handlerAction(logger, newLambdaHandler, fn)
	}

	return &cli.Command{
		Name:  "lambda",
		Usage: "Deploy and manage the pipeline functions",
		Subcommands: []*cli.Command{
			{
				Name:  "deploy",
				Usage: "Create or update every pipeline function and its role",
				Flags: []cli.Flag{distFlag(), dryRunFlag()},
				Action: action(func(ctx context.Context, h *lambdaHandler, c *cli.Context) error {
					return h.deploy(ctx, c.String("dist"), c.Bool("dry-run"))
				}),
			},
			{
				Name:  "list",
				Usage: "List RadStream functions",
				Action: action(func(ctx context.Context, h *lambdaHandler, c *cli.Context) error {
					return h.list(ctx)
				}),
			},
			{
				Name:  "delete",
				Usage: "Delete every RadStream function",
				Flags: []cli.Flag{confirmFlag()},
				Action: action(func(ctx context.Context, h *lambdaHandler, c *cli.Context) error {
					if err := requireConfirm(c); err != nil {
						return err
					}
					deleted, err := h.functions.Cleanup(ctx, constants.Prefix)
					for _, name := range deleted {
						fmt.Printf("  %s deleted %s\n", mark(true), name)
					}
					return err
				}),
			},
			{
				Name:  "publish-layer",
				Usage: "Publish a directory as a layer version",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "name",
						Usage:    "Layer name",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "dir",
						Usage:    "Directory to package",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "description",
						Usage: "Layer description",
						Value: "RadStream shared layer",
					},
				},
				Action: action(func(ctx context.Context, h *lambdaHandler, c *cli.Context) error {
					zipFile, err := services.PackageDirectory(c.String("dir"))
					if err != nil {
						return err
					}
					arn, err := h.functions.PublishLayer(ctx, c.String("name"), zipFile, c.String("description"))
					if err != nil {
						return err
					}
					fmt.Printf("%s published %s\n", mark(true), arn)
					return nil
				}),
			},
			{
				Name:  "attach-layer",
				Usage: "Attach a layer version to a function",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "function",
						Usage:    "Function name",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "layer-arn",
						Usage:    "Layer version ARN",
						Required: true,
					},
				},
				Action: action(func(ctx context.Context, h *lambdaHandler, c *cli.Context) error {
					attached, err := h.functions.AttachLayer(ctx, c.String("function"), c.String("layer-arn"))
					if err != nil {
						return err
					}
					if attached {
						fmt.Printf("%s attached layer to %s\n", mark(true), c.String("function"))
					} else {
						fmt.Printf("%s layer already attached to %s\n", mark(true), c.String("function"))
					}
					return nil
				}),
			},
		},
	}
}

func (h *lambdaHandler) deploy(ctx context.Context, dist string, dryRun bool) error {
	specs := services.DefaultFunctions(h.session.scope, h.session.functionEnv())

	roles := make([]services.RoleSpec, 0, len(specs))
	for _, spec := range specs {
		roles = append(roles, services.FunctionRole(spec))
	}

	if dryRun {
		if err := ensureRoles(ctx, h.session, roles, true); err != nil {
			return err
		}
		for _, spec := range specs {
			fmt.Printf("DRY RUN: Would deploy %s from %s\n", spec.Name, filepath.Join(dist, spec.Binary, services.FunctionHandler))
			fmt.Printf("Environment:\n%s\n", prettyJSON(spec.Environment))
		}
		return nil
	}

	fmt.Println("Setting up Lambda roles...")
	if err := ensureRoles(ctx, h.session, roles, false); err != nil {
		return err
	}

	fmt.Println("Deploying Lambda functions...")
	callback := func(ctx context.Context, spec services.FunctionSpec) (*services.FunctionResult, error) {
		zipFile, err := services.PackageBinary(filepath.Join(dist, spec.Binary, services.FunctionHandler))
		if err != nil {
			return nil, err
		}
		if _, err := h.logs.EnsureLogGroup(ctx, constants.LambdaLogGroup(spec.Name), 14); err != nil {
			h.logger.Warn().Err(err).Str("function", spec.Name).Msg("failed to ensure log group")
		}
		return h.functions.Deploy(ctx, spec, h.session.scope.RoleArn(spec.RoleName), zipFile)
	}
	results, err := slicex.MapConcurrent(callback).
		Concurrency(4).
		CollectErrors().
		DoValues(ctx, specs...)

	var deployed int
	for _, result := range results {
		if result == nil {
			continue
		}
		deployed++
		status := "updated"
		if result.Created {
			status = "created"
		}
		fmt.Printf("  %s %s (%s)\n", mark(true), result.Name, status)
	}

	fmt.Printf("\n%d/%d functions deployed\n", deployed, len(specs))
	if err != nil {
		return fmt.Errorf("failed to deploy functions: %w", err)
	}
	return nil
}

func (h *lambdaHandler) list(ctx context.Context) error {
	functions, err := h.functions.List(ctx, constants.Prefix)
	if err != nil {
		return err
	}

	if len(functions) == 0 {
		fmt.Println("No RadStream functions found")
		return nil
	}

	fmt.Printf("RadStream functions (%d):\n", len(functions))
	for _, f := range functions {
		fmt.Printf("  %-30s %-16s %5d MB  %s\n", f.Name, f.Runtime, f.MemorySize, f.LastModified)
	}
	return nil
}
