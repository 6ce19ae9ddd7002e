package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/services"
	"github.com/urfave/cli/v2"
)

type eventBridgeHandler struct {
	session *session
	rules   *services.RuleService
	logs    *services.LogService
	logger  *zerolog.Logger
}

func newEventBridgeHandler(s *session, logger *zerolog.Logger) *eventBridgeHandler {
	return &eventBridgeHandler{
		session: s,
		rules:   services.NewRuleService(s.aws),
		logs:    services.NewLogService(s.aws),
		logger:  logger,
	}
}

func (h *eventBridgeHandler) ruleScope() services.RuleScope {
	scope := services.NewRuleScope(h.session.scope)
	scope.StateMachineArn = h.session.config.StateMachineArn
	scope.AlertTopicArn = h.session.config.AlertTopicArn
	if h.session.config.ImagesBucket != "" {
		scope.ImagesBucketName = h.session.config.ImagesBucket
	}
	return scope
}

func setupEventBridgeCommand(logger *zerolog.Logger) *cli.Command {
	action := func(fn func(ctx context.Context, h *eventBridgeHandler, c *cli.Context) error) cli.ActionFunc {
		return handlerAction(logger, newEventBridgeHandler, fn)
	}

	return &cli.Command{
		Name:  "eventbridge",
		Usage: "Manage the upload, error handling and telemetry rules",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create the EventBridge roles, rules and targets",
				Flags: []cli.Flag{dryRunFlag()},
				Action: action(func(ctx context.Context, h *eventBridgeHandler, c *cli.Context) error {
					return h.create(ctx, c.Bool("dry-run"))
				}),
			},
			{
				Name:  "list",
				Usage: "List RadStream rules",
				Action: action(func(ctx context.Context, h *eventBridgeHandler, c *cli.Context) error {
					return h.list(ctx)
				}),
			},
			{
				Name:  "delete",
				Usage: "Delete every RadStream rule and its targets",
				Flags: []cli.Flag{confirmFlag()},
				Action: action(func(ctx context.Context, h *eventBridgeHandler, c *cli.Context) error {
					if err := requireConfirm(c); err != nil {
						return err
					}
					return h.delete(ctx)
				}),
			},
			{
				Name:  "fix-targets",
				Usage: "Replace the targets of existing rules with the current definitions",
				Action: action(func(ctx context.Context, h *eventBridgeHandler, c *cli.Context) error {
					return h.fixTargets(ctx)
				}),
			},
			{
				Name:  "iam-template",
				Usage: "Write the EventBridge role policies as JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "File to write; prints to stdout when empty",
					},
				},
				Action: action(func(ctx context.Context, h *eventBridgeHandler, c *cli.Context) error {
					return h.iamTemplate(c.String("output"))
				}),
			},
		},
	}
}

func (h *eventBridgeHandler) create(ctx context.Context, dryRun bool) error {
	scope := h.ruleScope()
	specs := services.DefaultRules(scope)

	if dryRun {
		if err := ensureRoles(ctx, h.session, services.EventBridgeRoles(h.session.scope), true); err != nil {
			return err
		}
		for _, spec := range specs {
			pattern, err := spec.PatternJSON()
			if err != nil {
				return err
			}
			fmt.Printf("DRY RUN: Would ensure rule %s\n", spec.Name)
			fmt.Printf("Event Pattern:\n%s\n", prettyJSON(pattern))
			fmt.Printf("Targets:\n%s\n", prettyJSON(spec.Targets))
		}
		return nil
	}

	fmt.Println("Setting up EventBridge roles...")
	if err := ensureRoles(ctx, h.session, services.EventBridgeRoles(h.session.scope), false); err != nil {
		return err
	}

	if _, err := h.logs.EnsureLogGroup(ctx, constants.ErrorsLogGroup, 14); err != nil {
		h.logger.Warn().Err(err).Str("log_group", constants.ErrorsLogGroup).Msg("failed to ensure error log group")
	}

	fmt.Println("Setting up EventBridge rules...")
	var (
		configured int
		result     *multierror.Error
	)
	for _, spec := range specs {
		got, err := h.rules.EnsureRule(ctx, spec)
		if err != nil {
			fmt.Printf("  %s %s: %v\n", mark(false), spec.Name, err)
			result = multierror.Append(result, err)
			continue
		}
		configured++
		if got.Created {
			fmt.Printf("  %s %s (created, %d targets)\n", mark(true), got.Name, got.Targets)
		} else {
			fmt.Printf("  %s %s (exists)\n", mark(true), got.Name)
		}
	}

	fmt.Printf("\n%d/%d rules configured\n", configured, len(specs))
	return result.ErrorOrNil()
}

func (h *eventBridgeHandler) list(ctx context.Context) error {
	rules, err := h.rules.ListRules(ctx, constants.Prefix)
	if err != nil {
		return err
	}

	if len(rules) == 0 {
		fmt.Println("No RadStream rules found")
		return nil
	}

	fmt.Printf("RadStream rules (%d):\n", len(rules))
	for _, r := range rules {
		fmt.Printf("  %-32s %-8s %s\n", r.Name, r.State, r.Arn)
	}
	return nil
}

func (h *eventBridgeHandler) delete(ctx context.Context) error {
	deleted, err := h.rules.Cleanup(ctx, constants.Prefix)
	for _, name := range deleted {
		fmt.Printf("  %s deleted %s\n", mark(true), name)
	}
	fmt.Printf("\n%d rules deleted\n", len(deleted))
	return err
}

func (h *eventBridgeHandler) fixTargets(ctx context.Context) error {
	var result *multierror.Error
	for _, spec := range services.DefaultRules(h.ruleScope()) {
		if err := h.rules.ReplaceTargets(ctx, spec.Name, spec.Targets); err != nil {
			fmt.Printf("  %s %s: %v\n", mark(false), spec.Name, err)
			result = multierror.Append(result, err)
			continue
		}
		fmt.Printf("  %s %s: %d targets\n", mark(true), spec.Name, len(spec.Targets))
	}
	return result.ErrorOrNil()
}

func (h *eventBridgeHandler) iamTemplate(output string) error {
	text := prettyJSON(services.IAMRolesTemplate(h.session.scope))
	if output == "" {
		fmt.Println(text)
		return nil
	}

	if err := os.WriteFile(output, []byte(text+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}
	fmt.Printf("%s wrote IAM template to %s\n", mark(true), output)
	return nil
}
