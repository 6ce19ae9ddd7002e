package commands

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/services"
	"github.com/savaki/radstream/internal/utils"
	"github.com/urfave/cli/v2"
)

// SetupCommand returns the setup command group that provisions pipeline resources
func SetupCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Provision RadStream AWS resources",
		Description: `Create, list and remove the AWS resources that make up the pipeline.

Every create operation is idempotent: existing resources are left in place
and reported as such. Run "setup all" to provision everything in order.`,
		Subcommands: []*cli.Command{
			setupS3Command(logger),
			setupEventBridgeCommand(logger),
			setupStepFunctionsCommand(logger),
			setupLambdaCommand(logger),
			setupKinesisCommand(logger),
			setupGlueCommand(logger),
			setupECRCommand(logger),
			setupLedgerCommand(logger),
			setupParamsCommand(logger),
			setupAllCommand(logger),
		},
	}
}

// ensureRoles creates or refreshes roles, attempting every role before
// reporting failures
func ensureRoles(ctx context.Context, s *session, roles []services.RoleSpec, dryRun bool) error {
	if dryRun {
		for _, role := range roles {
			fmt.Printf("DRY RUN: Would ensure role %s\n", role.Name)
			fmt.Printf("Trust Policy:\n%s\n", prettyJSON(role.Trust))
			for _, name := range utils.SortedKeys(role.Inline) {
				fmt.Printf("Inline Policy %s:\n%s\n", name, prettyJSON(role.Inline[name]))
			}
			for _, arn := range role.Managed {
				fmt.Printf("Managed Policy: %s\n", arn)
			}
		}
		return nil
	}

	iam, err := s.iam(ctx)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, role := range roles {
		got, err := iam.EnsureRole(ctx, role)
		if err != nil {
			fmt.Printf("  %s role %s: %v\n", mark(false), role.Name, err)
			result = multierror.Append(result, err)
			continue
		}
		status := "updated"
		if got.Created {
			status = "created"
		}
		fmt.Printf("  %s role %s (%s)\n", mark(true), got.Name, status)
	}
	return result.ErrorOrNil()
}
