package commands

import (
	"fmt"
	"os/exec"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/di"
	"github.com/savaki/radstream/internal/services"
	"github.com/urfave/cli/v2"
)

// prereqTools are the binaries deploying the inference cluster needs
var prereqTools = []string{"docker", "kubectl"}

// missingTools returns the tools lookPath cannot find
func missingTools(tools []string, lookPath func(string) (string, error)) []string {
	var missing []string
	for _, tool := range tools {
		path, err := lookPath(tool)
		if err != nil {
			fmt.Printf("%s %s not found\n", mark(false), tool)
			missing = append(missing, tool)
			continue
		}
		fmt.Printf("%s %s (%s)\n", mark(true), tool, path)
	}
	return missing
}

// PrereqsCommand returns the prereqs command for checking local tooling and credentials
func PrereqsCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "prereqs",
		Usage: "Check AWS credentials and required local tools",
		Action: func(c *cli.Context) error {
			ctx := c.Context
			ok := true

			fmt.Println("Checking prerequisites...")

			container, err := di.New(c.String("env"), di.WithRegion(c.String("region")))
			if err != nil {
				return err
			}
			err = container.Invoke(func(cfg aws.Config) error {
				identity, err := services.CallerIdentity(ctx, sts.NewFromConfig(cfg))
				if err != nil {
					return err
				}
				fmt.Printf("%s AWS credentials: %s (account %s, region %s)\n", mark(true), identity.Arn, identity.Account, cfg.Region)
				return nil
			})
			if err != nil {
				ok = false
				fmt.Printf("%s AWS credentials: %v\n", mark(false), err)
				logger.Debug().Err(err).Msg("caller identity failed")
			}

			if missing := missingTools(prereqTools, exec.LookPath); len(missing) > 0 {
				ok = false
			}

			if !ok {
				return cli.Exit("❌ prerequisites missing", 1)
			}
			fmt.Println("\n✅ all prerequisites satisfied")
			return nil
		},
	}
}
