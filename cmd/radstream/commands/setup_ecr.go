package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/services"
	"github.com/urfave/cli/v2"
)

func setupECRCommand(logger *zerolog.Logger) *cli.Command {
	nameFlag := func() cli.Flag {
		return &cli.StringFlag{
			Name:  "name",
			Usage: "Repository name",
			Value: constants.InferenceRepository,
		}
	}

	return &cli.Command{
		Name:  "ecr",
		Usage: "Manage the inference image repository",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create the repository with scan on push and a lifecycle policy",
				Flags: []cli.Flag{nameFlag()},
				Action: func(c *cli.Context) error {
					s, err := newSession(c)
					if err != nil {
						return err
					}

					repo, err := services.NewRegistryService(s.aws).EnsureRepository(c.Context, c.String("name"))
					if err != nil {
						return err
					}

					banner("ECR Setup Complete!")
					fmt.Printf("Repository:  %s (created=%t)\n", repo.Name, repo.Created)
					fmt.Printf("URI:         %s\n", repo.URI)
					fmt.Println()
					fmt.Println("Features enabled:")
					fmt.Println("  ✓ Scan on push")
					fmt.Println("  ✓ Keep the last 10 images")
					fmt.Println()
					fmt.Println("To push images:")
					fmt.Printf("  1. Authenticate: aws ecr get-login-password --region %s | docker login --username AWS --password-stdin %s.dkr.ecr.%s.amazonaws.com\n",
						s.scope.Region, s.scope.AccountID, s.scope.Region)
					fmt.Printf("  2. Tag image: docker tag radstream-inference:latest %s:latest\n", repo.URI)
					fmt.Printf("  3. Push image: docker push %s:latest\n", repo.URI)
					return nil
				},
			},
			{
				Name:  "delete",
				Usage: "Delete the repository and its images",
				Flags: []cli.Flag{nameFlag(), confirmFlag()},
				Action: func(c *cli.Context) error {
					if err := requireConfirm(c); err != nil {
						return err
					}
					s, err := newSession(c)
					if err != nil {
						return err
					}
					if err := services.NewRegistryService(s.aws).DeleteRepository(c.Context, c.String("name")); err != nil {
						return err
					}
					logger.Info().Str("repository", c.String("name")).Msg("deleted repository")
					return nil
				},
			},
		},
	}
}
