package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/services"
	"github.com/urfave/cli/v2"
)

// formatHealthReport renders the checks of a health report, one per line
func formatHealthReport(r *services.HealthReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s server ready\n", mark(r.Ready))
	for _, m := range r.Models {
		fmt.Fprintf(&b, "%s model %s (%s)\n", mark(m.State == services.ModelReady), m.Name, m.State)
	}
	for _, name := range r.Missing {
		fmt.Fprintf(&b, "%s model %s (missing)\n", mark(false), name)
	}
	for _, name := range services.ExpectedModels {
		status, ok := r.Inference[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s inference %s: %s\n", mark(status == "ok"), name, status)
	}
	if m := r.Metrics; m != nil {
		fmt.Fprintf(&b, "%s metrics %s (%d families)\n", mark(true), m.MetricsEndpoint, m.Families)
		fmt.Fprintf(&b, "    gpu utilization:   %.2f\n", m.GPUUtilization)
		fmt.Fprintf(&b, "    gpu memory used:   %.0f bytes\n", m.GPUMemoryUsed)
		fmt.Fprintf(&b, "    requests ok/fail:  %.0f/%.0f\n", m.RequestSuccess, m.RequestFailure)
	}
	return b.String()
}

// HealthCommand returns the health command for checking the inference server
func HealthCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check readiness, models, inference and metrics of the Triton server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "Triton HTTP endpoint",
				Value:   services.DefaultTritonURL,
				EnvVars: []string{"TRITON_URL"},
			},
			&cli.StringFlag{
				Name:    "metrics-url",
				Usage:   "Triton metrics endpoint",
				Value:   "http://localhost:8002",
				EnvVars: []string{"TRITON_METRICS_URL"},
			},
		},
		Action: func(c *cli.Context) error {
			url := c.String("url")
			fmt.Printf("Checking Triton server at %s...\n\n", url)

			report, err := services.NewTritonClient(url, c.String("metrics-url")).HealthCheck(c.Context)
			if report != nil {
				fmt.Print(formatHealthReport(report))
			}
			if err != nil {
				logger.Error().Err(err).Msg("health check failed")
				return cli.Exit("❌ inference server is unhealthy", 1)
			}

			fmt.Println("\n✅ inference server is healthy")
			return nil
		},
	}
}
