package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/dao/studydao"
	"github.com/savaki/radstream/internal/di"
	"github.com/savaki/radstream/internal/errors"
	"github.com/savaki/radstream/internal/orchestrator"
	"github.com/savaki/radstream/internal/policy"
	"github.com/savaki/radstream/internal/services"
	"github.com/savaki/radstream/internal/telemetry"
	"github.com/urfave/cli/v2"
)

// session holds what most commands need: the AWS config, the resolved
// application config and the account scope ARNs are built from
type session struct {
	env    string
	aws    aws.Config
	config *services.Config
	scope  policy.Scope
}

func newSession(c *cli.Context) (*session, error) {
	ctx := c.Context
	env := c.String("env")

	container, err := di.New(env,
		di.WithRegion(c.String("region")),
		di.WithConfigFile(c.String("config")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build container: %w", err)
	}

	s := &session{env: env}
	err = container.Invoke(func(cfg aws.Config, config *services.Config) {
		s.aws = cfg
		s.config = config
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	accountID, err := services.AccountID(ctx, sts.NewFromConfig(s.aws))
	if err != nil {
		return nil, err
	}

	s.config = s.config.WithDefaults(accountID)
	if s.aws.Region != "" {
		s.config.Region = s.aws.Region
	}
	s.scope = policy.Scope{
		Region:    s.config.Region,
		AccountID: accountID,
	}
	if s.config.StateMachineArn == "" {
		s.config.StateMachineArn = s.scope.StateMachineArn(constants.PipelineStateMachine)
	}

	return s, nil
}

// studyTable is the configured ledger table, or the environment default
// used when provisioning
func (s *session) studyTable() string {
	if s.config.StudyTable != "" {
		return s.config.StudyTable
	}
	return studydao.TableName(s.env)
}

func (s *session) functionEnv() services.FunctionEnv {
	return services.FunctionEnv{
		TelemetryStream: s.config.TelemetryStream,
		ImagesBucket:    s.config.ImagesBucket,
		ResultsBucket:   s.config.ResultsBucket,
		ArtifactsBucket: s.config.ArtifactsBucket,
		StudyTable:      s.studyTable(),
		StateMachineArn: s.config.StateMachineArn,
	}
}

func (s *session) ledger() *studydao.DAO {
	return studydao.New(dynamodb.NewFromConfig(s.aws), s.studyTable())
}

func (s *session) producer() *telemetry.Producer {
	return telemetry.NewProducer(kinesis.NewFromConfig(s.aws), s.config.TelemetryStream)
}

// orchestrator records executions in the ledger only when one is configured
func (s *session) orchestrator() *orchestrator.Orchestrator {
	var opts []orchestrator.Option
	if s.config.StudyTable != "" {
		opts = append(opts, orchestrator.WithLedger(s.ledger()))
	}
	return orchestrator.New(sfn.NewFromConfig(s.aws), s.config.StateMachineArn, opts...)
}

func (s *session) iam(ctx context.Context) (*services.IAMService, error) {
	validator, err := policy.NewValidator(ctx, constants.Prefix)
	if err != nil {
		return nil, err
	}
	return services.NewIAMService(s.aws, validator), nil
}

// handlerAction builds a session and a command handler before running fn
func handlerAction[H any](logger *zerolog.Logger, build func(*session, *zerolog.Logger) H, fn func(ctx context.Context, h H, c *cli.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		s, err := newSession(c)
		if err != nil {
			return err
		}
		return fn(c.Context, build(s, logger), c)
	}
}

// requireConfirm guards destructive subcommands
func requireConfirm(c *cli.Context) error {
	if !c.Bool("confirm") {
		return errors.ErrConfirmationRequired
	}
	return nil
}

func confirmFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "confirm",
		Usage: "Required to delete resources",
	}
}

func dryRunFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "dry-run",
		Usage: "Show what would be created without creating it",
	}
}

// prettyJSON renders v as indented JSON for dry runs
func prettyJSON(v any) string {
	if s, ok := v.(string); ok {
		var raw any
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			return s
		}
		v = raw
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func banner(title string) {
	line := strings.Repeat("=", 40)
	fmt.Println()
	fmt.Println(line)
	fmt.Println(title)
	fmt.Println(line)
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}
