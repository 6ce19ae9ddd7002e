package services

import (
	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/policy"
	"github.com/savaki/radstream/internal/utils"
)

// FunctionEnv carries the settings injected into every function's environment
type FunctionEnv struct {
	TelemetryStream string
	ImagesBucket    string
	ResultsBucket   string
	ArtifactsBucket string
	StudyTable      string
	StateMachineArn string
}

func (e FunctionEnv) base() map[string]string {
	return map[string]string{
		"TELEMETRY_STREAM_NAME": e.TelemetryStream,
	}
}

// DefaultFunctions returns the functions that make up the pipeline. Binary
// names the directory under the dist folder holding the bootstrap executable.
func DefaultFunctions(scope policy.Scope, env FunctionEnv) []FunctionSpec {
	ledger := map[string]string{"STUDY_TABLE": env.StudyTable}
	return []FunctionSpec{
		{
			Name:        constants.FunctionValidateMetadata,
			Binary:      "validate-metadata",
			RoleName:    constants.ValidateMetadataRoleName,
			Policy:      policy.ValidateMetadataFunction(scope),
			Environment: env.base(),
		},
		{
			Name:     constants.FunctionPrepareTensors,
			Binary:   "prepare-tensors",
			RoleName: constants.PrepareTensorsRoleName,
			Policy:   policy.PrepareTensorsFunction(scope),
			Environment: utils.MergeEnv(env.base(), map[string]string{
				"ARTIFACTS_BUCKET": env.ArtifactsBucket,
			}),
		},
		{
			Name:     constants.FunctionStoreResults,
			Binary:   "store-results",
			RoleName: constants.StoreResultsRoleName,
			Policy:   policy.StoreResultsFunction(scope, env.StudyTable),
			Environment: utils.MergeEnv(env.base(), ledger, map[string]string{
				"RESULTS_BUCKET": env.ResultsBucket,
			}),
		},
		{
			Name:        constants.FunctionSendTelemetry,
			Binary:      "send-telemetry",
			RoleName:    constants.SendTelemetryRoleName,
			Policy:      policy.SendTelemetryFunction(scope),
			Environment: env.base(),
		},
		{
			Name:        constants.FunctionAnalyzeError,
			Binary:      "analyze-error",
			RoleName:    constants.AnalyzeErrorRoleName,
			Policy:      policy.AnalyzeErrorFunction(scope),
			Environment: env.base(),
		},
		{
			Name:        constants.FunctionLogError,
			Binary:      "log-error",
			RoleName:    constants.LogErrorRoleName,
			Policy:      policy.LogErrorFunction(scope, env.StudyTable),
			Environment: utils.MergeEnv(env.base(), ledger),
		},
		{
			Name:     constants.FunctionS3Trigger,
			Binary:   "s3-trigger",
			RoleName: constants.S3TriggerRoleName,
			Policy:   policy.S3TriggerFunction(scope, env.StudyTable),
			Environment: utils.MergeEnv(ledger, map[string]string{
				"STATE_MACHINE_ARN": env.StateMachineArn,
			}),
		},
	}
}

// FunctionRole is the execution role of a function: lambda trust, the
// function's inline policy and basic execution logging
func FunctionRole(spec FunctionSpec) RoleSpec {
	return RoleSpec{
		Name:        spec.RoleName,
		Description: "Role for RadStream Lambda function: " + spec.Name,
		Trust:       policy.Trust(policy.LambdaService),
		Inline: map[string]policy.Document{
			spec.RoleName + "-policy": spec.Policy,
		},
		Managed: []string{constants.LambdaBasicExecutionPolicyArn},
	}
}

// StepFunctionsRole is the role assumed by both state machines
func StepFunctionsRole(scope policy.Scope) RoleSpec {
	return RoleSpec{
		Name:        constants.StepFunctionsRoleName,
		Description: "Execution role for RadStream state machines",
		Trust:       policy.Trust(policy.StatesService),
		Inline: map[string]policy.Document{
			constants.StepFunctionsRoleName + "Policy": policy.StepFunctionsExecution(scope),
		},
	}
}

// EventBridgeRoles are the roles EventBridge assumes to reach its targets
func EventBridgeRoles(scope policy.Scope) []RoleSpec {
	return []RoleSpec{
		{
			Name:        constants.EventBridgeStepFunctionsRoleName,
			Description: "Allows EventBridge to start RadStream executions",
			Trust:       policy.Trust(policy.EventsService),
			Inline: map[string]policy.Document{
				constants.EventBridgeStepFunctionsPolicy: policy.EventBridgeStartExecution(scope),
			},
		},
		{
			Name:        constants.EventBridgeKinesisRoleName,
			Description: "Allows EventBridge to forward telemetry to Kinesis",
			Trust:       policy.Trust(policy.EventsService),
			Inline: map[string]policy.Document{
				"KinesisPutRecordPolicy": policy.EventBridgeKinesis(scope),
			},
		},
	}
}

// FirehoseRole lets the delivery stream read the telemetry stream
func FirehoseRole(scope policy.Scope) RoleSpec {
	return RoleSpec{
		Name:        constants.FirehoseRoleName,
		Description: "Delivery role for the RadStream telemetry firehose",
		Trust:       policy.Trust(policy.FirehoseService),
		Inline: map[string]policy.Document{
			"FirehoseDeliveryPolicy": policy.FirehoseDelivery(scope),
		},
	}
}

// CrawlerRole lets the Glue crawler read telemetry objects
func CrawlerRole(scope policy.Scope) RoleSpec {
	return RoleSpec{
		Name:        constants.GlueCrawlerRoleName,
		Description: "Crawler role for RadStream telemetry",
		Trust:       policy.Trust(policy.GlueService),
		Inline: map[string]policy.Document{
			constants.GlueCrawlerRoleName + "-s3-policy": policy.CrawlerAccess(scope),
		},
		Managed: []string{constants.GlueServiceRolePolicyArn},
	}
}
