package constants

import "fmt"

// Prefix is shared by every resource the toolkit owns. List and delete
// operations filter on it.
const Prefix = "radstream-"

// PipelineVersion is stamped on stored results and synthetic sidecars.
const PipelineVersion = "1.0.0"

// TensorSize is the square input edge expected by the inference models.
const TensorSize = 224

// Bucket kinds
const (
	BucketImages    = "images"
	BucketResults   = "results"
	BucketTelemetry = "telemetry"
	BucketArtifacts = "artifacts"
)

// BucketName returns the account-scoped bucket name for a bucket kind,
// e.g. radstream-images-123456789012
func BucketName(kind, accountID string) string {
	return fmt.Sprintf("%s%s-%s", Prefix, kind, accountID)
}

// Object key layout
const (
	ImagesPrefix  = "images/"
	ResultsPrefix = "results/"
	TensorsPrefix = "tensors/"
)

// State machines
const (
	PipelineStateMachine     = "radstream-pipeline"
	ErrorHandlerStateMachine = "radstream-error-handler"
)

// Lambda functions invoked by the state machines
const (
	FunctionValidateMetadata = "radstream-validate-metadata"
	FunctionPrepareTensors   = "radstream-prepare-tensors"
	FunctionStoreResults     = "radstream-store-results"
	FunctionSendTelemetry    = "radstream-send-telemetry"
	FunctionAnalyzeError     = "radstream-analyze-error"
	FunctionLogError         = "radstream-log-error"
	FunctionS3Trigger        = "radstream-s3-trigger"
)

// IAM roles
const (
	StepFunctionsRoleName            = "RadStreamStepFunctionsRole"
	FirehoseRoleName                 = "RadStreamFirehoseRole"
	EventBridgeKinesisRoleName       = "EventBridgeKinesisRole"
	EventBridgeStepFunctionsRoleName = "EventBridgeStepFunctionsRole"
	EventBridgeStepFunctionsPolicy   = "StepFunctionsInvokePolicy"
	LambdaBasicExecutionPolicyArn    = "arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole"
	GlueServiceRolePolicyArn         = "arn:aws:iam::aws:policy/service-role/AWSGlueServiceRole"
	GlueCrawlerRoleName              = "radstream-telemetry-crawler-role"

	ValidateMetadataRoleName = "RadStreamValidateMetadataRole"
	PrepareTensorsRoleName   = "RadStreamPrepareTensorsRole"
	StoreResultsRoleName     = "RadStreamStoreResultsRole"
	SendTelemetryRoleName    = "RadStreamSendTelemetryRole"
	AnalyzeErrorRoleName     = "RadStreamAnalyzeErrorRole"
	LogErrorRoleName         = "RadStreamLogErrorRole"
	S3TriggerRoleName        = "RadStreamS3TriggerRole"
)

// EventBridge rules
const (
	RuleImageUpload    = "radstream-s3-image-upload"
	RuleMetadataUpload = "radstream-s3-metadata-upload"
	RuleErrorHandling  = "radstream-error-handling"
	RuleTelemetry      = "radstream-telemetry"

	TelemetryEventSource = "radstream.telemetry"
	ErrorsLogGroup       = "/aws/events/radstream-errors"
	AlertTopic           = "radstream-alerts"
)

// Streams
const (
	TelemetryStream         = "radstream-telemetry"
	TelemetryDeliveryStream = "radstream-telemetry-firehose"
)

// Glue catalog
const (
	AnalyticsDatabase     = "radstream_analytics"
	TelemetryEventsTable  = "telemetry_events"
	PerformanceTable      = "performance_metrics"
	TelemetryCrawler      = "radstream-telemetry-crawler"
	AthenaResultsPrefix   = "athena-results/"
	TelemetryRawPrefix    = "raw/"
	PerformanceDataPrefix = "performance/"
)

// Inference cluster referenced by the pipeline
const (
	InferenceCluster       = "radstream-cluster"
	InferenceJobDefinition = "radstream-inference-job"
	InferenceJobQueue      = "radstream-queue"
	InferenceRepository    = "radstream-inference"
)

// Log groups
const (
	PipelineLogGroup = "/aws/stepfunctions/radstream-pipeline"
)

// LambdaLogGroup returns the CloudWatch log group of a function
func LambdaLogGroup(function string) string {
	return "/aws/lambda/" + function
}

// FirehoseLogGroup returns the CloudWatch log group of a delivery stream
func FirehoseLogGroup(deliveryStream string) string {
	return "/aws/kinesisfirehose/" + deliveryStream
}

// ParameterPath returns the SSM path holding configuration for env
func ParameterPath(env string) string {
	return fmt.Sprintf("/%s/radstream", env)
}
