package policy

import (
	"fmt"

	"github.com/savaki/radstream/internal/constants"
)

// Scope identifies the account and region ARNs are built for
type Scope struct {
	Region    string
	AccountID string
}

func (s Scope) arn(service, resource string) string {
	return fmt.Sprintf("arn:aws:%s:%s:%s:%s", service, s.Region, s.AccountID, resource)
}

// FunctionArn returns the ARN of a Lambda function
func (s Scope) FunctionArn(name string) string {
	return s.arn("lambda", "function:"+name)
}

// StateMachineArn returns the ARN of a state machine
func (s Scope) StateMachineArn(name string) string {
	return s.arn("states", "stateMachine:"+name)
}

// StreamArn returns the ARN of a Kinesis stream
func (s Scope) StreamArn(name string) string {
	return s.arn("kinesis", "stream/"+name)
}

// LogGroupArn returns the ARN of a CloudWatch log group
func (s Scope) LogGroupArn(name string) string {
	return s.arn("logs", "log-group:"+name)
}

// TopicArn returns the ARN of an SNS topic
func (s Scope) TopicArn(name string) string {
	return s.arn("sns", name)
}

// RoleArn returns the ARN of an IAM role
func (s Scope) RoleArn(name string) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", s.AccountID, name)
}

// BucketArn returns the ARN of a bucket
func BucketArn(bucket string) string {
	return "arn:aws:s3:::" + bucket
}

// ObjectsArn returns the ARN matching every object in a bucket
func ObjectsArn(bucket string) string {
	return "arn:aws:s3:::" + bucket + "/*"
}

// StepFunctionsExecution is the permission set of the pipeline state machines
func StepFunctionsExecution(s Scope) Document {
	return New(
		Allow([]string{"lambda:InvokeFunction"},
			s.FunctionArn(constants.Prefix+"*")),
		Allow([]string{"eks:DescribeCluster", "eks:ListClusters"},
			"*"),
		Allow([]string{"eks:RunJob"},
			s.arn("eks", "cluster/"+constants.InferenceCluster),
			s.arn("eks", "jobdefinition/*")),
		Allow([]string{"s3:GetObject", "s3:PutObject"},
			ObjectsArn(constants.Prefix+"*")),
		Allow([]string{"kinesis:PutRecord"},
			s.StreamArn(constants.Prefix+"*")),
		Allow([]string{"sns:Publish"},
			s.TopicArn(constants.Prefix+"*")),
		Allow([]string{"logs:CreateLogGroup", "logs:CreateLogStream", "logs:PutLogEvents"},
			s.LogGroupArn("/aws/stepfunctions/*")),
		Allow([]string{
			"logs:CreateLogDelivery",
			"logs:GetLogDelivery",
			"logs:UpdateLogDelivery",
			"logs:DeleteLogDelivery",
			"logs:ListLogDeliveries",
			"logs:PutResourcePolicy",
			"logs:DescribeResourcePolicies",
			"logs:DescribeLogGroups",
		}, "*"),
		Allow([]string{"xray:PutTraceSegments", "xray:PutTelemetryRecords"},
			"*"),
	)
}

func telemetryWrite(s Scope) Statement {
	return Allow([]string{"kinesis:PutRecord", "kinesis:PutRecords"},
		s.StreamArn(constants.TelemetryStream))
}

func ledgerWrite(s Scope, table string) Statement {
	return Allow([]string{"dynamodb:GetItem", "dynamodb:PutItem", "dynamodb:UpdateItem", "dynamodb:Query"},
		s.arn("dynamodb", "table/"+table))
}

// ValidateMetadataFunction allows reading sidecars and emitting telemetry
func ValidateMetadataFunction(s Scope) Document {
	return New(
		Allow([]string{"s3:GetObject"}, ObjectsArn(constants.BucketName(constants.BucketImages, s.AccountID))),
		telemetryWrite(s),
	)
}

// PrepareTensorsFunction allows reading images, parking tensors and emitting telemetry
func PrepareTensorsFunction(s Scope) Document {
	return New(
		Allow([]string{"s3:GetObject"}, ObjectsArn(constants.BucketName(constants.BucketImages, s.AccountID))),
		Allow([]string{"s3:PutObject"}, ObjectsArn(constants.BucketName(constants.BucketArtifacts, s.AccountID))),
		telemetryWrite(s),
	)
}

// StoreResultsFunction allows writing results and updating the study ledger
func StoreResultsFunction(s Scope, table string) Document {
	return New(
		Allow([]string{"s3:PutObject", "s3:PutObjectAcl"}, ObjectsArn(constants.BucketName(constants.BucketResults, s.AccountID))),
		telemetryWrite(s),
		ledgerWrite(s, table),
	)
}

// SendTelemetryFunction only writes to the telemetry stream
func SendTelemetryFunction(s Scope) Document {
	return New(telemetryWrite(s))
}

// AnalyzeErrorFunction emits telemetry about classified failures
func AnalyzeErrorFunction(s Scope) Document {
	return New(telemetryWrite(s))
}

// LogErrorFunction emits telemetry and marks ledger runs failed
func LogErrorFunction(s Scope, table string) Document {
	return New(
		telemetryWrite(s),
		ledgerWrite(s, table),
	)
}

// S3TriggerFunction starts pipeline executions and records them
func S3TriggerFunction(s Scope, table string) Document {
	return New(
		Allow([]string{"states:StartExecution"}, s.StateMachineArn(constants.PipelineStateMachine)),
		ledgerWrite(s, table),
	)
}

// FirehoseDelivery allows the delivery stream to read the telemetry stream and
// write objects into the telemetry bucket
func FirehoseDelivery(s Scope) Document {
	bucket := constants.BucketName(constants.BucketTelemetry, s.AccountID)
	return New(
		Allow([]string{
			"s3:AbortMultipartUpload",
			"s3:GetBucketLocation",
			"s3:GetObject",
			"s3:ListBucket",
			"s3:ListBucketMultipartUploads",
			"s3:PutObject",
		}, BucketArn(bucket), ObjectsArn(bucket)),
		Allow([]string{
			"kinesis:DescribeStream",
			"kinesis:GetShardIterator",
			"kinesis:GetRecords",
			"kinesis:ListShards",
		}, s.StreamArn(constants.TelemetryStream)),
		Allow([]string{"logs:PutLogEvents"}, s.LogGroupArn("/aws/kinesisfirehose/*")),
	)
}

// CrawlerAccess allows the Glue crawler to read telemetry objects
func CrawlerAccess(s Scope) Document {
	bucket := constants.BucketName(constants.BucketTelemetry, s.AccountID)
	return New(
		Allow([]string{"s3:GetObject", "s3:ListBucket"}, BucketArn(bucket), ObjectsArn(bucket)),
	)
}

// EventBridgeStartExecution allows rules to start RadStream state machines
func EventBridgeStartExecution(s Scope) Document {
	return New(
		Allow([]string{"states:StartExecution"},
			fmt.Sprintf("arn:aws:states:*:%s:stateMachine:%s*", s.AccountID, constants.Prefix)),
	)
}

// EventBridgeKinesis allows rules to forward events into RadStream streams
func EventBridgeKinesis(s Scope) Document {
	return New(
		Allow([]string{"kinesis:PutRecord", "kinesis:PutRecords"},
			fmt.Sprintf("arn:aws:kinesis:*:%s:stream/%s*", s.AccountID, constants.Prefix)),
	)
}
