// Package telemetry defines the pipeline telemetry event and the Kinesis
// producer that publishes it.
package telemetry

import (
	"encoding/json"
	"time"

	"github.com/savaki/radstream/internal/constants"
)

// Stage names
const (
	StageValidateMetadata   = "validate_metadata"
	StagePrepareTensors     = "prepare_tensors"
	StageRunInference       = "run_inference"
	StageStoreResults       = "store_results"
	StageSendTelemetry      = "send_telemetry"
	StagePerformanceMetrics = "performance_metrics"
	StagePipelineComplete   = "pipeline_complete"
	StageErrorHandler       = "error_handler"
)

// Status values
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// Error codes
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeUnexpected = "UNEXPECTED_ERROR"
	CodeDownload   = "DOWNLOAD_ERROR"
	CodeStorage    = "STORAGE_ERROR"
)

// ProducerName is stamped on every event this package publishes
const ProducerName = "kinesis_producer"

// Event describes the outcome of one pipeline stage for one study.
// Details carries stage-specific fields and is flattened into the JSON object.
type Event struct {
	EventID         string         `json:"event_id,omitempty"`
	Timestamp       string         `json:"timestamp,omitempty"`
	Producer        string         `json:"producer,omitempty"`
	StudyID         string         `json:"study_id"`
	Stage           string         `json:"stage"`
	Status          string         `json:"status"`
	LatencyMs       int64          `json:"latency_ms"`
	ErrorCode       string         `json:"error_code,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	FunctionName    string         `json:"function_name,omitempty"`
	FunctionVersion string         `json:"function_version,omitempty"`
	RequestID       string         `json:"request_id,omitempty"`
	Details         map[string]any `json:"-"`
}

type plainEvent Event

// MarshalJSON flattens Details next to the fixed fields. Fixed fields win on
// key collisions.
func (e Event) MarshalJSON() ([]byte, error) {
	fixed, err := json.Marshal(plainEvent(e))
	if err != nil {
		return nil, err
	}
	if len(e.Details) == 0 {
		return fixed, nil
	}

	merged := make(map[string]any, len(e.Details)+12)
	for k, v := range e.Details {
		merged[k] = v
	}
	var fields map[string]any
	if err := json.Unmarshal(fixed, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON collects unknown keys into Details
func (e *Event) UnmarshalJSON(data []byte) error {
	var fixed plainEvent
	if err := json.Unmarshal(data, &fixed); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownKeys {
		delete(all, k)
	}
	// events written by older producers used studyId
	if fixed.StudyID == "" {
		if s, ok := all["studyId"].(string); ok {
			fixed.StudyID = s
		}
	}
	delete(all, "studyId")

	*e = Event(fixed)
	if len(all) > 0 {
		e.Details = all
	} else {
		e.Details = nil
	}
	return nil
}

var knownKeys = []string{
	"event_id", "timestamp", "producer", "study_id", "stage", "status", "latency_ms",
	"error_code", "error_message", "function_name", "function_version", "request_id",
}

// PartitionKey returns the Kinesis partition key of the event
func (e Event) PartitionKey() string {
	if e.StudyID == "" {
		return "default"
	}
	return e.StudyID
}

// Timestamp formats t the way events carry it
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// PerformanceMetrics are the resource measurements of one stage
type PerformanceMetrics struct {
	LatencyMs   int64
	CPUUsage    float64
	MemoryUsage float64
	GPUUsage    float64
	Throughput  float64
}

// StageEvents returns a sample successful lifecycle for one study, one event
// per pipeline stage, with the stage-specific fields each stage reports
func StageEvents(studyID string) []Event {
	return []Event{
		{
			StudyID:   studyID,
			Stage:     StageValidateMetadata,
			Status:    StatusSuccess,
			LatencyMs: 150,
			Details:   map[string]any{"validation_errors": 0},
		},
		{
			StudyID:   studyID,
			Stage:     StagePrepareTensors,
			Status:    StatusSuccess,
			LatencyMs: 850,
			Details: map[string]any{
				"image_shape": []int{1, 3, constants.TensorSize, constants.TensorSize},
			},
		},
		{
			StudyID:   studyID,
			Stage:     StageRunInference,
			Status:    StatusSuccess,
			LatencyMs: 2300,
			Details: map[string]any{
				"model_version": constants.PipelineVersion,
				"confidence":    0.95,
			},
		},
		{
			StudyID:   studyID,
			Stage:     StageStoreResults,
			Status:    StatusSuccess,
			LatencyMs: 200,
			Details:   map[string]any{"results_size_bytes": 1024},
		},
	}
}
