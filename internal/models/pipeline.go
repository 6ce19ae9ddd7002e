// Package models holds the payloads passed between radstream-pipeline states.
// Each Task state writes its output under its ResultPath, so later states
// receive everything their predecessors produced.
package models

// StepFunctionInput is the input payload of a radstream-pipeline execution
type StepFunctionInput struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	StudyID   string `json:"study_id,omitempty"`
	EventTime string `json:"eventTime,omitempty"`
	RunID     string `json:"run_id,omitempty"` // KSUID sort key of the ledger record, when recorded
}

// Validation is the output of validate-metadata ($.validation)
type Validation struct {
	Valid       bool           `json:"valid"`
	Errors      []string       `json:"errors"`
	StudyID     string         `json:"studyId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ImageKey    string         `json:"imageKey,omitempty"`
	MetadataKey string         `json:"metadataKey,omitempty"`
	LatencyMs   int64          `json:"latency_ms"`
	Timestamp   string         `json:"timestamp"`
}

// NormalizationParams describes how pixel values were scaled
type NormalizationParams struct {
	Scale    float64  `json:"scale"`
	Windowed bool     `json:"windowed"`
	Window   *float64 `json:"window,omitempty"`
	Level    *float64 `json:"level,omitempty"`
	Mean     float64  `json:"mean"`
	Std      float64  `json:"std"`
	Min      float64  `json:"min"`
	Max      float64  `json:"max"`
}

// PreprocessedData is the tensor handed to the inference job. Exactly one of
// PreprocessedImage (inline base64) or PreprocessedImageURI is set.
type PreprocessedData struct {
	StudyID              string              `json:"study_id"`
	OriginalKey          string              `json:"original_key"`
	PreprocessedImage    string              `json:"preprocessed_image,omitempty"`
	PreprocessedImageURI string              `json:"preprocessed_image_uri,omitempty"`
	ImageShape           []int               `json:"image_shape"`
	NormalizationParams  NormalizationParams `json:"normalization_params"`
	Metadata             map[string]any      `json:"metadata,omitempty"`
}

// Preprocessing is the output of prepare-tensors ($.preprocessing)
type Preprocessing struct {
	Success          bool              `json:"success"`
	PreprocessedData *PreprocessedData `json:"preprocessedData,omitempty"`
	LatencyMs        int64             `json:"latency_ms"`
	Timestamp        string            `json:"timestamp"`
}

// ResultsLocation identifies stored inference results
type ResultsLocation struct {
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
	StudyID string `json:"study_id"`
}

// Storage is the output of store-results ($.storage)
type Storage struct {
	Success   bool             `json:"success"`
	Results   *ResultsLocation `json:"results,omitempty"`
	LatencyMs int64            `json:"latency_ms"`
	Timestamp string           `json:"timestamp"`
}

// Failure is what a Catch clause records at its ResultPath, and what the
// error handler receives
type Failure struct {
	Error string `json:"Error"`
	Cause string `json:"Cause"`
}

// State is the accumulated state document of a pipeline execution
type State struct {
	StepFunctionInput

	Validation    *Validation    `json:"validation,omitempty"`
	Preprocessing *Preprocessing `json:"preprocessing,omitempty"`
	Inference     map[string]any `json:"inference,omitempty"`
	Storage       *Storage       `json:"storage,omitempty"`
	Error         *Failure       `json:"error,omitempty"`
}

// ResolvedStudyID prefers the validated study id over the execution input
func (s *State) ResolvedStudyID() string {
	if s.Validation != nil && s.Validation.StudyID != "" {
		return s.Validation.StudyID
	}
	return s.StudyID
}

// Severity of a pipeline failure
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// ErrorAnalysis is the output of analyze-error ($.errorAnalysis)
type ErrorAnalysis struct {
	Severity  Severity `json:"severity"`
	Category  string   `json:"category"`
	Retryable bool     `json:"retryable"`
	Summary   string   `json:"summary"`
}
