package models

import (
	"encoding/json"
	"path"
	"strings"
)

// ExecutionFailure describes a failed pipeline execution as the error
// handler sees it. It is decoded from the EventBridge "Step Functions
// Execution Status Change" event, from a pipeline state carrying a Catch
// record at $.error, or from a bare {Error, Cause} document.
type ExecutionFailure struct {
	ExecutionArn string `json:"executionArn,omitempty"`
	Status       string `json:"status,omitempty"`
	StudyID      string `json:"study_id,omitempty"`
	// RunID and RunStudyID locate the ledger record of the run. Both come
	// from the execution input and are empty for unrecorded runs.
	RunID      string `json:"run_id,omitempty"`
	RunStudyID string `json:"run_study_id,omitempty"`
	Error      string `json:"Error"`
	Cause      string `json:"Cause"`
	Time       string `json:"time,omitempty"`
}

type statusChangeDetail struct {
	ExecutionArn string `json:"executionArn"`
	Status       string `json:"status"`
	Error        string `json:"error"`
	Cause        string `json:"cause"`
	Input        string `json:"input"`
}

// UnmarshalJSON matches keys exactly. The event uses "error" for a string
// and pipeline states use it for a Catch record.
func (f *ExecutionFailure) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	str := func(key string) string {
		var s string
		if v, ok := raw[key]; ok {
			_ = json.Unmarshal(v, &s)
		}
		return s
	}

	*f = ExecutionFailure{
		ExecutionArn: str("executionArn"),
		Status:       str("status"),
		Error:        str("Error"),
		Cause:        str("Cause"),
		Time:         str("time"),
	}

	if v, ok := raw["error"]; ok {
		var catch Failure
		if err := json.Unmarshal(v, &catch); err == nil {
			f.Error, f.Cause = catch.Error, catch.Cause
		} else {
			f.Error = str("error")
		}
	}

	var input StepFunctionInput
	if v, ok := raw["detail"]; ok {
		var detail statusChangeDetail
		if err := json.Unmarshal(v, &detail); err != nil {
			return err
		}
		f.ExecutionArn = detail.ExecutionArn
		f.Status = detail.Status
		if detail.Error != "" {
			f.Error, f.Cause = detail.Error, detail.Cause
		}
		if detail.Input != "" {
			_ = json.Unmarshal([]byte(detail.Input), &input)
		}
	} else {
		_ = json.Unmarshal(data, &input)
	}

	if input.RunID != "" && input.StudyID != "" {
		f.RunID, f.RunStudyID = input.RunID, input.StudyID
	}

	var state struct {
		Validation *Validation `json:"validation"`
	}
	_ = json.Unmarshal(data, &state)

	switch {
	case state.Validation != nil && state.Validation.StudyID != "":
		f.StudyID = state.Validation.StudyID
	case input.StudyID != "":
		f.StudyID = StudyIDFromKey(input.StudyID)
	case input.Key != "":
		f.StudyID = StudyIDFromKey(input.Key)
	}
	return nil
}

// StudyIDFromKey extracts the study id from an images/{id}/{file} key. Bare
// ids and other keys fall back to the file stem.
func StudyIDFromKey(key string) string {
	if !strings.Contains(key, "/") {
		return key
	}
	parts := strings.Split(key, "/")
	if len(parts) >= 3 && parts[0] == "images" && parts[1] != "" {
		return parts[1]
	}
	base := path.Base(key)
	return strings.TrimSuffix(base, path.Ext(base))
}
