package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionFailureUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want ExecutionFailure
	}{
		{
			name: "eventbridge status change",
			doc: `{
				"detail-type": "Step Functions Execution Status Change",
				"source": "aws.states",
				"time": "2024-01-15T10:30:00Z",
				"detail": {
					"executionArn": "arn:aws:states:us-east-1:123:execution:radstream-pipeline:x",
					"status": "FAILED",
					"error": "InferenceError",
					"cause": "Model inference failed",
					"input": "{\"bucket\":\"b\",\"key\":\"images/TEST-1/TEST-1.jpg\",\"study_id\":\"images/TEST-1/TEST-1.jpg\"}"
				}
			}`,
			want: ExecutionFailure{
				ExecutionArn: "arn:aws:states:us-east-1:123:execution:radstream-pipeline:x",
				Status:       "FAILED",
				StudyID:      "TEST-1",
				Error:        "InferenceError",
				Cause:        "Model inference failed",
				Time:         "2024-01-15T10:30:00Z",
			},
		},
		{
			name: "pipeline state with catch record",
			doc: `{
				"bucket": "b",
				"key": "images/TEST-2/TEST-2.json",
				"validation": {"valid": true, "errors": [], "studyId": "TEST-2", "latency_ms": 1, "timestamp": ""},
				"error": {"Error": "States.TaskFailed", "Cause": "boom"}
			}`,
			want: ExecutionFailure{
				StudyID: "TEST-2",
				Error:   "States.TaskFailed",
				Cause:   "boom",
			},
		},
		{
			name: "bare failure",
			doc:  `{"Error": "States.Timeout", "Cause": "timed out"}`,
			want: ExecutionFailure{
				Error: "States.Timeout",
				Cause: "timed out",
			},
		},
		{
			name: "log target shape",
			doc:  `{"executionArn": "arn:x", "status": "ABORTED", "error": ""}`,
			want: ExecutionFailure{
				ExecutionArn: "arn:x",
				Status:       "ABORTED",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ExecutionFailure
			require.NoError(t, json.Unmarshal([]byte(tt.doc), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStudyIDFromKey(t *testing.T) {
	tests := map[string]string{
		"TEST-000001":                        "TEST-000001",
		"images/TEST-000001/TEST-000001.jpg": "TEST-000001",
		"metadata/scan_01.json":              "scan_01",
		"images/x.jpg":                       "x",
	}
	for key, want := range tests {
		assert.Equal(t, want, StudyIDFromKey(key), key)
	}
}
