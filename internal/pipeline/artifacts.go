package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/savaki/radstream/internal/constants"
	"github.com/savaki/radstream/internal/policy"
)

// Artifact file names written next to a deployment
const (
	PipelineDefinitionFile     = "radstream_pipeline_definition.json"
	ErrorHandlerDefinitionFile = "radstream_error_handler_definition.json"
	IAMRoleFile                = "stepfunctions_iam_role.json"
)

// Artifacts renders the state machine definitions and the role policy keyed
// by file name
func Artifacts(scope policy.Scope) (map[string][]byte, error) {
	files := map[string][]byte{}

	for file, sm := range map[string]*StateMachine{
		PipelineDefinitionFile:     Pipeline(scope),
		ErrorHandlerDefinitionFile: ErrorHandler(scope),
	} {
		s, err := sm.JSON()
		if err != nil {
			return nil, err
		}
		files[file] = []byte(s)
	}

	role := map[string]any{
		"RoleName":                 constants.StepFunctionsRoleName,
		"AssumeRolePolicyDocument": policy.Trust(policy.StatesService),
		"Policies": []map[string]any{
			{
				"PolicyName":     constants.StepFunctionsRoleName + "Policy",
				"PolicyDocument": policy.StepFunctionsExecution(scope),
			},
		},
	}
	data, err := json.MarshalIndent(role, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal role definition: %w", err)
	}
	files[IAMRoleFile] = data

	return files, nil
}

// WriteArtifacts writes Artifacts into dir and returns the paths written
func WriteArtifacts(dir string, scope policy.Scope) ([]string, error) {
	files, err := Artifacts(scope)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	var paths []string
	for _, name := range []string{PipelineDefinitionFile, ErrorHandlerDefinitionFile, IAMRoleFile} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, files[name], 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
