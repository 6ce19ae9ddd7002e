package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/savaki/radstream/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteArtifacts(t *testing.T) {
	dir := t.TempDir()
	scope := policy.Scope{Region: "us-east-1", AccountID: "123456789012"}

	paths, err := WriteArtifacts(dir, scope)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, PipelineDefinitionFile),
		filepath.Join(dir, ErrorHandlerDefinitionFile),
		filepath.Join(dir, IAMRoleFile),
	}, paths)

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	var sm StateMachine
	require.NoError(t, json.Unmarshal(data, &sm))
	assert.Equal(t, StateValidateInput, sm.StartAt)
	assert.NoError(t, sm.Validate())

	data, err = os.ReadFile(paths[2])
	require.NoError(t, err)
	var role map[string]any
	require.NoError(t, json.Unmarshal(data, &role))
	assert.Equal(t, "RadStreamStepFunctionsRole", role["RoleName"])
}
