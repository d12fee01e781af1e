package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptExecutor_Validate(t *testing.T) {
	e := NewScriptExecutor()
	assert.Error(t, e.Validate(map[string]any{}))
	assert.Error(t, e.Validate(map[string]any{"language": "cobol", "content": "x"}))
	assert.Error(t, e.Validate(map[string]any{"language": "bash"}))
	assert.NoError(t, e.Validate(map[string]any{"language": "bash", "content": "echo hi"}))
}

func TestScriptExecutor_Execute_InlineBash(t *testing.T) {
	e := NewScriptExecutor()
	out, err := e.Execute(context.Background(), map[string]any{
		"language": "bash",
		"content":  "echo from-script",
	})
	require.NoError(t, err)
	assert.Equal(t, "from-script\n", out.Output)
}

func TestScriptExecutor_Execute_NonZeroExit(t *testing.T) {
	e := NewScriptExecutor()
	_, err := e.Execute(context.Background(), map[string]any{
		"language": "bash",
		"content":  "exit 1",
	})
	assert.Error(t, err)
}
