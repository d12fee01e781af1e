package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMCPToolExecutor_Validate(t *testing.T) {
	e := NewMCPToolExecutor()
	assert.Error(t, e.Validate(map[string]any{}))
	assert.Error(t, e.Validate(map[string]any{"server_command": "mcp-server-fs"}))
	assert.NoError(t, e.Validate(map[string]any{"server_command": "mcp-server-fs", "tool": "read_file"}))
}
