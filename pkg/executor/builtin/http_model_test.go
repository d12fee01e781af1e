package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPModelExecutor_Validate(t *testing.T) {
	e := NewHTTPModelExecutor()
	assert.Error(t, e.Validate(map[string]any{}))
	assert.Error(t, e.Validate(map[string]any{"model": "gpt-4o", "prompt": "hi"}))
	assert.NoError(t, e.Validate(map[string]any{"model": "gpt-4o", "prompt": "hi", "api_key": "sk-test"}))
}
