// Package executor provides the executor interface and registry that back
// the task graph's interchangeable execution backends.
//
// Built-in executors (pkg/executor/builtin) include:
//   - agent: issues a free-text query to a long-running connected agent
//   - script: runs an inline script under an interpreter (python, bash, ...)
//   - command: runs an arbitrary executable with args
//   - http: posts a model-provider request over HTTP
//   - mcp_tool: delegates to a named MCP server/tool
//
// Custom executors can be registered at runtime using the Manager.
package executor

import (
	"context"
	"fmt"
)

// Result is the uniform outcome of an executor invocation: an optional
// textual output plus success/failure (failure is carried as an error
// returned alongside Result, not as a field on it). Metadata carries
// executor-specific extras (HTTP status/usage, process exit code, etc.)
// that DoD criteria or notifications may want to inspect.
type Result struct {
	Output    string
	HasOutput bool
	Metadata  map[string]any
}

// Executor is the interface every execution-type backend implements.
type Executor interface {
	// Execute runs the task's resolved configuration (all string fields
	// already variable-substituted by the caller, except late-bound
	// task-output references) and returns its textual result.
	Execute(ctx context.Context, config map[string]any) (*Result, error)

	// Validate validates the execution-type configuration ahead of dispatch.
	Validate(config map[string]any) error
}

// Manager manages the registration and retrieval of executors, keyed by
// execution-type name ("agent", "script", "command", "http", "mcp_tool").
type Manager interface {
	Register(execType string, executor Executor) error
	Get(execType string) (Executor, error)
	Has(execType string) bool
	List() []string
	Unregister(execType string) error
}

// ExecutorFunc is an adapter to allow the use of ordinary functions as Executors.
type ExecutorFunc struct {
	ExecuteFn  func(ctx context.Context, config map[string]any) (*Result, error)
	ValidateFn func(config map[string]any) error
}

// Execute calls the ExecuteFn function.
func (f *ExecutorFunc) Execute(ctx context.Context, config map[string]any) (*Result, error) {
	return f.ExecuteFn(ctx, config)
}

// Validate calls the ValidateFn function.
func (f *ExecutorFunc) Validate(config map[string]any) error {
	if f.ValidateFn == nil {
		return nil
	}
	return f.ValidateFn(config)
}

// NewExecutorFunc creates a new ExecutorFunc with the given functions.
func NewExecutorFunc(
	executeFn func(ctx context.Context, config map[string]any) (*Result, error),
	validateFn func(config map[string]any) error,
) Executor {
	return &ExecutorFunc{
		ExecuteFn:  executeFn,
		ValidateFn: validateFn,
	}
}

// BaseExecutor provides common functionality for executors.
type BaseExecutor struct {
	NodeType string
}

// NewBaseExecutor creates a new BaseExecutor.
func NewBaseExecutor(nodeType string) *BaseExecutor {
	return &BaseExecutor{
		NodeType: nodeType,
	}
}

// ValidateRequired validates that required fields are present in the configuration.
func (b *BaseExecutor) ValidateRequired(config map[string]any, fields ...string) error {
	for _, field := range fields {
		if _, ok := config[field]; !ok {
			return fmt.Errorf("required field missing: %s", field)
		}
	}
	return nil
}

// GetString safely retrieves a string value from config.
func (b *BaseExecutor) GetString(config map[string]any, key string) (string, error) {
	val, ok := config[key]
	if !ok {
		return "", fmt.Errorf("field not found: %s", key)
	}

	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("field %s is not a string", key)
	}

	return str, nil
}

// GetStringDefault safely retrieves a string value from config with a default.
func (b *BaseExecutor) GetStringDefault(config map[string]any, key, defaultValue string) string {
	val, ok := config[key]
	if !ok {
		return defaultValue
	}

	str, ok := val.(string)
	if !ok {
		return defaultValue
	}

	return str
}

// GetInt safely retrieves an int value from config.
func (b *BaseExecutor) GetInt(config map[string]any, key string) (int, error) {
	val, ok := config[key]
	if !ok {
		return 0, fmt.Errorf("field not found: %s", key)
	}

	// Handle both float64 (from JSON) and int
	switch v := val.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("field %s is not a number", key)
	}
}

// GetIntDefault safely retrieves an int value from config with a default.
func (b *BaseExecutor) GetIntDefault(config map[string]any, key string, defaultValue int) int {
	val, ok := config[key]
	if !ok {
		return defaultValue
	}

	switch v := val.(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return defaultValue
	}
}

// GetBool safely retrieves a bool value from config.
func (b *BaseExecutor) GetBool(config map[string]any, key string) (bool, error) {
	val, ok := config[key]
	if !ok {
		return false, fmt.Errorf("field not found: %s", key)
	}

	boolVal, ok := val.(bool)
	if !ok {
		return false, fmt.Errorf("field %s is not a boolean", key)
	}

	return boolVal, nil
}

// GetBoolDefault safely retrieves a bool value from config with a default.
func (b *BaseExecutor) GetBoolDefault(config map[string]any, key string, defaultValue bool) bool {
	val, ok := config[key]
	if !ok {
		return defaultValue
	}

	boolVal, ok := val.(bool)
	if !ok {
		return defaultValue
	}

	return boolVal
}

// GetMap safely retrieves a map value from config.
func (b *BaseExecutor) GetMap(config map[string]any, key string) (map[string]any, error) {
	val, ok := config[key]
	if !ok {
		return nil, fmt.Errorf("field not found: %s", key)
	}

	m, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("field %s is not a map", key)
	}

	return m, nil
}
