package builtin

import "github.com/smilemakc/agentflow/pkg/executor"

// Register installs every built-in executor into manager. caller
// backs the agent execution type; it may be nil if the workflow being
// run has no agent-typed tasks.
func Register(manager executor.Manager, caller Caller) error {
	entries := map[string]executor.Executor{
		"command":  NewCommandExecutor(),
		"script":   NewScriptExecutor(),
		"agent":    NewAgentExecutor(caller),
		"http":     NewHTTPModelExecutor(),
		"mcp_tool": NewMCPToolExecutor(),
	}
	for execType, ex := range entries {
		if err := manager.Register(execType, ex); err != nil {
			return err
		}
	}
	return nil
}
