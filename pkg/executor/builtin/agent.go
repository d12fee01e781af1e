package builtin

import (
	"context"
	"fmt"

	"github.com/smilemakc/agentflow/pkg/executor"
)

// Caller dispatches a free-text query to a named, long-running agent
// and returns its textual reply. The agent connection itself (process,
// SDK session, remote API) is an external collaborator out of this
// engine's scope; AgentExecutor only shapes the call.
type Caller interface {
	Call(ctx context.Context, agentName, query string, injectContext bool) (string, error)
}

// AgentExecutor issues a task's resolved description as a query to a
// named agent.
type AgentExecutor struct {
	*executor.BaseExecutor
	Caller Caller
}

// NewAgentExecutor builds an agent executor bound to caller.
func NewAgentExecutor(caller Caller) *AgentExecutor {
	return &AgentExecutor{BaseExecutor: executor.NewBaseExecutor("agent"), Caller: caller}
}

// Validate checks that the config names an agent and a query.
func (e *AgentExecutor) Validate(config map[string]any) error {
	return e.ValidateRequired(config, "agent_name", "query")
}

// Execute calls the named agent with the resolved query text.
func (e *AgentExecutor) Execute(ctx context.Context, config map[string]any) (*executor.Result, error) {
	if err := e.Validate(config); err != nil {
		return nil, err
	}
	if e.Caller == nil {
		return nil, fmt.Errorf("agent executor: no agent caller configured")
	}

	agentName, err := e.GetString(config, "agent_name")
	if err != nil {
		return nil, err
	}
	query, err := e.GetString(config, "query")
	if err != nil {
		return nil, err
	}
	injectContext := e.GetBoolDefault(config, "inject_context", false)

	reply, err := e.Caller.Call(ctx, agentName, query, injectContext)
	if err != nil {
		return nil, fmt.Errorf("agent executor: call %s: %w", agentName, err)
	}

	return &executor.Result{
		Output:    reply,
		HasOutput: reply != "",
		Metadata:  map[string]any{"agent_name": agentName},
	}, nil
}
