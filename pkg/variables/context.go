// Package variables implements the Variable Context: the four scoped
// namespaces (workflow/agent/task/loop) a workflow's text fields are
// resolved against, and the ${...}/{{...}} interpolation syntax that
// reads from them.
package variables

import "errors"

// Scope names one of the four variable namespaces.
type Scope string

const (
	ScopeWorkflow Scope = "workflow"
	ScopeAgent    Scope = "agent"
	ScopeTask     Scope = "task"
	ScopeLoop     Scope = "loop"
)

// ErrUnresolved names a variable reference that cannot be found in any
// scope. Resolve and Interpolate do not return it: Resolve reports a
// miss as ok == false, and Interpolate leaves the reference verbatim.
var ErrUnresolved = errors.New("variables: unresolved reference")

// TaskOutputLookup resolves a completed task's output text, late-bound
// so a ${task.<id>.output} reference can be written before the
// referenced task has actually run.
type TaskOutputLookup interface {
	TaskOutput(taskID string) (string, bool)
}

// Context holds the four scopes plus the late-bound task-output
// lookup. All four scope maps are optional; a nil map behaves as
// empty.
type Context struct {
	Workflow map[string]any
	Agent    map[string]any
	Task     map[string]any
	Loop     map[string]any

	Outputs TaskOutputLookup
}

// New returns an empty Context with all four scopes initialized.
func New() *Context {
	return &Context{
		Workflow: map[string]any{},
		Agent:    map[string]any{},
		Task:     map[string]any{},
		Loop:     map[string]any{},
	}
}

// Child returns a new Context sharing this one's Workflow/Agent/Task
// scopes but with its own, independent Loop scope — the shape a nested
// loop iteration's context takes (see pkg/loopctx), so a child
// iteration's bindings never leak back into its parent's.
func (c *Context) Child() *Context {
	return &Context{
		Workflow: c.Workflow,
		Agent:    c.Agent,
		Task:     c.Task,
		Loop:     map[string]any{},
		Outputs:  c.Outputs,
	}
}

func (c *Context) scope(s Scope) map[string]any {
	switch s {
	case ScopeWorkflow:
		return c.Workflow
	case ScopeAgent:
		return c.Agent
	case ScopeTask:
		return c.Task
	case ScopeLoop:
		return c.Loop
	default:
		return nil
	}
}

// searchOrder is the precedence unqualified names are resolved in:
// workflow-level declarations first, then agent, then task, then the
// most local (loop) scope last.
var searchOrder = []Scope{ScopeWorkflow, ScopeAgent, ScopeTask, ScopeLoop}
