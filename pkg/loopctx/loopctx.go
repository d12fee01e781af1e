// Package loopctx implements the Loop Context: the per-iteration
// variable binding and task-template substitution a running loop uses
// to turn one TaskSpec template into N concrete task instances.
package loopctx

import (
	"fmt"
	"strconv"

	"github.com/smilemakc/agentflow/pkg/models"
	"github.com/smilemakc/agentflow/pkg/variables"
)

// Context is one loop iteration's binding frame. Nested loops form a
// chain through Parent; a child iteration's Loop scope carries its own
// item/index plus a "parent" sub-map exposing the enclosing loop's
// bindings, so a deeply nested task can still reach an outer loop's
// index.
type Context struct {
	Parent *Context
	Vars   *variables.Context
	Index  int
	Item   any
}

// Root wraps a base variable context (workflow/agent/task scopes
// already populated) as the outermost, no-iteration loop frame.
func Root(base *variables.Context) *Context {
	return &Context{Vars: base}
}

// Child derives a new iteration frame: index and item are bound into
// the loop scope both positionally ("index"/"item") and, when
// iteratorVar is set, under that name too.
func (c *Context) Child(index int, item any, iteratorVar string) *Context {
	childVars := c.Vars.Child()
	childVars.Loop["index"] = index
	childVars.Loop["item"] = item
	if iteratorVar != "" {
		childVars.Loop[iteratorVar] = item
	}
	if len(c.Vars.Loop) > 0 {
		parentScope := make(map[string]any, len(c.Vars.Loop))
		for k, v := range c.Vars.Loop {
			parentScope[k] = v
		}
		childVars.Loop["parent"] = parentScope
	}
	return &Context{Parent: c, Vars: childVars, Index: index, Item: item}
}

// SubstituteText interpolates ${...}/{{...}} references in text
// against this frame.
func (c *Context) SubstituteText(text string) string {
	if text == "" {
		return text
	}
	return variables.Interpolate(text, c.Vars)
}

// SubstituteTask deep-clones spec and substitutes every text field the
// loop driver exposes to iteration bodies: description, output path,
// script/command/HTTP/MCP text fields, and inputs — recursing into
// subtasks so a nested organizational group under a loop body is fully
// bound too. Condition and DoD fields reference fixed task ids and
// state keys rather than interpolated text, so they pass through
// unchanged.
func (c *Context) SubstituteTask(spec *models.TaskSpec) *models.TaskSpec {
	clone := spec.Clone()
	c.substituteInPlace(clone)
	return clone
}

func (c *Context) substituteInPlace(t *models.TaskSpec) {
	t.Description = c.SubstituteText(t.Description)
	t.Output = c.SubstituteText(t.Output)

	if t.Script != nil {
		t.Script.Content = c.SubstituteText(t.Script.Content)
		t.Script.File = c.SubstituteText(t.Script.File)
		t.Script.WorkingDir = c.SubstituteText(t.Script.WorkingDir)
		for k, v := range t.Script.Env {
			t.Script.Env[k] = c.SubstituteText(v)
		}
	}
	if t.Command != nil {
		t.Command.Executable = c.SubstituteText(t.Command.Executable)
		t.Command.WorkingDir = c.SubstituteText(t.Command.WorkingDir)
		for i, a := range t.Command.Args {
			t.Command.Args[i] = c.SubstituteText(a)
		}
		for k, v := range t.Command.Env {
			t.Command.Env[k] = c.SubstituteText(v)
		}
	}
	if t.HTTP != nil {
		t.HTTP.Endpoint = c.SubstituteText(t.HTTP.Endpoint)
		t.HTTP.Prompt = c.SubstituteText(t.HTTP.Prompt)
		t.HTTP.SystemPrompt = c.SubstituteText(t.HTTP.SystemPrompt)
		t.HTTP.Extra = c.substituteAny(t.HTTP.Extra)
	}
	if t.MCPTool != nil {
		t.MCPTool.Server = c.SubstituteText(t.MCPTool.Server)
		t.MCPTool.Tool = c.SubstituteText(t.MCPTool.Tool)
		if params, ok := c.substituteAny(t.MCPTool.Params).(map[string]any); ok {
			t.MCPTool.Params = params
		}
	}
	if t.Inputs != nil {
		t.Inputs = c.substituteAny(t.Inputs).(map[string]any)
	}

	for _, group := range t.Subtasks {
		for _, child := range group {
			c.substituteInPlace(child)
		}
	}
}

// substituteAny walks a JSON-shaped value, interpolating every string
// leaf; non-string scalars pass through unchanged.
func (c *Context) substituteAny(v any) any {
	switch t := v.(type) {
	case string:
		return c.SubstituteText(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = c.substituteAny(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = c.substituteAny(vv)
		}
		return out
	default:
		return t
	}
}

// IterationLabel renders a short human-readable label for logging and
// checkpoint entries, e.g. "item[3]=widget", or "iteration[3]" with no
// bound item.
func (c *Context) IterationLabel() string {
	if c.Item == nil {
		return "iteration[" + strconv.Itoa(c.Index) + "]"
	}
	return fmt.Sprintf("item[%d]=%v", c.Index, c.Item)
}
