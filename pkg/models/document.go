package models

import "github.com/smilemakc/agentflow/pkg/condition"

// WorkflowDocument is the fully parsed, immutable input to the engine.
// The YAML grammar that produces it is out of scope here; the engine
// only ever sees one of these, already parsed and validated.
type WorkflowDocument struct {
	Name        string
	Version     string
	Description string

	Inputs  map[string]InputParam
	Outputs map[string]OutputBinding

	Agents map[string]AgentSpec

	// Tasks is the top-level name -> spec map. Nested organizational
	// structure lives in each TaskSpec.Subtasks; the graph builder
	// flattens this into graph nodes (see pkg/graph).
	Tasks map[string]*TaskSpec

	Channels   []string
	MCPServers map[string]MCPServerSpec
	Subflows   map[string]SubflowSpec

	NotificationDefaults NotificationDefaults
	Limits               Limits
	Hooks                HooksSpec
}

// InputParam describes one declared workflow input.
type InputParam struct {
	Type     string
	Required bool
	Default  any
}

// OutputBindingKind names where an output binding's value comes from.
type OutputBindingKind string

const (
	OutputBindingFile       OutputBindingKind = "file"
	OutputBindingState      OutputBindingKind = "state"
	OutputBindingTaskOutput OutputBindingKind = "task_output"
)

// OutputBinding maps a declared workflow output name to its source.
type OutputBinding struct {
	Kind     OutputBindingKind
	Path     string // file
	StateKey string // state
	TaskID   string // task_output
}

// PermissionMode is an agent's filesystem/tool permission level, ordered
// from least to most permissive so DoD auto-elevation (§4.6) can pick
// "the next one up" or jump straight to the ceiling.
type PermissionMode int

const (
	PermissionDefault PermissionMode = iota
	PermissionAcceptEdits
	PermissionBypass
)

// MostPermissive returns the most permissive of a and b.
func MostPermissive(a, b PermissionMode) PermissionMode {
	if b > a {
		return b
	}
	return a
}

// AgentSpec describes one long-lived agent instance the workflow can
// address by name.
type AgentSpec struct {
	Name           string
	Tools          []string
	PermissionMode PermissionMode
	Cwd            string
	MaxTurns       int
	Model          string
}

// MCPServerSpec describes one MCP server the workflow can call tools on.
type MCPServerSpec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// SubflowSpec is a named, importable fragment of tasks a task can
// delegate to via the subflow execution type.
type SubflowSpec struct {
	Name   string
	Inputs map[string]InputParam
	Tasks  map[string]*TaskSpec
}

// NotificationSpec names where and how to notify on a lifecycle event.
// Delivery itself is an out-of-scope external collaborator; the engine
// only ever builds and hands off this value (see §6 Notification port).
type NotificationSpec struct {
	Notify   bool
	Channel  string
	Template string
}

// NotificationDefaults configures workflow-level notification boundaries,
// independent of any task's own on_complete.notify.
type NotificationDefaults struct {
	OnStart    *NotificationSpec
	OnComplete *NotificationSpec
	OnFailure  *NotificationSpec
}

// Limits bounds resource usage for a task or the whole workflow.
type Limits struct {
	MaxOutputSize  int64
	MaxTotalMemory int64
}

// HookCommand is one shell command the engine runs at a lifecycle
// boundary. Description is optional and, when set, is surfaced
// alongside the command in a failure log line.
type HookCommand struct {
	Command     string
	Description string
}

// HooksSpec is the workflow's lifecycle shell hooks: pre-workflow (run
// before any task starts; a non-zero exit aborts the run), per-stage
// (run after a named task reaches a terminal status), post-workflow
// and on-error (both logged on non-zero exit but never abort).
type HooksSpec struct {
	PreWorkflow  []HookCommand
	PostWorkflow []HookCommand
	OnError      []HookCommand
	Stages       map[string][]HookCommand
}

// TaskSpec is one task, executable or organizational, before or after
// flattening. Exactly one of the execution-type fields may be set on an
// executable task; none set (with Subtasks present, no Loop) marks the
// task organizational (see invariant 1, §3).
type TaskSpec struct {
	Name        string
	Description string

	// Execution type (mutually exclusive).
	Agent        *AgentExec
	Subflow      *SubflowExec
	Uses         *UsesExec
	Embed        *EmbedExec
	Script       *ScriptExec
	Command      *CommandExec
	HTTP         *HTTPExec
	MCPTool      *MCPToolExec
	UsesWorkflow *UsesWorkflowExec

	// Graph edges.
	DependsOn    []string
	ParallelWith []string
	Priority     int

	// Nesting: an ordered sequence of single-entry name->spec maps, so
	// that subtask declaration order is preserved.
	Subtasks []map[string]*TaskSpec

	// Control.
	Condition   *condition.Node
	Loop        *LoopSpec
	LoopControl *LoopControl

	// Verification.
	DefinitionOfDone *DoDSpec

	// Errors.
	OnError *OnError

	// I/O.
	Inputs  map[string]any
	Outputs map[string]string
	Output  string

	// InjectContext is tri-state: nil means unset (inherits from parent
	// only when the parent is true; otherwise behaves as false per the
	// Open Question decision in DESIGN.md).
	InjectContext *bool

	Limits *Limits
}

// HasExecType reports whether exactly one execution-type field is set.
func (t *TaskSpec) HasExecType() bool {
	return t.execTypeCount() == 1
}

// IsOrganizational reports whether t never runs itself: it carries
// subtasks, no loop, and no execution type.
func (t *TaskSpec) IsOrganizational() bool {
	return t.execTypeCount() == 0 && t.Loop == nil && len(t.Subtasks) > 0
}

// NoExecType reports whether none of the execution-type fields are set,
// the condition under which graph flattening may inherit an agent from
// a parent task without overriding an explicit execution type.
func (t *TaskSpec) NoExecType() bool {
	return t.execTypeCount() == 0
}

func (t *TaskSpec) execTypeCount() int {
	n := 0
	for _, set := range []bool{
		t.Agent != nil, t.Subflow != nil, t.Uses != nil, t.Embed != nil,
		t.Script != nil, t.Command != nil, t.HTTP != nil, t.MCPTool != nil,
		t.UsesWorkflow != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Clone produces a deep copy of t, suitable for per-iteration loop
// substitution (the iteration owns the clone and discards it at
// iteration end, per the ownership model in §3).
func (t *TaskSpec) Clone() *TaskSpec {
	if t == nil {
		return nil
	}
	clone := *t
	clone.DependsOn = append([]string(nil), t.DependsOn...)
	clone.ParallelWith = append([]string(nil), t.ParallelWith...)

	if t.Subtasks != nil {
		clone.Subtasks = make([]map[string]*TaskSpec, len(t.Subtasks))
		for i, m := range t.Subtasks {
			cm := make(map[string]*TaskSpec, len(m))
			for k, v := range m {
				cm[k] = v.Clone()
			}
			clone.Subtasks[i] = cm
		}
	}
	if t.Inputs != nil {
		clone.Inputs = cloneAny(t.Inputs).(map[string]any)
	}
	if t.Outputs != nil {
		clone.Outputs = make(map[string]string, len(t.Outputs))
		for k, v := range t.Outputs {
			clone.Outputs[k] = v
		}
	}
	if t.Agent != nil {
		c := *t.Agent
		clone.Agent = &c
	}
	if t.Script != nil {
		c := *t.Script
		c.Env = cloneStringMap(t.Script.Env)
		clone.Script = &c
	}
	if t.Command != nil {
		c := *t.Command
		c.Args = append([]string(nil), t.Command.Args...)
		c.Env = cloneStringMap(t.Command.Env)
		clone.Command = &c
	}
	if t.HTTP != nil {
		c := *t.HTTP
		c.Stop = append([]string(nil), t.HTTP.Stop...)
		if t.HTTP.Extra != nil {
			c.Extra = cloneAny(t.HTTP.Extra).(map[string]any)
		}
		clone.HTTP = &c
	}
	if t.MCPTool != nil {
		c := *t.MCPTool
		if t.MCPTool.Params != nil {
			c.Params = cloneAny(t.MCPTool.Params).(map[string]any)
		}
		clone.MCPTool = &c
	}
	if t.InjectContext != nil {
		v := *t.InjectContext
		clone.InjectContext = &v
	}
	return &clone
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// cloneAny deep-copies a JSON-shaped value (map/slice/scalar nesting),
// the same trick the teacher uses for its own Clone() methods.
func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneAny(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneAny(vv)
		}
		return out
	default:
		return t
	}
}

// AgentExec dispatches the task's Description (after variable
// substitution) as a free-text query to a named agent.
type AgentExec struct {
	AgentName string
}

// ScriptExec runs inline or file-sourced script content under a
// language interpreter.
type ScriptExec struct {
	Language   string // python, javascript, bash, ruby, perl
	Content    string
	File       string
	WorkingDir string
	Env        map[string]string
	TimeoutSecs int
}

// CommandExec runs an arbitrary executable with args.
type CommandExec struct {
	Executable    string
	Args          []string
	WorkingDir    string
	Env           map[string]string
	TimeoutSecs   int
	CaptureStdout bool
	CaptureStderr bool
}

// HTTPExec builds a provider-specific HTTP request to a model endpoint.
type HTTPExec struct {
	Endpoint     string
	APIKey       string
	Model        string
	Prompt       string
	SystemPrompt string
	Temperature  *float64
	MaxTokens    *int
	TopP         *float64
	TopK         *int
	Stop         []string
	Extra        map[string]any
}

// MCPToolExec names a server, a tool on it, and call parameters.
type MCPToolExec struct {
	Server string
	Tool   string
	Params map[string]any
}

// UsesExec references a predefined task by name@version.
type UsesExec struct {
	Ref string
}

// EmbedExec inlines a predefined task with field overrides.
type EmbedExec struct {
	Ref       string
	Overrides map[string]any
}

// SubflowExec delegates to a workflow-local subflow.
type SubflowExec struct {
	Name   string
	Inputs map[string]any
}

// UsesWorkflowExec delegates to an imported workflow by namespace:name.
type UsesWorkflowExec struct {
	Namespace string
	Workflow  string
	Inputs    map[string]any
}

// OnError derives the Retry/Fallback/Abort strategy for a task (§4.7).
type OnError struct {
	Retry              int
	RetryDelaySecs     float64
	ExponentialBackoff bool
	FallbackAgent      string
}

// DoDCriterionKind is the closed set of Definition-of-Done checks.
type DoDCriterionKind string

const (
	DoDFileExists      DoDCriterionKind = "file_exists"
	DoDFileContains    DoDCriterionKind = "file_contains"
	DoDFileNotContains DoDCriterionKind = "file_not_contains"
	DoDCommandSucceeds DoDCriterionKind = "command_succeeds"
	DoDOutputMatches   DoDCriterionKind = "output_matches"
	DoDDirectoryExists DoDCriterionKind = "directory_exists"
	DoDTestsPassed     DoDCriterionKind = "tests_passed"
)

// OutputMatchSourceKind names where output_matches reads its text from.
type OutputMatchSourceKind string

const (
	OutputMatchFile       OutputMatchSourceKind = "file"
	OutputMatchTaskOutput OutputMatchSourceKind = "task_output"
)

// DoDCriterion is one Definition-of-Done check.
type DoDCriterion struct {
	Kind        DoDCriterionKind
	Path        string
	Pattern     string
	Description string
	Command     string
	Args        []string
	WorkingDir  string

	// DoDOutputMatches only.
	SourceKind OutputMatchSourceKind
	SourceTask string // task id, when SourceKind == task_output
}

// DoDSpec is a task's full Definition-of-Done configuration.
type DoDSpec struct {
	Criteria               []DoDCriterion
	MaxRetries             int
	FailOnUnmet            bool
	AutoElevatePermissions bool
}

// LoopKind is the closed set of loop driver variants.
type LoopKind string

const (
	LoopForEach     LoopKind = "for_each"
	LoopRepeat      LoopKind = "repeat"
	LoopWhile       LoopKind = "while"
	LoopRepeatUntil LoopKind = "repeat_until"
)

// CollectionSourceKind names where a ForEach loop's items come from.
type CollectionSourceKind string

const (
	CollectionStateKey CollectionSourceKind = "state_key"
	CollectionFile     CollectionSourceKind = "file"
	CollectionRange    CollectionSourceKind = "range"
	CollectionInline   CollectionSourceKind = "inline"
	CollectionHTTP     CollectionSourceKind = "http"
)

// HTTPFetchSpec configures a ForEach loop's HTTP collection source.
type HTTPFetchSpec struct {
	Method         string
	URL            string
	Headers        map[string]string
	Body           string
	ResponseFormat string // "json" (default) or "text"
	JSONPath       string // optional path to the array within the response
}

// CollectionSource names a ForEach loop's item source; exactly one of
// the kind-specific fields is meaningful, selected by Kind.
type CollectionSource struct {
	Kind CollectionSourceKind

	StateKey string

	FilePath   string
	FileFormat string // json, jsonlines, csv, lines

	RangeStart int
	RangeEnd   int
	RangeStep  int

	Inline []any

	HTTP *HTTPFetchSpec
}

// LoopSpec is a task's loop configuration, one of four variants
// selected by Kind.
type LoopSpec struct {
	Kind        LoopKind
	IteratorVar string

	Collection *CollectionSource // ForEach
	Count      int               // Repeat

	Condition     *condition.Node // While (pre), RepeatUntil (post)
	MinIterations int             // RepeatUntil, default 1
	MaxIterations int             // While, RepeatUntil

	DelayBetweenSecs float64 // While

	Parallel       bool // ForEach, Repeat
	MaxParallel    int
	CollectResults bool
}

// LoopControl is orthogonal to the loop variant.
type LoopControl struct {
	BreakCondition     *condition.Node
	ContinueCondition  *condition.Node
	TimeoutSecs        int
	CheckpointInterval int // default 1
}
