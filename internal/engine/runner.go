package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smilemakc/agentflow/internal/infrastructure/logger"
	"github.com/smilemakc/agentflow/pkg/condition"
	"github.com/smilemakc/agentflow/pkg/dod"
	"github.com/smilemakc/agentflow/pkg/executor"
	"github.com/smilemakc/agentflow/pkg/loop"
	"github.com/smilemakc/agentflow/pkg/loopctx"
	"github.com/smilemakc/agentflow/pkg/models"
	"github.com/smilemakc/agentflow/pkg/retry"
)

// SubflowRunner drives a named local subflow to completion and returns
// its textual output. The Scheduler implements this by building and
// running a nested graph over the subflow's own task set; Runner only
// ever sees the interface, so the two components share no import cycle.
type SubflowRunner interface {
	RunSubflow(ctx context.Context, spec models.SubflowSpec, inputs map[string]any) (string, error)
}

// ExternalResolver resolves the reference-style execution types
// outside the Executor Abstraction's closed set: uses/embed name a
// predefined task this engine does not itself maintain a library for,
// and uses_workflow names a workflow imported from outside the current
// document. A nil ExternalResolver means none of the three are wired;
// the Runner reports that as a configuration error rather than
// silently skipping the task.
type ExternalResolver interface {
	ResolveUses(ctx context.Context, ref string) (*models.TaskSpec, error)
	ResolveEmbed(ctx context.Context, ref string, overrides map[string]any) (*models.TaskSpec, error)
	ResolveUsesWorkflow(ctx context.Context, namespace, workflow string, inputs map[string]any) (string, error)
}

// Runner executes one task to a terminal outcome: condition check,
// reference resolution, variable substitution, dispatch, Definition of
// Done verification (with its own feedback-retry loop, composed
// outside error retry), output file write, and Workflow State update.
type Runner struct {
	Executors   executor.Manager
	State       *State
	MCPServers  map[string]models.MCPServerSpec
	SubflowDefs map[string]models.SubflowSpec
	Subflows    SubflowRunner
	Resolver    ExternalResolver
	Log         *logger.Logger

	// Checkpoint, if set, is invoked after every in-loop checkpoint_interval
	// boundary so a running loop's progress survives a crash, not only
	// the task's own completion.
	Checkpoint func()
}

// NewRunner builds a Runner around state, dispatching through executors
// and resolving mcpServers/subflowDefs by name.
func NewRunner(executors executor.Manager, state *State, mcpServers map[string]models.MCPServerSpec, subflowDefs map[string]models.SubflowSpec) *Runner {
	return &Runner{
		Executors:   executors,
		State:       state,
		MCPServers:  mcpServers,
		SubflowDefs: subflowDefs,
		Log:         logger.Default().With("component", "task_runner"),
	}
}

// Run executes id to a terminal status (Completed, Failed or Skipped)
// and returns its textual output. lc is the iteration frame the task
// runs under: loopctx.Root(vars) outside any loop, or a loop driver's
// per-iteration child frame when Run is invoked recursively for a
// loop's subtasks.
func (r *Runner) Run(ctx context.Context, id string, spec *models.TaskSpec, lc *loopctx.Context) (string, error) {
	log := r.Log.With("task_id", id)

	if !condition.Evaluate(spec.Condition, r.State) {
		r.State.SetTaskStatus(id, models.TaskSkipped)
		r.State.SetTaskOutput(id, "")
		log.Info("task skipped", "reason", "condition not met")
		return "", nil
	}

	resolved, err := r.resolveReference(ctx, spec)
	if err != nil {
		r.markFailed(id, err)
		log.Error("task failed", "error", err)
		return "", err
	}

	if resolved.Loop != nil {
		return r.runLoop(ctx, id, resolved, lc)
	}

	substituted := lc.SubstituteTask(resolved)

	r.State.SetTaskStatus(id, models.TaskRunning)
	r.State.SetTaskStartTime(id, time.Now())
	log.Info("task started")

	output, status, err := r.runWithDoD(ctx, id, substituted)
	r.State.SetTaskEndTime(id, time.Now())

	if status == models.TaskFailed {
		r.markFailed(id, err)
		log.Error("task failed", "error", err)
		return "", err
	}

	if substituted.Output != "" {
		if werr := writeOutputFile(substituted.Output, output); werr != nil {
			r.markFailed(id, werr)
			return "", werr
		}
	}

	r.State.SetTaskStatus(id, models.TaskCompleted)
	r.State.SetTaskOutput(id, output)
	r.State.SetTaskResult(id, &models.TaskOutput{Content: output, TotalSize: int64(len(output))})
	log.Info("task completed")
	return output, nil
}

func (r *Runner) markFailed(id string, err error) {
	r.State.SetTaskStatus(id, models.TaskFailed)
	r.State.SetTaskError(id, err)
}

// resolveReference expands uses/embed against the external predefined
// task library; subflow and uses_workflow are left for dispatch to
// handle (subflow resolves locally against SubflowDefs, uses_workflow
// needs the external resolver too, but produces output rather than a
// task to substitute and dispatch).
func (r *Runner) resolveReference(ctx context.Context, spec *models.TaskSpec) (*models.TaskSpec, error) {
	switch {
	case spec.Uses != nil:
		if r.Resolver == nil {
			return nil, fmt.Errorf("task runner: no external resolver configured for uses %q", spec.Uses.Ref)
		}
		return r.Resolver.ResolveUses(ctx, spec.Uses.Ref)

	case spec.Embed != nil:
		if r.Resolver == nil {
			return nil, fmt.Errorf("task runner: no external resolver configured for embed %q", spec.Embed.Ref)
		}
		return r.Resolver.ResolveEmbed(ctx, spec.Embed.Ref, spec.Embed.Overrides)

	default:
		return spec, nil
	}
}

// runWithDoD drives the DoD feedback-retry loop (composed outside
// error retry per spec): each DoD attempt runs a full on_error
// retry/fallback submission, then checks Definition of Done; an unmet
// result appends UNMET CRITERIA feedback (and a permission hint, once
// auto-elevation triggers) to the next attempt's effective text. The
// hint is text only: the agent's permission mode is not changed.
func (r *Runner) runWithDoD(ctx context.Context, id string, spec *models.TaskSpec) (string, models.TaskStatus, error) {
	dodSpec := spec.DefinitionOfDone
	maxDoDRetries := 0
	if dodSpec != nil {
		maxDoDRetries = dodSpec.MaxRetries
	}

	var feedback string
	var elevated bool
	var output string
	var lastErr error

	for dodAttempt := 0; dodAttempt <= maxDoDRetries; dodAttempt++ {
		working := spec
		if feedback != "" || elevated {
			working = spec.Clone()
			applyFeedback(working, feedback, elevated)
		}

		attemptLog := r.Log.With("task_id", id, "dod_attempt", dodAttempt)
		out, err := retry.Run(ctx, working.OnError,
			func(ctx context.Context, attempt int) (string, error) {
				r.State.IncrementAttempt(id)
				return r.dispatch(ctx, id, working)
			},
			func(ctx context.Context) (string, error) {
				fallback := working.Clone()
				if fallback.Agent != nil && working.OnError != nil {
					fallback.Agent.AgentName = working.OnError.FallbackAgent
				}
				return r.dispatch(ctx, id, fallback)
			},
			func(attempt int, attemptErr error) {
				attemptLog.Warn("attempt failed, retrying", "attempt", attempt, "error", attemptErr)
			},
		)
		if err != nil {
			return "", models.TaskFailed, err
		}
		output = out

		report := dod.Evaluate(dodSpec, dod.Context{TaskOutput: output, Outputs: r.State})
		if report.Met {
			return output, models.TaskCompleted, nil
		}

		lastErr = fmt.Errorf("dod unmet: %s", dod.FeedbackText(report))
		if dodAttempt >= maxDoDRetries {
			break
		}

		feedback = dod.FeedbackText(report)
		if dodSpec.AutoElevatePermissions && !elevated && dod.SuggestsPermissionProblem(output, report) {
			elevated = true
			attemptLog.Info("dod unmet, adding permission hint for retry")
		}
	}

	if dodSpec != nil && !dodSpec.FailOnUnmet {
		return output, models.TaskCompleted, nil
	}
	return output, models.TaskFailed, lastErr
}

// applyFeedback appends the UNMET CRITERIA block (and, once elevated,
// the permission hint) to every text channel a retry can plausibly
// read from: the task description (what the agent executor sends as
// its query) and, for an HTTP model call, the prompt.
func applyFeedback(spec *models.TaskSpec, feedback string, elevated bool) {
	text := feedback
	if elevated {
		text += "\n" + dod.PermissionHint
	}
	spec.Description = spec.Description + "\n\n" + text
	if spec.HTTP != nil {
		spec.HTTP.Prompt = spec.HTTP.Prompt + "\n\n" + text
	}
}

// dispatch builds an execution-type-specific config and calls the
// matching executor (or, for subflow/uses_workflow, the injected
// collaborator).
func (r *Runner) dispatch(ctx context.Context, id string, spec *models.TaskSpec) (string, error) {
	switch {
	case spec.Agent != nil:
		return r.callExecutor(ctx, "agent", r.buildAgentConfig(spec))
	case spec.Script != nil:
		return r.callExecutor(ctx, "script", buildScriptConfig(spec.Script))
	case spec.Command != nil:
		return r.callExecutor(ctx, "command", buildCommandConfig(spec.Command))
	case spec.HTTP != nil:
		return r.callExecutor(ctx, "http", buildHTTPConfig(spec.HTTP))
	case spec.MCPTool != nil:
		config, err := r.buildMCPConfig(spec.MCPTool)
		if err != nil {
			return "", err
		}
		return r.callExecutor(ctx, "mcp_tool", config)
	case spec.Subflow != nil:
		return r.dispatchSubflow(ctx, spec.Subflow)
	case spec.UsesWorkflow != nil:
		if r.Resolver == nil {
			return "", fmt.Errorf("task runner: no external resolver configured for uses_workflow %s:%s", spec.UsesWorkflow.Namespace, spec.UsesWorkflow.Workflow)
		}
		return r.Resolver.ResolveUsesWorkflow(ctx, spec.UsesWorkflow.Namespace, spec.UsesWorkflow.Workflow, spec.UsesWorkflow.Inputs)
	default:
		return "", fmt.Errorf("%w: task %q has no execution type", models.ErrInvalidExecType, id)
	}
}

func (r *Runner) callExecutor(ctx context.Context, execType string, config map[string]any) (string, error) {
	ex, err := r.Executors.Get(execType)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", models.ErrExecutorNotFound, execType, err)
	}
	result, err := ex.Execute(ctx, config)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", models.ErrExecutorFailed, execType, err)
	}
	return result.Output, nil
}

func (r *Runner) dispatchSubflow(ctx context.Context, ref *models.SubflowExec) (string, error) {
	if r.Subflows == nil {
		return "", fmt.Errorf("task runner: no subflow runner configured for subflow %q", ref.Name)
	}
	def, ok := r.SubflowDefs[ref.Name]
	if !ok {
		return "", fmt.Errorf("task runner: unknown subflow %q", ref.Name)
	}
	return r.Subflows.RunSubflow(ctx, def, ref.Inputs)
}

// buildAgentConfig builds the agent executor's config. When
// inject_context is set, a workflow context summary (completed tasks,
// their outputs, and a note about this task's own target output file)
// is prepended to the query.
func (r *Runner) buildAgentConfig(spec *models.TaskSpec) map[string]any {
	query := spec.Description
	if spec.InjectContext != nil && *spec.InjectContext {
		query = r.contextSummary(spec) + "\n\n" + query
	}
	return map[string]any{
		"agent_name": spec.Agent.AgentName,
		"query":      query,
	}
}

// contextSummary renders the workflow context an inject_context agent
// task is prefixed with: every completed task's id and (truncated)
// output, plus a note about this task's own output file if declared.
func (r *Runner) contextSummary(spec *models.TaskSpec) string {
	var b strings.Builder
	b.WriteString("Workflow context so far:\n")
	for _, t := range r.State.CompletedTasks() {
		fmt.Fprintf(&b, "- %s: %s\n", t.ID, truncateForSummary(t.Output))
	}
	if spec.Output != "" {
		fmt.Fprintf(&b, "Target output file: %s\n", spec.Output)
	}
	return b.String()
}

func truncateForSummary(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func buildScriptConfig(s *models.ScriptExec) map[string]any {
	return map[string]any{
		"language":     s.Language,
		"content":      s.Content,
		"file":         s.File,
		"working_dir":  s.WorkingDir,
		"env":          toAnyMap(s.Env),
		"timeout_secs": s.TimeoutSecs,
	}
}

func buildCommandConfig(c *models.CommandExec) map[string]any {
	return map[string]any{
		"executable":     c.Executable,
		"args":           toAnySlice(c.Args),
		"working_dir":    c.WorkingDir,
		"env":            toAnyMap(c.Env),
		"timeout_secs":   c.TimeoutSecs,
		"capture_stdout": c.CaptureStdout,
		"capture_stderr": c.CaptureStderr,
	}
}

func buildHTTPConfig(h *models.HTTPExec) map[string]any {
	config := map[string]any{
		"endpoint":      h.Endpoint,
		"api_key":       h.APIKey,
		"model":         h.Model,
		"prompt":        h.Prompt,
		"system_prompt": h.SystemPrompt,
	}
	if h.Temperature != nil {
		config["temperature"] = *h.Temperature
	}
	if h.MaxTokens != nil {
		config["max_tokens"] = *h.MaxTokens
	}
	if h.TopP != nil {
		config["top_p"] = *h.TopP
	}
	if len(h.Stop) > 0 {
		config["stop"] = toAnySlice(h.Stop)
	}
	return config
}

func (r *Runner) buildMCPConfig(m *models.MCPToolExec) (map[string]any, error) {
	server, ok := r.MCPServers[m.Server]
	if !ok {
		return nil, fmt.Errorf("task runner: unknown mcp server %q", m.Server)
	}
	return map[string]any{
		"server_command": server.Command,
		"server_args":    toAnySlice(server.Args),
		"server_env":     toAnyMap(server.Env),
		"tool":           m.Tool,
		"params":         m.Params,
	}, nil
}

func toAnySlice(ss []string) []any {
	if ss == nil {
		return nil
	}
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func toAnyMap(m map[string]string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// writeOutputFile writes content verbatim to path, creating ancestor
// directories.
func writeOutputFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("task runner: create output directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("task runner: write output file %s: %w", path, err)
	}
	return nil
}

// runLoop delegates a loop-carrying task to the Loop Driver. Each
// iteration either runs the task's own subtasks in order (when it
// carries them) or, for a looped single-execution task, runs one
// attempt/DoD submission per iteration.
func (r *Runner) runLoop(ctx context.Context, id string, spec *models.TaskSpec, base *loopctx.Context) (string, error) {
	log := r.Log.With("task_id", id)
	r.State.SetTaskStatus(id, models.TaskRunning)
	r.State.SetTaskStartTime(id, time.Now())
	log.Info("loop started", "kind", spec.Loop.Kind)

	var resume *models.LoopState
	if ls, ok := r.State.LoopStateOf(id); ok {
		resume = &ls
	}

	hasBreakCondition := spec.LoopControl != nil && spec.LoopControl.BreakCondition != nil

	iter := func(ctx context.Context, lc *loopctx.Context, index int) (string, error) {
		substituted := lc.SubstituteTask(spec)
		iterID := fmt.Sprintf("%s[%d]", id, index)

		if len(substituted.Subtasks) > 0 {
			out, err := r.runSubtasksInOrder(ctx, iterID, substituted, lc)
			if err != nil && !hasBreakCondition {
				// No break_condition configured: a failed subtask aborts
				// only its own iteration, per §4.8's loop+subtasks rule.
				log.Warn("iteration's subtask failed, continuing loop", "iteration", index, "error", err)
				return out, nil
			}
			return out, err
		}

		if !substituted.HasExecType() {
			return "", fmt.Errorf("task runner: loop task %q has no subtasks or execution type", id)
		}
		out, status, err := r.runWithDoD(ctx, iterID, substituted)
		if status == models.TaskFailed && !hasBreakCondition {
			log.Warn("iteration failed, continuing loop", "iteration", index, "error", err)
			return out, nil
		}
		return out, err
	}

	onCheckpoint := func(ls models.LoopState) {
		r.State.SetLoopState(id, ls)
		if r.Checkpoint != nil {
			r.Checkpoint()
		}
	}

	outcome, err := loop.Run(ctx, base, spec.Loop, spec.LoopControl, r.State, r.State, iter, resume, onCheckpoint)
	r.State.SetTaskEndTime(id, time.Now())
	r.State.SetLoopState(id, outcome.State)
	if spec.Loop.CollectResults {
		r.State.SetLoopResults(id, outcome.Results)
	}

	if err != nil {
		r.markFailed(id, err)
		log.Error("loop failed", "error", err)
		return "", err
	}

	r.State.SetTaskStatus(id, models.TaskCompleted)
	log.Info("loop completed")
	return "", nil
}

// runSubtasksInOrder runs spec's subtask groups in declaration order,
// one task at a time; a subtask's own loop or condition is handled by
// the recursive Run call exactly as it would be outside a loop.
func (r *Runner) runSubtasksInOrder(ctx context.Context, parentID string, spec *models.TaskSpec, lc *loopctx.Context) (string, error) {
	var last string
	for _, group := range spec.Subtasks {
		for name, child := range group {
			childID := parentID + "." + name
			out, err := r.Run(ctx, childID, child, lc)
			if err != nil {
				return last, err
			}
			last = out
		}
	}
	return last, nil
}
