// Package hooks runs a workflow's lifecycle shell hooks: pre-workflow,
// post-workflow, per-stage (per terminal task), and on-error.
package hooks

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/smilemakc/agentflow/internal/infrastructure/logger"
	"github.com/smilemakc/agentflow/pkg/models"
)

// Context carries the lifecycle metadata a hook command's environment
// is built from.
type Context struct {
	WorkflowName string
	Stage        string
	Error        string
}

// Runner executes a workflow's configured hooks.
type Runner struct {
	Spec models.HooksSpec
	Log  *logger.Logger
}

// New returns a Runner for spec, logging under the "hooks" component.
func New(spec models.HooksSpec) *Runner {
	return &Runner{Spec: spec, Log: logger.Default().With("component", "hooks")}
}

// PreWorkflow runs the pre-workflow hooks. A non-zero exit aborts the
// run, so the first failing hook's error is returned immediately.
func (r *Runner) PreWorkflow(ctx context.Context, workflowName string) error {
	return r.run(ctx, r.Spec.PreWorkflow, Context{WorkflowName: workflowName}, true)
}

// PostWorkflow runs the post-workflow hooks. Failures are logged and
// do not abort anything — the workflow has already finished.
func (r *Runner) PostWorkflow(ctx context.Context, workflowName string) error {
	return r.run(ctx, r.Spec.PostWorkflow, Context{WorkflowName: workflowName}, false)
}

// OnError runs the on-error hooks. Failures are logged and swallowed,
// matching spec: the original error is what the caller re-raises.
func (r *Runner) OnError(ctx context.Context, workflowName, errMsg string) error {
	return r.run(ctx, r.Spec.OnError, Context{WorkflowName: workflowName, Error: errMsg}, false)
}

// Stage runs the per-stage hooks configured for taskID, if any.
// Failures are logged and do not abort the workflow.
func (r *Runner) Stage(ctx context.Context, workflowName, taskID string) error {
	hooks, ok := r.Spec.Stages[taskID]
	if !ok {
		return nil
	}
	return r.run(ctx, hooks, Context{WorkflowName: workflowName, Stage: taskID}, false)
}

func (r *Runner) run(ctx context.Context, hooks []models.HookCommand, hc Context, abortOnFailure bool) error {
	for _, h := range hooks {
		if err := r.runOne(ctx, h, hc); err != nil {
			if abortOnFailure {
				return err
			}
			r.Log.Warn("hook failed, continuing", "command", h.Command, "description", h.Description, "error", err)
		}
	}
	return nil
}

func (r *Runner) runOne(ctx context.Context, h models.HookCommand, hc Context) error {
	label := h.Command
	if h.Description != "" {
		label = fmt.Sprintf("%s (%s)", h.Command, h.Description)
	}
	r.Log.Info("running hook", "hook", label, "stage", hc.Stage)

	cmd := exec.CommandContext(ctx, "sh", "-c", h.Command)
	cmd.Env = append(cmd.Environ(),
		"WORKFLOW_NAME="+hc.WorkflowName,
		"WORKFLOW_STAGE="+hc.Stage,
		"WORKFLOW_ERROR="+hc.Error,
	)

	out, err := cmd.CombinedOutput()
	if trimmed := strings.TrimSpace(string(out)); trimmed != "" {
		r.Log.Info("hook output", "hook", label, "output", trimmed)
	}
	if err != nil {
		return fmt.Errorf("hook %q failed: %w", label, err)
	}
	return nil
}
