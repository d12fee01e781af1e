package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smilemakc/agentflow/internal/engine/hooks"
	"github.com/smilemakc/agentflow/internal/infrastructure/logger"
	"github.com/smilemakc/agentflow/pkg/checkpoint"
	"github.com/smilemakc/agentflow/pkg/executor"
	"github.com/smilemakc/agentflow/pkg/graph"
	"github.com/smilemakc/agentflow/pkg/loopctx"
	"github.com/smilemakc/agentflow/pkg/models"
	"github.com/smilemakc/agentflow/pkg/variables"
)

// ErrStalled is returned when the scheduler's ready-set is empty but
// the graph has not completed — every remaining task is blocked on a
// dependency that will never become ready, which BuildGraph's own
// cycle/dangling-reference checks should already have ruled out. If it
// fires, it means a bug upstream, not a workflow authoring mistake.
var ErrStalled = errors.New("scheduler: stalled with no ready tasks and the graph incomplete")

// Scheduler drives a flattened task graph to completion: it is the
// top-level async loop that pulls ready tasks, spawns parallel
// groups, resumes from checkpoint, and fires lifecycle hooks.
type Scheduler struct {
	Doc        *models.WorkflowDocument
	Graph      *graph.Graph
	State      *State
	Runner     *Runner
	Hooks      *hooks.Runner
	Checkpoint *checkpoint.Store
	Log        *logger.Logger

	// MaxParallel bounds a parallel group's concurrency; 0 means
	// unbounded (one goroutine per group member).
	MaxParallel int
}

// NewScheduler builds a Scheduler for doc: it flattens the graph,
// creates a fresh Workflow State, and wires a Task Runner over
// executors. Call WithResolver before Run if any task uses
// uses/embed/uses_workflow.
func NewScheduler(doc *models.WorkflowDocument, executors executor.Manager, store *checkpoint.Store) (*Scheduler, error) {
	g, err := graph.BuildGraph(doc)
	if err != nil {
		return nil, fmt.Errorf("scheduler: build graph: %w", err)
	}

	state := New(doc.Name, g.IDs())
	runner := NewRunner(executors, state, doc.MCPServers, doc.Subflows)

	s := &Scheduler{
		Doc:        doc,
		Graph:      g,
		State:      state,
		Runner:     runner,
		Hooks:      hooks.New(doc.Hooks),
		Checkpoint: store,
		Log:        logger.Default().With("component", "scheduler", "run_id", state.RunID()),
	}
	runner.Subflows = s
	return s, nil
}

// WithResolver wires the external collaborator uses/embed/uses_workflow
// tasks resolve against.
func (s *Scheduler) WithResolver(r ExternalResolver) {
	s.Runner.Resolver = r
}

// Run drives every task to a terminal status: resume from checkpoint
// if one exists, fire pre-workflow hooks, repeatedly dispatch the
// current ready set (spawning a task's parallel_with peers alongside
// it), checkpoint after every terminal transition, and fire
// post-workflow or on-error hooks depending on outcome.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.resume(); err != nil {
		return fmt.Errorf("scheduler: resume: %w", err)
	}

	if err := s.Hooks.PreWorkflow(ctx, s.Doc.Name); err != nil {
		return fmt.Errorf("scheduler: pre-workflow hook: %w", err)
	}

	runErr := s.runLoop(ctx)

	if runErr != nil {
		s.State.SetOverallStatus(models.WorkflowFailed)
		s.checkpoint()
		_ = s.Hooks.OnError(ctx, s.Doc.Name, runErr.Error())
		return runErr
	}

	s.State.SetOverallStatus(models.WorkflowCompleted)
	s.State.MarkEnded()
	s.checkpoint()
	return s.Hooks.PostWorkflow(ctx, s.Doc.Name)
}

func (s *Scheduler) runLoop(ctx context.Context) error {
	for !s.Graph.IsComplete() {
		if err := ctx.Err(); err != nil {
			return err
		}

		ready := s.Graph.ReadySet()
		if len(ready) == 0 {
			return ErrStalled
		}

		group := s.claimGroup(ready[0])
		if err := s.runGroup(ctx, group); err != nil {
			return err
		}
	}
	return nil
}

// claimGroup picks id plus every currently-ready parallel_with peer,
// and marks all of them Running immediately so the next ReadySet call
// does not hand them out twice.
func (s *Scheduler) claimGroup(id string) []string {
	peers := s.Graph.ParallelTasks(id)
	group := append([]string{id}, peers...)
	for _, gid := range group {
		_ = s.Graph.UpdateStatus(gid, models.TaskRunning)
	}
	return group
}

func (s *Scheduler) runGroup(ctx context.Context, ids []string) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.MaxParallel > 0 {
		g.SetLimit(s.MaxParallel)
	}

	for _, id := range ids {
		id := id
		g.Go(func() error {
			return s.runOne(gctx, id)
		})
	}
	return g.Wait()
}

func (s *Scheduler) runOne(ctx context.Context, id string) error {
	node, ok := s.Graph.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}

	vars := variables.New()
	vars.Outputs = s.State
	vars.Workflow = workflowDefaults(s.Doc.Inputs)

	_, err := s.Runner.Run(ctx, id, node.Spec, loopctx.Root(vars))

	finalStatus, _ := s.State.TaskStatusOf(id)
	_ = s.Graph.UpdateStatus(id, finalStatus)
	s.checkpoint()
	_ = s.Hooks.Stage(ctx, s.Doc.Name, id)

	return err
}

func (s *Scheduler) checkpoint() {
	if s.Checkpoint == nil {
		return
	}
	if err := s.Checkpoint.Save(s.Doc.Name, s.State); err != nil {
		s.Log.Error("checkpoint save failed", "error", err)
		return
	}
	s.State.Checkpointed(time.Now())
}

// workflowDefaults seeds the workflow variable scope from each
// declared input's default value; actual caller-supplied input values
// are out of scope for the Variable Context itself (the embedding
// program is expected to populate vars.Workflow directly when it
// needs to override a default before calling Run).
func workflowDefaults(inputs map[string]models.InputParam) map[string]any {
	out := make(map[string]any, len(inputs))
	for name, p := range inputs {
		if p.Default != nil {
			out[name] = p.Default
		}
	}
	return out
}

// resume loads a prior checkpoint, if the store has one and its
// overall status permits resuming, and brings the graph's per-node
// status in sync with the restored state so ReadySet skips whatever
// already finished.
func (s *Scheduler) resume() error {
	if s.Checkpoint == nil || !s.Checkpoint.Has(s.Doc.Name) {
		return nil
	}

	restored := &State{}
	if err := s.Checkpoint.Load(s.Doc.Name, restored); err != nil {
		return err
	}
	if !restored.CanResume() {
		return nil
	}

	s.State = restored
	s.Runner.State = restored

	for _, id := range s.Graph.IDs() {
		status, ok := restored.TaskStatusOf(id)
		if !ok {
			continue
		}
		_ = s.Graph.UpdateStatus(id, status)
	}
	return nil
}

// RunSubflow implements SubflowRunner: it builds a nested graph over
// the subflow's own tasks, drives it with its own Scheduler sharing
// this Scheduler's executors and external resolver, and returns the
// textual output of the last task in topological order. The nested
// document carries no hooks and no checkpoint store, so no hooks fire
// and no checkpoint is written for the subflow.
func (s *Scheduler) RunSubflow(ctx context.Context, spec models.SubflowSpec, inputs map[string]any) (string, error) {
	docInputs := make(map[string]models.InputParam, len(inputs))
	for k, v := range inputs {
		docInputs[k] = models.InputParam{Default: v}
	}

	sub := &models.WorkflowDocument{
		Name:       s.Doc.Name + "." + spec.Name,
		Tasks:      spec.Tasks,
		Inputs:     docInputs,
		Agents:     s.Doc.Agents,
		MCPServers: s.Doc.MCPServers,
		Subflows:   s.Doc.Subflows,
	}

	subSched, err := NewScheduler(sub, s.Runner.Executors, nil)
	if err != nil {
		return "", fmt.Errorf("subflow %q: %w", spec.Name, err)
	}
	subSched.Runner.Resolver = s.Runner.Resolver

	if err := subSched.Run(ctx); err != nil {
		return "", fmt.Errorf("subflow %q: %w", spec.Name, err)
	}

	order, err := subSched.Graph.TopologicalSort()
	if err != nil || len(order) == 0 {
		return "", nil
	}
	out, _ := subSched.State.TaskOutput(order[len(order)-1])
	return out, nil
}
