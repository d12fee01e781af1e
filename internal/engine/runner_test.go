package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/agentflow/pkg/condition"
	"github.com/smilemakc/agentflow/pkg/executor"
	"github.com/smilemakc/agentflow/pkg/loopctx"
	"github.com/smilemakc/agentflow/pkg/models"
	"github.com/smilemakc/agentflow/pkg/variables"
)

func newTestRunner(t *testing.T, state *State) (*Runner, *executor.Registry) {
	t.Helper()
	reg := executor.NewRegistry()
	r := NewRunner(reg, state, map[string]models.MCPServerSpec{}, map[string]models.SubflowSpec{})
	return r, reg
}

func rootCtxFor(state *State) *loopctx.Context {
	vars := variables.New()
	vars.Outputs = state
	return loopctx.Root(vars)
}

func TestRunner_ConditionFalseSkips(t *testing.T) {
	s := New("wf", []string{"t1"})
	r, _ := newTestRunner(t, s)

	spec := &models.TaskSpec{
		Name:      "t1",
		Condition: &condition.Node{Kind: condition.KindNever},
		Command:   &models.CommandExec{Executable: "true"},
	}
	out, err := r.Run(context.Background(), "t1", spec, rootCtxFor(s))
	require.NoError(t, err)
	assert.Equal(t, "", out)
	status, _ := s.TaskStatusOf("t1")
	assert.Equal(t, models.TaskSkipped, status)
}

func TestRunner_CommandSuccess_WritesOutputFile(t *testing.T) {
	s := New("wf", []string{"t1"})
	r, reg := newTestRunner(t, s)
	require.NoError(t, reg.Register("command", executor.NewExecutorFunc(
		func(ctx context.Context, config map[string]any) (*executor.Result, error) {
			assert.Equal(t, "echo", config["executable"])
			return &executor.Result{Output: "hello", HasOutput: true}, nil
		}, nil,
	)))

	outPath := filepath.Join(t.TempDir(), "nested", "out.txt")
	spec := &models.TaskSpec{
		Name:    "t1",
		Command: &models.CommandExec{Executable: "echo"},
		Output:  outPath,
	}
	out, err := r.Run(context.Background(), "t1", spec, rootCtxFor(s))
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	status, _ := s.TaskStatusOf("t1")
	assert.Equal(t, models.TaskCompleted, status)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestRunner_ExecutorFailure_OnErrorExhausts(t *testing.T) {
	s := New("wf", []string{"t1"})
	r, reg := newTestRunner(t, s)
	calls := 0
	require.NoError(t, reg.Register("command", executor.NewExecutorFunc(
		func(ctx context.Context, config map[string]any) (*executor.Result, error) {
			calls++
			return nil, assertErr
		}, nil,
	)))

	spec := &models.TaskSpec{
		Name:    "t1",
		Command: &models.CommandExec{Executable: "false"},
		OnError: &models.OnError{Retry: 2},
	}
	_, err := r.Run(context.Background(), "t1", spec, rootCtxFor(s))
	require.Error(t, err)
	assert.Equal(t, 2, calls)

	status, _ := s.TaskStatusOf("t1")
	assert.Equal(t, models.TaskFailed, status)
	msg, ok := s.TaskErrorOf("t1")
	require.True(t, ok)
	assert.NotEmpty(t, msg)
}

func TestRunner_OnErrorFallback(t *testing.T) {
	s := New("wf", []string{"t1"})
	r, reg := newTestRunner(t, s)
	require.NoError(t, reg.Register("agent", executor.NewExecutorFunc(
		func(ctx context.Context, config map[string]any) (*executor.Result, error) {
			if config["agent_name"] == "backup" {
				return &executor.Result{Output: "rescued"}, nil
			}
			return nil, assertErr
		}, nil,
	)))

	spec := &models.TaskSpec{
		Name:        "t1",
		Description: "do it",
		Agent:       &models.AgentExec{AgentName: "primary"},
		OnError:     &models.OnError{FallbackAgent: "backup"},
	}
	out, err := r.Run(context.Background(), "t1", spec, rootCtxFor(s))
	require.NoError(t, err)
	assert.Equal(t, "rescued", out)
}

func TestRunner_DoDUnmet_RetriesWithFeedbackThenSucceeds(t *testing.T) {
	s := New("wf", []string{"t1"})
	r, reg := newTestRunner(t, s)

	attempt := 0
	require.NoError(t, reg.Register("agent", executor.NewExecutorFunc(
		func(ctx context.Context, config map[string]any) (*executor.Result, error) {
			attempt++
			query := config["query"].(string)
			if attempt == 1 {
				return &executor.Result{Output: "no marker here"}, nil
			}
			assert.Contains(t, query, "UNMET CRITERIA")
			return &executor.Result{Output: "status: DONE"}, nil
		}, nil,
	)))

	spec := &models.TaskSpec{
		Name:        "t1",
		Description: "write status",
		Agent:       &models.AgentExec{AgentName: "writer"},
		DefinitionOfDone: &models.DoDSpec{
			Criteria:    []models.DoDCriterion{{Kind: models.DoDOutputMatches, SourceKind: models.OutputMatchTaskOutput, Pattern: "DONE"}},
			MaxRetries:  2,
			FailOnUnmet: true,
		},
	}
	out, err := r.Run(context.Background(), "t1", spec, rootCtxFor(s))
	require.NoError(t, err)
	assert.Equal(t, "status: DONE", out)
	assert.Equal(t, 2, attempt)

	status, _ := s.TaskStatusOf("t1")
	assert.Equal(t, models.TaskCompleted, status)
}

func TestRunner_DoDUnmet_ExhaustedFailsWhenFailOnUnmet(t *testing.T) {
	s := New("wf", []string{"t1"})
	r, reg := newTestRunner(t, s)
	require.NoError(t, reg.Register("agent", executor.NewExecutorFunc(
		func(ctx context.Context, config map[string]any) (*executor.Result, error) {
			return &executor.Result{Output: "nope"}, nil
		}, nil,
	)))

	spec := &models.TaskSpec{
		Name:  "t1",
		Agent: &models.AgentExec{AgentName: "writer"},
		DefinitionOfDone: &models.DoDSpec{
			Criteria:    []models.DoDCriterion{{Kind: models.DoDOutputMatches, SourceKind: models.OutputMatchTaskOutput, Pattern: "DONE"}},
			MaxRetries:  1,
			FailOnUnmet: true,
		},
	}
	_, err := r.Run(context.Background(), "t1", spec, rootCtxFor(s))
	require.Error(t, err)
	status, _ := s.TaskStatusOf("t1")
	assert.Equal(t, models.TaskFailed, status)
}

func TestRunner_DoDUnmet_CompletesWhenNotFailOnUnmet(t *testing.T) {
	s := New("wf", []string{"t1"})
	r, reg := newTestRunner(t, s)
	require.NoError(t, reg.Register("agent", executor.NewExecutorFunc(
		func(ctx context.Context, config map[string]any) (*executor.Result, error) {
			return &executor.Result{Output: "nope"}, nil
		}, nil,
	)))

	spec := &models.TaskSpec{
		Name:  "t1",
		Agent: &models.AgentExec{AgentName: "writer"},
		DefinitionOfDone: &models.DoDSpec{
			Criteria:    []models.DoDCriterion{{Kind: models.DoDOutputMatches, SourceKind: models.OutputMatchTaskOutput, Pattern: "DONE"}},
			MaxRetries:  0,
			FailOnUnmet: false,
		},
	}
	out, err := r.Run(context.Background(), "t1", spec, rootCtxFor(s))
	require.NoError(t, err)
	assert.Equal(t, "nope", out)
	status, _ := s.TaskStatusOf("t1")
	assert.Equal(t, models.TaskCompleted, status)
}

func TestRunner_InjectContext_PrependsCompletedTaskSummary(t *testing.T) {
	s := New("wf", []string{"t1", "t2"})
	s.SetTaskStatus("t1", models.TaskCompleted)
	s.SetTaskOutput("t1", "first result")

	r, reg := newTestRunner(t, s)
	var seenQuery string
	require.NoError(t, reg.Register("agent", executor.NewExecutorFunc(
		func(ctx context.Context, config map[string]any) (*executor.Result, error) {
			seenQuery = config["query"].(string)
			return &executor.Result{Output: "ok"}, nil
		}, nil,
	)))

	inject := true
	spec := &models.TaskSpec{
		Name:          "t2",
		Description:   "build on t1",
		Agent:         &models.AgentExec{AgentName: "writer"},
		InjectContext: &inject,
	}
	_, err := r.Run(context.Background(), "t2", spec, rootCtxFor(s))
	require.NoError(t, err)
	assert.Contains(t, seenQuery, "first result")
	assert.Contains(t, seenQuery, "build on t1")
}

func TestRunner_LoopWithSubtasksInOrder(t *testing.T) {
	s := New("wf", []string{"loop_task"})
	r, reg := newTestRunner(t, s)
	var order []string
	require.NoError(t, reg.Register("command", executor.NewExecutorFunc(
		func(ctx context.Context, config map[string]any) (*executor.Result, error) {
			order = append(order, config["executable"].(string))
			return &executor.Result{Output: "ok"}, nil
		}, nil,
	)))

	spec := &models.TaskSpec{
		Name: "loop_task",
		Loop: &models.LoopSpec{
			Kind:  models.LoopRepeat,
			Count: 2,
		},
		Subtasks: []map[string]*models.TaskSpec{
			{"step_a": {Name: "step_a", Command: &models.CommandExec{Executable: "a"}}},
			{"step_b": {Name: "step_b", Command: &models.CommandExec{Executable: "b"}}},
		},
	}
	_, err := r.Run(context.Background(), "loop_task", spec, rootCtxFor(s))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "a", "b"}, order)

	status, _ := s.TaskStatusOf("loop_task")
	assert.Equal(t, models.TaskCompleted, status)

	ls, ok := s.LoopStateOf("loop_task")
	require.True(t, ok)
	assert.Equal(t, 2, *ls.TotalIterations)
}

func TestRunner_Subflow_DispatchesToSubflowRunner(t *testing.T) {
	s := New("wf", []string{"t1"})
	r, _ := newTestRunner(t, s)

	fake := &fakeSubflowRunner{output: "subflow done"}
	r.Subflows = fake
	r.SubflowDefs = map[string]models.SubflowSpec{
		"cleanup": {Name: "cleanup"},
	}

	spec := &models.TaskSpec{
		Name:    "t1",
		Subflow: &models.SubflowExec{Name: "cleanup", Inputs: map[string]any{"x": 1}},
	}
	out, err := r.Run(context.Background(), "t1", spec, rootCtxFor(s))
	require.NoError(t, err)
	assert.Equal(t, "subflow done", out)
	assert.Equal(t, "cleanup", fake.gotName)
}

func TestRunner_Uses_NoResolverConfigured_Errors(t *testing.T) {
	s := New("wf", []string{"t1"})
	r, _ := newTestRunner(t, s)

	spec := &models.TaskSpec{
		Name: "t1",
		Uses: &models.UsesExec{Ref: "lint@1"},
	}
	_, err := r.Run(context.Background(), "t1", spec, rootCtxFor(s))
	require.Error(t, err)
	status, _ := s.TaskStatusOf("t1")
	assert.Equal(t, models.TaskFailed, status)
}

func TestRunner_Uses_ResolvesViaExternalResolver(t *testing.T) {
	s := New("wf", []string{"t1"})
	r, reg := newTestRunner(t, s)
	require.NoError(t, reg.Register("command", executor.NewExecutorFunc(
		func(ctx context.Context, config map[string]any) (*executor.Result, error) {
			return &executor.Result{Output: "linted"}, nil
		}, nil,
	)))
	r.Resolver = &fakeResolver{usesSpec: &models.TaskSpec{Name: "lint", Command: &models.CommandExec{Executable: "lint"}}}

	spec := &models.TaskSpec{
		Name: "t1",
		Uses: &models.UsesExec{Ref: "lint@1"},
	}
	out, err := r.Run(context.Background(), "t1", spec, rootCtxFor(s))
	require.NoError(t, err)
	assert.Equal(t, "linted", out)
}

func TestRunner_MCPTool_ResolvesServerSpec(t *testing.T) {
	s := New("wf", []string{"t1"})
	r, reg := newTestRunner(t, s)
	r.MCPServers = map[string]models.MCPServerSpec{
		"fs": {Name: "fs", Command: "mcp-fs", Args: []string{"--root", "/tmp"}},
	}
	require.NoError(t, reg.Register("mcp_tool", executor.NewExecutorFunc(
		func(ctx context.Context, config map[string]any) (*executor.Result, error) {
			assert.Equal(t, "mcp-fs", config["server_command"])
			assert.Equal(t, "read", config["tool"])
			return &executor.Result{Output: "contents"}, nil
		}, nil,
	)))

	spec := &models.TaskSpec{
		Name:    "t1",
		MCPTool: &models.MCPToolExec{Server: "fs", Tool: "read"},
	}
	out, err := r.Run(context.Background(), "t1", spec, rootCtxFor(s))
	require.NoError(t, err)
	assert.Equal(t, "contents", out)
}

type fakeSubflowRunner struct {
	output  string
	gotName string
}

func (f *fakeSubflowRunner) RunSubflow(ctx context.Context, spec models.SubflowSpec, inputs map[string]any) (string, error) {
	f.gotName = spec.Name
	return f.output, nil
}

type fakeResolver struct {
	usesSpec *models.TaskSpec
}

func (f *fakeResolver) ResolveUses(ctx context.Context, ref string) (*models.TaskSpec, error) {
	return f.usesSpec, nil
}

func (f *fakeResolver) ResolveEmbed(ctx context.Context, ref string, overrides map[string]any) (*models.TaskSpec, error) {
	return f.usesSpec, nil
}

func (f *fakeResolver) ResolveUsesWorkflow(ctx context.Context, namespace, workflow string, inputs map[string]any) (string, error) {
	return "", nil
}

var assertErr = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
