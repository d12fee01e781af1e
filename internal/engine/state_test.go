package engine

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/agentflow/pkg/models"
)

func TestNew_RegistersTasksPending(t *testing.T) {
	s := New("demo", []string{"build", "test"})
	status, ok := s.TaskStatusOf("build")
	require.True(t, ok)
	assert.Equal(t, models.TaskPending, status)
	assert.Equal(t, models.WorkflowRunning, s.Status())
	assert.True(t, s.CanResume())
}

func TestState_TaskStatusTransition(t *testing.T) {
	s := New("demo", []string{"build"})
	s.SetTaskStatus("build", models.TaskCompleted)
	status, ok := s.TaskStatusOf("build")
	require.True(t, ok)
	assert.Equal(t, models.TaskCompleted, status)
}

func TestState_AttemptsAndErrors(t *testing.T) {
	s := New("demo", []string{"build"})
	assert.Equal(t, 1, s.IncrementAttempt("build"))
	assert.Equal(t, 2, s.IncrementAttempt("build"))
	assert.Equal(t, 2, s.Attempts("build"))

	s.SetTaskError("build", errors.New("boom"))
	msg, ok := s.TaskErrorOf("build")
	require.True(t, ok)
	assert.Equal(t, "boom", msg)

	s.SetTaskError("build", nil)
	_, ok = s.TaskErrorOf("build")
	assert.False(t, ok)
}

func TestState_TaskOutputSatisfiesLookup(t *testing.T) {
	s := New("demo", []string{"build"})
	s.SetTaskOutput("build", "built successfully")
	out, ok := s.TaskOutput("build")
	require.True(t, ok)
	assert.Equal(t, "built successfully", out)

	_, ok = s.TaskOutput("missing")
	assert.False(t, ok)
}

func TestState_StateValueRoundTrips(t *testing.T) {
	s := New("demo", nil)
	s.SetStateValue("retry_count", 3)

	raw, ok := s.StateValue("retry_count")
	require.True(t, ok)
	var n int
	require.NoError(t, json.Unmarshal(raw, &n))
	assert.Equal(t, 3, n)

	_, ok = s.StateValue("missing")
	assert.False(t, ok)
}

func TestState_LoopStateAndResults(t *testing.T) {
	s := New("demo", []string{"process_items"})
	total := 3
	s.SetLoopState("process_items", models.LoopState{
		TotalIterations: &total,
		IterationStatus: []models.LoopIterationStatus{models.IterationCompleted, models.IterationCompleted, models.IterationRunning},
	})
	ls, ok := s.LoopStateOf("process_items")
	require.True(t, ok)
	assert.Equal(t, 3, *ls.TotalIterations)

	s.SetLoopResults("process_items", []string{"a", "b"})
	results, ok := s.LoopResultsOf("process_items")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, results)
}

func TestState_Progress(t *testing.T) {
	s := New("demo", []string{"a", "b", "c", "d"})
	assert.Equal(t, 0.0, s.Progress())

	s.SetTaskStatus("a", models.TaskCompleted)
	s.SetTaskStatus("b", models.TaskCompleted)
	assert.Equal(t, 0.5, s.Progress())
}

func TestState_CanResume(t *testing.T) {
	s := New("demo", nil)
	assert.True(t, s.CanResume())

	s.SetOverallStatus(models.WorkflowPaused)
	assert.True(t, s.CanResume())

	s.SetOverallStatus(models.WorkflowCompleted)
	assert.False(t, s.CanResume())

	s.SetOverallStatus(models.WorkflowFailed)
	assert.False(t, s.CanResume())
}

func TestState_MarshalUnmarshalRoundTrip(t *testing.T) {
	s := New("demo", []string{"build"})
	s.SetTaskStatus("build", models.TaskCompleted)
	s.SetTaskOutput("build", "ok")

	data, err := json.Marshal(s)
	require.NoError(t, err)

	restored := &State{}
	require.NoError(t, json.Unmarshal(data, restored))
	assert.Equal(t, "demo", restored.Name())
	status, ok := restored.TaskStatusOf("build")
	require.True(t, ok)
	assert.Equal(t, models.TaskCompleted, status)
	out, ok := restored.TaskOutput("build")
	require.True(t, ok)
	assert.Equal(t, "ok", out)
}

func TestState_TaskStatusSatisfiesConditionLookup(t *testing.T) {
	s := New("demo", []string{"build"})
	s.SetTaskStatus("build", models.TaskFailed)

	status, ok := s.TaskStatus("build")
	require.True(t, ok)
	assert.Equal(t, models.TaskFailed, status)

	_, ok = s.TaskStatus("unknown")
	assert.False(t, ok)
}
