package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskSpec_HasExecType(t *testing.T) {
	tests := []struct {
		name string
		task *TaskSpec
		want bool
	}{
		{"no type, no subtasks", &TaskSpec{}, false},
		{"agent type", &TaskSpec{Agent: &AgentExec{AgentName: "a"}}, true},
		{"command type", &TaskSpec{Command: &CommandExec{Executable: "echo"}}, true},
		{
			"two types set is invalid",
			&TaskSpec{Agent: &AgentExec{}, Command: &CommandExec{}},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.task.HasExecType())
		})
	}
}

func TestTaskSpec_IsOrganizational(t *testing.T) {
	organizational := &TaskSpec{
		Subtasks: []map[string]*TaskSpec{{"child": {Command: &CommandExec{Executable: "echo"}}}},
	}
	assert.True(t, organizational.IsOrganizational())

	withLoop := &TaskSpec{
		Loop:     &LoopSpec{Kind: LoopRepeat, Count: 3},
		Subtasks: []map[string]*TaskSpec{{"child": {Command: &CommandExec{Executable: "echo"}}}},
	}
	assert.False(t, withLoop.IsOrganizational(), "a task with a loop is executable, not organizational")

	leaf := &TaskSpec{Command: &CommandExec{Executable: "echo"}}
	assert.False(t, leaf.IsOrganizational())
}

func TestTaskSpec_Clone_IsDeep(t *testing.T) {
	original := &TaskSpec{
		Name:      "a",
		DependsOn: []string{"x"},
		Script: &ScriptExec{
			Language: "python",
			Content:  "print(1)",
			Env:      map[string]string{"K": "V"},
		},
		Inputs: map[string]any{"n": 1, "nested": map[string]any{"k": "v"}},
		Subtasks: []map[string]*TaskSpec{
			{"child": {Command: &CommandExec{Executable: "echo", Args: []string{"hi"}}}},
		},
	}

	clone := original.Clone()
	require.NotNil(t, clone)

	clone.DependsOn[0] = "mutated"
	clone.Script.Env["K"] = "mutated"
	clone.Inputs["n"] = 999
	clone.Subtasks[0]["child"].Command.Args[0] = "mutated"

	assert.Equal(t, "x", original.DependsOn[0])
	assert.Equal(t, "V", original.Script.Env["K"])
	assert.Equal(t, 1, original.Inputs["n"])
	assert.Equal(t, "hi", original.Subtasks[0]["child"].Command.Args[0])
}

func TestMostPermissive(t *testing.T) {
	assert.Equal(t, PermissionBypass, MostPermissive(PermissionDefault, PermissionBypass))
	assert.Equal(t, PermissionAcceptEdits, MostPermissive(PermissionAcceptEdits, PermissionDefault))
	assert.Equal(t, PermissionDefault, MostPermissive(PermissionDefault, PermissionDefault))
}

func TestWorkflowDocument_Validate(t *testing.T) {
	t.Run("empty workflow is valid", func(t *testing.T) {
		doc := &WorkflowDocument{Name: "empty"}
		assert.NoError(t, doc.Validate())
	})

	t.Run("missing name rejected", func(t *testing.T) {
		doc := &WorkflowDocument{}
		assert.Error(t, doc.Validate())
	})

	t.Run("organizational task with executable subtask is valid", func(t *testing.T) {
		doc := &WorkflowDocument{
			Name: "wf",
			Tasks: map[string]*TaskSpec{
				"parent": {
					Subtasks: []map[string]*TaskSpec{
						{"child": {Command: &CommandExec{Executable: "echo"}}},
					},
				},
			},
		}
		assert.NoError(t, doc.Validate())
	})

	t.Run("task with neither exec type nor subtasks is invalid", func(t *testing.T) {
		doc := &WorkflowDocument{
			Name:  "wf",
			Tasks: map[string]*TaskSpec{"bad": {}},
		}
		assert.Error(t, doc.Validate())
	})

	t.Run("self dependency rejected", func(t *testing.T) {
		doc := &WorkflowDocument{
			Name: "wf",
			Tasks: map[string]*TaskSpec{
				"a": {Command: &CommandExec{Executable: "echo"}, DependsOn: []string{"a"}},
			},
		}
		assert.Error(t, doc.Validate())
	})

	t.Run("unknown agent reference rejected", func(t *testing.T) {
		doc := &WorkflowDocument{
			Name:   "wf",
			Agents: map[string]AgentSpec{"known": {Name: "known"}},
			Tasks: map[string]*TaskSpec{
				"a": {Agent: &AgentExec{AgentName: "unknown"}},
			},
		}
		assert.Error(t, doc.Validate())
	})
}
