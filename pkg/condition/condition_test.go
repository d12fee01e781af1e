package condition

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeLookup struct {
	statuses map[string]Status
	state    map[string]json.RawMessage
}

func (f *fakeLookup) TaskStatus(id string) (Status, bool) {
	s, ok := f.statuses[id]
	return s, ok
}

func (f *fakeLookup) StateValue(key string) (json.RawMessage, bool) {
	v, ok := f.state[key]
	return v, ok
}

func TestEvaluate_Leaves(t *testing.T) {
	lookup := &fakeLookup{
		statuses: map[string]Status{"a": StatusCompleted, "b": StatusFailed},
		state:    map[string]json.RawMessage{"done": json.RawMessage(`true`)},
	}

	tests := []struct {
		name string
		node *Node
		want bool
	}{
		{"nil is always true", nil, true},
		{"always", Always(), true},
		{"never", &Node{Kind: KindNever}, false},
		{"task_status match", TaskStatus("a", StatusCompleted), true},
		{"task_status mismatch", TaskStatus("a", StatusFailed), false},
		{"task_status unknown id", TaskStatus("z", StatusCompleted), false},
		{"state_exists present", StateExists("done"), true},
		{"state_exists missing", StateExists("nope"), false},
		{"state_equals match", StateEquals("done", json.RawMessage(`true`)), true},
		{"state_equals mismatch", StateEquals("done", json.RawMessage(`false`)), false},
		{"state_equals missing key", StateEquals("nope", json.RawMessage(`true`)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.node, lookup))
		})
	}
}

func TestEvaluate_Combinators(t *testing.T) {
	lookup := &fakeLookup{statuses: map[string]Status{"a": StatusCompleted, "b": StatusFailed}}

	assert.True(t, Evaluate(And(TaskStatus("a", StatusCompleted), Always()), lookup))
	assert.False(t, Evaluate(And(TaskStatus("a", StatusCompleted), TaskStatus("b", StatusCompleted)), lookup))
	assert.True(t, Evaluate(Or(TaskStatus("b", StatusCompleted), TaskStatus("a", StatusCompleted)), lookup))
	assert.False(t, Evaluate(Or(TaskStatus("b", StatusCompleted), TaskStatus("a", StatusFailed)), lookup))
	assert.True(t, Evaluate(Not(TaskStatus("b", StatusCompleted)), lookup))
}

func TestEvaluate_StateEqualsStructural(t *testing.T) {
	lookup := &fakeLookup{state: map[string]json.RawMessage{
		"obj": json.RawMessage(`{"b":2,"a":1}`),
	}}

	// key order differs but the value is structurally equal
	assert.True(t, Evaluate(StateEquals("obj", json.RawMessage(`{"a":1,"b":2}`)), lookup))
	assert.False(t, Evaluate(StateEquals("obj", json.RawMessage(`{"a":1,"b":3}`)), lookup))
}

func TestEvaluate_WhileNegatedCondition(t *testing.T) {
	// Mirrors scenario S5: not(state_equals("done", true)), state key never set.
	lookup := &fakeLookup{state: map[string]json.RawMessage{}}
	cond := Not(StateEquals("done", json.RawMessage(`true`)))
	for i := 0; i < 3; i++ {
		assert.True(t, Evaluate(cond, lookup))
	}
}
