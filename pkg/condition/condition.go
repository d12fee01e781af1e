// Package condition implements the closed, total boolean grammar used to
// gate task execution and to drive loop break/continue decisions.
//
// Unlike the teacher's expr-lang-backed evaluator (pkg/engine in the
// mbflow codebase), this grammar is a fixed set of leaves and
// combinators: it can never fail to evaluate, reference an unbound
// identifier, or run unbounded computation, because there is no
// general-purpose expression surface to abuse.
package condition

import (
	"encoding/json"
	"reflect"
)

// Status mirrors the task statuses the evaluator can test for. Defined
// here (rather than imported from a task-status package) to keep this
// package free of a dependency on the task graph.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Kind identifies which leaf or combinator a Node represents.
type Kind string

const (
	KindTaskStatus  Kind = "task_status"
	KindStateEquals Kind = "state_equals"
	KindStateExists Kind = "state_exists"
	KindAlways      Kind = "always"
	KindNever       Kind = "never"
	KindAnd         Kind = "and"
	KindOr          Kind = "or"
	KindNot         Kind = "not"
)

// Node is one node of the condition tree. Only the fields relevant to
// Kind are populated; zero value for any other Kind's fields is ignored.
type Node struct {
	Kind Kind

	// KindTaskStatus
	TaskID string
	Status Status

	// KindStateEquals / KindStateExists
	StateKey   string
	StateValue json.RawMessage

	// KindAnd / KindOr
	Children []*Node

	// KindNot
	Inner *Node
}

// Always returns the trivial always-true condition.
func Always() *Node { return &Node{Kind: KindAlways} }

// TaskStatus builds a task_status leaf.
func TaskStatus(taskID string, status Status) *Node {
	return &Node{Kind: KindTaskStatus, TaskID: taskID, Status: status}
}

// StateEquals builds a state_equals leaf.
func StateEquals(key string, value json.RawMessage) *Node {
	return &Node{Kind: KindStateEquals, StateKey: key, StateValue: value}
}

// StateExists builds a state_exists leaf.
func StateExists(key string) *Node {
	return &Node{Kind: KindStateExists, StateKey: key}
}

// And builds an and combinator over the given children.
func And(children ...*Node) *Node { return &Node{Kind: KindAnd, Children: children} }

// Or builds an or combinator over the given children.
func Or(children ...*Node) *Node { return &Node{Kind: KindOr, Children: children} }

// Not negates inner.
func Not(inner *Node) *Node { return &Node{Kind: KindNot, Inner: inner} }

// Lookup is the read-only view of task status and workflow state the
// evaluator needs. Callers pass an implementation backed by the shared
// graph/state lock (see §5 of the engine's concurrency model); Evaluate
// itself never blocks or acquires any lock of its own.
type Lookup interface {
	// TaskStatus returns the current status of taskID and whether the
	// id is known. An unknown id evaluates task_status to false.
	TaskStatus(taskID string) (Status, bool)

	// StateValue returns the raw JSON value stored under key, if any.
	StateValue(key string) (json.RawMessage, bool)
}

// Evaluate walks the tree against lookup. Evaluation is total: a nil
// node evaluates to true, and an unknown task id or a missing state key
// makes its leaf evaluate to false rather than erroring.
func Evaluate(n *Node, lookup Lookup) bool {
	if n == nil {
		return true // absent condition means "always run"
	}

	switch n.Kind {
	case KindAlways:
		return true
	case KindNever:
		return false
	case KindTaskStatus:
		status, ok := lookup.TaskStatus(n.TaskID)
		return ok && status == n.Status
	case KindStateExists:
		_, ok := lookup.StateValue(n.StateKey)
		return ok
	case KindStateEquals:
		got, ok := lookup.StateValue(n.StateKey)
		if !ok {
			return false
		}
		return jsonEqual(got, n.StateValue)
	case KindAnd:
		for _, c := range n.Children {
			if !Evaluate(c, lookup) {
				return false
			}
		}
		return true
	case KindOr:
		for _, c := range n.Children {
			if Evaluate(c, lookup) {
				return true
			}
		}
		return false
	case KindNot:
		return !Evaluate(n.Inner, lookup)
	default:
		return false
	}
}

// jsonEqual compares two raw JSON values for structural equality,
// independent of key order or whitespace.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(normalize(av), normalize(bv))
}

// normalize converts json.Number-free decoded values (all numbers are
// float64 from encoding/json) so that DeepEqual is structural.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalize(vv)
		}
		return out
	default:
		return t
	}
}
