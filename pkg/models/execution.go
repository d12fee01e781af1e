package models

import "github.com/smilemakc/agentflow/pkg/condition"

// TaskStatus is re-exported from pkg/condition so the rest of the
// engine has one status type, rather than duplicating the enum and
// converting at every package boundary.
type TaskStatus = condition.Status

const (
	TaskPending   = condition.StatusPending
	TaskRunning   = condition.StatusRunning
	TaskCompleted = condition.StatusCompleted
	TaskFailed    = condition.StatusFailed
	TaskSkipped   = condition.StatusSkipped
)

// IsTerminal reports whether status is one a task never leaves within a
// single run (Completed, Failed, Skipped).
func IsTerminal(status TaskStatus) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// WorkflowStatus is the overall run status recorded in Workflow State.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowPaused    WorkflowStatus = "paused"
)

// TaskOutput is a task's structured textual result, possibly truncated
// against Limits.MaxOutputSize.
type TaskOutput struct {
	Content   string
	Truncated bool
	TotalSize int64
}

// LoopIterationStatus is the status of one loop iteration.
type LoopIterationStatus string

const (
	IterationPending   LoopIterationStatus = "pending"
	IterationRunning   LoopIterationStatus = "running"
	IterationCompleted LoopIterationStatus = "completed"
	IterationFailed    LoopIterationStatus = "failed"
)

// LoopState tracks one loop task's progress, keyed by task id in
// Workflow State.
type LoopState struct {
	CurrentIteration int
	TotalIterations  *int // nil when not known in advance (While, RepeatUntil)
	IterationStatus  []LoopIterationStatus
	IterationItem    []any // one slot per ForEach/Repeat iteration; the loop driver leaves every slot nil
}
