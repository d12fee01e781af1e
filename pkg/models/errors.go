// Package models defines the data model parsed workflow documents are
// built from, and the sentinel errors the engine raises against it.
package models

import "errors"

// Sentinel errors raised by the engine. Callers match with errors.Is.
var (
	ErrInvalidWorkflow  = errors.New("invalid workflow")
	ErrCyclicDependency = errors.New("cyclic dependency detected")
	ErrTaskNotFound     = errors.New("task not found")
	ErrDanglingDepends  = errors.New("dependency does not resolve")
	ErrInvalidExecType  = errors.New("task has no or more than one execution type")

	ErrExecutorNotFound = errors.New("executor not found")
	ErrExecutorFailed   = errors.New("executor failed")
	ErrInvalidConfig    = errors.New("invalid configuration")

	ErrInvalidTransition = errors.New("invalid status transition")

	ErrAgentNotFound = errors.New("agent not found")
)

// ValidationError reports a single invariant violation found while
// validating a workflow document, with enough context to locate it.
type ValidationError struct {
	Field   string
	TaskID  string
	Message string
}

func (e *ValidationError) Error() string {
	if e.TaskID != "" {
		return "task " + e.TaskID + ": " + e.Field + ": " + e.Message
	}
	return e.Field + ": " + e.Message
}
