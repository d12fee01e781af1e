package models

import "fmt"

// Validate checks the document-level invariants from §3: task map
// sanity, agent references, and exactly-one-execution-type per
// executable task (invariant 1). depends_on resolution and cycle
// detection happen later, during graph flattening (pkg/graph), since
// they require namespace rewriting through organizational parents
// first.
func (w *WorkflowDocument) Validate() error {
	if w.Name == "" {
		return &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if len(w.Tasks) == 0 {
		return nil // an empty workflow is valid (§8 boundary behavior)
	}

	for name, task := range w.Tasks {
		if task == nil {
			return &ValidationError{Field: "tasks", TaskID: name, Message: "must not be nil"}
		}
		if err := task.Validate(name, w); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks one task's own invariants, recursing into subtasks.
func (t *TaskSpec) Validate(name string, doc *WorkflowDocument) error {
	if !t.IsOrganizational() && !t.HasExecType() {
		return &ValidationError{
			Field: "execution_type", TaskID: name,
			Message: "exactly one execution type is required unless the task is organizational",
		}
	}

	if t.Agent != nil && doc != nil && len(doc.Agents) > 0 {
		if _, ok := doc.Agents[t.Agent.AgentName]; !ok {
			return &ValidationError{
				Field: "agent", TaskID: name,
				Message: fmt.Sprintf("references unknown agent %q", t.Agent.AgentName),
			}
		}
	}

	for _, dep := range t.DependsOn {
		if dep == name {
			return &ValidationError{Field: "depends_on", TaskID: name, Message: "task cannot depend on itself"}
		}
	}

	if t.Loop != nil {
		if err := t.Loop.validate(name); err != nil {
			return err
		}
	}

	for _, group := range t.Subtasks {
		for childName, child := range group {
			if err := child.Validate(name+"."+childName, doc); err != nil {
				return err
			}
		}
	}

	return nil
}

func (l *LoopSpec) validate(taskName string) error {
	switch l.Kind {
	case LoopForEach:
		if l.Collection == nil {
			return &ValidationError{Field: "loop.collection", TaskID: taskName, Message: "for_each requires a collection source"}
		}
	case LoopRepeat:
		if l.Count < 0 {
			return &ValidationError{Field: "loop.count", TaskID: taskName, Message: "repeat count must be >= 0"}
		}
	case LoopWhile:
		if l.Condition == nil {
			return &ValidationError{Field: "loop.condition", TaskID: taskName, Message: "while requires a condition"}
		}
	case LoopRepeatUntil:
		if l.Condition == nil {
			return &ValidationError{Field: "loop.condition", TaskID: taskName, Message: "repeat_until requires a condition"}
		}
	default:
		return &ValidationError{Field: "loop.kind", TaskID: taskName, Message: fmt.Sprintf("unknown loop kind %q", l.Kind)}
	}
	return nil
}
