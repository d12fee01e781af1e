package graph

import (
	"fmt"
	"sort"

	"github.com/smilemakc/agentflow/pkg/models"
)

// BuildGraph flattens a workflow document into a runnable Graph: one
// node per executable task, organizational parents collapsed away,
// sibling-name references inside a nested group rewritten to
// parent.child, and dependencies on an organizational parent expanded
// to every one of its (transitively) executable descendants.
func BuildGraph(doc *models.WorkflowDocument) (*Graph, error) {
	f := &flattener{
		nodes:     make(map[string]*models.TaskSpec),
		orgLeaves: make(map[string][]string),
	}

	names := make([]string, 0, len(doc.Tasks))
	for name := range doc.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, entry{name: name, spec: doc.Tasks[name]})
	}

	if err := f.walkChildren(entries, "", nil); err != nil {
		return nil, err
	}

	for _, spec := range f.nodes {
		spec.DependsOn = f.expandDeps(spec.DependsOn)
	}

	for id, spec := range f.nodes {
		for _, dep := range spec.DependsOn {
			if _, ok := f.nodes[dep]; !ok {
				return nil, fmt.Errorf("%w: task %q depends on unknown task %q", models.ErrDanglingDepends, id, dep)
			}
		}
		for _, peer := range spec.ParallelWith {
			if _, ok := f.nodes[peer]; !ok {
				return nil, fmt.Errorf("%w: task %q is parallel_with unknown task %q", models.ErrDanglingDepends, id, peer)
			}
		}
	}

	g := New()
	for id, spec := range f.nodes {
		g.Add(id, spec)
	}
	if _, err := g.TopologicalSort(); err != nil {
		return nil, err
	}
	return g, nil
}

type entry struct {
	name string
	spec *models.TaskSpec
}

type flattener struct {
	nodes     map[string]*models.TaskSpec
	orgLeaves map[string][]string // organizational task id -> transitive executable descendant ids
}

// walkChildren flattens one sibling group (a workflow's top-level tasks,
// or the subtask list of an organizational or executable non-loop task)
// under the given id prefix.
func (f *flattener) walkChildren(entries []entry, prefix string, parent *models.TaskSpec) error {
	siblings := make(map[string]bool, len(entries))
	for _, e := range entries {
		siblings[e.name] = true
	}

	for _, e := range entries {
		id := e.name
		if prefix != "" {
			id = prefix + "." + e.name
		}

		clone := e.spec.Clone()
		if parent != nil {
			inherit(clone, parent)
		}
		clone.DependsOn = rewriteSiblingRefs(clone.DependsOn, siblings, prefix)
		clone.ParallelWith = rewriteSiblingRefs(clone.ParallelWith, siblings, prefix)

		if clone.IsOrganizational() {
			childEntries := make([]entry, 0, len(clone.Subtasks))
			for _, group := range clone.Subtasks {
				for childName, childSpec := range group {
					childEntries = append(childEntries, entry{name: childName, spec: childSpec})
				}
			}
			if err := f.walkChildren(childEntries, id, clone); err != nil {
				return err
			}

			var leaves []string
			for _, ce := range childEntries {
				childID := id + "." + ce.name
				if ls, ok := f.orgLeaves[childID]; ok {
					leaves = append(leaves, ls...)
				} else {
					leaves = append(leaves, childID)
				}
			}
			f.orgLeaves[id] = leaves
			continue
		}

		if parent != nil && !parent.IsOrganizational() {
			clone.DependsOn = append(clone.DependsOn, prefix)
		}
		f.nodes[id] = clone

		// An executable, non-loop parent's subtasks become nodes of their
		// own, each depending on the parent; a loop parent keeps its
		// subtasks as its iteration body.
		if clone.Loop == nil && len(clone.Subtasks) > 0 {
			childEntries := make([]entry, 0, len(clone.Subtasks))
			for _, group := range clone.Subtasks {
				for childName, childSpec := range group {
					childEntries = append(childEntries, entry{name: childName, spec: childSpec})
				}
			}
			if err := f.walkChildren(childEntries, id, clone); err != nil {
				return err
			}
		}
	}
	return nil
}

// rewriteSiblingRefs rewrites any reference naming a task in the same
// sibling group to its namespaced id; references that are already
// namespaced (contain a dot) or that name something outside this group
// are left untouched.
func rewriteSiblingRefs(refs []string, siblings map[string]bool, prefix string) []string {
	if prefix == "" || len(refs) == 0 {
		return refs
	}
	out := make([]string, len(refs))
	for i, ref := range refs {
		if siblings[ref] {
			out[i] = prefix + "." + ref
		} else {
			out[i] = ref
		}
	}
	return out
}

// inherit copies agent, priority, on_error, inject_context, and
// loop_control down from parent to child when the field is unset on
// the child and, for agent, the child has no competing execution type
// (invariant 3).
func inherit(child, parent *models.TaskSpec) {
	if child.Agent == nil && child.NoExecType() && parent.Agent != nil {
		a := *parent.Agent
		child.Agent = &a
	}
	if child.Priority == 0 && parent.Priority != 0 {
		child.Priority = parent.Priority
	}
	if child.OnError == nil && parent.OnError != nil {
		oe := *parent.OnError
		child.OnError = &oe
	}
	if child.LoopControl == nil && parent.LoopControl != nil {
		lc := *parent.LoopControl
		child.LoopControl = &lc
	}

	parentInjects := parent.InjectContext != nil && *parent.InjectContext
	childInjects := child.InjectContext != nil && *child.InjectContext
	if parentInjects && !childInjects {
		v := true
		child.InjectContext = &v
	}
}

// expandDeps replaces any dependency that names an organizational task
// with that task's transitive executable descendants, deduplicating so
// overlapping expansions don't inflate a node's in-degree.
func (f *flattener) expandDeps(deps []string) []string {
	if len(deps) == 0 {
		return deps
	}
	seen := make(map[string]bool, len(deps))
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, dep := range deps {
		if leaves, ok := f.orgLeaves[dep]; ok {
			for _, leaf := range leaves {
				add(leaf)
			}
			continue
		}
		add(dep)
	}
	return out
}
