// Package graph implements the Task Graph: the flattened dependency
// graph the scheduler walks, its topological order, and its ready-set
// and parallel-set queries.
package graph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smilemakc/agentflow/pkg/models"
)

// Node is one graph node: a flattened, executable (or loop-bearing
// organizational) task, its current status, and its start time.
type Node struct {
	ID        string
	Spec      *models.TaskSpec
	Status    models.TaskStatus
	StartedAt *time.Time
}

// Graph holds tasks, dependencies and statuses, and answers the
// scheduler's ready-set and parallel-set queries. It is safe for
// concurrent use: the scheduler and its spawned task runners share one
// Graph under its internal lock, per the engine's concurrency model.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// Add inserts a node. A duplicate id overwrites the spec but preserves
// the existing status (used when resuming from a checkpoint after the
// graph has already been rebuilt fresh from the workflow document).
func (g *Graph) Add(id string, spec *models.TaskSpec) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.nodes[id]; ok {
		existing.Spec = spec
		return
	}
	g.nodes[id] = &Node{ID: id, Spec: spec, Status: models.TaskPending}
}

// Get returns the node for id.
func (g *Graph) Get(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// IDs returns every node id, in no particular order.
func (g *Graph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	return ids
}

// UpdateStatus mutates a node's status, rejecting transitions out of a
// terminal state (Completed/Failed/Skipped) except an explicit requeue
// back to Pending, which retry handling uses between attempts.
func (g *Graph) UpdateStatus(id string, status models.TaskStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}

	if models.IsTerminal(n.Status) && status != models.TaskPending {
		return fmt.Errorf("%w: %s is %s, cannot become %s", models.ErrInvalidTransition, id, n.Status, status)
	}

	n.Status = status
	if status == models.TaskRunning && n.StartedAt == nil {
		now := time.Now()
		n.StartedAt = &now
	}
	return nil
}

// TaskStatus implements condition.Lookup for this graph.
func (g *Graph) TaskStatus(id string) (models.TaskStatus, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return "", false
	}
	return n.Status, true
}

// IsComplete reports whether every node is in a terminal state.
func (g *Graph) IsComplete() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.nodes {
		if !models.IsTerminal(n.Status) {
			return false
		}
	}
	return true
}

// TopologicalSort returns a deterministic linearization: dependency
// order primary, ties broken by ascending priority then lexicographic
// task id (lower priority numbers run first). Returns ErrCyclicDependency
// if the graph has a cycle.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))

	for id, n := range g.nodes {
		inDegree[id] = 0
		_ = n
	}
	for id, n := range g.nodes {
		for _, dep := range n.Spec.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				continue // dangling deps are rejected earlier, at flatten time
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var order []string
	ready := zeroInDegree(inDegree, g.nodes)

	for len(ready) > 0 {
		sortByPriorityThenID(ready, g.nodes)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dependent := range dependents[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, models.ErrCyclicDependency
	}
	return order, nil
}

func zeroInDegree(inDegree map[string]int, nodes map[string]*Node) []string {
	var ready []string
	for id, d := range inDegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	_ = nodes
	return ready
}

func sortByPriorityThenID(ids []string, nodes map[string]*Node) {
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := nodes[ids[i]].Spec.Priority, nodes[ids[j]].Spec.Priority
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
}

// ReadySet returns every Pending node whose dependencies are all
// terminal and non-failed (Skipped counts as satisfying a dependency).
func (g *Graph) ReadySet() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id, n := range g.nodes {
		if n.Status != models.TaskPending {
			continue
		}
		if g.dependenciesSatisfiedLocked(n) {
			ready = append(ready, id)
		}
	}
	sortByPriorityThenID(ready, g.nodes)
	return ready
}

func (g *Graph) dependenciesSatisfiedLocked(n *Node) bool {
	for _, dep := range n.Spec.DependsOn {
		depNode, ok := g.nodes[dep]
		if !ok {
			continue
		}
		if depNode.Status == models.TaskFailed {
			return false
		}
		if !models.IsTerminal(depNode.Status) {
			return false
		}
	}
	return true
}

// ParallelTasks returns the ids in id's parallel_with list that are
// currently Pending and themselves ready to run.
func (g *Graph) ParallelTasks(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil
	}

	var peers []string
	for _, peer := range n.Spec.ParallelWith {
		peerNode, ok := g.nodes[peer]
		if !ok || peerNode.Status != models.TaskPending {
			continue
		}
		if g.dependenciesSatisfiedLocked(peerNode) {
			peers = append(peers, peer)
		}
	}
	sortByPriorityThenID(peers, g.nodes)
	return peers
}
