// Package engine implements the Workflow State, Task Runner, Hooks and
// Scheduler that drive a flattened task graph to completion.
package engine

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smilemakc/agentflow/pkg/models"
)

// snapshot is State's JSON shape: a plain value struct with no mutex,
// so it marshals directly. Only the fields declared here are kept: a
// field in a loaded checkpoint that snapshot does not declare is
// dropped, and is not written back on the next save.
type snapshot struct {
	WorkflowName string `json:"workflow_name"`
	RunID        string `json:"run_id"`

	TaskStatuses   map[string]models.TaskStatus  `json:"task_statuses"`
	TaskAttempts   map[string]int                `json:"task_attempts"`
	TaskErrors     map[string]string             `json:"task_errors,omitempty"`
	TaskResults    map[string]*models.TaskOutput `json:"task_results,omitempty"`
	TaskOutputs    map[string]string             `json:"task_outputs,omitempty"`
	TaskStartTimes map[string]time.Time          `json:"task_start_times,omitempty"`
	TaskEndTimes   map[string]time.Time          `json:"task_end_times,omitempty"`

	LoopStates  map[string]models.LoopState `json:"loop_states,omitempty"`
	LoopResults map[string][]string        `json:"loop_results,omitempty"`

	OverallStatus models.WorkflowStatus `json:"overall_status"`
	StartedAt     time.Time             `json:"started_at"`
	EndedAt       *time.Time            `json:"ended_at,omitempty"`
	CheckpointAt  *time.Time            `json:"checkpoint_at,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// State tracks one workflow run's progress. Safe for concurrent use;
// every accessor takes the same RWMutex the Scheduler and spawned
// workers share for their read-modify-write windows.
type State struct {
	mu sync.RWMutex
	snapshot
}

// New returns a fresh State with every task in taskIDs registered as
// Pending, ready to run from scratch.
func New(workflowName string, taskIDs []string) *State {
	s := &State{snapshot: snapshot{
		WorkflowName:   workflowName,
		RunID:          uuid.New().String(),
		TaskStatuses:   make(map[string]models.TaskStatus, len(taskIDs)),
		TaskAttempts:   make(map[string]int),
		TaskErrors:     make(map[string]string),
		TaskResults:    make(map[string]*models.TaskOutput),
		TaskOutputs:    make(map[string]string),
		TaskStartTimes: make(map[string]time.Time),
		TaskEndTimes:   make(map[string]time.Time),
		LoopStates:     make(map[string]models.LoopState),
		LoopResults:    make(map[string][]string),
		OverallStatus:  models.WorkflowRunning,
		StartedAt:      time.Now(),
		Metadata:       make(map[string]any),
	}}
	for _, id := range taskIDs {
		s.TaskStatuses[id] = models.TaskPending
	}
	return s
}

// MarshalJSON lets State serialize directly through a Checkpoint Store
// Save call without the caller touching the mutex.
func (s *State) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.snapshot)
}

// UnmarshalJSON lets State deserialize directly through a Checkpoint
// Store Load call.
func (s *State) UnmarshalJSON(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Unmarshal(data, &s.snapshot)
}

func (s *State) SetTaskStatus(id string, status models.TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TaskStatuses[id] = status
}

func (s *State) TaskStatusOf(id string) (models.TaskStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.TaskStatuses[id]
	return status, ok
}

func (s *State) IncrementAttempt(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TaskAttempts[id]++
	return s.TaskAttempts[id]
}

func (s *State) Attempts(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.TaskAttempts[id]
}

func (s *State) SetTaskError(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.TaskErrors, id)
		return
	}
	s.TaskErrors[id] = err.Error()
}

func (s *State) TaskErrorOf(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.TaskErrors[id]
	return msg, ok
}

func (s *State) SetTaskResult(id string, result *models.TaskOutput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TaskResults[id] = result
}

func (s *State) TaskResultOf(id string) (*models.TaskOutput, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.TaskResults[id]
	return r, ok
}

func (s *State) SetTaskOutput(id, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TaskOutputs[id] = output
}

// TaskOutput satisfies variables.TaskOutputLookup, the late-bound
// ${task.<id>.output} resolution the Variable Context needs.
func (s *State) TaskOutput(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.TaskOutputs[id]
	return out, ok
}

func (s *State) SetTaskStartTime(id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TaskStartTimes[id] = t
}

func (s *State) SetTaskEndTime(id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TaskEndTimes[id] = t
}

func (s *State) SetLoopState(id string, ls models.LoopState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LoopStates[id] = ls
}

func (s *State) LoopStateOf(id string) (models.LoopState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ls, ok := s.LoopStates[id]
	return ls, ok
}

func (s *State) SetLoopResults(id string, results []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LoopResults[id] = results
}

func (s *State) LoopResultsOf(id string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.LoopResults[id]
	return r, ok
}

// StateValue satisfies condition.Lookup's state half: a state_equals
// or state_exists leaf reads workflow metadata through this, keyed the
// same way the workflow YAML's `state.*` references are.
func (s *State) StateValue(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.Metadata[key]
	if !ok {
		return nil, false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// SetStateValue writes a workflow metadata entry, readable back
// through StateValue and usable as a ForEach loop's state_key
// collection source.
func (s *State) SetStateValue(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Metadata[key] = value
}

// TaskStatus is the condition.Lookup half of State: it reports a
// task's current status (models.TaskStatus is itself condition.Status,
// so no conversion is needed for State to satisfy condition.Lookup).
func (s *State) TaskStatus(taskID string) (models.TaskStatus, bool) {
	return s.TaskStatusOf(taskID)
}

func (s *State) SetOverallStatus(status models.WorkflowStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OverallStatus = status
}

func (s *State) Status() models.WorkflowStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.OverallStatus
}

// MarkEnded sets EndedAt to now, once.
func (s *State) MarkEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EndedAt != nil {
		return
	}
	now := time.Now()
	s.EndedAt = &now
}

// Checkpointed records the moment a checkpoint write completed.
func (s *State) Checkpointed(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CheckpointAt = &at
}

// Progress returns completed/total across every registered task.
func (s *State) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.TaskStatuses) == 0 {
		return 0
	}
	completed := 0
	for _, status := range s.TaskStatuses {
		if status == models.TaskCompleted {
			completed++
		}
	}
	return float64(completed) / float64(len(s.TaskStatuses))
}

// CanResume reports whether a workflow in this state is eligible for
// resume: it must have been left Running or Paused, never Completed or
// Failed (a failed run is resumable only after an operator explicitly
// restarts it with a clean state).
func (s *State) CanResume() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.OverallStatus == models.WorkflowRunning || s.OverallStatus == models.WorkflowPaused
}

// CompletedTaskSummary is one completed task's id and textual output,
// used to build an agent task's injected workflow context summary.
type CompletedTaskSummary struct {
	ID     string
	Output string
}

// CompletedTasks returns every Completed task's id and output, sorted
// by id.
func (s *State) CompletedTasks() []CompletedTaskSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.TaskStatuses))
	for id, status := range s.TaskStatuses {
		if status == models.TaskCompleted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]CompletedTaskSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, CompletedTaskSummary{ID: id, Output: s.TaskOutputs[id]})
	}
	return out
}

// Name returns the workflow name this state belongs to.
func (s *State) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.WorkflowName
}

// RunID returns the unique identifier minted for this run when New
// created it, stable across checkpoint save/load round-trips so log
// lines from before and after a resume correlate.
func (s *State) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.RunID
}
