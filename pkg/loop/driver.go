// Package loop implements the Loop Driver: ForEach/Repeat/While/
// RepeatUntil iteration, sequential or bounded-parallel execution, and
// loop_control (break/continue conditions, timeout, checkpoint
// interval, resume-skip).
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smilemakc/agentflow/pkg/condition"
	"github.com/smilemakc/agentflow/pkg/loopctx"
	"github.com/smilemakc/agentflow/pkg/models"
)

// ErrTimeout is returned when loop_control.timeout_secs expires before
// the loop finishes.
var ErrTimeout = errors.New("loop: timed out")

// IterationFunc runs one iteration's body (a single task, or — when
// the loop task carries subtasks — that subtask chain in order) and
// returns its textual result.
type IterationFunc func(ctx context.Context, lc *loopctx.Context, index int) (string, error)

// Outcome is a finished (or aborted) loop's final state and, when the
// loop spec requested it, its collected per-iteration results.
type Outcome struct {
	State   models.LoopState
	Results []string
}

// Run drives spec's loop variant to completion (or abort) and returns
// the final iteration state.
func Run(
	ctx context.Context,
	base *loopctx.Context,
	spec *models.LoopSpec,
	control *models.LoopControl,
	lookup condition.Lookup,
	state StateReader,
	run IterationFunc,
	resume *models.LoopState,
	onCheckpoint func(models.LoopState),
) (Outcome, error) {
	if control != nil && control.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(control.TimeoutSecs)*time.Second)
		defer cancel()
	}

	var out Outcome
	var err error

	switch spec.Kind {
	case models.LoopForEach:
		out, err = runForEach(ctx, base, spec, control, lookup, state, run, resume, onCheckpoint)
	case models.LoopRepeat:
		out, err = runRepeat(ctx, base, spec, control, lookup, run, resume, onCheckpoint)
	case models.LoopWhile:
		out, err = runWhile(ctx, base, spec, control, lookup, run, resume, onCheckpoint)
	case models.LoopRepeatUntil:
		out, err = runRepeatUntil(ctx, base, spec, control, lookup, run, resume, onCheckpoint)
	default:
		return Outcome{}, fmt.Errorf("loop: unknown loop kind %q", spec.Kind)
	}

	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return out, err
}

func checkpointEvery(control *models.LoopControl) int {
	if control == nil || control.CheckpointInterval <= 0 {
		return 1
	}
	return control.CheckpointInterval
}

func evalOrDefault(node *condition.Node, lookup condition.Lookup, def bool) bool {
	if node == nil {
		return def
	}
	return condition.Evaluate(node, lookup)
}

func breakCondition(control *models.LoopControl) *condition.Node {
	if control == nil {
		return nil
	}
	return control.BreakCondition
}

func continueCondition(control *models.LoopControl) *condition.Node {
	if control == nil {
		return nil
	}
	return control.ContinueCondition
}

func alreadyCompleted(resume *models.LoopState, index int) bool {
	if resume == nil || index >= len(resume.IterationStatus) {
		return false
	}
	return resume.IterationStatus[index] == models.IterationCompleted
}

func initIndexedState(n int, resume *models.LoopState) models.LoopState {
	total := n
	statuses := make([]models.LoopIterationStatus, n)
	items := make([]any, n)
	for i := 0; i < n; i++ {
		statuses[i] = models.IterationPending
		if resume != nil && i < len(resume.IterationStatus) {
			statuses[i] = resume.IterationStatus[i]
		}
	}
	return models.LoopState{CurrentIteration: 0, TotalIterations: &total, IterationStatus: statuses, IterationItem: items}
}

func runForEach(
	ctx context.Context,
	base *loopctx.Context,
	spec *models.LoopSpec,
	control *models.LoopControl,
	lookup condition.Lookup,
	stateReader StateReader,
	run IterationFunc,
	resume *models.LoopState,
	onCheckpoint func(models.LoopState),
) (Outcome, error) {
	items, err := ResolveCollection(ctx, spec.Collection, stateReader)
	if err != nil {
		return Outcome{}, err
	}

	maxParallel := 1
	if spec.Parallel {
		maxParallel = spec.MaxParallel
		if maxParallel <= 0 {
			maxParallel = minInt(10, len(items))
		}
	}

	if maxParallel <= 1 {
		return runIndexedSequential(ctx, base, items, spec.IteratorVar, spec.CollectResults, control, lookup, run, resume, onCheckpoint)
	}
	return runIndexedParallel(ctx, base, items, spec.IteratorVar, maxParallel, spec.CollectResults, run, resume)
}

func runRepeat(
	ctx context.Context,
	base *loopctx.Context,
	spec *models.LoopSpec,
	control *models.LoopControl,
	lookup condition.Lookup,
	run IterationFunc,
	resume *models.LoopState,
	onCheckpoint func(models.LoopState),
) (Outcome, error) {
	items := make([]any, spec.Count)
	for i := range items {
		items[i] = i
	}

	maxParallel := 1
	if spec.Parallel {
		maxParallel = spec.MaxParallel
		if maxParallel <= 0 {
			maxParallel = minInt(10, spec.Count)
		}
	}

	if maxParallel <= 1 {
		return runIndexedSequential(ctx, base, items, spec.IteratorVar, spec.CollectResults, control, lookup, run, resume, onCheckpoint)
	}
	return runIndexedParallel(ctx, base, items, spec.IteratorVar, maxParallel, spec.CollectResults, run, resume)
}

func runIndexedSequential(
	ctx context.Context,
	base *loopctx.Context,
	items []any,
	iteratorVar string,
	collectResults bool,
	control *models.LoopControl,
	lookup condition.Lookup,
	run IterationFunc,
	resume *models.LoopState,
	onCheckpoint func(models.LoopState),
) (Outcome, error) {
	state := initIndexedState(len(items), resume)
	var results []string
	if collectResults {
		results = make([]string, 0, len(items))
	}

	for i, item := range items {
		if alreadyCompleted(resume, i) {
			continue
		}
		if evalOrDefault(continueCondition(control), lookup, false) {
			state.IterationStatus[i] = models.IterationCompleted
			continue
		}

		state.IterationStatus[i] = models.IterationRunning
		state.CurrentIteration = i
		lc := base.Child(i, item, iteratorVar)

		out, err := run(ctx, lc, i)
		if err != nil {
			state.IterationStatus[i] = models.IterationFailed
			return Outcome{State: state, Results: results}, fmt.Errorf("loop: iteration %d failed: %w", i, err)
		}
		state.IterationStatus[i] = models.IterationCompleted
		if collectResults {
			results = append(results, out)
		}

		if onCheckpoint != nil && (i+1)%checkpointEvery(control) == 0 {
			onCheckpoint(state)
		}

		if evalOrDefault(breakCondition(control), lookup, false) {
			break
		}
	}
	return Outcome{State: state, Results: results}, nil
}

func runIndexedParallel(
	ctx context.Context,
	base *loopctx.Context,
	items []any,
	iteratorVar string,
	maxParallel int,
	collectResults bool,
	run IterationFunc,
	resume *models.LoopState,
) (Outcome, error) {
	state := initIndexedState(len(items), resume)
	var results []string
	if collectResults {
		results = make([]string, len(items))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	var mu sync.Mutex

	for i, item := range items {
		i, item := i, item
		if alreadyCompleted(resume, i) {
			continue
		}
		g.Go(func() error {
			mu.Lock()
			state.IterationStatus[i] = models.IterationRunning
			mu.Unlock()

			lc := base.Child(i, item, iteratorVar)
			out, err := run(gctx, lc, i)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				state.IterationStatus[i] = models.IterationFailed
				return fmt.Errorf("loop: iteration %d failed: %w", i, err)
			}
			state.IterationStatus[i] = models.IterationCompleted
			if collectResults {
				results[i] = out
			}
			return nil
		})
	}

	err := g.Wait()
	return Outcome{State: state, Results: results}, err
}

func runWhile(
	ctx context.Context,
	base *loopctx.Context,
	spec *models.LoopSpec,
	control *models.LoopControl,
	lookup condition.Lookup,
	run IterationFunc,
	resume *models.LoopState,
	onCheckpoint func(models.LoopState),
) (Outcome, error) {
	state := models.LoopState{}
	if resume != nil {
		state = *resume
	}
	var results []string

	for {
		if spec.MaxIterations > 0 && len(state.IterationStatus) >= spec.MaxIterations {
			break
		}
		if !condition.Evaluate(spec.Condition, lookup) {
			break
		}

		i := len(state.IterationStatus)
		if alreadyCompleted(resume, i) {
			state.IterationStatus = append(state.IterationStatus, models.IterationCompleted)
			continue
		}
		if evalOrDefault(continueCondition(control), lookup, false) {
			state.IterationStatus = append(state.IterationStatus, models.IterationCompleted)
			continue
		}

		state.IterationStatus = append(state.IterationStatus, models.IterationRunning)
		lc := base.Child(i, i, spec.IteratorVar)

		out, err := run(ctx, lc, i)
		if err != nil {
			state.IterationStatus[i] = models.IterationFailed
			return Outcome{State: state, Results: results}, fmt.Errorf("loop: iteration %d failed: %w", i, err)
		}
		state.IterationStatus[i] = models.IterationCompleted
		if spec.CollectResults {
			results = append(results, out)
		}
		if onCheckpoint != nil && (i+1)%checkpointEvery(control) == 0 {
			onCheckpoint(state)
		}

		if evalOrDefault(breakCondition(control), lookup, false) {
			break
		}
		if spec.DelayBetweenSecs > 0 {
			select {
			case <-ctx.Done():
				return Outcome{State: state, Results: results}, ctx.Err()
			case <-time.After(time.Duration(spec.DelayBetweenSecs * float64(time.Second))):
			}
		}
	}
	return Outcome{State: state, Results: results}, nil
}

func runRepeatUntil(
	ctx context.Context,
	base *loopctx.Context,
	spec *models.LoopSpec,
	control *models.LoopControl,
	lookup condition.Lookup,
	run IterationFunc,
	resume *models.LoopState,
	onCheckpoint func(models.LoopState),
) (Outcome, error) {
	min := spec.MinIterations
	if min <= 0 {
		min = 1
	}

	state := models.LoopState{}
	if resume != nil {
		state = *resume
	}
	var results []string

	for {
		if spec.MaxIterations > 0 && len(state.IterationStatus) >= spec.MaxIterations {
			break
		}

		i := len(state.IterationStatus)
		if alreadyCompleted(resume, i) {
			state.IterationStatus = append(state.IterationStatus, models.IterationCompleted)
			continue
		}
		if evalOrDefault(continueCondition(control), lookup, false) {
			state.IterationStatus = append(state.IterationStatus, models.IterationCompleted)
			continue
		}

		state.IterationStatus = append(state.IterationStatus, models.IterationRunning)
		lc := base.Child(i, i, spec.IteratorVar)

		out, err := run(ctx, lc, i)
		if err != nil {
			state.IterationStatus[i] = models.IterationFailed
			return Outcome{State: state, Results: results}, fmt.Errorf("loop: iteration %d failed: %w", i, err)
		}
		state.IterationStatus[i] = models.IterationCompleted
		if spec.CollectResults {
			results = append(results, out)
		}
		if onCheckpoint != nil && (i+1)%checkpointEvery(control) == 0 {
			onCheckpoint(state)
		}

		if evalOrDefault(breakCondition(control), lookup, false) {
			break
		}

		conditionMet := condition.Evaluate(spec.Condition, lookup)
		if len(state.IterationStatus) >= min && conditionMet {
			break
		}
	}
	return Outcome{State: state, Results: results}, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
