package loop

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/agentflow/pkg/condition"
	"github.com/smilemakc/agentflow/pkg/loopctx"
	"github.com/smilemakc/agentflow/pkg/models"
	"github.com/smilemakc/agentflow/pkg/variables"
)

type fakeLookup struct {
	state map[string]json.RawMessage
}

func (f *fakeLookup) TaskStatus(string) (condition.Status, bool) { return "", false }
func (f *fakeLookup) StateValue(key string) (json.RawMessage, bool) {
	v, ok := f.state[key]
	return v, ok
}

func rootCtx() *loopctx.Context {
	return loopctx.Root(variables.New())
}

func TestRun_ForEachSequential_CollectsResults(t *testing.T) {
	spec := &models.LoopSpec{
		Kind:           models.LoopForEach,
		IteratorVar:    "fruit",
		Collection:     &models.CollectionSource{Kind: models.CollectionInline, Inline: []any{"apple", "pear", "plum"}},
		CollectResults: true,
	}

	var seen []any
	out, err := Run(context.Background(), rootCtx(), spec, nil, nil, nil, func(ctx context.Context, lc *loopctx.Context, index int) (string, error) {
		seen = append(seen, lc.Item)
		return lc.Item.(string) + "!", nil
	}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, []any{"apple", "pear", "plum"}, seen)
	assert.Equal(t, []string{"apple!", "pear!", "plum!"}, out.Results)
	assert.Equal(t, 3, *out.State.TotalIterations)
	for _, s := range out.State.IterationStatus {
		assert.Equal(t, models.IterationCompleted, s)
	}
}

func TestRun_ForEachParallel_BoundedConcurrency(t *testing.T) {
	items := make([]any, 20)
	for i := range items {
		items[i] = i
	}
	spec := &models.LoopSpec{
		Kind:        models.LoopForEach,
		Collection:  &models.CollectionSource{Kind: models.CollectionInline, Inline: items},
		Parallel:    true,
		MaxParallel: 4,
	}

	var inFlight, maxInFlight int64
	out, err := Run(context.Background(), rootCtx(), spec, nil, nil, nil, func(ctx context.Context, lc *loopctx.Context, index int) (string, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			m := atomic.LoadInt64(&maxInFlight)
			if cur <= m || atomic.CompareAndSwapInt64(&maxInFlight, m, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return "", nil
	}, nil, nil)

	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt64(&maxInFlight), int64(4))
	for _, s := range out.State.IterationStatus {
		assert.Equal(t, models.IterationCompleted, s)
	}
}

func TestRun_ForEachParallel_PropagatesFirstError(t *testing.T) {
	spec := &models.LoopSpec{
		Kind:        models.LoopForEach,
		Collection:  &models.CollectionSource{Kind: models.CollectionInline, Inline: []any{1, 2, 3}},
		Parallel:    true,
		MaxParallel: 3,
	}
	_, err := Run(context.Background(), rootCtx(), spec, nil, nil, nil, func(ctx context.Context, lc *loopctx.Context, index int) (string, error) {
		if index == 1 {
			return "", errors.New("boom")
		}
		return "", nil
	}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRun_Repeat_IteratorVarBoundToIndex(t *testing.T) {
	spec := &models.LoopSpec{Kind: models.LoopRepeat, Count: 3, IteratorVar: "n"}
	var indices []int
	_, err := Run(context.Background(), rootCtx(), spec, nil, nil, nil, func(ctx context.Context, lc *loopctx.Context, index int) (string, error) {
		indices = append(indices, lc.Vars.Loop["n"].(int))
		return "", nil
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, indices)
}

func TestRun_Repeat_BreakConditionStopsEarly(t *testing.T) {
	lookup := &fakeLookup{state: map[string]json.RawMessage{}}
	control := &models.LoopControl{
		BreakCondition: condition.StateEquals("stop", json.RawMessage("true")),
	}
	spec := &models.LoopSpec{Kind: models.LoopRepeat, Count: 5}

	calls := 0
	out, err := Run(context.Background(), rootCtx(), spec, control, lookup, nil, func(ctx context.Context, lc *loopctx.Context, index int) (string, error) {
		calls++
		if index == 1 {
			lookup.state["stop"] = json.RawMessage("true")
		}
		return "", nil
	}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, calls) // indices 0 and 1 ran, then break after 1
	assert.Equal(t, models.IterationCompleted, out.State.IterationStatus[0])
	assert.Equal(t, models.IterationCompleted, out.State.IterationStatus[1])
	assert.Equal(t, models.IterationPending, out.State.IterationStatus[2])
}

func TestRun_Repeat_ContinueConditionSkipsBody(t *testing.T) {
	lookup := &fakeLookup{state: map[string]json.RawMessage{"skip": json.RawMessage("true")}}
	control := &models.LoopControl{
		ContinueCondition: condition.StateEquals("skip", json.RawMessage("true")),
	}
	spec := &models.LoopSpec{Kind: models.LoopRepeat, Count: 3}

	calls := 0
	out, err := Run(context.Background(), rootCtx(), spec, control, lookup, nil, func(ctx context.Context, lc *loopctx.Context, index int) (string, error) {
		calls++
		return "", nil
	}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, 0, calls)
	for _, s := range out.State.IterationStatus {
		assert.Equal(t, models.IterationCompleted, s)
	}
}

func TestRun_Repeat_ResumeSkipsCompletedIterations(t *testing.T) {
	resume := &models.LoopState{
		IterationStatus: []models.LoopIterationStatus{models.IterationCompleted, models.IterationCompleted, models.IterationPending},
	}
	spec := &models.LoopSpec{Kind: models.LoopRepeat, Count: 3}

	var ran []int
	_, err := Run(context.Background(), rootCtx(), spec, nil, nil, nil, func(ctx context.Context, lc *loopctx.Context, index int) (string, error) {
		ran = append(ran, index)
		return "", nil
	}, resume, nil)

	require.NoError(t, err)
	assert.Equal(t, []int{2}, ran)
}

func TestRun_While_RunsUntilConditionFalse(t *testing.T) {
	lookup := &fakeLookup{state: map[string]json.RawMessage{"more": json.RawMessage("true")}}
	spec := &models.LoopSpec{
		Kind:      models.LoopWhile,
		Condition: condition.StateEquals("more", json.RawMessage("true")),
	}

	calls := 0
	out, err := Run(context.Background(), rootCtx(), spec, nil, lookup, nil, func(ctx context.Context, lc *loopctx.Context, index int) (string, error) {
		calls++
		if calls >= 3 {
			lookup.state["more"] = json.RawMessage("false")
		}
		return "", nil
	}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, out.State.IterationStatus, 3)
}

func TestRun_While_MaxIterationsBounds(t *testing.T) {
	lookup := &fakeLookup{state: map[string]json.RawMessage{"more": json.RawMessage("true")}}
	spec := &models.LoopSpec{
		Kind:          models.LoopWhile,
		Condition:     condition.StateEquals("more", json.RawMessage("true")),
		MaxIterations: 2,
	}
	calls := 0
	out, err := Run(context.Background(), rootCtx(), spec, nil, lookup, nil, func(ctx context.Context, lc *loopctx.Context, index int) (string, error) {
		calls++
		return "", nil
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, out.State.IterationStatus, 2)
}

func TestRun_RepeatUntil_RespectsMinIterations(t *testing.T) {
	lookup := &fakeLookup{}
	spec := &models.LoopSpec{
		Kind:          models.LoopRepeatUntil,
		Condition:     condition.Always(),
		MinIterations: 3,
	}
	calls := 0
	out, err := Run(context.Background(), rootCtx(), spec, nil, lookup, nil, func(ctx context.Context, lc *loopctx.Context, index int) (string, error) {
		calls++
		return "", nil
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, out.State.IterationStatus, 3)
}

func TestRun_IterationFailureAbortsLoop(t *testing.T) {
	spec := &models.LoopSpec{Kind: models.LoopRepeat, Count: 5}
	calls := 0
	out, err := Run(context.Background(), rootCtx(), spec, nil, nil, nil, func(ctx context.Context, lc *loopctx.Context, index int) (string, error) {
		calls++
		if index == 2 {
			return "", errors.New("task failed")
		}
		return "", nil
	}, nil, nil)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, models.IterationFailed, out.State.IterationStatus[2])
}

func TestRun_TimeoutWrapsErrTimeout(t *testing.T) {
	control := &models.LoopControl{TimeoutSecs: 1}
	spec := &models.LoopSpec{Kind: models.LoopRepeat, Count: 3}

	_, err := Run(context.Background(), rootCtx(), spec, control, nil, nil, func(ctx context.Context, lc *loopctx.Context, index int) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, nil, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRun_CheckpointCallback(t *testing.T) {
	control := &models.LoopControl{CheckpointInterval: 2}
	spec := &models.LoopSpec{Kind: models.LoopRepeat, Count: 4}

	var checkpoints int
	_, err := Run(context.Background(), rootCtx(), spec, control, nil, nil, func(ctx context.Context, lc *loopctx.Context, index int) (string, error) {
		return "", nil
	}, nil, func(models.LoopState) {
		checkpoints++
	})

	require.NoError(t, err)
	assert.Equal(t, 2, checkpoints)
}

func TestRun_UnknownLoopKind(t *testing.T) {
	spec := &models.LoopSpec{Kind: "bogus"}
	_, err := Run(context.Background(), rootCtx(), spec, nil, nil, nil, func(context.Context, *loopctx.Context, int) (string, error) {
		return "", nil
	}, nil, nil)
	assert.Error(t, err)
}
