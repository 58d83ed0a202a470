package api

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcSender records every message and answers through fn.
type funcSender struct {
	mu   sync.Mutex
	sent []string
	fn   func(ctx context.Context, action string, data map[string]any) (any, error)
}

func (s *funcSender) Send(ctx context.Context, destination, action string, data map[string]any, _ *WorkflowContext) (any, error) {
	s.mu.Lock()
	s.sent = append(s.sent, destination+"/"+action)
	s.mu.Unlock()
	if s.fn == nil {
		return data, nil
	}
	return s.fn(ctx, action, data)
}

func (s *funcSender) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func msg(id, action string, sender MessageSender) *MessageStep {
	return &MessageStep{
		StepConfig:         StepConfig{StepID: id},
		Destination:        "svc",
		Action:             action,
		Sender:             sender,
		CompensationAction: "undo_" + action,
	}
}

// blockingStep waits for ctx and reports whether it was cancelled.
func blockingStep(id string, cancelled *atomic.Bool) *MessageStep {
	return msg(id, "block", SenderFunc(func(ctx context.Context, _, _ string, _ map[string]any, _ *WorkflowContext) (any, error) {
		<-ctx.Done()
		cancelled.Store(true)
		return nil, ctx.Err()
	}))
}

func TestMessageStep_SubstitutesAndValidates(t *testing.T) {
	sender := &funcSender{}
	wctx := NewWorkflowContext("wf", "i", map[string]any{"order": map[string]any{"id": "o-1"}})

	step := msg("notify", "send", sender)
	step.Data = map[string]any{"order_id": "${order.id}"}

	require.NoError(t, step.Validate(wctx))
	out, err := step.Execute(context.Background(), wctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"order_id": "o-1"}, out)

	step.Data = map[string]any{"order_id": "${order.missing}"}
	var verr *ValidationError
	require.ErrorAs(t, step.Validate(wctx), &verr)
	assert.Contains(t, verr.Problems[0], "order.missing")

	require.NoError(t, step.Compensate(context.Background(), wctx))
	assert.Equal(t, []string{"svc/send", "svc/undo_send"}, sender.actions())
}

func TestMessageStep_ClassifiesSenderFailures(t *testing.T) {
	step := msg("charge", "charge", SenderFunc(func(context.Context, string, string, map[string]any, *WorkflowContext) (any, error) {
		return nil, errors.New("declined")
	}))
	_, err := step.Execute(context.Background(), NewWorkflowContext("wf", "i", nil))
	assert.Equal(t, KindMessage, KindOf(err))
}

func TestParallelStep_FirstSuccessCancelsRest(t *testing.T) {
	var slowCancelled atomic.Bool
	fast := msg("fast", "ok", &funcSender{})
	slow := blockingStep("slow", &slowCancelled)

	memos := NewStepMemos(nil)
	ctx := WithMemos(context.Background(), memos)
	p := &ParallelStep{StepConfig: StepConfig{StepID: "race"}, Steps: []Step{slow, fast}}

	out, err := p.Execute(ctx, NewWorkflowContext("wf", "i", nil))
	require.NoError(t, err)
	assert.Contains(t, out.(map[string]any), "fast")
	assert.True(t, slowCancelled.Load(), "losing child must observe cancellation")

	memo, ok := memos.Get("race")
	require.True(t, ok)
	assert.Equal(t, []string{"fast"}, memo.Completed)
	assert.Equal(t, StepCancelled, memo.ChildStates["slow"])
}

func TestParallelStep_EarlyFailureDoesNotEndRace(t *testing.T) {
	failed := make(chan struct{})
	bad := msg("bad", "x", SenderFunc(func(context.Context, string, string, map[string]any, *WorkflowContext) (any, error) {
		defer close(failed)
		return nil, errors.New("bad failed")
	}))
	late := msg("late", "x", SenderFunc(func(ctx context.Context, _, _ string, _ map[string]any, _ *WorkflowContext) (any, error) {
		select {
		case <-failed:
			return "late-ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	memos := NewStepMemos(nil)
	ctx := WithMemos(context.Background(), memos)
	p := &ParallelStep{StepConfig: StepConfig{StepID: "race"}, Steps: []Step{bad, late}}

	out, err := p.Execute(ctx, NewWorkflowContext("wf", "i", nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"late": "late-ok"}, out)

	memo, ok := memos.Get("race")
	require.True(t, ok)
	assert.Equal(t, []string{"late"}, memo.Completed)
	assert.Equal(t, StepFailed, memo.ChildStates["bad"])
}

func TestParallelStep_AllFailReturnsJoinedError(t *testing.T) {
	failing := func(id string) Step {
		return msg(id, "x", SenderFunc(func(context.Context, string, string, map[string]any, *WorkflowContext) (any, error) {
			return nil, errors.New(id + " failed")
		}))
	}
	p := &ParallelStep{StepConfig: StepConfig{StepID: "race"}, Steps: []Step{failing("a"), failing("b")}}
	_, err := p.Execute(context.Background(), NewWorkflowContext("wf", "i", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a failed")
	assert.Contains(t, err.Error(), "b failed")
}

func TestParallelStep_FailFastCancelsSiblings(t *testing.T) {
	var blockedCancelled atomic.Bool
	bad := msg("bad", "x", SenderFunc(func(context.Context, string, string, map[string]any, *WorkflowContext) (any, error) {
		return nil, errors.New("boom")
	}))
	p := &ParallelStep{
		StepConfig: StepConfig{StepID: "all"},
		Steps:      []Step{blockingStep("wait", &blockedCancelled), bad},
		WaitAll:    true,
		FailFast:   true,
	}
	memos := NewStepMemos(nil)
	_, err := p.Execute(WithMemos(context.Background(), memos), NewWorkflowContext("wf", "i", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, blockedCancelled.Load())

	memo, _ := memos.Get("all")
	assert.Equal(t, StepFailed, memo.ChildStates["bad"])
	assert.Equal(t, StepCancelled, memo.ChildStates["wait"])
}

func TestParallelStep_CollectAllKeepsFailures(t *testing.T) {
	sender := &funcSender{fn: func(_ context.Context, action string, data map[string]any) (any, error) {
		if action == "bad" {
			return nil, errors.New("nope")
		}
		return "ok", nil
	}}
	p := &ParallelStep{
		StepConfig: StepConfig{StepID: "all"},
		Steps:      []Step{msg("good", "good", sender), msg("bad", "bad", sender)},
		WaitAll:    true,
	}
	memos := NewStepMemos(nil)
	ctx := WithMemos(context.Background(), memos)
	wctx := NewWorkflowContext("wf", "i", nil)

	out, err := p.Execute(ctx, wctx)
	require.NoError(t, err)
	res := out.(map[string]any)
	assert.Equal(t, "ok", res["good"])
	assert.Contains(t, res["bad"].(map[string]any)["error"], "nope")

	// only the completed child is compensated
	require.NoError(t, p.Compensate(ctx, wctx))
	assert.Contains(t, sender.actions(), "svc/undo_good")
	assert.NotContains(t, sender.actions(), "svc/undo_bad")
}

func TestConditionalStep_CompensatesTakenBranchOnly(t *testing.T) {
	sender := &funcSender{}
	c := &ConditionalStep{
		StepConfig: StepConfig{StepID: "ship"},
		Predicate:  PathEquals("order.express", true),
		IfTrue:     msg("express", "express", sender),
		IfFalse:    msg("ground", "ground", sender),
	}
	memos := NewStepMemos(nil)
	ctx := WithMemos(context.Background(), memos)
	wctx := NewWorkflowContext("wf", "i", map[string]any{"order": map[string]any{"express": true}})

	_, err := c.Execute(ctx, wctx)
	require.NoError(t, err)
	memo, _ := memos.Get("ship")
	assert.Equal(t, BranchTrue, memo.Branch)

	require.NoError(t, c.Compensate(ctx, wctx))
	assert.Equal(t, []string{"svc/express", "svc/undo_express"}, sender.actions())
}

func TestConditionalStep_MissingBranchIsNone(t *testing.T) {
	c := &ConditionalStep{
		StepConfig: StepConfig{StepID: "maybe"},
		Predicate:  PathTruthy("flag"),
		IfTrue:     msg("x", "x", &funcSender{}),
	}
	memos := NewStepMemos(nil)
	out, err := c.Execute(WithMemos(context.Background(), memos), NewWorkflowContext("wf", "i", nil))
	require.NoError(t, err)
	assert.Nil(t, out)
	memo, _ := memos.Get("maybe")
	assert.Equal(t, BranchNone, memo.Branch)
}

func TestLoopStep_OrderedOutputAndBoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	sender := &funcSender{fn: func(_ context.Context, _ string, data map[string]any) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return data["sku"], nil
	}}

	loop := &LoopStep{
		StepConfig: StepConfig{StepID: "reserve"},
		Items:      ItemsFromPath("items"),
		Factory: func(id string, _ int, item any) Step {
			s := msg(id, "reserve", sender)
			s.Data = map[string]any{"sku": item.(map[string]any)["sku"]}
			return s
		},
		MaxConcurrent: 2,
	}
	items := []any{
		map[string]any{"sku": "a"}, map[string]any{"sku": "b"},
		map[string]any{"sku": "c"}, map[string]any{"sku": "d"},
	}
	memos := NewStepMemos(nil)
	ctx := WithMemos(context.Background(), memos)
	wctx := NewWorkflowContext("wf", "i", map[string]any{"items": items})

	out, err := loop.Execute(ctx, wctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c", "d"}, out)
	assert.LessOrEqual(t, peak.Load(), int32(2))

	memo, _ := memos.Get("reserve")
	assert.Len(t, memo.Completed, 4)
	assert.Equal(t, StepCompleted, memo.ChildStates["reserve[3]"])
}

func TestItemsFromPath_AcceptsAnySlice(t *testing.T) {
	wctx := NewWorkflowContext("wf", "i", map[string]any{
		"skus":  []string{"a", "b"},
		"lines": []map[string]any{{"sku": "a", "qty": 1}},
		"sizes": [2]int{3, 4},
		"raw":   []any{"x"},
		"none":  []string(nil),
		"name":  "not-a-list",
	})

	cases := []struct {
		path string
		want []any
	}{
		{"skus", []any{"a", "b"}},
		{"lines", []any{map[string]any{"sku": "a", "qty": 1}}},
		{"sizes", []any{3, 4}},
		{"raw", []any{"x"}},
		{"none", []any{}},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			items, err := ItemsFromPath(tc.path)(wctx)
			require.NoError(t, err)
			assert.Equal(t, tc.want, items)
		})
	}

	t.Run("scalar", func(t *testing.T) {
		_, err := ItemsFromPath("name")(wctx)
		assert.ErrorContains(t, err, "not an array")
	})

	t.Run("missing", func(t *testing.T) {
		_, err := ItemsFromPath("nope")(wctx)
		assert.ErrorContains(t, err, "not found")
	})
}

func TestLoopStep_IteratesTypedSlice(t *testing.T) {
	loop := &LoopStep{
		StepConfig: StepConfig{StepID: "each"},
		Items:      ItemsFromPath("skus"),
		Factory: func(id string, _ int, item any) Step {
			s := msg(id, "reserve", &funcSender{})
			s.Data = map[string]any{"sku": item}
			return s
		},
	}
	wctx := NewWorkflowContext("wf", "i", map[string]any{"skus": []string{"a", "b"}})

	out, err := loop.Execute(WithMemos(context.Background(), NewStepMemos(nil)), wctx)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"sku": "a"}, map[string]any{"sku": "b"}}, out)
}

func TestLoopStep_CompensatesCompletedInReverseIndexOrder(t *testing.T) {
	var mu sync.Mutex
	var undone []string
	loop := &LoopStep{
		StepConfig: StepConfig{StepID: "l"},
		Items:      ItemsFromPath("items"),
		Factory: func(id string, i int, _ any) Step {
			return &MessageStep{
				StepConfig: StepConfig{StepID: id, Compensation: func(context.Context, *WorkflowContext) error {
					mu.Lock()
					undone = append(undone, id)
					mu.Unlock()
					return nil
				}},
				Destination: "svc",
				Action:      "do",
				Sender: SenderFunc(func(context.Context, string, string, map[string]any, *WorkflowContext) (any, error) {
					if i == 2 {
						return nil, errors.New("item 2 broken")
					}
					return i, nil
				}),
			}
		},
		MaxConcurrent: 1,
	}
	memos := NewStepMemos(nil)
	ctx := WithMemos(context.Background(), memos)
	wctx := NewWorkflowContext("wf", "i", map[string]any{"items": []any{"x", "y", "z", "w"}})

	_, err := loop.Execute(ctx, wctx)
	require.Error(t, err)

	memo, _ := memos.Get("l")
	assert.Len(t, memo.ChildStates, 4, "every instantiated child is recorded")
	assert.Equal(t, StepFailed, memo.ChildStates["l[2]"])

	require.NoError(t, loop.Compensate(ctx, wctx))
	assert.Equal(t, []string{"l[1]", "l[0]"}, undone)
}

func TestLoopStep_RejectsMismatchedChildID(t *testing.T) {
	loop := &LoopStep{
		StepConfig: StepConfig{StepID: "l"},
		Items:      func(*WorkflowContext) ([]any, error) { return []any{1}, nil },
		Factory: func(string, int, any) Step {
			return msg("wrong", "x", &funcSender{})
		},
	}
	_, err := loop.Execute(context.Background(), NewWorkflowContext("wf", "i", nil))
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestRunChild_EnforcesTimeout(t *testing.T) {
	var cancelled atomic.Bool
	s := blockingStep("slow", &cancelled)
	s.Timeout = 10 * time.Millisecond

	_, err := RunChild(context.Background(), s, NewWorkflowContext("wf", "i", nil))
	var te *StepTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "slow", te.StepID)
}

func TestRunChild_RecoversPanics(t *testing.T) {
	s := msg("p", "x", SenderFunc(func(context.Context, string, string, map[string]any, *WorkflowContext) (any, error) {
		panic("kaboom")
	}))
	_, err := RunChild(context.Background(), s, NewWorkflowContext("wf", "i", nil))
	assert.Equal(t, KindPanic, KindOf(err))
}

func TestWorkflowDefinition_Validate(t *testing.T) {
	sender := &funcSender{}
	dup := &WorkflowDefinition{
		ID: "wf",
		Steps: []Step{
			msg("a", "x", sender),
			&ParallelStep{StepConfig: StepConfig{StepID: "p"}, Steps: []Step{msg("a", "y", sender)}},
		},
	}
	var verr *ValidationError
	require.ErrorAs(t, dup.Validate(), &verr)
	assert.Contains(t, verr.Problems, `duplicate step id "a"`)

	empty := &WorkflowDefinition{ID: "wf"}
	require.ErrorAs(t, empty.Validate(), &verr)
	assert.Contains(t, verr.Problems, "workflow has no steps")

	noID := &WorkflowDefinition{Steps: []Step{msg("", "x", sender)}}
	require.ErrorAs(t, noID.Validate(), &verr)
	assert.Len(t, verr.Problems, 2)
}
