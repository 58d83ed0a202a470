package api

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ItemsFunc materializes the items a LoopStep iterates over.
type ItemsFunc func(wctx *WorkflowContext) ([]any, error)

// StepFactory builds the step for one loop item. The returned step must use
// id as its ID.
type StepFactory func(id string, index int, item any) Step

// LoopChildID returns the ID of the loop child for the given index.
func LoopChildID(loopID string, index int) string {
	return fmt.Sprintf("%s[%d]", loopID, index)
}

// ItemsFromPath reads the loop items from a context path. The value may be
// any slice or array, such as []string set by Go code or []any decoded from
// JSON; gjson queries are accepted.
func ItemsFromPath(path string) ItemsFunc {
	return func(wctx *WorkflowContext) ([]any, error) {
		v, ok := wctx.Resolve(path)
		if !ok {
			return nil, fmt.Errorf("loop items %q not found in context", path)
		}
		if items, ok := v.([]any); ok {
			return items, nil
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, fmt.Errorf("loop items %q is %T, not an array", path, v)
		}
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return items, nil
	}
}

// LoopStep instantiates one child step per item and runs them with at most
// MaxConcurrent in flight (all at once when MaxConcurrent <= 0). The result
// is the children's outputs ordered by index. The first failure cancels the
// children still running.
type LoopStep struct {
	StepConfig

	Items         ItemsFunc
	Factory       StepFactory
	MaxConcurrent int
}

func (s *LoopStep) sealed() {}

func (s *LoopStep) Kind() StepKind { return StepKindLoop }

func (s *LoopStep) Validate(wctx *WorkflowContext) error {
	var problems []string
	if s.Items == nil {
		problems = append(problems, fmt.Sprintf("loop step %q has no items source", s.StepID))
	}
	if s.Factory == nil {
		problems = append(problems, fmt.Sprintf("loop step %q has no step factory", s.StepID))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (s *LoopStep) instantiate(index int, item any) (Step, error) {
	id := LoopChildID(s.StepID, index)
	child := s.Factory(id, index, item)
	if child == nil {
		return nil, fmt.Errorf("loop step %q: factory returned nil for item %d", s.StepID, index)
	}
	if child.ID() != id {
		return nil, fmt.Errorf("loop step %q: child %d has id %q, want %q", s.StepID, index, child.ID(), id)
	}
	return child, nil
}

func (s *LoopStep) Execute(ctx context.Context, wctx *WorkflowContext) (any, error) {
	memos := MemosFromContext(ctx)

	items, err := s.Items(wctx)
	if err != nil {
		return nil, StepError(KindValidation, err)
	}
	memos.SetItems(s.StepID, items)

	children := make([]Step, len(items))
	for i, item := range items {
		if children[i], err = s.instantiate(i, item); err != nil {
			return nil, StepError(KindValidation, err)
		}
	}

	limit := s.MaxConcurrent
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	if limit == 0 {
		return []any{}, nil
	}
	sem := semaphore.NewWeighted(int64(limit))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	out := make([]any, len(items))
	for i, child := range children {
		// children start in index order; a failure cancels runCtx before
		// its slot is released, so nothing new starts afterwards
		if err := sem.Acquire(runCtx, 1); err != nil || runCtx.Err() != nil {
			if err == nil {
				sem.Release(1)
			}
			for _, rest := range children[i:] {
				memos.SetChildState(s.StepID, rest.ID(), StepCancelled)
			}
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := RunChild(runCtx, child, wctx)
			switch {
			case err == nil:
				memos.SetChildState(s.StepID, child.ID(), StepCompleted)
				mu.Lock()
				out[i] = v
				mu.Unlock()
			case KindOf(err) == KindCancelled:
				memos.SetChildState(s.StepID, child.ID(), StepCancelled)
				fail(err)
			case KindOf(err) == KindTimeout:
				memos.SetChildState(s.StepID, child.ID(), StepTimedOut)
				fail(err)
			default:
				memos.SetChildState(s.StepID, child.ID(), StepFailed)
				fail(err)
			}
			sem.Release(1)
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LoopStep) Compensable() bool {
	// children are only known at run time
	return s.Factory != nil || s.Compensation != nil
}

func (s *LoopStep) Compensate(ctx context.Context, wctx *WorkflowContext) error {
	memo, _ := MemosFromContext(ctx).Get(s.StepID)

	var errs []error
	if s.Factory != nil {
		for i := len(memo.Items) - 1; i >= 0; i-- {
			id := LoopChildID(s.StepID, i)
			if memo.ChildStates[id] != StepCompleted {
				continue
			}
			child, err := s.instantiate(i, memo.Items[i])
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := CompensateChild(ctx, child, wctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if s.Compensation != nil {
		if err := s.Compensation(ctx, wctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
