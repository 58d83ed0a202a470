package api

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ParallelStep runs its children concurrently.
//
//   - WaitAll with FailFast: the first child failure cancels the siblings and
//     is returned once they have all returned.
//   - WaitAll without FailFast: every child runs to the end; the result maps
//     child ID to its value, or to {"error": message} for failed children.
//   - WaitAll false: the first child to succeed wins and the rest are
//     cancelled. A child that fails first does not end the race; the others
//     keep running. The result maps the winner's ID to its value. The step
//     fails only when every child fails, with their errors joined.
//
// Child outcomes go to the instance's StepMemos; only children that
// completed are compensated, in reverse completion order.
type ParallelStep struct {
	StepConfig

	Steps    []Step
	WaitAll  bool
	FailFast bool
}

func (s *ParallelStep) sealed() {}

func (s *ParallelStep) Kind() StepKind { return StepKindParallel }

func (s *ParallelStep) Validate(wctx *WorkflowContext) error {
	if len(s.Steps) == 0 {
		return &ValidationError{Problems: []string{fmt.Sprintf("parallel step %q has no children", s.StepID)}}
	}
	return nil
}

func (s *ParallelStep) Execute(ctx context.Context, wctx *WorkflowContext) (any, error) {
	memos := MemosFromContext(ctx)
	switch {
	case !s.WaitAll:
		return s.firstSuccess(ctx, wctx, memos)
	case s.FailFast:
		return s.failFast(ctx, wctx, memos)
	default:
		return s.collectAll(ctx, wctx, memos)
	}
}

func (s *ParallelStep) record(memos *StepMemos, childID string, err error, cancelled bool) {
	switch {
	case err == nil && !cancelled:
		memos.SetChildState(s.StepID, childID, StepCompleted)
	case err == nil || KindOf(err) == KindCancelled:
		memos.SetChildState(s.StepID, childID, StepCancelled)
	case KindOf(err) == KindTimeout:
		memos.SetChildState(s.StepID, childID, StepTimedOut)
	default:
		memos.SetChildState(s.StepID, childID, StepFailed)
	}
}

func (s *ParallelStep) failFast(ctx context.Context, wctx *WorkflowContext, memos *StepMemos) (any, error) {
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	out := make(map[string]any, len(s.Steps))
	for _, child := range s.Steps {
		g.Go(func() error {
			v, err := RunChild(gctx, child, wctx)
			if err != nil && gctx.Err() != nil && ctx.Err() == nil && KindOf(err) == KindCancelled {
				// cancelled because a sibling failed
				s.record(memos, child.ID(), err, true)
				return err
			}
			s.record(memos, child.ID(), err, false)
			if err != nil {
				return err
			}
			mu.Lock()
			out[child.ID()] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ParallelStep) collectAll(ctx context.Context, wctx *WorkflowContext, memos *StepMemos) (any, error) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	out := make(map[string]any, len(s.Steps))
	for _, child := range s.Steps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := RunChild(ctx, child, wctx)
			s.record(memos, child.ID(), err, false)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out[child.ID()] = map[string]any{"error": err.Error()}
				return
			}
			out[child.ID()] = v
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ParallelStep) firstSuccess(ctx context.Context, wctx *WorkflowContext, memos *StepMemos) (any, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		id    string
		value any
		err   error
	}

	results := make(chan outcome, len(s.Steps))
	var wg sync.WaitGroup
	for _, child := range s.Steps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := RunChild(runCtx, child, wctx)
			results <- outcome{id: child.ID(), value: v, err: err}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		winner *outcome
		errs   []error
	)
	for o := range results {
		switch {
		case winner == nil && o.err == nil:
			winner = &o
			memos.SetChildState(s.StepID, o.id, StepCompleted)
			cancel()
		case winner != nil:
			// late finishers lost the race, whatever they returned
			s.record(memos, o.id, o.err, true)
		default:
			s.record(memos, o.id, o.err, false)
			errs = append(errs, o.err)
		}
	}

	if winner != nil {
		return map[string]any{winner.id: winner.value}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.Join(errs...)
}

func (s *ParallelStep) Compensable() bool {
	if s.Compensation != nil {
		return true
	}
	return slices.ContainsFunc(s.Steps, Step.Compensable)
}

func (s *ParallelStep) Compensate(ctx context.Context, wctx *WorkflowContext) error {
	memo, _ := MemosFromContext(ctx).Get(s.StepID)
	byID := make(map[string]Step, len(s.Steps))
	for _, c := range s.Steps {
		byID[c.ID()] = c
	}

	var errs []error
	for i := len(memo.Completed) - 1; i >= 0; i-- {
		child, ok := byID[memo.Completed[i]]
		if !ok {
			continue
		}
		if err := CompensateChild(ctx, child, wctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Compensation != nil {
		if err := s.Compensation(ctx, wctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
