// Package invoker provides aggregate operations over a pool.Pool: submit a
// batch of submissions and wait for all of them, or for the first one to
// succeed, under a shared time budget.
package invoker

import (
	"context"
	"errors"
	"time"

	"github.com/a2y-d5l/procpool/pool"
	"github.com/a2y-d5l/procpool/poolerr"
	"golang.org/x/sync/errgroup"
)

// Submitter is the subset of *pool.Pool that invoker needs, so callers can
// supply a test double.
type Submitter interface {
	Submit(sub *pool.Submission) (*pool.Future, error)
}

// InvokeAll submits every submission to p and waits for all of them to
// reach a terminal state, or for the shared timeout budget to run out (a
// zero timeout means no budget beyond ctx). On budget exhaustion, every
// still-pending Future is cancelled (mayInterrupt=true) and the error is
// of Kind Timeout. The results slice has one entry per submission, in
// order; a submission that failed has its error recorded in Results[i].Err
// rather than aborting the whole call.
func InvokeAll(ctx context.Context, p Submitter, subs []*pool.Submission, timeout time.Duration) ([]Result, error) {
	if len(subs) == 0 {
		return nil, nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	futures := make([]*pool.Future, len(subs))
	for i, sub := range subs {
		fut, err := p.Submit(sub)
		if err != nil {
			cancelAll(futures[:i])
			return nil, err
		}
		futures[i] = fut
	}

	results := make([]Result, len(subs))
	var g errgroup.Group
	for i, fut := range futures {
		i, fut := i, fut
		g.Go(func() error {
			val, err := awaitWithContext(ctx, fut)
			results[i] = Result{Value: val, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		cancelAll(futures)
		return results, poolerr.Wrap(poolerr.Timeout, "InvokeAll deadline exceeded", ctx.Err())
	}
	return results, nil
}

// InvokeAny submits every submission to p and returns the value of the
// first one to succeed, cancelling the rest (mayInterrupt=true). With no
// success, the error is of Kind Timeout if the shared budget (or ctx) ran
// out first, and otherwise the last failure observed.
func InvokeAny(ctx context.Context, p Submitter, subs []*pool.Submission, timeout time.Duration) (any, error) {
	if len(subs) == 0 {
		return nil, poolerr.New(poolerr.InvalidArgument, "InvokeAny requires at least one submission")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	futures := make([]*pool.Future, len(subs))
	for i, sub := range subs {
		fut, err := p.Submit(sub)
		if err != nil {
			cancelAll(futures[:i])
			return nil, err
		}
		futures[i] = fut
	}

	type outcome struct {
		val any
		err error
	}
	resultCh := make(chan outcome, len(subs))

	var g errgroup.Group
	for _, fut := range futures {
		fut := fut
		g.Go(func() error {
			val, err := awaitWithContext(ctx, fut)
			resultCh <- outcome{val: val, err: err}
			return nil
		})
	}

	var lastErr error
	for i := 0; i < len(subs); i++ {
		select {
		case o := <-resultCh:
			if o.err == nil {
				cancelAll(futures)
				return o.val, nil
			}
			lastErr = o.err
		case <-ctx.Done():
			cancelAll(futures)
			return nil, poolerr.Wrap(poolerr.Timeout, "InvokeAny deadline exceeded", ctx.Err())
		}
	}
	if ctx.Err() != nil {
		return nil, poolerr.Wrap(poolerr.Timeout, "InvokeAny deadline exceeded", ctx.Err())
	}
	return nil, poolerr.Wrap(poolerr.ExecutionFailure, "every submission failed", unwrapExecutionFailure(lastErr))
}

// Result is one submission's outcome as recorded by InvokeAll.
type Result struct {
	Value any
	Err   error
}

func awaitWithContext(ctx context.Context, fut *pool.Future) (any, error) {
	val, err := fut.GetContext(ctx)
	if err != nil {
		var perr *poolerr.Error
		if errors.As(err, &perr) && perr.Kind == poolerr.Interruption {
			fut.Cancel(true)
			return nil, poolerr.Wrap(poolerr.Cancellation, "submission cancelled by caller context", ctx.Err())
		}
	}
	return val, err
}

// unwrapExecutionFailure peels one ExecutionFailure layer off err so the
// aggregate error does not doubly wrap the cause.
func unwrapExecutionFailure(err error) error {
	var perr *poolerr.Error
	if errors.As(err, &perr) && perr.Kind == poolerr.ExecutionFailure && perr.Cause != nil {
		return perr.Cause
	}
	return err
}

func cancelAll(futures []*pool.Future) {
	for _, fut := range futures {
		if fut != nil {
			fut.Cancel(true)
		}
	}
}
