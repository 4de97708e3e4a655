package pool

import (
	"context"
	"sync"
	"time"

	"github.com/a2y-d5l/procpool/poolerr"
)

type futureState int32

const (
	futurePending futureState = iota
	futureSucceeded
	futureFailed
	futureCancelled
)

// Future is the cancellable, awaitable handle returned from Pool.Submit. It
// mediates interruption of an in-flight submission and is independent of
// the lifetime of the executor that eventually runs it.
type Future struct {
	submission *Submission

	mu       sync.Mutex
	state    futureState
	result   any
	err      error
	done     chan struct{}
	queue    *submissionQueue
	executor *ProcessExecutor
}

func newFuture(sub *Submission) *Future {
	return &Future{submission: sub, done: make(chan struct{})}
}

// Submission returns the submission this Future was created for.
func (f *Future) Submission() *Submission {
	return f.submission
}

func (f *Future) bindQueue(q *submissionQueue) {
	f.mu.Lock()
	f.queue = q
	f.mu.Unlock()
}

// bindExecutor records that fut has been handed off the queue onto
// executor. Called by the executor immediately before it begins executing
// the submission.
func (f *Future) bindExecutor(e *ProcessExecutor) {
	f.mu.Lock()
	f.queue = nil
	f.executor = e
	f.mu.Unlock()
}

// IsDone reports whether the Future has reached a terminal state.
func (f *Future) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state != futurePending
}

// IsCancelled reports whether the Future's submission was cancelled.
func (f *Future) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == futureCancelled
}

// Cancel attempts to cancel the submission. If it is still queued, it is
// removed from the queue and the Future completes as cancelled
// immediately. If it is currently executing and mayInterrupt is true, the
// owning executor's I/O wait is interrupted (tearing down its process);
// the Future completes as cancelled once the executor unwinds. If it is
// executing and mayInterrupt is false, or the Future is already terminal,
// Cancel refuses and returns false.
func (f *Future) Cancel(mayInterrupt bool) bool {
	f.mu.Lock()
	if f.state != futurePending {
		f.mu.Unlock()
		return false
	}

	if q := f.queue; q != nil {
		f.mu.Unlock()
		if q.remove(f) {
			f.complete(nil, poolerr.New(poolerr.Cancellation, "submission cancelled while queued"), futureCancelled)
			return true
		}
		// Lost the race: the queue just handed this item to an executor.
		f.mu.Lock()
	}

	exec := f.executor
	f.mu.Unlock()
	if exec == nil || !mayInterrupt {
		return false
	}

	return exec.interrupt(f)
}

// complete transitions the Future to a terminal state. It fires exactly
// once; subsequent calls are no-ops.
func (f *Future) complete(result any, err error, state futureState) {
	f.mu.Lock()
	if f.state != futurePending {
		f.mu.Unlock()
		return
	}
	f.result = result
	f.err = err
	f.state = state
	close(f.done)
	f.mu.Unlock()
}

// Get blocks until the submission reaches a terminal state and returns its
// result, or a poolerr.Error: ExecutionFailure wrapping the failure cause,
// or Cancellation if the submission was cancelled.
func (f *Future) Get() (any, error) {
	<-f.done
	return f.outcome()
}

// GetTimeout blocks until the submission reaches a terminal state or
// timeout elapses. On timeout it returns a poolerr.Error of Kind Timeout
// without affecting the submission itself.
func (f *Future) GetTimeout(timeout time.Duration) (any, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.outcome()
	case <-timer.C:
		return nil, poolerr.New(poolerr.Timeout, "future wait timed out")
	}
}

// GetContext blocks until the submission reaches a terminal state or ctx
// is done. A ctx-initiated return carries Kind Interruption: the caller's
// wait was interrupted, but the submission itself is unaffected.
func (f *Future) GetContext(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.outcome()
	case <-ctx.Done():
		return nil, poolerr.Wrap(poolerr.Interruption, "future wait interrupted", ctx.Err())
	}
}

func (f *Future) outcome() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case futureSucceeded:
		return f.result, nil
	case futureFailed:
		return nil, poolerr.Wrap(poolerr.ExecutionFailure, "submission execution failed", f.err)
	case futureCancelled:
		return nil, f.err
	default:
		return nil, poolerr.New(poolerr.DisruptedExecution, "future resolved without a terminal state")
	}
}
