package pool

import (
	"errors"
	"testing"
	"time"

	"github.com/a2y-d5l/procpool/poolerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_GetReturnsResultOnSuccess(t *testing.T) {
	sub := NewSubmission()
	fut := newFuture(sub)

	go fut.complete("ok", nil, futureSucceeded)

	val, err := fut.Get()
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.True(t, fut.IsDone())
	assert.False(t, fut.IsCancelled())
}

func TestFuture_GetWrapsFailureAsExecutionFailure(t *testing.T) {
	sub := NewSubmission()
	fut := newFuture(sub)
	cause := errors.New("boom")

	go fut.complete(nil, cause, futureFailed)

	_, err := fut.Get()
	require.Error(t, err)

	var perr *poolerr.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, poolerr.ExecutionFailure, perr.Kind)
	assert.ErrorIs(t, err, cause)
}

func TestFuture_CancelWhileQueuedCompletesImmediately(t *testing.T) {
	q := newSubmissionQueue()
	sub := NewSubmission()
	fut := newFuture(sub)
	require.NoError(t, q.enqueue(&queuedItem{submission: sub, future: fut}))

	ok := fut.Cancel(false)
	assert.True(t, ok)
	assert.True(t, fut.IsCancelled())
	assert.Equal(t, 0, q.len())
}

func TestFuture_CancelTwiceReturnsFalseSecondTime(t *testing.T) {
	q := newSubmissionQueue()
	sub := NewSubmission()
	fut := newFuture(sub)
	require.NoError(t, q.enqueue(&queuedItem{submission: sub, future: fut}))

	assert.True(t, fut.Cancel(true))
	assert.False(t, fut.Cancel(true))
	assert.True(t, fut.IsCancelled())
}

func TestFuture_GetTimeoutExpiresWithoutAffectingSubmission(t *testing.T) {
	sub := NewSubmission()
	fut := newFuture(sub)

	_, err := fut.GetTimeout(10 * time.Millisecond)
	require.Error(t, err)

	var perr *poolerr.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, poolerr.Timeout, perr.Kind)
	assert.False(t, fut.IsDone())
}

func TestFuture_CompleteIsExactlyOnce(t *testing.T) {
	sub := NewSubmission()
	fut := newFuture(sub)

	fut.complete("first", nil, futureSucceeded)
	fut.complete("second", nil, futureSucceeded)

	val, err := fut.Get()
	require.NoError(t, err)
	assert.Equal(t, "first", val)
}
