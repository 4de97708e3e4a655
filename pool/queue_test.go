package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmissionQueue_FIFOOrder(t *testing.T) {
	q := newSubmissionQueue()

	futs := make([]*Future, 0, 3)
	for i := 0; i < 3; i++ {
		sub := NewSubmission()
		fut := newFuture(sub)
		futs = append(futs, fut)
		require.NoError(t, q.enqueue(&queuedItem{submission: sub, future: fut}))
	}
	assert.Equal(t, 3, q.len())

	stop := make(chan struct{})
	for i := 0; i < 3; i++ {
		item, ok := q.take(stop)
		require.True(t, ok)
		require.NotNil(t, item)
		assert.Same(t, futs[i], item.future)
	}
	assert.Equal(t, 0, q.len())
}

func TestSubmissionQueue_TakeBlocksUntilEnqueue(t *testing.T) {
	q := newSubmissionQueue()
	stop := make(chan struct{})

	resultCh := make(chan bool, 1)
	go func() {
		_, ok := q.take(stop)
		resultCh <- ok
	}()

	select {
	case <-resultCh:
		t.Fatal("take returned before any item was enqueued")
	case <-time.After(20 * time.Millisecond):
	}

	sub := NewSubmission()
	require.NoError(t, q.enqueue(&queuedItem{submission: sub, future: newFuture(sub)}))

	select {
	case ok := <-resultCh:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("take never unblocked after enqueue")
	}
}

func TestSubmissionQueue_StopUnblocksSingleTaker(t *testing.T) {
	q := newSubmissionQueue()
	stop := make(chan struct{})

	resultCh := make(chan bool, 1)
	go func() {
		_, ok := q.take(stop)
		resultCh <- ok
	}()

	close(stop)

	select {
	case ok := <-resultCh:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("take never unblocked after stop closed")
	}

	// The queue itself is still open for other takers.
	assert.False(t, q.closed)
}

func TestSubmissionQueue_RemoveExcisesQueuedItem(t *testing.T) {
	q := newSubmissionQueue()
	sub := NewSubmission()
	fut := newFuture(sub)
	require.NoError(t, q.enqueue(&queuedItem{submission: sub, future: fut}))

	assert.True(t, q.remove(fut))
	assert.Equal(t, 0, q.len())
	assert.False(t, q.remove(fut))
}

func TestSubmissionQueue_DrainReturnsAllAndEmptiesQueue(t *testing.T) {
	q := newSubmissionQueue()
	for i := 0; i < 4; i++ {
		sub := NewSubmission()
		require.NoError(t, q.enqueue(&queuedItem{submission: sub, future: newFuture(sub)}))
	}

	drained := q.drain()
	assert.Len(t, drained, 4)
	assert.Equal(t, 0, q.len())
}

func TestSubmissionQueue_EnqueueAfterCloseRejects(t *testing.T) {
	q := newSubmissionQueue()
	q.close()

	sub := NewSubmission()
	err := q.enqueue(&queuedItem{submission: sub, future: newFuture(sub)})
	require.Error(t, err)
}

func TestSubmissionQueue_CloseUnblocksAllTakers(t *testing.T) {
	q := newSubmissionQueue()
	stop := make(chan struct{})

	const takers = 3
	resultCh := make(chan bool, takers)
	for i := 0; i < takers; i++ {
		go func() {
			_, ok := q.take(stop)
			resultCh <- ok
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.close()

	for i := 0; i < takers; i++ {
		select {
		case ok := <-resultCh:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("taker never unblocked after close")
		}
	}
}
