package pool

import (
	"container/list"
	"sync"

	"github.com/a2y-d5l/procpool/poolerr"
)

// queuedItem pairs a Submission with the Future a caller is holding for it
// while it waits in the queue.
type queuedItem struct {
	submission *Submission
	future     *Future
}

// submissionQueue is a FIFO of pending submissions with cancellation-aware
// removal. enqueue is non-blocking and always accepted unless the queue has
// been closed; poll is the non-blocking consumer primitive used by executor
// worker loops together with the notify/closedSignal channels; take blocks
// until an item is available, the queue is closed and drained, or the
// caller-supplied stop channel fires (so a single executor can stop waiting
// on the shared queue without affecting any other waiter); remove excises a
// specific queued item, used when its Future is cancelled.
type submissionQueue struct {
	mu       sync.Mutex
	items    *list.List
	closed   bool
	notifyCh chan struct{}

	closeOnce sync.Once
	closedCh  chan struct{}
}

func newSubmissionQueue() *submissionQueue {
	return &submissionQueue{
		items:    list.New(),
		notifyCh: make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// enqueue appends item to the back of the queue and wakes one blocked
// consumer, preserving strict FIFO order among successfully enqueued items.
func (q *submissionQueue) enqueue(item *queuedItem) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return poolerr.New(poolerr.RejectedSubmission, "submission queue is shut down")
	}
	q.items.PushBack(item)
	item.future.bindQueue(q)
	q.mu.Unlock()

	q.wake()
	return nil
}

// wake hands a single wakeup token to the notify channel. Tokens are
// conflated: a full channel means a wakeup is already pending, which is
// enough because every consumer re-polls before blocking.
func (q *submissionQueue) wake() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// notify is the channel a consumer selects on to learn that an item may be
// available. Receiving from it consumes the pending wakeup token; the
// receiver must either poll an item or call wake again so the token is not
// lost to the other consumers.
func (q *submissionQueue) notify() <-chan struct{} {
	return q.notifyCh
}

// closedSignal is closed once the queue has been shut down. Items already
// queued remain available via poll/take until drained.
func (q *submissionQueue) closedSignal() <-chan struct{} {
	return q.closedCh
}

// poll removes and returns the oldest queued item without blocking. If
// items remain after the removal, the wakeup token is replenished so
// another consumer can claim the next one.
func (q *submissionQueue) poll() (*queuedItem, bool) {
	q.mu.Lock()
	elem := q.items.Front()
	if elem == nil {
		q.mu.Unlock()
		return nil, false
	}
	q.items.Remove(elem)
	remaining := q.items.Len()
	q.mu.Unlock()

	if remaining > 0 {
		q.wake()
	}
	return elem.Value.(*queuedItem), true
}

// take blocks until an item is available, the queue is closed with nothing
// left to drain (returns nil, false), or stop fires (returns nil, false
// without affecting the queue's contents).
func (q *submissionQueue) take(stop <-chan struct{}) (*queuedItem, bool) {
	for {
		if item, ok := q.poll(); ok {
			return item, true
		}

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-q.notifyCh:
		case <-q.closedCh:
		case <-stop:
			return nil, false
		}
	}
}

// remove excises fut's queue entry in place without disturbing the order of
// the rest. Reports whether fut was still queued.
func (q *submissionQueue) remove(fut *Future) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for e := q.items.Front(); e != nil; e = e.Next() {
		if e.Value.(*queuedItem).future == fut {
			q.items.Remove(e)
			return true
		}
	}
	return false
}

// drain removes and returns every queued item in FIFO order, used by a
// forceful shutdown to return queued submissions to their callers.
func (q *submissionQueue) drain() []*queuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*queuedItem, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*queuedItem))
	}
	q.items.Init()
	return out
}

func (q *submissionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// close marks the queue shut down and wakes every blocked consumer. Already
// queued items remain available via poll/take until drained.
func (q *submissionQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.closeOnce.Do(func() { close(q.closedCh) })
}
