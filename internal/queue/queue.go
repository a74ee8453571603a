// Package queue implements the Consumer Queue component (C8): a bounded
// FIFO of data records delivered to application consumers, carrying
// end/error sentinels, per §4.8 of the specification.
package queue

import (
	"sync/atomic"
	"time"

	"github.com/shaharia-lab/claude-agent-core/internal/corerr"
	"github.com/shaharia-lab/claude-agent-core/internal/wire"
)

// DefaultCapacity is the default bounded FIFO capacity (§6).
const DefaultCapacity = 1000

// pollInterval is how often an Iterator re-polls to observe Closed (§4.8).
const pollInterval = 400 * time.Millisecond

// Queue is a bounded FIFO of wire.Record, distributing records across any
// number of Iterators (each record goes to exactly one iterator).
type Queue struct {
	ch     chan wire.Record
	closed atomic.Bool
}

// New creates a Queue with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan wire.Record, capacity)}
}

// Push enqueues rec, the producer side used by the inbound dispatcher.
// Returns false if it could not be delivered within the given timeout (the
// caller should log and drop per §4.6/§5).
func (q *Queue) Push(rec wire.Record, timeout time.Duration) bool {
	if q.closed.Load() {
		return false
	}
	select {
	case q.ch <- rec:
		return true
	case <-time.After(timeout):
		return false
	}
}

// PushEnd enqueues the {"type":"end"} sentinel.
func (q *Queue) PushEnd() { _ = q.Push(wire.EndSentinel(), pollInterval) }

// PushError enqueues the {"type":"error","error":...} sentinel.
func (q *Queue) PushError(msg string) { _ = q.Push(wire.ErrorSentinel(msg), pollInterval) }

// SignalClosed marks the queue closed; existing Iterators observe this
// within one poll interval and terminate.
func (q *Queue) SignalClosed() { q.closed.Store(true) }

// Iterator is a consumer handle over the Queue. Multiple Iterators may be
// created; each delivered record goes to exactly one of them (§4.8). This is
// mentioned for contract completeness — single-iterator usage is the norm.
type Iterator struct {
	q *Queue
}

// NewIterator returns a new Iterator over q.
func (q *Queue) NewIterator() *Iterator { return &Iterator{q: q} }

// Next blocks until a record is available, the closed flag is observed, or
// a sentinel terminates the iteration. ok is false once the iteration is
// over; err is non-nil if the end was a {"type":"error"} sentinel.
func (it *Iterator) Next() (rec wire.Record, ok bool, err error) {
	for {
		select {
		case r, chOk := <-it.q.ch:
			if !chOk {
				return nil, false, nil
			}
			if wire.IsEndSentinel(r) {
				return nil, false, nil
			}
			if msg, isErr := wire.IsErrorSentinel(r); isErr {
				return nil, false, &corerr.SDKError{Message: msg}
			}
			return r, true, nil
		case <-time.After(pollInterval):
			if it.q.closed.Load() {
				return nil, false, nil
			}
		}
	}
}
