// Package queue provides the serial operation queue that turns
// concurrent, asynchronous BLE driver callbacks into a strictly
// ordered, cancelable sequence of logical operations.
//
// A Queue owns one serial execution context: operations dispatch one
// at a time, completions fire in enqueue order, and every completion
// callback runs on the queue's own goroutine. Driver callbacks arriving
// from arbitrary goroutines are re-posted onto that context, so the
// at-most-one-in-flight invariant holds even when the radio stack
// delivers callbacks concurrently.
package queue

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// CompleteFunc reports the outcome of a dispatched operation. It may be
// called from any goroutine; only the first call has any effect.
type CompleteFunc func(value []byte, err error)

// Work submits one logical request to the underlying driver. It runs on
// the queue's serial context and must not block: it initiates the
// asynchronous request and returns, reporting the outcome via complete.
// ctx is canceled when the operation is canceled mid-flight, so drivers
// that support abandoning a request can observe it.
type Work func(ctx context.Context, complete CompleteFunc)

// operation is one queue entry. Owned by the queue; callers only hold
// the Handle. All fields except the completion guard are mutated on the
// serial context only.
type operation struct {
	seq    uint64
	work   Work
	handle *Handle
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Option configures a Queue.
type Option func(*Queue)

// WithCancelError sets the error delivered when a pending operation is
// canceled or work is enqueued on a closed queue. Defaults to
// context.Canceled.
func WithCancelError(err error) Option {
	return func(q *Queue) { q.cancelErr = err }
}

// Queue is a strictly ordered execution context for peripheral
// operations: at most one operation is in flight at any instant and
// completion order equals enqueue order.
type Queue struct {
	exec      *executor
	logger    *logrus.Logger
	cancelErr error

	mu     sync.Mutex // guards seq and closed for callers on any goroutine
	seq    uint64
	closed bool

	// pending and current are touched on the serial context only.
	pending *orderedmap.OrderedMap[uint64, *operation]
	current *operation
}

// New creates an idle queue with its own serial execution context.
func New(logger *logrus.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	q := &Queue{
		exec:      newExecutor(),
		logger:    logger,
		cancelErr: context.Canceled,
		pending:   orderedmap.New[uint64, *operation](),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends work to the tail of the queue and returns a handle
// for observing completion or requesting cancellation. Safe to call
// from any goroutine and never blocks; if the queue is idle the work
// dispatches immediately. Enqueueing on a closed queue returns a handle
// already failed with the queue's cancellation error.
func (q *Queue) Enqueue(work Work) *Handle {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return q.Failed(q.cancelErr)
	}
	q.seq++
	seq := q.seq
	q.mu.Unlock()

	h := newHandle(q, seq)
	ctx, cancel := context.WithCancel(context.Background())
	op := &operation{seq: seq, work: work, handle: h, ctx: ctx, cancel: cancel}
	q.exec.Post(func() {
		q.pending.Set(seq, op)
		q.dispatch()
	})
	return h
}

// Failed returns a handle pre-resolved with err. Completion callbacks
// are still delivered on the serial context, so callers observe the
// same delivery contract as for enqueued work.
func (q *Queue) Failed(err error) *Handle {
	return q.resolved(Result{Err: err})
}

// Completed returns a handle pre-resolved with value.
func (q *Queue) Completed(value []byte) *Handle {
	return q.resolved(Result{Value: value})
}

func (q *Queue) resolved(r Result) *Handle {
	h := newHandle(q, 0)
	if !q.exec.Post(func() { h.deliver(r) }) {
		// Serial context already stopped; deliver inline so the
		// handle still completes.
		h.deliver(r)
	}
	return h
}

// DrainPending fails every not-yet-started operation with err, in FIFO
// order. The in-flight operation, if any, is left to complete via its
// own callback path since the hardware request may already be
// irreversibly committed.
func (q *Queue) DrainPending(err error) {
	q.exec.Post(func() { q.drainPending(err) })
}

// DrainAll fails the in-flight operation and every pending operation
// with err. Used on unsolicited disconnect, when the link is gone and
// no further driver callback for the in-flight request will arrive; a
// late callback for it is ignored.
func (q *Queue) DrainAll(err error) {
	q.exec.Post(func() {
		if op := q.current; op != nil {
			q.current = nil
			op.cancel()
			q.logger.WithField("seq", op.seq).Debug("Force-failing in-flight operation")
			op.handle.deliver(Result{Err: err})
		}
		q.drainPending(err)
	})
}

// Close fails all remaining operations with the queue's cancellation
// error and stops the serial context after in-progress callbacks have
// run. Further Enqueue calls return pre-failed handles. Must not be
// called from a completion callback.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.exec.Post(func() {
		if op := q.current; op != nil {
			q.current = nil
			op.cancel()
			op.handle.deliver(Result{Err: q.cancelErr})
		}
		q.drainPending(q.cancelErr)
	})
	q.exec.Close()
}

// requestCancel resolves a Handle.Cancel call on the serial context.
func (q *Queue) requestCancel(h *Handle) {
	q.exec.Post(func() {
		if op, ok := q.pending.Get(h.seq); ok {
			q.pending.Delete(h.seq)
			op.cancel()
			q.logger.WithField("seq", op.seq).Debug("Canceled pending operation")
			op.handle.deliver(Result{Err: q.cancelErr})
			return
		}
		if q.current != nil && q.current.handle == h {
			// Best-effort: forward the request to the in-flight
			// operation through its context. The operation still
			// completes via its own callback path.
			q.logger.WithField("seq", h.seq).Debug("Forwarding cancel to in-flight operation")
			q.current.cancel()
		}
	})
}

// dispatch starts the oldest pending operation if the queue is idle.
// Serial context only.
func (q *Queue) dispatch() {
	if q.current != nil {
		return
	}
	pair := q.pending.Oldest()
	if pair == nil {
		return
	}
	op := pair.Value
	q.pending.Delete(pair.Key)
	q.current = op
	q.logger.WithField("seq", op.seq).Debug("Dispatching operation")

	complete := func(value []byte, err error) {
		op.once.Do(func() {
			q.exec.Post(func() { q.finish(op, Result{Value: value, Err: err}) })
		})
	}
	op.work(op.ctx, complete)
}

// finish completes the current operation and advances the queue.
// Serial context only.
func (q *Queue) finish(op *operation, r Result) {
	if q.current != op {
		// Force-failed by DrainAll or Close; ignore the late callback.
		return
	}
	q.current = nil
	op.cancel()
	op.handle.deliver(r)
	q.dispatch()
}

// drainPending fails all pending operations in FIFO order. Serial
// context only.
func (q *Queue) drainPending(err error) {
	for pair := q.pending.Oldest(); pair != nil; pair = q.pending.Oldest() {
		op := pair.Value
		q.pending.Delete(pair.Key)
		op.cancel()
		op.handle.deliver(Result{Err: err})
	}
}
