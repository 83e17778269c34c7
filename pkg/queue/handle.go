package queue

import (
	"context"
	"sync"
	"sync/atomic"
)

// Result is the completion slot of an operation. Exactly one of Value
// or Err is meaningful: Err is nil on success.
type Result struct {
	Value []byte
	Err   error
}

// Handle represents one queued or in-flight operation. It is returned
// by Enqueue and supports cancellation and completion notification.
// All methods are safe to call from any goroutine.
type Handle struct {
	seq uint64
	q   *Queue

	mu        sync.Mutex
	completed bool
	result    Result
	callbacks []func(Result)
	done      chan struct{}

	cancelReq atomic.Bool
}

func newHandle(q *Queue, seq uint64) *Handle {
	return &Handle{seq: seq, q: q, done: make(chan struct{})}
}

// OnComplete registers fn to be invoked exactly once with the
// operation's outcome, on the queue's serial context. Registering
// after the operation has completed still fires fn, also on the
// serial context.
func (h *Handle) OnComplete(fn func(Result)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	if h.completed {
		r := h.result
		h.mu.Unlock()
		if !h.q.exec.Post(func() { fn(r) }) {
			fn(r)
		}
		return
	}
	h.callbacks = append(h.callbacks, fn)
	h.mu.Unlock()
}

// Cancel requests cancellation of the operation. A pending operation
// completes with the queue's cancellation error and never reaches the
// driver. An in-flight operation is canceled best-effort through its
// context; if the driver does not honor the request the operation
// completes with its natural outcome. Cancel is idempotent and a safe
// no-op after completion.
func (h *Handle) Cancel() {
	if !h.cancelReq.CompareAndSwap(false, true) {
		return
	}
	h.q.requestCancel(h)
}

// Done returns a channel closed when the operation completes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the completion slot. Only meaningful once Done is
// closed; before that it is the zero Result.
func (h *Handle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Await blocks until the operation completes or ctx expires.
func (h *Handle) Await(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// deliver resolves the completion slot and fires callbacks in
// registration order. Runs on the queue's serial context; a second
// call is a no-op so a late driver callback after a force-fail is
// ignored.
func (h *Handle) deliver(r Result) {
	h.mu.Lock()
	if h.completed {
		h.mu.Unlock()
		return
	}
	h.completed = true
	h.result = r
	cbs := h.callbacks
	h.callbacks = nil
	close(h.done)
	h.mu.Unlock()

	for _, fn := range cbs {
		fn(r)
	}
}
