package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/bleq/pkg/queue"
)

type QueueTestSuite struct {
	suite.Suite

	logger *logrus.Logger
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}

func (suite *QueueTestSuite) SetupSuite() {
	suite.logger = logrus.New()
	suite.logger.SetLevel(logrus.DebugLevel)
}

// await blocks on the handle with a test-scoped timeout.
func (suite *QueueTestSuite) await(h *queue.Handle) queue.Result {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := h.Await(ctx)
	suite.Require().NoError(err, "operation MUST complete before the test timeout")
	return r
}

// immediate returns work that completes successfully off the serial
// context, the way a real driver delivers callbacks.
func immediate(value []byte) queue.Work {
	return func(ctx context.Context, complete queue.CompleteFunc) {
		go complete(value, nil)
	}
}

// manual returns work that parks until the test releases it through
// the returned channel of complete functions.
func manual() (queue.Work, chan queue.CompleteFunc) {
	started := make(chan queue.CompleteFunc, 1)
	return func(ctx context.Context, complete queue.CompleteFunc) {
		started <- complete
	}, started
}

func (suite *QueueTestSuite) TestFIFOCompletionOrder() {
	// GOAL: Verify completion callbacks fire in enqueue order
	//
	// TEST SCENARIO: Enqueue N operations completing at driver speed → all complete → order equals enqueue order

	q := queue.New(suite.logger)
	defer q.Close()

	var mu sync.Mutex
	var order []int
	var handles []*queue.Handle

	for i := 0; i < 5; i++ {
		i := i
		h := q.Enqueue(func(ctx context.Context, complete queue.CompleteFunc) {
			go func() {
				time.Sleep(time.Millisecond)
				complete(nil, nil)
			}()
		})
		h.OnComplete(func(queue.Result) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
		handles = append(handles, h)
	}

	for _, h := range handles {
		suite.await(h)
	}

	mu.Lock()
	defer mu.Unlock()
	suite.Assert().Equal([]int{0, 1, 2, 3, 4}, order, "completions MUST fire in enqueue order")
}

func (suite *QueueTestSuite) TestNoOverlappingInFlightWindows() {
	// GOAL: Verify at most one operation is in flight at any instant
	//
	// TEST SCENARIO: Enqueue operations from many goroutines → each tracks an in-flight counter → counter never exceeds 1

	q := queue.New(suite.logger)
	defer q.Close()

	var inFlight, maxInFlight atomic.Int32
	var handles []*queue.Handle
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				h := q.Enqueue(func(ctx context.Context, complete queue.CompleteFunc) {
					cur := inFlight.Add(1)
					if cur > maxInFlight.Load() {
						maxInFlight.Store(cur)
					}
					go func() {
						time.Sleep(time.Millisecond)
						inFlight.Add(-1)
						complete(nil, nil)
					}()
				})
				mu.Lock()
				handles = append(handles, h)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, h := range handles {
		suite.await(h)
	}
	suite.Assert().Equal(int32(1), maxInFlight.Load(), "no two operations may ever be in flight simultaneously")
}

func (suite *QueueTestSuite) TestCancelPendingOperation() {
	// GOAL: Verify canceling a not-yet-started operation completes it with the cancel error and it never dispatches
	//
	// TEST SCENARIO: Block the queue with a held operation → enqueue and cancel a second → second completes canceled without dispatching → release first → first completes normally

	q := queue.New(suite.logger)
	defer q.Close()

	blocker, started := manual()
	h1 := q.Enqueue(blocker)
	complete := <-started

	var dispatched atomic.Bool
	h2 := q.Enqueue(func(ctx context.Context, c queue.CompleteFunc) {
		dispatched.Store(true)
		go c(nil, nil)
	})
	h2.Cancel()

	r2 := suite.await(h2)
	suite.Assert().ErrorIs(r2.Err, context.Canceled, "pending cancel MUST complete with the cancel error")
	suite.Assert().False(dispatched.Load(), "canceled pending operation MUST never reach the driver")

	complete(nil, nil)
	r1 := suite.await(h1)
	suite.Assert().NoError(r1.Err, "in-flight operation MUST complete normally")
}

func (suite *QueueTestSuite) TestCancelInFlight() {
	// GOAL: Verify mid-flight cancellation semantics
	//
	// TEST SCENARIO: Cancel an in-flight operation → drivers that honor the context report cancellation → drivers that ignore it report the natural outcome

	suite.Run("driver honors cancellation", func() {
		q := queue.New(suite.logger)
		defer q.Close()

		started := make(chan struct{})
		h := q.Enqueue(func(ctx context.Context, complete queue.CompleteFunc) {
			go func() {
				close(started)
				<-ctx.Done()
				complete(nil, ctx.Err())
			}()
		})
		<-started
		h.Cancel()

		r := suite.await(h)
		suite.Assert().ErrorIs(r.Err, context.Canceled, "honored cancel MUST surface the context error")
	})

	suite.Run("driver ignores cancellation", func() {
		q := queue.New(suite.logger)
		defer q.Close()

		blocker, started := manual()
		h := q.Enqueue(blocker)
		complete := <-started

		h.Cancel()
		complete([]byte{0x01}, nil)

		r := suite.await(h)
		suite.Assert().NoError(r.Err, "committed work MUST report its natural outcome, not canceled")
		suite.Assert().Equal([]byte{0x01}, r.Value, "natural result value MUST be preserved")
	})
}

func (suite *QueueTestSuite) TestCancelIsIdempotent() {
	// GOAL: Verify repeated and late cancels have no additional effect
	//
	// TEST SCENARIO: Cancel twice before completion and once after → single canceled completion → no panic, result unchanged

	q := queue.New(suite.logger)
	defer q.Close()

	blocker, started := manual()
	h1 := q.Enqueue(blocker)
	complete := <-started

	h2 := q.Enqueue(immediate(nil))
	h2.Cancel()
	h2.Cancel()

	r2 := suite.await(h2)
	suite.Assert().ErrorIs(r2.Err, context.Canceled, "first cancel MUST win")

	complete([]byte{0x42}, nil)
	r1 := suite.await(h1)
	suite.Require().NoError(r1.Err)

	h1.Cancel() // after completion: no-op
	suite.Assert().Equal([]byte{0x42}, h1.Result().Value, "cancel after completion MUST NOT alter the result")
}

func (suite *QueueTestSuite) TestDrainPending() {
	// GOAL: Verify DrainPending fails queued operations but leaves the in-flight one alone
	//
	// TEST SCENARIO: Hold one operation in flight, queue three more → DrainPending → three fail with the drain error in FIFO order → released operation completes normally

	q := queue.New(suite.logger)
	defer q.Close()

	errLinkDown := errors.New("link down")

	blocker, started := manual()
	h1 := q.Enqueue(blocker)
	complete := <-started

	var mu sync.Mutex
	var drained []int
	var pending []*queue.Handle
	for i := 0; i < 3; i++ {
		i := i
		h := q.Enqueue(immediate(nil))
		h.OnComplete(func(queue.Result) {
			mu.Lock()
			drained = append(drained, i)
			mu.Unlock()
		})
		pending = append(pending, h)
	}

	q.DrainPending(errLinkDown)

	for _, h := range pending {
		r := suite.await(h)
		suite.Assert().ErrorIs(r.Err, errLinkDown, "pending operation MUST fail with the drain error")
	}
	mu.Lock()
	suite.Assert().Equal([]int{0, 1, 2}, drained, "drain MUST fail pending operations in FIFO order")
	mu.Unlock()

	complete([]byte{0x07}, nil)
	r1 := suite.await(h1)
	suite.Assert().NoError(r1.Err, "in-flight operation MUST complete via its own callback path")
	suite.Assert().Equal([]byte{0x07}, r1.Value)
}

func (suite *QueueTestSuite) TestDrainAll() {
	// GOAL: Verify DrainAll force-fails the in-flight operation and ignores its late callback
	//
	// TEST SCENARIO: Hold one operation in flight, queue one more → DrainAll → both fail with the drain error → late driver callback does not overwrite the result

	q := queue.New(suite.logger)
	defer q.Close()

	errGone := errors.New("peripheral gone")

	blocker, started := manual()
	h1 := q.Enqueue(blocker)
	complete := <-started
	h2 := q.Enqueue(immediate(nil))

	q.DrainAll(errGone)

	r1 := suite.await(h1)
	r2 := suite.await(h2)
	suite.Assert().ErrorIs(r1.Err, errGone, "in-flight operation MUST be force-failed")
	suite.Assert().ErrorIs(r2.Err, errGone, "pending operation MUST be failed")

	// Late driver callback for the force-failed operation.
	complete([]byte{0xFF}, nil)
	time.Sleep(10 * time.Millisecond)
	suite.Assert().ErrorIs(h1.Result().Err, errGone, "late callback MUST NOT overwrite the forced failure")
}

func (suite *QueueTestSuite) TestPreResolvedHandles() {
	// GOAL: Verify Failed/Completed handles observe the normal delivery contract
	//
	// TEST SCENARIO: Create pre-resolved handles → OnComplete fires once with the resolved outcome → late registration still fires

	q := queue.New(suite.logger)
	defer q.Close()

	errBad := errors.New("bad request")

	hf := q.Failed(errBad)
	r := suite.await(hf)
	suite.Assert().ErrorIs(r.Err, errBad, "failed handle MUST carry the given error")

	hc := q.Completed([]byte{0x01})
	r = suite.await(hc)
	suite.Assert().Equal([]byte{0x01}, r.Value, "completed handle MUST carry the given value")

	// Registration after completion still fires exactly once.
	fired := make(chan queue.Result, 1)
	hc.OnComplete(func(r queue.Result) { fired <- r })
	select {
	case got := <-fired:
		suite.Assert().Equal([]byte{0x01}, got.Value)
	case <-time.After(2 * time.Second):
		suite.Fail("late OnComplete MUST still fire")
	}
}

func (suite *QueueTestSuite) TestCustomCancelError() {
	// GOAL: Verify WithCancelError substitutes the delivered cancellation error
	//
	// TEST SCENARIO: Queue with custom cancel sentinel → cancel a pending operation → handle fails with the sentinel

	errStopped := errors.New("stopped")
	q := queue.New(suite.logger, queue.WithCancelError(errStopped))
	defer q.Close()

	blocker, started := manual()
	h1 := q.Enqueue(blocker)
	complete := <-started

	h2 := q.Enqueue(immediate(nil))
	h2.Cancel()
	r := suite.await(h2)
	suite.Assert().ErrorIs(r.Err, errStopped, "cancel MUST deliver the configured error")

	complete(nil, nil)
	suite.await(h1)
}

func (suite *QueueTestSuite) TestClose() {
	// GOAL: Verify Close fails remaining work and rejects new work
	//
	// TEST SCENARIO: Hold an operation, queue another → Close → both fail with the cancel error → Enqueue after Close returns a pre-failed handle

	errStopped := errors.New("stopped")
	q := queue.New(suite.logger, queue.WithCancelError(errStopped))

	blocker, started := manual()
	h1 := q.Enqueue(blocker)
	<-started
	h2 := q.Enqueue(immediate(nil))

	q.Close()

	suite.Assert().ErrorIs(h1.Result().Err, errStopped, "in-flight operation MUST fail on close")
	suite.Assert().ErrorIs(h2.Result().Err, errStopped, "pending operation MUST fail on close")

	h3 := q.Enqueue(immediate(nil))
	r := suite.await(h3)
	suite.Assert().ErrorIs(r.Err, errStopped, "enqueue after close MUST fail with the cancel error")
}
