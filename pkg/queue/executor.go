package queue

import "sync"

// executor is the single serial execution context backing a Queue.
// Tasks posted from any goroutine run strictly in post order on one
// dedicated goroutine. The task list is unbounded so Post never blocks
// the caller; dropping tasks would drop operation completions.
type executor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

func newExecutor() *executor {
	e := &executor{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// Post schedules fn on the serial context. Safe to call from any
// goroutine. Returns false if the executor is already closed and fn
// was not accepted.
func (e *executor) Post(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.tasks = append(e.tasks, fn)
	e.cond.Signal()
	e.mu.Unlock()
	return true
}

func (e *executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.tasks) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.tasks) == 0 {
			e.mu.Unlock()
			return
		}
		fn := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()
		fn()
	}
}

// Close stops the executor once every previously posted task has run,
// then waits for the run loop to exit. Must not be called from a task
// running on the executor itself.
func (e *executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.cond.Signal()
	e.mu.Unlock()
	<-e.done
}
