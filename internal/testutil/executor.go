package testutil

import "sync"

// InlineExecutor runs each submitted task immediately on the caller's
// goroutine, making asynchronous engine work synchronous in tests.
type InlineExecutor struct{}

// Submit runs task before returning.
func (InlineExecutor) Submit(task func()) { task() }

// DeferredExecutor queues tasks until RunAll is called. Tests use it to
// interleave deliveries with in-flight I/O.
//
// Thread-safety: safe for concurrent use.
type DeferredExecutor struct {
	mu    sync.Mutex
	tasks []func()
}

// Submit queues task.
func (e *DeferredExecutor) Submit(task func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
}

// RunAll runs queued tasks in FIFO order, including tasks queued while
// running. Returns the number of tasks run.
func (e *DeferredExecutor) RunAll() int {
	n := 0
	for {
		e.mu.Lock()
		if len(e.tasks) == 0 {
			e.mu.Unlock()
			return n
		}
		task := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()
		task()
		n++
	}
}

// Len returns the number of queued tasks.
func (e *DeferredExecutor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}
