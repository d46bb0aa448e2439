// Package sched abstracts timers and background execution so that retry
// backoff and engine I/O can be driven deterministically in tests.
package sched

import (
	"sync"
	"time"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from running. Returns false if it already
	// ran or was stopped.
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Executor runs tasks off the caller's goroutine.
type Executor interface {
	Submit(task func())
}

// Real schedules with the runtime timer.
type Real struct{}

// AfterFunc implements Scheduler using time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Go runs every task on its own goroutine and tracks them so shutdown can
// wait for in-flight work.
//
// Thread-safety: safe for concurrent use.
type Go struct {
	wg sync.WaitGroup
}

// Submit starts task on a new goroutine.
func (g *Go) Submit(task func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		task()
	}()
}

// Wait blocks until every submitted task has returned.
func (g *Go) Wait() {
	g.wg.Wait()
}
