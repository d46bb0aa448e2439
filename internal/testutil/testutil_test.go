package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualScheduler_FiresInDueOrder(t *testing.T) {
	s := NewManualScheduler()
	var order []string
	s.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	s.AfterFunc(time.Second, func() { order = append(order, "a") })

	assert.Equal(t, 0, s.Advance(500*time.Millisecond))
	assert.Equal(t, 2, s.Pending())

	assert.Equal(t, 2, s.Advance(2*time.Second))
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 2500*time.Millisecond, s.Now())
}

func TestManualScheduler_ChainedTimersInsideWindow(t *testing.T) {
	s := NewManualScheduler()
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			s.AfterFunc(time.Second, tick)
		}
	}
	s.AfterFunc(time.Second, tick)

	assert.Equal(t, 2, s.Advance(2*time.Second))
	assert.Equal(t, 1, s.Pending())
	assert.Equal(t, 1, s.Advance(10*time.Second))
	assert.Equal(t, 3, count)
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, s.Scheduled())
}

func TestManualScheduler_Stop(t *testing.T) {
	s := NewManualScheduler()
	fired := false
	tm := s.AfterFunc(time.Second, func() { fired = true })
	require.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	s.Advance(time.Minute)
	assert.False(t, fired)
}

func TestDeferredExecutor_RunAll(t *testing.T) {
	var e DeferredExecutor
	var got []int
	e.Submit(func() {
		got = append(got, 1)
		e.Submit(func() { got = append(got, 3) })
	})
	e.Submit(func() { got = append(got, 2) })
	assert.Equal(t, 2, e.Len())
	assert.Equal(t, 3, e.RunAll())
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestFixedGenerator(t *testing.T) {
	g := NewFixedGenerator("tok", "first")
	assert.Equal(t, "first", g.Generate())
	assert.Equal(t, "tok-2", g.Generate())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Generate()
		}()
	}
	wg.Wait()
	assert.Equal(t, "tok-13", g.Generate())
}
