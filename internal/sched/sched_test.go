package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGo_WaitCoversSubmittedTasks(t *testing.T) {
	var g Go
	var n atomic.Int32
	for i := 0; i < 10; i++ {
		g.Submit(func() { n.Add(1) })
	}
	g.Wait()
	assert.Equal(t, int32(10), n.Load())
}

func TestReal_StopCancels(t *testing.T) {
	fired := make(chan struct{}, 1)
	tm := Real{}.AfterFunc(time.Hour, func() { fired <- struct{}{} })
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	default:
	}
}
