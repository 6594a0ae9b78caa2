package utils

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPool_RunsEverySubmittedJob(t *testing.T) {
	pool := NewWorkerPool(3)
	var done atomic.Int32

	for i := 0; i < 20; i++ {
		assert.True(t, pool.Submit(func() { done.Add(1) }))
	}
	pool.Shutdown()

	assert.Equal(t, int32(20), done.Load())
}

func TestWorkerPool_TrySubmitRejectsWhenFull(t *testing.T) {
	pool := NewWorkerPool(1)
	release := make(chan struct{})
	started := make(chan struct{})

	assert.True(t, pool.Submit(func() {
		close(started)
		<-release
	}))
	<-started
	// The worker is busy; one queue slot remains.
	assert.True(t, pool.TrySubmit(func() {}))
	assert.False(t, pool.TrySubmit(func() {}))

	close(release)
	pool.Shutdown()
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(0)
	pool.Shutdown()
	pool.Shutdown()

	assert.False(t, pool.Submit(func() {}))
	assert.False(t, pool.TrySubmit(func() {}))
}
