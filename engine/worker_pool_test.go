package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsSubmittedWork(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()

	var ran atomic.Int64
	var wg sync.WaitGroup
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(ctx, func() {
			ran.Add(1)
			wg.Done()
		}))
	}
	wg.Wait()

	assert.EqualValues(t, 50, ran.Load())
}

func TestWorkerPoolSubmitAfterClose(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Close()
	pool.Close() // idempotent

	err := pool.Submit(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrClosed)

	assert.False(t, pool.TrySubmit(func() {}))
}

func TestWorkerPoolSubmitHonorsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Close()

	// Saturate the single worker and its queue so the next Submit blocks.
	block := make(chan struct{})
	defer close(block)

	ctx := context.Background()
	require.NoError(t, pool.Submit(ctx, func() { <-block }))
	for pool.TrySubmit(func() {}) {
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := pool.Submit(cancelled, func() {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWorkerPoolTrySubmitBackpressure(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Close()

	block := make(chan struct{})
	defer close(block)

	require.True(t, pool.TrySubmit(func() { <-block }))

	// The queue is bounded; eventually TrySubmit must report saturation.
	saturated := false
	for i := 0; i < 100; i++ {
		if !pool.TrySubmit(func() {}) {
			saturated = true
			break
		}
	}
	assert.True(t, saturated)
}
