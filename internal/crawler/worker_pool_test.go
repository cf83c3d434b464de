package crawler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsEveryTask(t *testing.T) {
	pool, err := NewWorkerPool(context.Background(), 3, 16)
	require.NoError(t, err)

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	pool.Close()

	assert.Equal(t, int64(10), ran.Load())
}

func TestWorkerPoolRejectsInvalidSizes(t *testing.T) {
	_, err := NewWorkerPool(context.Background(), 0, 1)
	assert.Error(t, err)
	_, err = NewWorkerPool(context.Background(), 1, 0)
	assert.Error(t, err)
}

func TestWorkerPoolSubmitAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool, err := NewWorkerPool(ctx, 1, 1)
	require.NoError(t, err)
	defer pool.Close()

	cancel()
	err = pool.Submit(context.Background(), func(context.Context) {})
	assert.ErrorIs(t, err, context.Canceled)
}
