package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestPool_SubmitAndWaitResult(t *testing.T) {
	p := New(2, testLogger())
	defer p.Shutdown()

	h, err := p.Submit(context.Background(), PriorityDefault, func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)

	result, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestPool_FailingTaskSurfacesOnHandle(t *testing.T) {
	p := New(1, testLogger())
	defer p.Shutdown()

	wantErr := errors.New("boom")
	h, err := p.Submit(context.Background(), PriorityDefault, func(ctx context.Context) (any, error) {
		return nil, wantErr
	})
	require.NoError(t, err)

	_, err = h.Wait()
	assert.ErrorIs(t, err, wantErr)

	// the worker survives and keeps serving
	h2, err := p.Submit(context.Background(), PriorityDefault, func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	result, err := h2.Wait()
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestPool_PanickingTaskDoesNotCrashWorker(t *testing.T) {
	p := New(1, testLogger())
	defer p.Shutdown()

	h, err := p.Submit(context.Background(), PriorityDefault, func(ctx context.Context) (any, error) {
		panic("unexpected")
	})
	require.NoError(t, err)

	_, err = h.Wait()
	assert.Error(t, err)

	h2, err := p.Submit(context.Background(), PriorityDefault, func(ctx context.Context) (any, error) {
		return "still alive", nil
	})
	require.NoError(t, err)
	result, err := h2.Wait()
	require.NoError(t, err)
	assert.Equal(t, "still alive", result)
}

func TestPool_HigherPriorityRunsFirst(t *testing.T) {
	p := New(1, testLogger())
	defer p.Shutdown()

	gate := make(chan struct{})
	var order []int
	var mu sync.Mutex

	// Block the single worker so both following submissions queue up.
	blockHandle, _ := p.Submit(context.Background(), PriorityDefault, func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	})

	var wg sync.WaitGroup
	wg.Add(2)
	_, _ = p.Submit(context.Background(), PriorityLow, func(ctx context.Context) (any, error) {
		mu.Lock()
		order = append(order, PriorityLow)
		mu.Unlock()
		wg.Done()
		return nil, nil
	})
	_, _ = p.Submit(context.Background(), PriorityHigh, func(ctx context.Context) (any, error) {
		mu.Lock()
		order = append(order, PriorityHigh)
		mu.Unlock()
		wg.Done()
		return nil, nil
	})

	close(gate)
	_, _ = blockHandle.Wait()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, PriorityHigh, order[0])
	assert.Equal(t, PriorityLow, order[1])
}

func TestPool_EqualPriorityIsFIFO(t *testing.T) {
	p := New(1, testLogger())
	defer p.Shutdown()

	gate := make(chan struct{})
	blockHandle, _ := p.Submit(context.Background(), PriorityDefault, func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	})

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		_, _ = p.Submit(context.Background(), PriorityDefault, func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
			return nil, nil
		})
	}

	close(gate)
	_, _ = blockHandle.Wait()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPool_SubmitRejectedAfterShutdown(t *testing.T) {
	p := New(1, testLogger())
	p.Shutdown()

	_, err := p.Submit(context.Background(), PriorityDefault, func(ctx context.Context) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestPool_ShutdownDrainsHeapWithoutCancellingInFlight(t *testing.T) {
	p := New(1, testLogger())

	var ran atomic.Bool
	gate := make(chan struct{})
	_, _ = p.Submit(context.Background(), PriorityDefault, func(ctx context.Context) (any, error) {
		<-gate
		ran.Store(true)
		return nil, nil
	})

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	close(gate)
	<-done

	assert.True(t, ran.Load())
}

func TestPool_WaitIdle(t *testing.T) {
	p := New(3, testLogger())
	defer p.Shutdown()

	var count atomic.Int32
	for i := 0; i < 20; i++ {
		_, _ = p.Submit(context.Background(), PriorityDefault, func(ctx context.Context) (any, error) {
			time.Sleep(time.Millisecond)
			count.Add(1)
			return nil, nil
		})
	}

	p.WaitIdle()
	assert.Equal(t, int32(20), count.Load())
	assert.Equal(t, 0, p.Pending())
}
