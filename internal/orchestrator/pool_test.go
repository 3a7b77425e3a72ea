package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPool_BoundsParallelism(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newPool(2)
	var running, peak int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		ok := p.submit(context.Background(), "job", func(ctx context.Context) {
			defer wg.Done()
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		})
		require.True(t, ok)
	}
	wg.Wait()
	p.shutdown()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(0))
}

func TestPool_ShutdownRefusesNewWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newPool(1)
	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, p.submit(context.Background(), "held", func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	p.shutdown()

	assert.False(t, p.submit(context.Background(), "late", func(ctx context.Context) {
		t.Error("job submitted after shutdown must not run")
	}))
}

func TestPool_CancelledContextAbandonsQueuedJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newPool(1)
	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, p.submit(context.Background(), "held", func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{})
	require.True(t, p.submit(ctx, "queued", func(ctx context.Context) {
		close(ran)
	}))
	cancel()
	// Let the waiter observe cancellation before the slot frees.
	time.Sleep(20 * time.Millisecond)

	close(release)
	p.shutdown()

	select {
	case <-ran:
		t.Fatal("job with cancelled context must be abandoned")
	default:
	}
}
