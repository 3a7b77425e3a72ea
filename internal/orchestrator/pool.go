package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"taskforge/internal/logging"
)

// pool runs pipeline jobs with bounded parallelism. Submissions above
// capacity queue in FIFO order; inside one job execution is sequential
// by contract.
type pool struct {
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
	mu   sync.Mutex
	done bool
}

func newPool(workers int) *pool {
	if workers < 1 {
		workers = 1
	}
	return &pool{sem: semaphore.NewWeighted(int64(workers))}
}

// submit queues fn. The slot is acquired on a spawned goroutine so
// submit never blocks the caller; semaphore waiters are FIFO, which
// preserves submission order.
func (p *pool) submit(ctx context.Context, name string, fn func(context.Context)) bool {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			logging.Orchestrator("job %s abandoned before start: %v", name, err)
			return
		}
		defer p.sem.Release(1)
		fn(ctx)
	}()
	return true
}

// shutdown stops accepting jobs and waits for in-flight ones.
func (p *pool) shutdown() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
	p.wg.Wait()
}
