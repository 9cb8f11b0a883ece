package endpoint

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/marmos91/dittonet/internal/logger"
)

// Executor runs processing units. An endpoint creates a WorkerPool unless
// an external Executor is supplied.
type Executor interface {
	Execute(task func()) error
}

// WorkerPool is a bounded goroutine pool.
//
// MinSpare workers are started eagerly and stay alive. When a task arrives
// and no worker is idle, a new worker is started up to Max; beyond that the
// task is queued. Workers above MinSpare exit as soon as the queue is empty.
//
// A task that panics is logged and dropped. A panic carrying a *FatalError
// is reported to the OnFatal callback instead, since the pool cannot know
// whether the process is still sound.
//
// Thread safety:
// All methods are safe for concurrent use.
type WorkerPool struct {
	name     string
	minSpare int
	max      int
	maxQueue int

	// OnFatal receives fatal errors raised by tasks. Set before use.
	OnFatal func(error)

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   *queue.Queue
	workers int
	idle    int
	closed  bool
	wg      sync.WaitGroup

	active    atomic.Int64
	completed atomic.Uint64
}

// NewWorkerPool creates a pool and starts its spare workers. maxQueue 0 is
// unbounded.
func NewWorkerPool(name string, minSpare, max, maxQueue int) *WorkerPool {
	if max <= 0 {
		max = 1
	}
	if minSpare > max {
		minSpare = max
	}
	p := &WorkerPool{
		name:     name,
		minSpare: minSpare,
		max:      max,
		maxQueue: maxQueue,
		tasks:    queue.New(),
	}
	p.cond = sync.NewCond(&p.mu)

	p.mu.Lock()
	for i := 0; i < minSpare; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()
	return p
}

func (p *WorkerPool) spawnLocked() {
	p.workers++
	p.wg.Add(1)
	go p.work()
}

// Execute queues task.
func (p *WorkerPool) Execute(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrExecutorClosed
	}
	if p.maxQueue > 0 && p.idle == 0 && p.workers >= p.max && p.tasks.Length() >= p.maxQueue {
		return ErrQueueFull
	}

	p.tasks.Add(task)
	switch {
	case p.idle > 0:
		p.cond.Signal()
	case p.workers < p.max:
		p.spawnLocked()
	}
	return nil
}

func (p *WorkerPool) work() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for p.tasks.Length() == 0 {
			if p.closed || p.workers > p.minSpare {
				p.workers--
				p.mu.Unlock()
				return
			}
			p.idle++
			p.cond.Wait()
			p.idle--
		}
		task := p.tasks.Remove().(func())
		p.mu.Unlock()

		p.run(task)
	}
}

func (p *WorkerPool) run(task func()) {
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.completed.Add(1)

		if r := recover(); r != nil {
			if fe, ok := r.(*FatalError); ok && p.OnFatal != nil {
				p.OnFatal(fe)
				return
			}
			logger.Error("Worker pool %s: task panicked: %v\n%s", p.name, r, debug.Stack())
		}
	}()
	task()
}

// Shutdown stops accepting tasks, lets queued ones finish and waits for the
// workers until ctx ends.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool %s: %d task(s) still running: %w", p.name, p.active.Load(), ctx.Err())
	}
}

// Stats reports the pool size and load.
func (p *WorkerPool) Stats() (workers, idle, queued int, active int64, completed uint64) {
	p.mu.Lock()
	workers, idle, queued = p.workers, p.idle, p.tasks.Length()
	p.mu.Unlock()
	return workers, idle, queued, p.active.Load(), p.completed.Load()
}
