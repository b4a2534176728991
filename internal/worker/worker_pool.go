// ============================================================================
// Worker Pool - fixed-size executor for dispatched operations
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
//
// Architecture:
//   ┌───────────┐
//   │ Scheduler │ --Submit()--> taskCh
//   └───────────┘
//         ↑
//    Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool()  - create channels
//   2. Start(n)   - launch n workers
//   3. Submit()   - hand a task to the workers (blocks while taskCh is full)
//   4. Results()  - consume outcomes until the channel closes
//   5. Stop()     - refuse new tasks, let workers finish, close resultCh
//
// Submit/Stop:
//   Submit holds the read lock across the channel send and Stop takes the
//   write lock before closing taskCh, so a send can never hit a closed
//   channel. Stop closes stopCh first so a Submit blocked on a full taskCh
//   gives up its read lock.
//
// ============================================================================

package worker

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/callgate/pkg/logger"
)

var (
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool runs tasks on a fixed set of worker goroutines.
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      logger.Logger

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewPool creates a pool whose task and result channels hold bufferSize
// entries.
func NewPool(bufferSize int, log logger.Logger) *Pool {
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		log:      logger.OrNop(log),
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, p.resultCh, p.log)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	p.log.Debug("worker pool started", logger.Int("workers", workerCount))
	return nil
}

// Submit hands task to the workers. It blocks while the task buffer is full
// and fails with ErrPoolClosed once Stop has begun.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Results returns the result channel. It is closed after Stop once every
// worker has exited.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// ReceiveResult blocks for the next result. It returns ErrPoolClosed once the
// result channel is closed and drained.
func (p *Pool) ReceiveResult() (Result, error) {
	r, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return r, nil
}

// Stop refuses new tasks, waits for queued and running tasks to finish and
// closes the result channel. Results must be consumed concurrently or Stop
// blocks once the result buffer fills.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)

		p.mu.Lock()
		wasStarted := p.started
		p.stopped = true
		close(p.taskCh)
		p.mu.Unlock()

		p.wg.Wait()
		close(p.resultCh)

		if wasStarted {
			p.log.Debug("worker pool stopped", logger.Int("workers", len(p.workers)))
		}
	})
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted reports whether Start has succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
