package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/callgate/pkg/types"
)

type outcome struct {
	value any
	err   error
}

// request is one queued operation. It is settled exactly once; done is
// buffered so settling never blocks.
type request struct {
	id         string
	category   string
	priority   int
	enqueuedAt time.Time
	timeout    time.Duration
	ctx        context.Context
	op         types.Operation
	probe      bool // dispatched as the half-open trial

	done    chan outcome
	settled atomic.Bool

	mu         sync.Mutex
	timer      *time.Timer
	dispatched bool
}

func newRequest(ctx context.Context, id, category string, op types.Operation, priority int, timeout time.Duration) *request {
	return &request{
		id:         id,
		category:   category,
		priority:   priority,
		enqueuedAt: time.Now(),
		timeout:    timeout,
		ctx:        ctx,
		op:         op,
		done:       make(chan outcome, 1),
	}
}

// armTimer starts the queue-residency timer unless the request already left
// the queue.
func (r *request) armTimer(fire func()) {
	if r.timeout <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dispatched || r.settled.Load() {
		return
	}
	r.timer = time.AfterFunc(r.timeout, fire)
}

// markDispatched stops the residency timer. Once dispatched, the timeout no
// longer applies.
func (r *request) markDispatched() {
	r.mu.Lock()
	r.dispatched = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
}

// settle delivers the outcome. It reports false if the request was already
// settled.
func (r *request) settle(value any, err error) bool {
	if !r.settled.CompareAndSwap(false, true) {
		return false
	}
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
	r.done <- outcome{value: value, err: err}
	return true
}

func (r *request) waited() time.Duration {
	return time.Since(r.enqueuedAt)
}
