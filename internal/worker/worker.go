// ============================================================================
// Worker - operation execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
//
// Each Worker is a goroutine looping over the shared task channel:
//
//   for task := range taskCh
//     ├─ task.Started(), if set
//     ├─ run task.Fn(task.Ctx), recovering panics
//     └─ send Result to resultCh (blocking)
//
// The worker never imposes its own deadline: once dispatched, an operation
// runs until it returns. Cancellation is whatever the caller's context does.
//
// The result send blocks so no outcome is ever lost. The pool's consumer must
// keep reading until resultCh is closed.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/callgate/pkg/logger"
	"github.com/ChuLiYu/callgate/pkg/types"
)

// Worker executes tasks from the pool's task channel.
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	log      logger.Logger
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, log logger.Logger) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		log:      log,
	}
}

// Run is the worker's main loop. It returns when taskCh is closed.
func (w *Worker) Run() {
	for task := range w.taskCh {
		if task.Started != nil {
			task.Started()
		}
		start := time.Now()
		value, err := w.execute(task)

		w.resultCh <- Result{
			ID:       task.ID,
			Category: task.Category,
			Value:    value,
			Err:      err,
			Duration: time.Since(start),
		}
	}
}

// PanicError wraps a value recovered from a panicking operation.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("operation panicked: %v", e.Value)
}

func (w *Worker) execute(task Task) (any, error) {
	value, err := Call(task.Ctx, task.Fn)
	var pe *PanicError
	if errors.As(err, &pe) {
		w.log.Error("operation panicked",
			logger.Int("worker", w.id),
			logger.String("request_id", task.ID),
			logger.String("category", task.Category),
			logger.Any("panic", pe.Value))
	}
	return value, err
}

// Call runs fn with ctx, turning a panic into a *PanicError. A nil ctx is
// replaced with context.Background.
func Call(ctx context.Context, fn types.Operation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx)
}
