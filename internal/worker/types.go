package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/callgate/pkg/types"
)

// Task is one dispatched operation.
type Task struct {
	ID       string          // request ID assigned by the scheduler
	Category string          // category the request was queued under
	Ctx      context.Context // caller's context, handed to Fn unchanged
	Fn       types.Operation // the work itself
	Started  func()          // optional; called by the worker just before Fn
}

// Result is the outcome of one Task.
type Result struct {
	ID       string
	Category string
	Value    any
	Err      error         // the operation's own error, or a recovered panic
	Duration time.Duration // execution time only, excludes queueing
}
