// Package dispatch runs message callbacks on a bounded set of workers while
// keeping deliveries that share an ordering key strictly sequential.
package dispatch

import (
	"context"
	"errors"
)

var (
	// ErrStopped is returned when scheduling on a stopped scheduler.
	ErrStopped = errors.New("scheduler is stopped")
	// ErrNotStarted is returned when scheduling before Start.
	ErrNotStarted = errors.New("scheduler is not started")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrQueueFull is returned when the scheduler holds QueueSize waiting tasks.
	ErrQueueFull = errors.New("scheduler queue is full")
)

// Task is one delivery to run.
type Task struct {
	// ID identifies the task in logs, usually the ack id.
	ID string
	// Key is the ordering key. Tasks with the same non-empty key run one at a
	// time in scheduling order. The key stays held after Run returns until
	// Complete is called for the task.
	Key string
	// Run does the work. ctx is the scheduler's run context.
	Run func(ctx context.Context)
}

// Scheduler decides when and where tasks run.
type Scheduler interface {
	// Start launches the workers. Run contexts derive from ctx.
	Start(ctx context.Context) error

	// Schedule queues a task. It never blocks.
	Schedule(task Task) error

	// Complete releases the task's ordering key so the next task with the
	// same key may start.
	Complete(task Task)

	// Stop refuses new tasks and returns every task that never started.
	// Running tasks are not interrupted.
	Stop() []Task

	// Wait blocks until every running task has returned after Stop, or ctx ends.
	Wait(ctx context.Context) error

	// Running returns the number of tasks currently inside Run.
	Running() int
}
