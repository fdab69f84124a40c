package capture

import (
	"context"
	"errors"
	"time"
)

// ErrTaskNotFound is returned by Queue.Mark when the referenced task does
// not exist.
var ErrTaskNotFound = errors.New("task not found")

// Transport executes one unit of capture work against a live Session. It
// must honor ctx cancellation at every suspension point.
type Transport interface {
	Execute(ctx context.Context, session Session, task Task) (Result, error)
}

// Queue provides durable enqueue/dequeue semantics for capture tasks.
// DequeueBatch atomically transitions the selected tasks to running; the
// single-consumer invariant is the implementation's responsibility.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	DequeueBatch(ctx context.Context, max int) ([]Task, error)
	Mark(ctx context.Context, taskID string, status TaskStatus, attempts int, errText string) error
	List(ctx context.Context, filter Filter) ([]Task, error)
}

// Filter narrows List results.
type Filter struct {
	Status TaskStatus
	Kind   TaskKind
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock with the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
