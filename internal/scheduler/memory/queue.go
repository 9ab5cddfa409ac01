// Package memory provides a bounded in-process work-unit queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/linkkeep/progress-stream/internal/scheduler"
)

// Queue is a bounded in-memory queue with context-aware operations. It
// implements scheduler.Scheduler for the dispatch side and feeds the
// worker pool on the consume side.
type Queue struct {
	ch      chan scheduler.WorkUnit
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan scheduler.WorkUnit, capacity),
	}
}

// Dispatch pushes a unit into the queue or returns if the context ends.
func (q *Queue) Dispatch(ctx context.Context, unit scheduler.WorkUnit) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("dispatch canceled: %w", ctx.Err())
	case q.ch <- unit:
		return nil
	}
}

// Dequeue pops the next unit, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (scheduler.WorkUnit, error) {
	select {
	case <-ctx.Done():
		return scheduler.WorkUnit{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case unit, ok := <-q.ch:
		if !ok {
			return scheduler.WorkUnit{}, errors.New("queue closed")
		}
		return unit, nil
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
