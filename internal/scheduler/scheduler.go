// Package scheduler defines how work units reach the worker pool.
package scheduler

import (
	"context"

	"github.com/google/uuid"
)

// WorkUnit is one schedulable piece of a job.
type WorkUnit struct {
	JobID   uuid.UUID
	OwnerID string
	UnitID  string
}

// Scheduler hands work units to the execution layer. Dispatch must either
// accept the unit or fail; the orchestrator treats any failure as fatal
// for the whole job, so implementations must not partially enqueue.
type Scheduler interface {
	Dispatch(ctx context.Context, unit WorkUnit) error
}
