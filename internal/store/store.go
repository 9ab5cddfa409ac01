// Package store declares the persistence contracts for jobs and their
// durable progress-event log.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/linkkeep/progress-stream/internal/progress"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrTerminal signals a mutation attempt on a job that already reached a
// terminal status. Terminal jobs are immutable.
var ErrTerminal = errors.New("job is terminal")

// Job models the jobs table.
type Job struct {
	// ID is the job identifier handed to clients.
	ID uuid.UUID
	// OwnerID names the broker channel and scopes API access.
	OwnerID string
	// TotalUnits is fixed at creation.
	TotalUnits int
	// ProcessedCount and FailedCount only ever grow, and their sum never
	// exceeds TotalUnits.
	ProcessedCount int
	FailedCount    int
	// Status transitions pending -> running -> terminal.
	Status progress.Status
	// ErrorMessage holds the final failure reason, if any.
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terminal reports whether the job reached a final status.
func (j Job) Terminal() bool {
	return j.Status.Terminal()
}

// Progress returns the integer percent of settled units.
func (j Job) Progress() int {
	return progress.Percent(j.ProcessedCount+j.FailedCount, j.TotalUnits)
}

// JobStore persists job rows. Counter mutations must be atomic
// read-modify-writes: many workers finish units concurrently and the
// transition to a terminal status has to happen exactly once.
type JobStore interface {
	// CreateJob inserts the job row (status pending).
	CreateJob(ctx context.Context, job Job) error
	// GetJob loads one job or returns ErrNotFound.
	GetJob(ctx context.Context, jobID uuid.UUID) (Job, error)
	// ListJobs returns the owner's jobs, optionally filtered by status,
	// newest first.
	ListJobs(ctx context.Context, ownerID string, status *progress.Status, limit, offset int) ([]Job, error)
	// MarkRunning flips a pending job to running.
	MarkRunning(ctx context.Context, jobID uuid.UUID, at time.Time) error
	// MarkFailed forces a non-terminal job to failed with the given reason
	// and returns the updated row. Returns ErrTerminal if the job already
	// finished.
	MarkFailed(ctx context.Context, jobID uuid.UUID, reason string, at time.Time) (Job, error)
	// ApplyUnitResult increments processed or failed by one and, in the
	// same atomic operation, transitions the job to completed or
	// completed_with_errors exactly when every unit is settled. Returns
	// the updated row. Returns ErrTerminal when the job cannot accept
	// further results.
	ApplyUnitResult(ctx context.Context, jobID uuid.UUID, success bool, at time.Time) (Job, error)
}

// EventStore is the durable, queryable log of progress events.
type EventStore interface {
	// Append persists one event. Events are immutable once written.
	Append(ctx context.Context, evt progress.Event) error
	// History returns events for the job with seq >= since, ordered by seq
	// ascending. The since bound is inclusive so a reconnecting client
	// never loses the boundary event on an exact cursor collision.
	History(ctx context.Context, jobID uuid.UUID, since int64, limit, offset int) ([]progress.Event, error)
	// Purge deletes events older than the cutoff and reports how many
	// rows went away. Used by the retention loop.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}
