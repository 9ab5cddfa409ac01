// Package orchestrator owns the job lifecycle: creation, atomic
// scheduling of work units, and aggregation of unit results into the
// terminal job state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/linkkeep/progress-stream/internal/clock"
	"github.com/linkkeep/progress-stream/internal/metrics"
	"github.com/linkkeep/progress-stream/internal/progress"
	"github.com/linkkeep/progress-stream/internal/scheduler"
	"github.com/linkkeep/progress-stream/internal/store"
)

// Announcer publishes progress events; the publisher satisfies this.
type Announcer interface {
	Publish(ctx context.Context, evt progress.Event) error
	Forget(jobID uuid.UUID)
}

// IDGenerator mints job identifiers.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Orchestrator drives jobs from creation to a terminal status.
type Orchestrator struct {
	jobs   store.JobStore
	pub    Announcer
	sched  scheduler.Scheduler
	idGen  IDGenerator
	clk    clock.Clock
	logger *zap.Logger
}

// New constructs an Orchestrator.
func New(
	jobs store.JobStore,
	pub Announcer,
	sched scheduler.Scheduler,
	idGen IDGenerator,
	clk clock.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		jobs:   jobs,
		pub:    pub,
		sched:  sched,
		idGen:  idGen,
		clk:    clk,
		logger: logger,
	}
}

// Start creates the job row, announces it, and dispatches every unit.
// Scheduling is all-or-nothing: the first dispatch failure cancels the
// remaining dispatch calls and the job is marked failed, so a job can
// never sit at less than 100% forever because some units silently missed
// the queue.
func (o *Orchestrator) Start(ctx context.Context, ownerID string, unitIDs []string) (store.Job, error) {
	if ownerID == "" {
		return store.Job{}, errors.New("owner id is required")
	}
	if len(unitIDs) == 0 {
		return store.Job{}, errors.New("at least one unit is required")
	}

	jobID, err := o.idGen.NewRawID()
	if err != nil {
		return store.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := o.clk.Now()
	job := store.Job{
		ID:         jobID,
		OwnerID:    ownerID,
		TotalUnits: len(unitIDs),
		Status:     progress.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.jobs.CreateJob(ctx, job); err != nil {
		return store.Job{}, fmt.Errorf("create job: %w", err)
	}
	if err := o.jobs.MarkRunning(ctx, jobID, o.clk.Now()); err != nil {
		return store.Job{}, fmt.Errorf("mark job running: %w", err)
	}
	job.Status = progress.StatusRunning

	started := progress.Event{
		JobID:   jobID,
		OwnerID: ownerID,
		TS:      o.clk.Now(),
		Status:  progress.StatusRunning,
		Total:   len(unitIDs),
		Message: fmt.Sprintf("scheduled %d units", len(unitIDs)),
	}
	if err := o.pub.Publish(ctx, started); err != nil {
		// The publisher already escalated to marking the job failed;
		// return the row as it now stands.
		if current, getErr := o.jobs.GetJob(ctx, jobID); getErr == nil {
			job = current
		}
		return job, fmt.Errorf("announce job start: %w", err)
	}

	if err := o.dispatchAll(ctx, job, unitIDs); err != nil {
		failed := o.failJob(ctx, jobID, fmt.Sprintf("scheduling failed: %v", err))
		return failed, fmt.Errorf("schedule units: %w", err)
	}
	return job, nil
}

// dispatchAll fans the units out concurrently and waits for all of them.
// The shared context is canceled on the first error so in-flight dispatch
// calls abort instead of half-filling the queue.
func (o *Orchestrator) dispatchAll(ctx context.Context, job store.Job, unitIDs []string) error {
	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for _, unitID := range unitIDs {
		wg.Add(1)
		go func(unitID string) {
			defer wg.Done()
			unit := scheduler.WorkUnit{
				JobID:   job.ID,
				OwnerID: job.OwnerID,
				UnitID:  unitID,
			}
			if err := o.sched.Dispatch(dispatchCtx, unit); err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(unitID)
	}
	wg.Wait()
	return firstErr
}

// ReportUnitResult records one settled unit and publishes the resulting
// progress. The increment-and-check happens in a single atomic store
// operation; the caller that observes the terminal transition is the one
// that publishes the terminal event, so it is published exactly once.
func (o *Orchestrator) ReportUnitResult(ctx context.Context, jobID uuid.UUID, unitID string, success bool, unitErr string) error {
	job, err := o.jobs.ApplyUnitResult(ctx, jobID, success, o.clk.Now())
	if err != nil {
		if errors.Is(err, store.ErrTerminal) {
			// Late result for a job that already failed or finished;
			// nothing left to aggregate.
			o.logger.Warn("dropping unit result for terminal job",
				zap.String("job_id", jobID.String()),
				zap.String("unit_id", unitID),
			)
			return nil
		}
		return fmt.Errorf("apply unit result: %w", err)
	}

	evt := progress.Event{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		TS:        o.clk.Now(),
		Status:    job.Status,
		Progress:  job.Progress(),
		Processed: job.ProcessedCount,
		Failed:    job.FailedCount,
		Total:     job.TotalUnits,
		UnitID:    unitID,
	}
	if !success {
		evt.Error = unitErr
	}
	if job.Terminal() {
		evt.Message = fmt.Sprintf("finished: %d processed, %d failed", job.ProcessedCount, job.FailedCount)
		metrics.ObserveJobFinished(string(job.Status))
	}
	if err := o.pub.Publish(ctx, evt); err != nil {
		return fmt.Errorf("publish unit result: %w", err)
	}
	return nil
}

// failJob transitions the job to failed and announces it. It is the only
// terminal path outside normal completion, reserved for scheduling and
// critical-durability failures.
func (o *Orchestrator) failJob(ctx context.Context, jobID uuid.UUID, reason string) store.Job {
	job, err := o.jobs.MarkFailed(ctx, jobID, reason, o.clk.Now())
	if err != nil {
		o.logger.Error("mark job failed",
			zap.String("job_id", jobID.String()),
			zap.Error(err),
		)
		job, getErr := o.jobs.GetJob(ctx, jobID)
		if getErr != nil {
			return store.Job{ID: jobID, Status: progress.StatusFailed}
		}
		return job
	}
	metrics.ObserveJobFinished(string(job.Status))

	evt := progress.Event{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		TS:        o.clk.Now(),
		Status:    progress.StatusFailed,
		Progress:  job.Progress(),
		Processed: job.ProcessedCount,
		Failed:    job.FailedCount,
		Total:     job.TotalUnits,
		Error:     reason,
	}
	if err := o.pub.Publish(ctx, evt); err != nil {
		o.logger.Error("announce job failure",
			zap.String("job_id", jobID.String()),
			zap.Error(err),
		)
	}
	o.pub.Forget(jobID)
	return job
}
