// Package memory provides in-memory store implementations for
// development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linkkeep/progress-stream/internal/progress"
	"github.com/linkkeep/progress-stream/internal/store"
)

// JobStore keeps job rows in a mutex-guarded map.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]store.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[uuid.UUID]store.Job)}
}

// CreateJob stores a new job row.
func (s *JobStore) CreateJob(_ context.Context, job store.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID uuid.UUID) (store.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	return job, nil
}

// ListJobs returns the owner's jobs, newest first.
func (s *JobStore) ListJobs(
	_ context.Context,
	ownerID string,
	status *progress.Status,
	limit, offset int,
) ([]store.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []store.Job
	for _, job := range s.jobs {
		if job.OwnerID != ownerID {
			continue
		}
		if status != nil && job.Status != *status {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// MarkRunning flips a pending job to running.
func (s *JobStore) MarkRunning(_ context.Context, jobID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if job.Terminal() {
		return store.ErrTerminal
	}
	job.Status = progress.StatusRunning
	job.UpdatedAt = at
	s.jobs[jobID] = job
	return nil
}

// MarkFailed forces a non-terminal job to failed.
func (s *JobStore) MarkFailed(_ context.Context, jobID uuid.UUID, reason string, at time.Time) (store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	if job.Terminal() {
		return store.Job{}, store.ErrTerminal
	}
	job.Status = progress.StatusFailed
	job.ErrorMessage = &reason
	job.UpdatedAt = at
	s.jobs[jobID] = job
	return job, nil
}

// ApplyUnitResult performs the atomic increment-and-check under the map
// lock, mirroring the conditional UPDATE of the Postgres implementation.
func (s *JobStore) ApplyUnitResult(_ context.Context, jobID uuid.UUID, success bool, at time.Time) (store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	if job.Terminal() || job.ProcessedCount+job.FailedCount >= job.TotalUnits {
		return store.Job{}, store.ErrTerminal
	}
	if success {
		job.ProcessedCount++
	} else {
		job.FailedCount++
	}
	if job.ProcessedCount+job.FailedCount == job.TotalUnits {
		if job.FailedCount > 0 {
			job.Status = progress.StatusCompletedWithErrors
		} else {
			job.Status = progress.StatusCompleted
		}
	}
	job.UpdatedAt = at
	s.jobs[jobID] = job
	return job, nil
}

// EventStore keeps the per-job event log in memory.
type EventStore struct {
	mu     sync.RWMutex
	events map[uuid.UUID][]progress.Event
}

// NewEventStore constructs an EventStore.
func NewEventStore() *EventStore {
	return &EventStore{events: make(map[uuid.UUID][]progress.Event)}
}

// Append persists one event in seq order.
func (s *EventStore) Append(_ context.Context, evt progress.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.events[evt.JobID]
	s.events[evt.JobID] = append(log, evt)
	return nil
}

// History returns events with seq >= since, ascending. The bound is
// inclusive on purpose; see store.EventStore.
func (s *EventStore) History(
	_ context.Context,
	jobID uuid.UUID,
	since int64,
	limit, offset int,
) ([]progress.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []progress.Event
	for _, evt := range s.events[jobID] {
		if evt.Seq >= since {
			out = append(out, evt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Purge drops events older than the cutoff.
func (s *EventStore) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for jobID, log := range s.events {
		kept := log[:0]
		for _, evt := range log {
			if evt.TS.Before(olderThan) {
				purged++
				continue
			}
			kept = append(kept, evt)
		}
		if len(kept) == 0 {
			delete(s.events, jobID)
			continue
		}
		s.events[jobID] = kept
	}
	return purged, nil
}
