// Package progress defines the event structures exchanged between job
// workers, the broker, and connected clients.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status denotes the lifecycle state carried by an Event.
type Status string

// Supported job statuses.
const (
	StatusPending             Status = "pending"
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
)

// Terminal reports whether no further transition can occur from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusCompletedWithErrors, StatusFailed:
		return true
	default:
		return false
	}
}

// Event captures one observable step of a batch job. Seq is strictly
// increasing per job and doubles as the backfill cursor.
type Event struct {
	// JobID identifies the job run.
	JobID uuid.UUID
	// OwnerID selects the broker channel the event fans out on.
	OwnerID string
	// Seq orders events within a job; assigned by the publisher.
	Seq int64
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Status is the job status as of this event.
	Status Status
	// Progress is the integer percent complete, 0-100.
	Progress int
	// Processed and Failed are the unit counters as of this event.
	Processed int
	Failed    int
	// Total is the fixed unit count of the job.
	Total int
	// UnitID optionally names the unit that produced this event.
	UnitID string
	// Message carries low-volume human-readable context.
	Message string
	// Error holds the failure reason for failed jobs or failed units.
	Error string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == uuid.Nil {
		return errors.New("job id is required")
	}
	if e.OwnerID == "" {
		return errors.New("owner id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("unknown status %q", e.Status)
	}
	if e.Progress < 0 || e.Progress > 100 {
		return fmt.Errorf("progress %d out of range", e.Progress)
	}
	if e.Processed < 0 || e.Failed < 0 || e.Total < 0 {
		return errors.New("counters must be >= 0")
	}
	if e.Processed+e.Failed > e.Total {
		return errors.New("processed+failed exceeds total")
	}
	return nil
}

// Percent computes the integer percent for done units out of total.
func Percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	pct := done * 100 / total
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Frame is the JSON wire shape pushed to clients over the gateway and
// returned by the history endpoint.
type Frame struct {
	JobID     string    `json:"job_id"`
	Seq       int64     `json:"seq"`
	TS        time.Time `json:"ts"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Processed int       `json:"processed_count"`
	Failed    int       `json:"failed_count"`
	Total     int       `json:"total_count"`
	Message   string    `json:"message,omitempty"`
	UnitID    string    `json:"unit_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ToFrame converts the event to its wire representation.
func (e Event) ToFrame() Frame {
	return Frame{
		JobID:     e.JobID.String(),
		Seq:       e.Seq,
		TS:        e.TS,
		Status:    string(e.Status),
		Progress:  e.Progress,
		Processed: e.Processed,
		Failed:    e.Failed,
		Total:     e.Total,
		Message:   e.Message,
		UnitID:    e.UnitID,
		Error:     e.Error,
	}
}

// FromFrame rebuilds an Event from its wire representation. OwnerID is not
// part of the wire shape; callers scope frames by the channel they arrived on.
func FromFrame(f Frame, ownerID string) (Event, error) {
	jobID, err := uuid.Parse(f.JobID)
	if err != nil {
		return Event{}, fmt.Errorf("parse job id: %w", err)
	}
	return Event{
		JobID:     jobID,
		OwnerID:   ownerID,
		Seq:       f.Seq,
		TS:        f.TS,
		Status:    Status(f.Status),
		Progress:  f.Progress,
		Processed: f.Processed,
		Failed:    f.Failed,
		Total:     f.Total,
		UnitID:    f.UnitID,
		Message:   f.Message,
		Error:     f.Error,
	}, nil
}
