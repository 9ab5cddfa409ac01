package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/linkkeep/progress-stream/internal/progress"
)

// EventStore implements store.EventStore on the progress_events table.
// (job_id, seq) is the primary key; seq is assigned by the publisher and
// strictly increasing per job, which makes the since-query gap-free.
type EventStore struct {
	pool querier
}

// NewEventStore wraps an existing pool.
func NewEventStore(pool querier) (*EventStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &EventStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *EventStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const eventColumns = `job_id, owner_id, seq, ts, status, progress, processed_count, failed_count, total_count, unit_id, message, error_text`

// Append persists one immutable event row.
func (s *EventStore) Append(ctx context.Context, evt progress.Event) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("validate event: %w", err)
	}
	query := `
		INSERT INTO progress_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
	`
	_, err := s.pool.Exec(ctx, query,
		evt.JobID,
		evt.OwnerID,
		evt.Seq,
		evt.TS,
		evt.Status,
		evt.Progress,
		evt.Processed,
		evt.Failed,
		evt.Total,
		evt.UnitID,
		evt.Message,
		evt.Error,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// History returns events with seq >= since, ascending. The inclusive
// lower bound is load-bearing: a client reconnecting with the seq of the
// last event it saw must get that boundary event back rather than risk a
// gap on an exact cursor collision.
func (s *EventStore) History(
	ctx context.Context,
	jobID uuid.UUID,
	since int64,
	limit, offset int,
) ([]progress.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM progress_events
		WHERE job_id = $1 AND seq >= $2
		ORDER BY seq ASC
		LIMIT $3 OFFSET $4;
	`
	rows, err := s.pool.Query(ctx, query, jobID, since, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var events []progress.Event
	for rows.Next() {
		var evt progress.Event
		err := rows.Scan(
			&evt.JobID,
			&evt.OwnerID,
			&evt.Seq,
			&evt.TS,
			&evt.Status,
			&evt.Progress,
			&evt.Processed,
			&evt.Failed,
			&evt.Total,
			&evt.UnitID,
			&evt.Message,
			&evt.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

// Purge deletes events outside the retention window.
func (s *EventStore) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM progress_events WHERE ts < $1;`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return tag.RowsAffected(), nil
}
