package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/linkkeep/progress-stream/internal/progress"
	"github.com/linkkeep/progress-stream/internal/store"
)

func TestAppendInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	events, err := NewEventStore(mock)
	require.NoError(t, err)

	evt := progress.Event{
		JobID:     uuid.New(),
		OwnerID:   "user-1",
		Seq:       7,
		TS:        time.Unix(1700000000, 0).UTC(),
		Status:    progress.StatusRunning,
		Progress:  30,
		Processed: 3,
		Failed:    0,
		Total:     10,
		Message:   "3/10 processed",
	}

	mock.ExpectExec("INSERT INTO progress_events").
		WithArgs(
			evt.JobID, evt.OwnerID, evt.Seq, evt.TS, evt.Status,
			evt.Progress, evt.Processed, evt.Failed, evt.Total,
			evt.UnitID, evt.Message, evt.Error,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, events.Append(context.Background(), evt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRejectsInvalidEvent(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	events, err := NewEventStore(mock)
	require.NoError(t, err)

	err = events.Append(context.Background(), progress.Event{})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryUsesInclusiveCursor(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	events, err := NewEventStore(mock)
	require.NoError(t, err)

	jobID := uuid.New()
	ts := time.Unix(1700000100, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"job_id", "owner_id", "seq", "ts", "status", "progress",
		"processed_count", "failed_count", "total_count", "unit_id", "message", "error_text",
	}).
		AddRow(jobID, "user-1", int64(5), ts, progress.StatusRunning, 50, 5, 0, 10, "", "", "").
		AddRow(jobID, "user-1", int64(6), ts.Add(time.Second), progress.StatusRunning, 60, 6, 0, 10, "", "", "")

	mock.ExpectQuery("SELECT (.+) FROM progress_events WHERE job_id = \\$1 AND seq >= \\$2").
		WithArgs(jobID, int64(5), 100, 0).
		WillReturnRows(rows)

	got, err := events.History(context.Background(), jobID, 5, 100, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(5), got[0].Seq)
	require.Equal(t, int64(6), got[1].Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeReportsDeletedRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	events, err := NewEventStore(mock)
	require.NoError(t, err)

	cutoff := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("DELETE FROM progress_events").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 42))

	purged, err := events.Purge(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(42), purged)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyUnitResultReturnsUpdatedJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	jobs, err := NewJobStore(mock)
	require.NoError(t, err)

	jobID := uuid.New()
	now := time.Unix(1700000200, 0).UTC()
	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs(
			jobID, 1, 0, now,
			progress.StatusCompletedWithErrors, progress.StatusCompleted,
			progress.StatusPending, progress.StatusRunning,
		).
		WillReturnRows(jobRows().AddRow(
			jobID, "user-1", 10, 10, 0, progress.StatusCompleted, nil, now, now,
		))

	job, err := jobs.ApplyUnitResult(context.Background(), jobID, true, now)
	require.NoError(t, err)
	require.Equal(t, progress.StatusCompleted, job.Status)
	require.Equal(t, 10, job.ProcessedCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyUnitResultOnTerminalJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	jobs, err := NewJobStore(mock)
	require.NoError(t, err)

	jobID := uuid.New()
	now := time.Unix(1700000300, 0).UTC()
	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs(
			jobID, 0, 1, now,
			progress.StatusCompletedWithErrors, progress.StatusCompleted,
			progress.StatusPending, progress.StatusRunning,
		).
		WillReturnError(pgx.ErrNoRows)
	// The guarded UPDATE missed; the store re-reads the row to tell
	// "terminal" apart from "missing".
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id = \\$1").
		WithArgs(jobID).
		WillReturnRows(jobRows().AddRow(
			jobID, "user-1", 10, 10, 0, progress.StatusCompleted, nil, now, now,
		))

	_, err = jobs.ApplyUnitResult(context.Background(), jobID, false, now)
	require.ErrorIs(t, err, store.ErrTerminal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	jobs, err := NewJobStore(mock)
	require.NoError(t, err)

	jobID := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id = \\$1").
		WithArgs(jobID).
		WillReturnError(pgx.ErrNoRows)

	_, err = jobs.GetJob(context.Background(), jobID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedGuardsTerminalRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	jobs, err := NewJobStore(mock)
	require.NoError(t, err)

	jobID := uuid.New()
	now := time.Unix(1700000400, 0).UTC()
	mock.ExpectQuery("UPDATE jobs SET status = \\$2, error_message = \\$3").
		WithArgs(jobID, progress.StatusFailed, "scheduler exploded", now,
			progress.StatusPending, progress.StatusRunning).
		WillReturnRows(jobRows().AddRow(
			jobID, "user-1", 5, 1, 0, progress.StatusFailed, strPtr("scheduler exploded"), now, now,
		))

	job, err := jobs.MarkFailed(context.Background(), jobID, "scheduler exploded", now)
	require.NoError(t, err)
	require.Equal(t, progress.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func jobRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "owner_id", "total_units", "processed_count", "failed_count",
		"status", "error_message", "created_at", "updated_at",
	})
}

func strPtr(s string) *string {
	return &s
}
