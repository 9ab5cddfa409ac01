// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkkeep/progress-stream/internal/progress"
	"github.com/linkkeep/progress-stream/internal/store"
)

// PoolConfig controls the shared connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// NewPool builds a pgx pool from config.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// JobStore implements store.JobStore on the jobs table.
type JobStore struct {
	pool querier
}

// NewJobStore wraps an existing pool. The pgxmock pool satisfies the same
// interface, which is what the tests use.
func NewJobStore(pool querier) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const jobColumns = `id, owner_id, total_units, processed_count, failed_count, status, error_message, created_at, updated_at`

// CreateJob inserts the job row.
func (s *JobStore) CreateJob(ctx context.Context, job store.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	_, err := s.pool.Exec(ctx, query,
		job.ID,
		job.OwnerID,
		job.TotalUnits,
		job.ProcessedCount,
		job.FailedCount,
		job.Status,
		job.ErrorMessage,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads a single job or returns store.ErrNotFound.
func (s *JobStore) GetJob(ctx context.Context, jobID uuid.UUID) (store.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Job{}, store.ErrNotFound
		}
		return store.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns the owner's jobs, optionally filtered by status.
func (s *JobStore) ListJobs(
	ctx context.Context,
	ownerID string,
	status *progress.Status,
	limit, offset int,
) ([]store.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE owner_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4;
	`
	rows, err := s.pool.Query(ctx, query, ownerID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []store.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// MarkRunning flips a pending job to running.
func (s *JobStore) MarkRunning(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	query := `
		UPDATE jobs SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4;
	`
	tag, err := s.pool.Exec(ctx, query, jobID, progress.StatusRunning, at, progress.StatusPending)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, jobID)
	}
	return nil
}

// MarkFailed forces a non-terminal job to failed and returns the updated
// row. The status guard makes terminal jobs immutable.
func (s *JobStore) MarkFailed(ctx context.Context, jobID uuid.UUID, reason string, at time.Time) (store.Job, error) {
	query := `
		UPDATE jobs SET status = $2, error_message = $3, updated_at = $4
		WHERE id = $1 AND status IN ($5, $6)
		RETURNING ` + jobColumns + `;
	`
	job, err := scanJob(s.pool.QueryRow(ctx, query,
		jobID, progress.StatusFailed, reason, at,
		progress.StatusPending, progress.StatusRunning,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Job{}, s.classifyMiss(ctx, jobID)
		}
		return store.Job{}, fmt.Errorf("mark failed: %w", err)
	}
	return job, nil
}

// ApplyUnitResult is the single conditional UPDATE that serializes all
// concurrent unit completions: it increments exactly one counter and flips
// to the terminal status in the same statement, so the transition happens
// exactly once no matter how many workers race. The SET expressions all
// read the pre-update row, which is what makes the CASE arithmetic sound.
func (s *JobStore) ApplyUnitResult(ctx context.Context, jobID uuid.UUID, success bool, at time.Time) (store.Job, error) {
	var succ, fail int
	if success {
		succ = 1
	} else {
		fail = 1
	}
	query := `
		UPDATE jobs SET
			processed_count = processed_count + $2,
			failed_count = failed_count + $3,
			status = CASE
				WHEN processed_count + failed_count + 1 = total_units THEN
					CASE WHEN failed_count + $3 > 0 THEN $5 ELSE $6 END
				ELSE status
			END,
			updated_at = $4
		WHERE id = $1
			AND status IN ($7, $8)
			AND processed_count + failed_count < total_units
		RETURNING ` + jobColumns + `;
	`
	job, err := scanJob(s.pool.QueryRow(ctx, query,
		jobID, succ, fail, at,
		progress.StatusCompletedWithErrors, progress.StatusCompleted,
		progress.StatusPending, progress.StatusRunning,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Job{}, s.classifyMiss(ctx, jobID)
		}
		return store.Job{}, fmt.Errorf("apply unit result: %w", err)
	}
	return job, nil
}

// classifyMiss distinguishes a missing job from an immutable terminal one
// after a guarded UPDATE matched no rows.
func (s *JobStore) classifyMiss(ctx context.Context, jobID uuid.UUID) error {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return store.ErrTerminal
}

func scanJob(row pgx.Row) (store.Job, error) {
	var job store.Job
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.TotalUnits,
		&job.ProcessedCount,
		&job.FailedCount,
		&job.Status,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return store.Job{}, err
	}
	return job, nil
}
