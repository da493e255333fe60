package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the durable queue boundary.
type Store interface {
	// Enqueue creates the job, or reactivates the existing job with the
	// same dedupe key when that job has failed or died. Queued, running and
	// succeeded jobs with the key are left untouched.
	Enqueue(ctx context.Context, j *Job) error
	// Claim atomically moves up to limit due queued jobs to running for
	// workerID, incrementing attempts before dispatch.
	Claim(ctx context.Context, workerID string, limit int) ([]*Job, error)
	// Heartbeat refreshes the claim liveness for a running job.
	Heartbeat(ctx context.Context, jobID, workerID string) error
	// MarkSucceeded finishes the job and releases the lock.
	MarkSucceeded(ctx context.Context, jobID string) error
	// MarkFailed stores the error and releases the lock. When retryAt is
	// non-nil the job goes back to queued for that time; otherwise it is
	// dead-lettered.
	MarkFailed(ctx context.Context, jobID, lastError string, retryAt *time.Time) error
	// MarkDead dead-letters the job immediately, exhausting its attempt
	// budget so the dead predicate holds.
	MarkDead(ctx context.Context, jobID, lastError string) error
	// RecordRun appends the audit record for one execution.
	RecordRun(ctx context.Context, run *Run) error
	// Get loads a job by id.
	Get(ctx context.Context, jobID string) (*Job, error)
}

// PostgresStore implements Store on the jobs and job_runs tables.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

const jobColumns = `id, type, entity_id, dedupe_key, payload, status, attempts, max_attempts,
	locked_at, locked_by, heartbeat_at, run_at, last_error, created_at, updated_at`

func (s *PostgresStore) Enqueue(ctx context.Context, j *Job) error {
	now := s.clock().UTC()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.DedupeKey == "" {
		j.DedupeKey = DedupeKeyFor(j.Type, j.EntityID)
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}
	if j.RunAt.IsZero() {
		j.RunAt = now
	}

	// Dedupe-key collision reactivates failed/dead jobs with a fresh
	// attempt budget; any live or already-succeeded job wins the conflict.
	query := `
		INSERT INTO jobs (id, type, entity_id, dedupe_key, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, $7, $8, $8)
		ON CONFLICT (dedupe_key) DO UPDATE SET
			status = 'queued',
			attempts = 0,
			last_error = '',
			locked_at = NULL,
			locked_by = NULL,
			heartbeat_at = NULL,
			run_at = EXCLUDED.run_at,
			updated_at = EXCLUDED.updated_at
		WHERE jobs.status IN ('failed', 'dead')
	`
	_, err := s.db.ExecContext(ctx, query,
		j.ID, string(j.Type), j.EntityID, j.DedupeKey, nullableBytes(j.Payload),
		j.MaxAttempts, j.RunAt, now)
	if err != nil {
		return fmt.Errorf("jobs: enqueue: %w", err)
	}
	return nil
}

func (s *PostgresStore) Claim(ctx context.Context, workerID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 1
	}
	// Single conditional update: only queued rows that are due, skipping
	// rows other workers hold. Attempts increments here, before dispatch.
	query := `
		UPDATE jobs SET
			status = 'running',
			attempts = attempts + 1,
			locked_by = $1,
			locked_at = NOW(),
			heartbeat_at = NOW(),
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'queued' AND run_at <= NOW()
			ORDER BY run_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns
	rows, err := s.db.QueryContext(ctx, query, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("jobs: claim: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var claimed []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobs: claim scan: %w", err)
	}
	return claimed, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, jobID, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND locked_by = $2 AND status = 'running'`,
		jobID, workerID)
	if err != nil {
		return fmt.Errorf("jobs: heartbeat: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSucceeded(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'succeeded', locked_at = NULL, locked_by = NULL,
			heartbeat_at = NULL, last_error = '', updated_at = NOW()
		 WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("jobs: mark succeeded: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, jobID, lastError string, retryAt *time.Time) error {
	var err error
	if retryAt != nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'queued', locked_at = NULL, locked_by = NULL,
				heartbeat_at = NULL, last_error = $2, run_at = $3, updated_at = NOW()
			 WHERE id = $1`, jobID, lastError, retryAt.UTC())
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'dead', locked_at = NULL, locked_by = NULL,
				heartbeat_at = NULL, last_error = $2, updated_at = NOW()
			 WHERE id = $1`, jobID, lastError)
	}
	if err != nil {
		return fmt.Errorf("jobs: mark failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkDead(ctx context.Context, jobID, lastError string) error {
	// Exhaust the budget so IsDead holds regardless of the stored status.
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'dead', attempts = GREATEST(attempts, max_attempts),
			locked_at = NULL, locked_by = NULL, heartbeat_at = NULL,
			last_error = $2, updated_at = NOW()
		 WHERE id = $1`, jobID, lastError)
	if err != nil {
		return fmt.Errorf("jobs: mark dead: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (id, job_id, worker_id, started_at, finished_at, duration_ms, outcome, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.JobID, run.WorkerID, run.StartedAt.UTC(), run.FinishedAt.UTC(),
		run.Duration.Milliseconds(), run.Outcome, run.Error)
	if err != nil {
		return fmt.Errorf("jobs: record run: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("jobs: %s not found", jobID)
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var j Job
	var typ, status string
	var payload []byte
	var lockedAt, heartbeatAt sql.NullTime
	var lockedBy, lastError sql.NullString
	err := r.Scan(&j.ID, &typ, &j.EntityID, &j.DedupeKey, &payload, &status,
		&j.Attempts, &j.MaxAttempts, &lockedAt, &lockedBy, &heartbeatAt,
		&j.RunAt, &lastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Type = Type(typ)
	j.Status = Status(status)
	j.Payload = payload
	if lockedAt.Valid {
		t := lockedAt.Time
		j.LockedAt = &t
	}
	if heartbeatAt.Valid {
		t := heartbeatAt.Time
		j.HeartbeatAt = &t
	}
	j.LockedBy = lockedBy.String
	j.LastError = lastError.String
	return &j, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
