package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// DeadReason classifies why a job ended up in the dead listing.
type DeadReason string

const (
	ReasonTTLExceeded         DeadReason = "ttl_exceeded"
	ReasonMaxAttemptsExceeded DeadReason = "max_attempts_exceeded"
	ReasonHandlerError        DeadReason = "handler_error"
	ReasonPreconditionFailed  DeadReason = "precondition_failed"
)

// Stats is the read-only aggregate view served by the health endpoints.
type Stats struct {
	QueuedByType      map[string]int `json:"queued_by_type"`
	RunningCount      int            `json:"running_count"`
	RunningAvgAgeSecs float64        `json:"running_avg_age_seconds"`
	StuckCount        int            `json:"stuck_count"`
	DeadLast24h       int            `json:"dead_last_24h"`
	OldestQueuedLag   float64        `json:"oldest_queued_lag_seconds"`
}

// DeadJob is one dead-listing entry with its inferred failure reason.
type DeadJob struct {
	Job    *Job       `json:"job"`
	Reason DeadReason `json:"reason"`
}

// Diagnostics computes aggregates straight from the queue tables. All
// queries are reads; dead jobs are surfaced here and only here. Requeueing
// them is a manual operation.
type Diagnostics struct {
	db    *sql.DB
	ttls  TTLTable
	clock func() time.Time
}

// NewDiagnostics builds the diagnostics reader.
func NewDiagnostics(db *sql.DB, ttls TTLTable) *Diagnostics {
	return &Diagnostics{db: db, ttls: ttls, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (d *Diagnostics) WithClock(clock func() time.Time) *Diagnostics {
	d.clock = clock
	return d
}

// Stats aggregates the queue state.
func (d *Diagnostics) Stats(ctx context.Context) (*Stats, error) {
	out := &Stats{QueuedByType: make(map[string]int)}

	rows, err := d.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM jobs WHERE status = 'queued' GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("jobs: stats queued: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out.QueuedByType[typ] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avgAge sql.NullFloat64
	err = d.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(EXTRACT(EPOCH FROM (NOW() - locked_at))), 0)
		 FROM jobs WHERE status = 'running'`).Scan(&out.RunningCount, &avgAge)
	if err != nil {
		return nil, fmt.Errorf("jobs: stats running: %w", err)
	}
	out.RunningAvgAgeSecs = avgAge.Float64

	stuck, err := d.stuckCount(ctx)
	if err != nil {
		return nil, err
	}
	out.StuckCount = stuck

	// Dead by the authoritative predicate, not the stored status.
	err = d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE attempts >= max_attempts AND status NOT IN ('succeeded', 'running', 'queued')
		   AND updated_at >= NOW() - INTERVAL '24 hours'`).Scan(&out.DeadLast24h)
	if err != nil {
		return nil, fmt.Errorf("jobs: stats dead: %w", err)
	}

	var lag sql.NullFloat64
	err = d.db.QueryRowContext(ctx,
		`SELECT EXTRACT(EPOCH FROM (NOW() - MIN(run_at))) FROM jobs WHERE status = 'queued'`).Scan(&lag)
	if err != nil {
		return nil, fmt.Errorf("jobs: stats lag: %w", err)
	}
	if lag.Valid && lag.Float64 > 0 {
		out.OldestQueuedLag = lag.Float64
	}

	return out, nil
}

// stuckCount counts running jobs past their per-type TTL with an equally
// stale heartbeat. The TTL varies per type, so this filters in Go.
func (d *Diagnostics) stuckCount(ctx context.Context) (int, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("jobs: stuck scan: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := d.clock()
	count := 0
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return 0, err
		}
		if Stuck(j, d.ttls, now) {
			count++
		}
	}
	return count, rows.Err()
}

// DeadJobs lists dead-lettered jobs (by the attempts predicate) plus
// reclaim-eligible stuck jobs, each with an inferred reason.
func (d *Diagnostics) DeadJobs(ctx context.Context, limit int) ([]DeadJob, error) {
	if limit <= 0 {
		limit = 100
	}
	now := d.clock()
	// Running rows locked more recently than the tightest TTL cannot be
	// stuck under any type, so they are excluded before the limit applies
	// instead of consuming it. The per-type TTL and heartbeat check still
	// happen in Go.
	cutoff := now.Add(-d.ttls.Min())
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE (attempts >= max_attempts AND status NOT IN ('succeeded', 'queued'))
		    OR (status = 'running' AND locked_at IS NOT NULL AND locked_at < $1)
		 ORDER BY updated_at DESC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("jobs: dead listing: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DeadJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		stuck := Stuck(j, d.ttls, now)
		if j.Status == StatusRunning && !stuck {
			continue // healthy running job, not dead
		}
		out = append(out, DeadJob{Job: j, Reason: InferReason(j, stuck)})
	}
	return out, rows.Err()
}

// InferReason classifies a dead or stuck job.
func InferReason(j *Job, stuck bool) DeadReason {
	switch {
	case stuck:
		return ReasonTTLExceeded
	case strings.Contains(j.LastError, "precondition failed"):
		return ReasonPreconditionFailed
	case j.Attempts >= j.MaxAttempts && j.LastError != "":
		return ReasonMaxAttemptsExceeded
	default:
		return ReasonHandlerError
	}
}
