package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferReason(t *testing.T) {
	tests := []struct {
		name  string
		job   *Job
		stuck bool
		want  DeadReason
	}{
		{
			name:  "stuck wins over everything",
			job:   &Job{Attempts: 5, MaxAttempts: 5, LastError: "jobs: precondition failed: x"},
			stuck: true,
			want:  ReasonTTLExceeded,
		},
		{
			name: "precondition failure",
			job:  &Job{Attempts: 1, MaxAttempts: 5, LastError: "jobs: precondition failed: document doc-1 has no witness hash"},
			want: ReasonPreconditionFailed,
		},
		{
			name: "budget exhausted with a recorded error",
			job:  &Job{Status: StatusFailed, Attempts: 5, MaxAttempts: 5, LastError: "jobs: transient io: tsa unreachable"},
			want: ReasonMaxAttemptsExceeded,
		},
		{
			name: "anything else is a handler error",
			job:  &Job{Status: StatusDead, Attempts: 2, MaxAttempts: 5, LastError: "boom"},
			want: ReasonHandlerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferReason(tt.job, tt.stuck))
		})
	}
}

func TestDiagnosticsDeadJobs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	staleLock := now.Add(-30 * time.Minute)
	freshBeat := now.Add(-10 * time.Second)

	rows := jobRows().
		// Exhausted its budget while still marked failed. Dead by the
		// attempts predicate, not the stored status.
		AddRow("job-exhausted", "run_tsa", "doc-1", "run_tsa:doc-1", nil,
			"failed", 5, 5, nil, nil, nil, now, "jobs: transient io: tsa unreachable", now, now).
		AddRow("job-precondition", "build_artifact", "doc-2", "build_artifact:doc-2", nil,
			"dead", 5, 5, nil, nil, nil, now, "jobs: precondition failed: no witness hash", now, now).
		// Running past the TTL with a stale heartbeat.
		AddRow("job-stuck", "run_tsa", "doc-3", "run_tsa:doc-3", nil,
			"running", 1, 5, staleLock, "worker-1", staleLock, now, nil, now, now).
		// Stale lock but a live heartbeat, filtered out of the listing.
		AddRow("job-beating", "run_tsa", "doc-4", "run_tsa:doc-4", nil,
			"running", 1, 5, staleLock, "worker-2", freshBeat, now, nil, now, now)

	// Running rows fresher than the tightest TTL are excluded in SQL so
	// they never consume the limit.
	cutoff := now.Add(-DefaultTTLs().Min())
	mock.ExpectQuery(`SELECT .+ FROM jobs .+ locked_at < \$1 .+ ORDER BY updated_at DESC .+ LIMIT \$2`).
		WithArgs(cutoff, 50).
		WillReturnRows(rows)

	d := NewDiagnostics(db, DefaultTTLs()).WithClock(func() time.Time { return now })
	dead, err := d.DeadJobs(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, dead, 3)

	byID := make(map[string]DeadJob, len(dead))
	for _, dj := range dead {
		byID[dj.Job.ID] = dj
	}
	assert.Equal(t, ReasonMaxAttemptsExceeded, byID["job-exhausted"].Reason)
	assert.Equal(t, ReasonPreconditionFailed, byID["job-precondition"].Reason)
	assert.Equal(t, ReasonTTLExceeded, byID["job-stuck"].Reason)
	assert.NotContains(t, byID, "job-beating")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTTLTableMin(t *testing.T) {
	assert.Equal(t, 2*time.Minute, DefaultTTLs().Min())
	assert.Equal(t, DefaultTTL, TTLTable{}.Min(), "an empty table still covers unknown types")
	assert.Equal(t, 30*time.Second, TTLTable{TypeRunTSA: 30 * time.Second}.Min())
}

func TestDiagnosticsStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	staleLock := now.Add(-30 * time.Minute)

	mock.ExpectQuery("SELECT type, COUNT\\(\\*\\) FROM jobs WHERE status = 'queued' GROUP BY type").
		WillReturnRows(sqlmock.NewRows([]string{"type", "count"}).
			AddRow("run_tsa", 3).
			AddRow("build_artifact", 1))

	mock.ExpectQuery("SELECT COUNT\\(\\*\\), COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"count", "avg"}).AddRow(2, 12.5))

	mock.ExpectQuery("SELECT id, type, entity_id, .+ FROM jobs WHERE status = 'running'").
		WillReturnRows(jobRows().
			AddRow("job-stuck", "run_tsa", "doc-3", "run_tsa:doc-3", nil,
				"running", 1, 5, staleLock, "worker-1", staleLock, now, nil, now, now))

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM jobs").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	mock.ExpectQuery("MIN\\(run_at\\)").
		WillReturnRows(sqlmock.NewRows([]string{"lag"}).AddRow(42.0))

	d := NewDiagnostics(db, DefaultTTLs()).WithClock(func() time.Time { return now })
	stats, err := d.Stats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"run_tsa": 3, "build_artifact": 1}, stats.QueuedByType)
	assert.Equal(t, 2, stats.RunningCount)
	assert.InDelta(t, 12.5, stats.RunningAvgAgeSecs, 0.001)
	assert.Equal(t, 1, stats.StuckCount)
	assert.Equal(t, 4, stats.DeadLast24h)
	assert.InDelta(t, 42.0, stats.OldestQueuedLag, 0.001)
	assert.NoError(t, mock.ExpectationsWereMet())
}
