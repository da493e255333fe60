package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a settable clock shared between the store and the executor.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestExecutor(handlers map[Type]Handler, opts ...Option) (*Executor, *MemoryStore, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore().WithClock(clock.Now)
	base := []Option{
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	exec := NewExecutor(store, handlers, append(base, opts...)...)
	return exec, store, clock
}

func enqueue(t *testing.T, store *MemoryStore, j *Job) *Job {
	t.Helper()
	require.NoError(t, store.Enqueue(context.Background(), j))
	return j
}

func TestExecutorSuccess(t *testing.T) {
	var calls int32
	handlers := map[Type]Handler{
		TypeRunTSA: func(ctx context.Context, job *Job) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	}
	exec, store, _ := newTestExecutor(handlers)
	job := enqueue(t, store, &Job{Type: TypeRunTSA, EntityID: "doc-1"})

	n, err := exec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.LockedBy)
	assert.Nil(t, got.LockedAt)

	runs := store.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, job.ID, runs[0].JobID)
	assert.Equal(t, string(StatusSucceeded), runs[0].Outcome)
	assert.Equal(t, exec.WorkerID(), runs[0].WorkerID)
}

func TestExecutorTransientRequeuesWithBackoff(t *testing.T) {
	handlers := map[Type]Handler{
		TypeRunTSA: func(ctx context.Context, job *Job) error {
			return fmt.Errorf("%w: tsa unreachable", ErrTransient)
		},
	}
	exec, store, clock := newTestExecutor(handlers, WithRetryBackoff(30*time.Second))
	job := enqueue(t, store, &Job{Type: TypeRunTSA, EntityID: "doc-1"})

	t0 := clock.Now()
	n, err := exec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "tsa unreachable")
	assert.True(t, got.RunAt.Equal(t0.Add(30*time.Second)), "first retry waits the base backoff")

	// Not due yet, so the next poll claims nothing.
	n, err = exec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// Second failure doubles the delay.
	clock.Advance(30 * time.Second)
	t1 := clock.Now()
	n, err = exec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.True(t, got.RunAt.Equal(t1.Add(60*time.Second)), "second retry doubles the backoff")
}

func TestExecutorBackoffCap(t *testing.T) {
	exec, _, _ := newTestExecutor(nil, WithRetryBackoff(30*time.Second))
	assert.Equal(t, 30*time.Second, exec.backoff(1))
	assert.Equal(t, 60*time.Second, exec.backoff(2))
	assert.Equal(t, 4*time.Minute, exec.backoff(4))
	assert.Equal(t, 10*time.Minute, exec.backoff(20), "doubling caps at ten minutes")
	assert.Equal(t, 30*time.Second, exec.backoff(0), "attempt floor is one")
}

func TestExecutorPreconditionDeadLettersImmediately(t *testing.T) {
	handlers := map[Type]Handler{
		TypeBuildArtifact: func(ctx context.Context, job *Job) error {
			return fmt.Errorf("%w: document has no witness hash", ErrPrecondition)
		},
	}
	exec, store, _ := newTestExecutor(handlers)
	job := enqueue(t, store, &Job{Type: TypeBuildArtifact, EntityID: "doc-1"})

	_, err := exec.RunOnce(context.Background())
	require.NoError(t, err)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, got.Status)
	assert.True(t, got.IsDead(), "dead-lettering exhausts the attempt budget")
	assert.Contains(t, got.LastError, "precondition failed")

	runs := store.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, string(StatusDead), runs[0].Outcome)
}

func TestExecutorUnknownTypeDeadLetters(t *testing.T) {
	exec, store, _ := newTestExecutor(map[Type]Handler{})
	job := enqueue(t, store, &Job{Type: Type("reticulate_splines"), EntityID: "doc-1"})

	_, err := exec.RunOnce(context.Background())
	require.NoError(t, err)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, got.Status)
	assert.Contains(t, got.LastError, "unknown job type")
}

func TestExecutorPanicIsCapturedAndRetried(t *testing.T) {
	handlers := map[Type]Handler{
		TypeRunTSA: func(ctx context.Context, job *Job) error {
			panic("nil map write")
		},
	}
	exec, store, _ := newTestExecutor(handlers)
	job := enqueue(t, store, &Job{Type: TypeRunTSA, EntityID: "doc-1"})

	_, err := exec.RunOnce(context.Background())
	require.NoError(t, err, "a panicking handler never escapes the dispatch loop")

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status, "panics are handler errors, retried like any other")
	assert.Contains(t, got.LastError, "handler panic")
	assert.Contains(t, got.LastError, "nil map write")
}

func TestExecutorExhaustedAttemptsDeadLetter(t *testing.T) {
	handlers := map[Type]Handler{
		TypeRunTSA: func(ctx context.Context, job *Job) error {
			return fmt.Errorf("%w: still down", ErrTransient)
		},
	}
	exec, store, clock := newTestExecutor(handlers, WithRetryBackoff(time.Second))
	job := enqueue(t, store, &Job{Type: TypeRunTSA, EntityID: "doc-1", MaxAttempts: 2})

	_, err := exec.RunOnce(context.Background())
	require.NoError(t, err)
	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status, "first failure retries")

	clock.Advance(time.Minute)
	_, err = exec.RunOnce(context.Background())
	require.NoError(t, err)

	got, err = store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.True(t, got.IsDead())

	runs := store.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, string(StatusFailed), runs[0].Outcome)
	assert.Equal(t, string(StatusDead), runs[1].Outcome)
}

func TestExecutorOneFailingJobNeverHaltsTheBatch(t *testing.T) {
	var succeeded int32
	handlers := map[Type]Handler{
		TypeRunTSA: func(ctx context.Context, job *Job) error {
			if job.EntityID == "doc-bad" {
				return errors.New("boom")
			}
			atomic.AddInt32(&succeeded, 1)
			return nil
		},
	}
	exec, store, _ := newTestExecutor(handlers)
	enqueue(t, store, &Job{Type: TypeRunTSA, EntityID: "doc-bad"})
	enqueue(t, store, &Job{Type: TypeRunTSA, EntityID: "doc-1"})
	enqueue(t, store, &Job{Type: TypeRunTSA, EntityID: "doc-2"})

	n, err := exec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int32(2), atomic.LoadInt32(&succeeded))
}

func TestExecutorBatchLimit(t *testing.T) {
	handlers := map[Type]Handler{
		TypeRunTSA: func(ctx context.Context, job *Job) error { return nil },
	}
	exec, store, _ := newTestExecutor(handlers, WithBatchLimit(2))
	enqueue(t, store, &Job{Type: TypeRunTSA, EntityID: "doc-1"})
	enqueue(t, store, &Job{Type: TypeRunTSA, EntityID: "doc-2"})
	enqueue(t, store, &Job{Type: TypeRunTSA, EntityID: "doc-3"})

	n, err := exec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = exec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
