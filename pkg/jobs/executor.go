package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler executes one claimed job. Returning nil marks the job succeeded;
// a handler that finds its work already done (the decision engine no longer
// wants the action) must also return nil: superseded is success, not
// failure. Error classification drives retry: ErrPrecondition dead-letters
// immediately, anything else retries until the attempt budget runs out.
type Handler func(ctx context.Context, job *Job) error

// Executor polls the store, claims batches, and dispatches to handlers.
// Claimed jobs run one goroutine each, bounded by the batch limit, so a
// handler blocked on network I/O never stalls its siblings. Handler errors
// are captured into the job record and never escape the dispatch loop.
type Executor struct {
	store        Store
	handlers     map[Type]Handler
	workerID     string
	batchLimit   int
	pollInterval time.Duration
	retryBackoff time.Duration
	ttls         TTLTable
	logger       *slog.Logger
	clock        func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithBatchLimit bounds how many jobs one poll may claim.
func WithBatchLimit(n int) Option {
	return func(e *Executor) { e.batchLimit = n }
}

// WithPollInterval sets the idle sleep between polls.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.pollInterval = d }
}

// WithRetryBackoff sets the base delay before a failed job requeues; the
// actual delay doubles per attempt.
func WithRetryBackoff(d time.Duration) Option {
	return func(e *Executor) { e.retryBackoff = d }
}

// WithTTLs overrides the per-type reclaim TTL table.
func WithTTLs(t TTLTable) Option {
	return func(e *Executor) { e.ttls = t }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) { e.clock = clock }
}

// NewExecutor builds an executor for the given handler map.
func NewExecutor(store Store, handlers map[Type]Handler, opts ...Option) *Executor {
	e := &Executor{
		store:        store,
		handlers:     handlers,
		workerID:     "worker-" + uuid.NewString()[:8],
		batchLimit:   10,
		pollInterval: 2 * time.Second,
		retryBackoff: 30 * time.Second,
		ttls:         DefaultTTLs(),
		logger:       slog.Default(),
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WorkerID identifies this executor in locks and run records.
func (e *Executor) WorkerID() string { return e.workerID }

// TTLs exposes the reclaim TTL table, part of this component's contract.
func (e *Executor) TTLs() TTLTable { return e.ttls }

// Run polls until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started", "worker_id", e.workerID, "batch_limit", e.batchLimit)
	for {
		n, err := e.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("poll failed", "worker_id", e.workerID, "error", err)
		}
		if n > 0 {
			continue // drain while there is work
		}
		select {
		case <-ctx.Done():
			e.logger.Info("executor stopped", "worker_id", e.workerID)
			return ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}

// RunOnce claims one batch and dispatches it, returning how many jobs were
// claimed. One failing job never halts the batch.
func (e *Executor) RunOnce(ctx context.Context) (int, error) {
	claimed, err := e.store.Claim(ctx, e.workerID, e.batchLimit)
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	var wg sync.WaitGroup
	for _, job := range claimed {
		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			e.dispatch(ctx, j)
		}(job)
	}
	wg.Wait()
	return len(claimed), nil
}

// dispatch runs one job and records the outcome. Panics in handlers are
// captured as handler errors.
func (e *Executor) dispatch(ctx context.Context, job *Job) {
	started := e.clock()
	err := e.invoke(ctx, job)
	finished := e.clock()

	run := &Run{
		JobID:      job.ID,
		WorkerID:   e.workerID,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
	}

	switch {
	case err == nil:
		run.Outcome = string(StatusSucceeded)
		if markErr := e.store.MarkSucceeded(ctx, job.ID); markErr != nil {
			e.logger.Error("mark succeeded failed", "job_id", job.ID, "error", markErr)
		}
	case errors.Is(err, ErrPrecondition) || errors.Is(err, ErrUnknownType):
		run.Outcome = string(StatusDead)
		run.Error = err.Error()
		if markErr := e.store.MarkDead(ctx, job.ID, err.Error()); markErr != nil {
			e.logger.Error("mark dead failed", "job_id", job.ID, "error", markErr)
		}
		e.logger.Warn("job dead-lettered", "job_id", job.ID, "type", string(job.Type),
			"entity_id", job.EntityID, "error", err)
	default:
		run.Error = err.Error()
		if job.Attempts < job.MaxAttempts {
			run.Outcome = string(StatusFailed)
			retryAt := e.clock().Add(e.backoff(job.Attempts))
			if markErr := e.store.MarkFailed(ctx, job.ID, err.Error(), &retryAt); markErr != nil {
				e.logger.Error("requeue failed", "job_id", job.ID, "error", markErr)
			}
			e.logger.Warn("job failed, requeued", "job_id", job.ID, "type", string(job.Type),
				"attempts", job.Attempts, "max_attempts", job.MaxAttempts, "error", err)
		} else {
			run.Outcome = string(StatusDead)
			if markErr := e.store.MarkFailed(ctx, job.ID, err.Error(), nil); markErr != nil {
				e.logger.Error("dead-letter failed", "job_id", job.ID, "error", markErr)
			}
			e.logger.Warn("job exhausted attempts", "job_id", job.ID, "type", string(job.Type),
				"attempts", job.Attempts, "error", err)
		}
	}

	if recErr := e.store.RecordRun(ctx, run); recErr != nil {
		e.logger.Error("record run failed", "job_id", job.ID, "error", recErr)
	}
}

func (e *Executor) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	handler, ok := e.handlers[job.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, job.Type)
	}
	return handler(ctx, job)
}

// backoff doubles per attempt from the base, capped at ten minutes.
func (e *Executor) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(e.retryBackoff) * math.Pow(2, float64(attempts-1)))
	if d > 10*time.Minute {
		d = 10 * time.Minute
	}
	return d
}
