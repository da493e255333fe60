package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and single-process dev runs.
// It honors the same dedupe, claim and lifecycle semantics as the postgres
// store.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*Job // by id
	byDedupe map[string]string
	runs     []*Run
	clock    func() time.Time
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*Job),
		byDedupe: make(map[string]string),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Enqueue(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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

	if existingID, ok := s.byDedupe[j.DedupeKey]; ok {
		existing := s.jobs[existingID]
		if existing.Status == StatusFailed || existing.Status == StatusDead {
			existing.Status = StatusQueued
			existing.Attempts = 0
			existing.LastError = ""
			existing.LockedAt = nil
			existing.LockedBy = ""
			existing.HeartbeatAt = nil
			existing.RunAt = j.RunAt
			existing.UpdatedAt = now
		}
		return nil
	}

	j.Status = StatusQueued
	j.Attempts = 0
	j.CreatedAt = now
	j.UpdatedAt = now
	s.jobs[j.ID] = j
	s.byDedupe[j.DedupeKey] = j.ID
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, workerID string, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 1
	}
	now := s.clock().UTC()

	var due []*Job
	for _, j := range s.jobs {
		if j.Status == StatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Job, 0, len(due))
	for _, j := range due {
		j.Status = StatusRunning
		j.Attempts++
		j.LockedBy = workerID
		t := now
		j.LockedAt = &t
		hb := now
		j.HeartbeatAt = &hb
		j.UpdatedAt = now
		copied := *j
		claimed = append(claimed, &copied)
	}
	return claimed, nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.LockedBy != workerID || j.Status != StatusRunning {
		return nil
	}
	now := s.clock().UTC()
	j.HeartbeatAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *MemoryStore) MarkSucceeded(ctx context.Context, jobID string) error {
	return s.finish(jobID, func(j *Job) {
		j.Status = StatusSucceeded
		j.LastError = ""
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, jobID, lastError string, retryAt *time.Time) error {
	return s.finish(jobID, func(j *Job) {
		j.LastError = lastError
		if retryAt != nil {
			j.Status = StatusQueued
			j.RunAt = retryAt.UTC()
		} else {
			j.Status = StatusDead
		}
	})
}

func (s *MemoryStore) MarkDead(ctx context.Context, jobID, lastError string) error {
	return s.finish(jobID, func(j *Job) {
		j.Status = StatusDead
		if j.Attempts < j.MaxAttempts {
			j.Attempts = j.MaxAttempts
		}
		j.LastError = lastError
	})
}

func (s *MemoryStore) finish(jobID string, apply func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("jobs: %s not found", jobID)
	}
	apply(j)
	j.LockedAt = nil
	j.LockedBy = ""
	j.HeartbeatAt = nil
	j.UpdatedAt = s.clock().UTC()
	return nil
}

func (s *MemoryStore) RecordRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	copied := *run
	s.runs = append(s.runs, &copied)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("jobs: %s not found", jobID)
	}
	copied := *j
	return &copied, nil
}

// Runs returns the recorded run audit, oldest first.
func (s *MemoryStore) Runs() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Run, len(s.runs))
	copy(out, s.runs)
	return out
}

// All returns a snapshot of every job, for assertions and diagnostics.
func (s *MemoryStore) All() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		copied := *j
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}
