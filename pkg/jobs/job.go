// Package jobs is the durable work queue between the decision engine and
// the outside world. Workers claim queued jobs with an atomic conditional
// update, dispatch them to typed handlers, and record every attempt;
// failures are retried up to a per-job budget and then dead-lettered for
// operator attention, never auto-deleted.
package jobs

import (
	"encoding/json"
	"errors"
	"time"
)

// Type enumerates the fixed set of job kinds. This is not a general
// workflow engine; anything else fails dispatch with a non-retryable error.
type Type string

const (
	TypeRunTSA        Type = "run_tsa"
	TypeAnchorPolygon Type = "submit_anchor_polygon"
	TypeAnchorBitcoin Type = "submit_anchor_bitcoin"
	TypeBuildArtifact Type = "build_artifact"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Error taxonomy for handler outcomes.
var (
	// ErrPrecondition marks a broken decision-engine invariant. The job is
	// dead-lettered immediately, never retried.
	ErrPrecondition = errors.New("jobs: precondition failed")
	// ErrTransient marks network/store timeouts. Retried up to MaxAttempts.
	ErrTransient = errors.New("jobs: transient io")
	// ErrUnknownType fails dispatch for types outside the enumerated set.
	ErrUnknownType = errors.New("jobs: unknown job type")
)

// DefaultMaxAttempts is the retry budget for new jobs.
const DefaultMaxAttempts = 5

// Job is one queued unit of work against a single entity.
type Job struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	EntityID    string          `json:"entity_id"`
	DedupeKey   string          `json:"dedupe_key"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LockedAt    *time.Time      `json:"locked_at,omitempty"`
	LockedBy    string          `json:"locked_by,omitempty"`
	HeartbeatAt *time.Time      `json:"heartbeat_at,omitempty"`
	RunAt       time.Time       `json:"run_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// IsDead is the single authoritative dead predicate: the attempt budget is
// exhausted. The stored status is not trusted for this classification.
func (j *Job) IsDead() bool {
	return j.Attempts >= j.MaxAttempts
}

// DedupeKeyFor derives the canonical dedupe key for a logical action on an
// entity, so re-deciding the same action collides instead of duplicating.
func DedupeKeyFor(t Type, entityID string) string {
	return string(t) + ":" + entityID
}

// Run is the audit record of one claim-to-finish execution.
type Run struct {
	ID         string        `json:"id"`
	JobID      string        `json:"job_id"`
	WorkerID   string        `json:"worker_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Outcome    string        `json:"outcome"` // succeeded | failed | dead
	Error      string        `json:"error,omitempty"`
}

// TTLTable maps job type to the running-state TTL after which a job with an
// equally stale heartbeat is eligible for reclaim by the sweep. The table
// is part of this component's contract even though the sweep itself runs
// elsewhere.
type TTLTable map[Type]time.Duration

// DefaultTTLs reflects the expected worst-case runtime per type: anchoring
// waits on chain confirmation, so it gets the longest leash.
func DefaultTTLs() TTLTable {
	return TTLTable{
		TypeRunTSA:        2 * time.Minute,
		TypeAnchorPolygon: 10 * time.Minute,
		TypeAnchorBitcoin: 10 * time.Minute,
		TypeBuildArtifact: 5 * time.Minute,
	}
}

// DefaultTTL applies to types missing from the table.
const DefaultTTL = 5 * time.Minute

// TTLFor returns the TTL for t, with a conservative default for types
// missing from the table.
func (t TTLTable) TTLFor(typ Type) time.Duration {
	if d, ok := t[typ]; ok {
		return d
	}
	return DefaultTTL
}

// Min returns the tightest TTL any type can resolve to. A running job
// locked more recently than this cannot be stuck under any type's TTL.
func (t TTLTable) Min() time.Duration {
	min := DefaultTTL
	for _, d := range t {
		if d < min {
			min = d
		}
	}
	return min
}

// Stuck reports whether the job is running past its TTL with an equally
// stale heartbeat. Derived, never stored.
func Stuck(j *Job, ttls TTLTable, now time.Time) bool {
	if j.Status != StatusRunning || j.LockedAt == nil {
		return false
	}
	ttl := ttls.TTLFor(j.Type)
	if now.Sub(*j.LockedAt) <= ttl {
		return false
	}
	if j.HeartbeatAt != nil && now.Sub(*j.HeartbeatAt) <= ttl {
		return false
	}
	return true
}
