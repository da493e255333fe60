// Package ledger is the append-only event log per protected document and
// the single source of truth for protection state.
//
// Entries are never mutated or removed. Invariants are enforced here, at
// the append boundary, not assumed of the store: witness-hash agreement for
// timestamp confirmations, causality for anchor confirmations, grow-only
// event lists.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TemporalDynamics/ecosign-sub002/pkg/event"
)

// Error taxonomy for append operations. Both are rejected synchronously and
// never retried.
var (
	ErrInvalidEvent        = errors.New("ledger: invalid event")
	ErrAppendOnlyViolation = errors.New("ledger: append-only violation")
	ErrNotFound            = errors.New("ledger: document not found")
)

// Status is the document lifecycle state.
type Status string

const (
	StatusProtected       Status = "protected"
	StatusWitnessReady    Status = "witness_ready"
	StatusInSignatureFlow Status = "in_signature_flow"
	StatusSigned          Status = "signed"
	StatusAnchored        Status = "anchored"
	StatusRevoked         Status = "revoked"
	StatusArchived        Status = "archived"
)

// TransformEntry is one hop of the rendering pipeline's hash-linked log
// (source form to witness form and beyond).
type TransformEntry struct {
	Operation string `json:"operation"`
	FromHash  string `json:"from_hash"`
	ToHash    string `json:"to_hash"`
}

// Document is the protected entity. It is owned exclusively by OwnerID and
// mutated only through ledger appends.
type Document struct {
	ID           string           `json:"id"`
	OwnerID      string           `json:"owner_id"`
	SourceHash   string           `json:"source_hash"`
	WitnessHash  string           `json:"witness_hash"`
	SignedHash   string           `json:"signed_hash,omitempty"`
	CustodyMode  string           `json:"custody_mode,omitempty"`
	Status       Status           `json:"status"`
	TransformLog []TransformEntry `json:"transform_log,omitempty"`
	Events       []event.Event    `json:"events"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// EntityStore is the durable boundary for documents. Update must read the
// row under the entity's row-level lock, invoke mutate, and persist the
// result in the same transaction, so concurrent appends to one document
// serialize rather than losing updates. Implementations must reject any
// mutation that shrinks or replaces existing events with
// ErrAppendOnlyViolation.
type EntityStore interface {
	Create(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	Update(ctx context.Context, id string, mutate func(doc *Document) error) error
}

// Ledger exposes the append API over an EntityStore.
type Ledger struct {
	store EntityStore
	clock func() time.Time
}

// New creates a ledger over the given store.
func New(store EntityStore) *Ledger {
	return &Ledger{store: store, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append validates ev against the document's current state and appends it.
// Validation failures return ErrInvalidEvent; the event list only ever
// grows.
func (l *Ledger) Append(ctx context.Context, documentID string, ev event.Event) error {
	if ev.At.IsZero() {
		ev.At = l.clock().UTC()
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return l.store.Update(ctx, documentID, func(doc *Document) error {
		if err := validateAgainstEntity(doc, ev); err != nil {
			return err
		}
		before := len(doc.Events)
		doc.Events = append(doc.Events, ev)
		if len(doc.Events) <= before {
			return ErrAppendOnlyViolation
		}
		advanceStatus(doc, ev)
		doc.UpdatedAt = l.clock().UTC()
		return nil
	})
}

// validateAgainstEntity enforces the invariants that need the entity's
// current state in addition to the event's own shape.
func validateAgainstEntity(doc *Document, ev event.Event) error {
	switch ev.Kind {
	case event.KindTSAConfirmed:
		p, _ := ev.TSAPayloadOf()
		if p.WitnessHash != doc.WitnessHash {
			return fmt.Errorf("%w: tsa.confirmed witness_hash %q does not match document witness hash %q",
				ErrInvalidEvent, p.WitnessHash, doc.WitnessHash)
		}
	case event.KindAnchorConfirmed:
		p, _ := ev.AnchorPayloadOf()
		if p.ConfirmedAt != nil && p.ConfirmedAt.Before(ev.At) {
			return fmt.Errorf("%w: anchor.confirmed confirmed_at %s precedes event at %s",
				ErrInvalidEvent, p.ConfirmedAt.Format(time.RFC3339), ev.At.Format(time.RFC3339))
		}
	}
	return nil
}

// advanceStatus bumps the lifecycle status for events that settle it.
// Status never moves backwards here; revocation and archival are explicit
// operations outside the append path.
func advanceStatus(doc *Document, ev event.Event) {
	if doc.Status == StatusRevoked || doc.Status == StatusArchived {
		return
	}
	if ev.Kind == event.KindArtifactFinalized {
		doc.Status = StatusAnchored
	}
}

// Get loads a document.
func (l *Ledger) Get(ctx context.Context, id string) (*Document, error) {
	return l.store.Get(ctx, id)
}
