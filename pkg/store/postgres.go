// Package store implements the durable boundary: document entities with
// their event arrays, and the feature-flag mirror. The append-only and
// locking invariants are enforced here in code, not assumed of the
// database.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/TemporalDynamics/ecosign-sub002/pkg/authority"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/ledger"
)

// PostgresEntityStore implements ledger.EntityStore on the documents table.
type PostgresEntityStore struct {
	db *sql.DB
}

// NewPostgresEntityStore wraps an open connection pool.
func NewPostgresEntityStore(db *sql.DB) *PostgresEntityStore {
	return &PostgresEntityStore{db: db}
}

// Open connects to postgres with sane pool defaults.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func (s *PostgresEntityStore) Create(ctx context.Context, doc *ledger.Document) error {
	events, transforms, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, source_hash, witness_hash, signed_hash, custody_mode,
			status, transform_log, events, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		doc.ID, doc.OwnerID, doc.SourceHash, doc.WitnessHash, doc.SignedHash, doc.CustodyMode,
		string(doc.Status), transforms, events, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create document: %w", err)
	}
	return nil
}

func (s *PostgresEntityStore) Get(ctx context.Context, id string) (*ledger.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, source_hash, witness_hash, signed_hash, custody_mode,
			status, transform_log, events, created_at, updated_at
		FROM documents WHERE id = $1`, id)
	doc, err := scanDoc(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	return doc, err
}

// Update reads the document under its row lock, applies mutate, verifies
// the event array only grew, and persists, all in one transaction, so
// concurrent appends to the same document serialize.
func (s *PostgresEntityStore) Update(ctx context.Context, id string, mutate func(doc *ledger.Document) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, owner_id, source_hash, witness_hash, signed_hash, custody_mode,
			status, transform_log, events, created_at, updated_at
		FROM documents WHERE id = $1 FOR UPDATE`, id)
	doc, err := scanDoc(row)
	if err == sql.ErrNoRows {
		return ledger.ErrNotFound
	}
	if err != nil {
		return err
	}

	priorEvents, err := json.Marshal(doc.Events)
	if err != nil {
		return fmt.Errorf("store: encode prior events: %w", err)
	}
	priorCount := len(doc.Events)

	if err := mutate(doc); err != nil {
		return err
	}

	if err := verifyGrowOnly(doc, priorEvents, priorCount); err != nil {
		return err
	}

	events, transforms, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE documents SET owner_id = $2, source_hash = $3, witness_hash = $4, signed_hash = $5,
			custody_mode = $6, status = $7, transform_log = $8, events = $9, updated_at = $10
		WHERE id = $1`,
		doc.ID, doc.OwnerID, doc.SourceHash, doc.WitnessHash, doc.SignedHash,
		doc.CustodyMode, string(doc.Status), transforms, events, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: update document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// verifyGrowOnly rejects any mutation that shrank or rewrote the stored
// prefix of the event array.
func verifyGrowOnly(doc *ledger.Document, priorEvents []byte, priorCount int) error {
	if len(doc.Events) < priorCount {
		return ledger.ErrAppendOnlyViolation
	}
	prefix, err := json.Marshal(doc.Events[:priorCount])
	if err != nil {
		return fmt.Errorf("store: encode event prefix: %w", err)
	}
	if !bytes.Equal(prefix, priorEvents) {
		return ledger.ErrAppendOnlyViolation
	}
	return nil
}

func encodeDoc(doc *ledger.Document) (events, transforms []byte, err error) {
	events, err = json.Marshal(doc.Events)
	if err != nil {
		return nil, nil, fmt.Errorf("store: encode events: %w", err)
	}
	transforms, err = json.Marshal(doc.TransformLog)
	if err != nil {
		return nil, nil, fmt.Errorf("store: encode transform log: %w", err)
	}
	return events, transforms, nil
}

type docScanner interface {
	Scan(dest ...any) error
}

func scanDoc(r docScanner) (*ledger.Document, error) {
	var doc ledger.Document
	var status string
	var events, transforms []byte
	var signedHash, custody sql.NullString
	err := r.Scan(&doc.ID, &doc.OwnerID, &doc.SourceHash, &doc.WitnessHash, &signedHash,
		&custody, &status, &transforms, &events, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	doc.SignedHash = signedHash.String
	doc.CustodyMode = custody.String
	doc.Status = ledger.Status(status)
	if len(events) > 0 {
		if err := json.Unmarshal(events, &doc.Events); err != nil {
			return nil, fmt.Errorf("store: corrupt events for %s: %w", doc.ID, err)
		}
	}
	if len(transforms) > 0 {
		if err := json.Unmarshal(transforms, &doc.TransformLog); err != nil {
			return nil, fmt.Errorf("store: corrupt transform log for %s: %w", doc.ID, err)
		}
	}
	return &doc, nil
}

// PostgresFlagStore mirrors worker authority flags for observability.
type PostgresFlagStore struct {
	db *sql.DB
}

// NewPostgresFlagStore wraps an open connection pool.
func NewPostgresFlagStore(db *sql.DB) *PostgresFlagStore {
	return &PostgresFlagStore{db: db}
}

func (s *PostgresFlagStore) MirrorFlags(ctx context.Context, workerID string, flags map[authority.FlagID]bool) error {
	encoded, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("store: encode flags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feature_flags (worker_id, flags, mirrored_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET flags = EXCLUDED.flags, mirrored_at = NOW()`,
		workerID, encoded)
	if err != nil {
		return fmt.Errorf("store: mirror flags: %w", err)
	}
	return nil
}
