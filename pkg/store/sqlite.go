package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/TemporalDynamics/ecosign-sub002/pkg/ledger"
)

// SQLiteEntityStore is the dev/test variant of the entity store. SQLite
// serializes writers per database, so the row-lock discipline degrades to a
// write transaction; grow-only verification is identical to postgres.
type SQLiteEntityStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) a sqlite database with the
// documents schema.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite schema: %w", err)
	}
	return db, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	source_hash TEXT NOT NULL,
	witness_hash TEXT NOT NULL DEFAULT '',
	signed_hash TEXT,
	custody_mode TEXT,
	status TEXT NOT NULL,
	transform_log TEXT,
	events TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// NewSQLiteEntityStore wraps an open sqlite handle.
func NewSQLiteEntityStore(db *sql.DB) *SQLiteEntityStore {
	return &SQLiteEntityStore{db: db}
}

func (s *SQLiteEntityStore) Create(ctx context.Context, doc *ledger.Document) error {
	events, transforms, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, source_hash, witness_hash, signed_hash, custody_mode,
			status, transform_log, events, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.OwnerID, doc.SourceHash, doc.WitnessHash, doc.SignedHash, doc.CustodyMode,
		string(doc.Status), string(transforms), string(events), doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create document: %w", err)
	}
	return nil
}

func (s *SQLiteEntityStore) Get(ctx context.Context, id string) (*ledger.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, source_hash, witness_hash, signed_hash, custody_mode,
			status, transform_log, events, created_at, updated_at
		FROM documents WHERE id = ?`, id)
	doc, err := scanDoc(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	return doc, err
}

func (s *SQLiteEntityStore) Update(ctx context.Context, id string, mutate func(doc *ledger.Document) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, owner_id, source_hash, witness_hash, signed_hash, custody_mode,
			status, transform_log, events, created_at, updated_at
		FROM documents WHERE id = ?`, id)
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
		UPDATE documents SET owner_id = ?, source_hash = ?, witness_hash = ?, signed_hash = ?,
			custody_mode = ?, status = ?, transform_log = ?, events = ?, updated_at = ?
		WHERE id = ?`,
		doc.OwnerID, doc.SourceHash, doc.WitnessHash, doc.SignedHash, doc.CustodyMode,
		string(doc.Status), string(transforms), string(events), doc.UpdatedAt, doc.ID)
	if err != nil {
		return fmt.Errorf("store: update document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
