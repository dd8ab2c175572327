package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/lib/pq"
)

// Dialect selects the SQL flavor. Placeholders use the $N form, which both
// lib/pq and modernc.org/sqlite accept; only row locking differs.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore is the durable Store over database/sql. Appends run in a
// SERIALIZABLE transaction holding a row lock on the container head, so the
// causality re-check and the insert are one atomic step.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS ledger_entry (
	container_id  TEXT   NOT NULL,
	sequence      BIGINT NOT NULL,
	entry_hash    TEXT   NOT NULL UNIQUE,
	previous_hash TEXT   NOT NULL,
	atom_hash     TEXT   NOT NULL,
	intent_class  TEXT   NOT NULL,
	physics_delta TEXT   NOT NULL,
	signature     TEXT   NOT NULL,
	author_pubkey TEXT   NOT NULL,
	committed_at  BIGINT NOT NULL,
	PRIMARY KEY (container_id, sequence)
);

CREATE TABLE IF NOT EXISTS ledger_atom (
	atom_hash    TEXT PRIMARY KEY,
	container_id TEXT   NOT NULL,
	payload      TEXT   NOT NULL,
	committed_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS container_head (
	container_id  TEXT PRIMARY KEY,
	next_sequence BIGINT NOT NULL,
	head_hash     TEXT   NOT NULL,
	balance       TEXT   NOT NULL
);
`

// Init creates the schema.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqlSchema)
	return err
}

func (s *SQLStore) lockSuffix() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	// SQLite serializes writers at the database level.
	return ""
}

func (s *SQLStore) Head(ctx context.Context, containerID string) (State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT next_sequence, head_hash, balance FROM container_head WHERE container_id = $1`,
		containerID)
	return scanHead(row, containerID)
}

func scanHead(row *sql.Row, containerID string) (State, error) {
	var next uint64
	var head, balance string
	if err := row.Scan(&next, &head, &balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GenesisState(containerID), nil
		}
		return State{}, fmt.Errorf("head %s: %w", containerID, err)
	}
	b, ok := new(big.Int).SetString(balance, 10)
	if !ok {
		return State{}, fmt.Errorf("head %s: corrupt balance %q", containerID, balance)
	}
	return State{ContainerID: containerID, NextSequence: next, HeadHash: head, Balance: b}, nil
}

func (s *SQLStore) Append(ctx context.Context, e Entry) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the head row and re-validate causality under the lock.
	head := GenesisState(e.ContainerID)
	row := tx.QueryRowContext(ctx,
		`SELECT next_sequence, head_hash, balance FROM container_head WHERE container_id = $1`+s.lockSuffix(),
		e.ContainerID)
	var next uint64
	var headHash, balance string
	switch err := row.Scan(&next, &headHash, &balance); {
	case err == nil:
		b, ok := new(big.Int).SetString(balance, 10)
		if !ok {
			return fmt.Errorf("append %s: corrupt balance %q", e.ContainerID, balance)
		}
		head = State{ContainerID: e.ContainerID, NextSequence: next, HeadHash: headHash, Balance: b}
	case errors.Is(err, sql.ErrNoRows):
		// First entry for this container.
	default:
		return fmt.Errorf("append %s: lock head: %w", e.ContainerID, err)
	}

	if e.Sequence != head.NextSequence || e.PreviousHash != head.HeadHash {
		return &SequenceConflictError{
			ContainerID: e.ContainerID,
			Expected:    e.Sequence,
			Actual:      head.NextSequence,
		}
	}

	newBalance := new(big.Int).Add(head.Balance, &e.PhysicsDelta.Int)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entry
			(container_id, sequence, entry_hash, previous_hash, atom_hash,
			 intent_class, physics_delta, signature, author_pubkey, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ContainerID, e.Sequence, e.EntryHash, e.PreviousHash, e.AtomHash,
		e.IntentClass.String(), e.PhysicsDelta.String(), e.Signature, e.AuthorPubkey, e.CommittedAt,
	); err != nil {
		if s.isUniqueViolation(err) {
			// Two first-appends raced past the missing head row; the primary
			// key decides the winner.
			return &SequenceConflictError{ContainerID: e.ContainerID, Expected: e.Sequence, Actual: e.Sequence}
		}
		return fmt.Errorf("append %s: insert entry: %w", e.ContainerID, err)
	}

	if e.Atom != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_atom (atom_hash, container_id, payload, committed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (atom_hash) DO NOTHING`,
			e.AtomHash, e.ContainerID, string(e.Atom), e.CommittedAt,
		); err != nil {
			return fmt.Errorf("append %s: insert atom: %w", e.ContainerID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO container_head (container_id, next_sequence, head_hash, balance)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (container_id) DO UPDATE
		SET next_sequence = $2, head_hash = $3, balance = $4`,
		e.ContainerID, e.Sequence+1, e.EntryHash, newBalance.String(),
	); err != nil {
		return fmt.Errorf("append %s: advance head: %w", e.ContainerID, err)
	}

	if err := tx.Commit(); err != nil {
		if s.dialect == DialectPostgres && isSerializationFailure(err) {
			return &SequenceConflictError{ContainerID: e.ContainerID, Expected: e.Sequence, Actual: e.Sequence}
		}
		return fmt.Errorf("append %s: commit: %w", e.ContainerID, err)
	}
	return nil
}

func (s *SQLStore) Entry(ctx context.Context, containerID string, sequence uint64) (Entry, error) {
	row := s.db.QueryRowContext(ctx, selectEntry+` WHERE container_id = $1 AND sequence = $2`,
		containerID, sequence)
	e, err := scanEntry(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("entry %s/%d: %w", containerID, sequence, err)
	}
	return e, nil
}

const selectEntry = `
	SELECT le.container_id, le.sequence, le.entry_hash, le.previous_hash, le.atom_hash,
	       le.intent_class, le.physics_delta, le.signature, le.author_pubkey, le.committed_at,
	       COALESCE(la.payload, '')
	FROM ledger_entry le
	LEFT JOIN ledger_atom la ON la.atom_hash = le.atom_hash`

func (s *SQLStore) Range(ctx context.Context, containerID string, from uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		selectEntry+` WHERE container_id = $1 AND sequence >= $2 ORDER BY sequence ASC LIMIT $3`,
		containerID, from, limit)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", containerID, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("range %s: %w", containerID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("range %s: %w", containerID, err)
	}
	return out, nil
}

func scanEntry(scan func(...any) error) (Entry, error) {
	var e Entry
	var class, delta, payload string
	if err := scan(&e.ContainerID, &e.Sequence, &e.EntryHash, &e.PreviousHash, &e.AtomHash,
		&class, &delta, &e.Signature, &e.AuthorPubkey, &e.CommittedAt, &payload); err != nil {
		return Entry{}, err
	}
	if err := e.IntentClass.UnmarshalJSON([]byte(`"` + class + `"`)); err != nil {
		return Entry{}, err
	}
	if _, ok := e.PhysicsDelta.SetString(delta, 10); !ok {
		return Entry{}, fmt.Errorf("corrupt physics_delta %q", delta)
	}
	if payload != "" {
		e.Atom = json.RawMessage(payload)
	}
	return e, nil
}

func (s *SQLStore) Atom(ctx context.Context, atomHash string) (json.RawMessage, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM ledger_atom WHERE atom_hash = $1`, atomHash).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("atom %s: %w", atomHash, err)
	}
	return json.RawMessage(payload), nil
}

func (s *SQLStore) Containers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT container_id FROM container_head ORDER BY container_id`)
	if err != nil {
		return nil, fmt.Errorf("containers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) isUniqueViolation(err error) bool {
	if s.dialect == DialectPostgres {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	}
	// modernc.org/sqlite keeps the constraint name in the message; its error
	// type carries no SQLSTATE.
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

// isSerializationFailure recognizes pq SQLSTATE 40001; sqlite serializes
// writers and never raises it.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40001"
}
