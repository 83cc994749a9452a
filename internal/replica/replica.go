// Package replica is the local durable cache for document scopes. A
// reload resumes from here instead of refetching: the base fact log, the
// version and sequence watermarks, and the pending mutation queue all
// survive a restart.
package replica

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/leafsync/internal/fact"
	"github.com/roach88/leafsync/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
const currentSchemaVersion = 1

// Replica stores scope state in SQLite. Implements sync.Replica.
// Multiple scopes share one database file, keyed by scope ID.
type Replica struct {
	db *sql.DB
}

// Open creates or opens the replica database at path. Applies pragmas and
// migrations; idempotent.
func Open(path string) (*Replica, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open replica: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect replica: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("replica pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("replica schema: %w", err)
	}
	return &Replica{db: db}, nil
}

// Close closes the database.
func (r *Replica) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// SaveState persists a scope's full state in one transaction. Facts are
// written with ON CONFLICT DO NOTHING: the log is append-only, a fact
// already present is the same fact. The pending queue is replaced.
func (r *Replica) SaveState(scope string, facts []fact.Fact, version int64, pending []sync.MutationRecord, seq int64) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	defer tx.Rollback()

	for i, f := range facts {
		body, err := f.MarshalCanonical()
		if err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO facts (scope, pos, id, body)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(scope, id) DO NOTHING
		`, scope, i, f.ID, string(body)); err != nil {
			return fmt.Errorf("save fact %s: %w", f.ID, err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM pending_mutations WHERE scope = ?`, scope); err != nil {
		return fmt.Errorf("clear pending: %w", err)
	}
	for _, rec := range pending {
		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("save pending %d: %w", rec.Seq, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO pending_mutations (scope, seq, body)
			VALUES (?, ?, ?)
		`, scope, rec.Seq, string(body)); err != nil {
			return fmt.Errorf("save pending %d: %w", rec.Seq, err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO scopes (scope, version, last_seq)
		VALUES (?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET version = excluded.version, last_seq = excluded.last_seq
	`, scope, version, seq); err != nil {
		return fmt.Errorf("save scope watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// LoadState restores a scope. An unknown scope loads as empty state.
func (r *Replica) LoadState(scope string) ([]fact.Fact, int64, []sync.MutationRecord, int64, error) {
	var version, seq int64
	err := r.db.QueryRow(`SELECT version, last_seq FROM scopes WHERE scope = ?`, scope).Scan(&version, &seq)
	switch {
	case err == sql.ErrNoRows:
		return nil, 0, nil, 0, nil
	case err != nil:
		return nil, 0, nil, 0, fmt.Errorf("load scope watermark: %w", err)
	}

	facts, err := r.loadFacts(scope)
	if err != nil {
		return nil, 0, nil, 0, err
	}
	pending, err := r.loadPending(scope)
	if err != nil {
		return nil, 0, nil, 0, err
	}
	return facts, version, pending, seq, nil
}

func (r *Replica) loadFacts(scope string) ([]fact.Fact, error) {
	rows, err := r.db.Query(`SELECT body FROM facts WHERE scope = ? ORDER BY pos, id`, scope)
	if err != nil {
		return nil, fmt.Errorf("load facts: %w", err)
	}
	defer rows.Close()

	var facts []fact.Fact
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("load facts: %w", err)
		}
		var f fact.Fact
		if err := json.Unmarshal([]byte(body), &f); err != nil {
			return nil, fmt.Errorf("decode fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func (r *Replica) loadPending(scope string) ([]sync.MutationRecord, error) {
	rows, err := r.db.Query(`SELECT body FROM pending_mutations WHERE scope = ? ORDER BY seq`, scope)
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	defer rows.Close()

	var pending []sync.MutationRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("load pending: %w", err)
		}
		var rec sync.MutationRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("decode mutation record: %w", err)
		}
		pending = append(pending, rec)
	}
	return pending, rows.Err()
}
