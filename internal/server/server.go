// Package server is the authoritative side: it executes mutation records
// in arrival order against the server's own state, advances the scope
// version once per accepted record, and serves incremental pulls. Its
// total order is the one every client converges to.
package server

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	stdsync "sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/leafsync/internal/fact"
	"github.com/roach88/leafsync/internal/factstore"
	"github.com/roach88/leafsync/internal/mutator"
	"github.com/roach88/leafsync/internal/schema"
	"github.com/roach88/leafsync/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
// 2 - rejections table
const currentSchemaVersion = 2

// Auth maps a client identity to its write capabilities. The token
// validation itself happens upstream; the server only asks for the
// resulting scope.
type Auth interface {
	ScopeFor(clientID string) factstore.Scope
}

// AllowAll grants every client write access to every entity set.
// The default for single-tenant deployments and tests.
type AllowAll struct{}

func (AllowAll) ScopeFor(clientID string) factstore.Scope {
	return factstore.Scope{Identity: clientID, All: true}
}

// CommitFunc observes authoritative version advances, e.g. to poke
// connected clients.
type CommitFunc func(scopeID string, version int64)

// Server executes pushes and serves pulls for any number of document
// scopes backed by one SQLite database.
type Server struct {
	registry *schema.Registry
	mutators *mutator.Registry
	auth     Auth
	logger   *slog.Logger
	onCommit CommitFunc

	mu     stdsync.Mutex // single writer across all scopes
	db     *sql.DB
	scopes map[string]*scopeState // in-memory execution state, lazily loaded
}

type scopeState struct {
	store   *factstore.Store
	version int64
	acks    map[string]int64
	// per-client dropped seqs with reasons, so a drop stays reportable
	// after the original push response is gone
	rejections map[string]map[int64]string
}

func (st *scopeState) rejectionFor(clientID string, seq int64) (string, bool) {
	reason, ok := st.rejections[clientID][seq]
	return reason, ok
}

func (st *scopeState) recordRejection(clientID string, seq int64, reason string) {
	if st.rejections[clientID] == nil {
		st.rejections[clientID] = make(map[int64]string)
	}
	st.rejections[clientID][seq] = reason
}

// Option configures a Server.
type Option func(*Server)

// WithAuth replaces the AllowAll default.
func WithAuth(a Auth) Option {
	return func(s *Server) { s.auth = a }
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithOnCommit registers the version-advance callback.
func WithOnCommit(f CommitFunc) Option {
	return func(s *Server) { s.onCommit = f }
}

// Open creates or opens the server database at path.
func Open(path string, registry *schema.Registry, mutators *mutator.Registry, opts ...Option) (*Server, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open server db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect server db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("server schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}

	s := &Server{
		registry: registry,
		mutators: mutators,
		auth:     AllowAll{},
		logger:   slog.Default(),
		db:       db,
		scopes:   make(map[string]*scopeState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Server) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Push executes mutation records in arrival order. A record already
// processed for this client (seq at or below the watermark) is skipped,
// making duplicate pushes idempotent. A record failing authoritative
// execution is dropped with the watermark advanced; the client abandons
// it. Network-visible state changes only on commit.
func (s *Server) Push(ctx context.Context, scopeID, clientID string, records []sync.MutationRecord) (sync.PushResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadScopeLocked(scopeID)
	if err != nil {
		return sync.PushResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sync.PushResult{}, fmt.Errorf("push: %w", err)
	}
	defer tx.Rollback()

	// Execute against a fork; the live state only advances when the
	// database transaction commits.
	work := state.store.Fork()
	scope := s.auth.ScopeFor(clientID)
	var rejected []sync.Rejection
	newRejections := make(map[int64]string)
	version := state.version
	ack := state.acks[clientID]

	for _, rec := range records {
		if rec.Seq <= ack {
			// A duplicate of a dropped record still reports the drop;
			// the ack alone reads like an accept.
			if reason, ok := state.rejectionFor(clientID, rec.Seq); ok {
				rejected = append(rejected, sync.Rejection{Seq: rec.Seq, Reason: reason})
			}
			continue
		}
		stx := work.Begin(scope)
		if derr := s.mutators.Dispatch(rec.Name, stx, rec.Args); derr != nil {
			s.logger.Warn("mutation dropped",
				"scope", scopeID,
				"client", clientID,
				"mutator", rec.Name,
				"seq", rec.Seq,
				"error", derr,
			)
			reason := derr.Error()
			rejected = append(rejected, sync.Rejection{Seq: rec.Seq, Reason: reason})
			newRejections[rec.Seq] = reason
			if _, xerr := tx.ExecContext(ctx, `
				INSERT INTO rejections (scope, client_id, seq, reason)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(scope, client_id, seq) DO NOTHING
			`, scopeID, clientID, rec.Seq, reason); xerr != nil {
				return sync.PushResult{}, fmt.Errorf("push: write rejection: %w", xerr)
			}
			ack = rec.Seq
			continue
		}
		writes := stx.Commit()
		version++
		for _, f := range writes {
			body, merr := f.MarshalCanonical()
			if merr != nil {
				return sync.PushResult{}, fmt.Errorf("push: encode fact %s: %w", f.ID, merr)
			}
			if _, xerr := tx.ExecContext(ctx, `
				INSERT INTO facts (scope, version, id, body)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(scope, id) DO NOTHING
			`, scopeID, version, f.ID, string(body)); xerr != nil {
				return sync.PushResult{}, fmt.Errorf("push: write fact %s: %w", f.ID, xerr)
			}
		}
		ack = rec.Seq
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO clients (scope, client_id, last_seq)
		VALUES (?, ?, ?)
		ON CONFLICT(scope, client_id) DO UPDATE SET last_seq = excluded.last_seq
	`, scopeID, clientID, ack); err != nil {
		return sync.PushResult{}, fmt.Errorf("push: write ack: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO versions (scope, version)
		VALUES (?, ?)
		ON CONFLICT(scope) DO UPDATE SET version = excluded.version
	`, scopeID, version); err != nil {
		return sync.PushResult{}, fmt.Errorf("push: write version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return sync.PushResult{}, fmt.Errorf("push: %w", err)
	}

	// Commit succeeded; adopt the fork as the live state.
	advanced := version > state.version
	state.store = work
	state.version = version
	state.acks[clientID] = ack
	for seq, reason := range newRejections {
		state.recordRejection(clientID, seq, reason)
	}

	if advanced && s.onCommit != nil {
		s.onCommit(scopeID, version)
	}
	return sync.PushResult{Ack: ack, Rejected: rejected}, nil
}

// Pull returns facts newer than since, the scope's current version, the
// calling client's acknowledgement watermark, and the client's recorded
// rejections. Carrying rejections on the pull covers the client whose
// push response was lost to a network error.
func (s *Server) Pull(ctx context.Context, scopeID, clientID string, since int64) (sync.PullResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadScopeLocked(scopeID)
	if err != nil {
		return sync.PullResult{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM facts
		WHERE scope = ? AND version > ?
		ORDER BY version, rowid
	`, scopeID, since)
	if err != nil {
		return sync.PullResult{}, fmt.Errorf("pull: %w", err)
	}
	defer rows.Close()

	var facts []fact.Fact
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return sync.PullResult{}, fmt.Errorf("pull: %w", err)
		}
		var f fact.Fact
		if err := json.Unmarshal([]byte(body), &f); err != nil {
			return sync.PullResult{}, fmt.Errorf("pull: decode fact: %w", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return sync.PullResult{}, fmt.Errorf("pull: %w", err)
	}

	return sync.PullResult{
		Facts:    facts,
		Version:  state.version,
		Ack:      state.acks[clientID],
		Rejected: state.rejectedList(clientID),
	}, nil
}

func (st *scopeState) rejectedList(clientID string) []sync.Rejection {
	m := st.rejections[clientID]
	if len(m) == 0 {
		return nil
	}
	out := make([]sync.Rejection, 0, len(m))
	for seq, reason := range m {
		out = append(out, sync.Rejection{Seq: seq, Reason: reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Facts returns the full authoritative log of a scope in version order.
func (s *Server) Facts(ctx context.Context, scopeID string) ([]fact.Fact, error) {
	res, err := s.Pull(ctx, scopeID, "", 0)
	if err != nil {
		return nil, err
	}
	return res.Facts, nil
}

// loadScopeLocked returns the in-memory execution state for a scope,
// loading it from the database on first access.
func (s *Server) loadScopeLocked(scopeID string) (*scopeState, error) {
	if state, ok := s.scopes[scopeID]; ok {
		return state, nil
	}

	state := &scopeState{
		store:      factstore.New(s.registry),
		acks:       make(map[string]int64),
		rejections: make(map[string]map[int64]string),
	}

	err := s.db.QueryRow(`SELECT version FROM versions WHERE scope = ?`, scopeID).Scan(&state.version)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("load scope version: %w", err)
	}

	rows, err := s.db.Query(`SELECT body FROM facts WHERE scope = ? ORDER BY version, rowid`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("load scope facts: %w", err)
	}
	defer rows.Close()
	var facts []fact.Fact
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("load scope facts: %w", err)
		}
		var f fact.Fact
		if err := json.Unmarshal([]byte(body), &f); err != nil {
			return nil, fmt.Errorf("decode fact: %w", err)
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load scope facts: %w", err)
	}
	if err := state.store.Ingest(facts); err != nil {
		return nil, fmt.Errorf("replay scope log: %w", err)
	}

	crows, err := s.db.Query(`SELECT client_id, last_seq FROM clients WHERE scope = ?`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("load scope clients: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var id string
		var seq int64
		if err := crows.Scan(&id, &seq); err != nil {
			return nil, fmt.Errorf("load scope clients: %w", err)
		}
		state.acks[id] = seq
	}
	if err := crows.Err(); err != nil {
		return nil, fmt.Errorf("load scope clients: %w", err)
	}

	rrows, err := s.db.Query(`SELECT client_id, seq, reason FROM rejections WHERE scope = ?`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("load scope rejections: %w", err)
	}
	defer rrows.Close()
	for rrows.Next() {
		var id string
		var seq int64
		var reason string
		if err := rrows.Scan(&id, &seq, &reason); err != nil {
			return nil, fmt.Errorf("load scope rejections: %w", err)
		}
		state.recordRejection(id, seq, reason)
	}
	if err := rrows.Err(); err != nil {
		return nil, fmt.Errorf("load scope rejections: %w", err)
	}

	s.scopes[scopeID] = state
	return state, nil
}
