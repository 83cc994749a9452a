package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/roach88/leafsync/internal/fact"
	"github.com/roach88/leafsync/internal/factstore"
	"github.com/roach88/leafsync/internal/mutator"
)

const (
	// DefaultPushInterval bounds how long a pending mutation waits before
	// the push loop retries on its own, absent an explicit signal.
	DefaultPushInterval = 2 * time.Second
	// DefaultPullInterval is the polling fallback when no poke arrives.
	DefaultPullInterval = 10 * time.Second
	// DefaultInitialBackoff seeds the retry backoff after a network error.
	DefaultInitialBackoff = 250 * time.Millisecond
	// DefaultMaxBackoff caps the retry backoff.
	DefaultMaxBackoff = 30 * time.Second
)

// ChangeFunc receives a snapshot of the new visible state and the
// (entity, attribute) keys the batch touched. Called outside the engine
// lock; the snapshot is the callback's to keep.
type ChangeFunc func(snap *factstore.Store, changed map[factstore.Key]struct{})

// RejectFunc receives permanently abandoned mutations.
type RejectFunc func(err *RejectedMutationError)

// Engine is the per-scope sync state machine.
type Engine struct {
	scopeID  string
	clientID string
	registry *mutator.Registry
	scope    factstore.Scope
	pusher   Pusher
	puller   Puller
	replica  Replica
	logger   *slog.Logger

	pushInterval    time.Duration
	pullInterval    time.Duration
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	maxPushAttempts int
	onChange        ChangeFunc
	onReject        RejectFunc

	mu      stdsync.Mutex
	base    *factstore.Store // authoritative facts as of version
	view    *factstore.Store // base ⊕ pending replay, what readers see
	pending []pendingRecord  // unacknowledged, submission order
	seq     int64            // last assigned client sequence number
	version int64            // last pulled server version
	closed  bool

	pushSignal chan struct{}
	pullSignal chan struct{}
	cancel     context.CancelFunc
	wg         stdsync.WaitGroup
}

type pendingRecord struct {
	rec  MutationRecord
	sent bool
	// keys the record's writes touched in its most recent application.
	// When the record is abandoned, these are the keys whose visible
	// state just rolled back.
	keys map[factstore.Key]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClientID fixes the client ID instead of generating a ULID.
func WithClientID(id string) Option {
	return func(e *Engine) { e.clientID = id }
}

// WithReplica persists base log and pending queue through r, and restores
// them in New.
func WithReplica(r Replica) Option {
	return func(e *Engine) { e.replica = r }
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithIntervals overrides the push and pull fallback intervals.
func WithIntervals(push, pull time.Duration) Option {
	return func(e *Engine) {
		e.pushInterval = push
		e.pullInterval = pull
	}
}

// WithBackoff overrides the retry backoff bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(e *Engine) {
		e.initialBackoff = initial
		e.maxBackoff = max
	}
}

// WithMaxPushAttempts bounds consecutive failed push attempts. Once a
// batch fails n pushes in a row it is abandoned: the rejection callback
// fires and the speculative overlay rolls back. Zero, the default,
// retries forever.
func WithMaxPushAttempts(n int) Option {
	return func(e *Engine) { e.maxPushAttempts = n }
}

// WithOnChange registers the change notification callback.
func WithOnChange(f ChangeFunc) Option {
	return func(e *Engine) { e.onChange = f }
}

// WithOnReject registers the rejection callback.
func WithOnReject(f RejectFunc) Option {
	return func(e *Engine) { e.onReject = f }
}

// New builds an engine for one document scope. If a replica is
// configured, persisted state for the scope is restored: the base log,
// version and sequence watermarks, and the pending queue. Restored
// pending records are re-pushed; the server deduplicates by
// (client, seq), so a resend is harmless.
func New(scopeID string, base *factstore.Store, registry *mutator.Registry, scope factstore.Scope, pusher Pusher, puller Puller, opts ...Option) (*Engine, error) {
	e := &Engine{
		scopeID:        scopeID,
		clientID:       NewClientID(),
		registry:       registry,
		scope:          scope,
		pusher:         pusher,
		puller:         puller,
		logger:         slog.Default(),
		pushInterval:   DefaultPushInterval,
		pullInterval:   DefaultPullInterval,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		base:           base,
		pushSignal:     make(chan struct{}, 1),
		pullSignal:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.replica != nil {
		facts, version, pending, seq, err := e.replica.LoadState(scopeID)
		if err != nil {
			return nil, err
		}
		if err := e.base.Ingest(facts); err != nil {
			return nil, err
		}
		e.version = version
		e.seq = seq
		for _, rec := range pending {
			e.pending = append(e.pending, pendingRecord{rec: rec})
		}
	}

	e.rebuildViewLocked()
	return e, nil
}

// ClientID returns the engine's client identity.
func (e *Engine) ClientID() string { return e.clientID }

// Version returns the last pulled server version.
func (e *Engine) Version() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// PendingCount returns the number of unacknowledged mutations.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Snapshot returns an independent copy of the visible state.
func (e *Engine) Snapshot() *factstore.Store {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view.Fork()
}

// Start launches the push and pull loops. Close stops them.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(2)
	go e.pushLoop(ctx)
	go e.pullLoop(ctx)
}

// Close cancels in-flight network operations and stops the loops.
// Pending mutations stay persisted in the replica for the next session.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Poke prompts an immediate pull, typically on a server notification
// that the authoritative version advanced.
func (e *Engine) Poke() {
	select {
	case e.pullSignal <- struct{}{}:
	default:
	}
}

// Mutate runs the named mutator against the current speculative state,
// enqueues the mutation for push, and returns without touching the
// network. A local failure (unknown mutator, bad args, schema or
// permission violation) stages nothing and sends nothing.
func (e *Engine) Mutate(name string, args fact.Object) (MutationRecord, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return MutationRecord{}, ErrClosed
	}

	tx := e.view.Begin(e.scope)
	if err := e.registry.Dispatch(name, tx, args); err != nil {
		e.mu.Unlock()
		return MutationRecord{}, err
	}
	writes := tx.Commit()

	e.seq++
	rec := MutationRecord{
		ID:       newRecordID(),
		ClientID: e.clientID,
		Seq:      e.seq,
		Name:     name,
		Args:     args,
	}
	keys := factstore.Keys(writes)
	e.pending = append(e.pending, pendingRecord{rec: rec, keys: keys})
	e.persistLocked()
	snap, changed := e.notificationLocked(keys)
	e.mu.Unlock()

	e.fireChange(snap, changed)
	select {
	case e.pushSignal <- struct{}{}:
	default:
	}
	return rec, nil
}

// rebuildViewLocked forks the base and replays the pending queue in
// submission order. A record that no longer applies against the new base
// is permanently abandoned. Returns the keys the replay touched,
// including the keys of abandoned records, whose speculative facts the
// view just lost.
func (e *Engine) rebuildViewLocked() map[factstore.Key]struct{} {
	changed := make(map[factstore.Key]struct{})
	e.view = e.base.Fork()
	kept := e.pending[:0]
	for _, p := range e.pending {
		tx := e.view.Begin(e.scope)
		if err := e.registry.Dispatch(p.rec.Name, tx, p.rec.Args); err != nil {
			for k := range p.keys {
				changed[k] = struct{}{}
			}
			e.rejectLocked(p.rec, err.Error())
			continue
		}
		p.keys = factstore.Keys(tx.Commit())
		for k := range p.keys {
			changed[k] = struct{}{}
		}
		kept = append(kept, p)
	}
	e.pending = kept
	return changed
}

// dropPendingLocked abandons the pending records whose sequence numbers
// appear in reasons, then rebuilds the overlay. Returns every key whose
// visible state may have changed, the dropped records' included.
func (e *Engine) dropPendingLocked(reasons map[int64]string) map[factstore.Key]struct{} {
	changed := make(map[factstore.Key]struct{})
	kept := e.pending[:0]
	for _, p := range e.pending {
		if reason, ok := reasons[p.rec.Seq]; ok {
			for k := range p.keys {
				changed[k] = struct{}{}
			}
			e.rejectLocked(p.rec, reason)
			continue
		}
		kept = append(kept, p)
	}
	e.pending = kept
	for k := range e.rebuildViewLocked() {
		changed[k] = struct{}{}
	}
	return changed
}

// applyPull folds authoritative facts into the base, surfaces rejections
// the server recorded for this client, drops acknowledged mutations by
// the server's watermark, and rebases the rest. A rejected record's seq
// sits at or below the ack watermark, so rejections are applied first;
// otherwise the prune would swallow the drop as if it were an accept.
func (e *Engine) applyPull(res PullResult) {
	e.mu.Lock()
	if len(res.Facts) == 0 && res.Version <= e.version && !e.anyAckedLocked(res.Ack) {
		e.mu.Unlock()
		return
	}

	changed := factstore.Keys(res.Facts)
	if err := e.base.Ingest(res.Facts); err != nil {
		// A fact failing schema validation means the registry disagrees
		// with the server. Nothing sane to apply.
		e.mu.Unlock()
		e.logger.Error("pull rejected", "scope", e.scopeID, "error", err)
		return
	}
	if res.Version > e.version {
		e.version = res.Version
	}

	reasons := make(map[int64]string, len(res.Rejected))
	for _, r := range res.Rejected {
		reasons[r.Seq] = r.Reason
	}
	kept := e.pending[:0]
	for _, p := range e.pending {
		if reason, ok := reasons[p.rec.Seq]; ok {
			for k := range p.keys {
				changed[k] = struct{}{}
			}
			e.rejectLocked(p.rec, reason)
			continue
		}
		if p.rec.Seq <= res.Ack {
			continue
		}
		kept = append(kept, p)
	}
	e.pending = kept

	for k := range e.rebuildViewLocked() {
		changed[k] = struct{}{}
	}
	e.persistLocked()
	snap, keys := e.notificationLocked(changed)
	e.mu.Unlock()

	e.fireChange(snap, keys)
}

// applyPushResult marks pushed records in flight and abandons the ones
// the server dropped, rebuilding the overlay so their speculative facts
// disappear.
func (e *Engine) applyPushResult(pushed []MutationRecord, res PushResult) {
	e.mu.Lock()
	for i := range e.pending {
		for _, rec := range pushed {
			if e.pending[i].rec.Seq == rec.Seq {
				e.pending[i].sent = true
			}
		}
	}

	if len(res.Rejected) == 0 {
		e.mu.Unlock()
		return
	}

	rejected := make(map[int64]string, len(res.Rejected))
	for _, r := range res.Rejected {
		rejected[r.Seq] = r.Reason
	}
	changed := e.dropPendingLocked(rejected)
	e.persistLocked()
	snap, keys := e.notificationLocked(changed)
	e.mu.Unlock()

	e.fireChange(snap, keys)
}

// abandonBatch gives up on a batch the push loop could not deliver. The
// records are rejected, the overlay rolls back, and consumers are
// notified exactly as for a server-side rejection.
func (e *Engine) abandonBatch(records []MutationRecord, reason string) {
	e.mu.Lock()
	reasons := make(map[int64]string, len(records))
	for _, rec := range records {
		reasons[rec.Seq] = reason
	}
	changed := e.dropPendingLocked(reasons)
	e.persistLocked()
	snap, keys := e.notificationLocked(changed)
	e.mu.Unlock()

	e.fireChange(snap, keys)
}

func (e *Engine) anyAckedLocked(ack int64) bool {
	for _, p := range e.pending {
		if p.rec.Seq <= ack {
			return true
		}
	}
	return false
}

func (e *Engine) rejectLocked(rec MutationRecord, reason string) {
	e.logger.Warn("mutation abandoned",
		"scope", e.scopeID,
		"mutator", rec.Name,
		"seq", rec.Seq,
		"reason", reason,
	)
	if e.onReject != nil {
		err := &RejectedMutationError{Record: rec, Reason: reason}
		go e.onReject(err)
	}
}

func (e *Engine) persistLocked() {
	if e.replica == nil {
		return
	}
	recs := make([]MutationRecord, len(e.pending))
	for i, p := range e.pending {
		recs[i] = p.rec
	}
	if err := e.replica.SaveState(e.scopeID, e.base.Facts(), e.version, recs, e.seq); err != nil {
		// Persistence is a cache; losing it costs a refetch, not data.
		e.logger.Error("replica save failed", "scope", e.scopeID, "error", err)
	}
}

func (e *Engine) notificationLocked(changed map[factstore.Key]struct{}) (*factstore.Store, map[factstore.Key]struct{}) {
	if e.onChange == nil || len(changed) == 0 {
		return nil, nil
	}
	return e.view.Fork(), changed
}

func (e *Engine) fireChange(snap *factstore.Store, changed map[factstore.Key]struct{}) {
	if snap == nil {
		return
	}
	e.onChange(snap, changed)
}

func (e *Engine) unsent() []MutationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []MutationRecord
	for _, p := range e.pending {
		if !p.sent {
			out = append(out, p.rec)
		}
	}
	return out
}

// pushLoop sends unsent mutations in submission order, retrying with
// exponential backoff on network failure. Speculative state stays
// visible unchanged while a push retries; once the configured attempt
// bound is hit the batch is abandoned instead.
func (e *Engine) pushLoop(ctx context.Context) {
	defer e.wg.Done()
	backoff := e.initialBackoff
	attempts := 0
	ticker := time.NewTicker(e.pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.pushSignal:
		case <-ticker.C:
		}

		records := e.unsent()
		if len(records) == 0 {
			continue
		}

		res, err := e.pusher.Push(ctx, e.clientID, records)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			e.logger.Warn("push failed", "scope", e.scopeID, "records", len(records), "attempt", attempts, "error", err)
			if e.maxPushAttempts > 0 && attempts >= e.maxPushAttempts {
				e.abandonBatch(records, fmt.Sprintf("push retries exhausted after %d attempts: %v", attempts, err))
				attempts = 0
				backoff = e.initialBackoff
				continue
			}
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, e.maxBackoff)
			e.signalPush()
			continue
		}
		backoff = e.initialBackoff
		attempts = 0

		e.logger.Debug("push acknowledged", "scope", e.scopeID, "records", len(records), "ack", res.Ack)
		e.applyPushResult(records, res)
		e.Poke()
	}
}

// pullLoop fetches facts past the version watermark on pokes and on the
// fallback interval. A pull failure leaves last-known-good state visible.
func (e *Engine) pullLoop(ctx context.Context) {
	defer e.wg.Done()
	backoff := e.initialBackoff
	ticker := time.NewTicker(e.pullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.pullSignal:
		case <-ticker.C:
		}

		res, err := e.puller.Pull(ctx, e.clientID, e.Version())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("pull failed", "scope", e.scopeID, "error", err)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, e.maxBackoff)
			e.Poke()
			continue
		}
		backoff = e.initialBackoff
		e.applyPull(res)
	}
}

func (e *Engine) signalPush() {
	select {
	case e.pushSignal <- struct{}{}:
	default:
	}
}

// sleep waits d or until ctx is done; reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
