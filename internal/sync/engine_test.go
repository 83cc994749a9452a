package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/leafsync/internal/fact"
	"github.com/roach88/leafsync/internal/factstore"
	"github.com/roach88/leafsync/internal/mutator"
	"github.com/roach88/leafsync/internal/schema"
)

// fakeServer is an in-memory server of record: it executes mutations
// authoritatively, versions every fact, and tracks per-client ack
// watermarks. Records failing execution are dropped with the ack
// advanced, like the real server.
type fakeServer struct {
	mu       stdsync.Mutex
	store    *factstore.Store
	log      []versioned
	version  int64
	acks     map[string]int64
	rejected map[string]map[int64]string
	reg      *mutator.Registry
	scope    factstore.Scope

	pushErr error // when set, Push fails with it
	pullErr error
}

type versioned struct {
	f       fact.Fact
	version int64
}

func newFakeServer(scope factstore.Scope) *fakeServer {
	return &fakeServer{
		store:    factstore.New(schema.Leaflet()),
		acks:     make(map[string]int64),
		rejected: make(map[string]map[int64]string),
		reg:      mutator.Leaflet(),
		scope:    scope,
	}
}

func (s *fakeServer) Push(_ context.Context, clientID string, records []MutationRecord) (PushResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushErr != nil {
		return PushResult{}, s.pushErr
	}
	var rejected []Rejection
	for _, rec := range records {
		if rec.Seq <= s.acks[clientID] {
			if reason, ok := s.rejected[clientID][rec.Seq]; ok {
				rejected = append(rejected, Rejection{Seq: rec.Seq, Reason: reason})
			}
			continue // duplicate push
		}
		tx := s.store.Begin(s.scope)
		if err := s.reg.Dispatch(rec.Name, tx, rec.Args); err != nil {
			rejected = append(rejected, Rejection{Seq: rec.Seq, Reason: err.Error()})
			if s.rejected[clientID] == nil {
				s.rejected[clientID] = make(map[int64]string)
			}
			s.rejected[clientID][rec.Seq] = err.Error()
		} else {
			s.version++
			for _, f := range tx.Commit() {
				s.log = append(s.log, versioned{f: f, version: s.version})
			}
		}
		s.acks[clientID] = rec.Seq
	}
	return PushResult{Ack: s.acks[clientID], Rejected: rejected}, nil
}

func (s *fakeServer) Pull(_ context.Context, clientID string, since int64) (PullResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pullErr != nil {
		return PullResult{}, s.pullErr
	}
	var facts []fact.Fact
	for _, v := range s.log {
		if v.version > since {
			facts = append(facts, v.f)
		}
	}
	var rejected []Rejection
	for seq, reason := range s.rejected[clientID] {
		rejected = append(rejected, Rejection{Seq: seq, Reason: reason})
	}
	return PullResult{Facts: facts, Version: s.version, Ack: s.acks[clientID], Rejected: rejected}, nil
}

func docScope() factstore.Scope {
	return factstore.Scope{Identity: "tester", Writable: map[string]bool{"set-1": true}}
}

func seedArgs(root, heading string) fact.Object {
	return fact.Object{
		"root":            fact.ArgString(root),
		"set":             fact.ArgString("set-1"),
		"headingEntityID": fact.ArgString(heading),
	}
}

func addArgs(parent, entity, position string) fact.Object {
	return fact.Object{
		"parent":      fact.ArgString(parent),
		"position":    fact.ArgString(position),
		"newEntityID": fact.ArgString(entity),
	}
}

func newTestEngine(t *testing.T, srv *fakeServer, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClientID("client-test")}, opts...)
	e, err := New("scope-1", factstore.New(schema.Leaflet()), mutator.Leaflet(), docScope(), srv, srv, opts...)
	require.NoError(t, err)
	return e
}

func TestMutate_OptimisticApplyWithoutNetwork(t *testing.T) {
	srv := newFakeServer(docScope())
	srv.pushErr = fmt.Errorf("network down")
	srv.pullErr = fmt.Errorf("network down")
	e := newTestEngine(t, srv)

	rec, err := e.Mutate(mutator.SeedDoc, seedArgs("root-1", "h-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Seq)

	snap := e.Snapshot()
	blocks := snap.OrderedChildren("root-1", schema.AttrCardBlock)
	require.Len(t, blocks, 1, "optimistic result visible before any round trip")
	assert.Equal(t, 1, e.PendingCount())
}

func TestMutate_LocalRejectionSendsNothing(t *testing.T) {
	srv := newFakeServer(docScope())
	e := newTestEngine(t, srv)

	_, err := e.Mutate(mutator.SeedDoc, seedArgs("root-1", "h-1"))
	require.NoError(t, err)

	// Writing into a set outside the scope fails before anything is staged.
	_, err = e.Mutate(mutator.AddBlock, fact.Object{
		"parent":         fact.ArgString("root-1"),
		"position":       fact.ArgString("a1"),
		"newEntityID":    fact.ArgString("b-1"),
		"permission_set": fact.ArgString("someone-elses"),
	})
	require.Error(t, err)
	assert.True(t, factstore.IsPermission(err))
	assert.Equal(t, 1, e.PendingCount())

	snap := e.Snapshot()
	assert.Len(t, snap.OrderedChildren("root-1", schema.AttrCardBlock), 1)
}

func TestMutate_UnknownMutator(t *testing.T) {
	e := newTestEngine(t, newFakeServer(docScope()))
	_, err := e.Mutate("definitelyNot", fact.Object{})
	assert.True(t, mutator.IsUnknownMutator(err))
	assert.Zero(t, e.PendingCount())
}

// pushOnce drives one manual push round without the background loops.
func pushOnce(t *testing.T, e *Engine, srv *fakeServer) {
	t.Helper()
	records := e.unsent()
	res, err := srv.Push(context.Background(), e.ClientID(), records)
	require.NoError(t, err)
	e.applyPushResult(records, res)
}

func pullOnce(t *testing.T, e *Engine, srv *fakeServer) {
	t.Helper()
	res, err := srv.Pull(context.Background(), e.ClientID(), e.Version())
	require.NoError(t, err)
	e.applyPull(res)
}

func TestPull_AckPrunesPending(t *testing.T) {
	srv := newFakeServer(docScope())
	e := newTestEngine(t, srv)

	_, err := e.Mutate(mutator.SeedDoc, seedArgs("root-1", "h-1"))
	require.NoError(t, err)
	pushOnce(t, e, srv)
	require.Equal(t, 1, e.PendingCount(), "acked but not yet pulled stays pending")

	pullOnce(t, e, srv)
	assert.Zero(t, e.PendingCount())

	snap := e.Snapshot()
	assert.Len(t, snap.OrderedChildren("root-1", schema.AttrCardBlock), 1)
}

// The rebase property: after a pull, the visible state equals the
// authoritative base plus a replay of still-pending mutations in
// submission order.
func TestRebase_Equivalence(t *testing.T) {
	srv := newFakeServer(docScope())
	a := newTestEngine(t, srv, WithClientID("client-a"))
	b := newTestEngine(t, srv, WithClientID("client-b"))

	// Client A seeds and syncs fully.
	_, err := a.Mutate(mutator.SeedDoc, seedArgs("root-1", "h-1"))
	require.NoError(t, err)
	pushOnce(t, a, srv)
	pullOnce(t, a, srv)
	pullOnce(t, b, srv)

	// Both clients append concurrently; B syncs first.
	_, err = b.Mutate(mutator.AddBlock, addArgs("root-1", "b-from-b", "a1"))
	require.NoError(t, err)
	pushOnce(t, b, srv)

	_, err = a.Mutate(mutator.AddBlock, addArgs("root-1", "b-from-a", "a2"))
	require.NoError(t, err)

	// A's pull interleaves B's mutation under its pending one.
	pullOnce(t, a, srv)
	require.Equal(t, 1, a.PendingCount())

	// Reference computation: authoritative facts, then A's pending replay.
	ref := factstore.New(schema.Leaflet())
	res, err := srv.Pull(context.Background(), "other", 0)
	require.NoError(t, err)
	require.NoError(t, ref.Ingest(res.Facts))
	tx := ref.Begin(docScope())
	require.NoError(t, mutator.Leaflet().Dispatch(mutator.AddBlock, tx, addArgs("root-1", "b-from-a", "a2")))
	tx.Commit()

	snap := a.Snapshot()
	wantBlocks := ref.OrderedChildren("root-1", schema.AttrCardBlock)
	gotBlocks := snap.OrderedChildren("root-1", schema.AttrCardBlock)
	require.Equal(t, len(wantBlocks), len(gotBlocks))
	for i := range wantBlocks {
		assert.Equal(t, wantBlocks[i].ID, gotBlocks[i].ID)
		assert.Equal(t, wantBlocks[i].Target(), gotBlocks[i].Target())
	}
}

// Two clients allocating the same position for different blocks both
// survive; the (position, fact id) tie-break gives a stable total order.
func TestConcurrentSamePosition_NoDataLoss(t *testing.T) {
	srv := newFakeServer(docScope())
	a := newTestEngine(t, srv, WithClientID("client-a"))
	b := newTestEngine(t, srv, WithClientID("client-b"))

	_, err := a.Mutate(mutator.SeedDoc, seedArgs("root-1", "h-1"))
	require.NoError(t, err)
	pushOnce(t, a, srv)
	pullOnce(t, a, srv)
	pullOnce(t, b, srv)

	_, err = a.Mutate(mutator.AddBlock, addArgs("root-1", "blk-a", "a1"))
	require.NoError(t, err)
	_, err = b.Mutate(mutator.AddBlock, addArgs("root-1", "blk-b", "a1"))
	require.NoError(t, err)

	pushOnce(t, a, srv)
	pushOnce(t, b, srv)
	pullOnce(t, a, srv)
	pullOnce(t, b, srv)

	for _, e := range []*Engine{a, b} {
		blocks := e.Snapshot().OrderedChildren("root-1", schema.AttrCardBlock)
		require.Len(t, blocks, 3, "no concurrent insert is lost")
		assert.Equal(t, "h-1", blocks[0].Target())
		// Equal positions order by fact id: blk-a's link id sorts first.
		assert.Equal(t, "blk-a", blocks[1].Target())
		assert.Equal(t, "blk-b", blocks[2].Target())
	}
}

func TestPush_RejectionAbandonsSpeculation(t *testing.T) {
	srv := newFakeServer(docScope())
	rejections := make(chan *RejectedMutationError, 1)
	e := newTestEngine(t, srv, WithOnReject(func(err *RejectedMutationError) {
		rejections <- err
	}))

	_, err := e.Mutate(mutator.SeedDoc, seedArgs("root-1", "h-1"))
	require.NoError(t, err)
	pushOnce(t, e, srv)
	pullOnce(t, e, srv)

	// The server stops honoring the client's set, so authoritative
	// execution rejects what the optimistic run accepted.
	srv.mu.Lock()
	srv.scope = factstore.Scope{Identity: "server", Writable: map[string]bool{}}
	srv.mu.Unlock()

	_, err = e.Mutate(mutator.AddBlock, addArgs("root-1", "b-1", "a1"))
	require.NoError(t, err)
	snap := e.Snapshot()
	require.Len(t, snap.OrderedChildren("root-1", schema.AttrCardBlock), 2)

	pushOnce(t, e, srv)

	select {
	case rejErr := <-rejections:
		assert.True(t, IsRejected(rejErr))
		assert.Equal(t, mutator.AddBlock, rejErr.Record.Name)
	case <-time.After(time.Second):
		t.Fatal("rejection callback never fired")
	}

	assert.Zero(t, e.PendingCount())
	snap = e.Snapshot()
	assert.Len(t, snap.OrderedChildren("root-1", schema.AttrCardBlock), 1,
		"abandoned mutation's speculative facts are rolled back")
}

// Rolling back a rejected mutation changes what readers see, so it
// notifies like any other change, carrying the keys the overlay lost.
func TestPush_RejectionRollbackNotifies(t *testing.T) {
	srv := newFakeServer(docScope())
	var calls int
	var lastKeys map[factstore.Key]struct{}
	e := newTestEngine(t, srv, WithOnChange(func(_ *factstore.Store, changed map[factstore.Key]struct{}) {
		calls++
		lastKeys = changed
	}))

	_, err := e.Mutate(mutator.SeedDoc, seedArgs("root-1", "h-1"))
	require.NoError(t, err)
	pushOnce(t, e, srv)
	pullOnce(t, e, srv)

	srv.mu.Lock()
	srv.scope = factstore.Scope{Identity: "server", Writable: map[string]bool{}}
	srv.mu.Unlock()

	_, err = e.Mutate(mutator.AddBlock, addArgs("root-1", "b-1", "a1"))
	require.NoError(t, err)
	before := calls

	pushOnce(t, e, srv)

	require.Equal(t, before+1, calls, "rollback of the rejected overlay notifies consumers")
	assert.Contains(t, lastKeys, factstore.Key{Entity: "root-1", Attribute: schema.AttrCardBlock})
	assert.Contains(t, lastKeys, factstore.Key{Entity: "b-1", Attribute: schema.AttrBlockType})
	assert.Len(t, e.Snapshot().OrderedChildren("root-1", schema.AttrCardBlock), 1)
}

// A push whose response is lost must not read like an accept: the next
// pull carries the server's recorded rejection and the engine surfaces
// it, rolling the overlay back.
func TestPull_SurfacesRejectionAfterLostPushResponse(t *testing.T) {
	srv := newFakeServer(docScope())
	rejections := make(chan *RejectedMutationError, 1)
	e := newTestEngine(t, srv, WithOnReject(func(err *RejectedMutationError) {
		rejections <- err
	}))

	_, err := e.Mutate(mutator.SeedDoc, seedArgs("root-1", "h-1"))
	require.NoError(t, err)
	pushOnce(t, e, srv)
	pullOnce(t, e, srv)

	srv.mu.Lock()
	srv.scope = factstore.Scope{Identity: "server", Writable: map[string]bool{}}
	srv.mu.Unlock()

	_, err = e.Mutate(mutator.AddBlock, addArgs("root-1", "b-1", "a1"))
	require.NoError(t, err)

	// The server processes the push but the response never arrives.
	_, err = srv.Push(context.Background(), e.ClientID(), e.unsent())
	require.NoError(t, err)
	require.Equal(t, 1, e.PendingCount())

	pullOnce(t, e, srv)

	select {
	case rejErr := <-rejections:
		assert.Equal(t, mutator.AddBlock, rejErr.Record.Name)
	case <-time.After(time.Second):
		t.Fatal("pull never surfaced the lost rejection")
	}
	assert.Zero(t, e.PendingCount())
	assert.Len(t, e.Snapshot().OrderedChildren("root-1", schema.AttrCardBlock), 1)
}

// A batch that keeps failing to reach the server is eventually abandoned
// through the rejection path, not retried forever.
func TestPushLoop_RetryExhaustionAbandons(t *testing.T) {
	srv := newFakeServer(docScope())
	srv.pushErr = fmt.Errorf("server unreachable")
	srv.pullErr = fmt.Errorf("server unreachable")
	rejections := make(chan *RejectedMutationError, 1)
	e := newTestEngine(t, srv,
		WithIntervals(10*time.Millisecond, time.Minute),
		WithBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxPushAttempts(3),
		WithOnReject(func(err *RejectedMutationError) { rejections <- err }),
	)
	e.Start(context.Background())
	defer e.Close()

	_, err := e.Mutate(mutator.SeedDoc, seedArgs("root-1", "h-1"))
	require.NoError(t, err)

	select {
	case rejErr := <-rejections:
		assert.Equal(t, mutator.SeedDoc, rejErr.Record.Name)
		assert.Contains(t, rejErr.Reason, "push retries exhausted")
	case <-time.After(5 * time.Second):
		t.Fatal("push retries were never exhausted")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.PendingCount() == 0 && len(e.Snapshot().OrderedChildren("root-1", schema.AttrCardBlock)) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("abandoned batch's speculative facts were not rolled back")
}

func TestChangeNotification_OnePerBatch(t *testing.T) {
	srv := newFakeServer(docScope())
	var calls int
	var lastKeys map[factstore.Key]struct{}
	e := newTestEngine(t, srv, WithOnChange(func(_ *factstore.Store, changed map[factstore.Key]struct{}) {
		calls++
		lastKeys = changed
	}))

	_, err := e.Mutate(mutator.SeedDoc, seedArgs("root-1", "h-1"))
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "one notification per mutation batch")
	assert.Contains(t, lastKeys, factstore.Key{Entity: "root-1", Attribute: schema.AttrCardBlock})
	assert.Contains(t, lastKeys, factstore.Key{Entity: "h-1", Attribute: schema.AttrBlockType})
}

func TestClose_RejectsFurtherMutations(t *testing.T) {
	srv := newFakeServer(docScope())
	e := newTestEngine(t, srv)
	e.Start(context.Background())
	e.Close()

	_, err := e.Mutate(mutator.SeedDoc, seedArgs("root-1", "h-1"))
	assert.ErrorIs(t, err, ErrClosed)
}

// End-to-end through the background loops: two engines converge via the
// fake server without manual push/pull driving.
func TestLoops_Converge(t *testing.T) {
	srv := newFakeServer(docScope())
	a := newTestEngine(t, srv, WithClientID("client-a"),
		WithIntervals(10*time.Millisecond, 10*time.Millisecond))
	b := newTestEngine(t, srv, WithClientID("client-b"),
		WithIntervals(10*time.Millisecond, 10*time.Millisecond))

	ctx, cancelAll := context.WithCancel(context.Background())
	defer cancelAll()
	a.Start(ctx)
	b.Start(ctx)
	defer a.Close()
	defer b.Close()

	_, err := a.Mutate(mutator.SeedDoc, seedArgs("root-1", "h-1"))
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := b.Snapshot()
		if len(snap.OrderedChildren("root-1", schema.AttrCardBlock)) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client-b never saw client-a's document")
}
