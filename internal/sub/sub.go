// Package sub is the subscription layer: queries register over a store
// snapshot, their read dependencies are recorded, and only queries whose
// dependency set intersects a change batch are recomputed.
package sub

import (
	"sync"

	"github.com/roach88/leafsync/internal/fact"
	"github.com/roach88/leafsync/internal/factstore"
)

// Reader wraps a store snapshot and records every key a query touches.
// Queries read through it exclusively, so the recorded set is exactly the
// query's dependency set.
type Reader struct {
	snap *factstore.Store
	deps map[factstore.Key]struct{}
}

func newReader(snap *factstore.Store) *Reader {
	return &Reader{snap: snap, deps: make(map[factstore.Key]struct{})}
}

func (r *Reader) record(entity, attribute string) {
	r.deps[factstore.Key{Entity: entity, Attribute: attribute}] = struct{}{}
}

// CurrentValue reads the live value of a single-valued key.
func (r *Reader) CurrentValue(entity, attribute string) (fact.Fact, bool) {
	r.record(entity, attribute)
	return r.snap.CurrentValue(entity, attribute)
}

// OrderedChildren reads the live ordered references of a key.
func (r *Reader) OrderedChildren(entity, attribute string) []fact.Fact {
	r.record(entity, attribute)
	return r.snap.OrderedChildren(entity, attribute)
}

// EntitySet reads an entity's set membership.
func (r *Reader) EntitySet(entity string) (string, bool) {
	r.record(entity, "")
	return r.snap.EntitySet(entity)
}

// FactsForEntity reads all facts of an entity. Recorded as an entity-wide
// dependency: any change touching the entity recomputes the query.
func (r *Reader) FactsForEntity(entity string) []fact.Fact {
	r.record(entity, "")
	return r.snap.FactsForEntity(entity)
}

// Query is a pure function of a snapshot. Re-invocation must be
// side-effect-free; the layer runs it once at subscribe time and once per
// intersecting change batch.
type Query func(r *Reader) any

type subscription struct {
	query    Query
	deps     map[factstore.Key]struct{}
	onChange func(result any)
}

// intersects reports whether a change batch touches the dependency set.
// An (entity, "") dependency is entity-wide.
func (s *subscription) intersects(changed map[factstore.Key]struct{}) bool {
	for k := range changed {
		if _, ok := s.deps[k]; ok {
			return true
		}
		if _, ok := s.deps[factstore.Key{Entity: k.Entity}]; ok {
			return true
		}
	}
	return false
}

// Registry tracks active subscriptions for one document scope.
// Safe for concurrent use.
type Registry struct {
	mu   sync.Mutex
	snap *factstore.Store
	subs map[int]*subscription
	next int
}

// NewRegistry starts the layer over an initial snapshot.
func NewRegistry(initial *factstore.Store) *Registry {
	return &Registry{snap: initial, subs: make(map[int]*subscription)}
}

// Subscribe runs the query against the current snapshot and registers it
// for recomputation. Returns the initial result and an unsubscribe
// function; after unsubscribe returns, onChange is never called again.
func (g *Registry) Subscribe(q Query, onChange func(result any)) (any, func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := newReader(g.snap)
	initial := q(r)

	id := g.next
	g.next++
	g.subs[id] = &subscription{query: q, deps: r.deps, onChange: onChange}

	return initial, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.subs, id)
	}
}

// Apply installs a new snapshot and recomputes the queries whose
// dependencies intersect the changed keys, notifying each at most once
// per batch. Shaped to be handed to the sync engine as its change
// callback.
func (g *Registry) Apply(snap *factstore.Store, changed map[factstore.Key]struct{}) {
	g.mu.Lock()
	g.snap = snap
	type pending struct {
		fn     func(any)
		result any
	}
	var fire []pending
	for _, s := range g.subs {
		if !s.intersects(changed) {
			continue
		}
		r := newReader(snap)
		result := s.query(r)
		s.deps = r.deps
		fire = append(fire, pending{fn: s.onChange, result: result})
	}
	g.mu.Unlock()

	for _, p := range fire {
		p.fn(p.result)
	}
}
