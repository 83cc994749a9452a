package factstore

import (
	"fmt"
	"sort"

	"github.com/roach88/leafsync/internal/fact"
	"github.com/roach88/leafsync/internal/schema"
)

// Scope is a caller capability: which entity sets the caller may write.
// It arrives validated from the identity collaborator; the store only
// enforces it. All grants every set, for trusted server-side callers.
type Scope struct {
	Identity string
	All      bool
	Writable map[string]bool
}

// CanWrite reports whether the scope may write entities in set.
func (s Scope) CanWrite(set string) bool {
	return s.All || s.Writable[set]
}

type key struct {
	entity    string
	attribute string
}

// Key identifies one (entity, attribute) pair. Change notifications and
// query dependency sets are expressed as sets of Keys.
type Key struct {
	Entity    string
	Attribute string
}

// Keys returns the distinct (entity, attribute) pairs the facts touch.
func Keys(facts []fact.Fact) map[Key]struct{} {
	out := make(map[Key]struct{}, len(facts))
	for _, f := range facts {
		out[Key{Entity: f.Entity, Attribute: f.Attribute}] = struct{}{}
	}
	return out
}

// Store is the append-only fact set for one document scope.
// Not safe for concurrent use; the owning sync engine serializes access.
type Store struct {
	registry *schema.Registry
	log      []fact.Fact
	byID     map[string]struct{}
	byKey    map[key][]int // indexes into log, append order
	byEntity map[string][]int
}

// New creates an empty store over the given attribute registry.
func New(registry *schema.Registry) *Store {
	return &Store{
		registry: registry,
		byID:     make(map[string]struct{}),
		byKey:    make(map[key][]int),
		byEntity: make(map[string][]int),
	}
}

// Registry returns the attribute registry the store validates against.
func (s *Store) Registry() *schema.Registry { return s.registry }

// Len returns the number of facts in the log, tombstones included.
func (s *Store) Len() int { return len(s.log) }

// Facts returns the full log in append order. The returned slice is a
// copy; facts themselves are immutable values.
func (s *Store) Facts() []fact.Fact {
	out := make([]fact.Fact, len(s.log))
	copy(out, s.log)
	return out
}

// Fork returns an independent copy of the store. Used to rebuild the
// speculative overlay by replaying pending mutations on a fresh base.
func (s *Store) Fork() *Store {
	f := &Store{
		registry: s.registry,
		log:      make([]fact.Fact, len(s.log)),
		byID:     make(map[string]struct{}, len(s.byID)),
		byKey:    make(map[key][]int, len(s.byKey)),
		byEntity: make(map[string][]int, len(s.byEntity)),
	}
	copy(f.log, s.log)
	for id := range s.byID {
		f.byID[id] = struct{}{}
	}
	for k, idxs := range s.byKey {
		f.byKey[k] = append([]int(nil), idxs...)
	}
	for e, idxs := range s.byEntity {
		f.byEntity[e] = append([]int(nil), idxs...)
	}
	return f
}

// Ingest appends authoritative facts without scope checks. The server of
// record already enforced permissions and cardinality when it executed the
// mutation; the client must not second-guess the ordering it is handed.
// Schema validation still applies: a fact that fails it indicates a
// registry mismatch and poisons the whole batch.
func (s *Store) Ingest(facts []fact.Fact) error {
	for _, f := range facts {
		if err := s.registry.Validate(f); err != nil {
			return fmt.Errorf("ingest fact %s: %w", f.ID, err)
		}
	}
	for _, f := range facts {
		s.append(f)
	}
	return nil
}

// append adds one fact to the log and indexes. Duplicate IDs are ignored:
// re-delivery of an already-known fact is a no-op, which makes pulls and
// replica reloads idempotent.
func (s *Store) append(f fact.Fact) {
	if _, dup := s.byID[f.ID]; dup {
		return
	}
	idx := len(s.log)
	s.log = append(s.log, f)
	s.byID[f.ID] = struct{}{}
	k := key{entity: f.Entity, attribute: f.Attribute}
	s.byKey[k] = append(s.byKey[k], idx)
	s.byEntity[f.Entity] = append(s.byEntity[f.Entity], idx)
}

// Contains reports whether a fact ID is already in the log.
func (s *Store) Contains(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// liveForKey returns the non-retracted assertions for a key: every
// assertion not covered by a tombstone with a greater fact ID (and, for
// ordered references, the same target). Pure function of the fact set.
func (s *Store) liveForKey(k key) []fact.Fact {
	idxs := s.byKey[k]
	if len(idxs) == 0 {
		return nil
	}
	var asserts, tombs []fact.Fact
	for _, i := range idxs {
		f := s.log[i]
		if f.Retracted {
			tombs = append(tombs, f)
		} else {
			asserts = append(asserts, f)
		}
	}
	var live []fact.Fact
	for _, a := range asserts {
		covered := false
		for _, t := range tombs {
			if t.ID <= a.ID {
				continue
			}
			if a.Value.Kind() == fact.KindRef && t.Target() != a.Target() {
				continue
			}
			covered = true
			break
		}
		if !covered {
			live = append(live, a)
		}
	}
	return live
}

// CurrentValue returns the live fact for a single-valued key: the one
// with the greatest fact ID among non-retracted facts. The ID tie-break,
// not insertion order, keeps the answer stable under replay.
func (s *Store) CurrentValue(entity, attribute string) (fact.Fact, bool) {
	live := s.liveForKey(key{entity: entity, attribute: attribute})
	if len(live) == 0 {
		return fact.Fact{}, false
	}
	best := live[0]
	for _, f := range live[1:] {
		if f.ID > best.ID {
			best = f
		}
	}
	return best, true
}

// OrderedChildren returns the live ordered-reference facts for a key,
// sorted by (position, fact ID). Duplicate positions from concurrent
// allocation order deterministically by ID; nothing is lost.
func (s *Store) OrderedChildren(entity, attribute string) []fact.Fact {
	live := s.liveForKey(key{entity: entity, attribute: attribute})
	sort.Slice(live, func(i, j int) bool {
		if live[i].Position != live[j].Position {
			return live[i].Position < live[j].Position
		}
		return live[i].ID < live[j].ID
	})
	return live
}

// Live returns every live fact in the store, sorted by fact ID.
// Tombstones and the assertions they cover are excluded.
func (s *Store) Live() []fact.Fact {
	var out []fact.Fact
	for k := range s.byKey {
		out = append(out, s.liveForKey(k)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FactsForEntity returns every fact naming the entity as subject,
// tombstones included, in append order.
func (s *Store) FactsForEntity(entity string) []fact.Fact {
	idxs := s.byEntity[entity]
	out := make([]fact.Fact, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.log[i])
	}
	return out
}

// EntitySet returns the set an entity belongs to, if it is known.
func (s *Store) EntitySet(entity string) (string, bool) {
	f, ok := s.CurrentValue(entity, schema.AttrEntitySet)
	if !ok {
		return "", false
	}
	set, ok := f.Value.(fact.String)
	if !ok {
		return "", false
	}
	return string(set), true
}
