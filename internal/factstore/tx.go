package factstore

import (
	"fmt"

	"github.com/roach88/leafsync/internal/fact"
	"github.com/roach88/leafsync/internal/schema"
)

// TombstoneID derives the retraction fact's ID from the fact it retracts.
// The suffix keeps it unique and ordered after the retracted fact, and
// both the speculative and the authoritative run of a mutation derive the
// same tombstone, so re-delivery deduplicates.
func TombstoneID(retractedID string) string {
	return retractedID + "-r"
}

// Tx accumulates the fact writes of one mutation. Reads during the
// transaction see the store as of Begin plus the writes so far, so a
// mutator can compute positions among siblings it just inserted.
//
// All validation happens as writes are staged; Commit cannot fail. A
// staging error leaves the underlying store untouched.
type Tx struct {
	parent *Store
	view   *Store
	scope  Scope
	writes []fact.Fact
}

// Begin opens a transaction for a caller scope.
func (s *Store) Begin(scope Scope) *Tx {
	return &Tx{parent: s, view: s.Fork(), scope: scope}
}

// View exposes the transaction's read view (store plus staged writes).
func (tx *Tx) View() *Store { return tx.view }

// Writes returns the staged facts in write order.
func (tx *Tx) Writes() []fact.Fact {
	return append([]fact.Fact(nil), tx.writes...)
}

// CreateEntity registers a new entity in an entity set by staging its
// entity/set fact. The set must be writable by the transaction's scope.
func (tx *Tx) CreateEntity(entity, set string) error {
	if entity == "" || set == "" {
		return fmt.Errorf("create entity: empty entity or set")
	}
	if _, known := tx.view.EntitySet(entity); known {
		return fmt.Errorf("create entity: %s already exists", entity)
	}
	if !tx.scope.CanWrite(set) {
		return &PermissionError{Identity: tx.scope.Identity, Entity: entity, Set: set}
	}
	f := fact.Fact{
		ID:        entity + "-set",
		Entity:    entity,
		Attribute: schema.AttrEntitySet,
		Value:     fact.String(set),
	}
	tx.stage(f)
	return nil
}

// Assert stages a fact write. For single-valued attributes the prior live
// fact is tombstoned in the same transaction; for ordered references a
// prior live reference to the same target is tombstoned (move semantics).
func (tx *Tx) Assert(f fact.Fact) error {
	if f.Attribute == schema.AttrEntitySet {
		return fmt.Errorf("assert: entity/set is written via CreateEntity")
	}
	if err := tx.view.Registry().Validate(f); err != nil {
		return err
	}
	if err := tx.checkWritable(f.Entity); err != nil {
		return err
	}
	if tx.view.Contains(f.ID) {
		return fmt.Errorf("assert: duplicate fact id %s", f.ID)
	}

	attr, _ := tx.view.Registry().Lookup(f.Attribute)
	switch attr.Cardinality {
	case schema.One:
		if cur, ok := tx.view.CurrentValue(f.Entity, f.Attribute); ok {
			tx.stage(tombstone(cur))
		}
	case schema.Many:
		for _, child := range tx.view.OrderedChildren(f.Entity, f.Attribute) {
			if child.Target() == f.Target() {
				tx.stage(tombstone(child))
			}
		}
	}

	tx.stage(f)
	return nil
}

// Retract stages tombstones for the live facts of a key. For ordered
// references target selects which reference to retract; an empty target
// retracts all of them. Retracting an absent value is a no-op.
func (tx *Tx) Retract(entity, attribute, target string) error {
	if attribute == schema.AttrEntitySet {
		return fmt.Errorf("retract: entity/set cannot be retracted")
	}
	if _, ok := tx.view.Registry().Lookup(attribute); !ok {
		return &schema.ViolationError{Attribute: attribute, Reason: "unknown attribute"}
	}
	if err := tx.checkWritable(entity); err != nil {
		return err
	}

	for _, f := range tx.view.liveForKey(key{entity: entity, attribute: attribute}) {
		if target != "" && f.Target() != target {
			continue
		}
		tx.stage(tombstone(f))
	}
	return nil
}

// RetractEntity stages tombstones for every live fact of an entity.
// Cascade to referencing facts is the caller's job, as is retracting the
// references that point at the entity from elsewhere.
func (tx *Tx) RetractEntity(entity string) error {
	if err := tx.checkWritable(entity); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, f := range tx.view.FactsForEntity(entity) {
		if f.Attribute == schema.AttrEntitySet || seen[f.Attribute] {
			continue
		}
		seen[f.Attribute] = true
		for _, live := range tx.view.liveForKey(key{entity: entity, attribute: f.Attribute}) {
			tx.stage(tombstone(live))
		}
	}
	return nil
}

// Commit applies the staged writes to the underlying store.
func (tx *Tx) Commit() []fact.Fact {
	for _, f := range tx.writes {
		tx.parent.append(f)
	}
	return tx.Writes()
}

func (tx *Tx) stage(f fact.Fact) {
	tx.view.append(f)
	tx.writes = append(tx.writes, f)
}

func (tx *Tx) checkWritable(entity string) error {
	set, known := tx.view.EntitySet(entity)
	if !known {
		return &PermissionError{Identity: tx.scope.Identity, Entity: entity}
	}
	if !tx.scope.CanWrite(set) {
		return &PermissionError{Identity: tx.scope.Identity, Entity: entity, Set: set}
	}
	return nil
}

// tombstone builds the retraction fact for a live fact.
func tombstone(f fact.Fact) fact.Fact {
	return fact.Fact{
		ID:        TombstoneID(f.ID),
		Entity:    f.Entity,
		Attribute: f.Attribute,
		Value:     f.Value,
		Position:  f.Position,
		Retracted: true,
	}
}

// Append transactionally adds raw facts: all writes validate against the
// schema, the caller's scope, and the single-value invariant, or none
// apply. Unlike Tx.Assert it does not tombstone prior values; callers of
// the raw contract supply their own retractions.
func (s *Store) Append(writes []fact.Fact, scope Scope) error {
	view := s.Fork()
	touched := make(map[key]bool)
	for _, f := range writes {
		if err := view.Registry().Validate(f); err != nil {
			return err
		}
		if f.Attribute == schema.AttrEntitySet {
			set, _ := f.Value.(fact.String)
			if _, known := view.EntitySet(f.Entity); known {
				return fmt.Errorf("append: %s already has a set", f.Entity)
			}
			if !scope.CanWrite(string(set)) {
				return &PermissionError{Identity: scope.Identity, Entity: f.Entity, Set: string(set)}
			}
		} else {
			set, known := view.EntitySet(f.Entity)
			if !known {
				return &PermissionError{Identity: scope.Identity, Entity: f.Entity}
			}
			if !scope.CanWrite(set) {
				return &PermissionError{Identity: scope.Identity, Entity: f.Entity, Set: set}
			}
		}
		view.append(f)
		touched[key{entity: f.Entity, attribute: f.Attribute}] = true
	}

	for k := range touched {
		attr, ok := view.Registry().Lookup(k.attribute)
		if !ok || attr.Cardinality != schema.One {
			continue
		}
		if len(view.liveForKey(k)) > 1 {
			return &CardinalityError{Entity: k.entity, Attribute: k.attribute}
		}
	}

	for _, f := range writes {
		s.append(f)
	}
	return nil
}
