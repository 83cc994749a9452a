package mutator

import (
	"fmt"

	"github.com/roach88/leafsync/internal/fact"
	"github.com/roach88/leafsync/internal/factstore"
	"github.com/roach88/leafsync/internal/schema"
)

// Built-in mutator names.
const (
	AddBlock    = "addBlock"
	RemoveBlock = "removeBlock"
	MoveBlock   = "moveBlock"
	AssertFact  = "assertFact"
	RetractFact = "retractFact"
	RSVPToEvent = "rsvpToEvent"
	SeedDoc     = "seedDoc"
)

// Leaflet returns a registry with the built-in document mutators.
func Leaflet() *Registry {
	r, err := NewRegistry(
		Mutator{Name: AddBlock, Apply: addBlock},
		Mutator{Name: RemoveBlock, Apply: removeBlock},
		Mutator{Name: MoveBlock, Apply: moveBlock},
		Mutator{Name: AssertFact, Apply: assertFact},
		Mutator{Name: RetractFact, Apply: retractFact},
		Mutator{Name: RSVPToEvent, Apply: rsvpToEvent},
		Mutator{Name: SeedDoc, Apply: seedDoc},
	)
	if err != nil {
		panic(err) // static declarations, cannot fail
	}
	return r
}

// Secondary fact IDs are derived from the IDs passed in the arguments so
// every run of a mutation writes the same identifiers.
func derivedID(base, suffix string) string {
	return base + "-" + suffix
}

// addBlock creates a block entity and links it into the parent's block
// list at the given position. The new entity joins the parent's set
// unless permission_set names another one.
func addBlock(tx *factstore.Tx, args fact.Object) error {
	parent, err := args.GetString("parent")
	if err != nil {
		return invalidArgs(AddBlock, err)
	}
	position, err := args.GetString("position")
	if err != nil {
		return invalidArgs(AddBlock, err)
	}
	entity, err := args.GetString("newEntityID")
	if err != nil {
		return invalidArgs(AddBlock, err)
	}
	factID, err := args.OptionalString("factID")
	if err != nil {
		return invalidArgs(AddBlock, err)
	}
	if factID == "" {
		factID = derivedID(entity, "blk")
	}
	set, err := args.OptionalString("permission_set")
	if err != nil {
		return invalidArgs(AddBlock, err)
	}
	blockType, err := args.OptionalString("type")
	if err != nil {
		return invalidArgs(AddBlock, err)
	}
	if blockType == "" {
		blockType = schema.BlockText
	}

	if set == "" {
		parentSet, known := tx.View().EntitySet(parent)
		if !known {
			return fmt.Errorf("%s: parent %s: %w", AddBlock, parent,
				&factstore.PermissionError{Entity: parent})
		}
		set = parentSet
	}
	if err := tx.CreateEntity(entity, set); err != nil {
		return fmt.Errorf("%s: %w", AddBlock, err)
	}
	if err := tx.Assert(fact.Fact{
		ID:        factID,
		Entity:    parent,
		Attribute: schema.AttrCardBlock,
		Value:     fact.Ref{Entity: entity},
		Position:  position,
	}); err != nil {
		return fmt.Errorf("%s: %w", AddBlock, err)
	}
	if err := tx.Assert(fact.Fact{
		ID:        derivedID(entity, "type"),
		Entity:    entity,
		Attribute: schema.AttrBlockType,
		Value:     fact.Union{Case: blockType},
	}); err != nil {
		return fmt.Errorf("%s: %w", AddBlock, err)
	}
	return nil
}

// removeBlock unlinks a block from its parent and retracts the block
// entity's own facts.
func removeBlock(tx *factstore.Tx, args fact.Object) error {
	parent, err := args.GetString("parent")
	if err != nil {
		return invalidArgs(RemoveBlock, err)
	}
	entity, err := args.GetString("entity")
	if err != nil {
		return invalidArgs(RemoveBlock, err)
	}

	if err := tx.Retract(parent, schema.AttrCardBlock, entity); err != nil {
		return fmt.Errorf("%s: %w", RemoveBlock, err)
	}
	if err := tx.RetractEntity(entity); err != nil {
		return fmt.Errorf("%s: %w", RemoveBlock, err)
	}
	return nil
}

// moveBlock re-links a block at a new position. Asserting a reference to
// an already-linked target retracts the old placement in the same batch.
func moveBlock(tx *factstore.Tx, args fact.Object) error {
	parent, err := args.GetString("parent")
	if err != nil {
		return invalidArgs(MoveBlock, err)
	}
	entity, err := args.GetString("entity")
	if err != nil {
		return invalidArgs(MoveBlock, err)
	}
	position, err := args.GetString("position")
	if err != nil {
		return invalidArgs(MoveBlock, err)
	}
	factID, err := args.GetString("factID")
	if err != nil {
		return invalidArgs(MoveBlock, err)
	}

	if err := tx.Assert(fact.Fact{
		ID:        factID,
		Entity:    parent,
		Attribute: schema.AttrCardBlock,
		Value:     fact.Ref{Entity: entity},
		Position:  position,
	}); err != nil {
		return fmt.Errorf("%s: %w", MoveBlock, err)
	}
	return nil
}

// assertFact writes one attribute value on an entity.
func assertFact(tx *factstore.Tx, args fact.Object) error {
	entity, err := args.GetString("entity")
	if err != nil {
		return invalidArgs(AssertFact, err)
	}
	attribute, err := args.GetString("attribute")
	if err != nil {
		return invalidArgs(AssertFact, err)
	}
	value, err := args.GetValue("data")
	if err != nil {
		return invalidArgs(AssertFact, err)
	}
	factID, err := args.GetString("factID")
	if err != nil {
		return invalidArgs(AssertFact, err)
	}
	position, err := args.OptionalString("position")
	if err != nil {
		return invalidArgs(AssertFact, err)
	}

	if err := tx.Assert(fact.Fact{
		ID:        factID,
		Entity:    entity,
		Attribute: attribute,
		Value:     value,
		Position:  position,
	}); err != nil {
		return fmt.Errorf("%s: %w", AssertFact, err)
	}
	return nil
}

// retractFact tombstones an attribute's live value. For ordered
// references, target selects a single reference.
func retractFact(tx *factstore.Tx, args fact.Object) error {
	entity, err := args.GetString("entity")
	if err != nil {
		return invalidArgs(RetractFact, err)
	}
	attribute, err := args.GetString("attribute")
	if err != nil {
		return invalidArgs(RetractFact, err)
	}
	target, err := args.OptionalString("target")
	if err != nil {
		return invalidArgs(RetractFact, err)
	}

	if err := tx.Retract(entity, attribute, target); err != nil {
		return fmt.Errorf("%s: %w", RetractFact, err)
	}
	return nil
}

// rsvpToEvent records an attendance answer on an RSVP block.
func rsvpToEvent(tx *factstore.Tx, args fact.Object) error {
	entity, err := args.GetString("entity")
	if err != nil {
		return invalidArgs(RSVPToEvent, err)
	}
	status, err := args.GetString("status")
	if err != nil {
		return invalidArgs(RSVPToEvent, err)
	}
	factID, err := args.GetString("factID")
	if err != nil {
		return invalidArgs(RSVPToEvent, err)
	}

	if err := tx.Assert(fact.Fact{
		ID:        factID,
		Entity:    entity,
		Attribute: schema.AttrRSVPStatus,
		Value:     fact.Union{Case: status},
	}); err != nil {
		return fmt.Errorf("%s: %w", RSVPToEvent, err)
	}
	return nil
}

// seedDoc bootstraps a fresh document scope: the root entity joins the
// set, and a level-1 heading block opens the block list at the first
// position.
func seedDoc(tx *factstore.Tx, args fact.Object) error {
	root, err := args.GetString("root")
	if err != nil {
		return invalidArgs(SeedDoc, err)
	}
	set, err := args.GetString("set")
	if err != nil {
		return invalidArgs(SeedDoc, err)
	}
	heading, err := args.GetString("headingEntityID")
	if err != nil {
		return invalidArgs(SeedDoc, err)
	}

	if err := tx.CreateEntity(root, set); err != nil {
		return fmt.Errorf("%s: %w", SeedDoc, err)
	}
	if err := tx.CreateEntity(heading, set); err != nil {
		return fmt.Errorf("%s: %w", SeedDoc, err)
	}
	if err := tx.Assert(fact.Fact{
		ID:        derivedID(heading, "blk"),
		Entity:    root,
		Attribute: schema.AttrCardBlock,
		Value:     fact.Ref{Entity: heading},
		Position:  "a0",
	}); err != nil {
		return fmt.Errorf("%s: %w", SeedDoc, err)
	}
	if err := tx.Assert(fact.Fact{
		ID:        derivedID(heading, "type"),
		Entity:    heading,
		Attribute: schema.AttrBlockType,
		Value:     fact.Union{Case: schema.BlockHeading},
	}); err != nil {
		return fmt.Errorf("%s: %w", SeedDoc, err)
	}
	if err := tx.Assert(fact.Fact{
		ID:        derivedID(heading, "lvl"),
		Entity:    heading,
		Attribute: schema.AttrHeadingLevel,
		Value:     fact.Int(1),
	}); err != nil {
		return fmt.Errorf("%s: %w", SeedDoc, err)
	}
	return nil
}
