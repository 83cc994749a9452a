package mutator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/leafsync/internal/fact"
	"github.com/roach88/leafsync/internal/factstore"
	"github.com/roach88/leafsync/internal/schema"
)

func docScope() factstore.Scope {
	return factstore.Scope{Identity: "tester", Writable: map[string]bool{"set-1": true}}
}

// seededStore returns a store bootstrapped with one root and one heading
// block, the state a fresh document scope starts from.
func seededStore(t *testing.T) *factstore.Store {
	t.Helper()
	s := factstore.New(schema.Leaflet())
	tx := s.Begin(docScope())
	require.NoError(t, Leaflet().Dispatch(SeedDoc, tx, fact.Object{
		"root":            fact.ArgString("root-1"),
		"set":             fact.ArgString("set-1"),
		"headingEntityID": fact.ArgString("h-1"),
	}))
	tx.Commit()
	return s
}

func TestSeedDoc(t *testing.T) {
	s := seededStore(t)

	set, ok := s.EntitySet("root-1")
	require.True(t, ok)
	assert.Equal(t, "set-1", set)

	blocks := s.OrderedChildren("root-1", schema.AttrCardBlock)
	require.Len(t, blocks, 1)
	assert.Equal(t, "h-1", blocks[0].Target())
	assert.Equal(t, "a0", blocks[0].Position)

	typ, ok := s.CurrentValue("h-1", schema.AttrBlockType)
	require.True(t, ok)
	assert.Equal(t, fact.Union{Case: schema.BlockHeading}, typ.Value)

	lvl, ok := s.CurrentValue("h-1", schema.AttrHeadingLevel)
	require.True(t, ok)
	assert.Equal(t, fact.Int(1), lvl.Value)
}

func TestAddBlock(t *testing.T) {
	s := seededStore(t)

	tx := s.Begin(docScope())
	require.NoError(t, Leaflet().Dispatch(AddBlock, tx, fact.Object{
		"parent":      fact.ArgString("root-1"),
		"position":    fact.ArgString("a1"),
		"newEntityID": fact.ArgString("b-1"),
	}))
	tx.Commit()

	blocks := s.OrderedChildren("root-1", schema.AttrCardBlock)
	require.Len(t, blocks, 2)
	assert.Equal(t, "h-1", blocks[0].Target())
	assert.Equal(t, "b-1", blocks[1].Target())

	// New block inherits the parent's set and defaults to a text block.
	set, ok := s.EntitySet("b-1")
	require.True(t, ok)
	assert.Equal(t, "set-1", set)
	typ, ok := s.CurrentValue("b-1", schema.AttrBlockType)
	require.True(t, ok)
	assert.Equal(t, fact.Union{Case: schema.BlockText}, typ.Value)
}

func TestAddBlock_ExplicitTypeAndFactID(t *testing.T) {
	s := seededStore(t)

	tx := s.Begin(docScope())
	require.NoError(t, Leaflet().Dispatch(AddBlock, tx, fact.Object{
		"parent":      fact.ArgString("root-1"),
		"position":    fact.ArgString("a1"),
		"newEntityID": fact.ArgString("b-1"),
		"factID":      fact.ArgString("f-link"),
		"type":        fact.ArgString(schema.BlockImage),
	}))
	writes := tx.Commit()

	var ids []string
	for _, f := range writes {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"b-1-set", "f-link", "b-1-type"}, ids)

	typ, ok := s.CurrentValue("b-1", schema.AttrBlockType)
	require.True(t, ok)
	assert.Equal(t, fact.Union{Case: schema.BlockImage}, typ.Value)
}

func TestAddBlock_PermissionDeniedWritesNothing(t *testing.T) {
	s := seededStore(t)
	before := s.Len()

	tx := s.Begin(factstore.Scope{Identity: "outsider"})
	err := Leaflet().Dispatch(AddBlock, tx, fact.Object{
		"parent":      fact.ArgString("root-1"),
		"position":    fact.ArgString("a1"),
		"newEntityID": fact.ArgString("b-1"),
	})
	require.Error(t, err)
	assert.True(t, factstore.IsPermission(err))
	assert.Empty(t, tx.Writes())
	assert.Equal(t, before, s.Len())
}

func TestRemoveBlock(t *testing.T) {
	s := seededStore(t)

	tx := s.Begin(docScope())
	require.NoError(t, Leaflet().Dispatch(RemoveBlock, tx, fact.Object{
		"parent": fact.ArgString("root-1"),
		"entity": fact.ArgString("h-1"),
	}))
	tx.Commit()

	assert.Empty(t, s.OrderedChildren("root-1", schema.AttrCardBlock))
	_, ok := s.CurrentValue("h-1", schema.AttrBlockType)
	assert.False(t, ok, "removed block's own facts are retracted")
}

func TestMoveBlock(t *testing.T) {
	s := seededStore(t)

	tx := s.Begin(docScope())
	require.NoError(t, Leaflet().Dispatch(AddBlock, tx, fact.Object{
		"parent":      fact.ArgString("root-1"),
		"position":    fact.ArgString("a1"),
		"newEntityID": fact.ArgString("b-1"),
	}))
	tx.Commit()

	// Move the heading after the new block.
	tx = s.Begin(docScope())
	require.NoError(t, Leaflet().Dispatch(MoveBlock, tx, fact.Object{
		"parent":   fact.ArgString("root-1"),
		"entity":   fact.ArgString("h-1"),
		"position": fact.ArgString("a2"),
		"factID":   fact.ArgString("f-move"),
	}))
	tx.Commit()

	blocks := s.OrderedChildren("root-1", schema.AttrCardBlock)
	require.Len(t, blocks, 2)
	assert.Equal(t, "b-1", blocks[0].Target())
	assert.Equal(t, "h-1", blocks[1].Target())
}

func TestAssertAndRetractFact(t *testing.T) {
	s := seededStore(t)

	tx := s.Begin(docScope())
	require.NoError(t, Leaflet().Dispatch(AssertFact, tx, fact.Object{
		"entity":    fact.ArgString("h-1"),
		"attribute": fact.ArgString(schema.AttrBlockText),
		"data":      fact.ArgValue{Value: fact.Blob{Format: "text-doc", Data: "aGVsbG8"}},
		"factID":    fact.ArgString("f-text"),
	}))
	tx.Commit()

	cur, ok := s.CurrentValue("h-1", schema.AttrBlockText)
	require.True(t, ok)
	assert.Equal(t, fact.Blob{Format: "text-doc", Data: "aGVsbG8"}, cur.Value)

	tx = s.Begin(docScope())
	require.NoError(t, Leaflet().Dispatch(RetractFact, tx, fact.Object{
		"entity":    fact.ArgString("h-1"),
		"attribute": fact.ArgString(schema.AttrBlockText),
	}))
	tx.Commit()

	_, ok = s.CurrentValue("h-1", schema.AttrBlockText)
	assert.False(t, ok)
}

func TestRSVPToEvent(t *testing.T) {
	s := seededStore(t)

	tx := s.Begin(docScope())
	require.NoError(t, Leaflet().Dispatch(AddBlock, tx, fact.Object{
		"parent":      fact.ArgString("root-1"),
		"position":    fact.ArgString("a1"),
		"newEntityID": fact.ArgString("rsvp-1"),
		"type":        fact.ArgString(schema.BlockRSVP),
	}))
	require.NoError(t, Leaflet().Dispatch(RSVPToEvent, tx, fact.Object{
		"entity": fact.ArgString("rsvp-1"),
		"status": fact.ArgString(schema.RSVPGoing),
		"factID": fact.ArgString("f-rsvp"),
	}))
	tx.Commit()

	cur, ok := s.CurrentValue("rsvp-1", schema.AttrRSVPStatus)
	require.True(t, ok)
	assert.Equal(t, fact.Union{Case: schema.RSVPGoing}, cur.Value)

	// Changing the answer replaces it.
	tx = s.Begin(docScope())
	require.NoError(t, Leaflet().Dispatch(RSVPToEvent, tx, fact.Object{
		"entity": fact.ArgString("rsvp-1"),
		"status": fact.ArgString(schema.RSVPMaybe),
		"factID": fact.ArgString("f-rsvp2"),
	}))
	tx.Commit()

	cur, ok = s.CurrentValue("rsvp-1", schema.AttrRSVPStatus)
	require.True(t, ok)
	assert.Equal(t, fact.Union{Case: schema.RSVPMaybe}, cur.Value)
}

func TestRSVPToEvent_BadStatusRejected(t *testing.T) {
	s := seededStore(t)

	tx := s.Begin(docScope())
	err := Leaflet().Dispatch(RSVPToEvent, tx, fact.Object{
		"entity": fact.ArgString("root-1"),
		"status": fact.ArgString("PERHAPS"),
		"factID": fact.ArgString("f-rsvp"),
	})
	require.Error(t, err)
	assert.True(t, schema.IsViolation(err))
}

func TestDispatch_UnknownMutator(t *testing.T) {
	s := seededStore(t)
	tx := s.Begin(docScope())

	err := Leaflet().Dispatch("renameEverything", tx, fact.Object{})
	require.Error(t, err)
	assert.True(t, IsUnknownMutator(err))
}

func TestDispatch_InvalidArgs(t *testing.T) {
	s := seededStore(t)

	cases := []struct {
		name string
		args fact.Object
	}{
		{AddBlock, fact.Object{"parent": fact.ArgString("root-1")}},
		{AddBlock, fact.Object{
			"parent": fact.ArgInt(7), "position": fact.ArgString("a1"),
			"newEntityID": fact.ArgString("b-1"),
		}},
		{MoveBlock, fact.Object{"parent": fact.ArgString("root-1")}},
		{AssertFact, fact.Object{
			"entity": fact.ArgString("h-1"), "attribute": fact.ArgString(schema.AttrBlockText),
			"data": fact.ArgString("not an envelope"), "factID": fact.ArgString("f-1"),
		}},
		{RSVPToEvent, fact.Object{"entity": fact.ArgString("h-1")}},
		{SeedDoc, fact.Object{"root": fact.ArgString("r")}},
	}
	for _, tc := range cases {
		tx := s.Begin(docScope())
		err := Leaflet().Dispatch(tc.name, tx, tc.args)
		require.Error(t, err, tc.name)
		assert.True(t, IsInvalidArgs(err), "%s: %v", tc.name, err)
		assert.Empty(t, tx.Writes())
	}
}

func TestRegistry_DuplicateNameRejected(t *testing.T) {
	noop := func(*factstore.Tx, fact.Object) error { return nil }
	_, err := NewRegistry(
		Mutator{Name: "x", Apply: noop},
		Mutator{Name: "x", Apply: noop},
	)
	assert.Error(t, err)
}

// Running the same mutation twice against equal snapshots emits
// byte-identical fact batches.
func TestDeterministicReplay(t *testing.T) {
	args := fact.Object{
		"parent":      fact.ArgString("root-1"),
		"position":    fact.ArgString("a1"),
		"newEntityID": fact.ArgString("b-1"),
	}

	var batches [][]byte
	for i := 0; i < 2; i++ {
		s := seededStore(t)
		tx := s.Begin(docScope())
		require.NoError(t, Leaflet().Dispatch(AddBlock, tx, args))

		var buf []byte
		for _, f := range tx.Commit() {
			b, err := f.MarshalCanonical()
			require.NoError(t, err)
			buf = append(buf, b...)
			buf = append(buf, '\n')
		}
		batches = append(batches, buf)
	}
	assert.Equal(t, string(batches[0]), string(batches[1]))
}
