package fact

import "github.com/google/uuid"

// IDGenerator produces fact and entity identifiers.
// Implemented by UUIDv7Generator (production) and SequenceGenerator (tests).
//
// Identifiers are generated by the caller of a mutator, never inside it, so
// the client's speculative run and the server's authoritative run of the
// same mutation produce identical entities and facts.
type IDGenerator interface {
	NewID() string
}

// UUIDv7Generator yields time-sortable UUIDv7 identifiers. Because the
// hyphenated hex form preserves the embedded timestamp ordering, plain
// string comparison of IDs is a deterministic recency tie-break.
type UUIDv7Generator struct{}

func (UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SequenceGenerator returns predetermined identifiers for deterministic
// tests. Panics when exhausted to fail fast on miscounted fixtures.
type SequenceGenerator struct {
	ids []string
	idx int
}

// NewSequenceGenerator creates a generator that returns ids in order.
func NewSequenceGenerator(ids ...string) *SequenceGenerator {
	return &SequenceGenerator{ids: ids}
}

func (g *SequenceGenerator) NewID() string {
	if g.idx >= len(g.ids) {
		panic("SequenceGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
