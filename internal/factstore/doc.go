// Package factstore holds the append-only fact set for one document scope.
//
// The store is pure data: no I/O, no clocks, no randomness. Every read is
// a function of the fact set alone. Liveness is derived, not stored: an
// assertion is live unless a tombstone with a greater fact ID covers its
// key (and, for ordered references, its target). Because fact IDs are
// time-sortable and the rule never consults insertion order, replaying the
// same facts in any order yields the same reads.
//
// Entity-set membership is itself a fact (the entity/set attribute), so it
// persists, replicates, and replays exactly like the rest of the document.
// Writes go through a Tx bound to a caller scope; the store rejects writes
// to entities whose set the scope cannot write.
package factstore
