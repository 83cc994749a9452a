// Package sync runs the client side of a document scope: optimistic local
// mutation, a pending mutation queue, push/pull against the server of
// record, and the rebase that rebuilds speculative state whenever the
// authoritative log advances.
//
// Thread-safety model:
//   - Mutate(), View(), Poke(): safe from any goroutine
//   - all store writes happen under one mutex, a single logical writer
//   - push and pull loops are background goroutines owned by the engine
//
// The visible state is always "authoritative base plus a deterministic
// replay of still-pending mutations in submission order". A pull never
// leaves a stale mix: the speculative overlay is discarded and rebuilt
// from a fork of the new base.
package sync
