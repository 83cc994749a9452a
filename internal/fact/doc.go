// Package fact defines the atomic unit of document state: immutable,
// versioned entity-attribute-value facts with a closed, tagged value union.
//
// Facts are never mutated or deleted. A value is superseded by appending a
// newer fact for the same (entity, attribute) key, and removed by appending
// a retraction tombstone. The "current" state of a document is always a pure
// function of its fact log.
//
// All serialization that feeds identity, storage, or the wire goes through
// MarshalCanonical (RFC 8785 canonical JSON: UTF-16 key ordering, NFC
// normalized strings, no HTML escaping, no floats). This is what makes the
// client's speculative execution and the server's authoritative execution
// byte-comparable.
package fact
