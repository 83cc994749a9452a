package sync

import (
	"crypto/rand"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/leafsync/internal/fact"
)

// MutationRecord is one queued mutation: the name and arguments needed to
// re-run it, plus the client sequence number that orders it among the
// client's own mutations.
type MutationRecord struct {
	ID       string      `json:"id"`
	ClientID string      `json:"clientID"`
	Seq      int64       `json:"seq"`
	Name     string      `json:"name"`
	Args     fact.Object `json:"args"`
}

// NewClientID returns a fresh ULID for a client instance. ULIDs sort by
// creation time, which keeps server-side client tables readable.
func NewClientID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// newRecordID returns a ULID for a mutation record.
func newRecordID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
