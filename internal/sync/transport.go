package sync

import (
	"context"

	"github.com/roach88/leafsync/internal/fact"
)

// Rejection reports a mutation record the server dropped permanently.
type Rejection struct {
	Seq    int64  `json:"seq"`
	Reason string `json:"reason"`
}

// PushResult is the server's answer to a push: the highest client
// sequence number it has processed (accepted or dropped), and any
// records it dropped with reasons.
type PushResult struct {
	Ack      int64       `json:"ack"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// PullResult carries the authoritative facts newer than the requested
// version, the new version watermark, and the server's processed-seq
// watermark for the pulling client. Rejected lists the client's dropped
// records so a client that missed a push response still learns of them;
// the ack watermark alone cannot distinguish a drop from an accept.
type PullResult struct {
	Facts    []fact.Fact `json:"facts"`
	Version  int64       `json:"version"`
	Ack      int64       `json:"ack"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// Pusher submits mutation records to the server of record.
type Pusher interface {
	Push(ctx context.Context, clientID string, records []MutationRecord) (PushResult, error)
}

// Puller fetches authoritative facts newer than a version watermark.
type Puller interface {
	Pull(ctx context.Context, clientID string, since int64) (PullResult, error)
}

// Replica persists a scope's base log and pending queue so a restart
// resumes instead of refetching. Implemented by the SQLite replica.
type Replica interface {
	SaveState(scope string, facts []fact.Fact, version int64, pending []MutationRecord, seq int64) error
	LoadState(scope string) (facts []fact.Fact, version int64, pending []MutationRecord, seq int64, err error)
}
