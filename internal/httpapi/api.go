// Package httpapi exposes the server of record over HTTP: JSON push and
// pull endpoints plus a websocket poke channel that tells connected
// clients a pull is worthwhile. The wire format is the canonical fact
// encoding; transport is an exterior detail the sync engine never sees.
package httpapi

import "github.com/roach88/leafsync/internal/sync"

// PushRequest is the body of POST /sync/{scope}/push.
type PushRequest struct {
	ClientID string                `json:"clientID"`
	Records  []sync.MutationRecord `json:"records"`
}

// PullRequest is the body of POST /sync/{scope}/pull.
type PullRequest struct {
	ClientID string `json:"clientID"`
	Since    int64  `json:"since"`
}

// Poke is one websocket message on /sync/{scope}/poke.
type Poke struct {
	Version int64 `json:"version"`
}

// errorResponse is the JSON body of a non-2xx answer.
type errorResponse struct {
	Error string `json:"error"`
}
