package sync

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Mutate after Close.
var ErrClosed = errors.New("sync engine closed")

// RejectedMutationError reports a mutation the server (or a replay)
// dropped permanently. It is surfaced through the rejection callback,
// never retried.
type RejectedMutationError struct {
	Record MutationRecord
	Reason string
}

func (e *RejectedMutationError) Error() string {
	return fmt.Sprintf("mutation %q (seq %d) rejected: %s", e.Record.Name, e.Record.Seq, e.Reason)
}

// IsRejected reports whether err is (or wraps) a permanent rejection.
func IsRejected(err error) bool {
	var re *RejectedMutationError
	return errors.As(err, &re)
}
