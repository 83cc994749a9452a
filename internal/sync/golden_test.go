package sync

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/leafsync/internal/mutator"
)

// A two-client interleaved edit produces a byte-stable authoritative
// fact log: all identifiers in the trace come from the mutation args, so
// the canonical encoding of the log never drifts.
//
// Regenerate with:
//
//	go test ./internal/sync -run TestGolden_TwoClientTrace -update
func TestGolden_TwoClientTrace(t *testing.T) {
	srv := newFakeServer(docScope())
	a := newTestEngine(t, srv, WithClientID("client-a"))
	b := newTestEngine(t, srv, WithClientID("client-b"))

	_, err := a.Mutate(mutator.SeedDoc, seedArgs("root-1", "h-1"))
	require.NoError(t, err)
	_, err = a.Mutate(mutator.AddBlock, addArgs("root-1", "blk-a", "a1"))
	require.NoError(t, err)
	pushOnce(t, a, srv)
	pullOnce(t, b, srv)

	// Client B appends at the same slot concurrently allocated.
	_, err = b.Mutate(mutator.AddBlock, addArgs("root-1", "blk-b", "a1"))
	require.NoError(t, err)
	pushOnce(t, b, srv)
	pullOnce(t, a, srv)
	pullOnce(t, b, srv)

	res, err := srv.Pull(context.Background(), "observer", 0)
	require.NoError(t, err)

	var trace []byte
	for _, f := range res.Facts {
		line, err := f.MarshalCanonical()
		require.NoError(t, err)
		trace = append(trace, line...)
		trace = append(trace, '\n')
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "two_client_trace", trace)
}
