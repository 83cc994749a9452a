package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/leafsync/internal/fact"
	"github.com/roach88/leafsync/internal/replica"
	"github.com/roach88/leafsync/internal/schema"
	"github.com/roach88/leafsync/internal/sync"
)

func seedReplica(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replica.db")

	rep, err := replica.Open(path)
	require.NoError(t, err)
	defer rep.Close()

	facts := []fact.Fact{
		{ID: "doc-1-set", Entity: "doc-1", Attribute: schema.AttrEntitySet, Value: fact.String("set-1")},
		{ID: "blk-1-set", Entity: "blk-1", Attribute: schema.AttrEntitySet, Value: fact.String("set-1")},
		{ID: "f1", Entity: "doc-1", Attribute: schema.AttrCardBlock, Value: fact.Ref{Entity: "blk-1"}, Position: "a0"},
		{ID: "f2", Entity: "blk-1", Attribute: schema.AttrBlockType, Value: fact.Union{Case: schema.BlockText}},
		// f2 is covered by this tombstone and must not appear in output.
		{ID: "f2-r", Entity: "blk-1", Attribute: schema.AttrBlockType, Value: fact.Union{Case: schema.BlockText}, Retracted: true},
		{ID: "f3", Entity: "blk-1", Attribute: schema.AttrBlockType, Value: fact.Union{Case: schema.BlockHeading}},
	}
	pending := []sync.MutationRecord{{ID: "m1", ClientID: "c1", Seq: 4, Name: "addBlock", Args: fact.Object{}}}
	require.NoError(t, rep.SaveState("doc-1", facts, 7, pending, 4))

	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInspectText(t *testing.T) {
	path := seedReplica(t)

	out, err := runCLI(t, "inspect", path, "doc-1")
	require.NoError(t, err)

	assert.Contains(t, out, "scope doc-1 at version 7 (1 pending)")
	assert.Contains(t, out, `"id":"f1"`)
	assert.Contains(t, out, `"id":"f3"`)
	assert.NotContains(t, out, `"id":"f2"`)
	assert.Contains(t, out, `"position":"a0"`)
}

func TestInspectJSON(t *testing.T) {
	path := seedReplica(t)

	out, err := runCLI(t, "--format", "json", "inspect", path, "doc-1")
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   InspectResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "doc-1", resp.Data.Scope)
	assert.Equal(t, int64(7), resp.Data.Version)
	assert.Equal(t, 1, resp.Data.Pending)
	require.Len(t, resp.Data.Facts, 4)
}

func TestInspectUnknownScope(t *testing.T) {
	path := seedReplica(t)

	out, err := runCLI(t, "inspect", path, "nope")
	require.NoError(t, err)
	assert.Contains(t, out, "scope nope at version 0 (0 pending)")
}

func TestInspectMissingDatabase(t *testing.T) {
	_, err := runCLI(t, "inspect", filepath.Join(t.TempDir(), "absent.db"), "doc-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
