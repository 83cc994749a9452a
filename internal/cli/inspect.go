package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/leafsync/internal/fact"
	"github.com/roach88/leafsync/internal/factstore"
	"github.com/roach88/leafsync/internal/replica"
	"github.com/roach88/leafsync/internal/schema"
)

// InspectResult holds the current state of one replica scope.
type InspectResult struct {
	Scope   string      `json:"scope"`
	Version int64       `json:"version"`
	Pending int         `json:"pending"`
	Facts   []fact.Fact `json:"facts"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <db> <scope>",
		Short: "Dump the current facts of a replica scope",
		Long: `Dump the current (live) facts stored in a replica database.

Tombstoned facts are filtered out; what remains is the state queries see.
Pending unacknowledged mutations are counted but not replayed.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, args[0], args[1], cmd)
		},
	}

	return cmd
}

func runInspect(opts *RootOptions, dbPath, scope string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if _, err := os.Stat(dbPath); err != nil {
		formatter.Error(ErrCodeNotFound, fmt.Sprintf("database not found: %s", dbPath), nil)
		return WrapExitError(ExitCommandError, "database not found", err)
	}

	rep, err := replica.Open(dbPath)
	if err != nil {
		formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "open replica database", err)
	}
	defer rep.Close()

	facts, version, pending, _, err := rep.LoadState(scope)
	if err != nil {
		formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "load replica state", err)
	}

	formatter.VerboseLog("Loaded %d fact(s) at version %d, %d pending mutation(s)", len(facts), version, len(pending))

	store := factstore.New(schema.Leaflet())
	if err := store.Ingest(facts); err != nil {
		formatter.Error(ErrCodeSchema, err.Error(), nil)
		return WrapExitError(ExitFailure, "replica state does not satisfy schema", err)
	}

	live := store.Live()
	result := InspectResult{
		Scope:   scope,
		Version: version,
		Pending: len(pending),
		Facts:   live,
	}
	if result.Facts == nil {
		result.Facts = []fact.Fact{}
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "scope %s at version %d (%d pending)\n", scope, version, len(pending))
	for _, f := range live {
		line, err := f.MarshalCanonical()
		if err != nil {
			return fmt.Errorf("encode fact %s: %w", f.ID, err)
		}
		fmt.Fprintln(formatter.Writer, string(line))
	}
	return nil
}
