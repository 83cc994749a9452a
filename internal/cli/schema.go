package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/leafsync/internal/schema"
)

// VetResult holds the outcome of compiling a schema directory.
type VetResult struct {
	Valid      bool     `json:"valid"`
	Attributes []string `json:"attributes,omitempty"`
}

// NewSchemaCommand creates the schema command group.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Work with attribute declarations",
	}

	cmd.AddCommand(newSchemaVetCommand(rootOpts))

	return cmd
}

func newSchemaVetCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vet <schema-dir>",
		Short: "Compile CUE attribute declarations and report problems",
		Long: `Compile the CUE attribute declarations in a directory.

Reports malformed declarations, unknown value kinds, and duplicate
attribute names. On success lists the compiled attributes.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchemaVet(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runSchemaVet(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	registry, err := schema.LoadDir(dir)
	if err != nil {
		formatter.Error(ErrCodeSchema, err.Error(), nil)
		return WrapExitError(ExitFailure, "schema vet failed", err)
	}

	names := registry.Names()
	formatter.VerboseLog("Compiled %d attribute(s) from %s", len(names), dir)

	if opts.Format == "json" {
		return formatter.Success(VetResult{Valid: true, Attributes: names})
	}

	fmt.Fprintf(formatter.Writer, "ok: %d attribute(s)\n", len(names))
	for _, name := range names {
		fmt.Fprintf(formatter.Writer, "  %s\n", name)
	}
	return nil
}
