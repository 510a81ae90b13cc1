package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/example/library-sync/internal/library"
)

// NewStateCommand creates the state command.
func NewStateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the synced view of the library",
		Long: `Show every synced row keyed by model and canonical id. Two replicas have
converged when their json output is identical.

Examples:
  syncctl state --format json > a.json
  syncctl state --db other.db --format json | diff a.json -`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r, err := opts.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			state, err := library.ReadState(ctx, r.db)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read state", err)
			}
			return opts.formatter(cmd).Emit(state, func(w io.Writer) error {
				models := make([]string, 0, len(state))
				for model := range state {
					models = append(models, model)
				}
				sort.Strings(models)
				for _, model := range models {
					fmt.Fprintf(w, "%-12s %d\n", model, len(state[model]))
				}
				return nil
			})
		},
	}
}
