package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/example/library-sync/internal/store"
)

type identityResult struct {
	Library string      `json:"library"`
	Node    string      `json:"node"`
	Nodes   []nodeEntry `json:"nodes"`
}

type nodeEntry struct {
	PubID       string `json:"pub_id"`
	Name        string `json:"name"`
	Local       bool   `json:"local"`
	Placeholder bool   `json:"placeholder"`
	DateCreated string `json:"date_created"`
}

// NewIdentityCommand creates the identity command.
func NewIdentityCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Show this node's identity and the nodes known to the library",
		Long: `Show the local node id of the library database, creating it on first use,
together with every node that has written operations seen here. Nodes first
seen through a remote operation are listed as placeholders until they name
themselves.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentity(cmd.Context(), opts, cmd)
		},
	}
}

func runIdentity(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	r, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer r.Close()

	nodes, err := store.Nodes(ctx, r.db)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list nodes", err)
	}
	res := identityResult{Library: opts.Library, Node: r.node.String(), Nodes: make([]nodeEntry, 0, len(nodes))}
	for _, n := range nodes {
		res.Nodes = append(res.Nodes, nodeEntry{
			PubID:       n.PubID.String(),
			Name:        n.Name,
			Local:       n.PubID == r.node,
			Placeholder: n.Name == store.PlaceholderNodeName,
			DateCreated: n.DateCreated,
		})
	}

	return opts.formatter(cmd).Emit(res, func(w io.Writer) error {
		fmt.Fprintf(w, "library %s\nnode    %s\n", res.Library, res.Node)
		for _, n := range res.Nodes {
			marker := " "
			if n.Local {
				marker = "*"
			}
			fmt.Fprintf(w, "%s %s %s\n", marker, n.PubID, n.Name)
		}
		return nil
	})
}
