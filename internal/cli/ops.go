package cli

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/library-sync/internal/codec"
	"github.com/example/library-sync/internal/hlc"
	"github.com/example/library-sync/internal/snapshot"
	"github.com/example/library-sync/internal/store"
)

// NewOpsCommand groups the operation log commands.
func NewOpsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Inspect, export and import the operation log",
	}
	cmd.AddCommand(newOpsDumpCommand(opts))
	cmd.AddCommand(newOpsStatsCommand(opts))
	cmd.AddCommand(newOpsExportCommand(opts))
	cmd.AddCommand(newOpsImportCommand(opts))
	return cmd
}

type dumpOptions struct {
	since string
	limit int
	codec string
}

func newOpsDumpCommand(opts *RootOptions) *cobra.Command {
	d := &dumpOptions{}
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print logged operations in (timestamp, node) order",
		Long: `Print logged operations of every kind, one per line.

In text format each line summarizes the operation. In json format each line
is the operation encoded with --codec; binary codecs are base64 encoded.

Examples:
  syncctl ops dump --db ./library.db
  syncctl ops dump --since 7418532077184778240 --limit 100 --format json
  syncctl ops dump --format json --codec msgpack`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(cmd.Context(), opts, d, cmd)
		},
	}
	cmd.Flags().StringVar(&d.since, "since", "", "only operations after this NTP64 timestamp")
	cmd.Flags().IntVar(&d.limit, "limit", 0, "maximum operations to print (0 = all)")
	cmd.Flags().StringVar(&d.codec, "codec", "json", "encoding for json format (json|msgpack|proto)")
	return cmd
}

func runDump(ctx context.Context, opts *RootOptions, d *dumpOptions, cmd *cobra.Command) error {
	var since hlc.NTP64
	if d.since != "" {
		ts, err := hlc.ParseNTP64(d.since)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --since", err)
		}
		since = ts
	}
	c, err := codec.ByName(d.codec)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --codec", err)
	}

	r, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer r.Close()

	ops, err := r.m.OpsSince(ctx, since, d.limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read operations", err)
	}

	w := cmd.OutOrStdout()
	for _, op := range ops {
		if opts.Format != "json" {
			fmt.Fprintf(w, "%s %s %s %-8s %s\n", op.Timestamp, op.Node, op.ID, op.Typ.Kind(), op.Typ.ModelName())
			continue
		}
		data, err := c.Encode(op)
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("failed to encode operation %s", op.ID), err)
		}
		if c.Name() != "json" {
			data = []byte(base64.StdEncoding.EncodeToString(data))
		}
		fmt.Fprintf(w, "%s\n", data)
	}
	return nil
}

func newOpsStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Count logged operations per log table",
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

			counts, err := store.CountOperations(ctx, r.db)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to count operations", err)
			}
			latest, err := store.MaxTimestamp(ctx, r.db)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read latest timestamp", err)
			}
			res := map[string]any{
				"owned":    counts.Owned,
				"shared":   counts.Shared,
				"relation": counts.Relation,
				"total":    counts.Total(),
				"latest":   latest,
			}
			return opts.formatter(cmd).Emit(res, func(w io.Writer) error {
				fmt.Fprintf(w, "owned     %d\nshared    %d\nrelation  %d\ntotal     %d\nlatest    %s\n",
					counts.Owned, counts.Shared, counts.Relation, counts.Total(), latest)
				return nil
			})
		},
	}
}

func newOpsExportCommand(opts *RootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the whole operation log as a snapshot document",
		Long: `Write every logged operation to a JSON snapshot document, the same format
the server uploads to object storage. Use "-" to write to stdout.

Examples:
  syncctl ops export --out backup.json
  syncctl ops export --out - | gzip > backup.json.gz`,
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

			payload, err := snapshot.Build(ctx, r.m, opts.Library)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to build snapshot", err)
			}
			data, err := json.Marshal(payload)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to encode snapshot", err)
			}

			if out == "-" {
				_, err = cmd.OutOrStdout().Write(append(data, '\n'))
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return WrapExitError(ExitCommandError, "failed to write snapshot", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d operations to %s\n", len(payload.Operations), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file, or - for stdout (required)")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newOpsImportCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE...",
		Short: "Ingest operations from snapshot documents",
		Long: `Ingest the operations of one or more snapshot documents, as written by
"ops export" or the server's snapshot worker, in (timestamp, node) order.
Operations already present are skipped, so imports can be repeated.

Exit codes:
  0 - every operation was applied or was already present
  1 - some operations were parked or failed
  2 - command error`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			payloads := make([]snapshot.Payload, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read snapshot", err)
				}
				payload, err := snapshot.DecodePayload(data)
				if err != nil {
					return WrapExitError(ExitCommandError, fmt.Sprintf("failed to decode %s", path), err)
				}
				if payload.Library != "" && payload.Library != opts.Library {
					return NewExitError(ExitCommandError, fmt.Sprintf("%s belongs to library %q, not %q", path, payload.Library, opts.Library))
				}
				payloads = append(payloads, payload)
			}

			r, err := opts.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			res, err := snapshot.Ingest(ctx, r.m, payloads, opts.logger(cmd))
			if err != nil {
				return WrapExitError(ExitCommandError, "import aborted", err)
			}
			if err := opts.formatter(cmd).Emit(res, func(w io.Writer) error {
				fmt.Fprintf(w, "operations %d\napplied    %d\nparked     %d\nfailed     %d\n",
					res.Operations, res.Applied, res.Parked, res.Failed)
				return nil
			}); err != nil {
				return err
			}
			if res.Parked > 0 || res.Failed > 0 {
				return NewExitError(ExitFailure, "some operations were not applied")
			}
			return nil
		},
	}
}
