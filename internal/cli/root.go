// Package cli implements syncctl, the operator tool for inspecting and
// moving a library's operation log.
package cli

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/library-sync/internal/library"
	"github.com/example/library-sync/internal/store"
	syncstate "github.com/example/library-sync/internal/sync"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Database string
	Library  string
	Format   string // "json" | "text"
	Verbose  bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for syncctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Inspect and move library operation logs",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", envOr("DATABASE_PATH", "library.db"), "path to the library SQLite database")
	cmd.PersistentFlags().StringVar(&opts.Library, "library", envOr("LIBRARY_ID", "default"), "library id")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(NewIdentityCommand(opts))
	cmd.AddCommand(NewOpsCommand(opts))
	cmd.AddCommand(NewStateCommand(opts))

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (o *RootOptions) logger(cmd *cobra.Command) zerolog.Logger {
	if !o.Verbose {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).With().Timestamp().Logger()
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// replica is an opened library database with its sync manager.
type replica struct {
	db   *store.DB
	node uuid.UUID
	m    *syncstate.Manager
}

func (r *replica) Close() {
	r.m.Close()
	_ = r.db.Close()
}

func (o *RootOptions) open(ctx context.Context, cmd *cobra.Command) (*replica, error) {
	logger := o.logger(cmd)
	db, err := store.OpenSQLite(ctx, o.Database, store.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	host, _ := os.Hostname()
	node, err := db.LocalNode(ctx, host)
	if err != nil {
		db.Close()
		return nil, WrapExitError(ExitCommandError, "failed to read node identity", err)
	}
	reg, err := library.NewRegistry()
	if err != nil {
		db.Close()
		return nil, WrapExitError(ExitCommandError, "failed to build model registry", err)
	}
	m, err := syncstate.New(ctx, db, reg, node, logger)
	if err != nil {
		db.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start sync manager", err)
	}
	return &replica{db: db, node: node, m: m}, nil
}
