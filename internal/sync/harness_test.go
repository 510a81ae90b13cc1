package syncstate_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/library-sync/internal/library"
	"github.com/example/library-sync/internal/store"
	syncstate "github.com/example/library-sync/internal/sync"
	"github.com/example/library-sync/internal/types"
)

type replica struct {
	db  *store.DB
	m   *syncstate.Manager
	lib *library.Library
}

func newReplica(t *testing.T, opts ...syncstate.Option) *replica {
	t.Helper()
	return openReplica(t, filepath.Join(t.TempDir(), "library.db"), uuid.New(), opts...)
}

func openReplica(t *testing.T, path string, node uuid.UUID, opts ...syncstate.Option) *replica {
	t.Helper()
	ctx := context.Background()

	db, err := store.OpenSQLite(ctx, path, store.WithRetryDelay(time.Millisecond))
	require.NoError(t, err)
	reg, err := library.NewRegistry()
	require.NoError(t, err)

	opts = append([]syncstate.Option{syncstate.WithOutboundBuffer(1024)}, opts...)
	m, err := syncstate.New(ctx, db, reg, node, zerolog.Nop(), opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		m.Close()
		db.Close()
	})
	return &replica{db: db, m: m, lib: library.New(m)}
}

// exchange ingests every operation logged on from into to.
func exchange(t *testing.T, from, to *replica) {
	t.Helper()
	ctx := context.Background()
	ops, err := from.m.OpsSince(ctx, 0, 0)
	require.NoError(t, err)
	for _, op := range ops {
		require.NoError(t, to.m.IngestOp(ctx, op), "ingest %s", op.ID)
	}
}

func drainOutbound(m *syncstate.Manager) []types.CRDTOperation {
	var ops []types.CRDTOperation
	for {
		select {
		case op := <-m.Outbound():
			ops = append(ops, op)
		default:
			return ops
		}
	}
}

func state(t *testing.T, r *replica) library.State {
	t.Helper()
	s, err := r.lib.State(context.Background())
	require.NoError(t, err)
	return s
}

func key(t *testing.T, id any) string {
	t.Helper()
	raw, err := types.CanonicalID(types.MustValue(id))
	require.NoError(t, err)
	return string(raw)
}

func relationKey(t *testing.T, item, group any) string {
	t.Helper()
	raw, err := types.CanonicalID(types.RelationID(types.MustValue(item), types.MustValue(group)))
	require.NoError(t, err)
	return string(raw)
}

func counts(t *testing.T, r *replica) store.OperationCounts {
	t.Helper()
	c, err := store.CountOperations(context.Background(), r.db)
	require.NoError(t, err)
	return c
}
