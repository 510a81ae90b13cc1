package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/library-sync/internal/library"
	"github.com/example/library-sync/internal/store"
	syncstate "github.com/example/library-sync/internal/sync"
	"github.com/example/library-sync/internal/types"
)

type fixture struct {
	m   *syncstate.Manager
	lib *library.Library
	srv *httptest.Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	reg, err := library.NewRegistry()
	require.NoError(t, err)
	m, err := syncstate.New(ctx, db, reg, uuid.New(), zerolog.Nop(), syncstate.WithOutboundBuffer(1024))
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(m, zerolog.Nop(), cfg))
	t.Cleanup(func() {
		m.Close()
		srv.Close()
		db.Close()
	})
	return &fixture{m: m, lib: library.New(m), srv: srv}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Config{})

	var body healthResponse
	require.Equal(t, http.StatusOK, f.get(t, "/health", &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, f.m.Node().String(), body.Node)

	down := newFixture(t, Config{Health: func(context.Context) error { return errors.New("redis unreachable") }})
	resp, err := http.Get(down.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var degraded healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&degraded))
	assert.Equal(t, "degraded", degraded.Status)
	assert.Equal(t, "redis unreachable", degraded.Error)
}

type opsBody struct {
	Operations []json.RawMessage `json:"operations"`
	Latest     uint64            `json:"latest"`
}

func decodeOps(t *testing.T, body opsBody) []types.CRDTOperation {
	t.Helper()
	out := make([]types.CRDTOperation, 0, len(body.Operations))
	for _, raw := range body.Operations {
		var op types.CRDTOperation
		require.NoError(t, json.Unmarshal(raw, &op))
		out = append(out, op)
	}
	return out
}

func TestOps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	var empty opsBody
	require.Equal(t, http.StatusOK, f.get(t, "/ops", &empty))
	assert.Empty(t, empty.Operations)
	assert.NotNil(t, empty.Operations)

	tag, err := f.lib.CreateTag(ctx, uuid.New(), types.Fields(types.F("name", "inbox")))
	require.NoError(t, err)
	require.NoError(t, f.lib.Update(ctx, tag, "name", "archive"))
	require.NoError(t, f.lib.SaveVolumes(ctx, []syncstate.OwnedRecord[library.VolumeSyncID]{
		{ID: library.VolumeSyncID{PubID: uuid.New()}, Values: types.Fields(types.F("name", "disk0"))},
	}))

	var all opsBody
	require.Equal(t, http.StatusOK, f.get(t, "/ops", &all))
	ops := decodeOps(t, all)
	require.Len(t, ops, 3)
	assert.Equal(t, uint64(ops[2].Timestamp), all.Latest)

	var limited opsBody
	require.Equal(t, http.StatusOK, f.get(t, "/ops?limit=1", &limited))
	require.Len(t, limited.Operations, 1)

	var since opsBody
	require.Equal(t, http.StatusOK, f.get(t, "/ops?since="+ops[0].Timestamp.String(), &since))
	assert.Len(t, since.Operations, 2)

	var shared opsBody
	require.Equal(t, http.StatusOK, f.get(t, "/ops/shared", &shared))
	for _, op := range decodeOps(t, shared) {
		_, ok := op.Shared()
		assert.True(t, ok)
	}
	assert.Len(t, shared.Operations, 2)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/ops?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/ops?limit=-3", nil))
}

func TestPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	var body pendingResponse
	require.Equal(t, http.StatusOK, f.get(t, "/pending", &body))
	assert.Zero(t, body.Count)
	assert.Empty(t, body.Entries)

	op := types.CRDTOperation{
		ID:        uuid.New(),
		Node:      uuid.New(),
		Timestamp: f.m.Clock().NewTimestamp().Time,
		Typ: &types.SharedOperation{
			Model:    library.ModelTag,
			RecordID: types.MustValue(library.TagSyncID{PubID: uuid.New()}),
			Data:     types.SharedOperationData{Kind: types.DataUpdate, Field: "name", Value: types.MustValue("x")},
		},
	}
	require.True(t, syncstate.IsMissingDependency(f.m.IngestOp(ctx, op)))

	require.Equal(t, http.StatusOK, f.get(t, "/pending", &body))
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, library.ModelTag, body.Entries[0].Model)
	assert.Equal(t, []uuid.UUID{op.ID}, body.Entries[0].Operations)
}

func TestFeedStreamsOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Feed: FeedConfig{HeartbeatInterval: time.Second}})

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/feed?model=" + library.ModelTag
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, err = f.lib.CreateLocation(ctx, uuid.New(), types.Fields(types.F("name", "Photos")))
	require.NoError(t, err)
	tag, err := f.lib.CreateTag(ctx, uuid.New(), types.Fields(types.F("name", "inbox")))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var op types.CRDTOperation
	require.NoError(t, conn.ReadJSON(&op))

	shared, ok := op.Shared()
	require.True(t, ok)
	assert.Equal(t, library.ModelTag, shared.Model)
	assert.JSONEq(t, string(types.MustValue(tag)), string(shared.RecordID))
}
