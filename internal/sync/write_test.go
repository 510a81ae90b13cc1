package syncstate_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/library-sync/internal/library"
	"github.com/example/library-sync/internal/store"
	syncstate "github.com/example/library-sync/internal/sync"
	"github.com/example/library-sync/internal/types"
)

func TestCreateTag_LogsOneSharedCreate(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	pub := uuid.New()

	tag, err := a.lib.CreateTag(ctx, pub, types.Fields(types.F("name", "Favorites")))
	require.NoError(t, err)

	ops, err := a.m.GetOps(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	shared, ok := ops[0].Shared()
	require.True(t, ok)
	assert.Equal(t, library.ModelTag, shared.Model)
	assert.JSONEq(t, `{"pub_id":"`+pub.String()+`"}`, string(shared.RecordID))
	assert.Equal(t, types.DataCreate, shared.Data.Kind)
	assert.Equal(t, a.m.Node(), ops[0].Node)

	tags := state(t, a)[library.ModelTag]
	require.Len(t, tags, 1)
	assert.Equal(t, "Favorites", tags[key(t, tag)]["name"])
}

func TestWriteOps_CommitsLogAndMutationTogether(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	h, ok := a.m.Registry().Record(library.ModelTag)
	require.True(t, ok)

	tag := library.TagSyncID{PubID: uuid.New()}
	ops := []types.CRDTOperation{
		a.m.UniqueSharedCreate(tag, types.Fields(types.F("name", "Work"))),
		a.m.SharedUpdate(tag, "color", types.MustValue("#00ff00")),
	}
	n, err := syncstate.WriteOps(ctx, a.m, ops, func(ctx context.Context, tx *store.Tx) (int, error) {
		if err := h.Create(ctx, tx, types.MustValue(tag), types.Fields(types.F("name", "Work"))); err != nil {
			return 0, err
		}
		return 1, h.Update(ctx, tx, types.MustValue(tag), types.Fields(types.F("color", "#00ff00")))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, store.OperationCounts{Shared: 2}, counts(t, a))

	rec := state(t, a)[library.ModelTag][key(t, tag)]
	assert.Equal(t, "Work", rec["name"])
	assert.Equal(t, "#00ff00", rec["color"])

	sent := drainOutbound(a.m)
	require.Len(t, sent, 2)
	assert.Equal(t, ops[0].ID, sent[0].ID)
	assert.Equal(t, ops[1].ID, sent[1].ID)
}

func TestWriteOps_FailedMutationLeavesNoLog(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	boom := errors.New("disk full")

	tag := library.TagSyncID{PubID: uuid.New()}
	op := a.m.SharedCreate(tag)
	_, err := syncstate.WriteOp(ctx, a.m, op, func(ctx context.Context, tx *store.Tx) (struct{}, error) {
		return struct{}{}, boom
	})
	require.ErrorIs(t, err, boom)

	assert.Zero(t, counts(t, a).Total())
	assert.Empty(t, drainOutbound(a.m))
	assert.Empty(t, state(t, a)[library.ModelTag])
}

func TestWriteOps_InvalidFieldRollsBack(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)

	_, err := a.lib.CreateTag(ctx, uuid.New(), types.Fields(types.F("shape", "round")))
	require.Error(t, err)
	assert.Zero(t, counts(t, a).Total())
}

func TestWriteOps_RejectsForeignOperations(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	op := b.m.SharedCreate(library.TagSyncID{PubID: uuid.New()})
	err := a.m.Write(ctx, []types.CRDTOperation{op}, func(context.Context, *store.Tx) error { return nil })
	assert.True(t, syncstate.IsSerialization(err))
	assert.Zero(t, counts(t, a).Total())
}

func TestWriteOps_BlocksWhileOutboundIsFull(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t, syncstate.WithOutboundBuffer(1))

	_, err := a.lib.CreateTag(ctx, uuid.New(), nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := a.lib.CreateTag(ctx, uuid.New(), nil)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("write returned while outbound channel was full")
	case <-time.After(50 * time.Millisecond):
	}

	<-a.m.Outbound()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("write did not resume after outbound drained")
	}
	assert.EqualValues(t, 2, counts(t, a).Shared)
}

func TestWriteOps_ClosedManagerStillCommits(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t, syncstate.WithOutboundBuffer(0))
	a.m.Close()

	_, err := a.lib.CreateTag(ctx, uuid.New(), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts(t, a).Shared)
}

func TestFactory_TimestampsStrictlyIncrease(t *testing.T) {
	frozen := time.Unix(1_700_000_000, 0)
	a := newReplica(t, syncstate.WithPhysicalClock(func() time.Time { return frozen }))
	tag := library.TagSyncID{PubID: uuid.New()}

	prev := a.m.SharedCreate(tag)
	for i := 0; i < 50; i++ {
		next := a.m.SharedUpdate(tag, "name", types.MustValue(i))
		require.Less(t, prev.Timestamp, next.Timestamp)
		require.NotEqual(t, prev.ID, next.ID)
		prev = next
	}
}

func TestFactory_ShapesOperations(t *testing.T) {
	a := newReplica(t)
	location := library.LocationSyncID{PubID: uuid.New()}
	path := library.FilePathSyncID{Location: location, ID: 5}

	op := a.m.SharedUpdate(path, "name", types.MustValue("vacation.jpg"))
	shared, ok := op.Shared()
	require.True(t, ok)
	assert.Equal(t, library.ModelFilePath, shared.Model)
	assert.Equal(t, types.DataUpdate, shared.Data.Kind)
	assert.Equal(t, "name", shared.Data.Field)
	assert.JSONEq(t, `"vacation.jpg"`, string(shared.Data.Value))
	assert.JSONEq(t, `{"location":{"pub_id":"`+location.PubID.String()+`"},"id":5}`, string(shared.RecordID))

	atomic, _ := a.m.SharedCreate(location).Shared()
	assert.Equal(t, types.CreateAtomic, atomic.Data.Create)
	assert.Nil(t, atomic.Data.Values)

	volume := library.VolumeSyncID{PubID: uuid.New()}
	owned, ok := a.m.OwnedUpdate(volume, types.Fields(types.F("name", "disk"))).Owned()
	require.True(t, ok)
	assert.Equal(t, library.ModelVolume, owned.Model)
	require.Len(t, owned.Items, 1)
	assert.Equal(t, types.DataUpdate, owned.Items[0].Data.Kind)

	many, ok := syncstate.OwnedCreateMany(a.m, []syncstate.OwnedRecord[library.VolumeSyncID]{
		{ID: volume}, {ID: library.VolumeSyncID{PubID: uuid.New()}},
	}, true).Owned()
	require.True(t, ok)
	assert.Equal(t, library.ModelVolume, many.Model)
	assert.True(t, many.Items[0].Data.SkipDuplicates)
	assert.Len(t, many.Items[0].Data.Many, 2)

	object := library.ObjectSyncID{PubID: uuid.New()}
	tag := library.TagSyncID{PubID: uuid.New()}
	rel, ok := syncstate.RelationUpdate(a.m, library.TagOnObject, object, tag, "date_created", json.RawMessage(`"2024-01-01T00:00:00Z"`)).Relation()
	require.True(t, ok)
	assert.Equal(t, library.RelationTagOnObj, rel.Relation)
	assert.JSONEq(t, string(types.MustValue(object)), string(rel.RelationItem))
	assert.JSONEq(t, string(types.MustValue(tag)), string(rel.RelationGroup))
}

func TestSubscribe_ReceivesWrittenAndIngestedOps(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	feed, cancel := b.m.Subscribe(8)
	defer cancel()

	_, err := b.lib.CreateTag(ctx, uuid.New(), nil)
	require.NoError(t, err)
	_, err = a.lib.CreateTag(ctx, uuid.New(), nil)
	require.NoError(t, err)
	exchange(t, a, b)

	first := <-feed
	second := <-feed
	assert.Equal(t, b.m.Node(), first.Node)
	assert.Equal(t, a.m.Node(), second.Node)

	cancel()
	_, open := <-feed
	assert.False(t, open)
}

func TestNew_SeedsClockFromLog(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/library.db"
	node := uuid.New()

	first := openReplica(t, path, node)
	_, err := first.lib.CreateTag(ctx, uuid.New(), nil)
	require.NoError(t, err)
	ops, err := first.m.GetOps(ctx)
	require.NoError(t, err)
	last := ops[0].Timestamp
	first.m.Close()
	require.NoError(t, first.db.Close())

	past := time.Unix(1_000_000_000, 0)
	reopened := openReplica(t, path, node, syncstate.WithPhysicalClock(func() time.Time { return past }))
	next := reopened.m.SharedCreate(library.TagSyncID{PubID: uuid.New()})
	assert.Greater(t, next.Timestamp, last)
}
