package syncstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/library-sync/internal/hlc"
	"github.com/example/library-sync/internal/library"
	"github.com/example/library-sync/internal/store"
	syncstate "github.com/example/library-sync/internal/sync"
	"github.com/example/library-sync/internal/types"
)

func TestIngest_FilePathRenameReachesPeer(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	loc, err := a.lib.CreateLocation(ctx, uuid.New(), types.Fields(
		types.F("name", "Photos"),
		types.F("node", library.NodeSyncID{PubID: a.m.Node()}),
	))
	require.NoError(t, err)
	path := library.FilePathSyncID{Location: loc, ID: 5}
	require.NoError(t, a.lib.CreateFilePath(ctx, path, types.Fields(types.F("name", "IMG_0001.jpg"))))
	exchange(t, a, b)

	require.NoError(t, a.lib.Update(ctx, path, "name", "vacation.jpg"))
	exchange(t, a, b)

	rec := state(t, b)[library.ModelFilePath][key(t, path)]
	require.NotNil(t, rec)
	assert.Equal(t, "vacation.jpg", rec["name"])
	assert.Equal(t, a.m.Node().String(), state(t, b)[library.ModelLocation][key(t, loc)]["node"])
	assert.Equal(t, state(t, a), state(t, b))
}

func TestIngest_DisjointCreatesConverge(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	l1, err := a.lib.CreateLocation(ctx, uuid.New(), types.Fields(types.F("name", "L1")))
	require.NoError(t, err)
	l2, err := b.lib.CreateLocation(ctx, uuid.New(), types.Fields(types.F("name", "L2")))
	require.NoError(t, err)

	exchange(t, a, b)
	exchange(t, b, a)

	for _, r := range []*replica{a, b} {
		locations := state(t, r)[library.ModelLocation]
		assert.Len(t, locations, 2)
		assert.Equal(t, "L1", locations[key(t, l1)]["name"])
		assert.Equal(t, "L2", locations[key(t, l2)]["name"])
	}
	assert.Equal(t, state(t, a), state(t, b))
}

func TestIngest_RepeatedDeleteIsNoOp(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)
	c := newReplica(t)

	tag, err := a.lib.CreateTag(ctx, uuid.New(), types.Fields(types.F("name", "Favorites")))
	require.NoError(t, err)
	exchange(t, a, b)
	exchange(t, a, c)

	require.NoError(t, a.lib.Delete(ctx, tag))
	require.NoError(t, c.lib.Delete(ctx, tag))

	exchange(t, a, b)
	assert.Empty(t, state(t, b)[library.ModelTag])
	exchange(t, c, b)
	assert.Empty(t, state(t, b)[library.ModelTag])
}

func TestIngest_DeleteOfUnknownRecordIsNoOp(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	require.NoError(t, a.lib.Delete(ctx, library.TagSyncID{PubID: uuid.New()}))
	exchange(t, a, b)
	assert.Empty(t, state(t, b)[library.ModelTag])
	assert.EqualValues(t, 1, counts(t, b).Shared)
}

func TestIngest_DuplicateDeliveryIsIgnored(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	_, err := a.lib.CreateTag(ctx, uuid.New(), types.Fields(types.F("name", "x")))
	require.NoError(t, err)
	exchange(t, a, b)
	exchange(t, a, b)

	assert.EqualValues(t, 1, counts(t, b).Shared)
	assert.Len(t, state(t, b)[library.ModelTag], 1)
}

func TestIngest_AdvancesLocalClock(t *testing.T) {
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	a := newReplica(t, syncstate.WithPhysicalClock(func() time.Time { return future }))
	b := newReplica(t)

	_, err := a.lib.CreateTag(ctx, uuid.New(), nil)
	require.NoError(t, err)
	remote, err := a.m.GetOps(ctx)
	require.NoError(t, err)

	exchange(t, a, b)
	next := b.m.SharedCreate(library.TagSyncID{PubID: uuid.New()})
	assert.True(t, remote[0].HLC().Less(next.HLC()))
	assert.Greater(t, next.Timestamp, remote[0].Timestamp)
}

func TestIngest_StaleUpdateDoesNotClobberNewer(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	tag, err := a.lib.CreateTag(ctx, uuid.New(), types.Fields(types.F("name", "first")))
	require.NoError(t, err)
	require.NoError(t, a.lib.Update(ctx, tag, "name", "second"))
	require.NoError(t, a.lib.Update(ctx, tag, "name", "third"))

	ops, err := a.m.GetOps(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	require.NoError(t, b.m.IngestOp(ctx, ops[0]))
	require.NoError(t, b.m.IngestOp(ctx, ops[2]))
	require.NoError(t, b.m.IngestOp(ctx, ops[1]))

	assert.Equal(t, "third", state(t, b)[library.ModelTag][key(t, tag)]["name"])
	assert.Equal(t, state(t, a), state(t, b))
}

func TestIngest_ConcurrentUpdatesConverge(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	tag, err := a.lib.CreateTag(ctx, uuid.New(), types.Fields(types.F("name", "base")))
	require.NoError(t, err)
	exchange(t, a, b)

	require.NoError(t, a.lib.Update(ctx, tag, "name", "from-a"))
	require.NoError(t, b.lib.Update(ctx, tag, "name", "from-b"))
	require.NoError(t, b.lib.Update(ctx, tag, "color", "blue"))

	exchange(t, a, b)
	exchange(t, b, a)

	sa, sb := state(t, a), state(t, b)
	assert.Equal(t, sa, sb)
	assert.Equal(t, "blue", sa[library.ModelTag][key(t, tag)]["color"])
	assert.Contains(t, []any{"from-a", "from-b"}, sa[library.ModelTag][key(t, tag)]["name"])
}

func TestIngest_CreateOlderThanDeleteIsSkipped(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	tag, err := a.lib.CreateTag(ctx, uuid.New(), types.Fields(types.F("name", "gone")))
	require.NoError(t, err)
	require.NoError(t, a.lib.Delete(ctx, tag))

	ops, err := a.m.GetOps(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	require.NoError(t, b.m.IngestOp(ctx, ops[1]))
	require.NoError(t, b.m.IngestOp(ctx, ops[0]))

	assert.Empty(t, state(t, b)[library.ModelTag])
	assert.Equal(t, state(t, a), state(t, b))
}

func TestIngest_RecreateAfterDeleteSurvivesLateDelete(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	pub := uuid.New()
	tag, err := a.lib.CreateTag(ctx, pub, nil)
	require.NoError(t, err)
	require.NoError(t, a.lib.Delete(ctx, tag))
	_, err = a.lib.CreateTag(ctx, pub, types.Fields(types.F("name", "again")))
	require.NoError(t, err)

	ops, err := a.m.GetOps(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	require.NoError(t, b.m.IngestOp(ctx, ops[0]))
	require.NoError(t, b.m.IngestOp(ctx, ops[2]))
	require.NoError(t, b.m.IngestOp(ctx, ops[1]))

	assert.Equal(t, "again", state(t, b)[library.ModelTag][key(t, tag)]["name"])
	assert.Equal(t, state(t, a), state(t, b))
}

// permutations returns every ordering of the indexes 0..n-1.
func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			next := make([]int, 0, n)
			next = append(next, p[:i]...)
			next = append(next, n-1)
			next = append(next, p[i:]...)
			out = append(out, next)
		}
	}
	return out
}

// ingestInOrder feeds ops to a fresh replica in the given order. Operations
// parked on a missing record are applied once it arrives.
func ingestInOrder(t *testing.T, ops []types.CRDTOperation, order []int) library.State {
	t.Helper()
	ctx := context.Background()
	r := newReplica(t)
	for _, i := range order {
		if err := r.m.IngestOp(ctx, ops[i]); err != nil {
			require.True(t, syncstate.IsMissingDependency(err), "order %v op %d: %v", order, i, err)
		}
	}
	assert.Zero(t, r.m.PendingLen(), "order %v", order)
	return state(t, r)
}

func TestIngest_RecreateDropsFieldsOfEarlierIncarnation(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)

	pub := uuid.New()
	tag, err := a.lib.CreateTag(ctx, pub, types.Fields(types.F("color", "red")))
	require.NoError(t, err)
	require.NoError(t, a.lib.Update(ctx, tag, "name", "old"))
	require.NoError(t, a.lib.Delete(ctx, tag))
	_, err = a.lib.CreateTag(ctx, pub, types.Fields(types.F("color", "blue")))
	require.NoError(t, err)

	ops, err := a.m.GetOps(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 4)

	want := state(t, a)
	rec := want[library.ModelTag][key(t, tag)]
	require.NotNil(t, rec)
	assert.Nil(t, rec["name"])
	assert.Equal(t, "blue", rec["color"])

	for _, order := range permutations(len(ops)) {
		assert.Equal(t, want, ingestInOrder(t, ops, order), "order %v", order)
	}
}

func TestIngest_ConcurrentUpdateAndRecreateConverge(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	pub := uuid.New()
	tag, err := a.lib.CreateTag(ctx, pub, types.Fields(types.F("color", "red")))
	require.NoError(t, err)
	exchange(t, a, b)

	require.NoError(t, b.lib.Update(ctx, tag, "name", "from-b"))
	require.NoError(t, a.lib.Delete(ctx, tag))
	_, err = a.lib.CreateTag(ctx, pub, types.Fields(types.F("color", "blue")))
	require.NoError(t, err)

	ops, err := a.m.GetOps(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	fromB, err := b.m.GetOps(ctx)
	require.NoError(t, err)
	for _, op := range fromB {
		if op.Node == b.m.Node() {
			ops = append(ops, op)
		}
	}
	require.Len(t, ops, 4)

	var want library.State
	for _, order := range permutations(len(ops)) {
		got := ingestInOrder(t, ops, order)
		if want == nil {
			want = got
			continue
		}
		assert.Equal(t, want, got, "order %v", order)
	}
	assert.Equal(t, "blue", want[library.ModelTag][key(t, tag)]["color"])

	exchange(t, b, a)
	exchange(t, a, b)
	assert.Equal(t, want, state(t, a))
	assert.Equal(t, want, state(t, b))
}

func TestIngest_ReferenceToDeletedRecordBecomesNull(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	loc, err := a.lib.CreateLocation(ctx, uuid.New(), types.Fields(types.F("name", "Docs")))
	require.NoError(t, err)
	object, err := a.lib.CreateObject(ctx, uuid.New(), nil)
	require.NoError(t, err)
	exchange(t, a, b)

	path := library.FilePathSyncID{Location: loc, ID: 1}
	require.NoError(t, a.lib.CreateFilePath(ctx, path, types.Fields(types.F("name", "a.txt"), types.F("object", object))))
	require.NoError(t, b.lib.Delete(ctx, object))

	exchange(t, a, b)
	exchange(t, b, a)

	assert.Zero(t, a.m.PendingLen())
	assert.Zero(t, b.m.PendingLen())
	sa, sb := state(t, a), state(t, b)
	assert.Equal(t, sa, sb)
	rec := sb[library.ModelFilePath][key(t, path)]
	require.NotNil(t, rec)
	assert.Equal(t, "a.txt", rec["name"])
	assert.Nil(t, rec["object"])
	assert.Empty(t, sb[library.ModelObject])
}

func TestIngest_ChildOfDeletedParentIsSkipped(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	loc, err := a.lib.CreateLocation(ctx, uuid.New(), types.Fields(types.F("name", "Docs")))
	require.NoError(t, err)
	object, err := a.lib.CreateObject(ctx, uuid.New(), nil)
	require.NoError(t, err)
	tag, err := a.lib.CreateTag(ctx, uuid.New(), nil)
	require.NoError(t, err)
	exchange(t, a, b)

	path := library.FilePathSyncID{Location: loc, ID: 1}
	require.NoError(t, a.lib.CreateFilePath(ctx, path, types.Fields(types.F("name", "a.txt"))))
	require.NoError(t, a.lib.TagObject(ctx, object, tag))
	require.NoError(t, b.lib.Delete(ctx, loc))
	require.NoError(t, b.lib.Delete(ctx, tag))

	exchange(t, a, b)
	exchange(t, b, a)

	assert.Zero(t, a.m.PendingLen())
	assert.Zero(t, b.m.PendingLen())
	sa, sb := state(t, a), state(t, b)
	assert.Equal(t, sa, sb)
	assert.Empty(t, sb[library.ModelLocation])
	assert.Empty(t, sb[library.ModelFilePath])
	assert.Empty(t, sb[library.RelationTagOnObj])
}

func TestIngest_MissingParentIsParkedThenApplied(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	loc, err := a.lib.CreateLocation(ctx, uuid.New(), types.Fields(types.F("name", "Docs")))
	require.NoError(t, err)
	path := library.FilePathSyncID{Location: loc, ID: 1}
	require.NoError(t, a.lib.CreateFilePath(ctx, path, types.Fields(types.F("name", "a.txt"))))
	require.NoError(t, a.lib.Update(ctx, path, "extension", "txt"))

	ops, err := a.m.GetOps(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	err = b.m.IngestOp(ctx, ops[2])
	require.True(t, syncstate.IsMissingDependency(err), "got %v", err)
	err = b.m.IngestOp(ctx, ops[1])
	require.True(t, syncstate.IsMissingDependency(err), "got %v", err)
	assert.Equal(t, 2, b.m.PendingLen())

	pending := b.m.Pending()
	require.Len(t, pending, 2)
	models := []string{pending[0].Model, pending[1].Model}
	assert.ElementsMatch(t, []string{library.ModelFilePath, library.ModelLocation}, models)
	assert.Zero(t, counts(t, b).Total())

	require.NoError(t, b.m.IngestOp(ctx, ops[0]))
	assert.Zero(t, b.m.PendingLen())
	assert.EqualValues(t, 3, counts(t, b).Shared)

	rec := state(t, b)[library.ModelFilePath][key(t, path)]
	assert.Equal(t, "a.txt", rec["name"])
	assert.Equal(t, "txt", rec["extension"])
	assert.Equal(t, state(t, a), state(t, b))
}

func TestIngest_ParkedDuplicateIsNotQueuedTwice(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	tag, err := a.lib.CreateTag(ctx, uuid.New(), nil)
	require.NoError(t, err)
	require.NoError(t, a.lib.Update(ctx, tag, "name", "late"))
	ops, err := a.m.GetOps(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.True(t, syncstate.IsMissingDependency(b.m.IngestOp(ctx, ops[1])))
	}
	assert.Equal(t, 1, b.m.PendingLen())
}

func TestIngest_PendingLimitDropsOverflow(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t, syncstate.WithPendingLimit(1))

	tag, err := a.lib.CreateTag(ctx, uuid.New(), nil)
	require.NoError(t, err)
	require.NoError(t, a.lib.Update(ctx, tag, "name", "one"))
	require.NoError(t, a.lib.Update(ctx, tag, "color", "red"))
	ops, err := a.m.GetOps(ctx)
	require.NoError(t, err)

	assert.True(t, syncstate.IsMissingDependency(b.m.IngestOp(ctx, ops[1])))
	assert.True(t, syncstate.IsMissingDependency(b.m.IngestOp(ctx, ops[2])))
	assert.Equal(t, 1, b.m.PendingLen())
}

func TestIngest_UnsupportedModel(t *testing.T) {
	ctx := context.Background()
	b := newReplica(t)

	op := types.CRDTOperation{
		ID:        uuid.New(),
		Node:      uuid.New(),
		Timestamp: hlc.FromTime(time.Now()),
		Typ: &types.SharedOperation{
			Model:    "Album",
			RecordID: types.MustValue(map[string]string{"pub_id": uuid.NewString()}),
			Data:     types.SharedOperationData{Kind: types.DataCreate, Create: types.CreateAtomic},
		},
	}
	err := b.m.IngestOp(ctx, op)
	require.True(t, syncstate.IsUnsupported(err), "got %v", err)
	assert.Zero(t, counts(t, b).Total())

	owned := op
	owned.ID = uuid.New()
	owned.Typ = &types.OwnedOperation{Model: library.ModelTag, Items: []types.OwnedOperationItem{{
		ID:   types.MustValue(library.TagSyncID{PubID: uuid.New()}),
		Data: types.OwnedOperationData{Kind: types.DataDelete},
	}}}
	assert.True(t, syncstate.IsUnsupported(b.m.IngestOp(ctx, owned)))
}

func TestIngest_MalformedOperations(t *testing.T) {
	ctx := context.Background()
	b := newReplica(t)
	node := uuid.New()

	badValue := types.CRDTOperation{
		ID: uuid.New(), Node: node, Timestamp: hlc.FromTime(time.Now()),
		Typ: &types.SharedOperation{
			Model:    library.ModelTag,
			RecordID: types.MustValue(library.TagSyncID{PubID: uuid.New()}),
			Data: types.SharedOperationData{
				Kind: types.DataCreate, Create: types.CreateUnique,
				Values: types.Fields(types.F("name", 42)),
			},
		},
	}
	assert.True(t, syncstate.IsSerialization(b.m.IngestOp(ctx, badValue)))

	unknownField := badValue
	unknownField.ID = uuid.New()
	unknownField.Typ = &types.SharedOperation{
		Model:    library.ModelTag,
		RecordID: types.MustValue(library.TagSyncID{PubID: uuid.New()}),
		Data: types.SharedOperationData{
			Kind: types.DataCreate, Create: types.CreateUnique,
			Values: types.Fields(types.F("shape", "round")),
		},
	}
	assert.True(t, syncstate.IsSerialization(b.m.IngestOp(ctx, unknownField)))

	badID := badValue
	badID.ID = uuid.New()
	badID.Typ = &types.SharedOperation{
		Model:    library.ModelTag,
		RecordID: types.MustValue(map[string]string{"pub_id": "not-a-uuid"}),
		Data:     types.SharedOperationData{Kind: types.DataCreate, Create: types.CreateAtomic},
	}
	assert.True(t, syncstate.IsSerialization(b.m.IngestOp(ctx, badID)))

	noNode := badValue
	noNode.Node = uuid.Nil
	assert.True(t, syncstate.IsSerialization(b.m.IngestOp(ctx, noNode)))

	assert.Zero(t, counts(t, b).Total())
	assert.Zero(t, b.m.PendingLen())
}

func TestIngest_CreatesPlaceholderNode(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	_, err := a.lib.CreateTag(ctx, uuid.New(), nil)
	require.NoError(t, err)
	exchange(t, a, b)

	nodes, err := store.Nodes(ctx, b.db)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	var peer store.Node
	for _, n := range nodes {
		if n.PubID == a.m.Node() {
			peer = n
		}
	}
	assert.Equal(t, store.PlaceholderNodeName, peer.Name)
}

func TestIngest_TagOnObjectRelation(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	object, err := a.lib.CreateObject(ctx, uuid.New(), types.Fields(types.F("kind", 5), types.F("favorite", true)))
	require.NoError(t, err)
	tag, err := a.lib.CreateTag(ctx, uuid.New(), types.Fields(types.F("name", "Holiday")))
	require.NoError(t, err)
	require.NoError(t, a.lib.TagObject(ctx, object, tag))

	relKey := relationKey(t, object, tag)
	exchange(t, a, b)
	require.Contains(t, state(t, b)[library.RelationTagOnObj], relKey)
	assert.EqualValues(t, 1, counts(t, b).Relation)
	assert.Equal(t, int64(1), state(t, b)[library.ModelObject][key(t, object)]["favorite"])

	update := syncstate.RelationUpdate(a.m, library.TagOnObject, object, tag, "date_created", types.MustValue("2024-05-01T10:00:00Z"))
	h, ok := a.m.Registry().Relation(library.RelationTagOnObj)
	require.True(t, ok)
	require.NoError(t, a.m.Write(ctx, []types.CRDTOperation{update}, func(ctx context.Context, tx *store.Tx) error {
		return h.Update(ctx, tx, types.MustValue(object), types.MustValue(tag), "date_created", types.MustValue("2024-05-01T10:00:00Z"))
	}))
	exchange(t, a, b)
	assert.Equal(t, "2024-05-01T10:00:00Z", state(t, b)[library.RelationTagOnObj][relKey]["date_created"])

	require.NoError(t, a.lib.UntagObject(ctx, object, tag))
	exchange(t, a, b)
	assert.Empty(t, state(t, b)[library.RelationTagOnObj])
	assert.Equal(t, state(t, a), state(t, b))
}

func TestIngest_RelationWaitsForItsEnds(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	object, err := a.lib.CreateObject(ctx, uuid.New(), nil)
	require.NoError(t, err)
	tag, err := a.lib.CreateTag(ctx, uuid.New(), nil)
	require.NoError(t, err)
	require.NoError(t, a.lib.TagObject(ctx, object, tag))

	ops, err := a.m.OpsSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	assert.True(t, syncstate.IsMissingDependency(b.m.IngestOp(ctx, ops[2])))
	require.NoError(t, b.m.IngestOp(ctx, ops[0]))
	assert.Equal(t, 1, b.m.PendingLen())
	require.NoError(t, b.m.IngestOp(ctx, ops[1]))
	assert.Zero(t, b.m.PendingLen())
	assert.Equal(t, state(t, a), state(t, b))
}

func TestIngest_OwnedVolumes(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)
	b := newReplica(t)

	system := library.VolumeSyncID{PubID: uuid.New()}
	external := library.VolumeSyncID{PubID: uuid.New()}
	require.NoError(t, a.lib.SaveVolumes(ctx, []syncstate.OwnedRecord[library.VolumeSyncID]{
		{ID: system, Values: types.Fields(
			types.F("name", "Macintosh HD"),
			types.F("is_system", true),
			types.F("node", library.NodeSyncID{PubID: a.m.Node()}),
		)},
		{ID: external, Values: types.Fields(types.F("name", "Backup"))},
	}))
	require.NoError(t, a.lib.UpdateVolume(ctx, external, types.Fields(types.F("total_bytes_available", 1024))))
	exchange(t, a, b)

	volumes := state(t, b)[library.ModelVolume]
	require.Len(t, volumes, 2)
	assert.Equal(t, a.m.Node().String(), volumes[key(t, system)]["node"])
	assert.Equal(t, int64(1024), volumes[key(t, external)]["total_bytes_available"])
	assert.EqualValues(t, 2, counts(t, b).Owned)

	require.NoError(t, a.lib.DeleteVolume(ctx, external))
	exchange(t, a, b)
	assert.Len(t, state(t, b)[library.ModelVolume], 1)
	assert.Equal(t, state(t, a), state(t, b))
}

func TestGetOps_OnlySharedInTimestampOrder(t *testing.T) {
	ctx := context.Background()
	a := newReplica(t)

	object, err := a.lib.CreateObject(ctx, uuid.New(), nil)
	require.NoError(t, err)
	tag, err := a.lib.CreateTag(ctx, uuid.New(), nil)
	require.NoError(t, err)
	require.NoError(t, a.lib.TagObject(ctx, object, tag))
	require.NoError(t, a.lib.SaveVolumes(ctx, []syncstate.OwnedRecord[library.VolumeSyncID]{{ID: library.VolumeSyncID{PubID: uuid.New()}}}))

	ops, err := a.m.GetOps(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Less(t, ops[0].Timestamp, ops[1].Timestamp)
	for _, op := range ops {
		assert.Equal(t, types.SyncShared, op.Typ.Kind())
	}

	all, err := a.m.OpsSince(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	after, err := a.m.OpsSince(ctx, ops[1].Timestamp, 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, types.SyncRelation, after[0].Typ.Kind())
}
