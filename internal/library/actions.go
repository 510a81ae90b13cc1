package library

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/library-sync/internal/registry"
	"github.com/example/library-sync/internal/store"
	syncstate "github.com/example/library-sync/internal/sync"
	"github.com/example/library-sync/internal/types"
)

// Library performs local mutations of library models through the sync
// write path, so every change is logged and replicated.
type Library struct {
	m *syncstate.Manager
}

func New(m *syncstate.Manager) *Library {
	return &Library{m: m}
}

// Manager returns the underlying sync manager.
func (l *Library) Manager() *syncstate.Manager { return l.m }

func (l *Library) record(model string) (registry.RecordHandler, error) {
	h, ok := l.m.Registry().Record(model)
	if !ok {
		return nil, fmt.Errorf("model %s is not registered", model)
	}
	return h, nil
}

func (l *Library) createShared(ctx context.Context, id types.SharedSyncID, values types.FieldMap) error {
	h, err := l.record(id.SyncModel())
	if err != nil {
		return err
	}
	raw := types.MustValue(id)
	op := l.m.UniqueSharedCreate(id, values)
	return l.m.Write(ctx, []types.CRDTOperation{op}, func(ctx context.Context, tx *store.Tx) error {
		return h.Create(ctx, tx, raw, values)
	})
}

// CreateLocation adds a location and returns its SyncId.
func (l *Library) CreateLocation(ctx context.Context, pubID uuid.UUID, values types.FieldMap) (LocationSyncID, error) {
	id := LocationSyncID{PubID: pubID}
	return id, l.createShared(ctx, id, values)
}

// CreateObject adds an object and returns its SyncId.
func (l *Library) CreateObject(ctx context.Context, pubID uuid.UUID, values types.FieldMap) (ObjectSyncID, error) {
	id := ObjectSyncID{PubID: pubID}
	return id, l.createShared(ctx, id, values)
}

// CreateFilePath adds a file path under an existing location.
func (l *Library) CreateFilePath(ctx context.Context, id FilePathSyncID, values types.FieldMap) error {
	return l.createShared(ctx, id, values)
}

// CreateTag adds a tag and returns its SyncId.
func (l *Library) CreateTag(ctx context.Context, pubID uuid.UUID, values types.FieldMap) (TagSyncID, error) {
	id := TagSyncID{PubID: pubID}
	return id, l.createShared(ctx, id, values)
}

// Update sets one field of any shared record.
func (l *Library) Update(ctx context.Context, id types.SharedSyncID, field string, value any) error {
	h, err := l.record(id.SyncModel())
	if err != nil {
		return err
	}
	raw := types.MustValue(id)
	encoded := types.MustValue(value)
	op := l.m.SharedUpdate(id, field, encoded)
	return l.m.Write(ctx, []types.CRDTOperation{op}, func(ctx context.Context, tx *store.Tx) error {
		return h.Update(ctx, tx, raw, types.FieldMap{field: encoded})
	})
}

// Delete removes any shared record.
func (l *Library) Delete(ctx context.Context, id types.SharedSyncID) error {
	h, err := l.record(id.SyncModel())
	if err != nil {
		return err
	}
	raw := types.MustValue(id)
	op := l.m.SharedDelete(id)
	return l.m.Write(ctx, []types.CRDTOperation{op}, func(ctx context.Context, tx *store.Tx) error {
		_, err := h.Delete(ctx, tx, raw)
		return err
	})
}

func (l *Library) tagOnObject() (registry.RelationHandler, error) {
	h, ok := l.m.Registry().Relation(TagOnObject.Name)
	if !ok {
		return nil, fmt.Errorf("relation %s is not registered", TagOnObject.Name)
	}
	return h, nil
}

// TagObject attaches a tag to an object.
func (l *Library) TagObject(ctx context.Context, object ObjectSyncID, tag TagSyncID) error {
	h, err := l.tagOnObject()
	if err != nil {
		return err
	}
	op := syncstate.RelationCreate(l.m, TagOnObject, object, tag)
	return l.m.Write(ctx, []types.CRDTOperation{op}, func(ctx context.Context, tx *store.Tx) error {
		return h.Create(ctx, tx, types.MustValue(object), types.MustValue(tag))
	})
}

// UntagObject detaches a tag from an object.
func (l *Library) UntagObject(ctx context.Context, object ObjectSyncID, tag TagSyncID) error {
	h, err := l.tagOnObject()
	if err != nil {
		return err
	}
	op := syncstate.RelationDelete(l.m, TagOnObject, object, tag)
	return l.m.Write(ctx, []types.CRDTOperation{op}, func(ctx context.Context, tx *store.Tx) error {
		_, err := h.Delete(ctx, tx, types.MustValue(object), types.MustValue(tag))
		return err
	})
}

// SaveVolumes records the volumes detected on this node as one batch.
// Volumes already present are updated in place.
func (l *Library) SaveVolumes(ctx context.Context, volumes []syncstate.OwnedRecord[VolumeSyncID]) error {
	h, err := l.record(ModelVolume)
	if err != nil {
		return err
	}
	op := syncstate.OwnedCreateMany(l.m, volumes, false)
	return l.m.Write(ctx, []types.CRDTOperation{op}, func(ctx context.Context, tx *store.Tx) error {
		for _, v := range volumes {
			raw := types.MustValue(v.ID)
			exists, err := h.Exists(ctx, tx, raw)
			if err != nil {
				return err
			}
			if exists {
				err = h.Update(ctx, tx, raw, v.Values)
			} else {
				err = h.Create(ctx, tx, raw, v.Values)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateVolume changes fields of a volume owned by this node.
func (l *Library) UpdateVolume(ctx context.Context, id VolumeSyncID, values types.FieldMap) error {
	h, err := l.record(ModelVolume)
	if err != nil {
		return err
	}
	op := l.m.OwnedUpdate(id, values)
	return l.m.Write(ctx, []types.CRDTOperation{op}, func(ctx context.Context, tx *store.Tx) error {
		return h.Update(ctx, tx, types.MustValue(id), values)
	})
}

// DeleteVolume removes a volume owned by this node.
func (l *Library) DeleteVolume(ctx context.Context, id VolumeSyncID) error {
	h, err := l.record(ModelVolume)
	if err != nil {
		return err
	}
	op := l.m.OwnedDelete(id)
	return l.m.Write(ctx, []types.CRDTOperation{op}, func(ctx context.Context, tx *store.Tx) error {
		_, err := h.Delete(ctx, tx, types.MustValue(id))
		return err
	})
}

// State reads the synced view of this node's library.
func (l *Library) State(ctx context.Context) (State, error) {
	return ReadState(ctx, l.m.DB())
}

// NodeID returns the SyncId of the local node, for use as a reference value.
func (l *Library) NodeID() json.RawMessage {
	return types.MustValue(NodeSyncID{PubID: l.m.Node()})
}
