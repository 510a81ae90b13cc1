package syncstate

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/example/library-sync/internal/types"
)

// newOp stamps a payload with a fresh id and timestamp. Builders never touch
// the store.
func (m *Manager) newOp(typ types.OperationType) types.CRDTOperation {
	ts := m.clock.NewTimestamp()
	return types.CRDTOperation{
		ID:        uuid.New(),
		Node:      m.node,
		Timestamp: ts.Time,
		Typ:       typ,
	}
}

func (m *Manager) ownedOp(id types.OwnedSyncID, data types.OwnedOperationData) types.CRDTOperation {
	return m.newOp(&types.OwnedOperation{
		Model: id.SyncModel(),
		Items: []types.OwnedOperationItem{{ID: types.MustValue(id), Data: data}},
	})
}

// OwnedCreate records the creation of an owned record with its initial
// field values.
func (m *Manager) OwnedCreate(id types.OwnedSyncID, values types.FieldMap) types.CRDTOperation {
	return m.ownedOp(id, types.OwnedOperationData{Kind: types.DataCreate, Values: values})
}

// OwnedUpdate records new values for fields of an owned record.
func (m *Manager) OwnedUpdate(id types.OwnedSyncID, values types.FieldMap) types.CRDTOperation {
	return m.ownedOp(id, types.OwnedOperationData{Kind: types.DataUpdate, Values: values})
}

// OwnedDelete records the removal of an owned record.
func (m *Manager) OwnedDelete(id types.OwnedSyncID) types.CRDTOperation {
	return m.ownedOp(id, types.OwnedOperationData{Kind: types.DataDelete})
}

// OwnedRecord pairs an owned SyncId with the values it is created with.
type OwnedRecord[T types.OwnedSyncID] struct {
	ID     T
	Values types.FieldMap
}

// OwnedCreateMany records a batch create of one owned model as a single
// operation. With skipDuplicates, records that already exist on the
// receiving node are left untouched.
func OwnedCreateMany[T types.OwnedSyncID](m *Manager, records []OwnedRecord[T], skipDuplicates bool) types.CRDTOperation {
	var model T
	many := make([]types.OwnedCreateValue, len(records))
	for i, r := range records {
		many[i] = types.OwnedCreateValue{ID: types.MustValue(r.ID), Values: r.Values}
	}
	return m.newOp(&types.OwnedOperation{
		Model: model.SyncModel(),
		Items: []types.OwnedOperationItem{{
			ID: json.RawMessage(`null`),
			Data: types.OwnedOperationData{
				Kind:           types.DataCreateMany,
				Many:           many,
				SkipDuplicates: skipDuplicates,
			},
		}},
	})
}

func (m *Manager) sharedOp(id types.SharedSyncID, data types.SharedOperationData) types.CRDTOperation {
	return m.newOp(&types.SharedOperation{
		Model:    id.SyncModel(),
		RecordID: types.MustValue(id),
		Data:     data,
	})
}

// SharedCreate records that a shared record exists, without field values.
func (m *Manager) SharedCreate(id types.SharedSyncID) types.CRDTOperation {
	return m.sharedOp(id, types.SharedOperationData{Kind: types.DataCreate, Create: types.CreateAtomic})
}

// UniqueSharedCreate records the creation of a shared record with initial
// field values.
func (m *Manager) UniqueSharedCreate(id types.SharedSyncID, values types.FieldMap) types.CRDTOperation {
	return m.sharedOp(id, types.SharedOperationData{Kind: types.DataCreate, Create: types.CreateUnique, Values: values})
}

// SharedUpdate records a new value for one field of a shared record.
func (m *Manager) SharedUpdate(id types.SharedSyncID, field string, value json.RawMessage) types.CRDTOperation {
	return m.sharedOp(id, types.SharedOperationData{Kind: types.DataUpdate, Field: field, Value: value})
}

// SharedDelete records the removal of a shared record.
func (m *Manager) SharedDelete(id types.SharedSyncID) types.CRDTOperation {
	return m.sharedOp(id, types.SharedOperationData{Kind: types.DataDelete})
}

func relationOp[I, G types.SharedSyncID](m *Manager, rel types.Relation[I, G], item I, group G, data types.RelationOperationData) types.CRDTOperation {
	return m.newOp(&types.RelationOperation{
		Relation:      rel.Name,
		RelationItem:  types.MustValue(item),
		RelationGroup: types.MustValue(group),
		Data:          data,
	})
}

// RelationCreate records a new join row between item and group.
func RelationCreate[I, G types.SharedSyncID](m *Manager, rel types.Relation[I, G], item I, group G) types.CRDTOperation {
	return relationOp(m, rel, item, group, types.RelationOperationData{Kind: types.DataCreate})
}

// RelationUpdate records a new value for one field of a join row.
func RelationUpdate[I, G types.SharedSyncID](m *Manager, rel types.Relation[I, G], item I, group G, field string, value json.RawMessage) types.CRDTOperation {
	return relationOp(m, rel, item, group, types.RelationOperationData{Kind: types.DataUpdate, Field: field, Value: value})
}

// RelationDelete records the removal of a join row.
func RelationDelete[I, G types.SharedSyncID](m *Manager, rel types.Relation[I, G], item I, group G) types.CRDTOperation {
	return relationOp(m, rel, item, group, types.RelationOperationData{Kind: types.DataDelete})
}
