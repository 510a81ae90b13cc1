package syncstate

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/example/library-sync/internal/hlc"
	"github.com/example/library-sync/internal/registry"
	"github.com/example/library-sync/internal/store"
	"github.com/example/library-sync/internal/types"
)

// createdField is the clock slot recording the newest create of a record.
// A delete older than it targets an earlier incarnation and only clears the
// fields that incarnation wrote.
const createdField = "$created"

var nullValue = json.RawMessage(`null`)

func markCreated(ctx context.Context, tx *store.Tx, model string, rid []byte, values types.FieldMap, ts hlc.Timestamp) error {
	if err := store.SetFieldClock(ctx, tx, model, rid, createdField, ts); err != nil {
		return err
	}
	for field := range values {
		if err := store.SetFieldClock(ctx, tx, model, rid, field, ts); err != nil {
			return err
		}
	}
	return nil
}

func markDeleted(ctx context.Context, tx *store.Tx, model string, rid []byte, ts hlc.Timestamp) error {
	if err := store.ClearFieldClocks(ctx, tx, model, rid); err != nil {
		return err
	}
	return store.SetTombstone(ctx, tx, model, rid, ts)
}

// applier applies one remote operation inside one transaction. Conflicts are
// resolved last-writer-wins per field by (timestamp, node).
type applier struct {
	reg *registry.Registry
	tx  *store.Tx
	ts  hlc.Timestamp

	// created lists identities whose Create was applied, so operations
	// parked on them can be retried.
	created []PendingKey
	applied int
	stale   int
}

func (a *applier) apply(ctx context.Context, op types.CRDTOperation) error {
	switch typ := op.Typ.(type) {
	case *types.SharedOperation:
		return a.shared(ctx, typ)
	case *types.OwnedOperation:
		return a.owned(ctx, typ)
	case *types.RelationOperation:
		return a.relation(ctx, typ)
	}
	return unsupported("", op.Typ)
}

func canonical(raw json.RawMessage) ([]byte, error) {
	rid, err := types.CanonicalID(raw)
	if err != nil {
		return nil, &SyncError{Code: CodeSerialization, Err: err}
	}
	return rid, nil
}

func (a *applier) skip(model string) {
	a.stale++
	staleSkipped.WithLabelValues(model).Inc()
}

func (a *applier) shared(ctx context.Context, s *types.SharedOperation) error {
	h, ok := a.reg.Record(s.Model)
	if !ok || h.Kind() != types.SyncShared {
		return unsupported(s.Model, s.Data.Kind)
	}
	rid, err := canonical(s.RecordID)
	if err != nil {
		return err
	}

	switch s.Data.Kind {
	case types.DataCreate:
		return a.create(ctx, h, rid, s.RecordID, s.Data.Values, false)
	case types.DataUpdate:
		value := s.Data.Value
		if len(value) == 0 {
			value = nullValue
		}
		return a.update(ctx, h, rid, s.RecordID, types.FieldMap{s.Data.Field: value})
	case types.DataDelete:
		return a.delete(ctx, h, rid, s.RecordID)
	}
	return unsupported(s.Model, s.Data.Kind)
}

func (a *applier) owned(ctx context.Context, o *types.OwnedOperation) error {
	h, ok := a.reg.Record(o.Model)
	if !ok || h.Kind() != types.SyncOwned {
		return unsupported(o.Model, types.SyncOwned)
	}

	for _, item := range o.Items {
		if item.Data.Kind == types.DataCreateMany {
			for _, v := range item.Data.Many {
				rid, err := canonical(v.ID)
				if err != nil {
					return err
				}
				if err := a.create(ctx, h, rid, v.ID, v.Values, item.Data.SkipDuplicates); err != nil {
					return err
				}
			}
			continue
		}

		rid, err := canonical(item.ID)
		if err != nil {
			return err
		}
		switch item.Data.Kind {
		case types.DataCreate:
			err = a.create(ctx, h, rid, item.ID, item.Data.Values, false)
		case types.DataUpdate:
			err = a.update(ctx, h, rid, item.ID, item.Data.Values)
		case types.DataDelete:
			err = a.delete(ctx, h, rid, item.ID)
		default:
			err = unsupported(o.Model, item.Data.Kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// deletedAfter reports whether a delete at or after the operation's time is
// already recorded for the record.
func (a *applier) deletedAfter(ctx context.Context, model string, rid []byte) (bool, error) {
	tomb, ok, err := store.Tombstone(ctx, a.tx, model, rid)
	if err != nil || !ok {
		return false, err
	}
	return !tomb.Less(a.ts), nil
}

// recreatedAfter reports whether a create newer than the operation is
// recorded for the record.
func (a *applier) recreatedAfter(ctx context.Context, model string, rid []byte) (bool, error) {
	created, ok, err := store.FieldClock(ctx, a.tx, model, rid, createdField)
	if err != nil || !ok {
		return false, err
	}
	return a.ts.Less(created), nil
}

// floor returns the time below which field writes belong to an earlier
// incarnation of a deleted record: the newest create when it followed the
// newest delete, otherwise the delete. ok is false for records never deleted.
func (a *applier) floor(ctx context.Context, model string, rid []byte) (hlc.Timestamp, bool, error) {
	tomb, ok, err := store.Tombstone(ctx, a.tx, model, rid)
	if err != nil || !ok {
		return hlc.Timestamp{}, false, err
	}
	created, ok, err := store.FieldClock(ctx, a.tx, model, rid, createdField)
	if err != nil {
		return hlc.Timestamp{}, false, err
	}
	if ok && tomb.Less(created) {
		return created, true, nil
	}
	return tomb, true, nil
}

// beforeFloor reports whether the operation is older than the record's floor.
func (a *applier) beforeFloor(ctx context.Context, model string, rid []byte) (bool, error) {
	floor, ok, err := a.floor(ctx, model, rid)
	if err != nil || !ok {
		return false, err
	}
	return a.ts.Less(floor), nil
}

// clearFunc nulls the given fields of a present record.
type clearFunc func(ctx context.Context, fields []string) error

// resetIncarnation nulls every field written before the record's floor, so
// values from before a delete never survive a recreate.
func (a *applier) resetIncarnation(ctx context.Context, model string, rid []byte, reset clearFunc) error {
	floor, ok, err := a.floor(ctx, model, rid)
	if err != nil || !ok {
		return err
	}
	clocks, err := store.FieldClocks(ctx, a.tx, model, rid)
	if err != nil {
		return err
	}
	var fields []string
	for field, ts := range clocks {
		if field != createdField && ts.Less(floor) {
			fields = append(fields, field)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	sort.Strings(fields)

	if err := reset(ctx, fields); err != nil {
		return err
	}
	for _, field := range fields {
		if err := store.ClearFieldClock(ctx, a.tx, model, rid, field); err != nil {
			return err
		}
	}
	return nil
}

func (a *applier) clearRecord(h registry.RecordHandler, id json.RawMessage) clearFunc {
	return func(ctx context.Context, fields []string) error {
		values := make(types.FieldMap, len(fields))
		for _, f := range fields {
			values[f] = nullValue
		}
		return h.Update(ctx, a.tx, id, values)
	}
}

func (a *applier) clearRelation(h registry.RelationHandler, item, group json.RawMessage) clearFunc {
	return func(ctx context.Context, fields []string) error {
		for _, f := range fields {
			if err := h.Update(ctx, a.tx, item, group, f, nullValue); err != nil {
				return err
			}
		}
		return nil
	}
}

// goneRef turns an apply error caused by a deleted record the operation
// depends on into a skip, matching what the delete's cascade does on nodes
// that applied the operation first.
func (a *applier) goneRef(model string, err error) error {
	var missing *registry.MissingError
	if errors.As(err, &missing) && missing.Deleted {
		a.skip(model)
		return nil
	}
	return err
}

// create inserts the record, or merges values into it when it already
// exists. A create older than a recorded delete is skipped.
func (a *applier) create(ctx context.Context, h registry.RecordHandler, rid []byte, id json.RawMessage, values types.FieldMap, skipExisting bool) error {
	model := h.Model()
	if deleted, err := a.deletedAfter(ctx, model, rid); err != nil || deleted {
		if deleted {
			a.skip(model)
		}
		return err
	}

	exists, err := h.Exists(ctx, a.tx, id)
	if err != nil {
		return err
	}
	if exists {
		if skipExisting {
			return nil
		}
		if err := store.SetFieldClock(ctx, a.tx, model, rid, createdField, a.ts); err != nil {
			return err
		}
		if err := a.resetIncarnation(ctx, model, rid, a.clearRecord(h, id)); err != nil {
			return err
		}
		return a.writeFields(ctx, h, rid, id, values)
	}

	if err := h.Create(ctx, a.tx, id, values); err != nil {
		return a.goneRef(model, err)
	}
	if err := markCreated(ctx, a.tx, model, rid, values, a.ts); err != nil {
		return err
	}
	a.applied++
	a.created = append(a.created, PendingKey{Model: model, ID: string(rid)})
	return nil
}

// update overwrites fields of an existing record. The record must exist.
func (a *applier) update(ctx context.Context, h registry.RecordHandler, rid []byte, id json.RawMessage, values types.FieldMap) error {
	model := h.Model()
	if deleted, err := a.deletedAfter(ctx, model, rid); err != nil || deleted {
		if deleted {
			a.skip(model)
		}
		return err
	}

	exists, err := h.Exists(ctx, a.tx, id)
	if err != nil {
		return err
	}
	if !exists {
		return registry.Missing(model, id)
	}
	return a.writeFields(ctx, h, rid, id, values)
}

// writeFields keeps only values newer than the field's recorded clock. Writes
// older than the record's floor are dropped entirely.
func (a *applier) writeFields(ctx context.Context, h registry.RecordHandler, rid []byte, id json.RawMessage, values types.FieldMap) error {
	model := h.Model()
	if stale, err := a.beforeFloor(ctx, model, rid); err != nil || stale {
		if stale {
			a.skip(model)
		}
		return err
	}

	fresh := make(types.FieldMap, len(values))
	for field, value := range values {
		clock, ok, err := store.FieldClock(ctx, a.tx, model, rid, field)
		if err != nil {
			return err
		}
		if ok && !clock.Less(a.ts) {
			a.skip(model)
			continue
		}
		fresh[field] = value
	}
	if len(fresh) == 0 {
		return nil
	}

	if err := h.Update(ctx, a.tx, id, fresh); err != nil {
		return a.goneRef(model, err)
	}
	for field := range fresh {
		if err := store.SetFieldClock(ctx, a.tx, model, rid, field, a.ts); err != nil {
			return err
		}
	}
	a.applied++
	return nil
}

// delete removes the record if present. Deleting an absent record only
// records the tombstone. When the record was recreated after the delete it
// stays, losing only the fields written before the recreate.
func (a *applier) delete(ctx context.Context, h registry.RecordHandler, rid []byte, id json.RawMessage) error {
	model := h.Model()
	if deleted, err := a.deletedAfter(ctx, model, rid); err != nil || deleted {
		if deleted {
			a.skip(model)
		}
		return err
	}
	recreated, err := a.recreatedAfter(ctx, model, rid)
	if err != nil {
		return err
	}
	if recreated {
		a.skip(model)
		if err := store.SetTombstone(ctx, a.tx, model, rid, a.ts); err != nil {
			return err
		}
		return a.resetIncarnation(ctx, model, rid, a.clearRecord(h, id))
	}

	if _, err := h.Delete(ctx, a.tx, id); err != nil {
		return err
	}
	a.applied++
	return markDeleted(ctx, a.tx, model, rid, a.ts)
}

func (a *applier) relation(ctx context.Context, r *types.RelationOperation) error {
	h, ok := a.reg.Relation(r.Relation)
	if !ok {
		return unsupported(r.Relation, r.Data.Kind)
	}
	id := types.RelationID(r.RelationItem, r.RelationGroup)
	rid, err := canonical(id)
	if err != nil {
		return err
	}
	name := r.Relation
	reset := a.clearRelation(h, r.RelationItem, r.RelationGroup)

	switch r.Data.Kind {
	case types.DataCreate:
		if deleted, err := a.deletedAfter(ctx, name, rid); err != nil || deleted {
			if deleted {
				a.skip(name)
			}
			return err
		}
		exists, err := h.Exists(ctx, a.tx, r.RelationItem, r.RelationGroup)
		if err != nil {
			return err
		}
		if exists {
			if err := store.SetFieldClock(ctx, a.tx, name, rid, createdField, a.ts); err != nil {
				return err
			}
			return a.resetIncarnation(ctx, name, rid, reset)
		}
		if err := h.Create(ctx, a.tx, r.RelationItem, r.RelationGroup); err != nil {
			return a.goneRef(name, err)
		}
		if err := markCreated(ctx, a.tx, name, rid, nil, a.ts); err != nil {
			return err
		}
		a.applied++
		a.created = append(a.created, PendingKey{Model: name, ID: string(rid)})
		return nil

	case types.DataUpdate:
		if deleted, err := a.deletedAfter(ctx, name, rid); err != nil || deleted {
			if deleted {
				a.skip(name)
			}
			return err
		}
		exists, err := h.Exists(ctx, a.tx, r.RelationItem, r.RelationGroup)
		if err != nil {
			return err
		}
		if !exists {
			return registry.Missing(name, id)
		}
		if stale, err := a.beforeFloor(ctx, name, rid); err != nil || stale {
			if stale {
				a.skip(name)
			}
			return err
		}
		clock, ok, err := store.FieldClock(ctx, a.tx, name, rid, r.Data.Field)
		if err != nil {
			return err
		}
		if ok && !clock.Less(a.ts) {
			a.skip(name)
			return nil
		}
		value := r.Data.Value
		if len(value) == 0 {
			value = nullValue
		}
		if err := h.Update(ctx, a.tx, r.RelationItem, r.RelationGroup, r.Data.Field, value); err != nil {
			return err
		}
		a.applied++
		return store.SetFieldClock(ctx, a.tx, name, rid, r.Data.Field, a.ts)

	case types.DataDelete:
		if deleted, err := a.deletedAfter(ctx, name, rid); err != nil || deleted {
			if deleted {
				a.skip(name)
			}
			return err
		}
		recreated, err := a.recreatedAfter(ctx, name, rid)
		if err != nil {
			return err
		}
		if recreated {
			a.skip(name)
			if err := store.SetTombstone(ctx, a.tx, name, rid, a.ts); err != nil {
				return err
			}
			return a.resetIncarnation(ctx, name, rid, reset)
		}
		if _, err := h.Delete(ctx, a.tx, r.RelationItem, r.RelationGroup); err != nil {
			return err
		}
		a.applied++
		return markDeleted(ctx, a.tx, name, rid, a.ts)
	}
	return unsupported(name, r.Data.Kind)
}
