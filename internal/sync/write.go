package syncstate

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/library-sync/internal/hlc"
	"github.com/example/library-sync/internal/store"
	"github.com/example/library-sync/internal/types"
)

// Mutation is the local change an operation narrates. It runs inside the
// same transaction as the log inserts and must only use tx.
type Mutation[T any] func(ctx context.Context, tx *store.Tx) (T, error)

// WriteOps commits ops to the operation log together with mutation, in one
// transaction, and returns the mutation's result. Either the log rows and
// the mutation's effects are all committed or none are. After commit every
// op is handed to the outbound channel in order.
func WriteOps[T any](ctx context.Context, m *Manager, ops []types.CRDTOperation, mutation Mutation[T]) (T, error) {
	ctx, span := tracer.Start(ctx, "sync.WriteOps")
	defer span.End()
	span.SetAttributes(attribute.Int("ops", len(ops)))

	var zero T
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return zero, &SyncError{Code: CodeSerialization, OpID: op.ID, Err: err}
		}
		if op.Node != m.node {
			err := fmt.Errorf("operation from node %s written on node %s", op.Node, m.node)
			span.SetStatus(codes.Error, err.Error())
			return zero, &SyncError{Code: CodeSerialization, OpID: op.ID, Err: err}
		}
	}

	start := time.Now()
	var result T
	err := m.db.InTx(ctx, func(tx *store.Tx) error {
		for _, op := range ops {
			inserted, err := store.AppendOperation(ctx, tx, op)
			if err != nil {
				return &SyncError{Code: CodeStorage, OpID: op.ID, Model: op.Typ.ModelName(), Err: err}
			}
			if !inserted {
				return &SyncError{Code: CodeStorage, OpID: op.ID, Model: op.Typ.ModelName(), Err: fmt.Errorf("operation id already logged")}
			}
			if err := recordLocal(ctx, tx, op); err != nil {
				return &SyncError{Code: CodeStorage, OpID: op.ID, Model: op.Typ.ModelName(), Err: err}
			}
		}
		var err error
		result, err = mutation(ctx, tx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	writeLatency.Observe(time.Since(start).Seconds())

	for _, op := range ops {
		opsWritten.WithLabelValues(string(op.Typ.Kind())).Inc()
		m.notify(op)
		m.send(ctx, op)
	}
	return result, nil
}

// WriteOp is WriteOps for a single operation.
func WriteOp[T any](ctx context.Context, m *Manager, op types.CRDTOperation, mutation Mutation[T]) (T, error) {
	return WriteOps(ctx, m, []types.CRDTOperation{op}, mutation)
}

// Write commits ops with a mutation that returns no result.
func (m *Manager) Write(ctx context.Context, ops []types.CRDTOperation, mutation func(ctx context.Context, tx *store.Tx) error) error {
	_, err := WriteOps(ctx, m, ops, func(ctx context.Context, tx *store.Tx) (struct{}, error) {
		return struct{}{}, mutation(ctx, tx)
	})
	return err
}

// recordLocal stamps the clocks touched by a local operation so that older
// remote writes arriving later do not overwrite it.
func recordLocal(ctx context.Context, tx *store.Tx, op types.CRDTOperation) error {
	ts := op.HLC()
	switch typ := op.Typ.(type) {
	case *types.SharedOperation:
		rid, err := types.CanonicalID(typ.RecordID)
		if err != nil {
			return err
		}
		switch typ.Data.Kind {
		case types.DataCreate:
			return markCreated(ctx, tx, typ.Model, rid, typ.Data.Values, ts)
		case types.DataUpdate:
			return store.SetFieldClock(ctx, tx, typ.Model, rid, typ.Data.Field, ts)
		case types.DataDelete:
			return markDeleted(ctx, tx, typ.Model, rid, ts)
		}
	case *types.OwnedOperation:
		for _, item := range typ.Items {
			if err := recordLocalItem(ctx, tx, typ.Model, item, ts); err != nil {
				return err
			}
		}
	case *types.RelationOperation:
		rid, err := types.CanonicalID(types.RelationID(typ.RelationItem, typ.RelationGroup))
		if err != nil {
			return err
		}
		switch typ.Data.Kind {
		case types.DataCreate:
			return markCreated(ctx, tx, typ.Relation, rid, nil, ts)
		case types.DataUpdate:
			return store.SetFieldClock(ctx, tx, typ.Relation, rid, typ.Data.Field, ts)
		case types.DataDelete:
			return markDeleted(ctx, tx, typ.Relation, rid, ts)
		}
	}
	return nil
}

func recordLocalItem(ctx context.Context, tx *store.Tx, model string, item types.OwnedOperationItem, ts hlc.Timestamp) error {
	if item.Data.Kind == types.DataCreateMany {
		for _, v := range item.Data.Many {
			rid, err := types.CanonicalID(v.ID)
			if err != nil {
				return err
			}
			if err := markCreated(ctx, tx, model, rid, v.Values, ts); err != nil {
				return err
			}
		}
		return nil
	}

	rid, err := types.CanonicalID(item.ID)
	if err != nil {
		return err
	}
	switch item.Data.Kind {
	case types.DataCreate:
		return markCreated(ctx, tx, model, rid, item.Data.Values, ts)
	case types.DataUpdate:
		for field := range item.Data.Values {
			if err := store.SetFieldClock(ctx, tx, model, rid, field, ts); err != nil {
				return err
			}
		}
	case types.DataDelete:
		return markDeleted(ctx, tx, model, rid, ts)
	}
	return nil
}
