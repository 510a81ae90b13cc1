package syncstate

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/library-sync/internal/store"
	"github.com/example/library-sync/internal/types"
)

type queued struct {
	op   types.CRDTOperation
	from *PendingKey
}

// IngestOp applies one operation received from another node. Each apply is
// its own transaction: on error the store is left unchanged for that
// operation. Operations already in the local log are ignored, so redelivery
// is safe.
//
// An operation whose target or referenced record is not present yet is
// parked and a CodeMissingDependency error is returned; it is retried
// automatically once the missing record is created. Operations released
// that way are applied before IngestOp returns.
func (m *Manager) IngestOp(ctx context.Context, op types.CRDTOperation) error {
	created, err := m.ingestOne(ctx, op)
	if len(created) == 0 {
		return err
	}

	var queue []queued
	release := func(keys []PendingKey) {
		for i := range keys {
			key := keys[i]
			for _, parked := range m.pending.Take(key) {
				queue = append(queue, queued{op: parked, from: &key})
			}
		}
	}
	release(created)

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		m.logger.Debug().
			Str("op_id", next.op.ID.String()).
			Str("waited_on", next.from.Model).
			Msg("applying previously parked operation")

		more, err := m.ingestOne(ctx, next.op)
		switch {
		case err == nil, IsMissingDependency(err):
		case IsStorage(err):
			if parkErr := m.pending.Park(*next.from, next.op); parkErr != nil {
				m.logger.Error().Err(parkErr).Str("op_id", next.op.ID.String()).Msg("lost parked operation after storage failure")
			}
		default:
			m.logger.Error().Err(err).Str("op_id", next.op.ID.String()).Msg("dropping parked operation")
		}
		release(more)
	}
	return err
}

func (m *Manager) ingestOne(ctx context.Context, op types.CRDTOperation) ([]PendingKey, error) {
	ctx, span := tracer.Start(ctx, "sync.IngestOp")
	defer span.End()

	if err := op.Validate(); err != nil {
		se := &SyncError{Code: CodeSerialization, OpID: op.ID, Err: err}
		m.recordFailure(op, se)
		span.SetStatus(codes.Error, se.Error())
		return nil, se
	}
	model := op.Typ.ModelName()
	span.SetAttributes(
		attribute.String("op_id", op.ID.String()),
		attribute.String("node", op.Node.String()),
		attribute.String("model", model),
		attribute.String("kind", string(op.Typ.Kind())),
	)

	if drift := m.clock.Update(op.HLC()); drift > m.maxDrift {
		clockDrift.Inc()
		m.logger.Warn().
			Str("op_id", op.ID.String()).
			Str("remote_node", op.Node.String()).
			Dur("drift", drift).
			Msg("remote timestamp ahead of local clock")
	}

	var (
		a         *applier
		duplicate bool
	)
	err := m.db.InTx(ctx, func(tx *store.Tx) error {
		a = &applier{reg: m.reg, tx: tx, ts: op.HLC()}
		duplicate = false

		seen, err := store.HasOperation(ctx, tx, op.ID)
		if err != nil {
			return err
		}
		if seen {
			duplicate = true
			return nil
		}
		if _, err := store.UpsertNode(ctx, tx, op.Node, store.PlaceholderNodeName); err != nil {
			return err
		}
		if err := a.apply(ctx, op); err != nil {
			return err
		}
		_, err = store.AppendOperation(ctx, tx, op)
		return err
	})
	if err != nil {
		se := classify(op.ID, model, err)
		if se.Code == CodeMissingDependency {
			m.park(op, se)
		}
		m.recordFailure(op, se)
		span.RecordError(se)
		span.SetStatus(codes.Error, se.Error())
		return nil, se
	}

	switch {
	case duplicate:
		ingestResults.WithLabelValues("duplicate").Inc()
		return nil, nil
	case a.applied == 0 && a.stale > 0:
		ingestResults.WithLabelValues("stale").Inc()
	default:
		ingestResults.WithLabelValues("applied").Inc()
	}
	m.notify(op)
	return a.created, nil
}

func (m *Manager) park(op types.CRDTOperation, se *SyncError) {
	rid, err := types.CanonicalID(se.Missing.ID)
	if err != nil {
		se.Code = CodeSerialization
		se.Err = errors.Join(se.Err, err)
		return
	}
	key := PendingKey{Model: se.Missing.Model, ID: string(rid)}
	if err := m.pending.Park(key, op); err != nil {
		m.logger.Error().
			Err(err).
			Str("op_id", op.ID.String()).
			Str("waiting_on", key.Model).
			Msg("could not park operation")
	}
}

func (m *Manager) recordFailure(op types.CRDTOperation, se *SyncError) {
	ingestResults.WithLabelValues(string(se.Code)).Inc()

	event := m.logger.Warn()
	switch se.Code {
	case CodeMissingDependency:
		event = m.logger.Debug()
	case CodeStorage:
		event = m.logger.Error()
	}
	kind := ""
	if op.Typ != nil {
		kind = string(op.Typ.Kind())
	}
	event.
		Err(se.Err).
		Str("op_id", op.ID.String()).
		Str("remote_node", op.Node.String()).
		Str("model", se.Model).
		Str("kind", kind).
		Str("class", string(se.Code)).
		Msg("ingest failed")
}
