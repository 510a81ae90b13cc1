package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/example/library-sync/internal/hlc"
	"github.com/example/library-sync/internal/types"
)

// AppendOperation writes op to the log table matching its variant. The
// operation's node must already have a node row. It reports false when an
// operation with the same id is already logged.
func AppendOperation(ctx context.Context, tx *Tx, op types.CRDTOperation) (bool, error) {
	ts := sqlTime(op.Timestamp)
	var (
		res sql.Result
		err error
	)
	switch typ := op.Typ.(type) {
	case *types.OwnedOperation:
		var data []byte
		if data, err = json.Marshal(typ.Items); err != nil {
			return false, fmt.Errorf("encode owned items: %w", err)
		}
		res, err = tx.Exec(ctx, `
INSERT INTO owned_operation (id, timestamp, model, data, node_id)
VALUES (?, ?, ?, ?, (SELECT id FROM node WHERE pub_id = ?))
ON CONFLICT (id) DO NOTHING`,
			op.ID[:], ts, typ.Model, data, op.Node[:])
	case *types.SharedOperation:
		var data, recordID []byte
		if data, err = json.Marshal(typ.Data); err != nil {
			return false, fmt.Errorf("encode shared data: %w", err)
		}
		if recordID, err = types.CanonicalID(typ.RecordID); err != nil {
			return false, err
		}
		res, err = tx.Exec(ctx, `
INSERT INTO shared_operation (id, timestamp, model, record_id, kind, data, node_id)
VALUES (?, ?, ?, ?, ?, ?, (SELECT id FROM node WHERE pub_id = ?))
ON CONFLICT (id) DO NOTHING`,
			op.ID[:], ts, typ.Model, recordID, string(typ.Data.Kind), data, op.Node[:])
	case *types.RelationOperation:
		var data, item, group []byte
		if data, err = json.Marshal(typ.Data); err != nil {
			return false, fmt.Errorf("encode relation data: %w", err)
		}
		if item, err = types.CanonicalID(typ.RelationItem); err != nil {
			return false, err
		}
		if group, err = types.CanonicalID(typ.RelationGroup); err != nil {
			return false, err
		}
		res, err = tx.Exec(ctx, `
INSERT INTO relation_operation (id, timestamp, relation, item_id, group_id, kind, data, node_id)
VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT id FROM node WHERE pub_id = ?))
ON CONFLICT (id) DO NOTHING`,
			op.ID[:], ts, typ.Relation, item, group, string(typ.Data.Kind), data, op.Node[:])
	default:
		return false, fmt.Errorf("append operation %s: unknown payload %T", op.ID, op.Typ)
	}
	if err != nil {
		return false, fmt.Errorf("append operation %s: %w", op.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		opsAppended.WithLabelValues(string(op.Typ.Kind())).Inc()
	}
	return n > 0, nil
}

// HasOperation reports whether any log table holds an operation with id.
func HasOperation(ctx context.Context, q Queryer, id uuid.UUID) (bool, error) {
	var n int
	err := q.QueryRow(ctx, `
SELECT (SELECT COUNT(*) FROM owned_operation WHERE id = ?)
     + (SELECT COUNT(*) FROM shared_operation WHERE id = ?)
     + (SELECT COUNT(*) FROM relation_operation WHERE id = ?)`,
		id[:], id[:], id[:]).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup operation %s: %w", id, err)
	}
	return n > 0, nil
}

// MaxTimestamp returns the newest timestamp across all logs, or zero.
func MaxTimestamp(ctx context.Context, q Queryer) (hlc.NTP64, error) {
	var ts sql.NullInt64
	err := q.QueryRow(ctx, `
SELECT MAX(t) FROM (
	SELECT MAX(timestamp) AS t FROM owned_operation
	UNION ALL SELECT MAX(timestamp) FROM shared_operation
	UNION ALL SELECT MAX(timestamp) FROM relation_operation
) AS latest`).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("max log timestamp: %w", err)
	}
	if !ts.Valid {
		return 0, nil
	}
	return fromSQLTime(ts.Int64), nil
}

// OperationCounts reports how many rows each log holds.
type OperationCounts struct {
	Owned    int64 `json:"owned"`
	Shared   int64 `json:"shared"`
	Relation int64 `json:"relation"`
}

// Total sums all logs.
func (c OperationCounts) Total() int64 {
	return c.Owned + c.Shared + c.Relation
}

func CountOperations(ctx context.Context, q Queryer) (OperationCounts, error) {
	var c OperationCounts
	err := q.QueryRow(ctx, `
SELECT (SELECT COUNT(*) FROM owned_operation),
       (SELECT COUNT(*) FROM shared_operation),
       (SELECT COUNT(*) FROM relation_operation)`).Scan(&c.Owned, &c.Shared, &c.Relation)
	if err != nil {
		return OperationCounts{}, fmt.Errorf("count operations: %w", err)
	}
	return c, nil
}

// DecodeFailure describes a logged row that could not be turned back into an
// operation. Readers skip such rows.
type DecodeFailure struct {
	Table string
	ID    []byte
	Err   error
}

// SharedOperations returns every shared operation ordered by timestamp.
func SharedOperations(ctx context.Context, q Queryer) ([]types.CRDTOperation, []DecodeFailure, error) {
	return sharedSince(ctx, q, -1, 0)
}

// OperationsSince returns operations of every variant with a timestamp after
// since, ordered by (timestamp, node). limit <= 0 means no limit.
func OperationsSince(ctx context.Context, q Queryer, since hlc.NTP64, limit int) ([]types.CRDTOperation, []DecodeFailure, error) {
	after := sqlTime(since)
	owned, ownedBad, err := ownedSince(ctx, q, after, limit)
	if err != nil {
		return nil, nil, err
	}
	shared, sharedBad, err := sharedSince(ctx, q, after, limit)
	if err != nil {
		return nil, nil, err
	}
	relation, relationBad, err := relationSince(ctx, q, after, limit)
	if err != nil {
		return nil, nil, err
	}

	ops := make([]types.CRDTOperation, 0, len(owned)+len(shared)+len(relation))
	ops = append(ops, owned...)
	ops = append(ops, shared...)
	ops = append(ops, relation...)
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].HLC().Less(ops[j].HLC())
	})
	if limit > 0 && len(ops) > limit {
		ops = ops[:limit]
	}

	bad := append(append(ownedBad, sharedBad...), relationBad...)
	return ops, bad, nil
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func ownedSince(ctx context.Context, q Queryer, after int64, limit int) ([]types.CRDTOperation, []DecodeFailure, error) {
	rows, err := q.Query(ctx, `
SELECT o.id, o.timestamp, o.model, o.data, n.pub_id
FROM owned_operation o JOIN node n ON n.id = o.node_id
WHERE o.timestamp > ?
ORDER BY o.timestamp, n.pub_id`+limitClause(limit), after)
	if err != nil {
		return nil, nil, fmt.Errorf("query owned operations: %w", err)
	}
	defer rows.Close()

	var (
		ops []types.CRDTOperation
		bad []DecodeFailure
	)
	for rows.Next() {
		var (
			id, data, node []byte
			ts             int64
			model          string
		)
		if err := rows.Scan(&id, &ts, &model, &data, &node); err != nil {
			return nil, nil, err
		}
		op, err := decodeHeader(id, node, ts)
		if err == nil {
			owned := &types.OwnedOperation{Model: model}
			if err = json.Unmarshal(data, &owned.Items); err == nil {
				op.Typ = owned
				err = op.Validate()
			}
		}
		if err != nil {
			bad = append(bad, DecodeFailure{Table: "owned_operation", ID: id, Err: err})
			continue
		}
		ops = append(ops, op)
	}
	return ops, bad, rows.Err()
}

func sharedSince(ctx context.Context, q Queryer, after int64, limit int) ([]types.CRDTOperation, []DecodeFailure, error) {
	rows, err := q.Query(ctx, `
SELECT s.id, s.timestamp, s.model, s.record_id, s.data, n.pub_id
FROM shared_operation s JOIN node n ON n.id = s.node_id
WHERE s.timestamp > ?
ORDER BY s.timestamp, n.pub_id`+limitClause(limit), after)
	if err != nil {
		return nil, nil, fmt.Errorf("query shared operations: %w", err)
	}
	defer rows.Close()

	var (
		ops []types.CRDTOperation
		bad []DecodeFailure
	)
	for rows.Next() {
		var (
			id, recordID, data, node []byte
			ts                       int64
			model                    string
		)
		if err := rows.Scan(&id, &ts, &model, &recordID, &data, &node); err != nil {
			return nil, nil, err
		}
		op, err := decodeHeader(id, node, ts)
		if err == nil {
			shared := &types.SharedOperation{Model: model, RecordID: recordID}
			if err = json.Unmarshal(data, &shared.Data); err == nil {
				op.Typ = shared
				err = op.Validate()
			}
		}
		if err != nil {
			bad = append(bad, DecodeFailure{Table: "shared_operation", ID: id, Err: err})
			continue
		}
		ops = append(ops, op)
	}
	return ops, bad, rows.Err()
}

func relationSince(ctx context.Context, q Queryer, after int64, limit int) ([]types.CRDTOperation, []DecodeFailure, error) {
	rows, err := q.Query(ctx, `
SELECT r.id, r.timestamp, r.relation, r.item_id, r.group_id, r.data, n.pub_id
FROM relation_operation r JOIN node n ON n.id = r.node_id
WHERE r.timestamp > ?
ORDER BY r.timestamp, n.pub_id`+limitClause(limit), after)
	if err != nil {
		return nil, nil, fmt.Errorf("query relation operations: %w", err)
	}
	defer rows.Close()

	var (
		ops []types.CRDTOperation
		bad []DecodeFailure
	)
	for rows.Next() {
		var (
			id, item, group, data, node []byte
			ts                          int64
			relation                    string
		)
		if err := rows.Scan(&id, &ts, &relation, &item, &group, &data, &node); err != nil {
			return nil, nil, err
		}
		op, err := decodeHeader(id, node, ts)
		if err == nil {
			rel := &types.RelationOperation{Relation: relation, RelationItem: item, RelationGroup: group}
			if err = json.Unmarshal(data, &rel.Data); err == nil {
				op.Typ = rel
				err = op.Validate()
			}
		}
		if err != nil {
			bad = append(bad, DecodeFailure{Table: "relation_operation", ID: id, Err: err})
			continue
		}
		ops = append(ops, op)
	}
	return ops, bad, rows.Err()
}

func decodeHeader(id, node []byte, ts int64) (types.CRDTOperation, error) {
	opID, err := uuid.FromBytes(id)
	if err != nil {
		return types.CRDTOperation{}, fmt.Errorf("decode operation id: %w", err)
	}
	nodeID, err := uuid.FromBytes(node)
	if err != nil {
		return types.CRDTOperation{}, fmt.Errorf("decode node id: %w", err)
	}
	return types.CRDTOperation{ID: opID, Node: nodeID, Timestamp: fromSQLTime(ts)}, nil
}
