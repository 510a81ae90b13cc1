package library

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/example/library-sync/internal/store"
	"github.com/example/library-sync/internal/types"
)

// Record is one row as seen through sync: field name to value, with
// references rendered as the referenced record's pub_id.
type Record map[string]any

// State holds every synced row keyed by model and canonical SyncId. Two
// replicas have converged when their states are equal.
type State map[string]map[string]Record

// ReadState loads the synced view of the library.
func ReadState(ctx context.Context, q store.Queryer) (State, error) {
	state := make(State)
	for _, def := range models {
		rows, err := readModel(ctx, q, def)
		if err != nil {
			return nil, err
		}
		state[def.model] = rows
	}
	rows, err := readTagOnObject(ctx, q)
	if err != nil {
		return nil, err
	}
	state[RelationTagOnObj] = rows
	return state, nil
}

func valueExpr(c column) string {
	if c.kind == kindRef {
		return fmt.Sprintf("(SELECT r.pub_id FROM %s r WHERE r.id = t.%s)", refTables[c.ref], c.name)
	}
	return "t." + c.name
}

func readModel(ctx context.Context, q store.Queryer, def modelDef) (map[string]Record, error) {
	idExprs := []string{"t.pub_id"}
	if !def.pubID {
		idExprs = []string{"(SELECT l.pub_id FROM location l WHERE l.id = t.location_id)", "t.id"}
	}
	exprs := append([]string{}, idExprs...)
	for _, c := range def.columns {
		exprs = append(exprs, valueExpr(c))
	}

	rows, err := q.Query(ctx, fmt.Sprintf("SELECT %s FROM %s t", strings.Join(exprs, ", "), def.table))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", def.model, err)
	}
	defer rows.Close()

	out := make(map[string]Record)
	for rows.Next() {
		vals := make([]any, len(exprs))
		ptrs := make([]any, len(exprs))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		var id any
		if def.pubID {
			id = map[string]any{"pub_id": normalize(vals[0], true)}
		} else {
			id = map[string]any{
				"location": map[string]any{"pub_id": normalize(vals[0], true)},
				"id":       vals[1],
			}
		}
		key, err := canonicalKey(id)
		if err != nil {
			return nil, err
		}

		rec := make(Record, len(def.columns))
		for i, c := range def.columns {
			rec[c.field] = normalize(vals[len(idExprs)+i], c.kind == kindRef)
		}
		out[key] = rec
	}
	return out, rows.Err()
}

func readTagOnObject(ctx context.Context, q store.Queryer) (map[string]Record, error) {
	rows, err := q.Query(ctx, `
SELECT o.pub_id, g.pub_id, t.date_created
FROM tag_on_object t
JOIN object o ON o.id = t.object_id
JOIN tag g ON g.id = t.tag_id`)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", RelationTagOnObj, err)
	}
	defer rows.Close()

	out := make(map[string]Record)
	for rows.Next() {
		var (
			item, group []byte
			created     any
		)
		if err := rows.Scan(&item, &group, &created); err != nil {
			return nil, err
		}
		itemID, err := canonicalKey(map[string]any{"pub_id": normalize(item, true)})
		if err != nil {
			return nil, err
		}
		groupID, err := canonicalKey(map[string]any{"pub_id": normalize(group, true)})
		if err != nil {
			return nil, err
		}
		key, err := types.CanonicalID(types.RelationID(json.RawMessage(itemID), json.RawMessage(groupID)))
		if err != nil {
			return nil, err
		}
		out[string(key)] = Record{"date_created": normalize(created, false)}
	}
	return out, rows.Err()
}

// normalize maps driver values onto a driver-independent form.
func normalize(v any, isID bool) any {
	switch val := v.(type) {
	case []byte:
		if isID {
			if id, err := uuid.FromBytes(val); err == nil {
				return id.String()
			}
		}
		return string(val)
	case int:
		return int64(val)
	case int32:
		return int64(val)
	}
	return v
}

func canonicalKey(id any) (string, error) {
	raw, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	key, err := types.CanonicalID(raw)
	if err != nil {
		return "", err
	}
	return string(key), nil
}
